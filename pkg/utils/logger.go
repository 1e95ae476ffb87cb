package utils

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgRed, color.FgWhite, color.FgMagenta}

var (
	l     sync.Mutex
	index int
)

const MaxNameLength = 24

// ColorLogger provides an io.Writer that prefixes every write with a named,
// colored tag so interleaved output from concurrent job instances stays
// attributable.
type ColorLogger struct {
	name   string
	writer io.Writer
	c      color.Attribute
}

// NewColorLogger returns a writer tagging output with name. When advance is
// true the logger takes the next color in the rotation; pass false so a
// job's stdout and stderr writers share one color.
func NewColorLogger(name string, writer io.Writer, advance bool) io.Writer {
	l.Lock()
	defer l.Unlock()
	if advance {
		index = (index + 1) % len(colors)
	}

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{
		name:   name,
		writer: writer,
		c:      colors[index],
	}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	out := color.New(c.c)
	if _, err := out.Fprintf(c.writer, "%s | %s", c.name, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
