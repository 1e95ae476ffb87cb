package pipeline

import (
	"fmt"
	"strings"
)

// DefinitionError is a structural problem found while loading a pipeline
// definition. Line is the position in the source document when known.
type DefinitionError struct {
	Line int
	Msg  string
}

func (e *DefinitionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// DefinitionErrors collects every problem in one pass so users fix a broken
// definition in one round trip.
type DefinitionErrors []*DefinitionError

func (e DefinitionErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

func (e *DefinitionErrors) add(line int, format string, args ...any) {
	*e = append(*e, &DefinitionError{Line: line, Msg: fmt.Sprintf(format, args...)})
}
