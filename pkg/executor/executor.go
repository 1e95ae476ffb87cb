// Package executor invokes the opaque external commands a pipeline step
// names, either as host subprocesses or inside containers. Executors
// normalize outcomes: nil for exit 0, a models.StepError for everything
// the command itself caused, and the context error when a cancellation or
// timeout killed it.
package executor

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Command is one step invocation, fully resolved by the caller: layered
// environment, workspace directory and output writers.
type Command struct {
	// Name labels the invocation in logs and container names, typically
	// "instance/step".
	Name   string
	Script string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs one command to completion.
type Executor interface {
	Run(ctx context.Context, cmd Command) error
}

// CoverageMarker is the stdout prefix external test runners use to report
// an aggregate coverage percentage back to the engine.
const CoverageMarker = "::coverage::"

// CoverageScanner tees step output while watching for coverage markers.
// The last well-formed marker wins. Safe for concurrent writes, which
// container log demuxing can produce.
type CoverageScanner struct {
	w io.Writer

	mu      sync.Mutex
	partial strings.Builder
	value   float64
	found   bool
}

// NewCoverageScanner wraps w with marker scanning.
func NewCoverageScanner(w io.Writer) *CoverageScanner {
	return &CoverageScanner{w: w}
}

func (s *CoverageScanner) Write(p []byte) (int, error) {
	s.mu.Lock()
	rest := s.partial.String() + string(p)
	s.partial.Reset()
	for {
		line, tail, ok := strings.Cut(rest, "\n")
		if !ok {
			s.partial.WriteString(rest)
			break
		}
		s.scanLine(line)
		rest = tail
	}
	s.mu.Unlock()

	return s.w.Write(p)
}

// Coverage returns the last reported percentage and whether any marker was
// seen. Callers should flush trailing output first with Close.
func (s *CoverageScanner) Coverage() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.found
}

// Close scans any unterminated final line.
func (s *CoverageScanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partial.Len() > 0 {
		s.scanLine(s.partial.String())
		s.partial.Reset()
	}
	return nil
}

func (s *CoverageScanner) scanLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, CoverageMarker) {
		return
	}
	raw := strings.TrimSpace(strings.TrimPrefix(line, CoverageMarker))
	raw = strings.TrimSuffix(raw, "%")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 100 {
		return
	}
	s.value = v
	s.found = true
}
