package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opnlabs/gantry/pkg/models"
)

func TestLocalExecutorRunsScript(t *testing.T) {
	var out bytes.Buffer
	err := NewLocalExecutor().Run(context.Background(), Command{
		Name:   "test/echo",
		Script: "echo hello from a step",
		Dir:    t.TempDir(),
		Env:    []string{"PATH=" + os.Getenv("PATH")},
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "hello from a step") {
		t.Errorf("expected the script output, got %q", out.String())
	}
}

func TestLocalExecutorReportsExitCode(t *testing.T) {
	var out bytes.Buffer
	err := NewLocalExecutor().Run(context.Background(), Command{
		Name:   "test/fail",
		Script: "exit 3",
		Dir:    t.TempDir(),
		Env:    []string{"PATH=" + os.Getenv("PATH")},
		Stdout: &out,
		Stderr: &out,
	})

	var stepErr *models.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected a step error, got %v", err)
	}
	if stepErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", stepErr.ExitCode)
	}
	if stepErr.Reason != models.StepReasonExit {
		t.Errorf("expected the exit reason, got %s", stepErr.Reason)
	}
}

func TestLocalExecutorRunsInDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	err := NewLocalExecutor().Run(context.Background(), Command{
		Name:   "test/dir",
		Script: "echo done > marker.txt",
		Dir:    dir,
		Env:    []string{"PATH=" + os.Getenv("PATH")},
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Errorf("expected the step to run inside its workspace: %v", err)
	}
}

func TestLocalExecutorEnv(t *testing.T) {
	var out bytes.Buffer
	err := NewLocalExecutor().Run(context.Background(), Command{
		Name:   "test/env",
		Script: "echo value=$MATRIX_OS",
		Dir:    t.TempDir(),
		Env:    []string{"PATH=" + os.Getenv("PATH"), "MATRIX_OS=linux"},
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "value=linux") {
		t.Errorf("expected the layered environment, got %q", out.String())
	}
}

func TestLocalExecutorContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	var out bytes.Buffer
	err := NewLocalExecutor().Run(ctx, Command{
		Name:   "test/sleep",
		Script: "sleep 30",
		Dir:    t.TempDir(),
		Env:    []string{"PATH=" + os.Getenv("PATH")},
		Stdout: &out,
		Stderr: &out,
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the context error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected a prompt kill, took %s", elapsed)
	}
}

func TestCoverageScanner(t *testing.T) {
	tests := []struct {
		Name      string
		Writes    []string
		Want      float64
		WantFound bool
	}{
		{
			Name:      "single marker",
			Writes:    []string{"collected 10 items\n::coverage:: 83.4\nall done\n"},
			Want:      83.4,
			WantFound: true,
		},
		{
			Name:      "marker with percent sign",
			Writes:    []string{"::coverage:: 90%\n"},
			Want:      90,
			WantFound: true,
		},
		{
			Name:      "marker split across writes",
			Writes:    []string{"::cover", "age:: 77.5", "\n"},
			Want:      77.5,
			WantFound: true,
		},
		{
			Name:      "last marker wins",
			Writes:    []string{"::coverage:: 50\n::coverage:: 61.2\n"},
			Want:      61.2,
			WantFound: true,
		},
		{
			Name:      "no marker",
			Writes:    []string{"tests passed\n"},
			WantFound: false,
		},
		{
			Name:      "malformed value ignored",
			Writes:    []string{"::coverage:: lots\n"},
			WantFound: false,
		},
		{
			Name:      "out of range ignored",
			Writes:    []string{"::coverage:: 140\n"},
			WantFound: false,
		},
		{
			Name:      "unterminated final line",
			Writes:    []string{"::coverage:: 66.6"},
			Want:      66.6,
			WantFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			var sink bytes.Buffer
			s := NewCoverageScanner(&sink)
			for _, w := range tt.Writes {
				if _, err := s.Write([]byte(w)); err != nil {
					t.Fatal(err)
				}
			}
			s.Close()

			got, found := s.Coverage()
			if found != tt.WantFound {
				t.Fatalf("expected found=%v, got %v", tt.WantFound, found)
			}
			if found && got != tt.Want {
				t.Errorf("expected %v, got %v", tt.Want, got)
			}

			joined := strings.Join(tt.Writes, "")
			if sink.String() != joined {
				t.Errorf("expected output passed through unchanged, got %q", sink.String())
			}
		})
	}
}
