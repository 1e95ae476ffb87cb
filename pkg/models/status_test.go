package models

import (
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	open := []Status{StatusQueued, StatusRunning, StatusRetrying}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestStatusReported(t *testing.T) {
	if got := StatusRetrying.Reported(); got != StatusRunning {
		t.Errorf("expected retrying to report as running, got %s", got)
	}
	if got := StatusFailed.Reported(); got != StatusFailed {
		t.Errorf("expected failed to report as failed, got %s", got)
	}
}

func TestJobInstanceLifecycle(t *testing.T) {
	job := &Job{ID: "unit"}
	inst := NewJobInstance(job, Assignment{})

	if got := inst.Status(); got != StatusQueued {
		t.Fatalf("expected queued, got %s", got)
	}
	if err := inst.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := inst.Finish(StatusSucceeded, nil); err != nil {
		t.Fatal(err)
	}
	if !inst.Terminal() {
		t.Error("expected instance to be terminal")
	}
}

func TestJobInstanceTerminalIsFinal(t *testing.T) {
	inst := NewJobInstance(&Job{ID: "unit"}, Assignment{})
	if err := inst.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := inst.Finish(StatusTimedOut, nil); err != nil {
		t.Fatal(err)
	}
	err := inst.Finish(StatusCancelled, nil)
	if !errors.Is(err, ErrTransition) {
		t.Errorf("expected ErrTransition after a terminal state, got %v", err)
	}
	if got := inst.Status(); got != StatusTimedOut {
		t.Errorf("expected the first terminal state to win, got %s", got)
	}
}

func TestJobInstanceSkipFromQueued(t *testing.T) {
	inst := NewJobInstance(&Job{ID: "unit"}, Assignment{})
	if err := inst.Finish(StatusSkipped, nil); err != nil {
		t.Fatal(err)
	}
	if got := inst.Status(); got != StatusSkipped {
		t.Errorf("expected skipped, got %s", got)
	}
}

func TestJobInstanceCannotSucceedFromQueued(t *testing.T) {
	inst := NewJobInstance(&Job{ID: "unit"}, Assignment{})
	if err := inst.Finish(StatusSucceeded, nil); !errors.Is(err, ErrTransition) {
		t.Errorf("expected ErrTransition for queued -> succeeded, got %v", err)
	}
}

func TestJobInstanceRetryHop(t *testing.T) {
	inst := NewJobInstance(&Job{ID: "unit"}, Assignment{})
	if err := inst.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := inst.Transition(StatusRetrying); err != nil {
		t.Fatal(err)
	}
	if got := inst.Status().Reported(); got != StatusRunning {
		t.Errorf("expected retrying to report as running, got %s", got)
	}
	cause := &StepError{Step: "test", ExitCode: 1, Reason: StepReasonExit}
	if err := inst.Finish(StatusFailed, cause); err != nil {
		t.Fatal(err)
	}
	var stepErr *StepError
	if !errors.As(inst.Err(), &stepErr) {
		t.Error("expected the recorded cause to unwrap to a step error")
	}
}

func TestJobInstanceFinishRejectsNonTerminal(t *testing.T) {
	inst := NewJobInstance(&Job{ID: "unit"}, Assignment{})
	if err := inst.Finish(StatusRunning, nil); !errors.Is(err, ErrTransition) {
		t.Errorf("expected ErrTransition for a non terminal finish, got %v", err)
	}
}

func TestJobInstanceID(t *testing.T) {
	plain := NewJobInstance(&Job{ID: "build"}, Assignment{})
	if plain.ID != "build" {
		t.Errorf("expected build, got %s", plain.ID)
	}

	asg := Assignment{}
	asg.Set("os", "linux")
	asg.Set("python", "3.10")
	expanded := NewJobInstance(&Job{ID: "test"}, asg)
	if expanded.ID != "test (os=linux python=3.10)" {
		t.Errorf("unexpected instance id %q", expanded.ID)
	}
}

func TestJobInstanceAttempts(t *testing.T) {
	inst := NewJobInstance(&Job{ID: "unit"}, Assignment{})
	inst.RecordAttempt()
	inst.RecordAttempt()
	if got := inst.Attempts(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}
