package models

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a run or job instance.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"

	// StatusRetrying is the internal hop between a failed attempt and its
	// single narrowed re-attempt. It reports as "running" externally.
	StatusRetrying Status = "retrying"
)

// Terminal reports whether the state is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Success reports whether the state is a terminal success.
func (s Status) Success() bool {
	return s == StatusSucceeded
}

// Reported maps internal states onto the exposed status enum.
func (s Status) Reported() Status {
	if s == StatusRetrying {
		return StatusRunning
	}
	return s
}

// ErrTransition is returned when a state change would regress a terminal
// state or skip a lifecycle hop.
var ErrTransition = errors.New("invalid state transition")

var transitions = map[Status][]Status{
	StatusQueued:   {StatusRunning, StatusSkipped, StatusCancelled},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusRetrying, StatusCancelled, StatusTimedOut},
	StatusRetrying: {StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut},
}

func validTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// JobInstance is one job bound to a concrete matrix assignment. Its state
// machine is monotonic: once terminal it never changes again.
type JobInstance struct {
	ID         string
	Job        *Job
	Assignment Assignment
	Advisory   bool

	mu         sync.Mutex
	status     Status
	attempts   int
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// NewJobInstance builds a queued instance for one assignment.
func NewJobInstance(job *Job, assignment Assignment) *JobInstance {
	id := job.ID
	if assignment.Len() > 0 {
		id = fmt.Sprintf("%s (%s)", job.ID, assignment.String())
	}
	return &JobInstance{
		ID:         id,
		Job:        job,
		Assignment: assignment,
		Advisory:   job.Advisory,
		status:     StatusQueued,
	}
}

// Status returns the current state.
func (i *JobInstance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Terminal reports whether the instance has reached a final state.
func (i *JobInstance) Terminal() bool {
	return i.Status().Terminal()
}

// Err returns the failure cause recorded with the terminal state, if any.
func (i *JobInstance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// Attempts returns how many times the step runner has executed this
// instance (1 for a plain run, 2 when the narrowed retry fired).
func (i *JobInstance) Attempts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attempts
}

// RecordAttempt bumps the attempt counter.
func (i *JobInstance) RecordAttempt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attempts++
}

// Duration returns the wall-clock time between start and finish, or zero if
// the instance never ran.
func (i *JobInstance) Duration() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.startedAt.IsZero() || i.finishedAt.IsZero() {
		return 0
	}
	return i.finishedAt.Sub(i.startedAt)
}

// Transition moves the instance to a new state, rejecting regressions from
// terminal states. Concurrent terminal causes (timeout vs. cancel) resolve
// first-wins; later attempts get ErrTransition.
func (i *JobInstance) Transition(to Status) error {
	return i.transition(to, nil)
}

// Finish moves the instance to a terminal state and records its cause.
func (i *JobInstance) Finish(to Status, cause error) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrTransition, to)
	}
	return i.transition(to, cause)
}

func (i *JobInstance) transition(to Status, cause error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !validTransition(i.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, i.status, to)
	}
	if to == StatusRunning && i.startedAt.IsZero() {
		i.startedAt = time.Now()
	}
	if to.Terminal() {
		i.finishedAt = time.Now()
		i.err = cause
	}
	i.status = to
	return nil
}
