package models

import "fmt"

// StepFailReason classifies why a step failed, which decides retry
// eligibility: command exits can be retried narrowed, provisioning
// failures (image pull, workspace setup) cannot.
type StepFailReason string

const (
	StepReasonExit         StepFailReason = "exit"
	StepReasonProvisioning StepFailReason = "provisioning"
)

// StepError is a step command that finished unsuccessfully.
type StepError struct {
	Step     string
	ExitCode int
	Reason   StepFailReason
	Cause    error
}

func (e *StepError) Error() string {
	if e.Reason == StepReasonProvisioning {
		if e.Cause != nil {
			return fmt.Sprintf("step %s: provisioning failed: %v", e.Step, e.Cause)
		}
		return fmt.Sprintf("step %s: provisioning failed", e.Step)
	}
	return fmt.Sprintf("step %s: exit status %d", e.Step, e.ExitCode)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// CoverageError is a step whose reported coverage fell below its floor, or
// that declared a floor and never reported a measurement.
type CoverageError struct {
	Step     string
	Measured float64
	Minimum  float64
	Missing  bool
}

func (e *CoverageError) Error() string {
	if e.Missing {
		return fmt.Sprintf("step %s: coverage minimum %.1f%% set but no measurement reported", e.Step, e.Minimum)
	}
	return fmt.Sprintf("step %s: coverage %.1f%% below minimum %.1f%%", e.Step, e.Measured, e.Minimum)
}
