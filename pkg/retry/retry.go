// Package retry bounds re-attempts of failed job instances: at most one per
// instance, always narrowed to the previously failed subset.
package retry

import (
	"errors"
	"strings"

	"github.com/opnlabs/gantry/pkg/models"
)

// Controller tracks one instance's retry allowance. The zero policy (nil)
// never grants a retry.
type Controller struct {
	policy *models.RetryPolicy
	used   bool
}

// NewController builds a controller for one job instance.
func NewController(policy *models.RetryPolicy) *Controller {
	return &Controller{policy: policy}
}

// Eligible reports whether the failure qualifies for the narrowed
// re-attempt. Only command exits and coverage threshold misses qualify;
// timeouts, cancellations and provisioning failures are terminal on first
// occurrence, as is any failure after the allowance is spent.
func (c *Controller) Eligible(err error) bool {
	if c.policy == nil || c.used || err == nil {
		return false
	}
	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Reason == models.StepReasonExit
	}
	var covErr *models.CoverageError
	return errors.As(err, &covErr)
}

// Narrow returns the constrained re-run form of a step command, instructing
// the external test runner to execute only previously failed cases.
func (c *Controller) Narrow(command string) string {
	if c.policy == nil || c.policy.NarrowArgs == "" {
		return command
	}
	return strings.TrimRight(command, " ") + " " + c.policy.NarrowArgs
}

// MarkUsed spends the instance's only retry.
func (c *Controller) MarkUsed() {
	c.used = true
}

// Used reports whether the retry has been spent.
func (c *Controller) Used() bool {
	return c.used
}
