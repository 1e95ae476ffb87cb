package models

import "fmt"

// Condition is the predicate tree attached to a step's "if" field. Exactly
// one field must be set per node; combinators nest arbitrarily.
//
//	if:
//	  allOf:
//	    - stepSucceeded: build
//	    - not:
//	        matrix: {key: os, equals: windows}
type Condition struct {
	AllOf         []*Condition `yaml:"allOf,omitempty"`
	AnyOf         []*Condition `yaml:"anyOf,omitempty"`
	Not           *Condition   `yaml:"not,omitempty"`
	StepSucceeded string       `yaml:"stepSucceeded,omitempty"`
	StepFailed    string       `yaml:"stepFailed,omitempty"`
	Matrix        *MatrixIs    `yaml:"matrix,omitempty"`
	IsRetry       *bool        `yaml:"isRetry,omitempty"`
}

// MatrixIs tests one axis of the instance's assignment against a literal.
type MatrixIs struct {
	Key    string `yaml:"key" validate:"required"`
	Equals string `yaml:"equals"`
}

// EvalContext carries the facts a condition can observe: outcomes of the
// instance's earlier steps, the matrix assignment, and whether this is the
// narrowed retry attempt.
type EvalContext struct {
	Steps  map[string]Status
	Matrix Assignment
	Retry  bool
}

// Eval decides the predicate against ctx. A nil condition is true. Step
// predicates treat a step that never ran (skipped or absent) as neither
// succeeded nor failed.
func (c *Condition) Eval(ctx EvalContext) (bool, error) {
	if c == nil {
		return true, nil
	}
	if err := c.check(); err != nil {
		return false, err
	}
	switch {
	case len(c.AllOf) > 0:
		for _, sub := range c.AllOf {
			ok, err := sub.Eval(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.AnyOf) > 0:
		for _, sub := range c.AnyOf {
			ok, err := sub.Eval(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := c.Not.Eval(ctx)
		return !ok, err
	case c.StepSucceeded != "":
		return ctx.Steps[c.StepSucceeded] == StatusSucceeded, nil
	case c.StepFailed != "":
		st := ctx.Steps[c.StepFailed]
		return st == StatusFailed || st == StatusTimedOut, nil
	case c.Matrix != nil:
		v, ok := ctx.Matrix.Get(c.Matrix.Key)
		return ok && v == c.Matrix.Equals, nil
	case c.IsRetry != nil:
		return ctx.Retry == *c.IsRetry, nil
	}
	return false, fmt.Errorf("empty condition")
}

// ReferencedSteps returns every step name the tree mentions, for
// validation against the enclosing job's step list.
func (c *Condition) ReferencedSteps() []string {
	if c == nil {
		return nil
	}
	var out []string
	if c.StepSucceeded != "" {
		out = append(out, c.StepSucceeded)
	}
	if c.StepFailed != "" {
		out = append(out, c.StepFailed)
	}
	for _, sub := range c.AllOf {
		out = append(out, sub.ReferencedSteps()...)
	}
	for _, sub := range c.AnyOf {
		out = append(out, sub.ReferencedSteps()...)
	}
	out = append(out, c.Not.ReferencedSteps()...)
	return out
}

// MatrixKeys returns every axis name the tree tests.
func (c *Condition) MatrixKeys() []string {
	if c == nil {
		return nil
	}
	var out []string
	if c.Matrix != nil {
		out = append(out, c.Matrix.Key)
	}
	for _, sub := range c.AllOf {
		out = append(out, sub.MatrixKeys()...)
	}
	for _, sub := range c.AnyOf {
		out = append(out, sub.MatrixKeys()...)
	}
	out = append(out, c.Not.MatrixKeys()...)
	return out
}

// check rejects nodes that set zero or multiple predicate fields.
func (c *Condition) check() error {
	n := 0
	if len(c.AllOf) > 0 {
		n++
	}
	if len(c.AnyOf) > 0 {
		n++
	}
	if c.Not != nil {
		n++
	}
	if c.StepSucceeded != "" {
		n++
	}
	if c.StepFailed != "" {
		n++
	}
	if c.Matrix != nil {
		n++
	}
	if c.IsRetry != nil {
		n++
	}
	switch n {
	case 0:
		return fmt.Errorf("condition must set exactly one of allOf, anyOf, not, stepSucceeded, stepFailed, matrix, isRetry")
	case 1:
		return nil
	default:
		return fmt.Errorf("condition sets %d predicates, want exactly one", n)
	}
}

// Validate walks the tree checking node shape without evaluating.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	if err := c.check(); err != nil {
		return err
	}
	if c.Matrix != nil && c.Matrix.Key == "" {
		return fmt.Errorf("matrix condition requires a key")
	}
	for _, sub := range c.AllOf {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range c.AnyOf {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return c.Not.Validate()
	}
	return nil
}
