// Package runner executes one job instance's ordered steps: condition
// gating, failure halting, alwaysRun diagnostics, coverage thresholds and
// the single narrowed retry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/opnlabs/gantry/pkg/executor"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/retry"
)

// StepRunnerOptions carry the instance's output plumbing.
type StepRunnerOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// StepRunner drives the steps of job instances through an executor.
type StepRunner struct {
	exec executor.Executor
	opts StepRunnerOptions
}

// NewStepRunner returns a runner bound to one executor.
func NewStepRunner(exec executor.Executor, opts StepRunnerOptions) *StepRunner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &StepRunner{exec: exec, opts: opts}
}

// Request is one instance execution order. The context passed to Run
// carries the instance's wall-clock deadline and is cancelled outright when
// a forcible termination is due; SoftCancel closes when the instance should
// wind down at the next step boundary.
type Request struct {
	Instance   *models.JobInstance
	Workspace  string
	BaseEnv    []string
	Retry      *retry.Controller
	SoftCancel <-chan struct{}

	// Observer, when set, receives each step's outcome as it lands.
	Observer func(step string, status models.Status)
}

// Run executes the instance and returns its terminal status with the
// causing error, if any. The caller owns the queued->running and terminal
// transitions; Run performs only the internal retrying hop.
func (r *StepRunner) Run(ctx context.Context, req Request) (models.Status, error) {
	inst := req.Instance
	job := inst.Job
	rc := req.Retry
	if rc == nil {
		rc = retry.NewController(job.Retry)
	}

	outcomes := make(map[string]models.Status, len(job.Steps))
	record := func(step string, st models.Status) {
		outcomes[step] = st
		if req.Observer != nil {
			req.Observer(step, st)
		}
	}

	inst.RecordAttempt()

	var failure error
	softCancelled := false

	for i := range job.Steps {
		step := &job.Steps[i]
		key := step.Key(i)

		select {
		case <-req.SoftCancel:
			softCancelled = true
		default:
		}
		if err := ctx.Err(); err != nil {
			return classifyInterrupt(err), err
		}

		// After a failure or a cooperative cancel only alwaysRun
		// diagnostics still execute.
		if (failure != nil || softCancelled) && !step.AlwaysRun {
			record(key, models.StatusSkipped)
			continue
		}

		ok, err := r.wantStep(step, key, outcomes, inst, rc.Used())
		if err != nil {
			return models.StatusFailed, err
		}
		if !ok {
			record(key, models.StatusSkipped)
			continue
		}

		err = r.runStep(ctx, req, step, key, step.Run, false)
		if err == nil {
			record(key, models.StatusSucceeded)
			continue
		}
		if intErr := ctx.Err(); intErr != nil {
			record(key, classifyInterrupt(intErr))
			return classifyInterrupt(intErr), intErr
		}

		// One narrowed re-attempt for a qualifying failure.
		if rc.Eligible(err) && !step.AlwaysRun {
			rc.MarkUsed()
			if terr := inst.Transition(models.StatusRetrying); terr == nil {
				r.opts.Logger.Info("retrying with narrowed scope", "instance", inst.ID, "step", key)
				inst.RecordAttempt()
				err = r.runStep(ctx, req, step, key, rc.Narrow(step.Run), true)
				if intErr := ctx.Err(); intErr != nil {
					record(key, classifyInterrupt(intErr))
					return classifyInterrupt(intErr), intErr
				}
			}
		}

		if err != nil {
			record(key, models.StatusFailed)
			if step.AlwaysRun {
				// Diagnostics never decide the instance outcome.
				r.opts.Logger.Warn("alwaysRun step failed", "instance", inst.ID, "step", key, "err", err)
				continue
			}
			failure = err
			continue
		}
		record(key, models.StatusSucceeded)
	}

	switch {
	case failure != nil:
		return models.StatusFailed, failure
	case softCancelled:
		return models.StatusCancelled, context.Canceled
	default:
		return models.StatusSucceeded, nil
	}
}

// wantStep evaluates the step's condition against the outcomes so far.
func (r *StepRunner) wantStep(step *models.Step, key string, outcomes map[string]models.Status, inst *models.JobInstance, isRetry bool) (bool, error) {
	ok, err := step.If.Eval(models.EvalContext{
		Steps:  outcomes,
		Matrix: inst.Assignment,
		Retry:  isRetry,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating condition for %s: %w", key, err)
	}
	return ok, nil
}

// runStep invokes one command, layering the step env over the instance env
// and enforcing the coverage threshold when one is declared.
func (r *StepRunner) runStep(ctx context.Context, req Request, step *models.Step, key, command string, isRetry bool) error {
	env := make([]string, 0, len(req.BaseEnv)+len(step.Env)+1)
	env = append(env, req.BaseEnv...)
	for k, v := range step.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if isRetry {
		env = append(env, "CI_RETRY_ATTEMPT=1")
	}

	stdout := r.opts.Stdout
	var scanner *executor.CoverageScanner
	if step.CoverageMin > 0 {
		scanner = executor.NewCoverageScanner(stdout)
		stdout = scanner
	}

	r.opts.Logger.Debug("running step", "instance", req.Instance.ID, "step", key, "retry", isRetry)
	err := r.exec.Run(ctx, executor.Command{
		Name:   req.Instance.ID + "/" + key,
		Script: command,
		Dir:    req.Workspace,
		Env:    env,
		Stdout: stdout,
		Stderr: r.opts.Stderr,
	})
	if err != nil {
		return err
	}

	if scanner != nil {
		scanner.Close()
		measured, found := scanner.Coverage()
		if !found {
			return &models.CoverageError{Step: key, Minimum: step.CoverageMin, Missing: true}
		}
		if measured < step.CoverageMin {
			return &models.CoverageError{Step: key, Measured: measured, Minimum: step.CoverageMin}
		}
	}
	return nil
}

// classifyInterrupt distinguishes the instance deadline from a forcible
// cancellation on the same context.
func classifyInterrupt(err error) models.Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.StatusTimedOut
	}
	return models.StatusCancelled
}
