package executor

import (
	"context"
	"errors"
	"os/exec"

	"github.com/opnlabs/gantry/pkg/models"
)

// LocalExecutor runs step commands as host subprocesses through sh. Each
// command gets its own process group so a hard cancellation takes the whole
// tree down, not just the shell.
type LocalExecutor struct{}

// NewLocalExecutor returns an executor for runsOn: local jobs.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (l *LocalExecutor) Run(ctx context.Context, cmd Command) error {
	c := exec.CommandContext(ctx, "sh", "-c", cmd.Script)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	setProcessGroup(c)

	err := c.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &models.StepError{Step: cmd.Name, ExitCode: exitErr.ExitCode(), Reason: models.StepReasonExit}
	}
	return &models.StepError{Step: cmd.Name, Reason: models.StepReasonProvisioning, Cause: err}
}
