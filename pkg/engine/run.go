package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opnlabs/gantry/pkg/downstream"
	"github.com/opnlabs/gantry/pkg/matrix"
	"github.com/opnlabs/gantry/pkg/models"
)

var (
	// ErrTriggerMismatch is returned by Execute when the pipeline does not
	// subscribe to the offered trigger event.
	ErrTriggerMismatch = errors.New("pipeline does not subscribe to this event")

	// ErrPreempted is recorded as the cause on instances cancelled because
	// a newer run took over their concurrency group.
	ErrPreempted = errors.New("cancelled by concurrency group")

	// ErrDependencyFailed is recorded as the cause on skipped instances.
	ErrDependencyFailed = errors.New("dependency failed")
)

// Run is one execution of a pipeline definition for a trigger event. Its
// instances cover every job of the definition, the matrix expansions and
// the synthesized downstream checks.
type Run struct {
	ID        string
	Pipeline  string
	Event     models.TriggerEvent
	Instances []*models.JobInstance

	// jobs backs the instances' Job pointers; it holds the definition jobs
	// followed by the synthesized downstream jobs.
	jobs []models.Job

	status   models.Status
	started  time.Time
	finished time.Time
}

func newRun(def *models.Definition, ev models.TriggerEvent) *Run {
	jobs := make([]models.Job, 0, len(def.Jobs))
	jobs = append(jobs, def.Jobs...)
	jobs = append(jobs, downstream.Synthesize(def)...)

	run := &Run{
		ID:       uuid.NewString(),
		Pipeline: def.Name,
		Event:    ev,
		jobs:     jobs,
		status:   models.StatusQueued,
	}
	for i := range run.jobs {
		job := &run.jobs[i]
		for _, asg := range matrix.Expand(job.Matrix) {
			run.Instances = append(run.Instances, models.NewJobInstance(job, asg))
		}
	}
	return run
}

// Status returns the aggregate outcome of the run.
func (r *Run) Status() models.Status { return r.status }

// Failed reports whether the run should fail its caller.
func (r *Run) Failed() bool { return r.status != models.StatusSucceeded }

// Started returns when instance execution began.
func (r *Run) Started() time.Time { return r.started }

// Finished returns when the last instance reached a terminal state.
func (r *Run) Finished() time.Time { return r.finished }

// Duration returns the wall-clock time of the run.
func (r *Run) Duration() time.Duration {
	if r.started.IsZero() || r.finished.IsZero() {
		return 0
	}
	return r.finished.Sub(r.started)
}

// Instance returns the instance with the given id, or nil.
func (r *Run) Instance(id string) *models.JobInstance {
	for _, inst := range r.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// InstancesOf returns every instance expanded from the given job.
func (r *Run) InstancesOf(jobID string) []*models.JobInstance {
	var out []*models.JobInstance
	for _, inst := range r.Instances {
		if inst.Job.ID == jobID {
			out = append(out, inst)
		}
	}
	return out
}

// aggregate folds the terminal states of all blocking instances into one
// run status. Failures dominate timeouts, timeouts dominate cancellation,
// and skipped instances never block on their own; advisory instances are
// ignored entirely.
func aggregate(instances []*models.JobInstance) models.Status {
	worst := models.StatusSucceeded
	for _, inst := range instances {
		if inst.Advisory {
			continue
		}
		if st := inst.Status(); severity(st) > severity(worst) {
			worst = st
		}
	}
	return worst
}

func severity(st models.Status) int {
	switch st {
	case models.StatusFailed:
		return 3
	case models.StatusTimedOut:
		return 2
	case models.StatusCancelled:
		return 1
	default:
		return 0
	}
}
