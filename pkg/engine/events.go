package engine

import (
	"time"

	"github.com/opnlabs/gantry/pkg/models"
)

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventRunFinished      EventType = "run.finished"
	EventRunPreempted     EventType = "run.preempted"
	EventInstanceStarted  EventType = "instance.started"
	EventInstanceFinished EventType = "instance.finished"
	EventStepFinished     EventType = "step.finished"
)

// Event is one lifecycle notification emitted while a run executes.
// Instance and Step are set only for the event types that concern them,
// and Err carries the failure cause on terminal events.
type Event struct {
	Type     EventType
	RunID    string
	Pipeline string
	Instance string
	Step     string
	Status   models.Status
	Err      error
	Time     time.Time
}

// EventFunc receives engine events. Instances run concurrently, so the
// callback must be safe for concurrent use.
type EventFunc func(Event)
