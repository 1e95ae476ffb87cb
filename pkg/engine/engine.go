// Package engine schedules the job instances of a pipeline run across a
// bounded worker pool. It enforces dependency order and the skip cascade,
// matrix sibling fail-fast, concurrency group preemption and per-instance
// timeouts, and hands each instance to the step runner with an isolated
// workspace.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opnlabs/gantry/pkg/artifacts"
	"github.com/opnlabs/gantry/pkg/concurrency"
	"github.com/opnlabs/gantry/pkg/executor"
	"github.com/opnlabs/gantry/pkg/metrics"
	"github.com/opnlabs/gantry/pkg/models"
)

// Engine executes pipeline runs. It owns the concurrency group registry,
// so runs that must preempt each other have to go through the same engine.
type Engine struct {
	log      *log.Logger
	registry *concurrency.Registry
	metrics  *metrics.Set
	tracer   trace.Tracer
	events   EventFunc

	workers        int
	gracePeriod    time.Duration
	defaultTimeout time.Duration

	sourceDir    string
	workRoot     string
	artifactRoot string
	keepWork     bool

	runners    map[string]string
	dockerOpts executor.DockerExecutorOptions

	stdout io.Writer
	stderr io.Writer

	newExecutor func(job *models.Job) (executor.Executor, error)
}

// Option configures an engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithWorkers bounds how many instances run concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithGracePeriod sets how long a cancelled instance may keep running
// before it is forcibly terminated.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) { e.gracePeriod = d }
}

// WithDefaultTimeout sets the instance timeout used when a job declares
// none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithSource sets the directory copied into each instance workspace.
func WithSource(dir string) Option {
	return func(e *Engine) { e.sourceDir = dir }
}

// WithWorkRoot sets where instance workspaces are created.
func WithWorkRoot(dir string) Option {
	return func(e *Engine) { e.workRoot = dir }
}

// WithArtifactRoot sets where published artifacts are archived.
func WithArtifactRoot(dir string) Option {
	return func(e *Engine) { e.artifactRoot = dir }
}

// WithKeepWorkspaces disables workspace cleanup after a run.
func WithKeepWorkspaces(keep bool) Option {
	return func(e *Engine) { e.keepWork = keep }
}

// WithRunners maps runsOn labels to container images.
func WithRunners(runners map[string]string) Option {
	return func(e *Engine) { e.runners = runners }
}

// WithDockerOptions sets the options passed to container executors.
func WithDockerOptions(opts executor.DockerExecutorOptions) Option {
	return func(e *Engine) { e.dockerOpts = opts }
}

// WithMetrics sets the collector set updated during runs.
func WithMetrics(m *metrics.Set) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventFunc registers a lifecycle event callback.
func WithEventFunc(fn EventFunc) Option {
	return func(e *Engine) { e.events = fn }
}

// WithOutput sets the writers multiplexing per-instance step output.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(e *Engine) {
		e.stdout = stdout
		e.stderr = stderr
	}
}

func withExecutorFactory(fn func(job *models.Job) (executor.Executor, error)) Option {
	return func(e *Engine) { e.newExecutor = fn }
}

// New returns an engine with the given options applied over the defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:            log.New(io.Discard),
		registry:       concurrency.NewRegistry(),
		metrics:        metrics.Nop(),
		tracer:         otel.Tracer("gantry/engine"),
		workers:        runtime.NumCPU(),
		gracePeriod:    30 * time.Second,
		defaultTimeout: 30 * time.Minute,
		sourceDir:      ".",
		workRoot:       filepath.Join(".gantry", "work"),
		artifactRoot:   filepath.Join(".gantry", "artifacts"),
		stdout:         os.Stdout,
		stderr:         os.Stderr,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.newExecutor == nil {
		e.newExecutor = e.executorFor
	}
	return e
}

// Execute runs the definition once for the given trigger event and returns
// the finished run. Outcome of the pipeline is reported through the run's
// status; the error return covers refusals and setup failures only.
func (e *Engine) Execute(ctx context.Context, def *models.Definition, ev models.TriggerEvent) (*Run, error) {
	if err := models.ValidateEvent(ev.Event); err != nil {
		return nil, err
	}
	if !def.On.Matches(ev) {
		return nil, fmt.Errorf("%w: %s on %s", ErrTriggerMismatch, ev.Event, ev.Ref)
	}

	run := newRun(def, ev)
	am, err := artifacts.NewFileArtifactsManager(filepath.Join(e.artifactRoot, run.ID))
	if err != nil {
		return nil, fmt.Errorf("prepare artifact store: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline", def.Name),
		attribute.String("run.id", run.ID),
		attribute.String("trigger.event", ev.Event),
		attribute.String("trigger.ref", ev.Ref),
	))
	defer span.End()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	s := newScheduler(e, run, def, ev, am)

	if def.Concurrency != nil {
		key := def.Concurrency.Key(def.Name, ev)
		e.log.Debug("acquiring concurrency group", "run", run.ID, "group", key)
		token, err := e.registry.Acquire(runCtx, key, run.ID, def.Concurrency.CancelInProgress, s.preempt)
		if err != nil {
			return nil, fmt.Errorf("acquire concurrency group %s: %w", key, err)
		}
		defer token.Release()
	}

	e.metrics.ActiveRuns.Inc()
	defer e.metrics.ActiveRuns.Dec()

	run.started = time.Now()
	e.emit(Event{Type: EventRunStarted, RunID: run.ID, Pipeline: run.Pipeline, Status: models.StatusRunning})
	e.log.Info("run started",
		"pipeline", def.Name, "run", run.ID,
		"event", ev.Event, "ref", ev.Ref, "instances", len(run.Instances))

	run.status = s.loop(runCtx)
	run.finished = time.Now()

	span.SetAttributes(attribute.String("run.status", string(run.status)))
	e.metrics.RunsTotal.WithLabelValues(run.Pipeline, string(run.status)).Inc()
	e.metrics.RunDuration.Observe(run.Duration().Seconds())
	e.emit(Event{Type: EventRunFinished, RunID: run.ID, Pipeline: run.Pipeline, Status: run.status})
	e.log.Info("run finished",
		"pipeline", def.Name, "run", run.ID,
		"status", run.status, "duration", run.Duration().Round(time.Millisecond))

	if !e.keepWork {
		if err := os.RemoveAll(filepath.Join(e.workRoot, run.ID)); err != nil {
			e.log.Warn("workspace cleanup failed", "run", run.ID, "err", err)
		}
	}
	return run, nil
}

// executorFor resolves a job's runsOn label. The empty label and "local"
// run steps as local subprocesses; anything else must name a configured
// container runner.
func (e *Engine) executorFor(job *models.Job) (executor.Executor, error) {
	label := job.RunsOn
	if label == "" || label == "local" {
		return executor.NewLocalExecutor(), nil
	}
	image, ok := e.runners[label]
	if !ok {
		return nil, fmt.Errorf("no runner configured for label %q", label)
	}
	return executor.NewDockerExecutor(image, e.dockerOpts), nil
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	ev.Time = time.Now()
	e.events(ev)
}
