package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opnlabs/gantry/pkg/artifacts"
	"github.com/opnlabs/gantry/pkg/concurrency"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/retry"
	"github.com/opnlabs/gantry/pkg/runner"
	"github.com/opnlabs/gantry/pkg/store"
	"github.com/opnlabs/gantry/pkg/utils"
)

// artifactSubdir is where a downstream instance finds the retrieved
// artifact, relative to its workspace so container runners see it too.
const artifactSubdir = ".artifact"

// scheduler drives one run. All scheduling state is owned by the loop
// goroutine; workers only execute instances and report back over channels.
type scheduler struct {
	eng       *Engine
	run       *Run
	def       *models.Definition
	ev        models.TriggerEvent
	artifacts artifacts.ArtifactManager

	jobs  map[string]*jobState
	order []string

	queue       chan *instanceState
	done        chan doneMsg
	grants      chan grantMsg
	jobPreempts chan *jobState
	preempted   chan struct{}

	pending     int
	acquiring   int
	cancelling  bool
	cancelCause error
}

type jobState struct {
	job       *models.Job
	instances []*instanceState
	remaining int

	started   bool
	acquiring bool
	preempted bool

	token         *concurrency.Token
	cancelAcquire context.CancelFunc
}

type instanceState struct {
	inst *models.JobInstance
	job  *jobState

	soft     chan struct{}
	softOnce sync.Once

	mu        sync.Mutex
	cancelErr error
	hard      context.CancelFunc
	hardAsked bool
	grace     *time.Timer
}

// setHard installs the attempt-level cancel once the worker has built the
// instance contexts. A force request that raced ahead fires immediately.
func (is *instanceState) setHard(cancel context.CancelFunc) {
	is.mu.Lock()
	fire := is.hardAsked
	is.hard = cancel
	is.mu.Unlock()
	if fire {
		cancel()
	}
}

func (is *instanceState) forceCancel() {
	is.mu.Lock()
	is.hardAsked = true
	cancel := is.hard
	is.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (is *instanceState) stopGrace() {
	is.mu.Lock()
	t := is.grace
	is.grace = nil
	is.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (is *instanceState) cancelCause() error {
	is.mu.Lock()
	defer is.mu.Unlock()
	if is.cancelErr != nil {
		return is.cancelErr
	}
	return context.Canceled
}

type doneMsg struct {
	is     *instanceState
	status models.Status
	err    error
}

type grantMsg struct {
	js    *jobState
	token *concurrency.Token
	err   error
}

type readiness int

const (
	depsBlocked readiness = iota
	depsReady
	depsFailed
)

func newScheduler(e *Engine, run *Run, def *models.Definition, ev models.TriggerEvent, am artifacts.ArtifactManager) *scheduler {
	s := &scheduler{
		eng:       e,
		run:       run,
		def:       def,
		ev:        ev,
		artifacts: am,
		jobs:      make(map[string]*jobState, len(run.jobs)),
		preempted: make(chan struct{}, 1),
	}
	for i := range run.jobs {
		job := &run.jobs[i]
		s.jobs[job.ID] = &jobState{job: job}
		s.order = append(s.order, job.ID)
	}
	for _, inst := range run.Instances {
		js := s.jobs[inst.Job.ID]
		is := &instanceState{inst: inst, job: js, soft: make(chan struct{})}
		js.instances = append(js.instances, is)
		js.remaining++
	}
	s.pending = len(run.Instances)
	s.grants = make(chan grantMsg, len(s.order))
	s.jobPreempts = make(chan *jobState, 2*len(s.order))
	return s
}

// preempt requests cancellation of the whole run. It is invoked by the
// group registry from another run's goroutine, so it only posts a signal.
func (s *scheduler) preempt() {
	select {
	case s.preempted <- struct{}{}:
	default:
	}
}

// loop schedules until every instance and pending group acquisition has
// settled, then reports the aggregate run status.
func (s *scheduler) loop(ctx context.Context) models.Status {
	total := len(s.run.Instances)
	s.queue = make(chan *instanceState, total)
	s.done = make(chan doneMsg, total)

	var workers sync.WaitGroup
	for i := 0; i < s.eng.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for is := range s.queue {
				s.runInstance(ctx, is)
			}
		}()
	}

	s.schedule(ctx)

	ctxDone := ctx.Done()
	for s.pending > 0 || s.acquiring > 0 {
		select {
		case msg := <-s.done:
			s.finalize(msg)
		case g := <-s.grants:
			s.granted(g)
		case js := <-s.jobPreempts:
			s.cancelJob(js, fmt.Errorf("%w: job %s", ErrPreempted, js.job.ID))
		case <-s.preempted:
			s.eng.metrics.PreemptionsTotal.Inc()
			s.eng.emit(Event{Type: EventRunPreempted, RunID: s.run.ID, Pipeline: s.run.Pipeline, Status: models.StatusCancelled})
			s.eng.log.Info("run preempted", "run", s.run.ID, "pipeline", s.run.Pipeline)
			s.cancelAll(ErrPreempted)
		case <-ctxDone:
			ctxDone = nil
			s.cancelAll(ctx.Err())
		}
		s.schedule(ctx)
	}

	close(s.queue)
	workers.Wait()
	return aggregate(s.run.Instances)
}

// schedule dispatches every job whose dependencies have settled and runs
// to a fixed point, so a skip cascades through dependents regardless of
// their declaration order.
func (s *scheduler) schedule(ctx context.Context) {
	if s.cancelling {
		return
	}
	for changed := true; changed; {
		changed = false
		for _, id := range s.order {
			js := s.jobs[id]
			if js.started || js.acquiring {
				continue
			}
			switch state, blamed := s.depState(js); state {
			case depsFailed:
				s.finishEarly(js, models.StatusSkipped, fmt.Errorf("%w: %s", ErrDependencyFailed, blamed))
				changed = true
			case depsReady:
				if js.job.Concurrency != nil {
					s.acquireGroup(ctx, js)
					continue
				}
				s.dispatch(js)
				changed = true
			}
		}
	}
}

// depState reports whether a job's dependencies allow it to start. Any
// dependency instance that ended without success poisons the job; blamed
// names the offending instance.
func (s *scheduler) depState(js *jobState) (readiness, string) {
	ready := depsReady
	for _, need := range js.job.Needs {
		dep, ok := s.jobs[need]
		if !ok {
			return depsFailed, need
		}
		for _, is := range dep.instances {
			st := is.inst.Status()
			if !st.Terminal() {
				ready = depsBlocked
				continue
			}
			if !st.Success() {
				return depsFailed, is.inst.ID
			}
		}
	}
	return ready, ""
}

func (s *scheduler) dispatch(js *jobState) {
	js.started = true
	s.eng.log.Debug("dispatching job", "run", s.run.ID, "job", js.job.ID, "instances", len(js.instances))
	for _, is := range js.instances {
		s.queue <- is
	}
}

// acquireGroup claims the job's concurrency group off-loop; the grant (or
// the acquisition failure) comes back through the grants channel.
func (s *scheduler) acquireGroup(ctx context.Context, js *jobState) {
	js.acquiring = true
	s.acquiring++
	key := js.job.Concurrency.Key(s.def.Name, s.ev)
	actx, cancel := context.WithCancel(ctx)
	js.cancelAcquire = cancel
	s.eng.log.Debug("acquiring concurrency group", "run", s.run.ID, "job", js.job.ID, "group", key)
	go func() {
		token, err := s.eng.registry.Acquire(actx, key, s.run.ID, js.job.Concurrency.CancelInProgress, func() {
			select {
			case s.jobPreempts <- js:
			default:
			}
		})
		s.grants <- grantMsg{js: js, token: token, err: err}
	}()
}

func (s *scheduler) granted(g grantMsg) {
	js := g.js
	js.acquiring = false
	s.acquiring--
	if js.cancelAcquire != nil {
		js.cancelAcquire()
		js.cancelAcquire = nil
	}
	if g.err != nil {
		cause := fmt.Errorf("concurrency group: %w", g.err)
		if s.cancelling && s.cancelCause != nil {
			cause = s.cancelCause
		}
		s.finishEarly(js, models.StatusCancelled, cause)
		return
	}
	if s.cancelling || js.preempted {
		g.token.Release()
		cause := s.cancelCause
		if cause == nil {
			cause = ErrPreempted
		}
		s.finishEarly(js, models.StatusCancelled, cause)
		return
	}
	js.token = g.token
	s.dispatch(js)
}

// finalize lands a worker's result and applies the fail-fast policy to the
// finished instance's matrix siblings.
func (s *scheduler) finalize(m doneMsg) {
	is := m.is
	is.stopGrace()

	cause := m.err
	if m.status == models.StatusCancelled {
		if cc := is.cancelCause(); !errors.Is(cc, context.Canceled) {
			cause = cc
		}
	}
	if err := is.inst.Finish(m.status, cause); err != nil {
		s.eng.log.Warn("instance already terminal", "instance", is.inst.ID, "status", m.status)
	}
	s.pending--
	is.job.remaining--
	s.recordFinished(is.inst)

	st := is.inst.Status()
	if (st == models.StatusFailed || st == models.StatusTimedOut) && is.job.job.FailFastEnabled() && !s.cancelling {
		for _, sib := range is.job.instances {
			if sib != is && !sib.inst.Terminal() {
				s.requestCancel(sib, fmt.Errorf("matrix sibling failed: %s", is.inst.ID))
			}
		}
	}

	if is.job.remaining == 0 && is.job.token != nil {
		is.job.token.Release()
		is.job.token = nil
	}
}

// finishEarly settles every non-terminal instance of a job without running
// it, for skips and for cancellations that beat the dispatch.
func (s *scheduler) finishEarly(js *jobState, st models.Status, cause error) {
	js.started = true
	for _, is := range js.instances {
		if is.inst.Terminal() {
			continue
		}
		if err := is.inst.Finish(st, cause); err != nil {
			continue
		}
		s.pending--
		js.remaining--
		s.recordFinished(is.inst)
	}
}

func (s *scheduler) recordFinished(inst *models.JobInstance) {
	st := inst.Status()
	s.eng.metrics.InstancesTotal.WithLabelValues(s.run.Pipeline, inst.Job.ID, string(st)).Inc()
	if d := inst.Duration(); d > 0 {
		s.eng.metrics.InstanceDuration.WithLabelValues(s.run.Pipeline, inst.Job.ID).Observe(d.Seconds())
	}
	s.eng.emit(Event{Type: EventInstanceFinished, RunID: s.run.ID, Pipeline: s.run.Pipeline, Instance: inst.ID, Status: st, Err: inst.Err()})
	switch st {
	case models.StatusFailed, models.StatusTimedOut:
		s.eng.log.Error("instance finished", "run", s.run.ID, "instance", inst.ID, "status", st, "err", inst.Err())
	case models.StatusCancelled, models.StatusSkipped:
		s.eng.log.Warn("instance finished", "run", s.run.ID, "instance", inst.ID, "status", st)
	default:
		s.eng.log.Info("instance finished", "run", s.run.ID, "instance", inst.ID, "status", st, "duration", inst.Duration().Round(time.Millisecond))
	}
}

// requestCancel asks a dispatched instance to wind down at its next step
// boundary and arms the grace timer that escalates to a forcible kill.
func (s *scheduler) requestCancel(is *instanceState, cause error) {
	is.softOnce.Do(func() {
		is.mu.Lock()
		is.cancelErr = cause
		is.grace = time.AfterFunc(s.eng.gracePeriod, is.forceCancel)
		is.mu.Unlock()
		close(is.soft)
	})
}

// cancelAll drives the whole run toward cancelled: jobs not yet dispatched
// settle immediately, dispatched instances get the cooperative signal and
// pending group acquisitions are abandoned.
func (s *scheduler) cancelAll(cause error) {
	if s.cancelling {
		return
	}
	s.cancelling = true
	s.cancelCause = cause
	for _, id := range s.order {
		js := s.jobs[id]
		switch {
		case js.acquiring:
			js.cancelAcquire()
		case !js.started:
			s.finishEarly(js, models.StatusCancelled, cause)
		default:
			for _, is := range js.instances {
				if !is.inst.Terminal() {
					s.requestCancel(is, cause)
				}
			}
		}
	}
}

// cancelJob handles a job-level group preemption: only the instances of
// the holding job are cancelled, the rest of the run keeps going.
func (s *scheduler) cancelJob(js *jobState, cause error) {
	if js.acquiring || !js.started {
		js.preempted = true
		if !js.acquiring {
			s.finishEarly(js, models.StatusCancelled, cause)
		}
		return
	}
	s.eng.log.Info("job preempted", "run", s.run.ID, "job", js.job.ID)
	for _, is := range js.instances {
		if !is.inst.Terminal() {
			s.requestCancel(is, cause)
		}
	}
}

// runInstance is the worker side: claim the instance, execute it and post
// the outcome. Instances cancelled while still queued settle without
// touching an executor.
func (s *scheduler) runInstance(ctx context.Context, is *instanceState) {
	eng := s.eng
	inst := is.inst

	select {
	case <-is.soft:
		s.done <- doneMsg{is: is, status: models.StatusCancelled, err: is.cancelCause()}
		return
	default:
	}

	if err := inst.Transition(models.StatusRunning); err != nil {
		s.done <- doneMsg{is: is, status: models.StatusCancelled, err: err}
		return
	}

	ictx, span := eng.tracer.Start(ctx, "job.instance", trace.WithAttributes(
		attribute.String("job", inst.Job.ID),
		attribute.String("instance", inst.ID),
	))
	defer span.End()

	eng.emit(Event{Type: EventInstanceStarted, RunID: s.run.ID, Pipeline: s.run.Pipeline, Instance: inst.ID, Status: models.StatusRunning})
	eng.log.Info("instance started", "run", s.run.ID, "instance", inst.ID)

	st, err := s.executeInstance(ictx, is)
	span.SetAttributes(attribute.String("status", string(st)))
	if err != nil {
		span.RecordError(err)
	}
	s.done <- doneMsg{is: is, status: st, err: err}
}

func (s *scheduler) executeInstance(ctx context.Context, is *instanceState) (models.Status, error) {
	eng := s.eng
	inst := is.inst
	job := inst.Job

	ws, extraEnv, err := s.prepareWorkspace(is)
	if err != nil {
		return models.StatusFailed, &models.StepError{Step: "workspace", Reason: models.StepReasonProvisioning, Cause: err}
	}

	exec, err := eng.newExecutor(job)
	if err != nil {
		return models.StatusFailed, &models.StepError{Step: "executor", Reason: models.StepReasonProvisioning, Cause: err}
	}

	tctx, cancelTimeout := context.WithTimeout(ctx, job.Timeout(eng.defaultTimeout))
	defer cancelTimeout()
	hctx, hard := context.WithCancel(tctx)
	defer hard()
	is.setHard(hard)

	rc := retry.NewController(job.Retry)
	r := runner.NewStepRunner(exec, runner.StepRunnerOptions{
		Stdout: utils.NewColorLogger(inst.ID, eng.stdout, true),
		Stderr: utils.NewColorLogger(inst.ID, eng.stderr, false),
		Logger: eng.log,
	})
	st, rerr := r.Run(hctx, runner.Request{
		Instance:   inst,
		Workspace:  ws,
		BaseEnv:    append(s.instanceEnv(inst), extraEnv...),
		Retry:      rc,
		SoftCancel: is.soft,
		Observer: func(step string, stepStatus models.Status) {
			eng.emit(Event{Type: EventStepFinished, RunID: s.run.ID, Pipeline: s.run.Pipeline, Instance: inst.ID, Step: step, Status: stepStatus})
		},
	})
	if rc.Used() {
		eng.metrics.RetriesTotal.Inc()
	}

	if st == models.StatusSucceeded && len(job.Artifacts) > 0 {
		if _, perr := s.artifacts.PublishArtifact(job.ID, ws, job.Artifacts); perr != nil && !errors.Is(perr, store.ErrKeyExists) {
			return models.StatusFailed, &models.StepError{Step: "artifacts", Reason: models.StepReasonProvisioning, Cause: perr}
		}
	}
	return st, rerr
}

// prepareWorkspace builds the instance working directory: a copy of the
// pipeline source, or for downstream checks a fresh directory seeded with
// the producer's artifact.
func (s *scheduler) prepareWorkspace(is *instanceState) (string, []string, error) {
	eng := s.eng
	inst := is.inst
	job := inst.Job

	// Container runners bind-mount the workspace, which requires an
	// absolute path.
	dir, err := filepath.Abs(filepath.Join(eng.workRoot, s.run.ID, slug.Make(inst.ID)))
	if err != nil {
		return "", nil, err
	}

	if job.NoSource {
		if err := utils.EnsureCleanDir(dir); err != nil {
			return "", nil, err
		}
	} else if err := utils.TarCopy(eng.sourceDir, dir, ""); err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, err
	}

	var env []string
	if job.NoSource && len(job.Needs) > 0 {
		producer := job.Needs[0]
		files, err := s.artifacts.RetrieveArtifact(producer, filepath.Join(dir, artifactSubdir))
		if err != nil {
			return "", nil, fmt.Errorf("retrieve artifact of %s: %w", producer, err)
		}
		env = append(env, "CI_ARTIFACT_DIR="+artifactSubdir)
		if len(files) > 0 {
			env = append(env, "CI_ARTIFACT="+filepath.Join(artifactSubdir, files[0]))
		}
	}
	return dir, env, nil
}

// instanceEnv layers the process environment, the trigger context, the
// pipeline and job env blocks and the matrix assignment. Later entries win
// on collision.
func (s *scheduler) instanceEnv(inst *models.JobInstance) []string {
	env := os.Environ()
	env = append(env,
		"CI=true",
		"CI_PIPELINE="+s.def.Name,
		"CI_RUN_ID="+s.run.ID,
		"CI_JOB="+inst.Job.ID,
		"CI_INSTANCE="+inst.ID,
		"CI_EVENT="+s.ev.Event,
		"CI_REF="+s.ev.Ref,
		"CI_SHA="+s.ev.SHA,
	)
	env = appendSorted(env, s.def.Env)
	env = appendSorted(env, inst.Job.Env)
	for _, k := range inst.Assignment.Keys() {
		v, _ := inst.Assignment.Get(k)
		env = append(env, matrixEnvKey(k)+"="+v)
	}
	return env
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// matrixEnvKey maps an axis name onto MATRIX_<NAME>, uppercased with
// non-alphanumerics folded to underscores.
func matrixEnvKey(axis string) string {
	var b strings.Builder
	b.WriteString("MATRIX_")
	for _, r := range strings.ToUpper(axis) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
