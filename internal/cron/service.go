package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/avoronkov/pulsecron/internal/clock"
	"github.com/avoronkov/pulsecron/internal/logger"
	"github.com/avoronkov/pulsecron/internal/schedule"
)

// SystemEventEmitter enqueues a system event into the host's inbound event
// queue. Dispatch failures are recorded into job state, never propagated.
type SystemEventEmitter interface {
	EmitSystemEvent(ctx context.Context, text, sessionTarget string) error
}

// HeartbeatWaker nudges the host's heartbeat loop out of band. Used only for
// jobs with wakeMode "immediate".
type HeartbeatWaker interface {
	WakeNow()
}

// AgentJob describes one isolated agent turn requested by an agentTurn
// payload.
type AgentJob struct {
	JobID         string
	Name          string
	Message       string
	SessionTarget string
}

// AgentResult is the structured outcome of an isolated agent turn.
type AgentResult struct {
	Status string // "ok" or "error"
	Error  string
}

// AgentRunner invokes an isolated agent turn for agentTurn payloads.
type AgentRunner interface {
	RunIsolatedJob(ctx context.Context, job AgentJob) (AgentResult, error)
}

// Options configures a Service.
type Options struct {
	StorePath     string
	SeedDir       string
	QueueCapacity int
	RunLogSize    int
	Clock         clock.Clock
	Logger        *logger.Logger
	Namespace     string
	Registerer    prometheus.Registerer

	Emitter SystemEventEmitter
	Waker   HeartbeatWaker
	Agent   AgentRunner
}

// AddSpec is the input to Add. Enabled defaults to true.
type AddSpec struct {
	Name           string
	Enabled        *bool
	Schedule       schedule.Spec
	SessionTarget  string
	WakeMode       string
	Payload        Payload
	DeleteAfterRun bool
}

// UpdatePatch is a partial update; nil fields are left unchanged. Schedule
// is replaced whole, never edited incrementally.
type UpdatePatch struct {
	Name          *string
	Enabled       *bool
	Schedule      *schedule.Spec
	SessionTarget *string
	WakeMode      *string
	Payload       *Payload
}

// Service is the scheduler façade: lifecycle, job CRUD, and the internal
// fire path. All job state lives behind the execution queue; the store file
// is the sole source of truth and the in-memory job set is a cache rebuilt
// on Start.
type Service struct {
	store   *Store
	seedDir string
	clock   clock.Clock
	logger  *logger.Logger
	metrics *serviceMetrics
	runLog  *runLog

	emitter SystemEventEmitter
	waker   HeartbeatWaker
	agent   AgentRunner

	queueCapacity int

	mu      sync.RWMutex
	started bool
	queue   *queue
	timers  *timerManager

	// jobs keeps insertion order; index is by id. Both are mutated only
	// from inside execution queue units (and from Start/Stop, which hold
	// the lifecycle lock while no units can run).
	jobs  []*Job
	index map[string]*Job
}

// New creates a stopped Service. Call Start to load the store and begin
// accepting operations.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	if opts.RunLogSize <= 0 {
		opts.RunLogSize = 200
	}

	return &Service{
		store:         NewStore(opts.StorePath, opts.Logger),
		seedDir:       opts.SeedDir,
		clock:         opts.Clock,
		logger:        opts.Logger,
		metrics:       initMetrics(opts.Namespace, opts.Registerer),
		runLog:        newRunLog(opts.RunLogSize),
		emitter:       opts.Emitter,
		waker:         opts.Waker,
		agent:         opts.Agent,
		queueCapacity: opts.QueueCapacity,
		index:         make(map[string]*Job),
	}
}

// Start loads the store, applies seed definitions, arms timers for future
// due times, enqueues catch-up fires for jobs already due, and begins
// accepting operations. A corrupt store aborts startup with ErrStoreCorrupt.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	jobs, err := s.store.Load()
	if err != nil {
		return err
	}

	s.jobs = jobs
	s.index = make(map[string]*Job, len(jobs))
	dirty := false
	for _, job := range jobs {
		s.index[job.ID] = job
		// A crash mid-fire can leave a stale running flag behind.
		if job.State.Running {
			job.State.Running = false
			dirty = true
		}
	}

	nowMs := s.clock.Now().UnixMilli()

	if s.seedDir != "" {
		added, err := s.applySeeds(nowMs)
		if err != nil {
			return err
		}
		if added > 0 {
			dirty = true
		}
	}

	// Enabled jobs must always carry a due time.
	for _, job := range s.jobs {
		if job.Enabled && job.State.NextRunAtMs == nil {
			next := job.Schedule.NextMs(0, nowMs)
			job.State.NextRunAtMs = &next
			dirty = true
		}
	}

	if dirty {
		if err := s.store.Save(s.jobs); err != nil {
			return err
		}
		s.metrics.storeWrites.Inc()
	}

	s.queue = newQueue(s.queueCapacity, s.logger)
	s.timers = newTimerManager(s.clock, s.logger)
	enqueueFire := s.fireEnqueuer(s.queue, s.timers)
	s.timers.setFire(enqueueFire)
	s.started = true

	// Restart catch-up: anything already due fires now, without waiting
	// for a timer; the rest get a timer for the remaining delay.
	var dueIDs []string
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		if *job.State.NextRunAtMs <= nowMs {
			dueIDs = append(dueIDs, job.ID)
		} else {
			s.timers.arm(job.ID, time.Duration(*job.State.NextRunAtMs-nowMs)*time.Millisecond)
		}
	}

	jobCount := len(s.jobs)
	s.metrics.jobsTotal.Set(float64(jobCount))
	s.metrics.timersArmed.Set(float64(s.timers.count()))

	// Enqueued only after the iteration above: a catch-up fire on a
	// one-shot job rewrites the job slice from the queue worker.
	for _, id := range dueIDs {
		enqueueFire(id)
	}

	s.logger.Info("cron service started",
		logger.Field{Key: "jobs", Value: jobCount},
		logger.Field{Key: "due_now", Value: len(dueIDs)},
		logger.Field{Key: "store", Value: s.store.Path()})

	return nil
}

// Stop disarms all timers, waits for the in-flight unit (if any) to finish,
// and stops accepting operations. The store is left intact for the next
// Start. An in-flight dispatch is never cancelled.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	timers := s.timers
	q := s.queue
	s.mu.Unlock()

	timers.disarmAll()
	q.stop()
	// A fire drained by stop re-arms its job's timer; sweep again so no
	// timer goroutine outlives the service.
	timers.disarmAll()

	s.metrics.timersArmed.Set(0)
	s.logger.Info("cron service stopped")
	return nil
}

// Started reports whether the service is running.
func (s *Service) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Add validates the spec, assigns an id, computes the initial due time
// anchored at now, persists, arms the timer, and returns the created job.
func (s *Service) Add(spec AddSpec) (*Job, error) {
	q, err := s.runningQueue()
	if err != nil {
		return nil, err
	}

	var created *Job
	err = q.do("add", func() error {
		var opErr error
		created, opErr = s.doAdd(spec)
		return opErr
	})
	return created, err
}

// Update merges the patch into the job. A schedule or enabled change
// recomputes the due time anchored at now and re-arms the timer.
func (s *Service) Update(id string, patch UpdatePatch) (*Job, error) {
	q, err := s.runningQueue()
	if err != nil {
		return nil, err
	}

	var updated *Job
	err = q.do("update", func() error {
		var opErr error
		updated, opErr = s.doUpdate(id, patch)
		return opErr
	})
	return updated, err
}

// Remove disarms the job's timer and deletes it from the store. Removing an
// unknown id reports ErrNotFound.
func (s *Service) Remove(id string) error {
	q, err := s.runningQueue()
	if err != nil {
		return err
	}
	return q.do("remove", func() error {
		return s.doRemove(id)
	})
}

// List returns a point-in-time snapshot of all jobs in insertion order. The
// call queues behind any in-flight fire, so it always observes post-fire
// state.
func (s *Service) List() ([]*Job, error) {
	q, err := s.runningQueue()
	if err != nil {
		return nil, err
	}

	var snapshot []*Job
	err = q.do("list", func() error {
		snapshot = make([]*Job, 0, len(s.jobs))
		for _, job := range s.jobs {
			snapshot = append(snapshot, job.clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Get returns a snapshot of one job.
func (s *Service) Get(id string) (*Job, error) {
	q, err := s.runningQueue()
	if err != nil {
		return nil, err
	}

	var found *Job
	err = q.do("get", func() error {
		job, ok := s.index[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		found = job.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// RunLog returns up to limit most recent fire records, newest last. An
// empty jobID matches all jobs.
func (s *Service) RunLog(jobID string, limit int) []RunRecord {
	return s.runLog.tail(jobID, limit)
}

// ArmedTimers returns the number of armed job timers.
func (s *Service) ArmedTimers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.timers == nil {
		return 0
	}
	return s.timers.count()
}

func (s *Service) runningQueue() (*queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.queue, nil
}

// fireRetryDelay is how long a fire rejected by a full queue waits before
// its next attempt.
const fireRetryDelay = time.Second

// fireEnqueuer binds fire submission to the queue and timer manager of the
// current lifecycle, so a timer that expires around a restart can never reach
// a later queue. Submission never blocks. A fire rejected by a full queue is
// re-armed for a retry rather than dropped: the job's due time is already in
// the past and nothing else would ever wake it again.
func (s *Service) fireEnqueuer(q *queue, tm *timerManager) func(jobID string) {
	return func(jobID string) {
		err := q.enqueue("fire", func() { s.fire(jobID) })
		if err == nil {
			return
		}
		if errors.Is(err, ErrQueueFull) {
			s.logger.Warn("execution queue full, fire retry armed",
				logger.Field{Key: "job_id", Value: jobID},
				logger.Field{Key: "retry_in", Value: fireRetryDelay.String()})
			tm.arm(jobID, fireRetryDelay)
			return
		}
		s.logger.Warn("failed to enqueue fire",
			logger.Field{Key: "job_id", Value: jobID},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Service) applySeeds(nowMs int64) (int, error) {
	seeds, err := loadSeeds(s.seedDir)
	if err != nil {
		return 0, err
	}

	byName := make(map[string]bool, len(s.jobs))
	for _, job := range s.jobs {
		byName[job.Name] = true
	}

	added := 0
	for _, seed := range seeds {
		if byName[seed.Name] {
			continue
		}
		if err := seed.Schedule.Validate(); err != nil {
			return 0, fmt.Errorf("seed %q: %w: %v", seed.Name, ErrScheduleInvalid, err)
		}
		if err := seed.Payload.Validate(); err != nil {
			return 0, fmt.Errorf("seed %q: %w: %v", seed.Name, ErrPayloadInvalid, err)
		}
		if !validWakeMode(seed.WakeMode) {
			return 0, fmt.Errorf("seed %q: %w: %q", seed.Name, ErrWakeModeInvalid, seed.WakeMode)
		}

		enabled := true
		if seed.Enabled != nil {
			enabled = *seed.Enabled
		}

		job := &Job{
			ID:             uuid.NewString(),
			Name:           seed.Name,
			Enabled:        enabled,
			Schedule:       seed.Schedule,
			SessionTarget:  seed.SessionTarget,
			WakeMode:       seed.WakeMode,
			Payload:        seed.Payload,
			DeleteAfterRun: seed.DeleteAfterRun,
			CreatedAtMs:    nowMs,
			UpdatedAtMs:    nowMs,
		}
		s.jobs = append(s.jobs, job)
		s.index[job.ID] = job
		byName[job.Name] = true
		added++

		s.logger.Info("seed job added",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "name", Value: job.Name},
			logger.Field{Key: "schedule", Value: job.Schedule.String()})
	}

	return added, nil
}

// doAdd runs inside the execution queue.
func (s *Service) doAdd(spec AddSpec) (*Job, error) {
	if err := spec.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
	}
	if err := spec.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if !validWakeMode(spec.WakeMode) {
		return nil, fmt.Errorf("%w: %q", ErrWakeModeInvalid, spec.WakeMode)
	}

	nowMs := s.clock.Now().UnixMilli()
	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	job := &Job{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		Enabled:        enabled,
		Schedule:       spec.Schedule,
		SessionTarget:  spec.SessionTarget,
		WakeMode:       spec.WakeMode,
		Payload:        spec.Payload,
		DeleteAfterRun: spec.DeleteAfterRun,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
	}
	if enabled {
		next := job.Schedule.NextMs(0, nowMs)
		job.State.NextRunAtMs = &next
	}

	s.jobs = append(s.jobs, job)
	s.index[job.ID] = job

	if err := s.persist(); err != nil {
		// Keep prior state as fact: the on-disk file is unchanged.
		s.jobs = s.jobs[:len(s.jobs)-1]
		delete(s.index, job.ID)
		return nil, err
	}

	if job.Enabled {
		s.armForJob(job, nowMs)
	}
	s.metrics.jobsTotal.Set(float64(len(s.jobs)))

	s.logger.Info("job added",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "name", Value: job.Name},
		logger.Field{Key: "schedule", Value: job.Schedule.String()},
		logger.Field{Key: "enabled", Value: job.Enabled})

	return job.clone(), nil
}

// doUpdate runs inside the execution queue.
func (s *Service) doUpdate(id string, patch UpdatePatch) (*Job, error) {
	job, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if patch.Schedule != nil {
		if err := patch.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
		}
	}
	if patch.Payload != nil {
		if err := patch.Payload.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
	}
	if patch.WakeMode != nil && !validWakeMode(*patch.WakeMode) {
		return nil, fmt.Errorf("%w: %q", ErrWakeModeInvalid, *patch.WakeMode)
	}

	prev := *job
	nowMs := s.clock.Now().UnixMilli()

	scheduleChanged := false
	enabledChanged := false

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.SessionTarget != nil {
		job.SessionTarget = *patch.SessionTarget
	}
	if patch.WakeMode != nil {
		job.WakeMode = *patch.WakeMode
	}
	if patch.Payload != nil {
		job.Payload = *patch.Payload
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		enabledChanged = true
	}

	if scheduleChanged || enabledChanged {
		if job.Enabled {
			// Re-anchor at the change moment; the old anchor belongs
			// to the old schedule commitment.
			next := job.Schedule.NextMs(0, nowMs)
			job.State.NextRunAtMs = &next
		} else {
			job.State.NextRunAtMs = nil
		}
	}
	job.UpdatedAtMs = nowMs

	if err := s.persist(); err != nil {
		*job = prev
		return nil, err
	}

	if scheduleChanged || enabledChanged {
		if job.Enabled {
			s.armForJob(job, nowMs)
		} else {
			s.timers.disarm(job.ID)
			s.metrics.timersArmed.Set(float64(s.timers.count()))
		}
	}

	s.logger.Info("job updated",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "schedule_changed", Value: scheduleChanged},
		logger.Field{Key: "enabled", Value: job.Enabled})

	return job.clone(), nil
}

// doRemove runs inside the execution queue.
func (s *Service) doRemove(id string) error {
	if _, ok := s.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	removed := s.removeFromSet(id)

	if err := s.persist(); err != nil {
		s.jobs = append(s.jobs, removed)
		s.index[id] = removed
		return err
	}

	s.timers.disarm(id)
	s.metrics.jobsTotal.Set(float64(len(s.jobs)))
	s.metrics.timersArmed.Set(float64(s.timers.count()))

	s.logger.Info("job removed", logger.Field{Key: "job_id", Value: id})
	return nil
}

// removeFromSet deletes the job from the slice and index, preserving
// insertion order, and returns it.
func (s *Service) removeFromSet(id string) *Job {
	var removed *Job
	for i, job := range s.jobs {
		if job.ID == id {
			removed = job
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	delete(s.index, id)
	return removed
}

// fire runs inside the execution queue. It re-fetches the job, dispatches
// its payload, records the outcome into job state, computes the next due
// time, persists, and re-arms the timer. A dispatch failure never stops the
// queue or disables the job.
func (s *Service) fire(jobID string) {
	job, ok := s.index[jobID]
	if !ok || !job.Enabled {
		// Removed or disabled after the timer expired.
		return
	}

	firedAtMs := s.clock.Now().UnixMilli()
	prevDueMs := int64(0)
	if job.State.NextRunAtMs != nil {
		prevDueMs = *job.State.NextRunAtMs
	}

	job.State.Running = true
	status, errMsg := s.dispatch(job)
	doneMs := s.clock.Now().UnixMilli()

	job.State.LastRunAtMs = &firedAtMs
	job.State.LastStatus = status
	job.State.LastError = errMsg
	job.State.Running = false

	s.runLog.record(RunRecord{
		JobID:      job.ID,
		Name:       job.Name,
		AtMs:       firedAtMs,
		Status:     status,
		Error:      errMsg,
		DurationMs: doneMs - firedAtMs,
	})
	s.metrics.firesTotal.WithLabelValues(status).Inc()
	s.metrics.fireDuration.WithLabelValues(status).Observe(float64(doneMs-firedAtMs) / 1000)

	if status == StatusError {
		s.logger.Warn("job fire failed",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "name", Value: job.Name},
			logger.Field{Key: "error", Value: errMsg})
	} else {
		s.logger.Debug("job fired",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "name", Value: job.Name})
	}

	if job.DeleteAfterRun {
		s.removeFromSet(job.ID)
		s.timers.disarm(job.ID)
		if err := s.persist(); err != nil {
			s.logger.Error("failed to persist store after one-shot fire", err,
				logger.Field{Key: "job_id", Value: job.ID})
		}
		s.metrics.jobsTotal.Set(float64(len(s.jobs)))
		s.metrics.timersArmed.Set(float64(s.timers.count()))
		return
	}

	nowMs := s.clock.Now().UnixMilli()
	next := job.Schedule.NextMs(prevDueMs, nowMs)
	job.State.NextRunAtMs = &next

	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist job state after fire", err,
			logger.Field{Key: "job_id", Value: job.ID})
	}
	s.armForJob(job, nowMs)
}

// dispatch routes the payload to its collaborator and reports the outcome.
// Collaborator panics are converted to an error outcome so the fire path
// always reschedules.
func (s *Service) dispatch(job *Job) (status, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusError
			errMsg = fmt.Sprintf("dispatch panicked: %v", r)
		}
	}()

	ctx := context.Background()

	var err error
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		if s.emitter == nil {
			err = fmt.Errorf("no system event emitter configured")
		} else {
			err = s.emitter.EmitSystemEvent(ctx, job.Payload.Text, job.SessionTarget)
		}
	case PayloadAgentTurn:
		if s.agent == nil {
			err = fmt.Errorf("no agent runner configured")
		} else {
			var result AgentResult
			result, err = s.agent.RunIsolatedJob(ctx, AgentJob{
				JobID:         job.ID,
				Name:          job.Name,
				Message:       job.Payload.Message,
				SessionTarget: job.SessionTarget,
			})
			if err == nil && result.Status != StatusOK {
				if result.Error != "" {
					err = fmt.Errorf("agent job failed: %s", result.Error)
				} else {
					err = fmt.Errorf("agent job failed with status %q", result.Status)
				}
			}
		}
	default:
		err = fmt.Errorf("unknown payload kind: %q", job.Payload.Kind)
	}

	if job.effectiveWakeMode() == WakeImmediate && s.waker != nil {
		s.waker.WakeNow()
	}

	if err != nil {
		return StatusError, err.Error()
	}
	return StatusOK, ""
}

func (s *Service) persist() error {
	if err := s.store.Save(s.jobs); err != nil {
		return err
	}
	s.metrics.storeWrites.Inc()
	return nil
}

func (s *Service) armForJob(job *Job, nowMs int64) {
	if job.State.NextRunAtMs == nil {
		return
	}
	delay := time.Duration(*job.State.NextRunAtMs-nowMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timers.arm(job.ID, delay)
	s.metrics.timersArmed.Set(float64(s.timers.count()))
}
