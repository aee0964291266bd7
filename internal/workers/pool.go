// Package workers provides the worker pool that runs isolated agent turns
// requested by scheduled jobs, keeping slow agent work off the scheduler's
// execution queue collaborator boundary.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avoronkov/pulsecron/internal/logger"
)

var (
	ErrAlreadyStarted  = errors.New("worker pool is already started")
	ErrNotStarted      = errors.New("worker pool is not started")
	ErrUnknownTaskKind = errors.New("unknown task kind")
)

// Task is one unit of work routed to an executor by kind.
type Task struct {
	ID      string
	Kind    string
	Payload any
}

// Result is the structured outcome of a task.
type Result struct {
	Status string
	Error  string
}

// Executor runs all tasks of one kind.
type Executor func(ctx context.Context, task Task) (Result, error)

// PoolMetrics are cumulative counters over the pool's lifetime.
type PoolMetrics struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TotalDuration  time.Duration
}

type envelope struct {
	ctx   context.Context
	task  Task
	reply chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Pool runs tasks on a fixed set of workers. Do is synchronous: the caller
// waits for the task's outcome or its context.
type Pool struct {
	count  int
	logger *logger.Logger

	tasks chan envelope

	mu        sync.RWMutex
	executors map[string]Executor
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	metricsMu sync.RWMutex
	metrics   PoolMetrics
}

// New creates a pool with the given worker count and task buffer size.
func New(count, buffer int, log *logger.Logger) *Pool {
	if count <= 0 {
		count = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Pool{
		count:     count,
		logger:    log,
		tasks:     make(chan envelope, buffer),
		executors: make(map[string]Executor),
	}
}

// RegisterExecutor binds an executor to a task kind. Must be called before
// Start.
func (p *Pool) RegisterExecutor(kind string, fn Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[kind] = fn
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started = true

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started",
		logger.Field{Key: "workers", Value: p.count},
		logger.Field{Key: "buffer", Value: cap(p.tasks)})
	return nil
}

// Stop halts the workers after their in-flight tasks complete.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.cancel()
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// Do submits a task and waits for its outcome. A cancelled context abandons
// the wait; the task itself still observes the same context.
func (p *Pool) Do(ctx context.Context, task Task) (Result, error) {
	p.mu.RLock()
	started := p.started
	_, known := p.executors[task.Kind]
	p.mu.RUnlock()

	if !started {
		return Result{}, ErrNotStarted
	}
	if !known {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTaskKind, task.Kind)
	}

	env := envelope{ctx: ctx, task: task, reply: make(chan outcome, 1)}

	select {
	case p.tasks <- env:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	p.metricsMu.Lock()
	p.metrics.TasksSubmitted++
	p.metricsMu.Unlock()

	select {
	case out := <-env.reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case env := <-p.tasks:
			p.execute(id, env)
		}
	}
}

func (p *Pool) execute(workerID int, env envelope) {
	start := time.Now()

	result, err := p.runExecutor(env)

	duration := time.Since(start)
	p.metricsMu.Lock()
	if err != nil || result.Status == "error" {
		p.metrics.TasksFailed++
	} else {
		p.metrics.TasksCompleted++
	}
	p.metrics.TotalDuration += duration
	p.metricsMu.Unlock()

	if err != nil {
		p.logger.Error("task failed", err,
			logger.Field{Key: "worker", Value: workerID},
			logger.Field{Key: "task_id", Value: env.task.ID},
			logger.Field{Key: "kind", Value: env.task.Kind})
	} else {
		p.logger.Debug("task finished",
			logger.Field{Key: "worker", Value: workerID},
			logger.Field{Key: "task_id", Value: env.task.ID},
			logger.Field{Key: "status", Value: result.Status},
			logger.Field{Key: "duration", Value: duration.String()})
	}

	env.reply <- outcome{result: result, err: err}
}

func (p *Pool) runExecutor(env envelope) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()

	p.mu.RLock()
	fn := p.executors[env.task.Kind]
	p.mu.RUnlock()

	if fn == nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTaskKind, env.task.Kind)
	}
	return fn(env.ctx, env.task)
}
