package cron

import (
	"fmt"
	"sync"

	"github.com/avoronkov/pulsecron/internal/logger"
)

// unit is one serialized operation on the job set.
type unit struct {
	name string
	run  func()
}

// queue is the execution queue: a single FIFO worker that runs every
// operation touching the job set to completion before the next begins.
// Ordering is structural, so there are no locks around job state and no
// deadlock surface. A unit that fails does not stall the queue.
type queue struct {
	mu      sync.Mutex
	units   chan *unit
	stopped bool
	wg      sync.WaitGroup
	logger  *logger.Logger
}

func newQueue(capacity int, log *logger.Logger) *queue {
	q := &queue{
		units:  make(chan *unit, capacity),
		logger: log,
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *queue) worker() {
	defer q.wg.Done()
	for u := range q.units {
		q.runUnit(u)
	}
}

func (q *queue) runUnit(u *unit) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("execution queue unit panicked", fmt.Errorf("%v", r),
				logger.Field{Key: "unit", Value: u.name})
		}
	}()
	u.run()
}

// submit appends a unit to the queue. It never blocks: a stopped queue
// returns ErrNotStarted, a full one ErrQueueFull.
func (q *queue) submit(u *unit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrNotStarted
	}

	select {
	case q.units <- u:
		return nil
	default:
		q.logger.Warn("execution queue full",
			logger.Field{Key: "unit", Value: u.name},
			logger.Field{Key: "capacity", Value: cap(q.units)})
		return ErrQueueFull
	}
}

// do submits fn and waits for its result. The closure recovers its own
// panics so the caller always gets an answer.
func (q *queue) do(name string, fn func() error) error {
	errCh := make(chan error, 1)
	u := &unit{
		name: name,
		run: func() {
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("operation %s panicked: %v", name, r)
				}
			}()
			errCh <- fn()
		},
	}
	if err := q.submit(u); err != nil {
		return err
	}
	return <-errCh
}

// enqueue submits fn without waiting. Used by timer expiry, where the fire's
// outcome is recorded into job state rather than returned to a caller.
func (q *queue) enqueue(name string, fn func()) error {
	return q.submit(&unit{name: name, run: fn})
}

// stop prevents new units from being accepted, then waits for the in-flight
// unit and any already-queued units to finish.
func (q *queue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.units)
	q.mu.Unlock()

	q.wg.Wait()
}
