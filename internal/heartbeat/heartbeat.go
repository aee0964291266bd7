// Package heartbeat implements the host's consumption loop: on every cycle
// it hands the system events accumulated since the previous cycle to a
// handler. Scheduled jobs with wakeMode "immediate" can force a cycle out of
// band via WakeNow.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/avoronkov/pulsecron/internal/bus"
	"github.com/avoronkov/pulsecron/internal/logger"
)

// Handler processes one heartbeat cycle's batch of events. The batch may be
// empty: a cycle runs even when nothing is pending.
type Handler interface {
	HandleEvents(ctx context.Context, events []bus.SystemEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, events []bus.SystemEvent) error

func (f HandlerFunc) HandleEvents(ctx context.Context, events []bus.SystemEvent) error {
	return f(ctx, events)
}

// Loop runs heartbeat cycles at a fixed interval and on explicit wakes.
type Loop struct {
	interval time.Duration
	events   <-chan bus.SystemEvent
	handler  Handler
	logger   *logger.Logger

	wake chan struct{}

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewLoop creates a heartbeat loop consuming from the given event stream.
func NewLoop(interval time.Duration, events <-chan bus.SystemEvent, handler Handler, log *logger.Logger) *Loop {
	return &Loop{
		interval: interval,
		events:   events,
		handler:  handler,
		logger:   log,
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the loop. Starting an already-running loop is a no-op.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.started = true

	l.wg.Add(1)
	go l.run()

	l.logger.Info("heartbeat loop started", logger.Field{Key: "interval", Value: l.interval.String()})
	return nil
}

// Stop halts the loop and waits for an in-progress cycle to finish.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.cancel()
	l.started = false
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("heartbeat loop stopped")
	return nil
}

// WakeNow forces a cycle without waiting for the interval. Fire-and-forget:
// a wake while another is already pending coalesces.
func (l *Loop) WakeNow() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var pending []bus.SystemEvent
	for {
		select {
		case <-l.ctx.Done():
			return
		case event, ok := <-l.events:
			if !ok {
				return
			}
			pending = append(pending, event)
		case <-ticker.C:
			pending = l.cycle(pending, "interval")
		case <-l.wake:
			pending = l.cycle(pending, "wake")
		}
	}
}

// cycle hands the batch to the handler and returns the new empty batch.
func (l *Loop) cycle(pending []bus.SystemEvent, reason string) []bus.SystemEvent {
	l.logger.Debug("heartbeat cycle",
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "events", Value: len(pending)})

	if err := l.handler.HandleEvents(l.ctx, pending); err != nil {
		l.logger.Error("heartbeat cycle failed", err,
			logger.Field{Key: "events", Value: len(pending)})
	}
	return nil
}
