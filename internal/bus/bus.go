// Package bus implements the asynchronous system event queue. Scheduled jobs
// and other producers publish events here; the heartbeat loop consumes them
// on its next cycle.
package bus

import (
	"errors"
	"sync"

	"github.com/avoronkov/pulsecron/internal/logger"
)

var (
	ErrQueueFull      = errors.New("event queue is full")
	ErrAlreadyStarted = errors.New("event bus is already started")
	ErrNotStarted     = errors.New("event bus is not started")
)

// SystemEvent is one inbound event addressed to a session context.
type SystemEvent struct {
	Text          string `json:"text"`
	SessionTarget string `json:"sessionTarget,omitempty"`
	Source        string `json:"source,omitempty"`
	AtMs          int64  `json:"atMs"`
}

// EventBus is a bounded queue of system events with fan-out to subscribers.
type EventBus struct {
	mu      sync.RWMutex
	logger  *logger.Logger
	started bool
	done    chan struct{}

	events chan SystemEvent

	subscribers  map[int64]chan SystemEvent
	subscriberID int64
}

// New creates an event bus with the given queue capacity.
func New(capacity int, log *logger.Logger) *EventBus {
	return &EventBus{
		logger:      log,
		events:      make(chan SystemEvent, capacity),
		subscribers: make(map[int64]chan SystemEvent),
	}
}

// Start begins distributing events to subscribers.
func (b *EventBus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	b.done = make(chan struct{})
	b.started = true

	go b.distribute()

	b.logger.Info("event bus started", logger.Field{Key: "capacity", Value: cap(b.events)})
	return nil
}

// Stop halts distribution and closes all subscriber channels.
func (b *EventBus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return ErrNotStarted
	}

	close(b.done)

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}

	b.started = false
	b.logger.Info("event bus stopped")
	return nil
}

// Publish enqueues an event. It never blocks; a full queue is an error the
// caller can record.
func (b *EventBus) Publish(event SystemEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.started {
		return ErrNotStarted
	}

	select {
	case b.events <- event:
		b.logger.Debug("system event published",
			logger.Field{Key: "source", Value: event.Source},
			logger.Field{Key: "session_target", Value: event.SessionTarget})
		return nil
	default:
		b.logger.Warn("event queue full",
			logger.Field{Key: "capacity", Value: cap(b.events)})
		return ErrQueueFull
	}
}

// Subscribe returns a channel receiving every published event. The channel
// is closed on Stop. Returns nil if the bus is not started.
func (b *EventBus) Subscribe() <-chan SystemEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}

	ch := make(chan SystemEvent, 10)
	b.subscriberID++
	b.subscribers[b.subscriberID] = ch
	return ch
}

// Pending returns the number of events waiting in the queue.
func (b *EventBus) Pending() int {
	return len(b.events)
}

// IsStarted reports whether the bus is running.
func (b *EventBus) IsStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

func (b *EventBus) distribute() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.mu.RLock()
			for _, ch := range b.subscribers {
				select {
				case ch <- event:
				default:
					// Subscriber channel is full, skip
					b.logger.Warn("subscriber channel full, skipping event")
				}
			}
			b.mu.RUnlock()
		}
	}
}
