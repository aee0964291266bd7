package bus

import (
	"context"
	"time"
)

// Emitter publishes system events on behalf of the scheduler. It satisfies
// the scheduler's collaborator contract without the scheduler importing this
// package.
type Emitter struct {
	bus    *EventBus
	source string
}

// NewEmitter creates an emitter tagging every event with the given source.
func NewEmitter(b *EventBus, source string) *Emitter {
	return &Emitter{bus: b, source: source}
}

// EmitSystemEvent publishes one event. A full or stopped queue surfaces as
// an error for the caller to record.
func (e *Emitter) EmitSystemEvent(_ context.Context, text, sessionTarget string) error {
	return e.bus.Publish(SystemEvent{
		Text:          text,
		SessionTarget: sessionTarget,
		Source:        e.source,
		AtMs:          time.Now().UnixMilli(),
	})
}
