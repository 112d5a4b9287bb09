package memory

import (
	"context"
	"sync"

	"stockledger/internal/domain/events"
)

var _ events.Publisher = (*Outbox)(nil)

// Outbox keeps published events in memory until drained.
type Outbox struct {
	mu     sync.Mutex
	events []events.Event
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Publish(_ context.Context, evts ...events.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evts...)
	return nil
}

// Events returns a copy of the pending events.
func (o *Outbox) Events() []events.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.Event(nil), o.events...)
}

// Drain removes and returns the pending events.
func (o *Outbox) Drain() []events.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.events
	o.events = nil
	return out
}
