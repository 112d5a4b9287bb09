// Package events defines the domain events the ledger publishes after
// posting. Delivery is at-least-once through the transactional outbox.
package events

import (
	"context"

	"stockledger/internal/core/id"
)

// Event types.
const (
	MovementPosted        = "movement.posted"
	MovementPostingFailed = "movement.posting_failed"
	LoanIssued            = "loan.issued"
	LoanReturned          = "loan.returned"
	LoanClosed            = "loan.closed"
)

// Aggregate types.
const (
	AggregateMovement = "Movement"
	AggregateLoan     = "Loan"
)

// Event is a domain event to be delivered to downstream consumers.
type Event struct {
	AggregateType string
	AggregateID   id.ID
	EventType     string
	Payload       any
}

// Publisher records events for delivery.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) error { return nil }
