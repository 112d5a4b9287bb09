// Package entity provides the ledger's core records.
package entity

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Direction is the stock direction of a movement, seen from the warehouse
// that owns it.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// MovementStatus transitions PARTIAL -> COMPLETE only. COMPLETE is terminal.
type MovementStatus string

const (
	MovementStatusPartial  MovementStatus = "PARTIAL"
	MovementStatusComplete MovementStatus = "COMPLETE"
)

// SourceKind names the document a movement originates from.
type SourceKind string

const (
	SourcePurchaseOrder   SourceKind = "PURCHASE_ORDER"
	SourceTransferRequest SourceKind = "TRANSFER_REQUEST"
	SourceLoanIssue       SourceKind = "LOAN_ISSUE"
	SourceLoanReturn      SourceKind = "LOAN_RETURN"
	SourceConsumption     SourceKind = "CONSUMPTION"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourcePurchaseOrder, SourceTransferRequest, SourceLoanIssue, SourceLoanReturn, SourceConsumption:
		return true
	}
	return false
}

// PostingState tracks whether a line's stock delta reached the StockStore.
type PostingState string

const (
	PostingPending PostingState = "PENDING"
	PostingPosted  PostingState = "POSTED"
	PostingFailed  PostingState = "FAILED"
)

// Movement is the header of one logical stock-affecting event.
type Movement struct {
	ID           id.ID          `db:"id" json:"id"`
	Direction    Direction      `db:"direction" json:"direction"`
	Status       MovementStatus `db:"status" json:"status"`
	TransportRef *string        `db:"transport_ref" json:"transportRef,omitempty"`
	ActorID      string         `db:"actor_id" json:"actorId"`

	// ReversalOf is set on compensating movements.
	ReversalOf *id.ID `db:"reversal_of" json:"reversalOf,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// MovementDetail links a movement to its source document and warehouses.
// Exactly one detail per movement.
type MovementDetail struct {
	ID                     id.ID      `db:"id" json:"id"`
	MovementID             id.ID      `db:"movement_id" json:"movementId"`
	SourceKind             SourceKind `db:"source_kind" json:"sourceKind"`
	SourceRef              string     `db:"source_ref" json:"sourceRef"`
	OriginWarehouseID      id.ID      `db:"origin_warehouse_id" json:"originWarehouseId"`
	DestinationWarehouseID *id.ID     `db:"destination_warehouse_id" json:"destinationWarehouseId,omitempty"`
}

// MovementLine is one resource line of a movement.
//
// Invariant: 0 <= AppliedQuantity <= AcceptedQuantity <= RequestedQuantity.
// AppliedQuantity stays zero until the line is POSTED.
type MovementLine struct {
	ID                id.ID          `db:"id" json:"id"`
	MovementDetailID  id.ID          `db:"movement_detail_id" json:"movementDetailId"`
	LineNo            int            `db:"line_no" json:"lineNo"`
	ResourceID        id.ID          `db:"resource_id" json:"resourceId"`
	RequestedQuantity types.Quantity `db:"requested_quantity" json:"requestedQuantity"`
	AcceptedQuantity  types.Quantity `db:"accepted_quantity" json:"acceptedQuantity"`
	AppliedQuantity   types.Quantity `db:"applied_quantity" json:"appliedQuantity"`
	UnitCost          types.Money    `db:"unit_cost" json:"unitCost"`
	Returnable        bool           `db:"returnable" json:"returnable"`
	LoanLineID        *id.ID         `db:"loan_line_id" json:"loanLineId,omitempty"`
	PostingState      PostingState   `db:"posting_state" json:"postingState"`
	PostingError      *string        `db:"posting_error" json:"postingError,omitempty"`
}

// Settled reports whether the line is posted and fully applied.
func (l MovementLine) Settled() bool {
	return l.PostingState == PostingPosted && l.AppliedQuantity == l.RequestedQuantity
}

// NewMovement creates a PARTIAL movement header with a generated ID.
func NewMovement(direction Direction, actorID string, transportRef *string) Movement {
	now := time.Now().UTC()
	return Movement{
		ID:           id.New(),
		Direction:    direction,
		Status:       MovementStatusPartial,
		TransportRef: transportRef,
		ActorID:      actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ResolveStatus applies the completion rule: COMPLETE iff every line is
// settled.
func ResolveStatus(lines []MovementLine) MovementStatus {
	if len(lines) == 0 {
		return MovementStatusPartial
	}
	for _, l := range lines {
		if !l.Settled() {
			return MovementStatusPartial
		}
	}
	return MovementStatusComplete
}
