package dto

import (
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/movement"
	"stockledger/internal/domain/reception"
)

// --- Requests ---

// MovementLineRequest is one resource line of a transfer or consumption.
type MovementLineRequest struct {
	ResourceID string         `json:"resourceId" binding:"required"`
	Quantity   types.Quantity `json:"quantity"`
	UnitCost   types.Money    `json:"unitCost"`
}

func toLines(in []MovementLineRequest) ([]movement.LineRequest, error) {
	out := make([]movement.LineRequest, len(in))
	for i, l := range in {
		res, err := ParseID("resourceId", l.ResourceID)
		if err != nil {
			return nil, err
		}
		out[i] = movement.LineRequest{ResourceID: res, Quantity: l.Quantity, UnitCost: l.UnitCost}
	}
	return out, nil
}

// CreateTransferRequest is the body of POST /movements/transfers.
type CreateTransferRequest struct {
	OriginWarehouseID      string                `json:"originWarehouseId" binding:"required"`
	DestinationWarehouseID string                `json:"destinationWarehouseId" binding:"required"`
	ActorID                string                `json:"actorId"`
	TransportRef           *string               `json:"transportRef"`
	TransferRequestRef     string                `json:"transferRequestRef"`
	Lines                  []MovementLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the body into a coordinator request.
func (r CreateTransferRequest) ToDomain(idempotencyKey string) (movement.TransferRequest, error) {
	origin, err := ParseID("originWarehouseId", r.OriginWarehouseID)
	if err != nil {
		return movement.TransferRequest{}, err
	}
	dest, err := ParseID("destinationWarehouseId", r.DestinationWarehouseID)
	if err != nil {
		return movement.TransferRequest{}, err
	}
	lines, err := toLines(r.Lines)
	if err != nil {
		return movement.TransferRequest{}, err
	}
	return movement.TransferRequest{
		IdempotencyKey:         idempotencyKey,
		OriginWarehouseID:      origin,
		DestinationWarehouseID: dest,
		ActorID:                r.ActorID,
		TransportRef:           r.TransportRef,
		TransferRequestRef:     r.TransferRequestRef,
		Lines:                  lines,
	}, nil
}

// ReceptionLineRequest is one received resource.
type ReceptionLineRequest struct {
	ResourceID       string         `json:"resourceId" binding:"required"`
	ReceivedQuantity types.Quantity `json:"receivedQuantity"`
}

// CreateReceptionRequest is the body of POST /movements/receptions.
type CreateReceptionRequest struct {
	PurchaseOrderID        string                 `json:"purchaseOrderId" binding:"required"`
	DestinationWarehouseID string                 `json:"destinationWarehouseId" binding:"required"`
	ActorID                string                 `json:"actorId"`
	TransportRef           *string                `json:"transportRef"`
	Lines                  []ReceptionLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the body into a coordinator request.
func (r CreateReceptionRequest) ToDomain(idempotencyKey string) (movement.ReceptionRequest, error) {
	dest, err := ParseID("destinationWarehouseId", r.DestinationWarehouseID)
	if err != nil {
		return movement.ReceptionRequest{}, err
	}
	lines := make([]movement.ReceptionLineRequest, len(r.Lines))
	for i, l := range r.Lines {
		res, err := ParseID("resourceId", l.ResourceID)
		if err != nil {
			return movement.ReceptionRequest{}, err
		}
		lines[i] = movement.ReceptionLineRequest{ResourceID: res, ReceivedQuantity: l.ReceivedQuantity}
	}
	return movement.ReceptionRequest{
		IdempotencyKey:         idempotencyKey,
		PurchaseOrderID:        r.PurchaseOrderID,
		DestinationWarehouseID: dest,
		ActorID:                r.ActorID,
		TransportRef:           r.TransportRef,
		Lines:                  lines,
	}, nil
}

// CreateConsumptionRequest is the body of POST /movements/consumptions.
type CreateConsumptionRequest struct {
	WarehouseID string                `json:"warehouseId" binding:"required"`
	ActorID     string                `json:"actorId"`
	Reference   string                `json:"reference"`
	Lines       []MovementLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the body into a coordinator request.
func (r CreateConsumptionRequest) ToDomain(idempotencyKey string) (movement.ConsumptionRequest, error) {
	wh, err := ParseID("warehouseId", r.WarehouseID)
	if err != nil {
		return movement.ConsumptionRequest{}, err
	}
	lines, err := toLines(r.Lines)
	if err != nil {
		return movement.ConsumptionRequest{}, err
	}
	return movement.ConsumptionRequest{
		IdempotencyKey: idempotencyKey,
		WarehouseID:    wh,
		ActorID:        r.ActorID,
		Reference:      r.Reference,
		Lines:          lines,
	}, nil
}

// CancelMovementRequest is the optional body of POST /movements/:id/cancel.
type CancelMovementRequest struct {
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

// --- Responses ---

// MovementLineResponse is one line of a movement.
type MovementLineResponse struct {
	ID                string              `json:"id"`
	LineNo            int                 `json:"lineNo"`
	ResourceID        string              `json:"resourceId"`
	RequestedQuantity types.Quantity      `json:"requestedQuantity"`
	AcceptedQuantity  types.Quantity      `json:"acceptedQuantity"`
	AppliedQuantity   types.Quantity      `json:"appliedQuantity"`
	UnitCost          types.Money         `json:"unitCost"`
	Returnable        bool                `json:"returnable"`
	LoanLineID        *string             `json:"loanLineId,omitempty"`
	PostingState      entity.PostingState `json:"postingState"`
	PostingError      *string             `json:"postingError,omitempty"`
}

// MovementResponse is a journaled movement with its posting outcome.
type MovementResponse struct {
	ID                     string                       `json:"id"`
	Direction              entity.Direction             `json:"direction"`
	Status                 entity.MovementStatus        `json:"status"`
	SourceKind             entity.SourceKind            `json:"sourceKind"`
	SourceRef              string                       `json:"sourceRef"`
	OriginWarehouseID      string                       `json:"originWarehouseId"`
	DestinationWarehouseID *string                      `json:"destinationWarehouseId,omitempty"`
	TransportRef           *string                      `json:"transportRef,omitempty"`
	ActorID                string                       `json:"actorId"`
	ReversalOf             *string                      `json:"reversalOf,omitempty"`
	CreatedAt              time.Time                    `json:"createdAt"`
	Lines                  []MovementLineResponse       `json:"lines"`
	PostingErrors          []movement.PostingError      `json:"postingErrors,omitempty"`
	Warnings               []reception.ShortfallWarning `json:"warnings,omitempty"`
	Replayed               bool                         `json:"replayed"`
}

// FromMovementResult creates MovementResponse from a coordinator result.
func FromMovementResult(r movement.Result) MovementResponse {
	resp := MovementResponse{
		ID:                r.Movement.ID.String(),
		Direction:         r.Movement.Direction,
		Status:            r.Movement.Status,
		SourceKind:        r.Detail.SourceKind,
		SourceRef:         r.Detail.SourceRef,
		OriginWarehouseID: r.Detail.OriginWarehouseID.String(),
		TransportRef:      r.Movement.TransportRef,
		ActorID:           r.Movement.ActorID,
		CreatedAt:         r.Movement.CreatedAt,
		Lines:             make([]MovementLineResponse, len(r.Lines)),
		PostingErrors:     r.PostingErrors,
		Warnings:          r.Warnings,
		Replayed:          r.Replayed,
	}
	if r.Detail.DestinationWarehouseID != nil {
		s := r.Detail.DestinationWarehouseID.String()
		resp.DestinationWarehouseID = &s
	}
	if r.Movement.ReversalOf != nil {
		s := r.Movement.ReversalOf.String()
		resp.ReversalOf = &s
	}
	for i, l := range r.Lines {
		resp.Lines[i] = fromMovementLine(l)
	}
	return resp
}

func fromMovementLine(l entity.MovementLine) MovementLineResponse {
	resp := MovementLineResponse{
		ID:                l.ID.String(),
		LineNo:            l.LineNo,
		ResourceID:        l.ResourceID.String(),
		RequestedQuantity: l.RequestedQuantity,
		AcceptedQuantity:  l.AcceptedQuantity,
		AppliedQuantity:   l.AppliedQuantity,
		UnitCost:          l.UnitCost,
		Returnable:        l.Returnable,
		PostingState:      l.PostingState,
		PostingError:      l.PostingError,
	}
	if l.LoanLineID != nil {
		s := l.LoanLineID.String()
		resp.LoanLineID = &s
	}
	return resp
}
