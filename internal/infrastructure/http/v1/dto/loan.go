package dto

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/movement"
	"stockledger/internal/domain/reception"
)

// --- Requests ---

// LoanLineRequest is one issued resource.
type LoanLineRequest struct {
	ResourceID string         `json:"resourceId" binding:"required"`
	Quantity   types.Quantity `json:"quantity"`
}

// CreateLoanRequest is the body of POST /loans.
type CreateLoanRequest struct {
	OriginWarehouseID string            `json:"originWarehouseId" binding:"required"`
	BorrowerID        string            `json:"borrowerId" binding:"required"`
	ResponsibleID     string            `json:"responsibleId"`
	DueDate           time.Time         `json:"dueDate" binding:"required"`
	ActorID           string            `json:"actorId"`
	Lines             []LoanLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the body into a coordinator request.
func (r CreateLoanRequest) ToDomain(idempotencyKey string) (movement.LoanRequest, error) {
	origin, err := ParseID("originWarehouseId", r.OriginWarehouseID)
	if err != nil {
		return movement.LoanRequest{}, err
	}
	lines := make([]movement.LoanLineRequest, len(r.Lines))
	for i, l := range r.Lines {
		res, err := ParseID("resourceId", l.ResourceID)
		if err != nil {
			return movement.LoanRequest{}, err
		}
		lines[i] = movement.LoanLineRequest{ResourceID: res, Quantity: l.Quantity}
	}
	return movement.LoanRequest{
		IdempotencyKey:    idempotencyKey,
		OriginWarehouseID: origin,
		BorrowerID:        r.BorrowerID,
		ResponsibleID:     r.ResponsibleID,
		DueDate:           r.DueDate,
		ActorID:           r.ActorID,
		Lines:             lines,
	}, nil
}

// ReturnLineRequest returns quantity of one loan line.
type ReturnLineRequest struct {
	LineID           string         `json:"lineId" binding:"required"`
	ReturnedQuantity types.Quantity `json:"returnedQuantity"`
}

// CreateReturnRequest is the body of POST /loans/:id/returns.
type CreateReturnRequest struct {
	ActorID string              `json:"actorId"`
	Lines   []ReturnLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the body into a coordinator request for loanID.
func (r CreateReturnRequest) ToDomain(idempotencyKey string, loanID id.ID) (movement.ReturnRequest, error) {
	lines := make([]movement.ReturnLineRequest, len(r.Lines))
	for i, l := range r.Lines {
		lineID, err := ParseID("lineId", l.LineID)
		if err != nil {
			return movement.ReturnRequest{}, err
		}
		lines[i] = movement.ReturnLineRequest{LineID: lineID, ReturnedQuantity: l.ReturnedQuantity}
	}
	return movement.ReturnRequest{
		IdempotencyKey: idempotencyKey,
		LoanID:         loanID,
		ActorID:        r.ActorID,
		Lines:          lines,
	}, nil
}

// LoanListQuery holds GET /loans filters.
type LoanListQuery struct {
	Status     string `form:"status"`
	BorrowerID string `form:"borrowerId"`
	Overdue    bool   `form:"overdue"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ToFilter converts the query into a journal filter evaluated at now.
func (q LoanListQuery) ToFilter(now time.Time) (journal.LoanFilter, error) {
	f := journal.LoanFilter{BorrowerID: q.BorrowerID, Limit: q.Limit}
	if q.Status != "" {
		st := entity.LoanStatus(q.Status)
		switch st {
		case entity.LoanStatusActive, entity.LoanStatusPartial, entity.LoanStatusClosed:
		default:
			return f, apperror.NewValidation("invalid loan status").WithDetail("status", q.Status)
		}
		f.Status = &st
	}
	if q.Overdue {
		f.OverdueAt = &now
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	return f, nil
}

// --- Responses ---

// LoanLineResponse is one returnable line of a loan.
type LoanLineResponse struct {
	ID                  string         `json:"id"`
	ResourceID          string         `json:"resourceId"`
	IssuedQuantity      types.Quantity `json:"issuedQuantity"`
	ReturnedQuantity    types.Quantity `json:"returnedQuantity"`
	OutstandingQuantity types.Quantity `json:"outstandingQuantity"`
}

// LoanResponse is a loan header with optional lines and movement.
type LoanResponse struct {
	ID                string                       `json:"id"`
	BorrowerID        string                       `json:"borrowerId"`
	ResponsibleID     string                       `json:"responsibleId"`
	OriginWarehouseID string                       `json:"originWarehouseId"`
	DueDate           time.Time                    `json:"dueDate"`
	Status            entity.LoanStatus            `json:"status"`
	Overdue           bool                         `json:"overdue"`
	CreatedAt         time.Time                    `json:"createdAt"`
	Lines             []LoanLineResponse           `json:"lines,omitempty"`
	Movement          *MovementResponse            `json:"movement,omitempty"`
	Warnings          []reception.ShortfallWarning `json:"warnings,omitempty"`
	Replayed          bool                         `json:"replayed,omitempty"`
}

// FromLoan creates LoanResponse from a loan header.
func FromLoan(l entity.Loan, now time.Time) LoanResponse {
	return LoanResponse{
		ID:                l.ID.String(),
		BorrowerID:        l.BorrowerID,
		ResponsibleID:     l.ResponsibleID,
		OriginWarehouseID: l.OriginWarehouseID.String(),
		DueDate:           l.DueDate,
		Status:            l.Status,
		Overdue:           l.Overdue(now),
		CreatedAt:         l.CreatedAt,
	}
}

// FromLoanRecord creates LoanResponse from a loan with its lines.
func FromLoanRecord(r journal.LoanRecord, now time.Time) LoanResponse {
	resp := FromLoan(r.Loan, now)
	resp.Lines = make([]LoanLineResponse, len(r.Lines))
	for i, l := range r.Lines {
		resp.Lines[i] = LoanLineResponse{
			ID:                  l.ID.String(),
			ResourceID:          l.ResourceID.String(),
			IssuedQuantity:      l.IssuedQuantity,
			ReturnedQuantity:    l.ReturnedQuantity,
			OutstandingQuantity: l.Outstanding(),
		}
	}
	return resp
}

// FromLoanResult creates LoanResponse from a coordinator result.
func FromLoanResult(r movement.LoanResult, now time.Time) LoanResponse {
	resp := FromLoanRecord(r.LoanRecord, now)
	if r.Movement != nil {
		m := FromMovementResult(*r.Movement)
		resp.Movement = &m
	}
	resp.Warnings = r.Warnings
	resp.Replayed = r.Replayed
	return resp
}
