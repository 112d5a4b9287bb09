package movement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/reception"
)

// Operation names recorded on staging records. A key is bound to one.
const (
	opTransfer    = "transfer"
	opReception   = "reception"
	opConsumption = "consumption"
	opIssueLoan   = "loan.issue"
	opReturnLoan  = "loan.return"
	opCancel      = "cancel"
)

// LineRequest is one resource line of a transfer or consumption.
// A zero UnitCost falls back to the catalog's unit cost.
type LineRequest struct {
	ResourceID id.ID          `json:"resourceId"`
	Quantity   types.Quantity `json:"quantity"`
	UnitCost   types.Money    `json:"unitCost"`
}

// TransferRequest moves stock between two warehouses.
type TransferRequest struct {
	IdempotencyKey         string        `json:"-"`
	OriginWarehouseID      id.ID         `json:"originWarehouseId"`
	DestinationWarehouseID id.ID         `json:"destinationWarehouseId"`
	ActorID                string        `json:"actorId"`
	TransportRef           *string       `json:"transportRef,omitempty"`
	TransferRequestRef     string        `json:"transferRequestRef,omitempty"`
	Lines                  []LineRequest `json:"lines"`
}

// ReceptionLineRequest is one received resource.
type ReceptionLineRequest struct {
	ResourceID       id.ID          `json:"resourceId"`
	ReceivedQuantity types.Quantity `json:"receivedQuantity"`
}

// ReceptionRequest posts goods received against a purchase order.
type ReceptionRequest struct {
	IdempotencyKey         string                 `json:"-"`
	PurchaseOrderID        string                 `json:"purchaseOrderId"`
	DestinationWarehouseID id.ID                  `json:"destinationWarehouseId"`
	ActorID                string                 `json:"actorId"`
	TransportRef           *string                `json:"transportRef,omitempty"`
	Lines                  []ReceptionLineRequest `json:"lines"`
}

// ConsumptionRequest removes consumed stock from a warehouse.
type ConsumptionRequest struct {
	IdempotencyKey string        `json:"-"`
	WarehouseID    id.ID         `json:"warehouseId"`
	ActorID        string        `json:"actorId"`
	Reference      string        `json:"reference,omitempty"`
	Lines          []LineRequest `json:"lines"`
}

// LoanLineRequest is one issued resource.
type LoanLineRequest struct {
	ResourceID id.ID          `json:"resourceId"`
	Quantity   types.Quantity `json:"quantity"`
}

// LoanRequest issues resources to a borrower. Returnable resources become
// loan lines; consumable ones are consumed by the same movement.
type LoanRequest struct {
	IdempotencyKey    string            `json:"-"`
	OriginWarehouseID id.ID             `json:"originWarehouseId"`
	BorrowerID        string            `json:"borrowerId"`
	ResponsibleID     string            `json:"responsibleId"`
	DueDate           time.Time         `json:"dueDate"`
	ActorID           string            `json:"actorId"`
	Lines             []LoanLineRequest `json:"lines"`
}

// ReturnLineRequest returns quantity of one loan line.
type ReturnLineRequest struct {
	LineID           id.ID          `json:"lineId"`
	ReturnedQuantity types.Quantity `json:"returnedQuantity"`
}

// ReturnRequest returns loaned resources.
type ReturnRequest struct {
	IdempotencyKey string              `json:"-"`
	LoanID         id.ID               `json:"loanId"`
	ActorID        string              `json:"actorId"`
	Lines          []ReturnLineRequest `json:"lines"`
}

// CancelRequest compensates a journaled movement.
type CancelRequest struct {
	IdempotencyKey string `json:"-"`
	MovementID     id.ID  `json:"movementId"`
	ActorID        string `json:"actorId"`
	Reason         string `json:"reason,omitempty"`
}

// PostingError reports a line whose stock application failed after the
// journal entry was committed.
type PostingError struct {
	LineID     id.ID  `json:"lineId"`
	LineNo     int    `json:"lineNo"`
	ResourceID id.ID  `json:"resourceId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Result is the outcome of a movement operation.
type Result struct {
	journal.Record
	PostingErrors []PostingError                `json:"postingErrors,omitempty"`
	Warnings      []reception.ShortfallWarning `json:"warnings,omitempty"`
	Replayed      bool                          `json:"replayed"`
}

// NeedsReconciliation reports whether some line failed to post.
func (r Result) NeedsReconciliation() bool {
	return len(r.PostingErrors) > 0
}

// LoanResult is the outcome of a loan operation.
type LoanResult struct {
	journal.LoanRecord
	Movement *Result                      `json:"movement,omitempty"`
	Warnings []reception.ShortfallWarning `json:"warnings,omitempty"`
	Replayed bool                         `json:"replayed"`
}

// fingerprint hashes the canonical JSON of a request. Idempotency keys are
// excluded from the payload by their json:"-" tags.
func fingerprint(op string, req any) (string, []byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	sum := sha256.Sum256(append([]byte(op+":"), payload...))
	return hex.EncodeToString(sum[:]), payload, nil
}

// postingErrorsOf rebuilds posting errors from failed lines of a record.
func postingErrorsOf(rec journal.Record) []PostingError {
	var out []PostingError
	for _, l := range rec.Lines {
		if l.PostingState != entity.PostingFailed {
			continue
		}
		msg := ""
		if l.PostingError != nil {
			msg = *l.PostingError
		}
		out = append(out, PostingError{
			LineID:     l.ID,
			LineNo:     l.LineNo,
			ResourceID: l.ResourceID,
			Code:       apperror.CodePostingFailed,
			Message:    msg,
		})
	}
	return out
}
