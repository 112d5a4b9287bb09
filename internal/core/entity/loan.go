package entity

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// LoanStatus is ACTIVE until a first return, PARTIAL while quantity is
// outstanding and CLOSED once every line is fully returned.
type LoanStatus string

const (
	LoanStatusActive  LoanStatus = "ACTIVE"
	LoanStatusPartial LoanStatus = "PARTIAL"
	LoanStatusClosed  LoanStatus = "CLOSED"
)

// Loan tracks returnable resources issued to a borrower.
type Loan struct {
	ID                     id.ID      `db:"id" json:"id"`
	BorrowerID             string     `db:"borrower_id" json:"borrowerId"`
	ResponsibleID          string     `db:"responsible_id" json:"responsibleId"`
	OriginWarehouseID      id.ID      `db:"origin_warehouse_id" json:"originWarehouseId"`
	IssuedMovementDetailID id.ID      `db:"issued_movement_detail_id" json:"issuedMovementDetailId"`
	DueDate                time.Time  `db:"due_date" json:"dueDate"`
	Status                 LoanStatus `db:"status" json:"status"`
	CreatedAt              time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updatedAt"`
}

// Overdue reports whether the loan is still open past its due date.
func (l Loan) Overdue(now time.Time) bool {
	return l.Status != LoanStatusClosed && l.DueDate.Before(now)
}

// LoanLine is one returnable resource of a loan.
// ReturnedQuantity only grows and never exceeds IssuedQuantity.
type LoanLine struct {
	ID               id.ID          `db:"id" json:"id"`
	LoanID           id.ID          `db:"loan_id" json:"loanId"`
	ResourceID       id.ID          `db:"resource_id" json:"resourceId"`
	IssuedQuantity   types.Quantity `db:"issued_quantity" json:"issuedQuantity"`
	ReturnedQuantity types.Quantity `db:"returned_quantity" json:"returnedQuantity"`
}

// Outstanding is the quantity still on loan.
func (l LoanLine) Outstanding() types.Quantity {
	return l.IssuedQuantity - l.ReturnedQuantity
}

// ComputeLoanStatus derives the loan status from its lines. current is
// returned unchanged when nothing has been returned yet.
func ComputeLoanStatus(current LoanStatus, lines []LoanLine) LoanStatus {
	if len(lines) == 0 {
		return current
	}
	allReturned := true
	anyReturned := false
	for _, l := range lines {
		if l.ReturnedQuantity < l.IssuedQuantity {
			allReturned = false
		}
		if l.ReturnedQuantity > 0 {
			anyReturned = true
		}
	}
	switch {
	case allReturned:
		return LoanStatusClosed
	case anyReturned:
		return LoanStatusPartial
	default:
		return current
	}
}
