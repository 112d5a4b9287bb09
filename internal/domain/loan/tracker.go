// Package loan provides the LoanTracker: stock bookkeeping for resources
// issued on loan and their partial or full return.
package loan

import (
	"context"
	"fmt"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/logger"
)

// StockAdjuster is the part of the StockStore the tracker needs.
type StockAdjuster interface {
	Adjust(ctx context.Context, d stock.Delta) (entity.StockEntry, error)
}

// Journal is the part of the MovementJournal the tracker needs.
type Journal interface {
	GetLoan(ctx context.Context, loanID id.ID) (journal.LoanRecord, error)
	UpdateLoanReturn(ctx context.Context, loanID, lineID id.ID, delta types.Quantity) (journal.LoanRecord, error)
}

// IssueLine is one issued resource with the policy deciding its deltas.
type IssueLine struct {
	ResourceID id.ID
	Quantity   types.Quantity
	Policy     catalog.StockPolicy
}

// Tracker applies loan issuance and returns to the StockStore.
type Tracker struct {
	stock   StockAdjuster
	journal Journal
	log     *logger.Logger
}

// NewTracker creates a new loan tracker.
func NewTracker(stock StockAdjuster, journal Journal, log *logger.Logger) *Tracker {
	return &Tracker{
		stock:   stock,
		journal: journal,
		log:     log.WithComponent("loan_tracker"),
	}
}

// Issue applies every line's issue deltas at the loan's origin warehouse.
// Either all lines are applied or none: on the first failure the lines
// already applied are reversed in reverse order and the error is returned.
func (t *Tracker) Issue(ctx context.Context, loan entity.Loan, lines []IssueLine) error {
	applied := make([]stock.Delta, 0, len(lines))

	for i, line := range lines {
		if !line.Quantity.IsPositive() {
			t.compensate(ctx, applied)
			return apperror.NewValidation("issued quantity must be positive").WithLine(i)
		}
		onHand, onLoan := line.Policy.IssueDeltas(line.Quantity)
		d := stock.Delta{
			WarehouseID: loan.OriginWarehouseID,
			ResourceID:  line.ResourceID,
			OnHand:      onHand,
			OnLoan:      onLoan,
		}
		if _, err := t.stock.Adjust(ctx, d); err != nil {
			t.compensate(ctx, applied)
			if appErr, ok := apperror.AsAppError(err); ok {
				return appErr.WithLine(i)
			}
			return fmt.Errorf("issue line %d: %w", i, err)
		}
		applied = append(applied, d)
	}
	return nil
}

// Reverse undoes a successful Issue. Used when the issuance could not be
// journaled.
func (t *Tracker) Reverse(ctx context.Context, loan entity.Loan, lines []IssueLine) {
	deltas := make([]stock.Delta, 0, len(lines))
	for _, line := range lines {
		onHand, onLoan := line.Policy.IssueDeltas(line.Quantity)
		deltas = append(deltas, stock.Delta{
			WarehouseID: loan.OriginWarehouseID,
			ResourceID:  line.ResourceID,
			OnHand:      onHand,
			OnLoan:      onLoan,
		})
	}
	t.compensate(ctx, deltas)
}

// ReturnPartial books qty of a loan line as returned: stock moves from
// on-loan back to on-hand and the line's returned quantity grows.
func (t *Tracker) ReturnPartial(ctx context.Context, loanID, lineID id.ID, qty types.Quantity) (journal.LoanRecord, error) {
	if !qty.IsPositive() {
		return journal.LoanRecord{}, apperror.NewValidation("returned quantity must be positive").
			WithDetail("loan_line_id", lineID)
	}

	rec, err := t.journal.GetLoan(ctx, loanID)
	if err != nil {
		return journal.LoanRecord{}, err
	}
	line, ok := rec.Line(lineID)
	if !ok {
		return journal.LoanRecord{}, apperror.NewNotFound("loan_line", lineID)
	}
	if line.ReturnedQuantity+qty > line.IssuedQuantity {
		return journal.LoanRecord{}, apperror.NewOverReturn(lineID.String(), qty.Float64(), line.Outstanding().Float64())
	}

	d := stock.Delta{
		WarehouseID: rec.Loan.OriginWarehouseID,
		ResourceID:  line.ResourceID,
		OnHand:      qty,
		OnLoan:      -qty,
	}
	if _, err := t.stock.Adjust(ctx, d); err != nil {
		return journal.LoanRecord{}, err
	}

	updated, err := t.journal.UpdateLoanReturn(ctx, loanID, lineID, qty)
	if err != nil {
		t.compensate(ctx, []stock.Delta{d})
		return journal.LoanRecord{}, err
	}

	if updated.Loan.Status == entity.LoanStatusClosed {
		t.log.WithContext(ctx).Infow("loan closed", "loan_id", loanID)
	}
	return updated, nil
}

// compensate reverses applied deltas, newest first. Failures are logged:
// the caller is already returning an error and the drift needs manual
// reconciliation.
func (t *Tracker) compensate(ctx context.Context, applied []stock.Delta) {
	for i := len(applied) - 1; i >= 0; i-- {
		if _, err := t.stock.Adjust(ctx, applied[i].Inverse()); err != nil {
			t.log.WithContext(ctx).Errorw("loan stock compensation failed",
				"warehouse_id", applied[i].WarehouseID,
				"resource_id", applied[i].ResourceID,
				"on_hand", applied[i].OnHand,
				"on_loan", applied[i].OnLoan,
				"error", err,
			)
		}
	}
}
