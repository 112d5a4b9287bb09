package movement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/loan"
	"stockledger/internal/domain/reception"
)

// IssueLoan issues resources to a borrower. Returnable resources move from
// on-hand to on-loan and become loan lines; consumable resources on the same
// request are consumed. The stock deltas and the journal record are written
// together, so the movement is recorded COMPLETE or not at all.
func (c *Coordinator) IssueLoan(ctx context.Context, req LoanRequest) (LoanResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("movement.kind", string(entity.SourceLoanIssue)),
		attribute.Int("movement.lines", len(req.Lines)),
	}
	return traced(ctx, "movement.IssueLoan", attrs, func(ctx context.Context) (LoanResult, error) {
		hash, payload, err := fingerprint(opIssueLoan, req)
		if err != nil {
			return LoanResult{}, apperror.NewInternal(err)
		}
		stage, replay, err := c.journal.Begin(ctx, req.IdempotencyKey, opIssueLoan, hash, payload)
		if err != nil {
			return LoanResult{}, err
		}
		if replay != nil {
			return c.replayLoan(ctx, replay)
		}

		rec, issue, err := c.prepareLoan(ctx, req)
		if err != nil {
			c.journal.Abort(ctx, stage)
			return LoanResult{}, err
		}
		checks, err := checksFor(rec.Detail, rec.Movement.Direction, rec.Lines)
		if err != nil {
			c.journal.Abort(ctx, stage)
			return LoanResult{}, apperror.NewInternal(err)
		}
		if err := c.stock.Check(ctx, checks); err != nil {
			c.journal.Abort(ctx, stage)
			return LoanResult{}, err
		}

		committed, err := c.issueAndCommit(ctx, stage, rec, issue)
		if err != nil {
			c.journal.Abort(ctx, stage)
			return LoanResult{}, err
		}

		c.publish(ctx, events.Event{
			AggregateType: events.AggregateLoan,
			AggregateID:   committed.Loan.ID,
			EventType:     events.LoanIssued,
			Payload: map[string]any{
				"loan_id":     committed.Loan.ID,
				"borrower_id": committed.Loan.BorrowerID,
				"due_date":    committed.Loan.DueDate,
				"movement_id": committed.Movement.ID,
			},
		})
		c.log.WithContext(ctx).Infow("loan issued",
			"loan_id", committed.Loan.ID,
			"borrower_id", committed.Loan.BorrowerID,
			"lines", len(committed.LoanLines),
		)

		return LoanResult{
			LoanRecord: journal.LoanRecord{Loan: *committed.Loan, Lines: committed.LoanLines},
			Movement:   &Result{Record: committed},
		}, nil
	})
}

// issueAndCommit applies the issue deltas and journals rec in one
// transaction. Without an atomic transaction manager the deltas are reversed
// by hand when the commit fails or panics.
func (c *Coordinator) issueAndCommit(ctx context.Context, stage *journal.Stage, rec journal.Record, issue []loan.IssueLine) (committed journal.Record, err error) {
	applied, done := false, false
	if !c.atomic {
		defer func() {
			if applied && !done {
				c.tracker.Reverse(ctx, *rec.Loan, issue)
			}
		}()
	}

	err = c.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := c.tracker.Issue(ctx, *rec.Loan, issue); err != nil {
			return err
		}
		applied = true
		out, err := c.journal.Commit(ctx, stage, rec)
		if err != nil {
			return err
		}
		committed = out
		return nil
	})
	done = err == nil
	return committed, err
}

func (c *Coordinator) prepareLoan(ctx context.Context, req LoanRequest) (journal.Record, []loan.IssueLine, error) {
	if id.IsNil(req.OriginWarehouseID) {
		return journal.Record{}, nil, apperror.NewValidation("origin warehouse is required")
	}
	if req.BorrowerID == "" {
		return journal.Record{}, nil, apperror.NewValidation("borrower is required")
	}
	if req.DueDate.IsZero() {
		return journal.Record{}, nil, apperror.NewValidation("due date is required")
	}
	if len(req.Lines) == 0 {
		return journal.Record{}, nil, apperror.NewValidation("loan must have at least one line")
	}
	actor, err := resolveActor(ctx, req.ActorID)
	if err != nil {
		return journal.Record{}, nil, err
	}
	responsible := req.ResponsibleID
	if responsible == "" {
		responsible = actor
	}

	m := entity.NewMovement(entity.DirectionOut, actor, nil)
	ln := entity.Loan{
		ID:                id.New(),
		BorrowerID:        req.BorrowerID,
		ResponsibleID:     responsible,
		OriginWarehouseID: req.OriginWarehouseID,
		DueDate:           req.DueDate.UTC(),
		Status:            entity.LoanStatusActive,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.CreatedAt,
	}
	detail := entity.MovementDetail{
		ID:                id.New(),
		MovementID:        m.ID,
		SourceKind:        entity.SourceLoanIssue,
		SourceRef:         ln.ID.String(),
		OriginWarehouseID: req.OriginWarehouseID,
	}
	ln.IssuedMovementDetailID = detail.ID

	var (
		lines     = make([]entity.MovementLine, 0, len(req.Lines))
		loanLines []entity.LoanLine
		issue     = make([]loan.IssueLine, 0, len(req.Lines))
	)
	for i, rl := range req.Lines {
		if !rl.Quantity.IsPositive() {
			return journal.Record{}, nil, apperror.NewValidation("invalid quantity: must be positive").
				WithLine(i).
				WithDetail("quantity", rl.Quantity.Float64())
		}
		res, err := c.lookupResource(ctx, i, rl.ResourceID)
		if err != nil {
			return journal.Record{}, nil, err
		}
		policy := res.Policy()

		line := entity.MovementLine{
			ID:                id.New(),
			MovementDetailID:  detail.ID,
			LineNo:            i + 1,
			ResourceID:        rl.ResourceID,
			RequestedQuantity: rl.Quantity,
			AcceptedQuantity:  rl.Quantity,
			AppliedQuantity:   rl.Quantity,
			UnitCost:          res.UnitCost,
			Returnable:        policy.Tracked(),
			PostingState:      entity.PostingPosted,
		}
		if policy.Tracked() {
			ll := entity.LoanLine{
				ID:             id.New(),
				LoanID:         ln.ID,
				ResourceID:     rl.ResourceID,
				IssuedQuantity: rl.Quantity,
			}
			line.LoanLineID = &ll.ID
			loanLines = append(loanLines, ll)
		}
		lines = append(lines, line)
		issue = append(issue, loan.IssueLine{ResourceID: rl.ResourceID, Quantity: rl.Quantity, Policy: policy})
	}
	if len(loanLines) == 0 {
		return journal.Record{}, nil, apperror.NewValidation("loan must include at least one returnable resource")
	}

	m.Status = entity.ResolveStatus(lines)
	return journal.Record{
		Movement:  m,
		Detail:    detail,
		Lines:     lines,
		Loan:      &ln,
		LoanLines: loanLines,
	}, issue, nil
}

func (c *Coordinator) replayLoan(ctx context.Context, r *journal.Replay) (LoanResult, error) {
	if r.LoanID == nil || r.MovementID == nil {
		return LoanResult{}, apperror.NewInternal(fmt.Errorf("replayed key %s has no loan", r.Key))
	}
	lr, err := c.journal.GetLoan(ctx, *r.LoanID)
	if err != nil {
		return LoanResult{}, err
	}
	rec, err := c.journal.GetRecord(ctx, *r.MovementID)
	if err != nil {
		return LoanResult{}, err
	}
	return LoanResult{
		LoanRecord: lr,
		Movement:   &Result{Record: rec, Replayed: true},
		Replayed:   true,
	}, nil
}

// ReturnLoan books a partial or full return of a loan. Every line is checked
// against its outstanding quantity before anything is journaled, so an
// over-return leaves no trace. While the loan stays open the result carries
// one warning per line with quantity still outstanding.
func (c *Coordinator) ReturnLoan(ctx context.Context, req ReturnRequest) (LoanResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("movement.kind", string(entity.SourceLoanReturn)),
		attribute.String("loan.id", req.LoanID.String()),
		attribute.Int("movement.lines", len(req.Lines)),
	}
	return traced(ctx, "movement.ReturnLoan", attrs, func(ctx context.Context) (LoanResult, error) {
		if id.IsNil(req.LoanID) {
			return LoanResult{}, apperror.NewValidation("loan id is required")
		}
		unlock := c.locks.Lock("loan:" + req.LoanID.String())
		defer unlock()

		res, err := c.execute(ctx, opReturnLoan, req.IdempotencyKey, req, func(ctx context.Context) (draft, error) {
			return c.prepareReturn(ctx, req)
		})
		if err != nil {
			return LoanResult{}, err
		}

		lr, err := c.journal.GetLoan(ctx, req.LoanID)
		if err != nil {
			return LoanResult{}, err
		}

		out := LoanResult{LoanRecord: lr, Movement: &res, Replayed: res.Replayed}
		if lr.Loan.Status == entity.LoanStatusClosed {
			c.settleLoanReturns(ctx, lr.Loan.ID)
			if m, err := c.journal.GetRecord(ctx, res.Movement.ID); err == nil {
				out.Movement.Movement = m.Movement
			}
		} else {
			for _, l := range lr.Lines {
				if rem := l.Outstanding(); rem.IsPositive() {
					res.Warnings = append(res.Warnings, reception.ShortfallWarning{ResourceID: l.ResourceID, MissingQuantity: rem})
				}
			}
			out.Warnings = res.Warnings
		}

		if !res.Replayed && !res.NeedsReconciliation() {
			evts := []events.Event{{
				AggregateType: events.AggregateLoan,
				AggregateID:   lr.Loan.ID,
				EventType:     events.LoanReturned,
				Payload: map[string]any{
					"loan_id":     lr.Loan.ID,
					"movement_id": res.Movement.ID,
					"status":      lr.Loan.Status,
				},
			}}
			if lr.Loan.Status == entity.LoanStatusClosed {
				evts = append(evts, events.Event{
					AggregateType: events.AggregateLoan,
					AggregateID:   lr.Loan.ID,
					EventType:     events.LoanClosed,
					Payload:       map[string]any{"loan_id": lr.Loan.ID},
				})
			}
			c.publish(ctx, evts...)
		}
		return out, nil
	})
}

func (c *Coordinator) prepareReturn(ctx context.Context, req ReturnRequest) (draft, error) {
	if len(req.Lines) == 0 {
		return draft{}, apperror.NewValidation("return must have at least one line")
	}
	actor, err := resolveActor(ctx, req.ActorID)
	if err != nil {
		return draft{}, err
	}
	lr, err := c.journal.GetLoan(ctx, req.LoanID)
	if err != nil {
		return draft{}, err
	}
	if lr.Loan.Status == entity.LoanStatusClosed {
		return draft{}, apperror.NewConflict("loan is closed").WithDetail("loan_id", lr.Loan.ID)
	}

	m := entity.NewMovement(entity.DirectionIn, actor, nil)
	detail := entity.MovementDetail{
		ID:                id.New(),
		MovementID:        m.ID,
		SourceKind:        entity.SourceLoanReturn,
		SourceRef:         lr.Loan.ID.String(),
		OriginWarehouseID: lr.Loan.OriginWarehouseID,
	}

	seen := make(map[id.ID]bool, len(req.Lines))
	lines := make([]entity.MovementLine, 0, len(req.Lines))
	for i, rl := range req.Lines {
		if seen[rl.LineID] {
			return draft{}, apperror.NewValidation("loan line appears more than once").
				WithLine(i).
				WithDetail("loan_line_id", rl.LineID)
		}
		seen[rl.LineID] = true

		if !rl.ReturnedQuantity.IsPositive() {
			return draft{}, apperror.NewValidation("invalid quantity: must be positive").
				WithLine(i).
				WithDetail("quantity", rl.ReturnedQuantity.Float64())
		}
		ll, ok := lr.Line(rl.LineID)
		if !ok {
			return draft{}, apperror.NewNotFound("loan_line", rl.LineID).WithLine(i)
		}
		if rl.ReturnedQuantity > ll.Outstanding() {
			return draft{}, apperror.NewOverReturn(ll.ID.String(), rl.ReturnedQuantity.Float64(), ll.Outstanding().Float64()).
				WithLine(i)
		}

		res, err := c.lookupResource(ctx, i, ll.ResourceID)
		if err != nil {
			return draft{}, err
		}
		loanLineID := ll.ID
		lines = append(lines, entity.MovementLine{
			ID:                id.New(),
			MovementDetailID:  detail.ID,
			LineNo:            i + 1,
			ResourceID:        ll.ResourceID,
			RequestedQuantity: ll.Outstanding(),
			AcceptedQuantity:  rl.ReturnedQuantity,
			UnitCost:          res.UnitCost,
			Returnable:        true,
			LoanLineID:        &loanLineID,
			PostingState:      entity.PostingPending,
		})
	}

	return draft{rec: journal.Record{Movement: m, Detail: detail, Lines: lines}}, nil
}

// settleLoanReturns promotes PARTIAL return movements once the loan is closed.
func (c *Coordinator) settleLoanReturns(ctx context.Context, loanID id.ID) {
	lr, err := c.journal.GetLoan(ctx, loanID)
	if err != nil || lr.Loan.Status != entity.LoanStatusClosed {
		return
	}
	partial, err := c.journal.ListPartialBySource(ctx, entity.SourceLoanReturn, loanID.String())
	if err != nil {
		c.log.WithContext(ctx).Warnw("list partial returns failed", "loan_id", loanID, "error", err)
		return
	}
	for _, m := range partial {
		if _, err := c.journal.Settle(ctx, m.ID); err != nil {
			c.log.WithContext(ctx).Warnw("settle return failed", "movement_id", m.ID, "error", err)
		}
	}
}

// GetLoan returns a loan with its lines.
func (c *Coordinator) GetLoan(ctx context.Context, loanID id.ID) (journal.LoanRecord, error) {
	return c.journal.GetLoan(ctx, loanID)
}

// ListLoans returns loans matching filter.
func (c *Coordinator) ListLoans(ctx context.Context, filter journal.LoanFilter) ([]entity.Loan, error) {
	return c.journal.ListLoans(ctx, filter)
}

// OverdueLoans returns open loans past their due date at now.
func (c *Coordinator) OverdueLoans(ctx context.Context, now time.Time, limit int) ([]entity.Loan, error) {
	return c.journal.ListLoans(ctx, journal.LoanFilter{OverdueAt: &now, Limit: limit})
}
