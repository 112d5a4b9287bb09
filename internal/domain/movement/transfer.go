package movement

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/journal"
)

// PostTransfer moves stock from the origin to the destination warehouse.
// Availability at the origin is checked before anything is journaled.
func (c *Coordinator) PostTransfer(ctx context.Context, req TransferRequest) (Result, error) {
	attrs := []attribute.KeyValue{
		attribute.String("movement.kind", string(entity.SourceTransferRequest)),
		attribute.Int("movement.lines", len(req.Lines)),
	}
	return traced(ctx, "movement.PostTransfer", attrs, func(ctx context.Context) (Result, error) {
		return c.execute(ctx, opTransfer, req.IdempotencyKey, req, func(ctx context.Context) (draft, error) {
			if id.IsNil(req.OriginWarehouseID) || id.IsNil(req.DestinationWarehouseID) {
				return draft{}, apperror.NewValidation("origin and destination warehouses are required")
			}
			if req.OriginWarehouseID == req.DestinationWarehouseID {
				return draft{}, apperror.NewValidation("origin and destination must differ").
					WithDetail("warehouse_id", req.OriginWarehouseID)
			}
			actor, err := resolveActor(ctx, req.ActorID)
			if err != nil {
				return draft{}, err
			}

			m := entity.NewMovement(entity.DirectionOut, actor, req.TransportRef)
			dest := req.DestinationWarehouseID
			detail := entity.MovementDetail{
				ID:                     id.New(),
				MovementID:             m.ID,
				SourceKind:             entity.SourceTransferRequest,
				SourceRef:              sourceRefOr(req.TransferRequestRef, m.ID),
				OriginWarehouseID:      req.OriginWarehouseID,
				DestinationWarehouseID: &dest,
			}
			return c.draftFromLines(ctx, m, detail, req.Lines)
		})
	})
}

// PostConsumption removes consumed stock from a warehouse.
func (c *Coordinator) PostConsumption(ctx context.Context, req ConsumptionRequest) (Result, error) {
	attrs := []attribute.KeyValue{
		attribute.String("movement.kind", string(entity.SourceConsumption)),
		attribute.Int("movement.lines", len(req.Lines)),
	}
	return traced(ctx, "movement.PostConsumption", attrs, func(ctx context.Context) (Result, error) {
		return c.execute(ctx, opConsumption, req.IdempotencyKey, req, func(ctx context.Context) (draft, error) {
			if id.IsNil(req.WarehouseID) {
				return draft{}, apperror.NewValidation("warehouse is required")
			}
			actor, err := resolveActor(ctx, req.ActorID)
			if err != nil {
				return draft{}, err
			}

			m := entity.NewMovement(entity.DirectionOut, actor, nil)
			detail := entity.MovementDetail{
				ID:                id.New(),
				MovementID:        m.ID,
				SourceKind:        entity.SourceConsumption,
				SourceRef:         sourceRefOr(req.Reference, m.ID),
				OriginWarehouseID: req.WarehouseID,
			}
			return c.draftFromLines(ctx, m, detail, req.Lines)
		})
	})
}

func (c *Coordinator) draftFromLines(ctx context.Context, m entity.Movement, detail entity.MovementDetail, reqLines []LineRequest) (draft, error) {
	if len(reqLines) == 0 {
		return draft{}, apperror.NewValidation("movement must have at least one line")
	}

	lines := make([]entity.MovementLine, 0, len(reqLines))
	for i, rl := range reqLines {
		if !rl.Quantity.IsPositive() {
			return draft{}, apperror.NewValidation("invalid quantity: must be positive").
				WithLine(i).
				WithDetail("quantity", rl.Quantity.Float64())
		}
		if rl.UnitCost.IsNegative() {
			return draft{}, apperror.NewValidation("unit cost must not be negative").WithLine(i)
		}
		res, err := c.lookupResource(ctx, i, rl.ResourceID)
		if err != nil {
			return draft{}, err
		}
		cost := rl.UnitCost
		if cost.IsZero() {
			cost = res.UnitCost
		}
		lines = append(lines, entity.MovementLine{
			ID:                id.New(),
			MovementDetailID:  detail.ID,
			LineNo:            i + 1,
			ResourceID:        rl.ResourceID,
			RequestedQuantity: rl.Quantity,
			AcceptedQuantity:  rl.Quantity,
			UnitCost:          cost,
			Returnable:        res.IsReturnable,
			PostingState:      entity.PostingPending,
		})
	}

	checks, err := checksFor(detail, m.Direction, lines)
	if err != nil {
		return draft{}, apperror.NewInternal(err)
	}
	return draft{
		rec:    journal.Record{Movement: m, Detail: detail, Lines: lines},
		checks: checks,
	}, nil
}

// CancelMovement journals a compensating movement that reverses the applied
// quantity of a transfer, reception or consumption. Loan movements are
// settled through returns instead. A movement is cancelled at most once.
func (c *Coordinator) CancelMovement(ctx context.Context, req CancelRequest) (Result, error) {
	attrs := []attribute.KeyValue{attribute.String("movement.id", req.MovementID.String())}
	return traced(ctx, "movement.CancelMovement", attrs, func(ctx context.Context) (Result, error) {
		unlock := c.locks.Lock("movement:" + req.MovementID.String())
		defer unlock()

		return c.execute(ctx, opCancel, req.IdempotencyKey, req, func(ctx context.Context) (draft, error) {
			actor, err := resolveActor(ctx, req.ActorID)
			if err != nil {
				return draft{}, err
			}
			orig, err := c.journal.GetRecord(ctx, req.MovementID)
			if err != nil {
				return draft{}, err
			}

			switch orig.Detail.SourceKind {
			case entity.SourceLoanIssue, entity.SourceLoanReturn:
				return draft{}, apperror.NewValidation("loan movements cannot be cancelled").
					WithDetail("source_kind", orig.Detail.SourceKind)
			}
			if orig.Movement.ReversalOf != nil {
				return draft{}, apperror.NewConflict("a compensating movement cannot be cancelled").
					WithDetail("movement_id", orig.Movement.ID)
			}
			prev, err := c.journal.FindReversal(ctx, orig.Movement.ID)
			if err != nil {
				return draft{}, err
			}
			if prev != nil {
				return draft{}, apperror.NewConflict("movement is already cancelled").
					WithDetail("movement_id", orig.Movement.ID).
					WithDetail("reversal_id", prev.ID)
			}

			direction := orig.Movement.Direction.Flip()
			detail := entity.MovementDetail{
				ID:                     id.New(),
				SourceKind:             orig.Detail.SourceKind,
				SourceRef:              orig.Detail.SourceRef,
				OriginWarehouseID:      orig.Detail.OriginWarehouseID,
				DestinationWarehouseID: orig.Detail.DestinationWarehouseID,
			}
			if orig.Detail.SourceKind == entity.SourceTransferRequest && orig.Detail.DestinationWarehouseID != nil {
				direction = orig.Movement.Direction
				origin := orig.Detail.OriginWarehouseID
				detail.OriginWarehouseID = *orig.Detail.DestinationWarehouseID
				detail.DestinationWarehouseID = &origin
			}

			m := entity.NewMovement(direction, actor, orig.Movement.TransportRef)
			origID := orig.Movement.ID
			m.ReversalOf = &origID
			detail.MovementID = m.ID

			var lines []entity.MovementLine
			for _, l := range orig.Lines {
				if !l.AppliedQuantity.IsPositive() {
					continue
				}
				lines = append(lines, entity.MovementLine{
					ID:                id.New(),
					MovementDetailID:  detail.ID,
					LineNo:            len(lines) + 1,
					ResourceID:        l.ResourceID,
					RequestedQuantity: l.AppliedQuantity,
					AcceptedQuantity:  l.AppliedQuantity,
					UnitCost:          l.UnitCost,
					Returnable:        l.Returnable,
					PostingState:      entity.PostingPending,
				})
			}
			if len(lines) == 0 {
				return draft{}, apperror.NewValidation("movement has no applied quantity to cancel").
					WithDetail("movement_id", orig.Movement.ID)
			}

			checks, err := checksFor(detail, direction, lines)
			if err != nil {
				return draft{}, apperror.NewInternal(err)
			}
			c.log.WithContext(ctx).Infow("cancelling movement",
				"movement_id", orig.Movement.ID,
				"reversal_id", m.ID,
				"reason", req.Reason,
			)
			return draft{
				rec:    journal.Record{Movement: m, Detail: detail, Lines: lines},
				checks: checks,
			}, nil
		})
	})
}

// RepostMovement retries the stock application of lines whose posting
// failed. Lines already POSTED are left alone.
func (c *Coordinator) RepostMovement(ctx context.Context, movementID id.ID) (Result, error) {
	attrs := []attribute.KeyValue{attribute.String("movement.id", movementID.String())}
	return traced(ctx, "movement.RepostMovement", attrs, func(ctx context.Context) (Result, error) {
		unlock := c.locks.Lock("movement:" + movementID.String())
		defer unlock()

		rec, err := c.journal.GetRecord(ctx, movementID)
		if err != nil {
			return Result{}, err
		}
		if !hasUnposted(rec) {
			return Result{Record: rec}, nil
		}

		res := c.post(ctx, rec)
		c.afterPosting(ctx, res.Detail)
		return res, nil
	})
}

// GetMovement returns a journaled movement with its posting errors.
func (c *Coordinator) GetMovement(ctx context.Context, movementID id.ID) (Result, error) {
	rec, err := c.journal.GetRecord(ctx, movementID)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: rec, PostingErrors: postingErrorsOf(rec)}, nil
}

// GetStock returns the stock entry for a warehouse and resource. Unknown
// pairs read as zero.
func (c *Coordinator) GetStock(ctx context.Context, warehouseID, resourceID id.ID) (entity.StockEntry, error) {
	return c.stock.Get(ctx, warehouseID, resourceID)
}

// ListStock returns the non-zero entries of a warehouse.
func (c *Coordinator) ListStock(ctx context.Context, warehouseID id.ID) ([]entity.StockEntry, error) {
	return c.stock.ListByWarehouse(ctx, warehouseID)
}

// afterPosting settles earlier PARTIAL movements a posting may have
// fulfilled.
func (c *Coordinator) afterPosting(ctx context.Context, detail entity.MovementDetail) {
	switch detail.SourceKind {
	case entity.SourcePurchaseOrder:
		c.settlePurchaseOrder(ctx, detail.SourceRef)
	case entity.SourceLoanReturn:
		if loanID, err := id.Parse(detail.SourceRef); err == nil {
			c.settleLoanReturns(ctx, loanID)
		}
	}
}

func hasUnposted(rec journal.Record) bool {
	for _, l := range rec.Lines {
		if l.PostingState != entity.PostingPosted {
			return true
		}
	}
	return false
}

func sourceRefOr(ref string, movementID id.ID) string {
	if ref != "" {
		return ref
	}
	return movementID.String()
}
