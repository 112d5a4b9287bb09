package movement

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/reception"
)

// PostReception books goods received against a purchase order. Each line is
// reconciled with the ordered quantity and what earlier receptions already
// accepted; under-delivered lines come back as shortfall warnings and leave
// the movement PARTIAL until a later reception fulfills the order.
func (c *Coordinator) PostReception(ctx context.Context, req ReceptionRequest) (Result, error) {
	attrs := []attribute.KeyValue{
		attribute.String("movement.kind", string(entity.SourcePurchaseOrder)),
		attribute.String("purchase_order.id", req.PurchaseOrderID),
		attribute.Int("movement.lines", len(req.Lines)),
	}
	return traced(ctx, "movement.PostReception", attrs, func(ctx context.Context) (Result, error) {
		if req.PurchaseOrderID == "" {
			return Result{}, apperror.NewValidation("purchase order is required")
		}
		unlock := c.locks.Lock("po:" + req.PurchaseOrderID)
		defer unlock()

		res, err := c.execute(ctx, opReception, req.IdempotencyKey, req, func(ctx context.Context) (draft, error) {
			return c.prepareReception(ctx, req)
		})
		if err != nil {
			return Result{}, err
		}
		c.settlePurchaseOrder(ctx, req.PurchaseOrderID)
		if !res.Replayed {
			return res, nil
		}
		// A replay reports the current status, which settlement may have moved.
		if m, err := c.journal.GetRecord(ctx, res.Movement.ID); err == nil {
			res.Movement = m.Movement
		}
		return res, nil
	})
}

func (c *Coordinator) prepareReception(ctx context.Context, req ReceptionRequest) (draft, error) {
	if id.IsNil(req.DestinationWarehouseID) {
		return draft{}, apperror.NewValidation("destination warehouse is required")
	}
	if len(req.Lines) == 0 {
		return draft{}, apperror.NewValidation("reception must have at least one line")
	}
	actor, err := resolveActor(ctx, req.ActorID)
	if err != nil {
		return draft{}, err
	}

	seen := make(map[id.ID]int, len(req.Lines))
	inputs := make([]reception.LineInput, 0, len(req.Lines))
	limits := make(map[id.ID]types.Quantity, len(req.Lines))
	costs := make([]types.Money, 0, len(req.Lines))
	returnable := make([]bool, 0, len(req.Lines))

	for i, rl := range req.Lines {
		if prev, dup := seen[rl.ResourceID]; dup {
			return draft{}, apperror.NewValidation("resource appears on more than one line").
				WithLine(i).
				WithDetail("first_line", prev)
		}
		seen[rl.ResourceID] = i

		res, err := c.lookupResource(ctx, i, rl.ResourceID)
		if err != nil {
			return draft{}, err
		}
		ordered, err := c.orders.GetOrderedQuantity(ctx, req.PurchaseOrderID, rl.ResourceID)
		if err != nil {
			if apperror.IsNotFound(err) {
				return draft{}, apperror.NewValidation("resource is not on the purchase order").
					WithLine(i).
					WithDetail("purchase_order_id", req.PurchaseOrderID).
					WithDetail("resource_id", rl.ResourceID)
			}
			return draft{}, fmt.Errorf("get ordered quantity: %w", err)
		}
		prior, err := c.journal.NetAccepted(ctx, entity.SourcePurchaseOrder, req.PurchaseOrderID, rl.ResourceID)
		if err != nil {
			return draft{}, fmt.Errorf("get received quantity: %w", err)
		}

		inputs = append(inputs, reception.LineInput{
			ResourceID:   rl.ResourceID,
			Ordered:      ordered,
			PriorApplied: prior,
			Received:     rl.ReceivedQuantity,
		})
		limits[rl.ResourceID] = ordered
		costs = append(costs, res.UnitCost)
		returnable = append(returnable, res.IsReturnable)
	}

	reconciled, err := reception.Reconcile(inputs)
	if err != nil {
		return draft{}, err
	}

	m := entity.NewMovement(entity.DirectionIn, actor, req.TransportRef)
	dest := req.DestinationWarehouseID
	detail := entity.MovementDetail{
		ID:                     id.New(),
		MovementID:             m.ID,
		SourceKind:             entity.SourcePurchaseOrder,
		SourceRef:              req.PurchaseOrderID,
		OriginWarehouseID:      dest,
		DestinationWarehouseID: &dest,
	}

	lines := make([]entity.MovementLine, 0, len(reconciled.Lines))
	for i, lr := range reconciled.Lines {
		lines = append(lines, entity.MovementLine{
			ID:                id.New(),
			MovementDetailID:  detail.ID,
			LineNo:            i + 1,
			ResourceID:        lr.ResourceID,
			RequestedQuantity: lr.Requested,
			AcceptedQuantity:  lr.Applied,
			UnitCost:          costs[i],
			Returnable:        returnable[i],
			PostingState:      entity.PostingPending,
		})
	}

	return draft{
		rec:      journal.Record{Movement: m, Detail: detail, Lines: lines, Limits: limits},
		warnings: reconciled.Warnings,
	}, nil
}

// settlePurchaseOrder promotes PARTIAL receptions of an order once every
// resource they carry has been received in full.
func (c *Coordinator) settlePurchaseOrder(ctx context.Context, purchaseOrderID string) {
	log := c.log.WithContext(ctx)

	partial, err := c.journal.ListPartialBySource(ctx, entity.SourcePurchaseOrder, purchaseOrderID)
	if err != nil {
		log.Warnw("list partial receptions failed", "purchase_order_id", purchaseOrderID, "error", err)
		return
	}

	fulfilled := make(map[id.ID]bool)
	isFulfilled := func(resourceID id.ID) (bool, error) {
		if ok, cached := fulfilled[resourceID]; cached {
			return ok, nil
		}
		ordered, err := c.orders.GetOrderedQuantity(ctx, purchaseOrderID, resourceID)
		if err != nil {
			return false, err
		}
		received, err := c.journal.NetAccepted(ctx, entity.SourcePurchaseOrder, purchaseOrderID, resourceID)
		if err != nil {
			return false, err
		}
		fulfilled[resourceID] = received >= ordered
		return fulfilled[resourceID], nil
	}

	for _, m := range partial {
		if m.ReversalOf != nil {
			continue
		}
		rec, err := c.journal.GetRecord(ctx, m.ID)
		if err != nil {
			log.Warnw("load partial reception failed", "movement_id", m.ID, "error", err)
			continue
		}

		done := true
		for _, l := range rec.Lines {
			ok, err := isFulfilled(l.ResourceID)
			if err != nil {
				log.Warnw("fulfillment check failed", "movement_id", m.ID, "resource_id", l.ResourceID, "error", err)
				done = false
				break
			}
			if !ok {
				done = false
				break
			}
		}
		if !done {
			continue
		}

		promoted, err := c.journal.Settle(ctx, m.ID)
		if err != nil {
			log.Warnw("settle reception failed", "movement_id", m.ID, "error", err)
			continue
		}
		if promoted {
			log.Infow("reception settled", "movement_id", m.ID, "purchase_order_id", purchaseOrderID)
		}
	}
}
