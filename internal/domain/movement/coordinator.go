// Package movement provides the MovementCoordinator, the single entry point
// that turns movement requests into journal entries and stock deltas.
package movement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/loan"
	"stockledger/internal/domain/reception"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/logger"
)

var tracer = otel.Tracer("stockledger/movement")

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Stock          *stock.Service
	Journal        *journal.Service
	Tracker        *loan.Tracker
	Resources      catalog.ResourceCatalog
	PurchaseOrders catalog.PurchaseOrderCatalog
	// TxManager scopes each line's stock deltas with its posting mark.
	TxManager tx.Manager
	Publisher events.Publisher
	Logger    *logger.Logger
}

// Coordinator orchestrates movement creation and its stock side effects.
type Coordinator struct {
	stock     *stock.Service
	journal   *journal.Service
	tracker   *loan.Tracker
	resources catalog.ResourceCatalog
	orders    catalog.PurchaseOrderCatalog
	txm       tx.Manager
	atomic    bool
	publisher events.Publisher
	locks     *keyedLocks
	log       *logger.Logger
	now       func() time.Time
}

// NewCoordinator creates a new movement coordinator.
func NewCoordinator(deps Deps) *Coordinator {
	txm := deps.TxManager
	if txm == nil {
		txm = tx.Passthrough
	}
	pub := deps.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		stock:     deps.Stock,
		journal:   deps.Journal,
		tracker:   deps.Tracker,
		resources: deps.Resources,
		orders:    deps.PurchaseOrders,
		txm:       txm,
		atomic:    tx.IsAtomic(txm),
		publisher: pub,
		locks:     newKeyedLocks(),
		log:       log.WithComponent("movement_coordinator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// draft is a fully prepared journal record plus what to check and report
// around it.
type draft struct {
	rec      journal.Record
	checks   []stock.Requirement
	warnings []reception.ShortfallWarning
}

// execute runs the shared template: acquire the idempotency stage, prepare
// the record, pre-check availability, journal it and post every line.
// Anything failing before the journal commit leaves no durable trace.
func (c *Coordinator) execute(ctx context.Context, op, key string, req any, prepare func(ctx context.Context) (draft, error)) (Result, error) {
	hash, payload, err := fingerprint(op, req)
	if err != nil {
		return Result{}, apperror.NewInternal(err)
	}

	stage, replay, err := c.journal.Begin(ctx, key, op, hash, payload)
	if err != nil {
		return Result{}, err
	}
	if replay != nil {
		return c.replay(ctx, replay)
	}

	d, err := prepare(ctx)
	if err != nil {
		c.journal.Abort(ctx, stage)
		return Result{}, err
	}
	if err := c.stock.Check(ctx, d.checks); err != nil {
		c.journal.Abort(ctx, stage)
		return Result{}, err
	}

	rec, err := c.journal.Commit(ctx, stage, d.rec)
	if err != nil {
		c.journal.Abort(ctx, stage)
		return Result{}, err
	}

	res := c.post(ctx, rec)
	res.Warnings = d.warnings
	return res, nil
}

// replay returns the record an earlier identical request created. Lines
// still PENDING (a crash between journal and posting) are posted now, so
// each line reaches the StockStore exactly once.
func (c *Coordinator) replay(ctx context.Context, r *journal.Replay) (Result, error) {
	if r.MovementID == nil {
		return Result{}, apperror.NewInternal(fmt.Errorf("replayed key %s has no movement", r.Key))
	}
	rec, err := c.journal.GetRecord(ctx, *r.MovementID)
	if err != nil {
		return Result{}, err
	}

	res := Result{Record: rec}
	if hasPending(rec) {
		res = c.post(ctx, rec)
	} else {
		res.PostingErrors = postingErrorsOf(rec)
	}
	res.Replayed = true

	c.log.WithContext(ctx).Infow("idempotent replay", "idempotency_key", r.Key, "movement_id", rec.Movement.ID)
	return res, nil
}

// post applies every unposted line in line order. A failing line is marked
// FAILED with a posting error; the movement then stays PARTIAL.
func (c *Coordinator) post(ctx context.Context, rec journal.Record) Result {
	sort.SliceStable(rec.Lines, func(i, j int) bool { return rec.Lines[i].LineNo < rec.Lines[j].LineNo })

	var failures []PostingError
	for i := range rec.Lines {
		line := &rec.Lines[i]
		if line.PostingState == entity.PostingPosted {
			continue
		}

		err := c.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			if line.AcceptedQuantity.IsPositive() {
				if err := c.applyLine(ctx, rec.Detail, rec.Movement.Direction, *line); err != nil {
					return err
				}
			}
			return c.journal.MarkLinePosted(ctx, line.ID, line.AcceptedQuantity)
		})
		if err == nil {
			line.PostingState = entity.PostingPosted
			line.AppliedQuantity = line.AcceptedQuantity
			line.PostingError = nil
			continue
		}

		reason := err.Error()
		code := apperror.CodePostingFailed
		if appErr, ok := apperror.AsAppError(err); ok {
			code = appErr.Code
			reason = appErr.Message
		}
		if markErr := c.journal.MarkLineFailed(ctx, line.ID, reason); markErr != nil {
			c.log.WithContext(ctx).Errorw("failed to record posting failure",
				"movement_id", rec.Movement.ID, "line_id", line.ID, "error", markErr)
		}
		line.PostingState = entity.PostingFailed
		line.AppliedQuantity = 0
		line.PostingError = &reason

		failures = append(failures, PostingError{
			LineID:     line.ID,
			LineNo:     line.LineNo,
			ResourceID: line.ResourceID,
			Code:       code,
			Message:    reason,
		})
		c.log.WithContext(ctx).Warnw("line posting failed",
			"movement_id", rec.Movement.ID,
			"line_no", line.LineNo,
			"resource_id", line.ResourceID,
			"error", err,
		)
	}

	status, err := c.journal.PromoteStatus(ctx, rec.Movement.ID)
	if err != nil {
		c.log.WithContext(ctx).Errorw("failed to promote movement status", "movement_id", rec.Movement.ID, "error", err)
	} else {
		rec.Movement.Status = status
	}

	res := Result{Record: rec, PostingErrors: failures}
	c.publishPosting(ctx, res)
	return res
}

// applyLine posts one line's legs. For multi-leg lines (transfers) a failing
// leg reverses the legs already applied.
func (c *Coordinator) applyLine(ctx context.Context, detail entity.MovementDetail, direction entity.Direction, line entity.MovementLine) error {
	if detail.SourceKind == entity.SourceLoanReturn {
		if line.LoanLineID == nil {
			return fmt.Errorf("loan return line %d has no loan line", line.LineNo)
		}
		loanID, err := id.Parse(detail.SourceRef)
		if err != nil {
			return fmt.Errorf("loan return source ref: %w", err)
		}
		_, err = c.tracker.ReturnPartial(ctx, loanID, *line.LoanLineID, line.AcceptedQuantity)
		return err
	}

	deltas, err := legs(detail, direction, line)
	if err != nil {
		return err
	}
	for i, d := range deltas {
		if _, err := c.stock.Adjust(ctx, d); err != nil {
			for j := i - 1; j >= 0; j-- {
				if _, cErr := c.stock.Adjust(ctx, deltas[j].Inverse()); cErr != nil {
					c.log.WithContext(ctx).Errorw("leg compensation failed",
						"warehouse_id", deltas[j].WarehouseID,
						"resource_id", deltas[j].ResourceID,
						"error", cErr,
					)
				}
			}
			return err
		}
	}
	return nil
}

func (c *Coordinator) publishPosting(ctx context.Context, res Result) {
	evt := events.Event{
		AggregateType: events.AggregateMovement,
		AggregateID:   res.Movement.ID,
		EventType:     events.MovementPosted,
		Payload: map[string]any{
			"movement_id": res.Movement.ID,
			"source_kind": res.Detail.SourceKind,
			"source_ref":  res.Detail.SourceRef,
			"status":      res.Movement.Status,
		},
	}
	if res.NeedsReconciliation() {
		evt.EventType = events.MovementPostingFailed
		evt.Payload = map[string]any{
			"movement_id":    res.Movement.ID,
			"source_kind":    res.Detail.SourceKind,
			"source_ref":     res.Detail.SourceRef,
			"posting_errors": res.PostingErrors,
		}
	}
	c.publish(ctx, evt)
}

// publish hands events to the outbox. Delivery problems never fail the
// request that produced them.
func (c *Coordinator) publish(ctx context.Context, evts ...events.Event) {
	err := c.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return c.publisher.Publish(ctx, evts...)
	})
	if err != nil {
		c.log.WithContext(ctx).Warnw("event publish failed", "count", len(evts), "error", err)
	}
}

// resolveActor prefers the actor named in the request, then the context.
func resolveActor(ctx context.Context, actorID string) (string, error) {
	if actorID != "" {
		return actorID, nil
	}
	if fromCtx := appctx.GetActorID(ctx); fromCtx != "" {
		return fromCtx, nil
	}
	return "", apperror.NewValidation("actor is required")
}

// lookupResource resolves a resource, mapping an unknown id to a
// validation error on the given line.
func (c *Coordinator) lookupResource(ctx context.Context, line int, resourceID id.ID) (catalog.Resource, error) {
	if id.IsNil(resourceID) {
		return catalog.Resource{}, apperror.NewValidation("resource id is required").WithLine(line)
	}
	res, err := c.resources.Lookup(ctx, resourceID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return catalog.Resource{}, apperror.NewValidation("unknown resource").
				WithLine(line).
				WithDetail("resource_id", resourceID)
		}
		return catalog.Resource{}, fmt.Errorf("lookup resource %s: %w", resourceID, err)
	}
	return res, nil
}

// checksFor derives availability requirements from the legs of each line.
func checksFor(detail entity.MovementDetail, direction entity.Direction, lines []entity.MovementLine) ([]stock.Requirement, error) {
	var reqs []stock.Requirement
	for i, l := range lines {
		deltas, err := legs(detail, direction, l)
		if err != nil {
			return nil, err
		}
		for _, d := range deltas {
			if d.OnHand < 0 || d.OnLoan < 0 {
				reqs = append(reqs, stock.Requirement{
					Line:        i,
					WarehouseID: d.WarehouseID,
					ResourceID:  d.ResourceID,
					OnHand:      max(-d.OnHand, 0),
					OnLoan:      max(-d.OnLoan, 0),
				})
			}
		}
	}
	return reqs, nil
}

func hasPending(rec journal.Record) bool {
	for _, l := range rec.Lines {
		if l.PostingState == entity.PostingPending {
			return true
		}
	}
	return false
}

// traced wraps an operation in a span and records its error.
func traced[T any](ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			span.SetAttributes(attribute.String("error.code", appErr.Code))
		}
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
