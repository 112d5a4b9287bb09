package movement_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/loan"
	"stockledger/internal/domain/movement"
	"stockledger/internal/domain/reception"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/memory"
	"stockledger/pkg/logger"
)

// flakyStock fails ApplyDelta for selected resources.
type flakyStock struct {
	*memory.StockRepo
	mu   sync.Mutex
	fail map[id.ID]error
}

func (f *flakyStock) ApplyDelta(ctx context.Context, wh, res id.ID, onHand, onLoan types.Quantity, version int64) (entity.StockEntry, error) {
	f.mu.Lock()
	err := f.fail[res]
	f.mu.Unlock()
	if err != nil {
		return entity.StockEntry{}, err
	}
	return f.StockRepo.ApplyDelta(ctx, wh, res, onHand, onLoan, version)
}

func (f *flakyStock) setFailure(res id.ID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, res)
		return
	}
	f.fail[res] = err
}

// crashingJournal dies while a loan is being written, leaving the staging
// record and the rows written before it behind.
type crashingJournal struct {
	*memory.JournalRepo
}

func (crashingJournal) InsertLoan(context.Context, entity.Loan) error {
	panic("process killed while writing loan")
}

// racingJournal runs a hook right after prior receipts are read, standing
// in for another server posting against the same order.
type racingJournal struct {
	*memory.JournalRepo
	afterNetAccepted func()
}

func (j *racingJournal) NetAccepted(ctx context.Context, kind entity.SourceKind, ref string, res id.ID) (types.Quantity, error) {
	q, err := j.JournalRepo.NetAccepted(ctx, kind, ref, res)
	if hook := j.afterNetAccepted; hook != nil {
		j.afterNetAccepted = nil
		hook()
	}
	return q, err
}

type fixture struct {
	coord      *movement.Coordinator
	deps       movement.Deps
	stock      *flakyStock
	journal    journal.Repository
	journalSvc *journal.Service
	catalog    *memory.Catalog
	outbox     *memory.Outbox

	mainWH, siteWH id.ID
	cable, drill   catalog.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithJournal(t, memory.NewJournalRepo())
}

func newFixtureWithJournal(t *testing.T, repo journal.Repository) *fixture {
	t.Helper()

	f := &fixture{
		stock:   &flakyStock{StockRepo: memory.NewStockRepo(), fail: map[id.ID]error{}},
		journal: repo,
		catalog: memory.NewCatalog(),
		outbox:  memory.NewOutbox(),
		mainWH:  id.New(),
		siteWH:  id.New(),
		cable:   catalog.Resource{ID: id.New(), Code: "CBL-01", Name: "Cable", UnitOfMeasure: "m", UnitCost: types.MustMoney("1.25")},
		drill:   catalog.Resource{ID: id.New(), Code: "DRL-01", Name: "Drill", UnitOfMeasure: "pcs", IsReturnable: true, UnitCost: types.MustMoney("120")},
	}
	f.catalog.PutResource(f.cable)
	f.catalog.PutResource(f.drill)

	log := logger.Nop()
	stockSvc := stock.NewService(f.stock, stock.DefaultOptions())
	f.journalSvc = journal.NewService(f.journal, nil, journal.DefaultOptions())
	tracker := loan.NewTracker(stockSvc, f.journalSvc, log)

	f.deps = movement.Deps{
		Stock:          stockSvc,
		Journal:        f.journalSvc,
		Tracker:        tracker,
		Resources:      f.catalog,
		PurchaseOrders: f.catalog,
		Publisher:      f.outbox,
		Logger:         log,
	}
	f.coord = movement.NewCoordinator(f.deps)
	return f
}

func (f *fixture) receive(t *testing.T, po string, wh id.ID, res catalog.Resource, qty int64) movement.Result {
	t.Helper()
	f.catalog.PutOrderLine(po, res.ID, types.Units(qty))
	out, err := f.coord.PostReception(context.Background(), movement.ReceptionRequest{
		PurchaseOrderID:        po,
		DestinationWarehouseID: wh,
		ActorID:                "seed",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: res.ID, ReceivedQuantity: types.Units(qty)}},
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) onHand(t *testing.T, wh, res id.ID) types.Quantity {
	t.Helper()
	e, err := f.coord.GetStock(context.Background(), wh, res)
	require.NoError(t, err)
	return e.OnHand
}

func (f *fixture) entry(t *testing.T, wh, res id.ID) entity.StockEntry {
	t.Helper()
	e, err := f.coord.GetStock(context.Background(), wh, res)
	require.NoError(t, err)
	return e
}

func TestPostReception_PartialThenComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalog.PutOrderLine("PO-1", f.cable.ID, types.Units(100))

	first, err := f.coord.PostReception(ctx, movement.ReceptionRequest{
		PurchaseOrderID:        "PO-1",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(60)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.MovementStatusPartial, first.Movement.Status)
	require.Len(t, first.Warnings, 1)
	assert.Equal(t, reception.ShortfallWarning{ResourceID: f.cable.ID, MissingQuantity: types.Units(40)}, first.Warnings[0])
	assert.Equal(t, types.Units(60), f.onHand(t, f.mainWH, f.cable.ID))

	second, err := f.coord.PostReception(ctx, movement.ReceptionRequest{
		PurchaseOrderID:        "PO-1",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(40)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.MovementStatusComplete, second.Movement.Status)
	assert.Empty(t, second.Warnings)
	assert.Equal(t, types.Units(100), f.onHand(t, f.mainWH, f.cable.ID))

	// The earlier partial reception is settled once the order is fulfilled.
	reloaded, err := f.coord.GetMovement(ctx, first.Movement.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.MovementStatusComplete, reloaded.Movement.Status)
}

func TestPostReception_OverDeliveryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalog.PutOrderLine("PO-2", f.cable.ID, types.Units(100))

	_, err := f.coord.PostReception(ctx, movement.ReceptionRequest{
		PurchaseOrderID:        "PO-2",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(60)}},
	})
	require.NoError(t, err)

	_, err = f.coord.PostReception(ctx, movement.ReceptionRequest{
		PurchaseOrderID:        "PO-2",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(50)}},
	})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
	assert.Equal(t, types.Units(60), f.onHand(t, f.mainWH, f.cable.ID))
}

func TestPostReception_SecondServerCannotOverReceive(t *testing.T) {
	j := &racingJournal{JournalRepo: memory.NewJournalRepo()}
	f := newFixtureWithJournal(t, j)
	ctx := context.Background()
	f.catalog.PutOrderLine("PO-2S", f.cable.ID, types.Units(100))
	other := movement.NewCoordinator(f.deps)

	req := movement.ReceptionRequest{
		PurchaseOrderID:        "PO-2S",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(60)}},
	}
	j.afterNetAccepted = func() {
		_, err := other.PostReception(ctx, req)
		require.NoError(t, err)
	}

	_, err := f.coord.PostReception(ctx, req)
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict), "got %v", err)

	assert.Equal(t, types.Units(60), f.onHand(t, f.mainWH, f.cable.ID))
	received, err := f.journalSvc.NetAccepted(ctx, entity.SourcePurchaseOrder, "PO-2S", f.cable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Units(60), received)
}

func TestPostReception_UnknownOrderLine(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.PostReception(context.Background(), movement.ReceptionRequest{
		PurchaseOrderID:        "PO-404",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(1)}},
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "got %v", err)
}

func TestPostTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-T", f.mainWH, f.cable, 50)

	res, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		ActorID:                "u1",
		Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(20)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.MovementStatusComplete, res.Movement.Status)
	assert.Equal(t, entity.SourceTransferRequest, res.Detail.SourceKind)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, types.Units(20), res.Lines[0].AppliedQuantity)
	assert.True(t, f.cable.UnitCost.Equal(res.Lines[0].UnitCost))

	assert.Equal(t, types.Units(30), f.onHand(t, f.mainWH, f.cable.ID))
	assert.Equal(t, types.Units(20), f.onHand(t, f.siteWH, f.cable.ID))
}

func TestPostTransfer_InsufficientStockLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-T", f.mainWH, f.cable, 5)

	_, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
		IdempotencyKey:         "k-insufficient",
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		ActorID:                "u1",
		Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(6)}},
	})
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	assert.Equal(t, types.Units(5), f.onHand(t, f.mainWH, f.cable.ID))
	assert.Zero(t, f.onHand(t, f.siteWH, f.cable.ID))

	// The key is free again: a corrected request goes through.
	_, err = f.coord.PostTransfer(ctx, movement.TransferRequest{
		IdempotencyKey:         "k-insufficient",
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		ActorID:                "u1",
		Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(5)}},
	})
	require.NoError(t, err)
}

func TestPostTransfer_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  movement.TransferRequest
	}{
		{"same warehouse", movement.TransferRequest{
			OriginWarehouseID: f.mainWH, DestinationWarehouseID: f.mainWH, ActorID: "u1",
			Lines: []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(1)}},
		}},
		{"no lines", movement.TransferRequest{
			OriginWarehouseID: f.mainWH, DestinationWarehouseID: f.siteWH, ActorID: "u1",
		}},
		{"zero quantity", movement.TransferRequest{
			OriginWarehouseID: f.mainWH, DestinationWarehouseID: f.siteWH, ActorID: "u1",
			Lines: []movement.LineRequest{{ResourceID: f.cable.ID}},
		}},
		{"unknown resource", movement.TransferRequest{
			OriginWarehouseID: f.mainWH, DestinationWarehouseID: f.siteWH, ActorID: "u1",
			Lines: []movement.LineRequest{{ResourceID: id.New(), Quantity: types.Units(1)}},
		}},
		{"missing actor", movement.TransferRequest{
			OriginWarehouseID: f.mainWH, DestinationWarehouseID: f.siteWH,
			Lines: []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(1)}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.PostTransfer(ctx, tt.req)
			assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "got %v", err)
		})
	}
}

func TestPostTransfer_ActorFromContext(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "PO-A", f.mainWH, f.cable, 3)

	ctx := appctx.WithActor(context.Background(), &appctx.Actor{ID: "ctx-user", Source: "header"})
	res, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(1)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ctx-user", res.Movement.ActorID)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-I", f.mainWH, f.cable, 10)

	req := movement.TransferRequest{
		IdempotencyKey:         "transfer-1",
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		ActorID:                "u1",
		Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(4)}},
	}
	first, err := f.coord.PostTransfer(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.coord.PostTransfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Movement.ID, second.Movement.ID)

	// Applied once.
	assert.Equal(t, types.Units(6), f.onHand(t, f.mainWH, f.cable.ID))
	assert.Equal(t, types.Units(4), f.onHand(t, f.siteWH, f.cable.ID))

	// Same key with a different payload is rejected.
	req.Lines[0].Quantity = types.Units(5)
	_, err = f.coord.PostTransfer(ctx, req)
	assert.True(t, apperror.HasCode(err, apperror.CodeIdempotency), "got %v", err)
}

func TestIdempotentReplay_OtherWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("reception", func(t *testing.T) {
		f := newFixture(t)
		f.catalog.PutOrderLine("PO-RR", f.cable.ID, types.Units(10))
		req := movement.ReceptionRequest{
			IdempotencyKey:         "reception-1",
			PurchaseOrderID:        "PO-RR",
			DestinationWarehouseID: f.mainWH,
			ActorID:                "u1",
			Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(4)}},
		}
		first, err := f.coord.PostReception(ctx, req)
		require.NoError(t, err)
		second, err := f.coord.PostReception(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Movement.ID, second.Movement.ID)
		assert.Equal(t, types.Units(4), f.onHand(t, f.mainWH, f.cable.ID))
	})

	t.Run("loan return", func(t *testing.T) {
		f := newFixture(t)
		f.receive(t, "PO-RL", f.mainWH, f.drill, 5)
		issued, err := f.coord.IssueLoan(ctx, movement.LoanRequest{
			OriginWarehouseID: f.mainWH, BorrowerID: "crew-4", DueDate: time.Now().Add(time.Hour), ActorID: "u1",
			Lines: []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(5)}},
		})
		require.NoError(t, err)

		req := movement.ReturnRequest{
			IdempotencyKey: "return-1",
			LoanID:         issued.Loan.ID,
			ActorID:        "u1",
			Lines:          []movement.ReturnLineRequest{{LineID: issued.Lines[0].ID, ReturnedQuantity: types.Units(2)}},
		}
		first, err := f.coord.ReturnLoan(ctx, req)
		require.NoError(t, err)
		second, err := f.coord.ReturnLoan(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Movement.Movement.ID, second.Movement.Movement.ID)
		assert.Equal(t, types.Units(2), second.Lines[0].ReturnedQuantity)
		e := f.entry(t, f.mainWH, f.drill.ID)
		assert.Equal(t, types.Units(2), e.OnHand)
		assert.Equal(t, types.Units(3), e.OnLoan)
	})

	t.Run("cancel", func(t *testing.T) {
		f := newFixture(t)
		f.receive(t, "PO-RC", f.mainWH, f.cable, 10)
		tr, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
			OriginWarehouseID:      f.mainWH,
			DestinationWarehouseID: f.siteWH,
			ActorID:                "u1",
			Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(4)}},
		})
		require.NoError(t, err)

		req := movement.CancelRequest{IdempotencyKey: "cancel-1", MovementID: tr.Movement.ID, ActorID: "u1"}
		first, err := f.coord.CancelMovement(ctx, req)
		require.NoError(t, err)
		second, err := f.coord.CancelMovement(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Movement.ID, second.Movement.ID)
		assert.Equal(t, types.Units(10), f.onHand(t, f.mainWH, f.cable.ID))
		assert.Zero(t, f.onHand(t, f.siteWH, f.cable.ID))
	})
}

func TestPostingFailureLeavesMovementPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-F", f.mainWH, f.cable, 10)
	f.receive(t, "PO-F2", f.mainWH, f.drill, 2)

	f.stock.setFailure(f.drill.ID, errors.New("connection reset"))
	res, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		ActorID:                "u1",
		Lines: []movement.LineRequest{
			{ResourceID: f.cable.ID, Quantity: types.Units(3)},
			{ResourceID: f.drill.ID, Quantity: types.Units(1)},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.NeedsReconciliation())
	require.Len(t, res.PostingErrors, 1)
	assert.Equal(t, f.drill.ID, res.PostingErrors[0].ResourceID)
	assert.Equal(t, 2, res.PostingErrors[0].LineNo)
	assert.Equal(t, entity.MovementStatusPartial, res.Movement.Status)

	assert.Equal(t, types.Units(7), f.onHand(t, f.mainWH, f.cable.ID))
	assert.Equal(t, types.Units(2), f.onHand(t, f.mainWH, f.drill.ID))

	var failedEvents int
	for _, e := range f.outbox.Events() {
		if e.EventType == events.MovementPostingFailed {
			failedEvents++
		}
	}
	assert.Equal(t, 1, failedEvents)

	// Repost once the store recovers.
	f.stock.setFailure(f.drill.ID, nil)
	reposted, err := f.coord.RepostMovement(ctx, res.Movement.ID)
	require.NoError(t, err)
	assert.False(t, reposted.NeedsReconciliation())
	assert.Equal(t, entity.MovementStatusComplete, reposted.Movement.Status)
	assert.Equal(t, types.Units(1), f.onHand(t, f.mainWH, f.drill.ID))
	assert.Equal(t, types.Units(1), f.onHand(t, f.siteWH, f.drill.ID))
	assert.Equal(t, types.Units(3), f.onHand(t, f.siteWH, f.cable.ID))
}

func TestConcurrentModificationAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-C", f.mainWH, f.cable, 10)

	f.stock.setFailure(f.cable.ID, stock.ErrVersionConflict)
	res, err := f.coord.PostConsumption(ctx, movement.ConsumptionRequest{
		WarehouseID: f.mainWH,
		ActorID:     "u1",
		Lines:       []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(1)}},
	})
	require.NoError(t, err)
	require.Len(t, res.PostingErrors, 1)
	assert.Equal(t, apperror.CodeConcurrentModification, res.PostingErrors[0].Code)
	assert.Equal(t, types.Units(10), f.onHand(t, f.mainWH, f.cable.ID))
}

func TestPostConsumption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-K", f.mainWH, f.cable, 10)

	res, err := f.coord.PostConsumption(ctx, movement.ConsumptionRequest{
		WarehouseID: f.mainWH,
		ActorID:     "u1",
		Reference:   "WO-7",
		Lines:       []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(4)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "WO-7", res.Detail.SourceRef)
	assert.Equal(t, entity.DirectionOut, res.Movement.Direction)
	assert.Equal(t, types.Units(6), f.onHand(t, f.mainWH, f.cable.ID))
}

func TestLoan_PartialAndOverReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-L", f.mainWH, f.drill, 10)

	issued, err := f.coord.IssueLoan(ctx, movement.LoanRequest{
		OriginWarehouseID: f.mainWH,
		BorrowerID:        "crew-7",
		DueDate:           time.Now().Add(48 * time.Hour),
		ActorID:           "u1",
		Lines:             []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(10)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.LoanStatusActive, issued.Loan.Status)
	require.Len(t, issued.Lines, 1)
	assert.Equal(t, entity.MovementStatusComplete, issued.Movement.Movement.Status)

	e := f.entry(t, f.mainWH, f.drill.ID)
	assert.Zero(t, e.OnHand)
	assert.Equal(t, types.Units(10), e.OnLoan)

	lineID := issued.Lines[0].ID
	partial, err := f.coord.ReturnLoan(ctx, movement.ReturnRequest{
		LoanID:  issued.Loan.ID,
		ActorID: "u1",
		Lines:   []movement.ReturnLineRequest{{LineID: lineID, ReturnedQuantity: types.Units(4)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.LoanStatusPartial, partial.Loan.Status)
	require.Len(t, partial.Warnings, 1)
	assert.Equal(t, types.Units(6), partial.Warnings[0].MissingQuantity)

	_, err = f.coord.ReturnLoan(ctx, movement.ReturnRequest{
		LoanID:  issued.Loan.ID,
		ActorID: "u1",
		Lines:   []movement.ReturnLineRequest{{LineID: lineID, ReturnedQuantity: types.Units(7)}},
	})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeOverReturn), "got %v", err)

	e = f.entry(t, f.mainWH, f.drill.ID)
	assert.Equal(t, types.Units(4), e.OnHand)
	assert.Equal(t, types.Units(6), e.OnLoan)

	closed, err := f.coord.ReturnLoan(ctx, movement.ReturnRequest{
		LoanID:  issued.Loan.ID,
		ActorID: "u1",
		Lines:   []movement.ReturnLineRequest{{LineID: lineID, ReturnedQuantity: types.Units(6)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.LoanStatusClosed, closed.Loan.Status)
	assert.Empty(t, closed.Warnings)
	assert.Equal(t, entity.MovementStatusComplete, closed.Movement.Movement.Status)

	e = f.entry(t, f.mainWH, f.drill.ID)
	assert.Equal(t, types.Units(10), e.OnHand)
	assert.Zero(t, e.OnLoan)

	// The first, partial return is settled once the loan closes.
	first, err := f.coord.GetMovement(ctx, partial.Movement.Movement.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.MovementStatusComplete, first.Movement.Status)

	_, err = f.coord.ReturnLoan(ctx, movement.ReturnRequest{
		LoanID:  issued.Loan.ID,
		ActorID: "u1",
		Lines:   []movement.ReturnLineRequest{{LineID: lineID, ReturnedQuantity: types.Units(1)}},
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict), "got %v", err)
}

func TestIssueLoan_ConsumablesAreConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-M", f.mainWH, f.drill, 2)
	f.receive(t, "PO-N", f.mainWH, f.cable, 30)

	issued, err := f.coord.IssueLoan(ctx, movement.LoanRequest{
		OriginWarehouseID: f.mainWH,
		BorrowerID:        "crew-1",
		DueDate:           time.Now().Add(24 * time.Hour),
		ActorID:           "u1",
		Lines: []movement.LoanLineRequest{
			{ResourceID: f.drill.ID, Quantity: types.Units(1)},
			{ResourceID: f.cable.ID, Quantity: types.Units(12)},
		},
	})
	require.NoError(t, err)
	require.Len(t, issued.Lines, 1)
	assert.Equal(t, f.drill.ID, issued.Lines[0].ResourceID)

	cable := f.entry(t, f.mainWH, f.cable.ID)
	assert.Equal(t, types.Units(18), cable.OnHand)
	assert.Zero(t, cable.OnLoan)
}

func TestIssueLoan_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-R", f.mainWH, f.drill, 1)
	f.receive(t, "PO-S", f.mainWH, f.cable, 1)
	due := time.Now().Add(time.Hour)

	_, err := f.coord.IssueLoan(ctx, movement.LoanRequest{
		OriginWarehouseID: f.mainWH, BorrowerID: "b", DueDate: due, ActorID: "u1",
		Lines: []movement.LoanLineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(1)}},
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "consumable only: %v", err)

	_, err = f.coord.IssueLoan(ctx, movement.LoanRequest{
		OriginWarehouseID: f.mainWH, BorrowerID: "b", DueDate: due, ActorID: "u1",
		Lines: []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(2)}},
	})
	assert.True(t, apperror.IsInsufficientStock(err), "got %v", err)

	loans, err := f.coord.ListLoans(ctx, journal.LoanFilter{})
	require.NoError(t, err)
	assert.Empty(t, loans)
	assert.Equal(t, types.Units(1), f.onHand(t, f.mainWH, f.drill.ID))
}

func TestIssueLoan_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-RP", f.mainWH, f.drill, 3)

	req := movement.LoanRequest{
		IdempotencyKey:    "loan-1",
		OriginWarehouseID: f.mainWH,
		BorrowerID:        "crew-2",
		DueDate:           time.Now().Add(time.Hour).Truncate(time.Second),
		ActorID:           "u1",
		Lines:             []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(2)}},
	}
	first, err := f.coord.IssueLoan(ctx, req)
	require.NoError(t, err)
	second, err := f.coord.IssueLoan(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Loan.ID, second.Loan.ID)
	assert.Equal(t, types.Units(1), f.onHand(t, f.mainWH, f.drill.ID))
}

func TestIssueLoan_CrashDuringCommitKeepsStock(t *testing.T) {
	f := newFixtureWithJournal(t, crashingJournal{memory.NewJournalRepo()})
	ctx := context.Background()
	f.receive(t, "PO-CR", f.mainWH, f.drill, 5)

	assert.Panics(t, func() {
		_, _ = f.coord.IssueLoan(ctx, movement.LoanRequest{
			IdempotencyKey:    "loan-crash",
			OriginWarehouseID: f.mainWH,
			BorrowerID:        "crew-3",
			DueDate:           time.Now().Add(time.Hour),
			ActorID:           "u1",
			Lines:             []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(3)}},
		})
	})

	e := f.entry(t, f.mainWH, f.drill.ID)
	assert.Equal(t, types.Units(5), e.OnHand)
	assert.Zero(t, e.OnLoan)

	f.journalSvc.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	recovered, err := f.journalSvc.RecoverStaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	e = f.entry(t, f.mainWH, f.drill.ID)
	assert.Equal(t, types.Units(5), e.OnHand)
	assert.Zero(t, e.OnLoan)
	loans, err := f.coord.ListLoans(ctx, journal.LoanFilter{})
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestOverdueLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-O", f.mainWH, f.drill, 2)

	_, err := f.coord.IssueLoan(ctx, movement.LoanRequest{
		OriginWarehouseID: f.mainWH, BorrowerID: "late", DueDate: time.Now().Add(time.Hour), ActorID: "u1",
		Lines: []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(1)}},
	})
	require.NoError(t, err)

	overdue, err := f.coord.OverdueLoans(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	overdue, err = f.coord.OverdueLoans(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "late", overdue[0].BorrowerID)
}

func TestCancelMovement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-X", f.mainWH, f.cable, 10)

	tr, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
		OriginWarehouseID:      f.mainWH,
		DestinationWarehouseID: f.siteWH,
		ActorID:                "u1",
		Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(4)}},
	})
	require.NoError(t, err)

	rev, err := f.coord.CancelMovement(ctx, movement.CancelRequest{MovementID: tr.Movement.ID, ActorID: "u1", Reason: "wrong site"})
	require.NoError(t, err)
	require.NotNil(t, rev.Movement.ReversalOf)
	assert.Equal(t, tr.Movement.ID, *rev.Movement.ReversalOf)
	assert.Equal(t, f.siteWH, rev.Detail.OriginWarehouseID)
	assert.Equal(t, types.Units(10), f.onHand(t, f.mainWH, f.cable.ID))
	assert.Zero(t, f.onHand(t, f.siteWH, f.cable.ID))

	_, err = f.coord.CancelMovement(ctx, movement.CancelRequest{MovementID: tr.Movement.ID, ActorID: "u1"})
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict), "second cancel: %v", err)

	_, err = f.coord.CancelMovement(ctx, movement.CancelRequest{MovementID: rev.Movement.ID, ActorID: "u1"})
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict), "cancel of reversal: %v", err)
}

func TestCancelReceptionReducesFulfillment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.receive(t, "PO-Y", f.mainWH, f.cable, 10)

	_, err := f.coord.CancelMovement(ctx, movement.CancelRequest{MovementID: rec.Movement.ID, ActorID: "u1"})
	require.NoError(t, err)
	assert.Zero(t, f.onHand(t, f.mainWH, f.cable.ID))

	// The order can be received again in full.
	again, err := f.coord.PostReception(ctx, movement.ReceptionRequest{
		PurchaseOrderID:        "PO-Y",
		DestinationWarehouseID: f.mainWH,
		ActorID:                "u1",
		Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: types.Units(10)}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.MovementStatusComplete, again.Movement.Status)
}

func TestCancelMovement_RejectsLoanMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-Z", f.mainWH, f.drill, 1)

	issued, err := f.coord.IssueLoan(ctx, movement.LoanRequest{
		OriginWarehouseID: f.mainWH, BorrowerID: "b", DueDate: time.Now().Add(time.Hour), ActorID: "u1",
		Lines: []movement.LoanLineRequest{{ResourceID: f.drill.ID, Quantity: types.Units(1)}},
	})
	require.NoError(t, err)

	_, err = f.coord.CancelMovement(ctx, movement.CancelRequest{MovementID: issued.Movement.Movement.ID, ActorID: "u1"})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "got %v", err)
}

// TestRandomSequencesConserveStock drives seeded random operations and checks
// that stock never goes negative and that transfers conserve quantity.
func TestRandomSequencesConserveStock(t *testing.T) {
	for _, seed := range []int64{1, 7, 42} {
		t.Run("", func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(seed))
			whs := []id.ID{f.mainWH, f.siteWH, id.New()}

			var received, consumed types.Quantity
			for i := 0; i < 200; i++ {
				qty := types.Units(int64(rng.Intn(5) + 1))
				switch rng.Intn(3) {
				case 0:
					po := "PO-" + id.New().String()
					f.catalog.PutOrderLine(po, f.cable.ID, qty)
					_, err := f.coord.PostReception(ctx, movement.ReceptionRequest{
						PurchaseOrderID:        po,
						DestinationWarehouseID: whs[rng.Intn(len(whs))],
						ActorID:                "rng",
						Lines:                  []movement.ReceptionLineRequest{{ResourceID: f.cable.ID, ReceivedQuantity: qty}},
					})
					require.NoError(t, err)
					received += qty
				case 1:
					from := rng.Intn(len(whs))
					to := (from + 1 + rng.Intn(len(whs)-1)) % len(whs)
					_, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
						OriginWarehouseID:      whs[from],
						DestinationWarehouseID: whs[to],
						ActorID:                "rng",
						Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: qty}},
					})
					if err != nil {
						require.True(t, apperror.IsInsufficientStock(err), "got %v", err)
					}
				case 2:
					_, err := f.coord.PostConsumption(ctx, movement.ConsumptionRequest{
						WarehouseID: whs[rng.Intn(len(whs))],
						ActorID:     "rng",
						Lines:       []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: qty}},
					})
					if err == nil {
						consumed += qty
					} else {
						require.True(t, apperror.IsInsufficientStock(err), "got %v", err)
					}
				}
			}

			var total types.Quantity
			for _, e := range f.stock.Snapshot() {
				assert.False(t, e.OnHand.IsNegative())
				assert.False(t, e.OnLoan.IsNegative())
				total += e.OnHand
			}
			assert.Equal(t, received-consumed, total)
		})
	}
}

func TestConcurrentTransfersNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, "PO-CC", f.mainWH, f.cable, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	moved := types.Quantity(0)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.PostTransfer(ctx, movement.TransferRequest{
				OriginWarehouseID:      f.mainWH,
				DestinationWarehouseID: f.siteWH,
				ActorID:                "u1",
				Lines:                  []movement.LineRequest{{ResourceID: f.cable.ID, Quantity: types.Units(1)}},
			})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, l := range res.Lines {
				moved += l.AppliedQuantity
			}
		}()
	}
	wg.Wait()

	main := f.entry(t, f.mainWH, f.cable.ID)
	site := f.entry(t, f.siteWH, f.cable.ID)
	assert.False(t, main.OnHand.IsNegative())
	assert.Equal(t, types.Units(10), main.OnHand+site.OnHand)
	assert.Equal(t, moved, site.OnHand)
}
