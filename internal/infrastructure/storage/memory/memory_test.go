package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/memory"
)

func TestCatalog_Load(t *testing.T) {
	ctx := context.Background()
	drill := catalog.Resource{ID: id.New(), Code: "DRL-01", Name: "Hammer drill", IsReturnable: true}
	cable := catalog.Resource{ID: id.New(), Code: "CBL-3x2.5", Name: "Cable 3x2.5"}

	c := memory.NewCatalog()
	c.Load(catalog.Seed{
		Resources: []catalog.Resource{drill, cable},
		PurchaseOrders: []catalog.PurchaseOrder{{
			ID:    "PO-7",
			Lines: []catalog.OrderLine{{ResourceID: cable.ID, OrderedQuantity: types.Units(100)}},
		}},
	})

	got, err := c.Lookup(ctx, drill.ID)
	require.NoError(t, err)
	assert.Equal(t, "DRL-01", got.Code)
	assert.Equal(t, catalog.Returnable, got.Policy())

	q, err := c.GetOrderedQuantity(ctx, "PO-7", cable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Units(100), q)

	_, err = c.GetOrderedQuantity(ctx, "PO-7", drill.ID)
	assert.True(t, apperror.IsNotFound(err))

	_, err = c.Lookup(ctx, id.New())
	assert.True(t, apperror.IsNotFound(err))
}

func TestStockRepo_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStockRepo()
	wh, res := id.New(), id.New()

	e, err := repo.ApplyDelta(ctx, wh, res, types.Units(5), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)

	_, err = repo.ApplyDelta(ctx, wh, res, types.Units(1), 0, 0)
	assert.ErrorIs(t, err, stock.ErrVersionConflict)

	_, err = repo.ApplyDelta(ctx, wh, res, types.Units(-6), 0, 1)
	assert.True(t, apperror.IsInsufficientStock(err))

	_, err = repo.ApplyDelta(ctx, wh, res, 0, types.Units(-1), 1)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "on_loan", appErr.Details["bucket"])

	e, err = repo.Get(ctx, wh, res)
	require.NoError(t, err)
	assert.Equal(t, types.Units(5), e.OnHand)
	assert.Equal(t, int64(1), e.Version)
}

func TestStockRepo_ListByWarehouse(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStockRepo()
	wh := id.New()
	a, b := id.New(), id.New()

	_, err := repo.ApplyDelta(ctx, wh, a, types.Units(2), 0, 0)
	require.NoError(t, err)
	_, err = repo.ApplyDelta(ctx, wh, b, types.Units(1), 0, 0)
	require.NoError(t, err)
	_, err = repo.ApplyDelta(ctx, wh, b, types.Units(-1), 0, 1)
	require.NoError(t, err)
	_, err = repo.ApplyDelta(ctx, id.New(), a, types.Units(9), 0, 0)
	require.NoError(t, err)

	all, err := repo.ListByWarehouse(ctx, wh, stock.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	nonZero, err := repo.ListByWarehouse(ctx, wh, stock.ListFilter{ExcludeZero: true})
	require.NoError(t, err)
	require.Len(t, nonZero, 1)
	assert.Equal(t, a, nonZero[0].ResourceID)

	only, err := repo.ListByWarehouse(ctx, wh, stock.ListFilter{ResourceIDs: []id.ID{b}})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, b, only[0].ResourceID)
}

func TestOutbox_Drain(t *testing.T) {
	o := memory.NewOutbox()
	require.NoError(t, o.Publish(context.Background(),
		events.Event{EventType: events.MovementPosted},
		events.Event{EventType: events.LoanIssued},
	))

	assert.Len(t, o.Events(), 2)
	assert.Len(t, o.Drain(), 2)
	assert.Empty(t, o.Drain())
}
