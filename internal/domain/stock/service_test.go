package stock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// fakeRepo is a single-goroutine stock repository that can inject version
// conflicts.
type fakeRepo struct {
	mu        sync.Mutex
	entries   map[[2]id.ID]entity.StockEntry
	conflicts int // remaining ApplyDelta calls that report a conflict
	applies   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[[2]id.ID]entity.StockEntry)}
}

func (r *fakeRepo) Get(_ context.Context, wh, res id.ID) (entity.StockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[[2]id.ID{wh, res}]; ok {
		return e, nil
	}
	return entity.ZeroStockEntry(wh, res), nil
}

func (r *fakeRepo) ApplyDelta(_ context.Context, wh, res id.ID, onHand, onLoan types.Quantity, expected int64) (entity.StockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies++
	if r.conflicts > 0 {
		r.conflicts--
		return entity.StockEntry{}, ErrVersionConflict
	}
	e, ok := r.entries[[2]id.ID{wh, res}]
	if !ok {
		e = entity.ZeroStockEntry(wh, res)
	}
	if e.Version != expected {
		return entity.StockEntry{}, ErrVersionConflict
	}
	e.OnHand += onHand
	e.OnLoan += onLoan
	if e.OnHand < 0 || e.OnLoan < 0 {
		return entity.StockEntry{}, apperror.NewInsufficientStock(wh.String(), res.String(), 0, 0)
	}
	e.Version++
	r.entries[[2]id.ID{wh, res}] = e
	return e, nil
}

func (r *fakeRepo) ListByWarehouse(_ context.Context, wh id.ID, _ ListFilter) ([]entity.StockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.StockEntry
	for k, e := range r.entries {
		if k[0] == wh {
			out = append(out, e)
		}
	}
	return out, nil
}

func fastOptions() Options {
	return Options{Attempts: MaxAttempts, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestAdjust_AppliesAndBumpsVersion(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, fastOptions())
	wh, res := id.New(), id.New()

	e, err := svc.Adjust(context.Background(), Delta{WarehouseID: wh, ResourceID: res, OnHand: types.Units(5)})
	require.NoError(t, err)
	assert.Equal(t, types.Units(5), e.OnHand)
	assert.Equal(t, int64(1), e.Version)

	e, err = svc.Adjust(context.Background(), Delta{WarehouseID: wh, ResourceID: res, OnHand: types.Units(-2), OnLoan: types.Units(2)})
	require.NoError(t, err)
	assert.Equal(t, types.Units(3), e.OnHand)
	assert.Equal(t, types.Units(2), e.OnLoan)
	assert.Equal(t, int64(2), e.Version)
}

func TestAdjust_RetriesConflicts(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 2
	svc := NewService(repo, fastOptions())

	_, err := svc.Adjust(context.Background(), Delta{WarehouseID: id.New(), ResourceID: id.New(), OnHand: types.Units(1)})
	require.NoError(t, err)
	assert.Equal(t, 3, repo.applies)
}

func TestAdjust_ExhaustedRetriesSurfaceConcurrentModification(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 10
	svc := NewService(repo, fastOptions())

	_, err := svc.Adjust(context.Background(), Delta{WarehouseID: id.New(), ResourceID: id.New(), OnHand: types.Units(1)})
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, MaxAttempts, repo.applies)
}

func TestAdjust_InsufficientIsNotRetried(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, fastOptions())

	_, err := svc.Adjust(context.Background(), Delta{WarehouseID: id.New(), ResourceID: id.New(), OnHand: types.Units(-1)})
	assert.True(t, apperror.IsInsufficientStock(err))
	assert.Equal(t, 1, repo.applies)
}

func TestAdjust_StopsOnCancelledContext(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 10
	svc := NewService(repo, Options{Attempts: 3, Backoff: time.Second, MaxBackoff: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Adjust(ctx, Delta{WarehouseID: id.New(), ResourceID: id.New(), OnHand: types.Units(1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, repo.applies)
}

func TestNewService_ClampsAttempts(t *testing.T) {
	for _, attempts := range []int{0, -1, 7} {
		svc := NewService(newFakeRepo(), Options{Attempts: attempts})
		assert.Equal(t, MaxAttempts, svc.opts.Attempts)
	}
	assert.Equal(t, 1, NewService(newFakeRepo(), Options{Attempts: 1}).opts.Attempts)
}

func TestCheck_AggregatesPerKey(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, fastOptions())
	ctx := context.Background()
	wh, res := id.New(), id.New()

	_, err := svc.Adjust(ctx, Delta{WarehouseID: wh, ResourceID: res, OnHand: types.Units(5)})
	require.NoError(t, err)

	err = svc.Check(ctx, []Requirement{
		{Line: 0, WarehouseID: wh, ResourceID: res, OnHand: types.Units(3)},
		{Line: 1, WarehouseID: wh, ResourceID: res, OnHand: types.Units(2)},
	})
	require.NoError(t, err)

	err = svc.Check(ctx, []Requirement{
		{Line: 0, WarehouseID: wh, ResourceID: res, OnHand: types.Units(3)},
		{Line: 1, WarehouseID: wh, ResourceID: res, OnHand: types.Units(3)},
	})
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInsufficientStock, appErr.Code)
	assert.Equal(t, 0, appErr.Details["line"])
	assert.Equal(t, 6.0, appErr.Details["requested"])
	assert.Equal(t, 5.0, appErr.Details["available"])
}

func TestCheck_OnLoanBucket(t *testing.T) {
	svc := NewService(newFakeRepo(), fastOptions())

	err := svc.Check(context.Background(), []Requirement{
		{Line: 2, WarehouseID: id.New(), ResourceID: id.New(), OnLoan: types.Units(1)},
	})
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "on_loan", appErr.Details["bucket"])
	assert.Equal(t, 2, appErr.Details["line"])
}

func TestDelta_Inverse(t *testing.T) {
	d := Delta{WarehouseID: id.New(), ResourceID: id.New(), OnHand: types.Units(-3), OnLoan: types.Units(3)}
	inv := d.Inverse()
	assert.Equal(t, types.Units(3), inv.OnHand)
	assert.Equal(t, types.Units(-3), inv.OnLoan)
	assert.Equal(t, d.WarehouseID, inv.WarehouseID)
}
