// Package memory provides in-process implementations of the ledger's
// repositories. They back the "memory" storage driver and the tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
)

var _ stock.Repository = (*StockRepo)(nil)

type stockKey struct {
	warehouseID id.ID
	resourceID  id.ID
}

// StockRepo is a thread-safe stock.Repository.
type StockRepo struct {
	mu      sync.RWMutex
	entries map[stockKey]entity.StockEntry
	now     func() time.Time
}

// NewStockRepo creates an empty stock repository.
func NewStockRepo() *StockRepo {
	return &StockRepo{
		entries: make(map[stockKey]entity.StockEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *StockRepo) Get(_ context.Context, warehouseID, resourceID id.ID) (entity.StockEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[stockKey{warehouseID, resourceID}]; ok {
		return e, nil
	}
	return entity.ZeroStockEntry(warehouseID, resourceID), nil
}

func (r *StockRepo) ApplyDelta(_ context.Context, warehouseID, resourceID id.ID, onHandDelta, onLoanDelta types.Quantity, expectedVersion int64) (entity.StockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := stockKey{warehouseID, resourceID}
	current, ok := r.entries[k]
	if !ok {
		current = entity.ZeroStockEntry(warehouseID, resourceID)
	}
	if current.Version != expectedVersion {
		return entity.StockEntry{}, stock.ErrVersionConflict
	}

	next := current
	next.OnHand += onHandDelta
	next.OnLoan += onLoanDelta
	if next.OnHand.IsNegative() {
		return entity.StockEntry{}, apperror.NewInsufficientStock(
			warehouseID.String(), resourceID.String(),
			onHandDelta.Neg().Float64(), current.OnHand.Float64(),
		)
	}
	if next.OnLoan.IsNegative() {
		return entity.StockEntry{}, apperror.NewInsufficientStock(
			warehouseID.String(), resourceID.String(),
			onLoanDelta.Neg().Float64(), current.OnLoan.Float64(),
		).WithDetail("bucket", "on_loan")
	}
	next.Version++
	next.UpdatedAt = r.now()

	r.entries[k] = next
	return next, nil
}

func (r *StockRepo) ListByWarehouse(_ context.Context, warehouseID id.ID, filter stock.ListFilter) ([]entity.StockEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var only map[id.ID]bool
	if len(filter.ResourceIDs) > 0 {
		only = make(map[id.ID]bool, len(filter.ResourceIDs))
		for _, rid := range filter.ResourceIDs {
			only[rid] = true
		}
	}

	out := make([]entity.StockEntry, 0)
	for k, e := range r.entries {
		if k.warehouseID != warehouseID {
			continue
		}
		if only != nil && !only[k.resourceID] {
			continue
		}
		if filter.ExcludeZero && e.OnHand.IsZero() && e.OnLoan.IsZero() {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResourceID.String() < out[j].ResourceID.String()
	})
	return out, nil
}

// Snapshot returns every stored entry. Used by consistency checks.
func (r *StockRepo) Snapshot() []entity.StockEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entity.StockEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
