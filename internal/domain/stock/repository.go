// Package stock provides the StockStore: the per-(warehouse, resource)
// quantity ledger and the only place concurrent movements interact.
package stock

import (
	"context"
	"errors"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// ErrVersionConflict is returned by ApplyDelta when the stored version does
// not match the expected one.
var ErrVersionConflict = errors.New("stock entry version conflict")

// Repository defines storage operations for stock entries.
type Repository interface {
	// Get returns the entry, or a zero entry with version 0 if none exists.
	Get(ctx context.Context, warehouseID, resourceID id.ID) (entity.StockEntry, error)

	// ApplyDelta atomically adds the deltas and bumps the version.
	// expectedVersion 0 creates the entry lazily.
	// Returns ErrVersionConflict on version mismatch and an
	// INSUFFICIENT_STOCK AppError if either quantity would go negative.
	ApplyDelta(ctx context.Context, warehouseID, resourceID id.ID, onHandDelta, onLoanDelta types.Quantity, expectedVersion int64) (entity.StockEntry, error)

	// ListByWarehouse returns entries for a warehouse ordered by resource.
	ListByWarehouse(ctx context.Context, warehouseID id.ID, filter ListFilter) ([]entity.StockEntry, error)
}

// ListFilter narrows ListByWarehouse.
type ListFilter struct {
	ResourceIDs []id.ID
	ExcludeZero bool
}
