package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// MaxAttempts is the upper bound on read-modify-write attempts per delta.
const MaxAttempts = 3

// Options configures the conflict retry loop.
type Options struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultOptions returns 3 attempts with 10ms doubling backoff capped at 100ms.
func DefaultOptions() Options {
	return Options{
		Attempts:   MaxAttempts,
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	}
}

// Delta is a signed change to one stock entry.
type Delta struct {
	WarehouseID id.ID
	ResourceID  id.ID
	OnHand      types.Quantity
	OnLoan      types.Quantity
}

// Inverse returns the compensating delta.
func (d Delta) Inverse() Delta {
	return Delta{
		WarehouseID: d.WarehouseID,
		ResourceID:  d.ResourceID,
		OnHand:      -d.OnHand,
		OnLoan:      -d.OnLoan,
	}
}

// Requirement is one line of an availability pre-check.
type Requirement struct {
	Line        int
	WarehouseID id.ID
	ResourceID  id.ID
	OnHand      types.Quantity
	OnLoan      types.Quantity
}

// Service provides business operations for the StockStore.
type Service struct {
	repo Repository
	opts Options
}

// NewService creates a new stock service. Attempts is clamped to 1..3.
func NewService(repo Repository, opts Options) *Service {
	if opts.Attempts < 1 || opts.Attempts > MaxAttempts {
		opts.Attempts = MaxAttempts
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	return &Service{repo: repo, opts: opts}
}

// Get returns the entry for a key; a zero entry if none exists.
func (s *Service) Get(ctx context.Context, warehouseID, resourceID id.ID) (entity.StockEntry, error) {
	entry, err := s.repo.Get(ctx, warehouseID, resourceID)
	if err != nil {
		return entity.StockEntry{}, fmt.Errorf("get stock entry: %w", err)
	}
	return entry, nil
}

// ApplyDelta applies a delta against an explicit expected version without
// retrying.
func (s *Service) ApplyDelta(ctx context.Context, warehouseID, resourceID id.ID, onHandDelta, onLoanDelta types.Quantity, expectedVersion int64) (entity.StockEntry, error) {
	return s.repo.ApplyDelta(ctx, warehouseID, resourceID, onHandDelta, onLoanDelta, expectedVersion)
}

// Adjust reads the current version and applies d, retrying on version
// conflicts. After the last attempt the conflict surfaces as
// CONCURRENT_MODIFICATION.
func (s *Service) Adjust(ctx context.Context, d Delta) (entity.StockEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		current, err := s.repo.Get(ctx, d.WarehouseID, d.ResourceID)
		if err != nil {
			return entity.StockEntry{}, fmt.Errorf("get stock entry: %w", err)
		}

		updated, err := s.repo.ApplyDelta(ctx, d.WarehouseID, d.ResourceID, d.OnHand, d.OnLoan, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return entity.StockEntry{}, err
		}
		lastErr = err

		if attempt < s.opts.Attempts {
			logger.Debug(ctx, "stock version conflict, retrying",
				"warehouse_id", d.WarehouseID,
				"resource_id", d.ResourceID,
				"attempt", attempt,
			)
			if err := s.wait(ctx, attempt); err != nil {
				return entity.StockEntry{}, err
			}
		}
	}

	logger.Warn(ctx, "stock version conflict retries exhausted",
		"warehouse_id", d.WarehouseID,
		"resource_id", d.ResourceID,
		"attempts", s.opts.Attempts,
	)
	return entity.StockEntry{}, apperror.NewConcurrentModification("stock_entry",
		d.WarehouseID.String()+"/"+d.ResourceID.String()).WithCause(lastErr)
}

func (s *Service) wait(ctx context.Context, attempt int) error {
	delay := s.opts.Backoff << (attempt - 1)
	if delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Check is the advisory availability pre-check. Requirements on the same
// key are summed before comparing against the current snapshot.
func (s *Service) Check(ctx context.Context, reqs []Requirement) error {
	type key struct{ wh, res id.ID }
	need := make(map[key]Requirement, len(reqs))
	order := make([]key, 0, len(reqs))

	for _, r := range reqs {
		k := key{r.WarehouseID, r.ResourceID}
		acc, seen := need[k]
		if !seen {
			order = append(order, k)
			acc = Requirement{Line: r.Line, WarehouseID: r.WarehouseID, ResourceID: r.ResourceID}
		}
		acc.OnHand += r.OnHand
		acc.OnLoan += r.OnLoan
		need[k] = acc
	}

	for _, k := range order {
		req := need[k]
		entry, err := s.Get(ctx, k.wh, k.res)
		if err != nil {
			return err
		}
		if entry.OnHand < req.OnHand {
			return apperror.NewInsufficientStock(
				k.wh.String(), k.res.String(),
				req.OnHand.Float64(), entry.OnHand.Float64(),
			).WithLine(req.Line)
		}
		if entry.OnLoan < req.OnLoan {
			return apperror.NewInsufficientStock(
				k.wh.String(), k.res.String(),
				req.OnLoan.Float64(), entry.OnLoan.Float64(),
			).WithLine(req.Line).WithDetail("bucket", "on_loan")
		}
	}
	return nil
}

// ListByWarehouse returns the non-zero entries of a warehouse.
func (s *Service) ListByWarehouse(ctx context.Context, warehouseID id.ID) ([]entity.StockEntry, error) {
	return s.repo.ListByWarehouse(ctx, warehouseID, ListFilter{ExcludeZero: true})
}
