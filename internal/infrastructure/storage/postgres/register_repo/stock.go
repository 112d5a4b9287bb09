// Package register_repo provides the PostgreSQL StockStore.
package register_repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

const stockEntriesTable = "stock_entries"

var stockColumns = postgres.ExtractDBColumns[entity.StockEntry]()

var _ stock.Repository = (*StockRepo)(nil)

// StockRepo implements stock.Repository over stock_entries.
//
// ApplyDelta never lets a CHECK constraint fire: the non-negativity and
// version conditions are part of the WHERE clause, so a rejected delta
// leaves the surrounding transaction usable.
type StockRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewStockRepo creates a new stock repository.
func NewStockRepo(txm *postgres.TxManager) *StockRepo {
	return &StockRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the entry, or a zero entry if the key was never touched.
func (r *StockRepo) Get(ctx context.Context, warehouseID, resourceID id.ID) (entity.StockEntry, error) {
	q := r.builder.Select(stockColumns...).
		From(stockEntriesTable).
		Where(squirrel.Eq{"warehouse_id": warehouseID, "resource_id": resourceID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return entity.StockEntry{}, fmt.Errorf("build query: %w", err)
	}

	var e entity.StockEntry
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &e, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.ZeroStockEntry(warehouseID, resourceID), nil
		}
		return entity.StockEntry{}, fmt.Errorf("get stock entry: %w", err)
	}
	return e, nil
}

// ApplyDelta adds the deltas if the stored version is expectedVersion.
func (r *StockRepo) ApplyDelta(ctx context.Context, warehouseID, resourceID id.ID, onHandDelta, onLoanDelta types.Quantity, expectedVersion int64) (entity.StockEntry, error) {
	if expectedVersion == 0 && (onHandDelta.IsNegative() || onLoanDelta.IsNegative()) {
		return entity.StockEntry{}, r.rejection(ctx, warehouseID, resourceID, onHandDelta, onLoanDelta, expectedVersion)
	}

	var q squirrel.Sqlizer
	if expectedVersion == 0 {
		q = r.insertEntry(warehouseID, resourceID, onHandDelta, onLoanDelta)
	} else {
		q = r.updateEntry(warehouseID, resourceID, onHandDelta, onLoanDelta, expectedVersion)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return entity.StockEntry{}, fmt.Errorf("build apply delta: %w", err)
	}

	var e entity.StockEntry
	err = pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &e, sql, args...)
	if err == nil {
		return e, nil
	}
	if !pgxscan.NotFound(err) {
		return entity.StockEntry{}, fmt.Errorf("apply stock delta: %w", err)
	}
	return entity.StockEntry{}, r.rejection(ctx, warehouseID, resourceID, onHandDelta, onLoanDelta, expectedVersion)
}

// insertEntry creates the entry for its first movement. A concurrent
// creator makes the insert a no-op, which reads as a version conflict.
func (r *StockRepo) insertEntry(warehouseID, resourceID id.ID, onHand, onLoan types.Quantity) squirrel.InsertBuilder {
	return r.builder.Insert(stockEntriesTable).
		Columns("warehouse_id", "resource_id", "on_hand", "on_loan", "version", "updated_at").
		Values(warehouseID, resourceID, onHand.Int64Scaled(), onLoan.Int64Scaled(), 1, r.now()).
		Suffix("ON CONFLICT (warehouse_id, resource_id) DO NOTHING RETURNING " + strings.Join(stockColumns, ", "))
}

func (r *StockRepo) updateEntry(warehouseID, resourceID id.ID, onHand, onLoan types.Quantity, expectedVersion int64) squirrel.UpdateBuilder {
	return r.builder.Update(stockEntriesTable).
		Set("on_hand", squirrel.Expr("on_hand + ?", onHand.Int64Scaled())).
		Set("on_loan", squirrel.Expr("on_loan + ?", onLoan.Int64Scaled())).
		Set("version", squirrel.Expr("version + 1")).
		Set("updated_at", r.now()).
		Where(squirrel.Eq{
			"warehouse_id": warehouseID,
			"resource_id":  resourceID,
			"version":      expectedVersion,
		}).
		Where(squirrel.Expr("on_hand + ? >= 0", onHand.Int64Scaled())).
		Where(squirrel.Expr("on_loan + ? >= 0", onLoan.Int64Scaled())).
		Suffix("RETURNING " + strings.Join(stockColumns, ", "))
}

// rejection explains why a delta matched no row.
func (r *StockRepo) rejection(ctx context.Context, warehouseID, resourceID id.ID, onHand, onLoan types.Quantity, expectedVersion int64) error {
	current, err := r.Get(ctx, warehouseID, resourceID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return stock.ErrVersionConflict
	}
	if (current.OnHand + onHand).IsNegative() {
		return apperror.NewInsufficientStock(
			warehouseID.String(), resourceID.String(),
			onHand.Neg().Float64(), current.OnHand.Float64(),
		)
	}
	if (current.OnLoan + onLoan).IsNegative() {
		return apperror.NewInsufficientStock(
			warehouseID.String(), resourceID.String(),
			onLoan.Neg().Float64(), current.OnLoan.Float64(),
		).WithDetail("bucket", "on_loan")
	}
	// The row moved between the write and this read.
	return stock.ErrVersionConflict
}

// ListByWarehouse returns entries for a warehouse ordered by resource.
func (r *StockRepo) ListByWarehouse(ctx context.Context, warehouseID id.ID, filter stock.ListFilter) ([]entity.StockEntry, error) {
	sql, args, err := r.listQuery(warehouseID, filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	entries := make([]entity.StockEntry, 0)
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("select stock entries: %w", err)
	}
	return entries, nil
}

func (r *StockRepo) listQuery(warehouseID id.ID, filter stock.ListFilter) squirrel.SelectBuilder {
	q := r.builder.Select(stockColumns...).
		From(stockEntriesTable).
		Where(squirrel.Eq{"warehouse_id": warehouseID})

	if len(filter.ResourceIDs) > 0 {
		q = q.Where(squirrel.Eq{"resource_id": filter.ResourceIDs})
	}
	if filter.ExcludeZero {
		q = q.Where(squirrel.Or{
			squirrel.NotEq{"on_hand": int64(0)},
			squirrel.NotEq{"on_loan": int64(0)},
		})
	}
	return q.OrderBy("resource_id")
}
