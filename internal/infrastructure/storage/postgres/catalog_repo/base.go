// Package catalog_repo provides PostgreSQL implementations of the read-only
// catalog collaborators. The tables are owned by the catalog system and
// replicated into the ledger database.
package catalog_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/infrastructure/storage/postgres"
)

// BaseReadRepo provides lookups for a read-only table.
// Embed this in specific catalog repositories.
type BaseReadRepo[T any] struct {
	txm        *postgres.TxManager
	tableName  string
	selectCols []string
}

// NewBaseReadRepo creates a new base read repository.
func NewBaseReadRepo[T any](txm *postgres.TxManager, tableName string, selectCols []string) *BaseReadRepo[T] {
	return &BaseReadRepo[T]{
		txm:        txm,
		tableName:  tableName,
		selectCols: selectCols,
	}
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func (r *BaseReadRepo[T]) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *BaseReadRepo[T]) baseSelect() squirrel.SelectBuilder {
	return r.Builder().Select(r.selectCols...).From(r.tableName)
}

// FindOne returns the single row matching where. key names the row in a
// NOT_FOUND error.
func (r *BaseReadRepo[T]) FindOne(ctx context.Context, where squirrel.Sqlizer, key any) (T, error) {
	var entity T

	sql, args, err := r.baseSelect().Where(where).Limit(1).ToSql()
	if err != nil {
		return entity, fmt.Errorf("build query: %w", err)
	}

	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &entity, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity, apperror.NewNotFound(r.tableName, key)
		}
		return entity, fmt.Errorf("get %s: %w", r.tableName, err)
	}

	return entity, nil
}
