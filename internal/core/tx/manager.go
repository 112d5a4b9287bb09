// Package tx provides transaction management abstractions.
// Domain services depend on Manager; the Postgres implementation lives in
// infrastructure/storage/postgres and the in-memory one in storage/memory.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ManagerFunc adapts a function to Manager.
type ManagerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f ManagerFunc) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Passthrough runs fn directly. Backends without transactions use it and
// rely on the journal's staging records for atomicity.
var Passthrough Manager = ManagerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

// Atomic is implemented by managers whose rollback undoes every write made
// under RunInTransaction.
type Atomic interface {
	Atomic() bool
}

// IsAtomic reports whether m rolls back writes. Callers on other managers
// compensate by hand.
func IsAtomic(m Manager) bool {
	a, ok := m.(Atomic)
	return ok && a.Atomic()
}
