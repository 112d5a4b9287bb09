// Package journal provides the MovementJournal: the append-only record of
// movements and loans, with write-ahead staging and idempotency keys.
package journal

import (
	"context"
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// StageStatus is the state of a staging record.
type StageStatus string

const (
	StageStaged    StageStatus = "staged"
	StageCommitted StageStatus = "committed"
)

// Staging is the write-ahead record of a journal append. A movement or loan
// whose staging row is not committed is an orphan and is removed by the
// recovery sweep.
type Staging struct {
	Key         string      `db:"idempotency_key"`
	Operation   string      `db:"operation"`
	RequestHash string      `db:"request_hash"`
	Status      StageStatus `db:"status"`
	MovementID  *id.ID      `db:"movement_id"`
	LoanID      *id.ID      `db:"loan_id"`
	Payload     []byte      `db:"payload"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// LoanFilter narrows ListLoans.
type LoanFilter struct {
	Status     *entity.LoanStatus
	BorrowerID string
	// OverdueAt selects open loans whose due date is before this instant.
	OverdueAt *time.Time
	Limit     int
}

// Repository defines storage operations for the journal.
type Repository interface {
	// Staging

	// InsertStage inserts s unless the key exists; it then returns the
	// existing row and created=false.
	InsertStage(ctx context.Context, s Staging) (Staging, bool, error)
	GetStage(ctx context.Context, key string) (Staging, error)

	// The writes below apply only while the record is still staged with
	// updated_at equal to token. They report false when another writer
	// changed it first.

	TouchStage(ctx context.Context, key string, token, at time.Time) (bool, error)
	AttachStage(ctx context.Context, key string, token time.Time, movementID, loanID *id.ID) (bool, error)
	CommitStage(ctx context.Context, key string, token, at time.Time) (bool, error)
	DeleteStage(ctx context.Context, key string, token time.Time) (bool, error)

	ListStaleStages(ctx context.Context, before time.Time, limit int) ([]Staging, error)
	DeleteCommittedStages(ctx context.Context, before time.Time) (int64, error)

	// Movements

	InsertMovement(ctx context.Context, m entity.Movement) error
	InsertDetail(ctx context.Context, d entity.MovementDetail) error
	InsertLines(ctx context.Context, lines []entity.MovementLine) error
	// DeleteMovement removes an uncommitted movement with its detail and lines.
	DeleteMovement(ctx context.Context, movementID id.ID) error

	GetMovement(ctx context.Context, movementID id.ID) (entity.Movement, error)
	GetDetail(ctx context.Context, movementID id.ID) (entity.MovementDetail, error)
	GetLines(ctx context.Context, detailID id.ID) ([]entity.MovementLine, error)

	UpdateLinePosting(ctx context.Context, lineID id.ID, state entity.PostingState, applied types.Quantity, postingErr *string) error
	// PromoteMovement moves PARTIAL to COMPLETE; reports whether a row changed.
	PromoteMovement(ctx context.Context, movementID id.ID, at time.Time) (bool, error)

	// NetAccepted sums accepted quantity for a source document and resource,
	// IN lines positive and OUT lines negative.
	NetAccepted(ctx context.Context, kind entity.SourceKind, sourceRef string, resourceID id.ID) (types.Quantity, error)
	// LockSource holds a lock on a source document until the surrounding
	// transaction ends.
	LockSource(ctx context.Context, kind entity.SourceKind, sourceRef string) error
	ListMovementsBySource(ctx context.Context, kind entity.SourceKind, sourceRef string, status *entity.MovementStatus) ([]entity.Movement, error)
	FindReversal(ctx context.Context, movementID id.ID) (*entity.Movement, error)

	// Loans

	InsertLoan(ctx context.Context, loan entity.Loan) error
	InsertLoanLines(ctx context.Context, lines []entity.LoanLine) error
	DeleteLoan(ctx context.Context, loanID id.ID) error
	GetLoan(ctx context.Context, loanID id.ID) (entity.Loan, error)
	GetLoanLines(ctx context.Context, loanID id.ID) ([]entity.LoanLine, error)
	// IncrementLoanReturn adds delta to returned_quantity only if the result
	// stays within issued_quantity; otherwise it returns an OVER_RETURN AppError.
	IncrementLoanReturn(ctx context.Context, loanID, lineID id.ID, delta types.Quantity) (entity.LoanLine, error)
	UpdateLoanStatus(ctx context.Context, loanID id.ID, status entity.LoanStatus, at time.Time) error
	ListLoans(ctx context.Context, filter LoanFilter) ([]entity.Loan, error)
}
