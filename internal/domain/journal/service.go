package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// generatedKeyPrefix marks staging keys created for requests that carried no
// idempotency key. Such keys never deduplicate.
const generatedKeyPrefix = "auto:"

// Record is a movement with its detail and lines, plus the loan it created
// when the movement is a loan issuance.
type Record struct {
	Movement  entity.Movement       `json:"movement"`
	Detail    entity.MovementDetail `json:"detail"`
	Lines     []entity.MovementLine `json:"lines"`
	Loan      *entity.Loan          `json:"loan,omitempty"`
	LoanLines []entity.LoanLine     `json:"loanLines,omitempty"`

	// Limits caps, per resource, the net accepted quantity of the source
	// document including this record. Commit enforces it under a lock on
	// the source document.
	Limits map[id.ID]types.Quantity `json:"-"`
}

// LoanRecord is a loan with its lines.
type LoanRecord struct {
	Loan  entity.Loan       `json:"loan"`
	Lines []entity.LoanLine `json:"lines"`
}

// Line returns the loan line with the given id.
func (r LoanRecord) Line(lineID id.ID) (entity.LoanLine, bool) {
	for _, l := range r.Lines {
		if l.ID == lineID {
			return l, true
		}
	}
	return entity.LoanLine{}, false
}

// Stage is an acquired staging record held across the work of one request.
type Stage struct {
	Key       string
	Operation string

	// token is the staging record's updated_at as last written by this
	// holder. Writes under a stale token are refused.
	token time.Time
}

// Generated reports whether the key was generated rather than caller-supplied.
func (s *Stage) Generated() bool {
	return strings.HasPrefix(s.Key, generatedKeyPrefix)
}

// Replay points at the records a previous request with the same key created.
type Replay struct {
	Key        string
	MovementID *id.ID
	LoanID     *id.ID
}

// Options configures staging behavior.
type Options struct {
	// StaleAfter is how long a staged record may stay uncommitted before it
	// is considered abandoned.
	StaleAfter time.Duration
	// SweepBatch limits how many stale stages one recovery pass handles.
	SweepBatch int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		StaleAfter: time.Minute,
		SweepBatch: 100,
	}
}

// Service provides journal operations.
type Service struct {
	repo Repository
	txm  tx.Manager
	opts Options
	now  func() time.Time
}

// NewService creates a new journal service.
func NewService(repo Repository, txm tx.Manager, opts Options) *Service {
	if txm == nil {
		txm = tx.Passthrough
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultOptions().SweepBatch
	}
	return &Service{
		repo: repo,
		txm:  txm,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// stamp is the time written to staging records. Truncated to the storage
// precision so it can be compared on the way back.
func (s *Service) stamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Begin acquires a staging record for key.
//
// Returns:
//   - (stage, nil, nil) if the key was acquired
//   - (nil, replay, nil) if the key was committed by an identical request
//   - (nil, nil, error) on a payload mismatch or while another request holds it
//
// An empty key acquires a generated one; no deduplication takes place.
func (s *Service) Begin(ctx context.Context, key, operation, requestHash string, payload []byte) (*Stage, *Replay, error) {
	if key == "" {
		key = generatedKeyPrefix + id.New().String()
	}
	now := s.stamp()

	existing, created, err := s.repo.InsertStage(ctx, Staging{
		Key:         key,
		Operation:   operation,
		RequestHash: requestHash,
		Status:      StageStaged,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("insert staging record: %w", err)
	}
	if created {
		return &Stage{Key: key, Operation: operation, token: now}, nil, nil
	}

	if existing.Operation != operation || existing.RequestHash != requestHash {
		return nil, nil, apperror.NewIdempotencyMismatch(key).
			WithDetail("stored_operation", existing.Operation).
			WithDetail("request_operation", operation)
	}

	switch existing.Status {
	case StageCommitted:
		return nil, &Replay{Key: key, MovementID: existing.MovementID, LoanID: existing.LoanID}, nil

	case StageStaged:
		if now.Sub(existing.UpdatedAt) <= s.opts.StaleAfter {
			return nil, nil, apperror.NewIdempotencyConflict(key)
		}
		// Claim the abandoned key, then discard what it left behind.
		claimed, err := s.repo.TouchStage(ctx, key, existing.UpdatedAt, now)
		if err != nil {
			return nil, nil, fmt.Errorf("reclaim staging record: %w", err)
		}
		if !claimed {
			return nil, nil, apperror.NewIdempotencyConflict(key)
		}
		if err := s.discardOrphans(ctx, existing); err != nil {
			return nil, nil, err
		}
		logger.Info(ctx, "reclaimed stale staging record", "idempotency_key", key, "operation", operation)
		return &Stage{Key: key, Operation: operation, token: now}, nil, nil
	}

	return nil, nil, fmt.Errorf("staging record %s has unknown status %q", key, existing.Status)
}

// Commit writes the movement, detail, lines and optional loan, then marks
// the staging record committed. On error nothing is committed; the caller
// should Abort the stage.
func (s *Service) Commit(ctx context.Context, stage *Stage, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	var loanID *id.ID
	if rec.Loan != nil {
		loanID = &rec.Loan.ID
	}
	movementID := rec.Movement.ID

	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.enforceLimits(ctx, rec); err != nil {
			return err
		}
		held, err := s.repo.AttachStage(ctx, stage.Key, stage.token, &movementID, loanID)
		if err != nil {
			return fmt.Errorf("attach staging record: %w", err)
		}
		if !held {
			return apperror.NewIdempotencyConflict(stage.Key)
		}
		if err := s.repo.InsertMovement(ctx, rec.Movement); err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
		if err := s.repo.InsertDetail(ctx, rec.Detail); err != nil {
			return fmt.Errorf("insert movement detail: %w", err)
		}
		if err := s.repo.InsertLines(ctx, rec.Lines); err != nil {
			return fmt.Errorf("insert movement lines: %w", err)
		}
		if rec.Loan != nil {
			if _, err := s.AppendLoan(ctx, *rec.Loan, rec.LoanLines); err != nil {
				return err
			}
		}
		held, err = s.repo.CommitStage(ctx, stage.Key, stage.token, s.stamp())
		if err != nil {
			return fmt.Errorf("commit staging record: %w", err)
		}
		if !held {
			// Another holder reclaimed the key meanwhile; drop what this
			// attempt wrote.
			if err := s.discardOrphans(ctx, Staging{MovementID: &movementID, LoanID: loanID}); err != nil {
				logger.Warn(ctx, "discard superseded journal write failed", "idempotency_key", stage.Key, "error", err)
			}
			return apperror.NewIdempotencyConflict(stage.Key)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	logger.Debug(ctx, "journal entry committed",
		"movement_id", movementID,
		"source_kind", rec.Detail.SourceKind,
		"lines", len(rec.Lines),
	)
	return rec, nil
}

// enforceLimits serialises commits against one source document and rejects
// a record that would take a resource past its limit.
func (s *Service) enforceLimits(ctx context.Context, rec Record) error {
	if len(rec.Limits) == 0 {
		return nil
	}
	kind, ref := rec.Detail.SourceKind, rec.Detail.SourceRef
	if err := s.repo.LockSource(ctx, kind, ref); err != nil {
		return fmt.Errorf("lock source document: %w", err)
	}
	for i, l := range rec.Lines {
		limit, ok := rec.Limits[l.ResourceID]
		if !ok {
			continue
		}
		prior, err := s.repo.NetAccepted(ctx, kind, ref, l.ResourceID)
		if err != nil {
			return fmt.Errorf("sum accepted quantity: %w", err)
		}
		if prior+l.AcceptedQuantity > limit {
			return apperror.NewConflict("reception would exceed ordered quantity").
				WithLine(i).
				WithDetail("resource_id", l.ResourceID).
				WithDetail("ordered", limit.Float64()).
				WithDetail("already_received", prior.Float64()).
				WithDetail("accepted", l.AcceptedQuantity.Float64())
		}
	}
	return nil
}

// Abort discards a stage and anything written under it. Best-effort: a
// failure leaves the stage for the recovery sweep.
func (s *Service) Abort(ctx context.Context, stage *Stage) {
	if stage == nil {
		return
	}
	st, err := s.repo.GetStage(ctx, stage.Key)
	if err != nil {
		logger.Warn(ctx, "abort: staging record not readable", "idempotency_key", stage.Key, "error", err)
		return
	}
	if st.Status == StageCommitted || !st.UpdatedAt.Equal(stage.token) {
		return
	}
	if err := s.discardOrphans(ctx, st); err != nil {
		logger.Warn(ctx, "abort: orphan cleanup failed", "idempotency_key", stage.Key, "error", err)
		return
	}
	if _, err := s.repo.DeleteStage(ctx, stage.Key, stage.token); err != nil {
		logger.Warn(ctx, "abort: delete staging record failed", "idempotency_key", stage.Key, "error", err)
	}
}

// Append writes a record as one durable unit, deduplicating on key.
// The bool result reports a replay of an earlier identical request.
func (s *Service) Append(ctx context.Context, key, operation, requestHash string, rec Record) (Record, bool, error) {
	stage, replay, err := s.Begin(ctx, key, operation, requestHash, nil)
	if err != nil {
		return Record{}, false, err
	}
	if replay != nil {
		if replay.MovementID == nil {
			return Record{}, false, fmt.Errorf("committed staging record %s has no movement", key)
		}
		prev, err := s.GetRecord(ctx, *replay.MovementID)
		return prev, true, err
	}

	out, err := s.Commit(ctx, stage, rec)
	if err != nil {
		s.Abort(ctx, stage)
		return Record{}, false, err
	}
	return out, false, nil
}

// AppendLoan writes a loan and its lines.
func (s *Service) AppendLoan(ctx context.Context, loan entity.Loan, lines []entity.LoanLine) (entity.Loan, error) {
	if len(lines) == 0 {
		return entity.Loan{}, apperror.NewValidation("loan must have at least one line")
	}
	if err := s.repo.InsertLoan(ctx, loan); err != nil {
		return entity.Loan{}, fmt.Errorf("insert loan: %w", err)
	}
	if err := s.repo.InsertLoanLines(ctx, lines); err != nil {
		return entity.Loan{}, fmt.Errorf("insert loan lines: %w", err)
	}
	return loan, nil
}

// UpdateLoanReturn increases a line's returned quantity by delta and
// recomputes the loan status.
func (s *Service) UpdateLoanReturn(ctx context.Context, loanID, lineID id.ID, delta types.Quantity) (LoanRecord, error) {
	if !delta.IsPositive() {
		return LoanRecord{}, apperror.NewValidation("returned quantity must be positive").
			WithDetail("loan_line_id", lineID)
	}

	var out LoanRecord
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.repo.IncrementLoanReturn(ctx, loanID, lineID, delta); err != nil {
			return err
		}
		rec, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		status := entity.ComputeLoanStatus(rec.Loan.Status, rec.Lines)
		if status != rec.Loan.Status {
			now := s.now()
			if err := s.repo.UpdateLoanStatus(ctx, loanID, status, now); err != nil {
				return fmt.Errorf("update loan status: %w", err)
			}
			rec.Loan.Status = status
			rec.Loan.UpdatedAt = now
		}
		out = rec
		return nil
	})
	return out, err
}

// MarkLinePosted records that a line's stock delta was applied.
func (s *Service) MarkLinePosted(ctx context.Context, lineID id.ID, applied types.Quantity) error {
	return s.repo.UpdateLinePosting(ctx, lineID, entity.PostingPosted, applied, nil)
}

// MarkLineFailed records a posting failure. The line keeps zero applied
// quantity until a manual repost succeeds.
func (s *Service) MarkLineFailed(ctx context.Context, lineID id.ID, reason string) error {
	return s.repo.UpdateLinePosting(ctx, lineID, entity.PostingFailed, 0, &reason)
}

// PromoteStatus moves a movement to COMPLETE when every line is settled.
// It returns the resulting status.
func (s *Service) PromoteStatus(ctx context.Context, movementID id.ID) (entity.MovementStatus, error) {
	rec, err := s.GetRecord(ctx, movementID)
	if err != nil {
		return "", err
	}
	if rec.Movement.Status == entity.MovementStatusComplete {
		return entity.MovementStatusComplete, nil
	}
	if entity.ResolveStatus(rec.Lines) != entity.MovementStatusComplete {
		return entity.MovementStatusPartial, nil
	}
	if _, err := s.repo.PromoteMovement(ctx, movementID, s.now()); err != nil {
		return "", fmt.Errorf("promote movement: %w", err)
	}
	return entity.MovementStatusComplete, nil
}

// Settle promotes a PARTIAL movement whose source document was fulfilled by
// later movements. Movements with unposted lines stay PARTIAL.
func (s *Service) Settle(ctx context.Context, movementID id.ID) (bool, error) {
	rec, err := s.GetRecord(ctx, movementID)
	if err != nil {
		return false, err
	}
	if rec.Movement.Status == entity.MovementStatusComplete {
		return false, nil
	}
	for _, l := range rec.Lines {
		if l.PostingState != entity.PostingPosted {
			return false, nil
		}
	}
	return s.repo.PromoteMovement(ctx, movementID, s.now())
}

// GetRecord loads a movement with its detail and lines.
func (s *Service) GetRecord(ctx context.Context, movementID id.ID) (Record, error) {
	m, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return Record{}, err
	}
	d, err := s.repo.GetDetail(ctx, movementID)
	if err != nil {
		return Record{}, err
	}
	lines, err := s.repo.GetLines(ctx, d.ID)
	if err != nil {
		return Record{}, err
	}
	return Record{Movement: m, Detail: d, Lines: lines}, nil
}

// GetLoan loads a loan with its lines.
func (s *Service) GetLoan(ctx context.Context, loanID id.ID) (LoanRecord, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return LoanRecord{}, err
	}
	lines, err := s.repo.GetLoanLines(ctx, loanID)
	if err != nil {
		return LoanRecord{}, err
	}
	return LoanRecord{Loan: loan, Lines: lines}, nil
}

// ListLoans returns loans matching filter.
func (s *Service) ListLoans(ctx context.Context, filter LoanFilter) ([]entity.Loan, error) {
	return s.repo.ListLoans(ctx, filter)
}

// NetAccepted returns the quantity of resourceID accepted so far against a
// source document, net of compensations.
func (s *Service) NetAccepted(ctx context.Context, kind entity.SourceKind, sourceRef string, resourceID id.ID) (types.Quantity, error) {
	return s.repo.NetAccepted(ctx, kind, sourceRef, resourceID)
}

// ListPartialBySource returns PARTIAL movements of a source document.
func (s *Service) ListPartialBySource(ctx context.Context, kind entity.SourceKind, sourceRef string) ([]entity.Movement, error) {
	status := entity.MovementStatusPartial
	return s.repo.ListMovementsBySource(ctx, kind, sourceRef, &status)
}

// FindReversal returns the compensating movement of movementID, if any.
func (s *Service) FindReversal(ctx context.Context, movementID id.ID) (*entity.Movement, error) {
	return s.repo.FindReversal(ctx, movementID)
}

// RecoverStaged is the recovery sweep: it deletes staging records left
// uncommitted past StaleAfter together with the records written under them.
func (s *Service) RecoverStaged(ctx context.Context) (int, error) {
	stale, err := s.repo.ListStaleStages(ctx, s.now().Add(-s.opts.StaleAfter), s.opts.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale staging records: %w", err)
	}

	recovered := 0
	for _, st := range stale {
		// Claim first so a concurrent commit or reclaim of the key wins
		// or loses as a whole.
		claim := s.stamp()
		claimed, err := s.repo.TouchStage(ctx, st.Key, st.UpdatedAt, claim)
		if err != nil {
			logger.Error(ctx, "recovery: claim staging record failed", "idempotency_key", st.Key, "error", err)
			continue
		}
		if !claimed {
			logger.Debug(ctx, "recovery: staging record changed, skipped", "idempotency_key", st.Key)
			continue
		}
		if err := s.discardOrphans(ctx, st); err != nil {
			logger.Error(ctx, "recovery: orphan cleanup failed", "idempotency_key", st.Key, "error", err)
			continue
		}
		if _, err := s.repo.DeleteStage(ctx, st.Key, claim); err != nil {
			logger.Error(ctx, "recovery: delete staging record failed", "idempotency_key", st.Key, "error", err)
			continue
		}
		logger.Warn(ctx, "recovered orphaned journal write",
			"idempotency_key", st.Key,
			"operation", st.Operation,
			"movement_id", st.MovementID,
			"loan_id", st.LoanID,
		)
		recovered++
	}
	return recovered, nil
}

// CleanupCommitted expires committed staging records older than retention.
// Keys expired this way no longer deduplicate.
func (s *Service) CleanupCommitted(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteCommittedStages(ctx, s.now().Add(-retention))
}

func (s *Service) discardOrphans(ctx context.Context, st Staging) error {
	if st.Status == StageCommitted {
		return nil
	}
	if st.MovementID != nil {
		if err := s.repo.DeleteMovement(ctx, *st.MovementID); err != nil {
			return fmt.Errorf("delete orphaned movement: %w", err)
		}
	}
	if st.LoanID != nil {
		if err := s.repo.DeleteLoan(ctx, *st.LoanID); err != nil {
			return fmt.Errorf("delete orphaned loan: %w", err)
		}
	}
	return nil
}

func validateRecord(rec Record) error {
	if id.IsNil(rec.Movement.ID) || id.IsNil(rec.Detail.ID) {
		return apperror.NewValidation("movement and detail ids are required")
	}
	if rec.Detail.MovementID != rec.Movement.ID {
		return apperror.NewValidation("detail does not belong to movement")
	}
	if !rec.Detail.SourceKind.Valid() {
		return apperror.NewValidation("unknown source kind").WithDetail("source_kind", rec.Detail.SourceKind)
	}
	if len(rec.Lines) == 0 {
		return apperror.NewValidation("movement must have at least one line")
	}
	for i, l := range rec.Lines {
		if l.MovementDetailID != rec.Detail.ID {
			return apperror.NewValidation("line does not belong to detail").WithLine(i)
		}
		if l.AppliedQuantity < 0 || l.AppliedQuantity > l.AcceptedQuantity || l.AcceptedQuantity > l.RequestedQuantity {
			return apperror.NewValidation("line quantities out of order").WithLine(i)
		}
	}
	return nil
}
