// Package journal_repo provides the PostgreSQL MovementJournal storage.
package journal_repo

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
	"stockledger/internal/domain/journal"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	stagingTable   = "ledger_staging"
	movementsTable = "ledger_movements"
	detailsTable   = "ledger_movement_details"
	linesTable     = "ledger_movement_lines"
	loansTable     = "ledger_loans"
	loanLinesTable = "ledger_loan_lines"

	reversalConstraint = "ux_ledger_movements_reversal_of"
)

var (
	stagingColumns  = postgres.ExtractDBColumns[journal.Staging]()
	movementColumns = postgres.ExtractDBColumns[entity.Movement]()
	detailColumns   = postgres.ExtractDBColumns[entity.MovementDetail]()
	lineColumns     = postgres.ExtractDBColumns[entity.MovementLine]()
	loanColumns     = postgres.ExtractDBColumns[entity.Loan]()
	loanLineColumns = postgres.ExtractDBColumns[entity.LoanLine]()
)

var _ journal.Repository = (*JournalRepo)(nil)

// JournalRepo implements journal.Repository.
// Multi-row writes (lines, loan lines) use COPY and must run inside a
// transaction; journal.Service.Commit provides one.
type JournalRepo struct {
	txm     *postgres.TxManager
	copier  *postgres.BatchInserter
	codec   *postgres.PayloadCodec
	builder squirrel.StatementBuilderType
}

// NewJournalRepo creates a new journal repository.
func NewJournalRepo(txm *postgres.TxManager, codec *postgres.PayloadCodec) *JournalRepo {
	return &JournalRepo{
		txm:     txm,
		copier:  postgres.NewBatchInserter(txm),
		codec:   codec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *JournalRepo) querier(ctx context.Context) postgres.Querier {
	return r.txm.GetQuerier(ctx)
}

func (r *JournalRepo) exec(ctx context.Context, q squirrel.Sqlizer, what string) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", what, err)
	}
	tag, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}

func (r *JournalRepo) get(ctx context.Context, dst any, q squirrel.Sqlizer) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return pgxscan.Get(ctx, r.querier(ctx), dst, sql, args...)
}

func (r *JournalRepo) selectAll(ctx context.Context, dst any, q squirrel.Sqlizer) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return pgxscan.Select(ctx, r.querier(ctx), dst, sql, args...)
}

// prefixed qualifies columns with a table alias.
func prefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

// --- Staging ---

func (r *JournalRepo) InsertStage(ctx context.Context, s journal.Staging) (journal.Staging, bool, error) {
	data := postgres.StructToMap(s)
	data["payload"] = r.codec.Encode(s.Payload)

	q := r.builder.Insert(stagingTable).
		SetMap(data).
		Suffix("ON CONFLICT (idempotency_key) DO NOTHING RETURNING idempotency_key")

	var key string
	err := r.get(ctx, &key, q)
	switch {
	case err == nil:
		return s, true, nil
	case pgxscan.NotFound(err):
		existing, err := r.GetStage(ctx, s.Key)
		return existing, false, err
	default:
		return journal.Staging{}, false, fmt.Errorf("insert staging record: %w", err)
	}
}

func (r *JournalRepo) GetStage(ctx context.Context, key string) (journal.Staging, error) {
	q := r.builder.Select(stagingColumns...).
		From(stagingTable).
		Where(squirrel.Eq{"idempotency_key": key})

	var s journal.Staging
	if err := r.get(ctx, &s, q); err != nil {
		if pgxscan.NotFound(err) {
			return journal.Staging{}, apperror.NewNotFound("staging_record", key)
		}
		return journal.Staging{}, fmt.Errorf("get staging record: %w", err)
	}
	payload, err := r.codec.Decode(s.Payload)
	if err != nil {
		return journal.Staging{}, err
	}
	s.Payload = payload
	return s, nil
}

// ownedStageUpdate applies set while the record is still staged with
// updated_at equal to token.
func (r *JournalRepo) ownedStageUpdate(key string, token time.Time, set map[string]any) squirrel.UpdateBuilder {
	return r.builder.Update(stagingTable).
		SetMap(set).
		Where(squirrel.Eq{
			"idempotency_key": key,
			"status":          string(journal.StageStaged),
			"updated_at":      token,
		})
}

func (r *JournalRepo) updateOwnedStage(ctx context.Context, key string, token time.Time, set map[string]any) (bool, error) {
	n, err := r.exec(ctx, r.ownedStageUpdate(key, token, set), "update staging record")
	return n == 1, err
}

func (r *JournalRepo) TouchStage(ctx context.Context, key string, token, at time.Time) (bool, error) {
	return r.updateOwnedStage(ctx, key, token, map[string]any{"updated_at": at})
}

func (r *JournalRepo) AttachStage(ctx context.Context, key string, token time.Time, movementID, loanID *id.ID) (bool, error) {
	return r.updateOwnedStage(ctx, key, token, map[string]any{"movement_id": movementID, "loan_id": loanID})
}

func (r *JournalRepo) CommitStage(ctx context.Context, key string, token, at time.Time) (bool, error) {
	return r.updateOwnedStage(ctx, key, token, map[string]any{
		"status":     string(journal.StageCommitted),
		"updated_at": at,
	})
}

func (r *JournalRepo) DeleteStage(ctx context.Context, key string, token time.Time) (bool, error) {
	n, err := r.exec(ctx, r.builder.Delete(stagingTable).
		Where(squirrel.Eq{
			"idempotency_key": key,
			"status":          string(journal.StageStaged),
			"updated_at":      token,
		}), "delete staging record")
	return n == 1, err
}

func (r *JournalRepo) ListStaleStages(ctx context.Context, before time.Time, limit int) ([]journal.Staging, error) {
	var stages []journal.Staging
	if err := r.selectAll(ctx, &stages, r.staleStagesQuery(before, limit)); err != nil {
		return nil, fmt.Errorf("select stale staging records: %w", err)
	}
	for i := range stages {
		payload, err := r.codec.Decode(stages[i].Payload)
		if err != nil {
			return nil, err
		}
		stages[i].Payload = payload
	}
	return stages, nil
}

func (r *JournalRepo) staleStagesQuery(before time.Time, limit int) squirrel.SelectBuilder {
	q := r.builder.Select(stagingColumns...).
		From(stagingTable).
		Where(squirrel.Eq{"status": string(journal.StageStaged)}).
		Where(squirrel.Lt{"updated_at": before}).
		OrderBy("updated_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

func (r *JournalRepo) DeleteCommittedStages(ctx context.Context, before time.Time) (int64, error) {
	return r.exec(ctx, r.builder.Delete(stagingTable).
		Where(squirrel.Eq{"status": string(journal.StageCommitted)}).
		Where(squirrel.Lt{"updated_at": before}), "delete committed staging records")
}

// --- Movements ---

func (r *JournalRepo) InsertMovement(ctx context.Context, m entity.Movement) error {
	_, err := r.exec(ctx, r.builder.Insert(movementsTable).SetMap(postgres.StructToMap(m)), "insert movement")
	if name, ok := postgres.UniqueViolation(err); ok {
		if name == reversalConstraint && m.ReversalOf != nil {
			return apperror.NewConflict("movement is already cancelled").WithDetail("movement_id", *m.ReversalOf)
		}
		return apperror.NewConflict("movement already exists").WithDetail("movement_id", m.ID)
	}
	return err
}

func (r *JournalRepo) InsertDetail(ctx context.Context, d entity.MovementDetail) error {
	_, err := r.exec(ctx, r.builder.Insert(detailsTable).SetMap(postgres.StructToMap(d)), "insert movement detail")
	if _, ok := postgres.UniqueViolation(err); ok {
		return apperror.NewConflict("movement already has a detail").WithDetail("movement_id", d.MovementID)
	}
	if _, ok := postgres.ForeignKeyViolation(err); ok {
		return apperror.NewNotFound("movement", d.MovementID)
	}
	return err
}

func (r *JournalRepo) InsertLines(ctx context.Context, lines []entity.MovementLine) error {
	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, []any{
			l.ID, l.MovementDetailID, l.LineNo, l.ResourceID,
			l.RequestedQuantity.Int64Scaled(), l.AcceptedQuantity.Int64Scaled(), l.AppliedQuantity.Int64Scaled(),
			l.UnitCost, l.Returnable, l.LoanLineID, string(l.PostingState), l.PostingError,
		})
	}
	if _, err := r.copier.CopyFromSlice(ctx, linesTable, lineColumns, rows); err != nil {
		if _, ok := postgres.UniqueViolation(err); ok {
			return apperror.NewConflict("movement line already exists")
		}
		return fmt.Errorf("copy movement lines: %w", err)
	}
	return nil
}

func (r *JournalRepo) DeleteMovement(ctx context.Context, movementID id.ID) error {
	details := r.builder.Select("id").From(detailsTable).Where(squirrel.Eq{"movement_id": movementID})
	sub, subArgs, err := details.PlaceholderFormat(squirrel.Question).ToSql()
	if err != nil {
		return fmt.Errorf("build detail subquery: %w", err)
	}

	steps := []struct {
		q    squirrel.Sqlizer
		what string
	}{
		{r.builder.Delete(linesTable).Where("movement_detail_id IN ("+sub+")", subArgs...), "delete movement lines"},
		{r.builder.Delete(detailsTable).Where(squirrel.Eq{"movement_id": movementID}), "delete movement detail"},
		{r.builder.Delete(movementsTable).Where(squirrel.Eq{"id": movementID}), "delete movement"},
	}
	for _, s := range steps {
		if _, err := r.exec(ctx, s.q, s.what); err != nil {
			return err
		}
	}
	return nil
}

func (r *JournalRepo) GetMovement(ctx context.Context, movementID id.ID) (entity.Movement, error) {
	var m entity.Movement
	err := r.get(ctx, &m, r.builder.Select(movementColumns...).From(movementsTable).Where(squirrel.Eq{"id": movementID}))
	if err != nil {
		if pgxscan.NotFound(err) {
			return entity.Movement{}, apperror.NewNotFound("movement", movementID)
		}
		return entity.Movement{}, fmt.Errorf("get movement: %w", err)
	}
	return m, nil
}

func (r *JournalRepo) GetDetail(ctx context.Context, movementID id.ID) (entity.MovementDetail, error) {
	var d entity.MovementDetail
	err := r.get(ctx, &d, r.builder.Select(detailColumns...).From(detailsTable).Where(squirrel.Eq{"movement_id": movementID}))
	if err != nil {
		if pgxscan.NotFound(err) {
			return entity.MovementDetail{}, apperror.NewNotFound("movement_detail", movementID)
		}
		return entity.MovementDetail{}, fmt.Errorf("get movement detail: %w", err)
	}
	return d, nil
}

func (r *JournalRepo) GetLines(ctx context.Context, detailID id.ID) ([]entity.MovementLine, error) {
	lines := make([]entity.MovementLine, 0)
	q := r.builder.Select(lineColumns...).
		From(linesTable).
		Where(squirrel.Eq{"movement_detail_id": detailID}).
		OrderBy("line_no")
	if err := r.selectAll(ctx, &lines, q); err != nil {
		return nil, fmt.Errorf("select movement lines: %w", err)
	}
	return lines, nil
}

func (r *JournalRepo) UpdateLinePosting(ctx context.Context, lineID id.ID, state entity.PostingState, applied types.Quantity, postingErr *string) error {
	n, err := r.exec(ctx, r.builder.Update(linesTable).
		Set("posting_state", string(state)).
		Set("applied_quantity", applied.Int64Scaled()).
		Set("posting_error", postingErr).
		Where(squirrel.Eq{"id": lineID}).
		Where(squirrel.GtOrEq{"accepted_quantity": applied.Int64Scaled()}), "update line posting")
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.get(ctx, &exists, r.builder.Select("true").From(linesTable).Where(squirrel.Eq{"id": lineID})); err != nil {
		if pgxscan.NotFound(err) {
			return apperror.NewNotFound("movement_line", lineID)
		}
		return fmt.Errorf("check movement line: %w", err)
	}
	return apperror.NewValidation("applied quantity exceeds accepted quantity").WithDetail("line_id", lineID)
}

func (r *JournalRepo) PromoteMovement(ctx context.Context, movementID id.ID, at time.Time) (bool, error) {
	n, err := r.exec(ctx, r.builder.Update(movementsTable).
		Set("status", string(entity.MovementStatusComplete)).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": movementID, "status": string(entity.MovementStatusPartial)}), "promote movement")
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.GetMovement(ctx, movementID); err != nil {
		return false, err
	}
	return false, nil
}

// netAcceptedQuery signs accepted quantity by movement direction.
func (r *JournalRepo) netAcceptedQuery(kind entity.SourceKind, sourceRef string, resourceID id.ID) squirrel.SelectBuilder {
	return r.builder.
		Select("COALESCE(SUM(CASE WHEN m.direction = 'IN' THEN l.accepted_quantity ELSE -l.accepted_quantity END), 0)::bigint").
		From(linesTable + " l").
		Join(detailsTable + " d ON d.id = l.movement_detail_id").
		Join(movementsTable + " m ON m.id = d.movement_id").
		Where(squirrel.Eq{
			"d.source_kind": string(kind),
			"d.source_ref":  sourceRef,
			"l.resource_id": resourceID,
		})
}

func (r *JournalRepo) NetAccepted(ctx context.Context, kind entity.SourceKind, sourceRef string, resourceID id.ID) (types.Quantity, error) {
	var scaled int64
	if err := r.get(ctx, &scaled, r.netAcceptedQuery(kind, sourceRef, resourceID)); err != nil {
		return 0, fmt.Errorf("sum accepted quantity: %w", err)
	}
	return types.Quantity(scaled), nil
}

// LockSource takes a transaction-scoped advisory lock on the source
// document. It must run inside a transaction.
func (r *JournalRepo) LockSource(ctx context.Context, kind entity.SourceKind, sourceRef string) error {
	if r.txm.GetTx(ctx) == nil {
		return fmt.Errorf("lock source %s/%s: no transaction in context", kind, sourceRef)
	}
	if _, err := r.querier(ctx).Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", string(kind)+":"+sourceRef); err != nil {
		return fmt.Errorf("lock source %s/%s: %w", kind, sourceRef, err)
	}
	return nil
}

func (r *JournalRepo) movementsBySourceQuery(kind entity.SourceKind, sourceRef string, status *entity.MovementStatus) squirrel.SelectBuilder {
	q := r.builder.Select(prefixed("m", movementColumns)...).
		From(movementsTable + " m").
		Join(detailsTable + " d ON d.movement_id = m.id").
		Where(squirrel.Eq{"d.source_kind": string(kind), "d.source_ref": sourceRef})
	if status != nil {
		q = q.Where(squirrel.Eq{"m.status": string(*status)})
	}
	return q.OrderBy("m.created_at", "m.id")
}

func (r *JournalRepo) ListMovementsBySource(ctx context.Context, kind entity.SourceKind, sourceRef string, status *entity.MovementStatus) ([]entity.Movement, error) {
	var out []entity.Movement
	if err := r.selectAll(ctx, &out, r.movementsBySourceQuery(kind, sourceRef, status)); err != nil {
		return nil, fmt.Errorf("select movements by source: %w", err)
	}
	return out, nil
}

func (r *JournalRepo) FindReversal(ctx context.Context, movementID id.ID) (*entity.Movement, error) {
	var m entity.Movement
	err := r.get(ctx, &m, r.builder.Select(movementColumns...).From(movementsTable).Where(squirrel.Eq{"reversal_of": movementID}))
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find reversal: %w", err)
	}
	return &m, nil
}

// --- Loans ---

func (r *JournalRepo) InsertLoan(ctx context.Context, loan entity.Loan) error {
	_, err := r.exec(ctx, r.builder.Insert(loansTable).SetMap(postgres.StructToMap(loan)), "insert loan")
	if _, ok := postgres.UniqueViolation(err); ok {
		return apperror.NewConflict("loan already exists").WithDetail("loan_id", loan.ID)
	}
	return err
}

func (r *JournalRepo) InsertLoanLines(ctx context.Context, lines []entity.LoanLine) error {
	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, []any{
			l.ID, l.LoanID, l.ResourceID,
			l.IssuedQuantity.Int64Scaled(), l.ReturnedQuantity.Int64Scaled(),
		})
	}
	if _, err := r.copier.CopyFromSlice(ctx, loanLinesTable, loanLineColumns, rows); err != nil {
		if _, ok := postgres.ForeignKeyViolation(err); ok {
			return apperror.NewNotFound("loan", lines[0].LoanID)
		}
		return fmt.Errorf("copy loan lines: %w", err)
	}
	return nil
}

func (r *JournalRepo) DeleteLoan(ctx context.Context, loanID id.ID) error {
	if _, err := r.exec(ctx, r.builder.Delete(loanLinesTable).Where(squirrel.Eq{"loan_id": loanID}), "delete loan lines"); err != nil {
		return err
	}
	_, err := r.exec(ctx, r.builder.Delete(loansTable).Where(squirrel.Eq{"id": loanID}), "delete loan")
	return err
}

func (r *JournalRepo) GetLoan(ctx context.Context, loanID id.ID) (entity.Loan, error) {
	var l entity.Loan
	if err := r.get(ctx, &l, r.builder.Select(loanColumns...).From(loansTable).Where(squirrel.Eq{"id": loanID})); err != nil {
		if pgxscan.NotFound(err) {
			return entity.Loan{}, apperror.NewNotFound("loan", loanID)
		}
		return entity.Loan{}, fmt.Errorf("get loan: %w", err)
	}
	return l, nil
}

func (r *JournalRepo) GetLoanLines(ctx context.Context, loanID id.ID) ([]entity.LoanLine, error) {
	lines := make([]entity.LoanLine, 0)
	q := r.builder.Select(loanLineColumns...).From(loanLinesTable).Where(squirrel.Eq{"loan_id": loanID}).OrderBy("id")
	if err := r.selectAll(ctx, &lines, q); err != nil {
		return nil, fmt.Errorf("select loan lines: %w", err)
	}
	return lines, nil
}

// incrementReturnQuery adds delta only while the line stays within its
// issued quantity.
func (r *JournalRepo) incrementReturnQuery(loanID, lineID id.ID, delta types.Quantity) squirrel.UpdateBuilder {
	return r.builder.Update(loanLinesTable).
		Set("returned_quantity", squirrel.Expr("returned_quantity + ?", delta.Int64Scaled())).
		Where(squirrel.Eq{"id": lineID, "loan_id": loanID}).
		Where(squirrel.Expr("returned_quantity + ? <= issued_quantity", delta.Int64Scaled())).
		Suffix("RETURNING " + strings.Join(loanLineColumns, ", "))
}

func (r *JournalRepo) IncrementLoanReturn(ctx context.Context, loanID, lineID id.ID, delta types.Quantity) (entity.LoanLine, error) {
	var line entity.LoanLine
	err := r.get(ctx, &line, r.incrementReturnQuery(loanID, lineID, delta))
	if err == nil {
		return line, nil
	}
	if !pgxscan.NotFound(err) {
		return entity.LoanLine{}, fmt.Errorf("increment loan return: %w", err)
	}

	err = r.get(ctx, &line, r.builder.Select(loanLineColumns...).
		From(loanLinesTable).
		Where(squirrel.Eq{"id": lineID, "loan_id": loanID}))
	if err != nil {
		if pgxscan.NotFound(err) {
			return entity.LoanLine{}, apperror.NewNotFound("loan_line", lineID)
		}
		return entity.LoanLine{}, fmt.Errorf("get loan line: %w", err)
	}
	return entity.LoanLine{}, apperror.NewOverReturn(lineID.String(), delta.Float64(), line.Outstanding().Float64())
}

func (r *JournalRepo) UpdateLoanStatus(ctx context.Context, loanID id.ID, status entity.LoanStatus, at time.Time) error {
	n, err := r.exec(ctx, r.builder.Update(loansTable).
		Set("status", string(status)).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": loanID}), "update loan status")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("loan", loanID)
	}
	return nil
}

func (r *JournalRepo) listLoansQuery(filter journal.LoanFilter) squirrel.SelectBuilder {
	q := r.builder.Select(loanColumns...).From(loansTable)
	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": string(*filter.Status)})
	}
	if filter.BorrowerID != "" {
		q = q.Where(squirrel.Eq{"borrower_id": filter.BorrowerID})
	}
	if filter.OverdueAt != nil {
		q = q.Where(squirrel.NotEq{"status": string(entity.LoanStatusClosed)}).
			Where(squirrel.Lt{"due_date": *filter.OverdueAt})
	}
	q = q.OrderBy("created_at", "id")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q
}

func (r *JournalRepo) ListLoans(ctx context.Context, filter journal.LoanFilter) ([]entity.Loan, error) {
	loans := make([]entity.Loan, 0)
	if err := r.selectAll(ctx, &loans, r.listLoansQuery(filter)); err != nil {
		return nil, fmt.Errorf("select loans: %w", err)
	}
	return loans, nil
}
