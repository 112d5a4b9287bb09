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
	"stockledger/internal/domain/journal"
)

var _ journal.Repository = (*JournalRepo)(nil)

// JournalRepo is a thread-safe journal.Repository. Reads return copies.
type JournalRepo struct {
	mu sync.RWMutex

	stages    map[string]journal.Staging
	movements map[id.ID]entity.Movement
	details   map[id.ID]entity.MovementDetail // by movement id
	lines     map[id.ID][]entity.MovementLine // by detail id
	lineIndex map[id.ID]id.ID                 // line id -> detail id
	loans     map[id.ID]entity.Loan
	loanLines map[id.ID][]entity.LoanLine
}

// NewJournalRepo creates an empty journal repository.
func NewJournalRepo() *JournalRepo {
	return &JournalRepo{
		stages:    make(map[string]journal.Staging),
		movements: make(map[id.ID]entity.Movement),
		details:   make(map[id.ID]entity.MovementDetail),
		lines:     make(map[id.ID][]entity.MovementLine),
		lineIndex: make(map[id.ID]id.ID),
		loans:     make(map[id.ID]entity.Loan),
		loanLines: make(map[id.ID][]entity.LoanLine),
	}
}

// --- Staging ---

func (r *JournalRepo) InsertStage(_ context.Context, s journal.Staging) (journal.Staging, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.stages[s.Key]; ok {
		return existing, false, nil
	}
	r.stages[s.Key] = s
	return s, true, nil
}

func (r *JournalRepo) GetStage(_ context.Context, key string) (journal.Staging, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[key]
	if !ok {
		return journal.Staging{}, apperror.NewNotFound("staging_record", key)
	}
	return s, nil
}

func (r *JournalRepo) TouchStage(_ context.Context, key string, token, at time.Time) (bool, error) {
	return r.updateOwnedStage(key, token, func(s *journal.Staging) { s.UpdatedAt = at })
}

func (r *JournalRepo) AttachStage(_ context.Context, key string, token time.Time, movementID, loanID *id.ID) (bool, error) {
	return r.updateOwnedStage(key, token, func(s *journal.Staging) {
		s.MovementID = movementID
		s.LoanID = loanID
	})
}

func (r *JournalRepo) CommitStage(_ context.Context, key string, token, at time.Time) (bool, error) {
	return r.updateOwnedStage(key, token, func(s *journal.Staging) {
		s.Status = journal.StageCommitted
		s.UpdatedAt = at
	})
}

// updateOwnedStage applies fn while the record is still staged with
// UpdatedAt equal to token.
func (r *JournalRepo) updateOwnedStage(key string, token time.Time, fn func(s *journal.Staging)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stages[key]
	if !ok || s.Status != journal.StageStaged || !s.UpdatedAt.Equal(token) {
		return false, nil
	}
	fn(&s)
	r.stages[key] = s
	return true, nil
}

func (r *JournalRepo) DeleteStage(_ context.Context, key string, token time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stages[key]
	if !ok || s.Status != journal.StageStaged || !s.UpdatedAt.Equal(token) {
		return false, nil
	}
	delete(r.stages, key)
	return true, nil
}

func (r *JournalRepo) ListStaleStages(_ context.Context, before time.Time, limit int) ([]journal.Staging, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []journal.Staging
	for _, s := range r.stages {
		if s.Status == journal.StageStaged && s.UpdatedAt.Before(before) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JournalRepo) DeleteCommittedStages(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, s := range r.stages {
		if s.Status == journal.StageCommitted && s.UpdatedAt.Before(before) {
			delete(r.stages, k)
			n++
		}
	}
	return n, nil
}

// --- Movements ---

func (r *JournalRepo) InsertMovement(_ context.Context, m entity.Movement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.movements[m.ID]; ok {
		return apperror.NewConflict("movement already exists").WithDetail("movement_id", m.ID)
	}
	if m.ReversalOf != nil {
		for _, other := range r.movements {
			if other.ReversalOf != nil && *other.ReversalOf == *m.ReversalOf {
				return apperror.NewConflict("movement is already cancelled").
					WithDetail("movement_id", *m.ReversalOf)
			}
		}
	}
	r.movements[m.ID] = m
	return nil
}

func (r *JournalRepo) InsertDetail(_ context.Context, d entity.MovementDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.movements[d.MovementID]; !ok {
		return apperror.NewNotFound("movement", d.MovementID)
	}
	if _, ok := r.details[d.MovementID]; ok {
		return apperror.NewConflict("movement already has a detail").WithDetail("movement_id", d.MovementID)
	}
	r.details[d.MovementID] = d
	return nil
}

func (r *JournalRepo) InsertLines(_ context.Context, lines []entity.MovementLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range lines {
		if _, ok := r.lineIndex[l.ID]; ok {
			return apperror.NewConflict("movement line already exists").WithDetail("line_id", l.ID)
		}
	}
	for _, l := range lines {
		r.lines[l.MovementDetailID] = append(r.lines[l.MovementDetailID], l)
		r.lineIndex[l.ID] = l.MovementDetailID
	}
	return nil
}

func (r *JournalRepo) DeleteMovement(_ context.Context, movementID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.details[movementID]; ok {
		for _, l := range r.lines[d.ID] {
			delete(r.lineIndex, l.ID)
		}
		delete(r.lines, d.ID)
		delete(r.details, movementID)
	}
	delete(r.movements, movementID)
	return nil
}

func (r *JournalRepo) GetMovement(_ context.Context, movementID id.ID) (entity.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.movements[movementID]
	if !ok {
		return entity.Movement{}, apperror.NewNotFound("movement", movementID)
	}
	return m, nil
}

func (r *JournalRepo) GetDetail(_ context.Context, movementID id.ID) (entity.MovementDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.details[movementID]
	if !ok {
		return entity.MovementDetail{}, apperror.NewNotFound("movement_detail", movementID)
	}
	return d, nil
}

func (r *JournalRepo) GetLines(_ context.Context, detailID id.ID) ([]entity.MovementLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]entity.MovementLine(nil), r.lines[detailID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, nil
}

func (r *JournalRepo) UpdateLinePosting(_ context.Context, lineID id.ID, state entity.PostingState, applied types.Quantity, postingErr *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	detailID, ok := r.lineIndex[lineID]
	if !ok {
		return apperror.NewNotFound("movement_line", lineID)
	}
	lines := r.lines[detailID]
	for i := range lines {
		if lines[i].ID != lineID {
			continue
		}
		if applied > lines[i].AcceptedQuantity {
			return apperror.NewValidation("applied quantity exceeds accepted quantity").WithDetail("line_id", lineID)
		}
		lines[i].PostingState = state
		lines[i].AppliedQuantity = applied
		lines[i].PostingError = postingErr
		return nil
	}
	return apperror.NewNotFound("movement_line", lineID)
}

func (r *JournalRepo) PromoteMovement(_ context.Context, movementID id.ID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.movements[movementID]
	if !ok {
		return false, apperror.NewNotFound("movement", movementID)
	}
	if m.Status != entity.MovementStatusPartial {
		return false, nil
	}
	m.Status = entity.MovementStatusComplete
	m.UpdatedAt = at
	r.movements[movementID] = m
	return true, nil
}

func (r *JournalRepo) NetAccepted(_ context.Context, kind entity.SourceKind, sourceRef string, resourceID id.ID) (types.Quantity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total types.Quantity
	for movementID, d := range r.details {
		if d.SourceKind != kind || d.SourceRef != sourceRef {
			continue
		}
		m := r.movements[movementID]
		for _, l := range r.lines[d.ID] {
			if l.ResourceID != resourceID {
				continue
			}
			if m.Direction == entity.DirectionIn {
				total += l.AcceptedQuantity
			} else {
				total -= l.AcceptedQuantity
			}
		}
	}
	return total, nil
}

// LockSource is a no-op: the memory backend lives in one process, where the
// coordinator already serialises writers of a source document.
func (r *JournalRepo) LockSource(context.Context, entity.SourceKind, string) error {
	return nil
}

func (r *JournalRepo) ListMovementsBySource(_ context.Context, kind entity.SourceKind, sourceRef string, status *entity.MovementStatus) ([]entity.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entity.Movement
	for movementID, d := range r.details {
		if d.SourceKind != kind || d.SourceRef != sourceRef {
			continue
		}
		m := r.movements[movementID]
		if status != nil && m.Status != *status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *JournalRepo) FindReversal(_ context.Context, movementID id.ID) (*entity.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.movements {
		if m.ReversalOf != nil && *m.ReversalOf == movementID {
			found := m
			return &found, nil
		}
	}
	return nil, nil
}

// --- Loans ---

func (r *JournalRepo) InsertLoan(_ context.Context, loan entity.Loan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loans[loan.ID]; ok {
		return apperror.NewConflict("loan already exists").WithDetail("loan_id", loan.ID)
	}
	r.loans[loan.ID] = loan
	return nil
}

func (r *JournalRepo) InsertLoanLines(_ context.Context, lines []entity.LoanLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range lines {
		if _, ok := r.loans[l.LoanID]; !ok {
			return apperror.NewNotFound("loan", l.LoanID)
		}
	}
	for _, l := range lines {
		r.loanLines[l.LoanID] = append(r.loanLines[l.LoanID], l)
	}
	return nil
}

func (r *JournalRepo) DeleteLoan(_ context.Context, loanID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.loanLines, loanID)
	delete(r.loans, loanID)
	return nil
}

func (r *JournalRepo) GetLoan(_ context.Context, loanID id.ID) (entity.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.loans[loanID]
	if !ok {
		return entity.Loan{}, apperror.NewNotFound("loan", loanID)
	}
	return l, nil
}

func (r *JournalRepo) GetLoanLines(_ context.Context, loanID id.ID) ([]entity.LoanLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]entity.LoanLine(nil), r.loanLines[loanID]...), nil
}

func (r *JournalRepo) IncrementLoanReturn(_ context.Context, loanID, lineID id.ID, delta types.Quantity) (entity.LoanLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := r.loanLines[loanID]
	for i := range lines {
		if lines[i].ID != lineID {
			continue
		}
		if lines[i].ReturnedQuantity+delta > lines[i].IssuedQuantity {
			return entity.LoanLine{}, apperror.NewOverReturn(lineID.String(), delta.Float64(), lines[i].Outstanding().Float64())
		}
		lines[i].ReturnedQuantity += delta
		return lines[i], nil
	}
	return entity.LoanLine{}, apperror.NewNotFound("loan_line", lineID)
}

func (r *JournalRepo) UpdateLoanStatus(_ context.Context, loanID id.ID, status entity.LoanStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.loans[loanID]
	if !ok {
		return apperror.NewNotFound("loan", loanID)
	}
	l.Status = status
	l.UpdatedAt = at
	r.loans[loanID] = l
	return nil
}

func (r *JournalRepo) ListLoans(_ context.Context, filter journal.LoanFilter) ([]entity.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entity.Loan
	for _, l := range r.loans {
		if filter.Status != nil && l.Status != *filter.Status {
			continue
		}
		if filter.BorrowerID != "" && l.BorrowerID != filter.BorrowerID {
			continue
		}
		if filter.OverdueAt != nil && !l.Overdue(*filter.OverdueAt) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
