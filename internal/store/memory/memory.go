// Package memory is an in-process store.Store used by tests and by the
// server when STORE_DRIVER=memory. It keeps the same atomicity and
// idempotency guarantees as the PostgreSQL backend.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	txs      map[string]*models.Transaction
	txOrder  []string
	bets     map[string]*models.Bet
	betOrder []string
	rounds   map[roundid.ID]*models.RoundRecord

	overrides []*models.CrashOverride
	sequences []*models.CrashSequence

	now func() time.Time
}

func New() *Store {
	return &Store{
		txs:    make(map[string]*models.Transaction),
		bets:   make(map[string]*models.Bet),
		rounds: make(map[roundid.ID]*models.RoundRecord),
		now:    time.Now,
	}
}

// WithClock overrides the timestamp source. Tests use it to build fixtures
// spread over time.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Health() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]string{
		"status":       "up",
		"message":      "memory store",
		"transactions": fmt.Sprint(len(s.txs)),
		"bets":         fmt.Sprint(len(s.bets)),
		"rounds":       fmt.Sprint(len(s.rounds)),
	}
}

func (s *Store) Close() {}

// --- ledger ---

func (s *Store) InsertTransaction(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTxLocked(tx)
}

func (s *Store) insertTxLocked(tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, ok := s.txs[tx.ID]; ok {
		return store.ErrDuplicate
	}
	now := s.now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.txs[tx.ID] = cloneTx(tx)
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTx(tx), nil
}

func (s *Store) UpdateTransactionReview(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[tx.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !awaitingReview(cur) {
		return store.ErrConflict
	}
	cur.Status = tx.Status
	cur.AdminApproval = tx.AdminApproval
	cur.RejectionReason = tx.RejectionReason
	cur.ExternalRef = tx.ExternalRef
	cur.UpdatedAt = s.now()
	return nil
}

func awaitingReview(tx *models.Transaction) bool {
	if tx.Type == models.TxWithdrawal {
		return tx.AdminApproval == models.ApprovalPending
	}
	return tx.Status == models.StatusPending
}

func (s *Store) ListTransactions(_ context.Context, f store.TransactionFilter, page store.Page) ([]models.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Transaction
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.txs[s.txOrder[i]]
		if matchTx(tx, f) {
			matched = append(matched, *cloneTx(tx))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, page), len(matched), nil
}

func (s *Store) UpdateGameID(_ context.Context, txID, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.GameDetails == nil {
		tx.GameDetails = &models.GameDetails{}
	}
	tx.GameDetails.GameID = gameID
	tx.GameDetails.Unmatched = false
	tx.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkGameUnmatched(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.GameDetails == nil {
		tx.GameDetails = &models.GameDetails{}
	}
	tx.GameDetails.Unmatched = true
	tx.UpdatedAt = s.now()
	return nil
}

func matchTx(tx *models.Transaction, f store.TransactionFilter) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, tx.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, tx.Status) {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !tx.CreatedAt.Before(f.Until) {
		return false
	}
	if f.GameID != "" && tx.GameID() != f.GameID {
		return false
	}
	if f.NonCanonicalGameID {
		if tx.GameDetails == nil || roundid.IsCanonical(tx.GameDetails.GameID) {
			return false
		}
	}
	return true
}

// --- bets ---

func (s *Store) CreateBetWithHold(_ context.Context, bet *models.Bet, hold *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.bets {
		if b.UserID == bet.UserID && b.RoundID == bet.RoundID {
			return store.ErrDuplicate
		}
	}
	if err := s.insertTxLocked(hold); err != nil {
		return err
	}
	if bet.ID == "" {
		bet.ID = uuid.NewString()
	}
	bet.HoldTxID = hold.ID
	cp := *bet
	s.bets[bet.ID] = &cp
	s.betOrder = append(s.betOrder, bet.ID)
	return nil
}

func (s *Store) SettleWin(_ context.Context, w store.WinSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bet, ok := s.bets[w.BetID]
	if !ok {
		return store.ErrNotFound
	}
	switch bet.Status {
	case models.BetWon:
		return nil
	case models.BetActive:
	default:
		return store.ErrConflict
	}

	w.WinTx.Supersedes = bet.HoldTxID
	if err := s.insertTxLocked(w.WinTx); err != nil {
		return err
	}
	settled := w.SettledAt
	bet.Status = models.BetWon
	bet.CashoutMultiplier = w.Multiplier
	bet.WinAmount = w.WinAmount
	bet.SettledAt = &settled
	bet.NeedsReconciliation = false

	if hold, ok := s.txs[bet.HoldTxID]; ok && hold.GameDetails != nil {
		hold.GameDetails.Result = models.ResultWin
		hold.GameDetails.Multiplier = w.Multiplier
		hold.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) SettleLosses(_ context.Context, roundID roundid.ID, crashPoint float64, betIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := 0
	for _, id := range betIDs {
		bet, ok := s.bets[id]
		if !ok || bet.RoundID != roundID || bet.Status != models.BetActive {
			continue
		}
		bet.Status = models.BetLost
		settled := now
		bet.SettledAt = &settled
		bet.NeedsReconciliation = false
		if hold, ok := s.txs[bet.HoldTxID]; ok && hold.GameDetails != nil {
			hold.GameDetails.Result = models.ResultLost
			hold.GameDetails.CrashPoint = crashPoint
			hold.UpdatedAt = now
		}
		changed++
	}
	return changed, nil
}

func (s *Store) GetBet(_ context.Context, id string) (*models.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bet, ok := s.bets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *bet
	return &cp, nil
}

func (s *Store) ListBetsByRound(_ context.Context, roundID roundid.ID) ([]models.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.RoundID == roundID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *Store) SetBetReconciliation(_ context.Context, betID string, needed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bet, ok := s.bets[betID]
	if !ok {
		return store.ErrNotFound
	}
	bet.NeedsReconciliation = needed
	return nil
}

// --- rounds ---

func (s *Store) CreateRound(_ context.Context, r *models.RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[r.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *r
	s.rounds[r.ID] = &cp
	return nil
}

func (s *Store) ArchiveRound(_ context.Context, id roundid.ID, crashPoint float64, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status == models.RoundCrashed {
		return nil
	}
	r.Status = models.RoundCrashed
	r.CrashPoint = crashPoint
	ended := endedAt
	r.EndedAt = &ended
	return nil
}

func (s *Store) GetRound(_ context.Context, id roundid.ID) (*models.RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRounds(_ context.Context, since time.Time, page store.Page) ([]models.RoundRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RoundRecord
	for _, r := range s.rounds {
		if r.Status != models.RoundCrashed || r.EndedAt == nil {
			continue
		}
		if !since.IsZero() && r.EndedAt.Before(since) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(*out[j].EndedAt)
	})
	return paginate(out, page), len(out), nil
}

// --- crash control ---

func (s *Store) UpsertOverride(_ context.Context, value float64) (*models.CrashOverride, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.overrides {
		if !o.Used {
			o.Value = value
			o.CreatedAt = s.now()
			cp := *o
			return &cp, false, nil
		}
	}
	o := &models.CrashOverride{ID: uuid.NewString(), Value: value, CreatedAt: s.now()}
	s.overrides = append(s.overrides, o)
	cp := *o
	return &cp, true, nil
}

func (s *Store) ConsumeOverride(_ context.Context) (*models.CrashOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.overrides {
		if !o.Used {
			now := s.now()
			o.Used = true
			o.UsedAt = &now
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ReplaceSequence(_ context.Context, values []float64) (*models.CrashSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, o := range s.overrides {
		if !o.Used {
			o.Used = true
			o.UsedAt = &now
		}
	}
	if seq := s.activeLocked(); seq != nil {
		seq.Values = slices.Clone(values)
		seq.CurrentIndex = 0
		seq.UpdatedAt = now
		return cloneSeq(seq), nil
	}
	seq := &models.CrashSequence{ID: uuid.NewString(), Values: slices.Clone(values), Active: true, UpdatedAt: now}
	s.sequences = append(s.sequences, seq)
	return cloneSeq(seq), nil
}

func (s *Store) ActiveSequence(_ context.Context) (*models.CrashSequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.activeLocked()
	if seq == nil {
		return nil, store.ErrNotFound
	}
	return cloneSeq(seq), nil
}

func (s *Store) AdvanceSequence(_ context.Context) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.activeLocked()
	if seq == nil || len(seq.Values) == 0 {
		return 0, 0, store.ErrNotFound
	}
	idx := seq.CurrentIndex % len(seq.Values)
	value := seq.Values[idx]
	seq.CurrentIndex = (idx + 1) % len(seq.Values)
	seq.UpdatedAt = s.now()
	return value, idx, nil
}

func (s *Store) DeactivateSequences(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, seq := range s.sequences {
		if seq.Active {
			seq.Active = false
			n++
		}
	}
	return n, nil
}

func (s *Store) activeLocked() *models.CrashSequence {
	for _, seq := range s.sequences {
		if seq.Active {
			return seq
		}
	}
	return nil
}

func cloneTx(tx *models.Transaction) *models.Transaction {
	cp := *tx
	if tx.GameDetails != nil {
		d := *tx.GameDetails
		cp.GameDetails = &d
	}
	return &cp
}

func cloneSeq(seq *models.CrashSequence) *models.CrashSequence {
	cp := *seq
	cp.Values = slices.Clone(seq.Values)
	return &cp
}

func paginate[T any](items []T, page store.Page) []T {
	if page.Limit <= 0 {
		return items
	}
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := min(start+page.Limit, len(items))
	return items[start:end]
}
