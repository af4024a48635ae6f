package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrConflict  = errors.New("record state changed concurrently")
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Page is 1-based pagination. A zero Limit means "no limit" for internal
// callers; HTTP handlers always normalize first.
type Page struct {
	Page  int
	Limit int
}

func (p Page) Normalize(defaultLimit int) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Offset() int {
	if p.Page < 1 || p.Limit <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Pages returns the page count for total records.
func (p Page) Pages(total int) int {
	if p.Limit <= 0 {
		if total > 0 {
			return 1
		}
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

type TransactionFilter struct {
	UserID   string
	Types    []models.TransactionType
	Statuses []models.TransactionStatus
	Since    time.Time
	Until    time.Time
	GameID   string
	// NonCanonicalGameID selects game rows whose gameDetails.gameId is not a UUID.
	NonCanonicalGameID bool
}

// WinSettlement is everything needed to settle one bet as won.
type WinSettlement struct {
	BetID      string
	Multiplier float64
	WinAmount  decimal.Decimal
	SettledAt  time.Time
	WinTx      *models.Transaction
}

type LedgerStore interface {
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	// UpdateTransactionReview updates status, approval, rejection reason and
	// external reference of a record still awaiting review. It returns
	// ErrConflict when the record was reviewed in the meantime. Amount and
	// type are never rewritten.
	UpdateTransactionReview(ctx context.Context, tx *models.Transaction) error
	ListTransactions(ctx context.Context, filter TransactionFilter, page Page) ([]models.Transaction, int, error)
	// UpdateGameID rewrites the game id and clears any unmatched mark.
	UpdateGameID(ctx context.Context, txID, gameID string) error
	MarkGameUnmatched(ctx context.Context, txID string) error
}

type BetStore interface {
	// CreateBetWithHold writes the bet and its paired game_loss hold atomically.
	// It returns ErrDuplicate when the user already has a bet in the round.
	CreateBetWithHold(ctx context.Context, bet *models.Bet, hold *models.Transaction) error
	// SettleWin marks an active bet won, appends the game_win record and
	// annotates the hold. Replaying an already-applied settlement is a no-op;
	// settling a bet that is lost or cancelled returns ErrConflict.
	SettleWin(ctx context.Context, s WinSettlement) error
	// SettleLosses marks the listed bets of the round lost if still active and
	// annotates their holds. It returns how many bets changed.
	SettleLosses(ctx context.Context, roundID roundid.ID, crashPoint float64, betIDs []string) (int, error)
	GetBet(ctx context.Context, id string) (*models.Bet, error)
	ListBetsByRound(ctx context.Context, roundID roundid.ID) ([]models.Bet, error)
	SetBetReconciliation(ctx context.Context, betID string, needed bool) error
}

type RoundStore interface {
	CreateRound(ctx context.Context, round *models.RoundRecord) error
	ArchiveRound(ctx context.Context, id roundid.ID, crashPoint float64, endedAt time.Time) error
	GetRound(ctx context.Context, id roundid.ID) (*models.RoundRecord, error)
	// ListRounds returns archived rounds ended at or after since, newest first.
	ListRounds(ctx context.Context, since time.Time, page Page) ([]models.RoundRecord, int, error)
}

type CrashControlStore interface {
	// UpsertOverride replaces the pending single override or creates one.
	UpsertOverride(ctx context.Context, value float64) (*models.CrashOverride, bool, error)
	// ConsumeOverride atomically marks the pending override used and returns
	// it, or ErrNotFound when there is none.
	ConsumeOverride(ctx context.Context) (*models.CrashOverride, error)
	// ReplaceSequence installs values as the active sequence at index 0 and
	// consumes any pending single override.
	ReplaceSequence(ctx context.Context, values []float64) (*models.CrashSequence, error)
	ActiveSequence(ctx context.Context) (*models.CrashSequence, error)
	// AdvanceSequence returns the value at the current index and persists the
	// next index, or ErrNotFound when no sequence is active.
	AdvanceSequence(ctx context.Context) (float64, int, error)
	DeactivateSequences(ctx context.Context) (int, error)
}

// Store is the full persistence contract used by the game server.
type Store interface {
	LedgerStore
	BetStore
	RoundStore
	CrashControlStore
	Health() map[string]string
	Close()
}
