package models

import (
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/roundid"
)

type RoundStatus string

const (
	RoundWaiting RoundStatus = "waiting"
	RoundRunning RoundStatus = "running"
	RoundCrashed RoundStatus = "crashed"
)

// RoundRecord is the persisted round, a.k.a. crash history once archived.
type RoundRecord struct {
	ID         roundid.ID  `json:"gameId"`
	Status     RoundStatus `json:"status"`
	CrashPoint float64     `json:"crashPoint"`
	IsAdminSet bool        `json:"isAdminSet"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
}

type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetCancelled BetStatus = "cancelled"
)

func (s BetStatus) Terminal() bool {
	return s == BetWon || s == BetLost || s == BetCancelled
}

type Bet struct {
	ID                  string          `json:"betId"`
	UserID              string          `json:"userId"`
	UserName            string          `json:"userName,omitempty"`
	RoundID             roundid.ID      `json:"roundId"`
	Stake               decimal.Decimal `json:"amount"`
	Status              BetStatus       `json:"status"`
	AutoCashoutAt       float64         `json:"autoCashoutAt,omitempty"`
	CashoutMultiplier   float64         `json:"cashoutMultiplier,omitempty"`
	WinAmount           decimal.Decimal `json:"winAmount"`
	HoldTxID            string          `json:"-"`
	NeedsReconciliation bool            `json:"-"`
	Seq                 int64           `json:"-"`
	PlacedAt            time.Time       `json:"placedAt"`
	SettledAt           *time.Time      `json:"settledAt,omitempty"`
}

// CrashOverride is a one-shot operator crash value.
type CrashOverride struct {
	ID        string     `json:"id"`
	Value     float64    `json:"crashValue"`
	Used      bool       `json:"isUsed"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// CrashSequence is a repeating list of operator crash values.
type CrashSequence struct {
	ID           string    `json:"id"`
	Values       []float64 `json:"crashValues"`
	CurrentIndex int       `json:"currentIndex"`
	Active       bool      `json:"isActive"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
