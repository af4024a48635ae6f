package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxDeposit          TransactionType = "deposit"
	TxWithdrawal       TransactionType = "withdrawal"
	TxGameWin          TransactionType = "game_win"
	TxGameLoss         TransactionType = "game_loss"
	TxWithdrawalRefund TransactionType = "withdrawal_refund"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxGameWin, TxGameLoss, TxWithdrawalRefund:
		return true
	}
	return false
}

// Credit reports whether the type adds to the balance.
func (t TransactionType) Credit() bool {
	return t == TxDeposit || t == TxGameWin || t == TxWithdrawalRefund
}

func (t TransactionType) Game() bool {
	return t == TxGameWin || t == TxGameLoss
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusRejected  TransactionStatus = "rejected"
)

func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusRejected
}

// Approval tracks operator review of withdrawals, independent of Status.
type Approval string

const (
	ApprovalPending  Approval = "pending"
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
)

func (a Approval) Valid() bool {
	return a == ApprovalPending || a == ApprovalApproved || a == ApprovalRejected
}

type GameResult string

const (
	ResultPending GameResult = "pending"
	ResultWin     GameResult = "win"
	ResultLost    GameResult = "lost"
)

// GameDetails is a denormalized snapshot of the bet and round for reporting.
// GameID is kept as a raw string because historical rows carry legacy formats.
type GameDetails struct {
	BetAmount  decimal.Decimal `json:"betAmount"`
	Multiplier float64         `json:"multiplier"`
	Result     GameResult      `json:"result"`
	GameID     string          `json:"gameId"`
	CrashPoint float64         `json:"crashPoint,omitempty"`
	// Unmatched is set by reconciliation when no round fits GameID.
	Unmatched bool `json:"unmatched,omitempty"`
}

type Transaction struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	UserName        string            `json:"userName,omitempty"`
	Amount          decimal.Decimal   `json:"amount"`
	Type            TransactionType   `json:"transactionType"`
	Status          TransactionStatus `json:"status"`
	AdminApproval   Approval          `json:"adminApproval,omitempty"`
	RejectionReason string            `json:"rejectionReason,omitempty"`
	ExternalRef     string            `json:"transactionId,omitempty"`
	GameDetails     *GameDetails      `json:"gameDetails,omitempty"`
	Supersedes      string            `json:"supersedes,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (t Transaction) GameID() string {
	if t.GameDetails == nil {
		return ""
	}
	return t.GameDetails.GameID
}
