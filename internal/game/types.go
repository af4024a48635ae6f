package game

import (
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
)

// Server to client events.
const (
	EventGameState        = "game_state"
	EventMultiplierUpdate = "multiplier_update"
	EventGameStarted      = "game_started"
	EventNewBet           = "new_bet"
	EventBetConfirmed     = "bet_confirmed"
	EventCashedOut        = "cashed_out"
	EventCashoutConfirmed = "cashout_confirmed"
	EventGameCrashed      = "game_crashed"
	EventCountdown        = "countdown"
	EventRoundFailed      = "round_failed"
	EventGameID           = "game_id"
	EventError            = "error"
	EventPong             = "pong"
)

// Client to server actions.
const (
	ActionPlaceBet      = "place_bet"
	ActionCashOut       = "cash_out"
	ActionRequestGameID = "request_game_id"
	ActionPing          = "ping"
)

type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func NewMessage(event string, data any) WSMessage {
	return WSMessage{Type: event, Data: data}
}

// RoundState is the live state of the round owned by the Manager.
type RoundState struct {
	RoundID    roundid.ID         `json:"roundId"`
	Status     models.RoundStatus `json:"status"`
	Multiplier float64            `json:"multiplier"`
	CrashPoint float64            `json:"-"`
	IsAdminSet bool               `json:"-"`
	Ticks      int                `json:"-"`
	Countdown  int                `json:"countdown"`
	StartedAt  time.Time          `json:"startedAt"`
	EndedAt    time.Time          `json:"endedAt,omitempty"`
}

type GameState struct {
	Status        models.RoundStatus `json:"status"`
	Multiplier    float64            `json:"multiplier"`
	RoundID       roundid.ID         `json:"roundId,omitempty"`
	Countdown     int                `json:"countdown"`
	CrashPoint    float64            `json:"crashPoint,omitempty"`
	RecentCrashes []float64          `json:"recentCrashes"`
}

type MultiplierUpdate struct {
	Multiplier float64 `json:"multiplier"`
}

type GameStarted struct {
	RoundID roundid.ID `json:"roundId"`
}

type GameCrashed struct {
	RoundID    roundid.ID `json:"roundId"`
	CrashPoint float64    `json:"crashPoint"`
}

type Countdown struct {
	SecondsRemaining int `json:"secondsRemaining"`
}

type RoundFailed struct {
	Reason string `json:"reason"`
}

type GameID struct {
	RoundID roundid.ID `json:"roundId"`
}

type ErrorMessage struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type NewBet struct {
	UserID        string          `json:"userId"`
	UserName      string          `json:"userName,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt float64         `json:"autoCashoutAt,omitempty"`
	RoundID       roundid.ID      `json:"roundId"`
}

type CashedOut struct {
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName,omitempty"`
	BetID      string          `json:"betId"`
	Multiplier float64         `json:"multiplier"`
	WinAmount  decimal.Decimal `json:"winAmount"`
	Auto       bool            `json:"auto"`
}

// ClientMessage is any action sent by a websocket client.
type ClientMessage struct {
	Type          string          `json:"type"`
	UserID        string          `json:"userId"`
	UserName      string          `json:"userName"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt float64         `json:"autoCashoutAt"`
	RoundID       string          `json:"roundId"`
	Multiplier    float64         `json:"multiplier"`
}
