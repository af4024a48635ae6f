// Package stats aggregates the ledger and round history for operators.
//
// Every bet leaves exactly one game_loss hold whose gameDetails carry the
// stake, the outcome and the cash-out multiplier; wins add a game_win
// record with the payout. Stakes and per-bet outcomes are therefore read
// from holds and payouts from game_win records.
package stats

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/apperror"
	"crashgame/internal/ledger"
	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

type TimeFrame string

const (
	FrameHour  TimeFrame = "hour"
	FrameToday TimeFrame = "today"
	FrameWeek  TimeFrame = "week"
	FrameMonth TimeFrame = "month"
	FrameAll   TimeFrame = "all"
)

const (
	DefaultGamesLimit    = 20
	DefaultUserBetsLimit = 50
)

// ParseTimeFrame accepts the query value; empty means all.
func ParseTimeFrame(raw string) (TimeFrame, error) {
	switch tf := TimeFrame(raw); tf {
	case "":
		return FrameAll, nil
	case FrameHour, FrameToday, FrameWeek, FrameMonth, FrameAll:
		return tf, nil
	}
	return "", apperror.Validation(apperror.ReasonInvalidRequest, "unknown time frame %q", raw)
}

// Since returns the inclusive lower bound of the frame relative to now.
// Weeks start on Sunday and months on the 1st, both at local midnight.
func (tf TimeFrame) Since(now time.Time) time.Time {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	switch tf {
	case FrameHour:
		return now.Add(-time.Hour)
	case FrameToday:
		return midnight
	case FrameWeek:
		return midnight.AddDate(0, 0, -int(now.Weekday()))
	case FrameMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	}
	return time.Time{}
}

type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

func pagination(p store.Page, total int) Pagination {
	return Pagination{Total: total, Page: p.Page, Limit: p.Limit, Pages: p.Pages(total)}
}

type BetStats struct {
	TotalUsers  int             `json:"totalUsers"`
	TotalBets   int             `json:"totalBets"`
	StakeAmount decimal.Decimal `json:"stakeAmount"`
	WinUsers    int             `json:"winUsers"`
	WinAmount   decimal.Decimal `json:"winAmount"`
	LossUsers   int             `json:"lossUsers"`
	LossAmount  decimal.Decimal `json:"lossAmount"`
	AdminProfit decimal.Decimal `json:"adminProfit"`
	IsProfit    bool            `json:"isProfit"`
	TimeFrame   TimeFrame       `json:"timeFrame"`
}

type GameSummary struct {
	GameID         roundid.ID      `json:"gameId"`
	CrashPoint     float64         `json:"crashPoint"`
	IsAdminSet     bool            `json:"isAdminSet"`
	Timestamp      *time.Time      `json:"timestamp"`
	PlayerCount    int             `json:"playerCount"`
	TotalBetAmount decimal.Decimal `json:"totalBetAmount"`
	TotalWinAmount decimal.Decimal `json:"totalWinAmount"`
	AdminProfit    decimal.Decimal `json:"adminProfit"`
}

type GamesPage struct {
	Games      []GameSummary `json:"games"`
	Pagination Pagination    `json:"pagination"`
	TimeFrame  TimeFrame     `json:"timeFrame"`
}

type BetLine struct {
	TxID              string          `json:"id"`
	UserID            string          `json:"userId"`
	UserName          string          `json:"username"`
	GameID            string          `json:"gameId"`
	Amount            decimal.Decimal `json:"amount"`
	WinAmount         decimal.Decimal `json:"winAmount"`
	Profit            decimal.Decimal `json:"profit"`
	Status            string          `json:"status"`
	CashoutMultiplier float64         `json:"cashoutMultiplier"`
	CrashPoint        float64         `json:"crashPoint,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type GameReport struct {
	GameID         string          `json:"gameId"`
	CrashPoint     *float64        `json:"crashPoint"`
	IsAdminSet     bool            `json:"isAdminSet"`
	Timestamp      *time.Time      `json:"timestamp"`
	TotalBets      int             `json:"totalBets"`
	TotalBetAmount decimal.Decimal `json:"totalBetAmount"`
	TotalWinAmount decimal.Decimal `json:"totalWinAmount"`
	AdminProfit    decimal.Decimal `json:"adminProfit"`
	Bets           []BetLine       `json:"bets"`
}

type UserBetsPage struct {
	Bets       []BetLine  `json:"bets"`
	Pagination Pagination `json:"pagination"`
	TimeFrame  TimeFrame  `json:"timeFrame"`
}

type Service struct {
	ledger store.LedgerStore
	rounds store.RoundStore
	now    func() time.Time
}

func NewService(ledger store.LedgerStore, rounds store.RoundStore) *Service {
	return &Service{ledger: ledger, rounds: rounds, now: time.Now}
}

// WithClock fixes the reference time used to resolve time frames.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

var gameTypes = []models.TransactionType{models.TxGameWin, models.TxGameLoss}

// BetStats totals bets, payouts and house profit within the frame.
func (s *Service) BetStats(ctx context.Context, tf TimeFrame) (*BetStats, error) {
	txs, _, err := s.ledger.ListTransactions(ctx, store.TransactionFilter{
		Types:    gameTypes,
		Statuses: []models.TransactionStatus{models.StatusConfirmed},
		Since:    tf.Since(s.now()),
	}, store.Page{})
	if err != nil {
		return nil, apperror.Persistence(err, "load game records")
	}

	out := &BetStats{
		StakeAmount: decimal.Zero,
		WinAmount:   decimal.Zero,
		LossAmount:  decimal.Zero,
		TimeFrame:   tf,
	}
	users := map[string]struct{}{}
	winners := map[string]struct{}{}
	losers := map[string]struct{}{}
	for _, tx := range txs {
		users[tx.UserID] = struct{}{}
		switch tx.Type {
		case models.TxGameWin:
			winners[tx.UserID] = struct{}{}
			out.WinAmount = out.WinAmount.Add(tx.Amount.Abs())
		case models.TxGameLoss:
			out.TotalBets++
			stake := stakeOf(tx)
			out.StakeAmount = out.StakeAmount.Add(stake)
			if tx.GameDetails != nil && tx.GameDetails.Result == models.ResultLost {
				losers[tx.UserID] = struct{}{}
				out.LossAmount = out.LossAmount.Add(stake)
			}
		}
	}
	out.TotalUsers = len(users)
	out.WinUsers = len(winners)
	out.LossUsers = len(losers)
	out.AdminProfit = ledger.RoundMoney(out.StakeAmount.Sub(out.WinAmount))
	out.IsProfit = !out.AdminProfit.IsNegative()
	return out, nil
}

// Games lists archived rounds in the frame, newest first, with per-round
// totals.
func (s *Service) Games(ctx context.Context, tf TimeFrame, page store.Page) (*GamesPage, error) {
	page = page.Normalize(DefaultGamesLimit)
	rounds, total, err := s.rounds.ListRounds(ctx, tf.Since(s.now()), page)
	if err != nil {
		return nil, apperror.Persistence(err, "list rounds")
	}

	out := &GamesPage{Games: make([]GameSummary, 0, len(rounds)), Pagination: pagination(page, total), TimeFrame: tf}
	for _, r := range rounds {
		txs, err := s.gameRecords(ctx, r.ID.String())
		if err != nil {
			return nil, err
		}
		t := totals(txs)
		out.Games = append(out.Games, GameSummary{
			GameID:         r.ID,
			CrashPoint:     r.CrashPoint,
			IsAdminSet:     r.IsAdminSet,
			Timestamp:      r.EndedAt,
			PlayerCount:    t.players,
			TotalBetAmount: t.stakes,
			TotalWinAmount: t.wins,
			AdminProfit:    ledger.RoundMoney(t.stakes.Sub(t.wins)),
		})
	}
	return out, nil
}

// GameReport details one round. Unknown rounds yield an empty report, not
// an error, so operators can still inspect stray ledger ids.
func (s *Service) GameReport(ctx context.Context, rawID string) (*GameReport, error) {
	if rawID == "" {
		return nil, apperror.Validation(apperror.ReasonInvalidRequest, "game id is required")
	}
	out := &GameReport{GameID: rawID, TotalBetAmount: decimal.Zero, TotalWinAmount: decimal.Zero, AdminProfit: decimal.Zero, Bets: []BetLine{}}

	lookup := []string{rawID}
	if id, ok := roundid.Normalize(rawID); ok {
		out.GameID = id.String()
		if id.String() != rawID {
			lookup = []string{id.String(), rawID}
		}
		r, err := s.rounds.GetRound(ctx, id)
		switch {
		case err == nil:
			cp := r.CrashPoint
			if r.Status == models.RoundCrashed {
				out.CrashPoint = &cp
			}
			out.IsAdminSet = r.IsAdminSet
			out.Timestamp = r.EndedAt
		case !errors.Is(err, store.ErrNotFound):
			return nil, apperror.Persistence(err, "load round %s", id)
		}
	}

	var txs []models.Transaction
	for _, gid := range lookup {
		found, err := s.gameRecords(ctx, gid)
		if err != nil {
			return nil, err
		}
		txs = append(txs, found...)
	}
	t := totals(txs)
	out.TotalBets = t.bets
	out.TotalBetAmount = t.stakes
	out.TotalWinAmount = t.wins
	out.AdminProfit = ledger.RoundMoney(t.stakes.Sub(t.wins))
	for _, tx := range txs {
		if tx.Type == models.TxGameLoss {
			out.Bets = append(out.Bets, betLine(tx))
		}
	}
	return out, nil
}

// UserBets pages through every bet in the frame, newest first.
func (s *Service) UserBets(ctx context.Context, tf TimeFrame, page store.Page) (*UserBetsPage, error) {
	page = page.Normalize(DefaultUserBetsLimit)
	txs, total, err := s.ledger.ListTransactions(ctx, store.TransactionFilter{
		Types: []models.TransactionType{models.TxGameLoss},
		Since: tf.Since(s.now()),
	}, page)
	if err != nil {
		return nil, apperror.Persistence(err, "list bets")
	}
	out := &UserBetsPage{Bets: make([]BetLine, 0, len(txs)), Pagination: pagination(page, total), TimeFrame: tf}
	for _, tx := range txs {
		out.Bets = append(out.Bets, betLine(tx))
	}
	return out, nil
}

func (s *Service) gameRecords(ctx context.Context, gameID string) ([]models.Transaction, error) {
	txs, _, err := s.ledger.ListTransactions(ctx, store.TransactionFilter{
		Types:    gameTypes,
		Statuses: []models.TransactionStatus{models.StatusConfirmed},
		GameID:   gameID,
	}, store.Page{})
	if err != nil {
		return nil, apperror.Persistence(err, "load records of game %s", gameID)
	}
	return txs, nil
}

type roundTotals struct {
	bets    int
	players int
	stakes  decimal.Decimal
	wins    decimal.Decimal
}

func totals(txs []models.Transaction) roundTotals {
	t := roundTotals{stakes: decimal.Zero, wins: decimal.Zero}
	players := map[string]struct{}{}
	for _, tx := range txs {
		players[tx.UserID] = struct{}{}
		switch tx.Type {
		case models.TxGameLoss:
			t.bets++
			t.stakes = t.stakes.Add(stakeOf(tx))
		case models.TxGameWin:
			t.wins = t.wins.Add(tx.Amount.Abs())
		}
	}
	t.players = len(players)
	return t
}

func stakeOf(tx models.Transaction) decimal.Decimal {
	if tx.GameDetails != nil && tx.GameDetails.BetAmount.IsPositive() {
		return tx.GameDetails.BetAmount
	}
	return tx.Amount.Abs()
}

func betLine(hold models.Transaction) BetLine {
	stake := stakeOf(hold)
	line := BetLine{
		TxID:      hold.ID,
		UserID:    hold.UserID,
		UserName:  hold.UserName,
		GameID:    hold.GameID(),
		Amount:    stake,
		WinAmount: decimal.Zero,
		Status:    string(models.ResultPending),
		CreatedAt: hold.CreatedAt,
	}
	if line.UserName == "" {
		line.UserName = "Anonymous"
	}
	if d := hold.GameDetails; d != nil {
		line.CrashPoint = d.CrashPoint
		switch d.Result {
		case models.ResultWin:
			line.Status = "won"
			line.CashoutMultiplier = d.Multiplier
			line.WinAmount = ledger.WinAmount(stake, d.Multiplier)
		case models.ResultLost:
			line.Status = "lost"
		}
	}
	line.Profit = line.WinAmount.Sub(stake)
	return line
}
