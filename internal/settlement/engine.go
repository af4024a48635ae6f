// Package settlement turns bets into ledger movements. It keeps the
// in-memory book of the running round, admits bets and cash-outs against it
// and writes every outcome through the bet store.
package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/apperror"
	"crashgame/internal/ledger"
	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

var (
	DefaultMinStake = decimal.NewFromInt(1)
	DefaultMaxStake = decimal.NewFromInt(10000)
)

const DefaultWriteTimeout = 2 * time.Second

type Options struct {
	MinStake     decimal.Decimal
	MaxStake     decimal.Decimal
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinStake.IsZero() {
		o.MinStake = DefaultMinStake
	}
	if o.MaxStake.IsZero() {
		o.MaxStake = DefaultMaxStake
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Balances is the part of the ledger the engine needs.
type Balances interface {
	ComputeBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Locks() *ledger.UserLocks
}

type entryState int

const (
	statePlacing entryState = iota
	stateActive
	stateSettling
	stateWon
	stateLost
)

type entry struct {
	bet   models.Bet
	state entryState
}

// book is the engine's view of the current round.
type book struct {
	roundID    roundid.ID
	status     models.RoundStatus
	multiplier float64
	crashPoint float64
	bets       map[string]*entry // by user id
	seq        int64
	inflight   sync.WaitGroup
}

type Engine struct {
	bets     store.BetStore
	balances Balances
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	book *book

	retries *retryQueue
	onAuto  func(CashOutResult)
}

func NewEngine(bets store.BetStore, balances Balances, opts Options) *Engine {
	return &Engine{
		bets:     bets,
		balances: balances,
		opts:     opts.withDefaults(),
		log:      zap.L().Named("settlement"),
		now:      time.Now,
		retries:  newRetryQueue(),
	}
}

type PlaceBetRequest struct {
	UserID        string
	UserName      string
	RoundID       roundid.ID
	Stake         decimal.Decimal
	AutoCashoutAt float64
}

type CashOutResult struct {
	Bet         models.Bet      `json:"bet"`
	Multiplier  float64         `json:"multiplier"`
	WinAmount   decimal.Decimal `json:"winAmount"`
	Profit      decimal.Decimal `json:"profit"`
	HouseResult decimal.Decimal `json:"houseResult"`
	Auto        bool            `json:"auto"`
}

// OpenRound starts accepting bets for id at 1.00x.
func (e *Engine) OpenRound(id roundid.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book = &book{
		roundID:    id,
		status:     models.RoundRunning,
		multiplier: 1.0,
		bets:       make(map[string]*entry),
	}
}

func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (*models.Bet, error) {
	if err := e.validateBet(req); err != nil {
		return nil, err
	}

	unlock := e.balances.Locks().Lock(req.UserID)
	defer unlock()

	b, ent, err := e.reserveBet(req)
	if err != nil {
		e.log.Info("bet rejected", zap.String("user_id", req.UserID), zap.String("reason", apperror.ReasonOf(err)))
		return nil, err
	}
	defer b.inflight.Done()

	bctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	balance, err := e.balances.ComputeBalance(bctx, req.UserID)
	cancel()
	if err != nil {
		e.release(b, req.UserID)
		if apperror.KindOf(err) == "" {
			err = apperror.Persistence(err, "balance for %s", req.UserID)
		}
		return nil, err
	}
	if balance.LessThan(req.Stake) {
		e.release(b, req.UserID)
		return nil, apperror.Conflict(apperror.ReasonInsufficientBalance, "balance %s is below stake %s", balance.StringFixed(2), req.Stake.StringFixed(2))
	}

	bet := ent.bet
	hold := &models.Transaction{
		ID:       uuid.NewString(),
		UserID:   bet.UserID,
		UserName: bet.UserName,
		Amount:   bet.Stake.Neg(),
		Type:     models.TxGameLoss,
		Status:   models.StatusConfirmed,
		GameDetails: &models.GameDetails{
			BetAmount: bet.Stake,
			Result:    models.ResultPending,
			GameID:    bet.RoundID.String(),
		},
		CreatedAt: bet.PlacedAt,
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	err = e.bets.CreateBetWithHold(wctx, &bet, hold)
	cancel()
	if errors.Is(err, store.ErrDuplicate) {
		e.release(b, req.UserID)
		return nil, apperror.Conflict(apperror.ReasonAlreadyPlaced, "bet already placed in round %s", bet.RoundID)
	}
	if err != nil {
		e.release(b, req.UserID)
		e.log.Error("bet write failed", zap.String("user_id", bet.UserID), zap.String("round_id", bet.RoundID.String()), zap.Error(err))
		return nil, apperror.Persistence(err, "create bet")
	}

	e.mu.Lock()
	ent.bet = bet
	ent.state = stateActive
	e.mu.Unlock()

	e.log.Info("bet placed",
		zap.String("user_id", bet.UserID),
		zap.String("round_id", bet.RoundID.String()),
		zap.String("bet_id", bet.ID),
		zap.String("stake", bet.Stake.StringFixed(2)),
		zap.Float64("auto_cashout", bet.AutoCashoutAt))
	return &bet, nil
}

func (e *Engine) validateBet(req PlaceBetRequest) error {
	if req.UserID == "" {
		return apperror.Validation(apperror.ReasonInvalidRequest, "user id is required")
	}
	if !req.Stake.IsPositive() || req.Stake.LessThan(e.opts.MinStake) {
		return apperror.Validation(apperror.ReasonInvalidStake, "stake must be at least %s", e.opts.MinStake.StringFixed(2))
	}
	if req.Stake.GreaterThan(e.opts.MaxStake) {
		return apperror.Validation(apperror.ReasonInvalidStake, "stake must be at most %s", e.opts.MaxStake.StringFixed(2))
	}
	if !ledger.HasCents(req.Stake) {
		return apperror.Validation(apperror.ReasonInvalidStake, "stake must have at most two decimals")
	}
	if req.AutoCashoutAt != 0 && req.AutoCashoutAt <= 1.0 {
		return apperror.Validation(apperror.ReasonInvalidAutoCashout, "auto cash-out must be above 1.00x")
	}
	return nil
}

// reserveBet claims the (user, round) slot under the book lock.
func (e *Engine) reserveBet(req PlaceBetRequest) (*book, *entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book
	if b == nil || b.status != models.RoundRunning || (!req.RoundID.IsZero() && req.RoundID != b.roundID) {
		return nil, nil, apperror.Conflict(apperror.ReasonRoundNotActive, "round is not accepting bets")
	}
	if _, ok := b.bets[req.UserID]; ok {
		return nil, nil, apperror.Conflict(apperror.ReasonAlreadyPlaced, "bet already placed in round %s", b.roundID)
	}
	if req.AutoCashoutAt != 0 && req.AutoCashoutAt <= b.multiplier {
		return nil, nil, apperror.Validation(apperror.ReasonInvalidAutoCashout, "auto cash-out must be above the current %.2fx", b.multiplier)
	}

	b.seq++
	ent := &entry{
		state: statePlacing,
		bet: models.Bet{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			UserName:      req.UserName,
			RoundID:       b.roundID,
			Stake:         req.Stake,
			Status:        models.BetActive,
			AutoCashoutAt: req.AutoCashoutAt,
			Seq:           b.seq,
			PlacedAt:      e.now(),
		},
	}
	b.bets[req.UserID] = ent
	b.inflight.Add(1)
	return b, ent, nil
}

func (e *Engine) release(b *book, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := b.bets[userID]; ok && ent.state == statePlacing {
		delete(b.bets, userID)
	}
}

// CashOut settles the user's active bet at the server's current multiplier.
// clientMultiplier is only checked, never used as the payout multiplier.
func (e *Engine) CashOut(ctx context.Context, userID string, roundID roundid.ID, clientMultiplier float64) (*CashOutResult, error) {
	unlock := e.balances.Locks().Lock(userID)
	defer unlock()

	b, ent, mult, err := e.reserveCashOut(userID, roundID, clientMultiplier)
	if err != nil {
		e.log.Info("cash-out rejected", zap.String("user_id", userID), zap.String("reason", apperror.ReasonOf(err)))
		return nil, err
	}
	defer b.inflight.Done()

	return e.settleWin(ctx, ent, mult, false)
}

func (e *Engine) reserveCashOut(userID string, roundID roundid.ID, clientMultiplier float64) (*book, *entry, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book
	if b == nil || (!roundID.IsZero() && roundID != b.roundID) {
		return nil, nil, 0, apperror.Conflict(apperror.ReasonRoundNotActive, "round is not active")
	}
	ent, ok := b.bets[userID]
	if !ok || ent.state == statePlacing {
		return nil, nil, 0, apperror.Conflict(apperror.ReasonNoActiveBet, "no active bet in round %s", b.roundID)
	}
	switch ent.state {
	case stateSettling, stateWon:
		return nil, nil, 0, apperror.Conflict(apperror.ReasonAlreadySettled, "bet %s already cashed out", ent.bet.ID)
	case stateLost:
		return nil, nil, 0, apperror.Conflict(apperror.ReasonAlreadySettled, "bet %s already lost", ent.bet.ID)
	}
	if b.status != models.RoundRunning {
		return nil, nil, 0, apperror.Conflict(apperror.ReasonRoundNotActive, "round %s has crashed", b.roundID)
	}
	if clientMultiplier > b.multiplier {
		return nil, nil, 0, apperror.Conflict(apperror.ReasonMultiplierAhead, "requested %.2fx but round is at %.2fx", clientMultiplier, b.multiplier)
	}

	ent.state = stateSettling
	b.inflight.Add(1)
	return b, ent, b.multiplier, nil
}

// settleWin writes the win for a reserved entry. On a failed write the bet
// is flagged and queued for retry; it is never reported as lost.
func (e *Engine) settleWin(ctx context.Context, ent *entry, mult float64, auto bool) (*CashOutResult, error) {
	bet := ent.bet
	win := ledger.WinAmount(bet.Stake, mult)
	settledAt := e.now()

	s := store.WinSettlement{
		BetID:      bet.ID,
		Multiplier: mult,
		WinAmount:  win,
		SettledAt:  settledAt,
		WinTx: &models.Transaction{
			ID:       uuid.NewString(),
			UserID:   bet.UserID,
			UserName: bet.UserName,
			Amount:   win,
			Type:     models.TxGameWin,
			Status:   models.StatusConfirmed,
			GameDetails: &models.GameDetails{
				BetAmount:  bet.Stake,
				Multiplier: mult,
				Result:     models.ResultWin,
				GameID:     bet.RoundID.String(),
			},
			CreatedAt: settledAt,
		},
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	err := e.bets.SettleWin(wctx, s)
	cancel()

	if errors.Is(err, store.ErrConflict) {
		e.mu.Lock()
		ent.state = stateLost
		e.mu.Unlock()
		return nil, apperror.Conflict(apperror.ReasonAlreadySettled, "bet %s was settled as lost", bet.ID)
	}
	if err != nil {
		e.log.Error("win write failed, queued for retry",
			zap.String("bet_id", bet.ID), zap.String("round_id", bet.RoundID.String()), zap.Error(err))
		e.mu.Lock()
		ent.bet.NeedsReconciliation = true
		e.mu.Unlock()
		e.retries.addWin(s)
		e.flag(ctx, bet.ID)
		return nil, apperror.Persistence(err, "settle bet %s", bet.ID)
	}

	e.mu.Lock()
	ent.state = stateWon
	ent.bet.Status = models.BetWon
	ent.bet.CashoutMultiplier = mult
	ent.bet.WinAmount = win
	ent.bet.SettledAt = &settledAt
	bet = ent.bet
	e.mu.Unlock()

	e.log.Info("bet won",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.Float64("multiplier", mult),
		zap.String("win_amount", win.StringFixed(2)),
		zap.Bool("auto", auto))

	return &CashOutResult{
		Bet:         bet,
		Multiplier:  mult,
		WinAmount:   win,
		Profit:      win.Sub(bet.Stake),
		HouseResult: bet.Stake.Sub(win),
		Auto:        auto,
	}, nil
}

func (e *Engine) flag(ctx context.Context, betID string) {
	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	if err := e.bets.SetBetReconciliation(wctx, betID, true); err != nil {
		e.log.Warn("could not flag bet for reconciliation", zap.String("bet_id", betID), zap.Error(err))
	}
}

// OnAutoCashout registers fn to receive every auto cash-out settled in the
// background by Advance. Call it before the first round opens.
func (e *Engine) OnAutoCashout(fn func(CashOutResult)) {
	e.onAuto = fn
}

// Advance moves the book to multiplier and returns how many auto cash-outs
// became due at it. Their writes run in the background in (autoCashoutAt,
// placement) order, each at its own target, and CloseRound waits for them.
func (e *Engine) Advance(ctx context.Context, multiplier float64) int {
	b, due := e.collectDue(func(b *book) bool {
		if b.status != models.RoundRunning {
			return false
		}
		b.multiplier = multiplier
		return true
	}, func(target float64) bool { return target <= multiplier })
	if len(due) == 0 {
		return 0
	}
	go e.settleDue(context.WithoutCancel(ctx), b, due, e.onAuto)
	return len(due)
}

// Crash is Freeze followed by CloseRound.
func (e *Engine) Crash(ctx context.Context, crashPoint float64) ([]CashOutResult, int, error) {
	wins := e.Freeze(ctx, crashPoint)
	lost, err := e.CloseRound(ctx)
	return wins, lost, err
}

// Freeze stops the round at crashPoint so no further bet or cash-out is
// admitted. Auto cash-outs at or below the crash point that have not fired
// yet are settled and returned.
func (e *Engine) Freeze(ctx context.Context, crashPoint float64) []CashOutResult {
	b, due := e.collectDue(func(b *book) bool {
		if b.status != models.RoundRunning {
			return false
		}
		b.status = models.RoundCrashed
		b.crashPoint = crashPoint
		b.multiplier = crashPoint
		return true
	}, func(target float64) bool { return target <= crashPoint })
	if b == nil {
		return nil
	}
	var wins []CashOutResult
	e.settleDue(ctx, b, due, func(res CashOutResult) { wins = append(wins, res) })
	return wins
}

// CloseRound waits for in-flight writes of the frozen round and closes its
// remaining active bets as lost.
func (e *Engine) CloseRound(ctx context.Context) (int, error) {
	e.mu.Lock()
	b := e.book
	if b == nil || b.status != models.RoundCrashed {
		e.mu.Unlock()
		return 0, nil
	}
	roundID, crashPoint := b.roundID, b.crashPoint
	e.mu.Unlock()

	b.inflight.Wait()
	return e.CloseRoundLosses(ctx, roundID, crashPoint)
}

func (e *Engine) collectDue(transition func(*book) bool, isDue func(float64) bool) (*book, []*entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book
	if b == nil || !transition(b) {
		return nil, nil
	}
	var due []*entry
	for _, ent := range b.bets {
		if ent.state == stateActive && ent.bet.AutoCashoutAt > 0 && isDue(ent.bet.AutoCashoutAt) {
			due = append(due, ent)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].bet.AutoCashoutAt != due[j].bet.AutoCashoutAt {
			return due[i].bet.AutoCashoutAt < due[j].bet.AutoCashoutAt
		}
		return due[i].bet.Seq < due[j].bet.Seq
	})
	for _, ent := range due {
		ent.state = stateSettling
		b.inflight.Add(1)
	}
	return b, due
}

// settleDue writes due in order and hands each win to emit before the entry
// stops counting as in flight.
func (e *Engine) settleDue(ctx context.Context, b *book, due []*entry, emit func(CashOutResult)) {
	for _, ent := range due {
		res, err := e.settleWin(ctx, ent, ent.bet.AutoCashoutAt, true)
		if err == nil && emit != nil {
			emit(*res)
		}
		b.inflight.Done()
	}
}

// CloseRoundLosses marks every still-active bet of the round lost. A second
// call finds nothing active and writes nothing.
func (e *Engine) CloseRoundLosses(ctx context.Context, roundID roundid.ID, crashPoint float64) (int, error) {
	ids, err := e.openBetIDs(ctx, roundID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	n, err := e.bets.SettleLosses(wctx, roundID, crashPoint, ids)
	cancel()
	if err != nil {
		e.log.Error("loss write failed, queued for retry",
			zap.String("round_id", roundID.String()), zap.Int("bets", len(ids)), zap.Error(err))
		e.retries.addLoss(roundID, crashPoint, ids)
		return 0, apperror.Persistence(err, "close losses for round %s", roundID)
	}

	e.markLost(roundID, ids)
	e.log.Info("round losses closed", zap.String("round_id", roundID.String()), zap.Int("lost", n))
	return n, nil
}

// openBetIDs lists active bets that are not reserved for a win. Bets the
// book does not know about, such as a placement whose reply timed out, are
// taken from the store.
func (e *Engine) openBetIDs(ctx context.Context, roundID roundid.ID) ([]string, error) {
	rctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	stored, err := e.bets.ListBetsByRound(rctx, roundID)
	cancel()
	if err != nil {
		return nil, apperror.Persistence(err, "list bets for round %s", roundID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	known := map[string]entryState{}
	if b := e.book; b != nil && b.roundID == roundID {
		for _, ent := range b.bets {
			known[ent.bet.ID] = ent.state
		}
	}
	var ids []string
	for _, bet := range stored {
		if bet.Status != models.BetActive {
			continue
		}
		if st, ok := known[bet.ID]; ok && st != stateActive && st != stateLost {
			continue
		}
		if e.retries.hasWin(bet.ID) {
			continue
		}
		ids = append(ids, bet.ID)
	}
	return ids, nil
}

func (e *Engine) markLost(roundID roundid.ID, ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book
	if b == nil || b.roundID != roundID {
		return
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, ent := range b.bets {
		if set[ent.bet.ID] && ent.state == stateActive {
			ent.state = stateLost
			ent.bet.Status = models.BetLost
		}
	}
}

// RoundBets returns a snapshot of the current round's bets, placement order.
func (e *Engine) RoundBets() []models.Bet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.book == nil {
		return nil
	}
	out := make([]models.Bet, 0, len(e.book.bets))
	for _, ent := range e.book.bets {
		if ent.state == statePlacing {
			continue
		}
		out = append(out, ent.bet)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Multiplier reports the book's current multiplier and round.
func (e *Engine) Multiplier() (roundid.ID, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.book == nil {
		return "", 0
	}
	return e.book.roundID, e.book.multiplier
}
