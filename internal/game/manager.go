package game

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"crashgame/internal/apperror"
	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/settlement"
	"crashgame/internal/store"
)

const (
	DefaultTickInterval    = 100 * time.Millisecond
	DefaultCountdown       = 5 * time.Second
	DefaultGrowthPerSecond = 1.0
	DefaultRecentCrashes   = 50

	minCrashPoint = 1.01
)

type Broadcaster interface {
	Broadcast(message any)
	SendTo(userID string, message any)
}

type CrashSource interface {
	Next(ctx context.Context) (float64, bool, error)
}

// LiveCache holds short-lived round data for other readers. Failures are
// logged and never affect the round.
type LiveCache interface {
	SaveRound(ctx context.Context, roundID string, snapshot any) error
	PushCrash(ctx context.Context, round models.RoundRecord) error
	RecentCrashes(ctx context.Context, n int) ([]models.RoundRecord, error)
}

type Config struct {
	TickInterval    time.Duration
	Countdown       time.Duration
	CountdownStep   time.Duration
	GrowthPerSecond float64
	WriteTimeout    time.Duration
	RecentCrashes   int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Countdown < 0 {
		c.Countdown = 0
	}
	if c.CountdownStep <= 0 {
		c.CountdownStep = time.Second
	}
	if c.GrowthPerSecond <= 0 {
		c.GrowthPerSecond = DefaultGrowthPerSecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = settlement.DefaultWriteTimeout
	}
	if c.RecentCrashes <= 0 {
		c.RecentCrashes = DefaultRecentCrashes
	}
	return c
}

// Manager runs rounds one after another: waiting, running, crashed.
type Manager struct {
	hub    Broadcaster
	source CrashSource
	engine *settlement.Engine
	rounds store.RoundStore
	cache  LiveCache
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state RoundState

	recentMu sync.RWMutex
	recent   []models.RoundRecord
}

// NewManager wires the round loop. cache may be nil.
func NewManager(hub Broadcaster, source CrashSource, engine *settlement.Engine, rounds store.RoundStore, cache LiveCache, cfg Config) *Manager {
	m := &Manager{
		hub:    hub,
		source: source,
		engine: engine,
		rounds: rounds,
		cache:  cache,
		cfg:    cfg.withDefaults(),
		log:    zap.L().Named("game"),
		now:    time.Now,
		state:  RoundState{Status: models.RoundWaiting, Multiplier: 1.0},
	}
	engine.OnAutoCashout(m.announceWin)
	return m
}

// Run drives rounds until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("game loop started",
		zap.Duration("tick", m.cfg.TickInterval),
		zap.Duration("countdown", m.cfg.Countdown))
	for {
		if err := m.RunCountdown(ctx); err != nil {
			m.log.Info("game loop stopped")
			return err
		}
		if err := m.StartRound(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error("round failed to start", zap.Error(err))
			m.hub.Broadcast(NewMessage(EventRoundFailed, RoundFailed{Reason: apperror.ReasonOf(err)}))
			continue
		}
		m.runTicks(ctx)
	}
}

// State returns a copy of the live round state, crash point included.
func (m *Manager) State() RoundState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GameState is what a client sees on connect or via GET /game/state.
func (m *Manager) GameState(ctx context.Context) GameState {
	st := m.State()
	gs := GameState{
		Status:        st.Status,
		Multiplier:    st.Multiplier,
		RoundID:       st.RoundID,
		Countdown:     st.Countdown,
		RecentCrashes: []float64{},
	}
	if st.Status == models.RoundCrashed {
		gs.CrashPoint = st.CrashPoint
	}
	for _, r := range m.RecentCrashes(ctx, 10) {
		gs.RecentCrashes = append(gs.RecentCrashes, r.CrashPoint)
	}
	return gs
}

// StartRound moves waiting to running. The round does not start when the
// crash point or the round record cannot be persisted.
func (m *Manager) StartRound(ctx context.Context) error {
	nctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	crashPoint, isAdmin, err := m.source.Next(nctx)
	cancel()
	if err != nil {
		return fmt.Errorf("determine crash point: %w", err)
	}

	id := roundid.New()
	startedAt := m.now()
	rec := &models.RoundRecord{
		ID:         id,
		Status:     models.RoundRunning,
		CrashPoint: crashPoint,
		IsAdminSet: isAdmin,
		StartedAt:  startedAt,
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	err = m.rounds.CreateRound(wctx, rec)
	cancel()
	if err != nil {
		return apperror.Persistence(err, "create round %s", id)
	}

	m.mu.Lock()
	m.state = RoundState{
		RoundID:    id,
		Status:     models.RoundRunning,
		Multiplier: 1.0,
		CrashPoint: crashPoint,
		IsAdminSet: isAdmin,
		StartedAt:  startedAt,
	}
	snapshot := m.state
	m.mu.Unlock()

	m.engine.OpenRound(id)
	m.hub.Broadcast(NewMessage(EventGameStarted, GameStarted{RoundID: id}))
	m.saveSnapshot(ctx, snapshot)

	m.log.Info("round started", zap.String("round_id", id.String()), zap.Bool("admin_set", isAdmin))
	m.log.Debug("round crash point", zap.String("round_id", id.String()), zap.Float64("crash_point", crashPoint))
	return nil
}

// runTicks owns the round's ticker; it is stopped when the round crashes.
func (m *Manager) runTicks(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("tick loop panicked, crashing round", zap.Any("panic", r))
			m.crash(ctx)
		}
	}()

	if st := m.State(); st.CrashPoint <= minCrashPoint {
		m.crash(ctx)
		return
	}

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Tick(ctx) {
				return
			}
		}
	}
}

// Tick advances the running round by one interval. It reports whether the
// round has crashed.
func (m *Manager) Tick(ctx context.Context) bool {
	m.mu.Lock()
	if m.state.Status != models.RoundRunning {
		m.mu.Unlock()
		return true
	}
	m.state.Ticks++
	mult := MultiplierAt(m.state.Ticks, m.cfg.TickInterval, m.cfg.GrowthPerSecond)
	if mult >= m.state.CrashPoint {
		m.mu.Unlock()
		m.crash(ctx)
		return true
	}
	m.state.Multiplier = mult
	m.mu.Unlock()

	m.engine.Advance(ctx, mult)
	m.hub.Broadcast(NewMessage(EventMultiplierUpdate, MultiplierUpdate{Multiplier: mult}))
	return false
}

// MultiplierAt is the multiplier after ticks intervals, rounded to 2 dp.
func MultiplierAt(ticks int, interval time.Duration, growthPerSecond float64) float64 {
	v := 1 + float64(ticks)*interval.Seconds()*growthPerSecond
	return math.Round(v*100) / 100
}

func (m *Manager) crash(ctx context.Context) {
	m.mu.RLock()
	running := m.state.Status == models.RoundRunning
	crashPoint := m.state.CrashPoint
	m.mu.RUnlock()
	if !running {
		return
	}

	for _, win := range m.engine.Freeze(ctx, crashPoint) {
		m.announceWin(win)
	}

	endedAt := m.now()
	m.mu.Lock()
	m.state.Status = models.RoundCrashed
	m.state.Multiplier = crashPoint
	m.state.EndedAt = endedAt
	st := m.state
	m.mu.Unlock()

	m.hub.Broadcast(NewMessage(EventGameCrashed, GameCrashed{RoundID: st.RoundID, CrashPoint: crashPoint}))

	lost, err := m.engine.CloseRound(ctx)
	if err != nil {
		m.log.Error("closing round losses failed", zap.String("round_id", st.RoundID.String()), zap.Error(err))
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	if err := m.rounds.ArchiveRound(wctx, st.RoundID, crashPoint, endedAt); err != nil {
		m.log.Error("archive round failed", zap.String("round_id", st.RoundID.String()), zap.Error(err))
	}
	cancel()

	m.rememberCrash(ctx, models.RoundRecord{
		ID:         st.RoundID,
		Status:     models.RoundCrashed,
		CrashPoint: crashPoint,
		IsAdminSet: st.IsAdminSet,
		StartedAt:  st.StartedAt,
		EndedAt:    &endedAt,
	})
	m.saveSnapshot(ctx, st)

	m.log.Info("round crashed",
		zap.String("round_id", st.RoundID.String()),
		zap.Float64("crash_point", crashPoint),
		zap.Int("lost_bets", lost))
}

// RunCountdown announces the seconds left before the next round.
func (m *Manager) RunCountdown(ctx context.Context) error {
	steps := int(math.Ceil(float64(m.cfg.Countdown) / float64(m.cfg.CountdownStep)))

	m.mu.Lock()
	m.state.Status = models.RoundWaiting
	m.mu.Unlock()

	for remaining := steps; remaining > 0; remaining-- {
		m.mu.Lock()
		m.state.Countdown = remaining
		m.mu.Unlock()
		m.hub.Broadcast(NewMessage(EventCountdown, Countdown{SecondsRemaining: remaining}))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.CountdownStep):
		}
	}

	m.mu.Lock()
	m.state.Countdown = 0
	m.mu.Unlock()
	return ctx.Err()
}

// PlaceBet admits a bet into the running round and announces it.
func (m *Manager) PlaceBet(ctx context.Context, req settlement.PlaceBetRequest) (*models.Bet, error) {
	bet, err := m.engine.PlaceBet(ctx, req)
	if err != nil {
		return nil, err
	}
	m.hub.Broadcast(NewMessage(EventNewBet, NewBet{
		UserID:        bet.UserID,
		UserName:      bet.UserName,
		Amount:        bet.Stake,
		AutoCashoutAt: bet.AutoCashoutAt,
		RoundID:       bet.RoundID,
	}))
	m.hub.SendTo(bet.UserID, NewMessage(EventBetConfirmed, bet))
	return bet, nil
}

// CashOut settles the user's bet at the current multiplier and announces it.
func (m *Manager) CashOut(ctx context.Context, userID string, roundID roundid.ID, clientMultiplier float64) (*settlement.CashOutResult, error) {
	res, err := m.engine.CashOut(ctx, userID, roundID, clientMultiplier)
	if err != nil {
		return nil, err
	}
	m.announceWin(*res)
	return res, nil
}

func (m *Manager) announceWin(res settlement.CashOutResult) {
	m.hub.Broadcast(NewMessage(EventCashedOut, CashedOut{
		UserID:     res.Bet.UserID,
		UserName:   res.Bet.UserName,
		BetID:      res.Bet.ID,
		Multiplier: res.Multiplier,
		WinAmount:  res.WinAmount,
		Auto:       res.Auto,
	}))
	m.hub.SendTo(res.Bet.UserID, NewMessage(EventCashoutConfirmed, res))
}

// RecentCrashes returns up to n archived rounds, newest first.
func (m *Manager) RecentCrashes(ctx context.Context, n int) []models.RoundRecord {
	if m.cache != nil {
		recs, err := m.cache.RecentCrashes(ctx, n)
		if err == nil && len(recs) > 0 {
			return recs
		}
		if err != nil {
			m.log.Warn("recent crashes from cache failed", zap.Error(err))
		}
	}
	m.recentMu.RLock()
	defer m.recentMu.RUnlock()
	n = min(n, len(m.recent))
	out := make([]models.RoundRecord, n)
	copy(out, m.recent[:n])
	return out
}

func (m *Manager) rememberCrash(ctx context.Context, rec models.RoundRecord) {
	m.recentMu.Lock()
	m.recent = append([]models.RoundRecord{rec}, m.recent...)
	if len(m.recent) > m.cfg.RecentCrashes {
		m.recent = m.recent[:m.cfg.RecentCrashes]
	}
	m.recentMu.Unlock()

	if m.cache == nil {
		return
	}
	if err := m.cache.PushCrash(ctx, rec); err != nil {
		m.log.Warn("push recent crash failed", zap.String("round_id", rec.ID.String()), zap.Error(err))
	}
}

func (m *Manager) saveSnapshot(ctx context.Context, st RoundState) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SaveRound(ctx, st.RoundID.String(), st); err != nil {
		m.log.Warn("save round snapshot failed", zap.String("round_id", st.RoundID.String()), zap.Error(err))
	}
}
