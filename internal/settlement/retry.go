package settlement

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

type lossRetry struct {
	roundID    roundid.ID
	crashPoint float64
	betIDs     []string
}

type retryQueue struct {
	mu     sync.Mutex
	wins   map[string]store.WinSettlement
	losses map[roundid.ID]lossRetry
}

func newRetryQueue() *retryQueue {
	return &retryQueue{
		wins:   make(map[string]store.WinSettlement),
		losses: make(map[roundid.ID]lossRetry),
	}
}

func (q *retryQueue) addWin(s store.WinSettlement) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wins[s.BetID] = s
}

func (q *retryQueue) addLoss(roundID roundid.ID, crashPoint float64, ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.losses[roundID] = lossRetry{roundID: roundID, crashPoint: crashPoint, betIDs: ids}
}

func (q *retryQueue) hasWin(betID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.wins[betID]
	return ok
}

func (q *retryQueue) snapshot() ([]store.WinSettlement, []lossRetry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wins := make([]store.WinSettlement, 0, len(q.wins))
	for _, w := range q.wins {
		wins = append(wins, w)
	}
	losses := make([]lossRetry, 0, len(q.losses))
	for _, l := range q.losses {
		losses = append(losses, l)
	}
	return wins, losses
}

func (q *retryQueue) doneWin(betID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.wins, betID)
}

func (q *retryQueue) doneLoss(roundID roundid.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.losses, roundID)
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.wins) + len(q.losses)
}

// PendingRetries reports how many settlements are waiting to be replayed.
func (e *Engine) PendingRetries() int {
	return e.retries.len()
}

// RunRetries replays queued settlements. Store operations are idempotent so
// a write that landed before its timeout is harmless to repeat. It returns
// how many entries were resolved.
func (e *Engine) RunRetries(ctx context.Context) (int, error) {
	wins, losses := e.retries.snapshot()
	resolved := 0
	var errs []error

	for _, w := range wins {
		wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
		err := e.bets.SettleWin(wctx, w)
		cancel()
		switch {
		case err == nil:
			e.retries.doneWin(w.BetID)
			e.markWon(w)
			resolved++
			e.log.Info("queued win settled", zap.String("bet_id", w.BetID))
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			e.retries.doneWin(w.BetID)
			resolved++
			e.log.Warn("queued win dropped", zap.String("bet_id", w.BetID), zap.Error(err))
		default:
			errs = append(errs, err)
		}
	}

	for _, l := range losses {
		wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
		_, err := e.bets.SettleLosses(wctx, l.roundID, l.crashPoint, l.betIDs)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.retries.doneLoss(l.roundID)
		e.markLost(l.roundID, l.betIDs)
		resolved++
		e.log.Info("queued losses settled", zap.String("round_id", l.roundID.String()), zap.Int("bets", len(l.betIDs)))
	}

	if len(errs) > 0 {
		e.log.Error("settlement retries still failing", zap.Int("failed", len(errs)), zap.Error(errors.Join(errs...)))
		return resolved, errors.Join(errs...)
	}
	return resolved, nil
}

func (e *Engine) markWon(w store.WinSettlement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.book == nil {
		return
	}
	for _, ent := range e.book.bets {
		if ent.bet.ID != w.BetID {
			continue
		}
		settled := w.SettledAt
		ent.state = stateWon
		ent.bet.Status = models.BetWon
		ent.bet.CashoutMultiplier = w.Multiplier
		ent.bet.WinAmount = w.WinAmount
		ent.bet.SettledAt = &settled
		ent.bet.NeedsReconciliation = false
		return
	}
}
