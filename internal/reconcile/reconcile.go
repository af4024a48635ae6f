// Package reconcile links ledger game records carrying historical game ids
// to the canonical id of the round they belong to.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

const DefaultTolerance = 5 * time.Minute

// minSubstringLen keeps very short ids from matching everything.
const minSubstringLen = 6

type Options struct {
	// Tolerance is the exclusive upper bound on the distance between the
	// record's timestamp and the round.
	Tolerance time.Duration
}

// Report summarizes one pass.
type Report struct {
	Scanned     int `json:"scanned"`
	Updated     int `json:"updated"`
	ByID        int `json:"byId"`
	BySubstring int `json:"bySubstring"`
	ByTimestamp int `json:"byTimestamp"`
	Unmatched   int `json:"unmatched"`
	Marked      int `json:"marked"`
	Failed      int `json:"failed"`
}

type Job struct {
	ledger    store.LedgerStore
	rounds    store.RoundStore
	tolerance time.Duration
	log       *zap.Logger
}

func NewJob(ledger store.LedgerStore, rounds store.RoundStore, opts Options) *Job {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Job{
		ledger:    ledger,
		rounds:    rounds,
		tolerance: opts.Tolerance,
		log:       zap.L().Named("reconcile"),
	}
}

// Run scans every game record whose game id is not a UUID and rewrites it
// to the matching round. Records already canonical are never selected, so
// a second run only revisits what stayed unmatched.
func (j *Job) Run(ctx context.Context) (Report, error) {
	var rep Report

	history, _, err := j.rounds.ListRounds(ctx, time.Time{}, store.Page{})
	if err != nil {
		return rep, fmt.Errorf("load round history: %w", err)
	}
	byID := make(map[roundid.ID]models.RoundRecord, len(history))
	for _, r := range history {
		byID[r.ID] = r
	}

	txs, _, err := j.ledger.ListTransactions(ctx, store.TransactionFilter{
		Types:              []models.TransactionType{models.TxGameWin, models.TxGameLoss},
		NonCanonicalGameID: true,
	}, store.Page{})
	if err != nil {
		return rep, fmt.Errorf("load unmatched records: %w", err)
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		raw := tx.GameID()
		if raw == "" {
			continue
		}
		rep.Scanned++

		target, how := j.match(raw, tx.CreatedAt, history, byID)
		switch how {
		case "":
			rep.Unmatched++
			j.markUnmatched(ctx, tx, &rep)
			continue
		case "id":
			rep.ByID++
		case "substring":
			rep.BySubstring++
		case "timestamp":
			rep.ByTimestamp++
		}

		if err := j.ledger.UpdateGameID(ctx, tx.ID, target.String()); err != nil {
			rep.Failed++
			j.log.Error("update game id failed", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		rep.Updated++
		j.log.Info("linked game record",
			zap.String("tx_id", tx.ID),
			zap.String("from", raw),
			zap.String("round_id", target.String()),
			zap.String("by", how))
	}

	j.log.Info("reconcile finished",
		zap.Int("scanned", rep.Scanned),
		zap.Int("updated", rep.Updated),
		zap.Int("unmatched", rep.Unmatched),
		zap.Int("marked", rep.Marked))
	return rep, nil
}

// markUnmatched flags a record once so operators can list what needs manual
// review. It stays selectable and is linked on a later run if a round shows up.
func (j *Job) markUnmatched(ctx context.Context, tx models.Transaction, rep *Report) {
	if tx.GameDetails != nil && tx.GameDetails.Unmatched {
		return
	}
	if err := j.ledger.MarkGameUnmatched(ctx, tx.ID); err != nil {
		rep.Failed++
		j.log.Error("mark unmatched failed", zap.String("tx_id", tx.ID), zap.Error(err))
		return
	}
	rep.Marked++
	j.log.Warn("no round for game id, marked for review", zap.String("tx_id", tx.ID), zap.String("game_id", tx.GameID()))
}

func (j *Job) match(raw string, createdAt time.Time, history []models.RoundRecord, byID map[roundid.ID]models.RoundRecord) (roundid.ID, string) {
	if id, ok := roundid.Normalize(raw); ok {
		if _, known := byID[id]; known {
			return id, "id"
		}
	}

	needle := strings.ToLower(strings.TrimPrefix(raw, "game-"))
	if len(needle) >= minSubstringLen {
		for _, r := range history {
			id := r.ID.String()
			if strings.Contains(id, needle) || strings.Contains(needle, id) {
				return r.ID, "substring"
			}
		}
	}

	at, ok := roundid.LegacyTimestamp(raw)
	if !ok {
		at = createdAt
	}
	if at.IsZero() {
		return "", ""
	}
	var (
		best     roundid.ID
		bestDist time.Duration = -1
	)
	for _, r := range history {
		d := distance(at, r)
		if bestDist < 0 || d < bestDist {
			best, bestDist = r.ID, d
		}
	}
	if bestDist >= 0 && bestDist < j.tolerance {
		return best, "timestamp"
	}
	return "", ""
}

// distance is zero inside the round and the gap to the nearest edge
// otherwise.
func distance(at time.Time, r models.RoundRecord) time.Duration {
	end := r.StartedAt
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	switch {
	case at.Before(r.StartedAt):
		return r.StartedAt.Sub(at)
	case at.After(end):
		return at.Sub(end)
	default:
		return 0
	}
}
