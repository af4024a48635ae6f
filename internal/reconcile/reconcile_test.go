package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
	"crashgame/internal/store/memory"
)

var legacyAt = time.UnixMilli(1700000000000)

func archived(t *testing.T, st *memory.Store, start time.Time) roundid.ID {
	t.Helper()
	ctx := context.Background()
	id := roundid.New()
	require.NoError(t, st.CreateRound(ctx, &models.RoundRecord{ID: id, Status: models.RoundRunning, CrashPoint: 2, StartedAt: start}))
	require.NoError(t, st.ArchiveRound(ctx, id, 2, start.Add(3*time.Second)))
	return id
}

func gameRecord(t *testing.T, st *memory.Store, gameID string) string {
	t.Helper()
	tx := &models.Transaction{
		UserID: "u1",
		Amount: decimal.NewFromInt(-10),
		Type:   models.TxGameLoss,
		Status: models.StatusConfirmed,
		GameDetails: &models.GameDetails{
			BetAmount: decimal.NewFromInt(10),
			Result:    models.ResultLost,
			GameID:    gameID,
		},
	}
	require.NoError(t, st.InsertTransaction(context.Background(), tx))
	return tx.ID
}

func gameIDOf(t *testing.T, st *memory.Store, txID string) string {
	t.Helper()
	tx, err := st.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	return tx.GameID()
}

func TestRun_LinksByTimestamp(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		linked bool
	}{
		{"four minutes", 4 * time.Minute, true},
		{"just under tolerance", 5*time.Minute - time.Second, true},
		{"ten minutes", 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			round := archived(t, st, legacyAt.Add(tt.offset))
			txID := gameRecord(t, st, "game-1700000000000")

			rep, err := NewJob(st, st, Options{}).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Scanned)

			if tt.linked {
				assert.Equal(t, 1, rep.ByTimestamp)
				assert.Equal(t, round.String(), gameIDOf(t, st, txID))
			} else {
				assert.Equal(t, 1, rep.Unmatched)
				assert.Equal(t, "game-1700000000000", gameIDOf(t, st, txID))
			}
		})
	}
}

func TestRun_PicksNearestRound(t *testing.T) {
	st := memory.New()
	archived(t, st, legacyAt.Add(-3*time.Minute))
	near := archived(t, st, legacyAt.Add(time.Minute))
	txID := gameRecord(t, st, "game-1700000000000-7")

	_, err := NewJob(st, st, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, near.String(), gameIDOf(t, st, txID))
}

func TestRun_EmbeddedAndSubstringIDs(t *testing.T) {
	st := memory.New()
	round := archived(t, st, time.Now().Add(-time.Hour))
	embedded := gameRecord(t, st, "round:"+round.String()+":v2")
	partial := gameRecord(t, st, "game-"+round.String()[:13])

	rep, err := NewJob(st, st, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Updated)
	assert.Equal(t, 1, rep.ByID)
	assert.Equal(t, 1, rep.BySubstring)
	assert.Equal(t, round.String(), gameIDOf(t, st, embedded))
	assert.Equal(t, round.String(), gameIDOf(t, st, partial))
}

func TestRun_EmbeddedUUIDWithoutRoundIsNotInvented(t *testing.T) {
	st := memory.New()
	orphan := roundid.New()
	txID := gameRecord(t, st, "x-"+orphan.String())

	rep, err := NewJob(st, st, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unmatched)
	assert.Equal(t, "x-"+orphan.String(), gameIDOf(t, st, txID))
}

func TestRun_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	round := archived(t, st, legacyAt.Add(2*time.Minute))
	txID := gameRecord(t, st, "game-1700000000000")
	gameRecord(t, st, "game-1600000000000")

	job := NewJob(st, st, Options{})
	first, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, 1, first.Unmatched)

	second, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Updated)
	assert.Equal(t, 1, second.Scanned)
	assert.Equal(t, round.String(), gameIDOf(t, st, txID))

	_, total, err := st.ListTransactions(ctx, store.TransactionFilter{GameID: round.String()}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRun_CustomTolerance(t *testing.T) {
	st := memory.New()
	archived(t, st, legacyAt.Add(2*time.Minute))
	gameRecord(t, st, "game-1700000000000")

	rep, err := NewJob(st, st, Options{Tolerance: time.Minute}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unmatched)
}

func TestRun_MarksUnmatchedOnceAndClearsOnLink(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	txID := gameRecord(t, st, "game-1700000000000")
	job := NewJob(st, st, Options{})

	first, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Unmatched)
	assert.Equal(t, 1, first.Marked)

	tx, err := st.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.True(t, tx.GameDetails.Unmatched)
	assert.Equal(t, "game-1700000000000", tx.GameID())

	second, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Unmatched)
	assert.Zero(t, second.Marked)

	round := archived(t, st, legacyAt.Add(time.Minute))
	third, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Updated)

	tx, err = st.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.False(t, tx.GameDetails.Unmatched)
	assert.Equal(t, round.String(), tx.GameID())
}
