package crashpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/apperror"
	"crashgame/internal/store/memory"
)

func fixedRand(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestSequenceWrapsAround(t *testing.T) {
	ctx := context.Background()
	src := NewSource(memory.New())

	_, err := src.SetSequence(ctx, []float64{2, 5, 3})
	require.NoError(t, err)

	var got []float64
	for i := 0; i < 7; i++ {
		v, admin, err := src.Next(ctx)
		require.NoError(t, err)
		assert.True(t, admin)
		got = append(got, v)
	}
	assert.Equal(t, []float64{2, 5, 3, 2, 5, 3, 2}, got)
}

func TestOverrideIsOneShot(t *testing.T) {
	ctx := context.Background()
	src := NewSource(memory.New(), WithRand(fixedRand(0.5)))

	_, err := src.SetOverride(ctx, 7.77)
	require.NoError(t, err)

	v, admin, err := src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, admin)
	assert.Equal(t, 7.77, v)

	v, admin, err = src.Next(ctx)
	require.NoError(t, err)
	assert.False(t, admin)
	assert.Equal(t, 3.5, v)
}

func TestOverrideReplacesPending(t *testing.T) {
	ctx := context.Background()
	src := NewSource(memory.New())

	_, err := src.SetOverride(ctx, 3)
	require.NoError(t, err)
	_, err = src.SetOverride(ctx, 4)
	require.NoError(t, err)

	v, _, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
}

func TestSequenceTakesPriorityAndConsumesOverride(t *testing.T) {
	ctx := context.Background()
	src := NewSource(memory.New(), WithRand(fixedRand(0.5)))

	_, err := src.SetOverride(ctx, 9)
	require.NoError(t, err)
	_, err = src.SetSequence(ctx, []float64{1.5})
	require.NoError(t, err)

	v, _, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	n, err := src.DeactivateSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seq, err := src.Sequence(ctx)
	require.NoError(t, err)
	assert.Nil(t, seq)

	v, admin, err := src.Next(ctx)
	require.NoError(t, err)
	assert.False(t, admin, "override was consumed by the sequence")
	assert.Equal(t, 3.5, v)
}

func TestRandomDistribution(t *testing.T) {
	tests := []struct {
		name  string
		draws []float64
		want  float64
	}{
		{"base", []float64{0.5, 0.2}, 2.0},
		{"tail", []float64{0.05, 0.5}, 11.0},
		{"clamped", []float64{0.9, 0}, MinCrashPoint},
		{"rounded", []float64{0.9, 0.1234}, 1.62},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSource(memory.New(), WithRand(fixedRand(tt.draws...)))
			v, admin, err := src.Next(context.Background())
			require.NoError(t, err)
			assert.False(t, admin)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}
}

func TestEveryPathAtLeastMinimum(t *testing.T) {
	ctx := context.Background()
	src := NewSource(memory.New())
	for i := 0; i < 2000; i++ {
		v, _, err := src.Next(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, MinCrashPoint)
	}
}

func TestRejectsInvalidAdminValues(t *testing.T) {
	ctx := context.Background()
	src := NewSource(memory.New())

	_, err := src.SetOverride(ctx, 1.0)
	assert.Equal(t, apperror.ReasonInvalidCrashValue, apperror.ReasonOf(err))

	_, err = src.SetSequence(ctx, nil)
	assert.Equal(t, apperror.ReasonInvalidCrashValue, apperror.ReasonOf(err))

	_, err = src.SetSequence(ctx, []float64{2, 0.5})
	assert.Equal(t, apperror.ReasonInvalidCrashValue, apperror.ReasonOf(err))
}

type failingStore struct {
	*memory.Store
}

func (failingStore) AdvanceSequence(context.Context) (float64, int, error) {
	return 0, 0, errors.New("connection refused")
}

func TestPersistenceFailureDoesNotFallBack(t *testing.T) {
	src := NewSource(failingStore{memory.New()})
	_, _, err := src.Next(context.Background())
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindPersistence))
}
