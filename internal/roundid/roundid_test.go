package roundid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	const uuid = "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"

	tests := []struct {
		name   string
		raw    string
		want   ID
		wantOK bool
	}{
		{"canonical", uuid, ID(uuid), true},
		{"uppercase canonical", "3F2B8C1E-9A4D-4E6F-8B7A-1C2D3E4F5A6B", ID(uuid), true},
		{"embedded", "round:" + uuid + ":v2", ID(uuid), true},
		{"legacy timestamp", "game-1700000000000", Unmatched, false},
		{"legacy with suffix", "game-1700000000000-ab12c", Unmatched, false},
		{"garbage", "unknown", Unmatched, false},
		{"empty", "", Unmatched, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestNormalizeNeverInventsIDs(t *testing.T) {
	a, _ := Normalize("game-1700000000000")
	b, _ := Normalize("game-1700000000000")
	assert.Equal(t, a, b)
	assert.False(t, a.Matched())
}

func TestNewIsCanonical(t *testing.T) {
	id := New()
	assert.True(t, IsCanonical(id.String()))
	assert.NotEqual(t, id, New())
}

func TestLegacyTimestamp(t *testing.T) {
	ts, ok := LegacyTimestamp("game-1700000000000-xyz12")
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1700000000000), ts)

	_, ok = LegacyTimestamp("game-abc")
	assert.False(t, ok)

	_, ok = LegacyTimestamp("3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b")
	assert.False(t, ok)
}
