package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal string
		envValue   string
		want       string
	}{
		{
			name:       "Environment variable exists",
			key:        "TEST_KEY_EXISTS",
			defaultVal: "default",
			envValue:   "custom_value",
			want:       "custom_value",
		},
		{
			name:       "Environment variable does not exist",
			key:        "TEST_KEY_NOT_EXISTS",
			defaultVal: "default_value",
			envValue:   "",
			want:       "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultVal))
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal int
		envValue   string
		want       int
	}{
		{"Valid integer", "TEST_INT_VALID", 0, "42", 42},
		{"Invalid integer", "TEST_INT_INVALID", 10, "not_a_number", 10},
		{"Empty value", "TEST_INT_EMPTY", 5, "", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnvAsInt(tt.key, tt.defaultVal))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "250ms")
	d, err := getEnvDuration("TEST_DURATION", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	t.Setenv("TEST_DURATION", "soon")
	_, err = getEnvDuration("TEST_DURATION", time.Second)
	assert.ErrorContains(t, err, "TEST_DURATION")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 100*time.Millisecond, cfg.Game.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Game.Countdown)
	assert.Equal(t, 500.0, cfg.Ledger.MinWithdrawal)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Tolerance)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: memory
game:
  tick_interval: 50ms
  countdown: 3s
  max_stake: 2500
reconcile:
  tolerance: 2m
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("GAME_COUNTDOWN", "7s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 50*time.Millisecond, cfg.Game.TickInterval)
	assert.Equal(t, 7*time.Second, cfg.Game.Countdown, "env wins over file")
	assert.Equal(t, 2500.0, cfg.Game.MaxStake)
	assert.Equal(t, 1.0, cfg.Game.MinStake, "unset keys keep defaults")
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.Tolerance)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad driver", "STORE_DRIVER", "mongo"},
		{"bad duration", "GAME_TICK_INTERVAL", "fast"},
		{"zero tick", "GAME_TICK_INTERVAL", "0s"},
		{"bad growth", "GAME_GROWTH_PER_SECOND", "-1"},
		{"stake range", "GAME_MAX_STAKE", "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "missing.yaml")
}
