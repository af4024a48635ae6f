package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/config"
	"crashgame/internal/store/memory"
)

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.StoreDriver = config.DriverMemory
	cfg.Redis.Enabled = false
	return &cfg
}

func TestInitializeServicesMemory(t *testing.T) {
	svcs, err := InitializeServices(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer svcs.Close()

	assert.IsType(t, &memory.Store{}, svcs.Store)
	assert.Nil(t, svcs.Cache)
	assert.Equal(t, 2, svcs.Scheduler.Len())
	assert.NotNil(t, svcs.Manager)
}

func TestInitializeServicesBadSchedule(t *testing.T) {
	cfg := memoryConfig()
	cfg.Reconcile.Schedule = "every so often"

	_, err := InitializeServices(context.Background(), cfg)
	assert.ErrorContains(t, err, "reconcile")
}

func TestInitializeServicesRedisDown(t *testing.T) {
	cfg := memoryConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	svcs, err := InitializeServices(context.Background(), cfg)
	require.NoError(t, err)
	defer svcs.Close()
	assert.Nil(t, svcs.Cache)
}
