package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	l, cleanup, err := Initialize("debug", "console")
	require.NoError(t, err)
	defer cleanup()

	assert.Same(t, l, zap.L())
	assert.True(t, zap.L().Core().Enabled(zapcore.DebugLevel))
}

func TestInitializeRejectsBadInput(t *testing.T) {
	_, _, err := Initialize("loud", "json")
	assert.Error(t, err)

	_, _, err = Initialize("info", "xml")
	assert.Error(t, err)
}

func TestIsIgnorableSyncError(t *testing.T) {
	assert.True(t, isIgnorableSyncError(errors.New("sync /dev/stderr: inappropriate ioctl for device")))
	assert.False(t, isIgnorableSyncError(errors.New("disk full")))
}
