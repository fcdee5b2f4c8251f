package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	prev := sugar
	t.Cleanup(func() { sugar = prev })

	core, logs := observer.New(level)
	Set(zap.New(core))
	return logs
}

func TestSet(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	Infow("download completed", "download_id", "vol1")
	Debugw("below level", "download_id", "vol1")
	Warnw("download failed", "download_id", "vol2")
	Error("failed to record download failure", errors.New("store closed"), "download_id", "vol3")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)

	assert.Equal(t, "download completed", entries[0].Message)
	assert.Equal(t, "vol1", entries[0].ContextMap()["download_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "store closed", entries[2].ContextMap()["error"])
	assert.Equal(t, "vol3", entries[2].ContextMap()["download_id"])
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	prev := sugar
	t.Cleanup(func() { sugar = prev })

	require.NoError(t, Init("chatty", "json", ""))
	assert.True(t, sugar.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, sugar.Desugar().Core().Enabled(zapcore.DebugLevel))
}
