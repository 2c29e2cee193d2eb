package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitConfiguresGlobalLogger(t *testing.T) {
	restore := Replace(zap.NewNop())
	t.Cleanup(restore)

	require.NoError(t, Init("debug", "json"))

	logger := Logger()
	require.NotNil(t, logger)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestInitFallsBackToInfoOnUnknownLevel(t *testing.T) {
	restore := Replace(zap.NewNop())
	t.Cleanup(restore)

	require.NoError(t, Init("chatty", "console"))
	require.False(t, Logger().Core().Enabled(zap.DebugLevel))
	require.True(t, Logger().Core().Enabled(zap.InfoLevel))
}

func TestWithModuleAddsField(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	restore := Replace(zap.New(core))
	t.Cleanup(restore)

	WithModule("collab").Info("hello")

	entries := recorded.All()
	require.Len(t, entries, 1)
	require.Equal(t, "collab", entries[0].ContextMap()["module"])
}

func TestReplaceRestoresPreviousLogger(t *testing.T) {
	original := Logger()
	restore := Replace(zap.NewExample())
	require.NotSame(t, original, Logger())

	restore()
	require.Same(t, original, Logger())
}
