package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Debug("debug message", zap.String("k", "v"))
}

func TestNewLoggerFallsBackOnBadLevel(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "verbose", Format: "json"})
	require.NoError(t, err, "unknown levels fall back to info")
	log.Info("still logs")
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := t.TempDir() + "/out.log"
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)
	log.Info("to file")
	require.NoError(t, log.Sync())

	_, err = NewLogger(LoggingConfig{OutputPath: t.TempDir() + "/missing/dir/out.log"})
	require.Error(t, err)
}

func TestDefaultNeverNil(t *testing.T) {
	assert.NotNil(t, Default())
}

func TestWithHelpers(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "console"})
	require.NoError(t, err)

	derived := log.WithFields(zap.String("component", "test")).
		WithSessionID("s1").
		WithGraphID("g1")
	require.NotNil(t, derived)
	derived.Info("derived logger works")
}
