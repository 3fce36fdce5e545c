package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("create logger with console output", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Level: "info", Console: true, Output: buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Str("topic", "$agent/a1/c1").Msg("published")
		assert.Contains(t, buf.String(), `"topic":"$agent/a1/c1"`)
	})

	t.Run("create logger with file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "agentlink.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		logger.Info().Msg("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "test message")
	})

	t.Run("create logger with redaction", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Level: "info", Console: true, Output: buf, Redaction: true})
		require.NoError(t, err)
		defer logger.Close()

		assert.NotNil(t, logger.redactor)
		logger.Info().RawJSON("result", []byte(`{"roomId":"r1","token":"rtc-secret"}`)).Msg("ready")
		assert.NotContains(t, buf.String(), "rtc-secret")
		assert.Contains(t, buf.String(), `"roomId":"r1"`)
	})

	t.Run("parse level case-insensitively", func(t *testing.T) {
		logger, err := New(Config{Level: " WARN "})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.WarnLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("close twice", func(t *testing.T) {
		logger, err := New(Config{File: filepath.Join(t.TempDir(), "a.log")})
		require.NoError(t, err)

		require.NoError(t, logger.Close())
		assert.NoError(t, logger.Close())
	})

	t.Run("fall back to info for unknown level", func(t *testing.T) {
		logger, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})
}

func TestLoggerMethods(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "debug", Console: true, Output: buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	out := buf.String()
	for _, msg := range []string{"debug message", "info message", "warn message", "error message"} {
		assert.Contains(t, out, msg)
	}
}

func TestComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "info", Console: true, Output: buf})
	require.NoError(t, err)
	defer logger.Close()

	child := logger.Component("engine")
	child.Info().Msg("started")
	assert.Contains(t, buf.String(), `"component":"engine"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
}
