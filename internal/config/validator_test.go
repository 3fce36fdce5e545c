package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBrokerURL(t *testing.T) {
	v := NewValidator()

	valid := []string{"tcp://localhost:1883", "ssl://broker.example.com:8883", "ws://host/mqtt", "mem://local"}
	for _, u := range valid {
		t.Run(u, func(t *testing.T) {
			assert.NoError(t, v.ValidateBrokerURL(u))
		})
	}

	invalid := []string{"", "http://host", "localhost:1883", "tcp://"}
	for _, u := range invalid {
		t.Run("invalid "+u, func(t *testing.T) {
			assert.Error(t, v.ValidateBrokerURL(u))
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	v := NewValidator()

	t.Run("accepts allowed characters", func(t *testing.T) {
		assert.NoError(t, v.ValidateIdentifier("client id", "user@example.com_1-a"))
		assert.NoError(t, v.ValidateIdentifier("agent id", "  agent-7  "))
	})

	t.Run("rejects empty after trim", func(t *testing.T) {
		assert.Error(t, v.ValidateIdentifier("agent id", "   "))
	})

	t.Run("rejects topic separators and wildcards", func(t *testing.T) {
		assert.Error(t, v.ValidateIdentifier("client id", "a/b"))
		assert.Error(t, v.ValidateIdentifier("client id", "a+b"))
		assert.Error(t, v.ValidateIdentifier("client id", "a#"))
	})

	t.Run("rejects more than 128 characters", func(t *testing.T) {
		assert.NoError(t, v.ValidateIdentifier("client id", strings.Repeat("a", 128)))
		assert.Error(t, v.ValidateIdentifier("client id", strings.Repeat("a", 129)))
	})
}

func TestValidateTopicPrefix(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTopicPrefix("reply", "$agent-client"))
	assert.Error(t, v.ValidateTopicPrefix("reply", ""))
	assert.Error(t, v.ValidateTopicPrefix("reply", "$agent/+"))
	assert.Error(t, v.ValidateTopicPrefix("reply", "$agent/"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.URL = "ftp://host"
		cfg.Session.AgentID = "bad id"
		cfg.Session.StopGraceMs = 0
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}
