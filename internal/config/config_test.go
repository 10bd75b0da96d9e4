package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8700, cfg.Server.Port)
	assert.Equal(t, 5, cfg.WriteBehind.MaxFlushAttempts)
	assert.Equal(t, 256, cfg.Signals.SyncBatchThreshold)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.NATS.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Database = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"redis enabled without host", func(c *Config) { c.Redis.Enabled = true; c.Redis.Host = "" }},
		{"nats enabled without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }},
		{"zero flush interval", func(c *Config) { c.WriteBehind.FlushInterval = 0 }},
		{"zero flush attempts", func(c *Config) { c.WriteBehind.MaxFlushAttempts = 0 }},
		{"zero batch size", func(c *Config) { c.WriteBehind.MaxBatchSize = 0 }},
		{"zero collision rate", func(c *Config) { c.Identity.CollisionRetryRate = 0 }},
		{"zero id attempts", func(c *Config) { c.Identity.MaxAttempts = 0 }},
		{"zero sync threshold", func(c *Config) { c.Signals.SyncBatchThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateDefaultsLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = ""
	cfg.Logging.Format = ""

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}
