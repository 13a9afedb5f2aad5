package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 70, cfg.Threshold)
	assert.False(t, cfg.Enforce)
	assert.Equal(t, ":9443", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbePollInterval)
	assert.Equal(t, 4096, cfg.ProcessTableSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.OTLPEndpoint)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DIDBAN_THRESHOLD", "85")
	t.Setenv("DIDBAN_ENFORCE", "true")
	t.Setenv("DIDBAN_LOG_LEVEL", "debug")
	t.Setenv("DIDBAN_INTERFACE", "eth0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 85, cfg.Threshold)
	assert.True(t, cfg.Enforce)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "eth0", cfg.Interface)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"threshold too low", func(c *Config) { c.Threshold = -1 }, true},
		{"threshold too high", func(c *Config) { c.Threshold = 101 }, true},
		{"threshold boundary", func(c *Config) { c.Threshold = 100 }, false},
		{"zero table size", func(c *Config) { c.ProcessTableSize = 0 }, true},
		{"negative poll interval", func(c *Config) { c.ProbePollInterval = -time.Second }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/didban.yaml")
	assert.Error(t, err)
}
