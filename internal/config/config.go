/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads agent configuration from environment variables and
// an optional config file, with flag overrides layered on top by the CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full agent configuration.
type Config struct {
	// Threshold is the confidence threshold (0-100) for counting a
	// detection as a threat.
	Threshold int `mapstructure:"threshold"`

	// Enforce enables deny verdicts on actionable hook detections.
	Enforce bool `mapstructure:"enforce"`

	// ListenAddr is the HTTP address for /status and /metrics.
	ListenAddr string `mapstructure:"listen_addr"`

	// Interface restricts packet capture to one interface; empty captures
	// everywhere.
	Interface string `mapstructure:"interface"`

	// ProbePollInterval is the kprobe counter drain interval.
	ProbePollInterval time.Duration `mapstructure:"probe_poll_interval"`

	// ProcessTableSize bounds the per-process monitor table.
	ProcessTableSize int `mapstructure:"process_table_size"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// OTLPEndpoint enables OpenTelemetry metric export when non-empty.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from DIDBAN_* environment variables and, when
// path is non-empty, a config file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("threshold", 70)
	v.SetDefault("enforce", false)
	v.SetDefault("listen_addr", ":9443")
	v.SetDefault("interface", "")
	v.SetDefault("probe_poll_interval", 250*time.Millisecond)
	v.SetDefault("process_table_size", 4096)
	v.SetDefault("log_level", "info")
	v.SetDefault("otlp_endpoint", "")

	v.SetEnvPrefix("DIDBAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("threshold must be in [0, 100], got %d", c.Threshold)
	}
	if c.ProcessTableSize <= 0 {
		return fmt.Errorf("process_table_size must be positive, got %d", c.ProcessTableSize)
	}
	if c.ProbePollInterval < 0 {
		return fmt.Errorf("probe_poll_interval must not be negative, got %s", c.ProbePollInterval)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
