// Package config resolves tool configuration from defaults, an
// optional YAML config file, and CHANSYNC_* environment variables, in
// that order of precedence (environment wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved tool configuration.
type Config struct {
	Workspace    string             `mapstructure:"workspace"`
	Token        string             `mapstructure:"token"`
	Spec         string             `mapstructure:"spec"`
	Fingerprints FingerprintsConfig `mapstructure:"fingerprints"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Avatars      AvatarsConfig      `mapstructure:"avatars"`
}

type FingerprintsConfig struct {
	// Path of the SQLite fingerprint database. Empty disables the
	// store; keep-customized detection then falls back to the
	// non-empty heuristic.
	Path string `mapstructure:"path"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus listener during sync when non-empty.
	Addr string `mapstructure:"addr"`
}

type AvatarsConfig struct {
	// Classify controls whether inconclusive avatars are downloaded
	// and inspected during state resolution.
	Classify bool `mapstructure:"classify"`
}

// Load reads configuration. configFile may be empty; the environment
// is always consulted.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Every key needs a default registered, otherwise AutomaticEnv
	// values are invisible to Unmarshal.
	v.SetDefault("workspace", "")
	v.SetDefault("token", "")
	v.SetDefault("spec", "chansync.yaml")
	v.SetDefault("fingerprints.path", "")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("avatars.classify", false)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix("CHANSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
