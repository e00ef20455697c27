// Package config loads lotsync configuration from file, environment,
// and an optional rate-card file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/parkops/lotsync/internal/model"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	HTTP     HTTPConfig
	Realtime RealtimeConfig
	Facility FacilityConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string
}

// RealtimeConfig holds connection, dispatch, and offline-queue settings.
type RealtimeConfig struct {
	URL            string
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
	QueueLimit     int           `mapstructure:"queue_limit"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ConflictPolicy string        `mapstructure:"conflict_policy"`
}

// FacilityConfig holds domain settings.
type FacilityConfig struct {
	Capacity      int
	OverstayHours float64 `mapstructure:"overstay_hours"`
	RateCardPath  string  `mapstructure:"rate_card_path"`
}

// Load reads configuration from file and env. Env overrides use the
// LOTSYNC_ prefix, e.g. LOTSYNC_DATABASE_PATH.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "lotsync", "lotsync.db"))
	v.SetDefault("http.addr", ":8484")
	v.SetDefault("realtime.url", "ws://localhost:8485/realtime")
	v.SetDefault("realtime.dial_timeout", "10s")
	v.SetDefault("realtime.backoff_base", "1s")
	v.SetDefault("realtime.backoff_cap", "30s")
	v.SetDefault("realtime.max_retries", 0)
	v.SetDefault("realtime.dedup_window", "5s")
	v.SetDefault("realtime.queue_limit", 1000)
	v.SetDefault("realtime.max_attempts", 3)
	v.SetDefault("realtime.conflict_policy", "last_write_wins")
	v.SetDefault("facility.capacity", 120)
	v.SetDefault("facility.overstay_hours", 24)
	v.SetDefault("facility.rate_card_path", "")

	v.SetConfigType("yaml")

	cfgPath := os.Getenv("LOTSYNC_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "lotsync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("LOTSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// rateCardFile is the on-disk rate card format.
type rateCardFile struct {
	Rates map[string]int64 `yaml:"rates"`
}

// LoadRateCard reads a yaml rate card mapping vehicle type to daily
// rate. An empty path returns the built-in default card.
func LoadRateCard(path string) (model.RateCard, error) {
	if path == "" {
		return model.DefaultRates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate card: %w", err)
	}

	var f rateCardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rate card %s: %w", path, err)
	}
	if len(f.Rates) == 0 {
		return nil, fmt.Errorf("rate card %s defines no rates", path)
	}
	return model.RateCard(f.Rates), nil
}
