package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the whole service configuration, read from one YAML or JSON file.
// Unknown fields are rejected.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Reconcile ReconcileConfig `json:"reconcile"`
}

type HTTPConfig struct {
	Listen string `json:"listen"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Console     bool   `json:"console"`
	FileEnabled bool   `json:"file_enabled"`
	FilePath    string `json:"file_path"`
}

// TelegramConfig enables the dispatcher-alert sink on the notifier.
type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec"`
}

type ReconcileConfig struct {
	Enabled       bool   `json:"enabled"`
	Spec          string `json:"spec"`
	LookbackDays  int    `json:"lookback_days"`
	LookaheadDays int    `json:"lookahead_days"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Listen: ":8080"},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/scheduling.db", BusyTimeout: "5s"},
		Logging: LoggingConfig{Level: "info", Console: true},
		Reconcile: ReconcileConfig{
			Enabled:       true,
			Spec:          "30 3 * * *",
			LookbackDays:  7,
			LookaheadDays: 14,
		},
	}
}

// Validate rejects configurations that cannot boot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Listen) == "" {
		return fmt.Errorf("http.listen is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.token and telegram.chat_id are required when telegram.enabled")
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
