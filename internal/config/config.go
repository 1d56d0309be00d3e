package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds application settings (in-memory representation).
// Watch-lists are not part of it; they live in internal/db.
type Config struct {
	DataDir string `toml:"data_dir"`

	Telegram TelegramConfig `toml:"telegram"`
	API      APIConfig      `toml:"api"`
	Market   MarketConfig   `toml:"market"`
	Fleet    FleetConfig    `toml:"fleet"`
	Trader   TraderConfig   `toml:"trader"`
}

// TelegramConfig configures the notification chat.
type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`
}

// APIConfig configures the PSS API client.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	MaxConcurrent  int    `toml:"max_concurrent"`
	MinIntervalMS  int    `toml:"min_interval_ms"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// MarketConfig configures the marketplace poller.
type MarketConfig struct {
	PollSeconds   int `toml:"poll_seconds"`
	Window        int `toml:"window"`         // listings fetched per poll after the first
	ResyncMinutes int `toml:"resync_minutes"` // full fetch used to detect sold listings
	LookbackDays  int `toml:"lookback_days"`  // sales history used for baseline prices
	MaxSamples    int `toml:"max_samples"`    // sales history cap
}

// FleetConfig configures the donated crew poller.
type FleetConfig struct {
	PollSeconds int `toml:"poll_seconds"`
	IdleSeconds int `toml:"idle_seconds"`
}

// TraderConfig configures the merchant poller.
type TraderConfig struct {
	RetrySeconds  int `toml:"retry_seconds"`
	BufferSeconds int `toml:"buffer_seconds"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: "data",
		API: APIConfig{
			BaseURL:        "https://api.pixelstarships.com",
			MaxConcurrent:  2,
			MinIntervalMS:  500,
			TimeoutSeconds: 30,
		},
		Market: MarketConfig{
			PollSeconds:   15,
			Window:        20,
			ResyncMinutes: 60,
			LookbackDays:  10,
			MaxSamples:    100,
		},
		Fleet: FleetConfig{
			PollSeconds: 5,
			IdleSeconds: 2,
		},
		Trader: TraderConfig{
			RetrySeconds:  60,
			BufferSeconds: 30,
		},
	}
}

// Load reads a TOML file over the defaults and applies environment overrides.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = envOrDefault("PSS_DATA_DIR", c.DataDir)
	c.Telegram.Token = envOrDefault("PSS_TELEGRAM_TOKEN", c.Telegram.Token)
	if v := os.Getenv("PSS_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
}

// Validate reports settings the process cannot run without.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is not set")
	}
	if c.Telegram.ChatID == 0 {
		return errors.New("telegram chat_id is not set")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Seconds converts a configured second count to a duration, using fallback when unset.
func Seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
