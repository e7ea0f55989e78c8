// Package config loads and validates the static configuration document.
// The configuration is read once at process start and immutable afterwards;
// invalid values abort startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dcabot/internal/domain"
)

const (
	defaultListen       = ":8000"
	defaultDBPath       = "dcabot.db"
	defaultWALDir       = "./wal"
	defaultOrderTimeout = 10 * time.Second
	defaultPollInterval = 15 * time.Second
)

// Config is the validated process configuration.
type Config struct {
	Platform     string
	Listen       string
	DBPath       string
	WALDir       string
	Pairs        []domain.Pair
	OrderTimeout time.Duration
	PollInterval time.Duration
	DCA          domain.DCAParams
}

type rawDCA struct {
	BaseOrderSize     string `yaml:"base_order_size"`
	SafetyOrderSize   string `yaml:"safety_order_size"`
	PriceDeviation    string `yaml:"price_deviation"`
	VolumeScale       string `yaml:"safety_order_volume_scale"`
	StepScale         string `yaml:"safety_order_step_scale"`
	MaxSafetyOrders   int    `yaml:"max_safety_orders"`
	TakeProfitPercent string `yaml:"take_profit_percent"`
}

type rawConfig struct {
	Platform     string        `yaml:"platform"`
	Listen       string        `yaml:"listen,omitempty"`
	DBPath       string        `yaml:"db_path,omitempty"`
	WALDir       string        `yaml:"wal_dir,omitempty"`
	Pairs        []string      `yaml:"pairs"`
	OrderTimeout time.Duration `yaml:"order_timeout,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	DCA          rawDCA        `yaml:"dca"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Platform:     raw.Platform,
		Listen:       raw.Listen,
		DBPath:       raw.DBPath,
		WALDir:       raw.WALDir,
		OrderTimeout: raw.OrderTimeout,
		PollInterval: raw.PollInterval,
	}

	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.WALDir == "" {
		cfg.WALDir = defaultWALDir
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	switch cfg.Platform {
	case "bybit", "binance", "simulate":
	case "":
		return nil, fmt.Errorf("missing 'platform' in config")
	default:
		return nil, fmt.Errorf("unsupported platform %q (want bybit, binance or simulate)", cfg.Platform)
	}

	if len(raw.Pairs) == 0 {
		return nil, fmt.Errorf("at least one trading pair must be configured")
	}
	for _, p := range raw.Pairs {
		pair := domain.Pair(p)
		if !pair.Valid() {
			return nil, fmt.Errorf("empty pair in 'pairs'")
		}
		cfg.Pairs = append(cfg.Pairs, pair)
	}

	params, err := parseDCA(raw.DCA)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dca config: %w", err)
	}
	cfg.DCA = params

	return cfg, nil
}

func parseDCA(raw rawDCA) (domain.DCAParams, error) {
	params := domain.DCAParams{MaxSafetyOrders: raw.MaxSafetyOrders}

	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"base_order_size", raw.BaseOrderSize, &params.BaseOrderSize},
		{"safety_order_size", raw.SafetyOrderSize, &params.SafetyOrderSize},
		{"price_deviation", raw.PriceDeviation, &params.PriceDeviation},
		{"safety_order_volume_scale", raw.VolumeScale, &params.VolumeScale},
		{"safety_order_step_scale", raw.StepScale, &params.StepScale},
		{"take_profit_percent", raw.TakeProfitPercent, &params.TakeProfitPercent},
	}
	for _, f := range fields {
		if f.value == "" {
			return domain.DCAParams{}, fmt.Errorf("missing 'dca.%s' in config", f.name)
		}
		v, err := decimal.NewFromString(f.value)
		if err != nil {
			return domain.DCAParams{}, fmt.Errorf("incorrect 'dca.%s' param (must be a decimal): %w", f.name, err)
		}
		*f.dst = v
	}

	return params, nil
}
