// Package config defines all configuration for the rebalancer.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables; a .env file in
// the working directory is loaded first if present.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Chain ids used in the EIP-712 signing domain.
const (
	ChainIDProd = 325
	ChainIDTest = 326
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; monetary thresholds are kept as exact decimals.
type Config struct {
	Env                   string          // "prod" or "test", from GRVT_ENV
	StateDir              string          // bot state directory, default "bot"
	TriggerValue          decimal.Decimal // equity delta (USDT) that triggers a transfer
	RebalanceIntervalSec  int             // seconds between loop ticks
	RebalanceThrottleMs   int             // courtesy pause between transfer hops
	FundingSweepThreshold decimal.Decimal // sweep funding balance above this
	MinAvailablePct       decimal.Decimal // availability alert threshold (percent)
	Unwind                UnwindConfig
	Telegram              TelegramConfig
	Logging               LoggingConfig
	AccountA              AccountConfig
	AccountB              AccountConfig
}

// UnwindConfig tunes the emergency unwind engine.
//
//   - TriggerPct:  margin usage (mm/equity·100) at which unwind starts.
//   - RecoveryPct: margin usage below which unwind stops.
//   - UnwindPct:   operator cap on the per-iteration reduction ratio.
//   - MinPositionNotional: skip hedged pairs smaller than this.
type UnwindConfig struct {
	Enabled             bool
	DryRun              bool
	TriggerPct          decimal.Decimal
	RecoveryPct         decimal.Decimal
	UnwindPct           decimal.Decimal
	MaxIterations       int
	WaitSecondsBetween  int
	MinPositionNotional decimal.Decimal
}

// TelegramConfig holds the bot token and the optional allowed chat id.
// When ChatID is set, updates from any other chat are ignored.
type TelegramConfig struct {
	Token  string
	ChatID string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AccountConfig is the immutable credential set for one account.
// FundingAddress is the blockchain-style funding wallet address;
// TradingSubAccountID is the 64-bit trading sub-account id.
type AccountConfig struct {
	AccountID           string
	FundingAddress      string
	TradingSubAccountID string
	FundingKey          string
	FundingSecret       string
	TradingKey          string
	TradingSecret       string
	Currency            string
}

// rawConfig mirrors the YAML layout before decimal parsing.
type rawConfig struct {
	StateDir              string         `mapstructure:"state_dir"`
	TriggerValue          string         `mapstructure:"triggerValue"`
	RebalanceIntervalSec  int            `mapstructure:"rebalanceIntervalSec"`
	RebalanceThrottleMs   int            `mapstructure:"rebalanceThrottleMs"`
	FundingSweepThreshold string         `mapstructure:"fundingSweepThreshold"`
	MinAvailablePct       string         `mapstructure:"minAvailableBalanceAlertPercentage"`
	Unwind                rawUnwind      `mapstructure:"unwind"`
	Telegram              rawTelegram    `mapstructure:"telegram"`
	Logging               LoggingConfig  `mapstructure:"logging"`
	AccountA              rawAccount     `mapstructure:"account_a"`
	AccountB              rawAccount     `mapstructure:"account_b"`
}

type rawUnwind struct {
	Enabled             bool   `mapstructure:"enabled"`
	DryRun              bool   `mapstructure:"dryRun"`
	TriggerPct          string `mapstructure:"triggerPct"`
	RecoveryPct         string `mapstructure:"recoveryPct"`
	UnwindPct           string `mapstructure:"unwindPct"`
	MaxIterations       int    `mapstructure:"maxIterations"`
	WaitSecondsBetween  int    `mapstructure:"waitSecondsBetweenIterations"`
	MinPositionNotional string `mapstructure:"minPositionNotional"`
}

type rawTelegram struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

type rawAccount struct {
	AccountID           string `mapstructure:"account_id"`
	FundingAddress      string `mapstructure:"funding_account_address"`
	TradingSubAccountID string `mapstructure:"trading_account_id"`
	FundingKey          string `mapstructure:"fundingAccountKey"`
	FundingSecret       string `mapstructure:"fundingAccountSecret"`
	TradingKey          string `mapstructure:"tradingAccountKey"`
	TradingSecret       string `mapstructure:"tradingAccountSecret"`
	Currency            string `mapstructure:"currency"`
}

// Load reads config from a YAML file with env var overrides.
// Secrets use env vars: ACC1_*/ACC2_* for account credentials,
// TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID for the bot, GRVT_ENV for the
// environment and GRVT_STATE_DIR for the state directory.
func Load(path string) (*Config, error) {
	// Best-effort .env load; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRVT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	// YAML numbers land in string fields so thresholds stay exact decimals.
	weak := func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true }
	if err := v.Unmarshal(&raw, weak); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &Config{
		Env:                   envName(),
		StateDir:              raw.StateDir,
		TriggerValue:          parseDec(raw.TriggerValue, "2000"),
		RebalanceIntervalSec:  raw.RebalanceIntervalSec,
		RebalanceThrottleMs:   raw.RebalanceThrottleMs,
		FundingSweepThreshold: parseDec(raw.FundingSweepThreshold, "0.1"),
		MinAvailablePct:       parseDec(raw.MinAvailablePct, "20"),
		Unwind: UnwindConfig{
			Enabled:             raw.Unwind.Enabled,
			DryRun:              raw.Unwind.DryRun,
			TriggerPct:          parseDec(raw.Unwind.TriggerPct, "60"),
			RecoveryPct:         parseDec(raw.Unwind.RecoveryPct, "40"),
			UnwindPct:           parseDec(raw.Unwind.UnwindPct, "10"),
			MaxIterations:       raw.Unwind.MaxIterations,
			WaitSecondsBetween:  raw.Unwind.WaitSecondsBetween,
			MinPositionNotional: parseDec(raw.Unwind.MinPositionNotional, "100"),
		},
		Telegram: TelegramConfig{Token: raw.Telegram.Token, ChatID: raw.Telegram.ChatID},
		Logging:  raw.Logging,
		AccountA: accountFromRaw(raw.AccountA, "ACC1"),
		AccountB: accountFromRaw(raw.AccountB, "ACC2"),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = "bot"
	}
	if dir := os.Getenv("GRVT_STATE_DIR"); strings.TrimSpace(dir) != "" {
		cfg.StateDir = strings.TrimSpace(dir)
	}
	if cfg.RebalanceIntervalSec <= 0 {
		cfg.RebalanceIntervalSec = 10
	}
	if cfg.Unwind.MaxIterations <= 0 {
		cfg.Unwind.MaxIterations = 999
	}
	if cfg.Unwind.WaitSecondsBetween <= 0 {
		cfg.Unwind.WaitSecondsBetween = 2
	}

	// Override sensitive fields from env
	if t := os.Getenv("TELEGRAM_BOT_TOKEN"); t != "" {
		cfg.Telegram.Token = t
	}
	if c := os.Getenv("TELEGRAM_CHAT_ID"); strings.TrimSpace(c) != "" {
		cfg.Telegram.ChatID = strings.TrimSpace(c)
	}

	return cfg, nil
}

// ChainID returns the EIP-712 signing chain id for the active environment.
func (c *Config) ChainID() int64 {
	if c.Env == "test" {
		return ChainIDTest
	}
	return ChainIDProd
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.TriggerValue.Sign() <= 0 {
		return fmt.Errorf("triggerValue must be > 0")
	}
	for _, acct := range []struct {
		label string
		cfg   AccountConfig
	}{{"account_a", c.AccountA}, {"account_b", c.AccountB}} {
		if acct.cfg.FundingAddress == "" {
			return fmt.Errorf("%s.funding_account_address is required", acct.label)
		}
		if acct.cfg.TradingSubAccountID == "" {
			return fmt.Errorf("%s.trading_account_id is required", acct.label)
		}
		if acct.cfg.FundingSecret == "" {
			return fmt.Errorf("%s: funding account secret is required (set %s)", acct.label, secretEnvHint(acct.label))
		}
		if acct.cfg.TradingSecret == "" {
			return fmt.Errorf("%s: trading account secret is required", acct.label)
		}
	}
	if c.Unwind.Enabled && c.Unwind.RecoveryPct.GreaterThan(c.Unwind.TriggerPct) {
		return fmt.Errorf("unwind.recoveryPct must be <= unwind.triggerPct")
	}
	return nil
}

func secretEnvHint(label string) string {
	if label == "account_a" {
		return "ACC1_FUNDING_ACCOUNT_SECRET"
	}
	return "ACC2_FUNDING_ACCOUNT_SECRET"
}

// accountFromRaw overlays ACC1_*/ACC2_* env vars on top of the YAML values.
func accountFromRaw(raw rawAccount, prefix string) AccountConfig {
	out := AccountConfig{
		AccountID:           overlay(raw.AccountID, prefix+"_ACCOUNT_ID"),
		FundingAddress:      overlay(raw.FundingAddress, prefix+"_FUNDING_ACCOUNT_ADDRESS"),
		TradingSubAccountID: overlay(raw.TradingSubAccountID, prefix+"_TRADING_ACCOUNT_ID"),
		FundingKey:          overlay(raw.FundingKey, prefix+"_FUNDING_ACCOUNT_KEY"),
		FundingSecret:       overlay(raw.FundingSecret, prefix+"_FUNDING_ACCOUNT_SECRET"),
		TradingKey:          overlay(raw.TradingKey, prefix+"_TRADING_ACCOUNT_KEY"),
		TradingSecret:       overlay(raw.TradingSecret, prefix+"_TRADING_ACCOUNT_SECRET"),
		Currency:            overlay(raw.Currency, prefix+"_CURRENCY"),
	}
	if out.Currency == "" {
		out.Currency = "USDT"
	}
	if out.AccountID == "" {
		out.AccountID = out.TradingSubAccountID
	}
	return out
}

func overlay(yamlVal, envKey string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return yamlVal
}

func envName() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("GRVT_ENV")))
	if env == "" {
		return "prod"
	}
	return env
}

func parseDec(s, def string) decimal.Decimal {
	if strings.TrimSpace(s) == "" {
		s = def
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}
