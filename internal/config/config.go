// Package config defines the top-level configuration for the tradeforge
// strategy engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"

	"github.com/alanwei/tradeforge/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEFORGE_* environment variables.
type Config struct {
	LogLevel   string           `toml:"log_level"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	LLM        LLMConfig        `toml:"llm"`
	Strategies []StrategyConfig `toml:"strategies"`
}

// PostgresConfig holds PostgreSQL connection parameters for cycle persistence.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the price cache, the
// cycle bus, and the strategy run lock.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cycle archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LLMConfig holds the default model settings shared by strategies that do not
// override them in their own [strategies.model] table.
type LLMConfig struct {
	Provider string `toml:"provider"`
	ModelID  string `toml:"model_id"`
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key"`
}

// StrategyConfig is one [[strategies]] entry: a complete strategy request.
type StrategyConfig struct {
	Name           string   `toml:"name"`
	Type           string   `toml:"type"`
	ID             string   `toml:"id"`
	Symbols        []string `toml:"symbols"`
	InitialCapital float64  `toml:"initial_capital"`
	MaxLeverage    float64  `toml:"max_leverage"`
	MaxPositions   int      `toml:"max_positions"`
	CapFactor      float64  `toml:"cap_factor"`
	DecideInterval int      `toml:"decide_interval"`
	CustomPrompt   string   `toml:"custom_prompt"`
	PromptText     string   `toml:"prompt_text"`
	// CloseOnStop flattens all open positions when the process receives a
	// shutdown signal. Leave false for live strategies that should keep
	// their book across restarts.
	CloseOnStop bool `toml:"close_on_stop"`

	Exchange ExchangeConfig `toml:"exchange"`
	Model    *StrategyModel `toml:"model"`
}

// ExchangeConfig holds exchange connectivity for one strategy.
type ExchangeConfig struct {
	ExchangeID  string  `toml:"exchange_id"`
	TradingMode string  `toml:"trading_mode"`
	MarketType  string  `toml:"market_type"`
	MarginMode  string  `toml:"margin_mode"`
	Testnet     bool    `toml:"testnet"`
	FeeBps      float64 `toml:"fee_bps"`
	APIKey      string  `toml:"api_key"`
	SecretKey   string  `toml:"secret_key"`
}

// StrategyModel overrides the default LLM settings for one strategy.
type StrategyModel struct {
	Provider string `toml:"provider"`
	ModelID  string `toml:"model_id"`
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeforge",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeforge-archives",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"plan", "cycle_error", "stop"},
		},
		LLM: LLMConfig{
			Provider: "openai",
			ModelID:  "gpt-4o",
		},
	}
}

// Request converts one strategy entry into the engine's request type,
// filling model settings from the shared LLM defaults where the entry does
// not override them.
func (s StrategyConfig) Request(llm LLMConfig) domain.UserRequest {
	model := domain.LLMModelConfig{
		Provider: llm.Provider,
		ModelID:  llm.ModelID,
		BaseURL:  llm.BaseURL,
		APIKey:   llm.APIKey,
	}
	if s.Model != nil {
		if s.Model.Provider != "" {
			model.Provider = s.Model.Provider
		}
		if s.Model.ModelID != "" {
			model.ModelID = s.Model.ModelID
		}
		if s.Model.BaseURL != "" {
			model.BaseURL = s.Model.BaseURL
		}
		if s.Model.APIKey != "" {
			model.APIKey = s.Model.APIKey
		}
	}

	return domain.UserRequest{
		LLMModelConfig: model,
		ExchangeConfig: domain.ExchangeConfig{
			ExchangeID:  s.Exchange.ExchangeID,
			TradingMode: domain.TradingMode(s.Exchange.TradingMode),
			MarketType:  domain.MarketType(s.Exchange.MarketType),
			MarginMode:  domain.MarginMode(s.Exchange.MarginMode),
			Testnet:     s.Exchange.Testnet,
			FeeBps:      s.Exchange.FeeBps,
			APIKey:      s.Exchange.APIKey,
			SecretKey:   s.Exchange.SecretKey,
		},
		TradingConfig: domain.TradingConfig{
			StrategyName:   s.Name,
			StrategyType:   domain.PolicyName(s.Type),
			StrategyID:     s.ID,
			InitialCapital: s.InitialCapital,
			MaxLeverage:    s.MaxLeverage,
			MaxPositions:   s.MaxPositions,
			CapFactor:      s.CapFactor,
			Symbols:        s.Symbols,
			DecideInterval: s.DecideInterval,
			CustomPrompt:   s.CustomPrompt,
			PromptText:     s.PromptText,
		},
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. Per-strategy semantics
// (symbols, leverage, credentials) are validated by the engine when each
// request is assembled.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Strategies) == 0 {
		errs = append(errs, "at least one [[strategies]] entry is required")
	}
	names := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("strategies[%d]: name must not be empty", i))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Sprintf("strategies: duplicate name %q", s.Name))
		}
		names[s.Name] = true
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
