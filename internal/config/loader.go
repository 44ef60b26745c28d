package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEFORGE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEFORGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file. Exchange and model keys are global fallbacks: they fill any
// strategy whose TOML entry left the credential blank.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRADEFORGE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRADEFORGE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADEFORGE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEFORGE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEFORGE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEFORGE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEFORGE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEFORGE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEFORGE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEFORGE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEFORGE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEFORGE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEFORGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEFORGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEFORGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEFORGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEFORGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEFORGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEFORGE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEFORGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEFORGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEFORGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEFORGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEFORGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEFORGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEFORGE_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEFORGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEFORGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEFORGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEFORGE_NOTIFY_EVENTS")

	// ── LLM defaults ──
	setStr(&cfg.LLM.Provider, "TRADEFORGE_LLM_PROVIDER")
	setStr(&cfg.LLM.ModelID, "TRADEFORGE_LLM_MODEL_ID")
	setStr(&cfg.LLM.BaseURL, "TRADEFORGE_LLM_BASE_URL")
	setStr(&cfg.LLM.APIKey, "TRADEFORGE_LLM_API_KEY")

	// ── Strategy credential fallbacks ──
	exchangeKey := os.Getenv("TRADEFORGE_EXCHANGE_API_KEY")
	exchangeSecret := os.Getenv("TRADEFORGE_EXCHANGE_SECRET_KEY")
	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if s.Exchange.APIKey == "" {
			s.Exchange.APIKey = exchangeKey
		}
		if s.Exchange.SecretKey == "" {
			s.Exchange.SecretKey = exchangeSecret
		}
	}

	// ── Top-level ──
	setStr(&cfg.LogLevel, "TRADEFORGE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
