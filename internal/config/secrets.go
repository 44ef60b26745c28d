package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.LLM.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}

	out.Strategies = make([]StrategyConfig, len(cfg.Strategies))
	copy(out.Strategies, cfg.Strategies)
	for i := range out.Strategies {
		s := &out.Strategies[i]
		redact(&s.Exchange.APIKey)
		redact(&s.Exchange.SecretKey)
		if s.Model != nil {
			model := *s.Model
			redact(&model.APIKey)
			s.Model = &model
		}
		if cfg.Strategies[i].Symbols != nil {
			s.Symbols = make([]string, len(cfg.Strategies[i].Symbols))
			copy(s.Symbols, cfg.Strategies[i].Symbols)
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
