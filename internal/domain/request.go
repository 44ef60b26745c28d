package domain

import (
	"fmt"
	"strings"
)

// Engine-wide defaults.
const (
	DefaultInitialCapital = 100_000.0
	DefaultMaxPositions   = 5
	DefaultMaxLeverage    = 10.0
	DefaultCapFactor      = 1.5
	DefaultFeeBps         = 10.0
	DefaultSlippageBps    = 25.0
	DefaultDecideInterval = 60 // seconds
)

// LLMModelConfig identifies the model behind the LLM composer. The engine
// treats the model as an opaque collaborator; APIKey is passed through to the
// model client and never logged.
type LLMModelConfig struct {
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"model_id,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"-"`
}

// ExchangeConfig carries exchange connectivity for one strategy. APIKey and
// SecretKey are opaque credentials forwarded to the execution gateway; they
// are excluded from serialization so sinks and stores never persist them.
type ExchangeConfig struct {
	ExchangeID  string      `json:"exchange_id,omitempty"`
	TradingMode TradingMode `json:"trading_mode"`
	MarketType  MarketType  `json:"market_type"`
	MarginMode  MarginMode  `json:"margin_mode,omitempty"`
	Testnet     bool        `json:"testnet,omitempty"`
	FeeBps      float64     `json:"fee_bps,omitempty"`
	APIKey      string      `json:"-"`
	SecretKey   string      `json:"-"`
}

// TradingConfig holds per-strategy trading parameters.
type TradingConfig struct {
	StrategyName   string     `json:"strategy_name,omitempty"`
	StrategyType   PolicyName `json:"strategy_type,omitempty"`
	StrategyID     string     `json:"strategy_id,omitempty"`
	InitialCapital float64    `json:"initial_capital,omitempty"`
	MaxLeverage    float64    `json:"max_leverage,omitempty"`
	MaxPositions   int        `json:"max_positions,omitempty"`
	CapFactor      float64    `json:"cap_factor,omitempty"`
	Symbols        []string   `json:"symbols"`
	DecideInterval int        `json:"decide_interval,omitempty"`
	CustomPrompt   string     `json:"custom_prompt,omitempty"`
	PromptText     string     `json:"prompt_text,omitempty"`
}

// UserRequest is the sole configuration surface of the engine core: a fully
// resolved strategy request. The core performs no environment or CLI parsing.
type UserRequest struct {
	LLMModelConfig LLMModelConfig `json:"llm_model_config"`
	ExchangeConfig ExchangeConfig `json:"exchange_config"`
	TradingConfig  TradingConfig  `json:"trading_config"`
}

// ApplyDefaults fills unset fields with engine defaults and infers the market
// type from max_leverage when not provided (<=1x implies spot, otherwise
// perpetual).
func (r *UserRequest) ApplyDefaults() {
	if r.TradingConfig.InitialCapital <= 0 {
		r.TradingConfig.InitialCapital = DefaultInitialCapital
	}
	if r.TradingConfig.MaxLeverage <= 0 {
		r.TradingConfig.MaxLeverage = DefaultMaxLeverage
	}
	if r.TradingConfig.MaxPositions <= 0 {
		r.TradingConfig.MaxPositions = DefaultMaxPositions
	}
	if r.TradingConfig.DecideInterval <= 0 {
		r.TradingConfig.DecideInterval = DefaultDecideInterval
	}
	if r.TradingConfig.CapFactor <= 0 {
		r.TradingConfig.CapFactor = DefaultCapFactor
	}
	if r.TradingConfig.StrategyType == "" {
		r.TradingConfig.StrategyType = PolicyLLM
	}
	if r.ExchangeConfig.TradingMode == "" {
		r.ExchangeConfig.TradingMode = TradingModePaper
	}
	if r.ExchangeConfig.MarketType == "" {
		if r.TradingConfig.MaxLeverage <= 1.0 {
			r.ExchangeConfig.MarketType = MarketTypeSpot
		} else {
			r.ExchangeConfig.MarketType = MarketTypePerp
		}
	}
	if r.ExchangeConfig.MarginMode == "" {
		r.ExchangeConfig.MarginMode = MarginModeCross
	}
	if r.ExchangeConfig.FeeBps <= 0 {
		r.ExchangeConfig.FeeBps = DefaultFeeBps
	}
}

// Validate checks the request for fatal configuration errors. These are the
// errors that must surface at runtime start, before the cycle loop begins.
func (r *UserRequest) Validate() error {
	var errs []string

	if len(r.TradingConfig.Symbols) == 0 {
		errs = append(errs, "trading_config: symbols must not be empty")
	}
	for _, sym := range r.TradingConfig.Symbols {
		if strings.TrimSpace(sym) == "" {
			errs = append(errs, "trading_config: symbols must not contain blanks")
			break
		}
	}
	if r.TradingConfig.InitialCapital <= 0 {
		errs = append(errs, "trading_config: initial_capital must be > 0")
	}
	if r.TradingConfig.MaxLeverage <= 0 {
		errs = append(errs, "trading_config: max_leverage must be > 0")
	}
	if r.TradingConfig.MaxPositions < 1 {
		errs = append(errs, "trading_config: max_positions must be >= 1")
	}
	if r.TradingConfig.DecideInterval < 1 {
		errs = append(errs, "trading_config: decide_interval must be >= 1 second")
	}

	switch r.ExchangeConfig.TradingMode {
	case TradingModePaper, TradingModeLive:
	default:
		errs = append(errs, fmt.Sprintf("exchange_config: unknown trading_mode %q (valid: paper, live)", r.ExchangeConfig.TradingMode))
	}
	switch r.ExchangeConfig.MarketType {
	case MarketTypeSpot, MarketTypePerp:
	default:
		errs = append(errs, fmt.Sprintf("exchange_config: unknown market_type %q (valid: spot, perp)", r.ExchangeConfig.MarketType))
	}
	if r.ExchangeConfig.TradingMode == TradingModeLive {
		if r.ExchangeConfig.ExchangeID == "" {
			errs = append(errs, "exchange_config: exchange_id is required for live trading")
		}
		if r.ExchangeConfig.APIKey == "" || r.ExchangeConfig.SecretKey == "" {
			errs = append(errs, "exchange_config: api_key and secret_key are required for live trading")
		}
	}
	if r.ExchangeConfig.MarketType == MarketTypeSpot && r.TradingConfig.MaxLeverage > 1.0 {
		errs = append(errs, "trading_config: max_leverage must be <= 1 for spot markets")
	}

	if r.TradingConfig.StrategyType == PolicyLLM && r.LLMModelConfig.ModelID == "" {
		errs = append(errs, "llm_model_config: model_id is required for the llm policy")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidRequest, strings.Join(errs, "\n  - "))
	}
	return nil
}

// BaseConstraints derives the guardrail set from the trading config.
func (r *UserRequest) BaseConstraints() Constraints {
	return Constraints{
		MaxPositions: r.TradingConfig.MaxPositions,
		MaxLeverage:  r.TradingConfig.MaxLeverage,
	}
}
