package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// ErrModelQuota marks model rate-limit and quota exhaustion failures, which
// the composer downgrades to a skipped cycle instead of an error.
var ErrModelQuota = errors.New("decision: model quota or rate limit exceeded")

// ModelClient produces a plan proposal from a system prompt and a serialized
// context message.
type ModelClient interface {
	Plan(ctx context.Context, system, user string) (domain.TradePlanProposal, error)
}

const defaultModelBaseURL = "https://api.openai.com/v1"

// OpenAIChatClient speaks the OpenAI-compatible chat completions protocol in
// JSON mode. BaseURL overrides allow any compatible provider.
type OpenAIChatClient struct {
	cfg        domain.LLMModelConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIChatClient creates a chat client for the configured model.
func NewOpenAIChatClient(cfg domain.LLMModelConfig, logger *slog.Logger) *OpenAIChatClient {
	return &OpenAIChatClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With(slog.String("component", "model_client")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Plan sends one chat completion request and decodes the JSON plan from the
// first choice. A response that is valid JSON but not a valid plan yields an
// empty plan with an explanatory rationale rather than an error.
func (c *OpenAIChatClient) Plan(ctx context.Context, system, user string) (domain.TradePlanProposal, error) {
	payload := chatRequest{
		Model: c.cfg.ModelID,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	payload.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: marshal chat request: %w", err)
	}

	baseURL := strings.TrimRight(c.cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultModelBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: chat completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: read chat response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.TradePlanProposal{}, fmt.Errorf("%w: status 429", ErrModelQuota)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		if strings.Contains(strings.ToLower(snippet), "quota") || strings.Contains(snippet, "RESOURCE_EXHAUSTED") {
			return domain.TradePlanProposal{}, fmt.Errorf("%w: %s", ErrModelQuota, snippet)
		}
		return domain.TradePlanProposal{}, fmt.Errorf("decision: chat completion status %d: %s", resp.StatusCode, snippet)
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: decode chat response: %w", err)
	}
	if decoded.Error != nil {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: model error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return domain.TradePlanProposal{}, fmt.Errorf("decision: chat response has no choices")
	}

	content := decoded.Choices[0].Message.Content
	var plan domain.TradePlanProposal
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		c.logger.Warn("model output failed validation", slog.String("model", c.cfg.ModelID))
		return domain.TradePlanProposal{
			Rationale: fmt.Sprintf("Model output failed validation for %s/%s; raw output: %s",
				c.cfg.Provider, c.cfg.ModelID, truncate(content, 512)),
		}, nil
	}
	return plan, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Compile-time interface check.
var _ ModelClient = (*OpenAIChatClient)(nil)
