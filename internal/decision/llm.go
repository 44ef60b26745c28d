package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanwei/tradeforge/internal/domain"
)

// PlanNotifier delivers human-readable plan summaries out of band. A nil
// notifier disables notifications.
type PlanNotifier interface {
	Send(ctx context.Context, message string) error
}

// LLMComposer asks a language model for a plan proposal and normalizes it
// through the shared guardrails. Model failures never fail the cycle: they
// produce an empty instruction set with the failure explained in the
// rationale, and the strategy retries next cycle.
type LLMComposer struct {
	request    domain.UserRequest
	client     ModelClient
	normalizer *normalizer
	notifier   PlanNotifier
	logger     *slog.Logger
}

// NewLLMComposer creates an LLM composer backed by the given model client.
func NewLLMComposer(request domain.UserRequest, client ModelClient, notifier PlanNotifier, logger *slog.Logger) *LLMComposer {
	return &LLMComposer{
		request:    request,
		client:     client,
		normalizer: newNormalizer(request, logger),
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "llm_composer")),
	}
}

// Compose builds the context prompt, invokes the model, and normalizes the
// returned plan into executable instructions.
func (c *LLMComposer) Compose(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
	prompt, err := buildPrompt(c.request, cc)
	if err != nil {
		return domain.ComposeResult{}, err
	}

	plan, err := c.client.Plan(ctx, systemPrompt, prompt)
	if err != nil {
		if errors.Is(err, ErrModelQuota) {
			c.logger.WarnContext(ctx, "model quota exceeded, skipping cycle",
				slog.String("compose_id", cc.ComposeID),
			)
			return domain.ComposeResult{
				Rationale: "Trading decision skipped: model quota or rate limit exceeded. " +
					"The strategy will retry in the next cycle.",
			}, nil
		}
		c.logger.ErrorContext(ctx, "model invocation failed",
			slog.String("compose_id", cc.ComposeID),
			slog.String("error", err.Error()),
		)
		return domain.ComposeResult{
			Rationale: fmt.Sprintf("Model invocation failed: %v. The strategy will retry in the next cycle.", err),
		}, nil
	}

	if len(plan.Items) == 0 {
		c.logger.InfoContext(ctx, "model returned empty plan",
			slog.String("compose_id", cc.ComposeID),
			slog.String("rationale", plan.Rationale),
		)
		return domain.ComposeResult{Rationale: plan.Rationale}, nil
	}

	c.notifyPlan(ctx, plan)

	return domain.ComposeResult{
		Instructions: c.normalizer.NormalizePlan(cc, plan),
		Rationale:    plan.Rationale,
	}, nil
}

// notifyPlan forwards actionable plans to the notifier. Notification errors
// are logged and never fail the compose.
func (c *LLMComposer) notifyPlan(ctx context.Context, plan domain.TradePlanProposal) {
	if c.notifier == nil {
		return
	}

	var actionable []domain.TradeDecisionItem
	for _, item := range plan.Items {
		if item.Action != domain.ActionNoop {
			actionable = append(actionable, item)
		}
	}
	if len(actionable) == 0 {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Strategy %s — Actions Detected\n\n", c.request.TradingConfig.StrategyName)
	if plan.Rationale != "" {
		fmt.Fprintf(&b, "**Overall rationale:**\n%s\n\n", plan.Rationale)
	}
	b.WriteString("**Items:**\n")
	for _, item := range actionable {
		if item.Rationale != "" {
			fmt.Fprintf(&b, "- **%s** `%s` qty=%g — %s\n", item.Action, item.Instrument.Symbol, item.TargetQty, item.Rationale)
		} else {
			fmt.Fprintf(&b, "- **%s** `%s` qty=%g\n", item.Action, item.Instrument.Symbol, item.TargetQty)
		}
	}

	if err := c.notifier.Send(ctx, b.String()); err != nil {
		c.logger.WarnContext(ctx, "plan notification failed", slog.String("error", err.Error()))
	}
}

// Compile-time interface check.
var _ Composer = (*LLMComposer)(nil)
