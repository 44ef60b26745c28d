package decision

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
)

type stubModelClient struct {
	plan domain.TradePlanProposal
	err  error
}

func (c *stubModelClient) Plan(ctx context.Context, system, user string) (domain.TradePlanProposal, error) {
	return c.plan, c.err
}

type captureNotifier struct {
	messages []string
	err      error
}

func (n *captureNotifier) Send(ctx context.Context, message string) error {
	n.messages = append(n.messages, message)
	return n.err
}

func TestLLMComposerNormalizesModelPlan(t *testing.T) {
	request := perpRequest()
	client := &stubModelClient{plan: domain.TradePlanProposal{
		Items:     []domain.TradeDecisionItem{item("BTC-USDT", domain.ActionOpenLong, 2)},
		Rationale: "momentum breakout",
	}}
	notifier := &captureNotifier{}
	composer := NewLLMComposer(request, client, notifier, testLogger())

	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)

	require.Len(t, result.Instructions, 1)
	assert.Equal(t, domain.SideBuy, result.Instructions[0].Side)
	assert.Equal(t, "momentum breakout", result.Rationale)

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "BTC-USDT")
	assert.Contains(t, notifier.messages[0], "momentum breakout")
}

func TestLLMComposerDowngradesQuotaErrors(t *testing.T) {
	request := perpRequest()
	client := &stubModelClient{err: fmt.Errorf("%w: status 429", ErrModelQuota)}
	composer := NewLLMComposer(request, client, nil, testLogger())

	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err, "quota exhaustion skips the cycle, it does not fail it")
	assert.Empty(t, result.Instructions)
	assert.Contains(t, result.Rationale, "quota")
}

func TestLLMComposerModelFailureYieldsEmptyPlan(t *testing.T) {
	request := perpRequest()
	client := &stubModelClient{err: errors.New("connection reset")}
	composer := NewLLMComposer(request, client, nil, testLogger())

	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, result.Instructions)
	assert.Contains(t, result.Rationale, "Model invocation failed")
	assert.Contains(t, result.Rationale, "connection reset")
}

func TestLLMComposerEmptyPlanSkipsNotification(t *testing.T) {
	request := perpRequest()
	client := &stubModelClient{plan: domain.TradePlanProposal{Rationale: "hold everything"}}
	notifier := &captureNotifier{}
	composer := NewLLMComposer(request, client, notifier, testLogger())

	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, result.Instructions)
	assert.Equal(t, "hold everything", result.Rationale)
	assert.Empty(t, notifier.messages)
}

func TestLLMComposerNoopOnlyPlanSkipsNotification(t *testing.T) {
	request := perpRequest()
	client := &stubModelClient{plan: domain.TradePlanProposal{
		Items: []domain.TradeDecisionItem{item("BTC-USDT", domain.ActionNoop, 0)},
	}}
	notifier := &captureNotifier{}
	composer := NewLLMComposer(request, client, notifier, testLogger())

	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, result.Instructions)
	assert.Empty(t, notifier.messages)
}

func TestLLMComposerNotifierErrorDoesNotFailCompose(t *testing.T) {
	request := perpRequest()
	client := &stubModelClient{plan: domain.TradePlanProposal{
		Items: []domain.TradeDecisionItem{item("BTC-USDT", domain.ActionOpenLong, 2)},
	}}
	notifier := &captureNotifier{err: errors.New("webhook down")}
	composer := NewLLMComposer(request, client, notifier, testLogger())

	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Len(t, result.Instructions, 1)
}
