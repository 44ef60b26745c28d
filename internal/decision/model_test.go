package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func chatCompletion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func TestOpenAIChatClientDecodesPlan(t *testing.T) {
	planJSON := `{"items":[{"instrument":{"symbol":"BTC-USDT"},"action":"open_long","target_qty":2}],"rationale":"buy the dip"}`

	var gotAuth, gotPath string
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		fmt.Fprint(w, chatCompletion(planJSON))
	})

	client := NewOpenAIChatClient(domain.LLMModelConfig{
		Provider: "openai",
		ModelID:  "gpt-4o",
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
	}, testLogger())

	plan, err := client.Plan(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, domain.ActionOpenLong, plan.Items[0].Action)
	assert.InDelta(t, 2, plan.Items[0].TargetQty, 1e-9)
	assert.Equal(t, "buy the dip", plan.Rationale)
}

func TestOpenAIChatClientInvalidPlanContent(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatCompletion("I would buy bitcoin today."))
	})
	client := NewOpenAIChatClient(domain.LLMModelConfig{ModelID: "gpt-4o", BaseURL: srv.URL}, testLogger())

	plan, err := client.Plan(context.Background(), "s", "u")
	require.NoError(t, err, "unparseable content degrades to an empty plan")
	assert.Empty(t, plan.Items)
	assert.Contains(t, plan.Rationale, "failed validation")
}

func TestOpenAIChatClientRateLimit(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client := NewOpenAIChatClient(domain.LLMModelConfig{ModelID: "gpt-4o", BaseURL: srv.URL}, testLogger())

	_, err := client.Plan(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrModelQuota)
}

func TestOpenAIChatClientQuotaBody(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"insufficient quota"}}`)
	})
	client := NewOpenAIChatClient(domain.LLMModelConfig{ModelID: "gpt-4o", BaseURL: srv.URL}, testLogger())

	_, err := client.Plan(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrModelQuota)
}

func TestOpenAIChatClientErrorBody(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"model overloaded","type":"server_error"}}`)
	})
	client := NewOpenAIChatClient(domain.LLMModelConfig{ModelID: "gpt-4o", BaseURL: srv.URL}, testLogger())

	_, err := client.Plan(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestOpenAIChatClientNoChoices(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})
	client := NewOpenAIChatClient(domain.LLMModelConfig{ModelID: "gpt-4o", BaseURL: srv.URL}, testLogger())

	_, err := client.Plan(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
