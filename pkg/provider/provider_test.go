package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spendgate/spendgate/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func captureServer(t *testing.T, status int, responseBody string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			*captured = body
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(responseBody))
	}))
}

func TestAnthropic_SystemExtraction(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"model":"claude-3-5-sonnet-latest","content":[{"type":"text","text":"Hi!"}],"usage":{"input_tokens":12,"output_tokens":3}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{AnthropicKey: "k", AnthropicBase: srv.URL}, srv.Client())
	resp, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.Anthropic,
		Route:    "/v1/messages",
		Model:    "claude-3-5-sonnet-latest",
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello!"},
		},
		MaxTokens: int64Ptr(100),
	})
	require.NoError(t, err)

	assert.Equal(t, "You are a helpful assistant.", captured["system"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	assert.Equal(t, float64(100), captured["max_tokens"])

	assert.Equal(t, int64(12), resp.Usage.PromptTokens)
	assert.Equal(t, int64(3), resp.Usage.CompletionTokens)
}

func TestAnthropic_StopRenamedAndMaxTokensDefaulted(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"model":"claude-3-5-sonnet-latest","content":[],"usage":{"input_tokens":1,"output_tokens":1}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{AnthropicKey: "k", AnthropicBase: srv.URL}, srv.Client())
	_, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.Anthropic,
		Route:    "/v1/messages",
		Model:    "claude-3-5-sonnet-latest",
		Messages: []provider.Message{{Role: "user", Content: "Hi"}},
		Stop:     []string{"STOP", "END"},
	})
	require.NoError(t, err)

	stops := captured["stop_sequences"].([]any)
	assert.Equal(t, []any{"STOP", "END"}, stops)
	_, hasStop := captured["stop"]
	assert.False(t, hasStop)
	assert.Equal(t, float64(4096), captured["max_tokens"])
}

func TestAnthropic_AssistantText(t *testing.T) {
	payload := []byte(`{"content":[{"type":"text","text":"Hello"},{"type":"text","text":" world"}]}`)
	text, err := provider.AssistantText(payload)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}

func TestOpenAI_ChatUsageExtraction(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"model":"gpt-3.5-turbo","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":9,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":4}}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{OpenAIKey: "k", OpenAIBase: srv.URL}, srv.Client())
	resp, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.OpenAI,
		Route:    "/v1/chat/completions",
		Model:    "gpt-3.5-turbo",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-3.5-turbo", captured["model"])
	assert.Equal(t, int64(9), resp.Usage.PromptTokens)
	assert.Equal(t, int64(5), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(4), resp.Usage.CachedPromptTokens)
}

func TestOpenAI_LegacyCompletions(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"model":"gpt-3.5-turbo","choices":[{"text":"hello"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{OpenAIKey: "k", OpenAIBase: srv.URL}, srv.Client())
	resp, err := d.Dispatch(context.Background(), provider.Request{
		Provider:  provider.OpenAI,
		Route:     "/v1/completions",
		Model:     "gpt-3.5-turbo",
		Prompt:    "hi",
		MaxTokens: int64Ptr(1),
	})
	require.NoError(t, err)

	assert.Equal(t, "hi", captured["prompt"])
	var body struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.NotEmpty(t, body.Choices)
	assert.Equal(t, "hello", body.Choices[0].Text)
}

func TestOpenAI_ResponsesUsageShape(t *testing.T) {
	srv := captureServer(t, 200, `{"model":"gpt-4o","output":[],"usage":{"input_tokens":7,"output_tokens":2,"input_tokens_details":{"cached_tokens":3}}}`, nil)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{OpenAIKey: "k", OpenAIBase: srv.URL}, srv.Client())
	resp, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.OpenAI,
		Route:    "/v1/responses",
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Usage.PromptTokens)
	assert.Equal(t, int64(2), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(3), resp.Usage.CachedPromptTokens)
}

func TestGoogle_FieldMapping(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"candidates":[{"content":{"parts":[{"text":"hey"}]}}],"usageMetadata":{"promptTokenCount":6,"candidatesTokenCount":2}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{GoogleKey: "k", GoogleBase: srv.URL}, srv.Client())
	resp, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.Google,
		Route:    "/v1/chat/completions",
		Model:    "gemini-1.5-pro",
		Messages: []provider.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		MaxTokens: int64Ptr(50),
	})
	require.NoError(t, err)

	si := captured["systemInstruction"].(map[string]any)
	parts := si["parts"].([]any)
	assert.Equal(t, "Be brief.", parts[0].(map[string]any)["text"])

	contents := captured["contents"].([]any)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])

	gc := captured["generationConfig"].(map[string]any)
	assert.Equal(t, float64(50), gc["maxOutputTokens"])

	assert.Equal(t, int64(6), resp.Usage.PromptTokens)
	assert.Equal(t, int64(2), resp.Usage.CompletionTokens)
}

func TestOpenAI_ToolsWrappedAsFunctions(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{OpenAIKey: "k", OpenAIBase: srv.URL}, srv.Client())
	_, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.OpenAI,
		Route:    "/v1/chat/completions",
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Tools: []provider.Tool{{
			Name:        "get_weather",
			Description: "Weather lookup",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	wrapper := tools[0].(map[string]any)
	assert.Equal(t, "function", wrapper["type"])
	fn := wrapper["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, "object", fn["parameters"].(map[string]any)["type"])
}

func TestAnthropic_ToolsUseInputSchema(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"model":"claude-3-5-sonnet-latest","content":[],"usage":{"input_tokens":1,"output_tokens":1}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{AnthropicKey: "k", AnthropicBase: srv.URL}, srv.Client())
	_, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.Anthropic,
		Route:    "/v1/messages",
		Model:    "claude-3-5-sonnet-latest",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Tools: []provider.Tool{{
			Name:       "lookup",
			Parameters: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "lookup", tool["name"])
	assert.Equal(t, "object", tool["input_schema"].(map[string]any)["type"])
	_, hasParams := tool["parameters"]
	assert.False(t, hasParams)
}

func TestGoogle_ToolsBecomeFunctionDeclarations(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, 200, `{"candidates":[],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`, &captured)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{GoogleKey: "k", GoogleBase: srv.URL}, srv.Client())
	_, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.Google,
		Route:    "/v1/chat/completions",
		Model:    "gemini-1.5-pro",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Tools: []provider.Tool{{
			Name:       "lookup",
			Parameters: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	require.Len(t, decls, 1)
	assert.Equal(t, "lookup", decls[0].(map[string]any)["name"])
}

func TestUpstreamError_PreservesStatusAndBody(t *testing.T) {
	srv := captureServer(t, 429, `{"error":{"message":"overloaded"}}`, nil)
	defer srv.Close()

	d := provider.NewDispatcher(provider.Credentials{OpenAIKey: "k", OpenAIBase: srv.URL}, srv.Client())
	_, err := d.Dispatch(context.Background(), provider.Request{
		Provider: provider.OpenAI,
		Route:    "/v1/chat/completions",
		Model:    "gpt-3.5-turbo",
	})
	require.Error(t, err)

	var ue *provider.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 429, ue.Status)
	assert.Contains(t, string(ue.Body), "overloaded")
}

func TestDispatch_DisabledProvider(t *testing.T) {
	d := provider.NewDispatcher(provider.Credentials{}, nil)
	_, err := d.Dispatch(context.Background(), provider.Request{Provider: provider.OpenAI})
	assert.ErrorIs(t, err, provider.ErrProviderDisabled)

	_, err = d.Dispatch(context.Background(), provider.Request{Provider: provider.Provider("azure")})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, provider.Anthropic, provider.ProviderFor("/v1/messages", "gpt-4"))
	assert.Equal(t, provider.Anthropic, provider.ProviderFor("/v1/chat/completions", "claude-3-5-sonnet-latest"))
	assert.Equal(t, provider.Google, provider.ProviderFor("/v1/chat/completions", "gemini-1.5-pro"))
	assert.Equal(t, provider.OpenAI, provider.ProviderFor("/v1/chat/completions", "gpt-3.5-turbo"))
}
