package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	// anthropicDefaultMaxTokens applies when the caller omits max_tokens;
	// the upstream rejects requests without it.
	anthropicDefaultMaxTokens = int64(4096)
)

type anthropicAdapter struct {
	apiKey string
	base   string
	client *http.Client
}

func newAnthropicAdapter(apiKey, base string, client *http.Client) *anthropicAdapter {
	if base == "" {
		base = defaultAnthropicBase
	}
	return &anthropicAdapter{apiKey: apiKey, base: base, client: client}
}

// anthropicTool renames the parameters schema to input_schema.
type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func anthropicTools(tools []Tool) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, len(tools))
	for i, t := range tools {
		out[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
	}
	return out
}

type anthropicRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        string          `json:"system,omitempty"`
	MaxTokens     int64           `json:"max_tokens"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []anthropicTool `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens          int64 `json:"input_tokens"`
		OutputTokens         int64 `json:"output_tokens"`
		CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func (a *anthropicAdapter) dispatch(ctx context.Context, req Request) (*Response, error) {
	// System turns move to the top-level field; the messages list keeps only
	// user/assistant turns.
	system := req.System
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
			continue
		}
		msgs = append(msgs, m)
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := anthropicRequest{
		Model:         req.Model,
		Messages:      msgs,
		System:        system,
		MaxTokens:     maxTokens,
		StopSequences: req.Stop,
		Temperature:   req.Temperature,
		Stream:        req.Stream,
		Tools:         anthropicTools(req.Tools),
	}

	payload, err := doJSON(ctx, a.client, Anthropic, a.base+"/v1/messages", map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}, body)
	if err != nil {
		return nil, err
	}

	var envelope anthropicResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("provider: anthropic: decode response: %w", err)
	}
	model := envelope.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		StatusCode: 200,
		Body:       payload,
		Model:      model,
		Usage: Usage{
			PromptTokens:       envelope.Usage.InputTokens,
			CachedPromptTokens: envelope.Usage.CacheReadInputTokens,
			CompletionTokens:   envelope.Usage.OutputTokens,
		},
	}, nil
}

// AssistantText joins an Anthropic content array into the single assistant
// message string used when translating back to an OpenAI-shaped reply.
func AssistantText(payload []byte) (string, error) {
	var envelope anthropicResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("provider: anthropic: decode content: %w", err)
	}
	var out string
	for _, c := range envelope.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out, nil
}
