package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultOpenAIBase = "https://api.openai.com"

// openAIAdapter serves the three OpenAI-style routes. Request bodies are
// rebuilt from the normalized form; responses pass through unchanged.
type openAIAdapter struct {
	apiKey string
	base   string
	client *http.Client
}

func newOpenAIAdapter(apiKey, base string, client *http.Client) *openAIAdapter {
	if base == "" {
		base = defaultOpenAIBase
	}
	return &openAIAdapter{apiKey: apiKey, base: base, client: client}
}

type openAITool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

func openAITools(tools []Tool) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, len(tools))
	for i, t := range tools {
		out[i] = openAITool{Type: "function", Function: t}
	}
	return out
}

type openAIChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Stop        []string     `json:"stop,omitempty"`
	MaxTokens   *int64       `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Tools       []openAITool `json:"tools,omitempty"`
}

type openAICompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stop        []string `json:"stop,omitempty"`
	MaxTokens   *int64   `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// openAIResponsesTool is the flat tool shape the responses API takes.
type openAIResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func openAIResponsesTools(tools []Tool) []openAIResponsesTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAIResponsesTool, len(tools))
	for i, t := range tools {
		out[i] = openAIResponsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

type openAIResponsesRequest struct {
	Model           string                `json:"model"`
	Input           []Message             `json:"input"`
	MaxOutputTokens *int64                `json:"max_output_tokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
	Tools           []openAIResponsesTool `json:"tools,omitempty"`
}

// openAIUsage covers both the chat/completions shape and the responses-API
// shape (input_tokens/output_tokens).
type openAIUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (u openAIUsage) normalize() Usage {
	out := Usage{
		PromptTokens:       u.PromptTokens,
		CompletionTokens:   u.CompletionTokens,
		CachedPromptTokens: u.PromptTokensDetails.CachedTokens,
	}
	if out.PromptTokens == 0 && u.InputTokens > 0 {
		out.PromptTokens = u.InputTokens
		out.CompletionTokens = u.OutputTokens
		out.CachedPromptTokens = u.InputTokensDetails.CachedTokens
	}
	return out
}

func (a *openAIAdapter) dispatch(ctx context.Context, req Request) (*Response, error) {
	var body any
	switch req.Route {
	case "/v1/chat/completions":
		msgs := req.Messages
		if req.System != "" {
			msgs = append([]Message{{Role: "system", Content: req.System}}, msgs...)
		}
		body = openAIChatRequest{
			Model:       req.Model,
			Messages:    msgs,
			Stop:        req.Stop,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      req.Stream,
			Tools:       openAITools(req.Tools),
		}
	case "/v1/completions":
		body = openAICompletionRequest{
			Model:       req.Model,
			Prompt:      req.Prompt,
			Stop:        req.Stop,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      req.Stream,
		}
	case "/v1/responses":
		body = openAIResponsesRequest{
			Model:           req.Model,
			Input:           req.Messages,
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			Stream:          req.Stream,
			Tools:           openAIResponsesTools(req.Tools),
		}
	default:
		return nil, fmt.Errorf("provider: openai: unsupported route %q", req.Route)
	}

	payload, err := doJSON(ctx, a.client, OpenAI, a.base+req.Route, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	}, body)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Model string      `json:"model"`
		Usage openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("provider: openai: decode response: %w", err)
	}
	model := envelope.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		StatusCode: 200,
		Body:       payload,
		Model:      model,
		Usage:      envelope.Usage.normalize(),
	}, nil
}
