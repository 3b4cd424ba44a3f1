// Package provider dispatches normalized inference requests to the upstream
// LLM APIs. Each adapter owns its wire translation, enforces the per-call
// wall clock, and surfaces upstream failures as typed errors that preserve
// the status code and payload.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider identifies one upstream API family.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Google    Provider = "google"
)

// upstreamTimeout is the wall clock per upstream call.
const upstreamTimeout = 60 * time.Second

var (
	// ErrUnknownProvider is returned for a provider outside the known set.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrProviderDisabled is returned when the adapter has no credential.
	ErrProviderDisabled = errors.New("provider: no credential configured")
)

// Message is one role-tagged turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the provider-neutral form of an inference call.
type Request struct {
	Provider    Provider
	Route       string
	Model       string
	Messages    []Message
	Prompt      string // legacy completions only
	System      string
	Stop        []string
	MaxTokens   *int64
	Temperature *float64
	Stream      bool
	Tools       []Tool
}

// Usage is the token accounting a response reports.
type Usage struct {
	PromptTokens       int64
	CachedPromptTokens int64
	CompletionTokens   int64
}

// Response carries the upstream body through to the client plus the
// extracted usage.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Model      string
	Usage      Usage
}

// UpstreamError preserves an upstream failure's status and payload so the
// gateway can pass both through.
type UpstreamError struct {
	Provider Provider
	Status   int
	Body     []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider: %s returned %d", e.Provider, e.Status)
}

// Credentials configures the adapters. An empty key disables its adapter.
// BaseURL overrides exist for tests and self-hosted compatible endpoints.
type Credentials struct {
	OpenAIKey     string
	AnthropicKey  string
	GoogleKey     string
	OpenAIBase    string
	AnthropicBase string
	GoogleBase    string
}

type adapter interface {
	dispatch(ctx context.Context, req Request) (*Response, error)
}

// Dispatcher routes a normalized request to the adapter for its provider.
type Dispatcher struct {
	adapters map[Provider]adapter
}

// NewDispatcher builds adapters for every credentialed provider. client may
// be nil; the default enforces the upstream wall clock.
func NewDispatcher(creds Credentials, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: upstreamTimeout}
	}
	d := &Dispatcher{adapters: make(map[Provider]adapter)}
	if creds.OpenAIKey != "" {
		d.adapters[OpenAI] = newOpenAIAdapter(creds.OpenAIKey, creds.OpenAIBase, client)
	}
	if creds.AnthropicKey != "" {
		d.adapters[Anthropic] = newAnthropicAdapter(creds.AnthropicKey, creds.AnthropicBase, client)
	}
	if creds.GoogleKey != "" {
		d.adapters[Google] = newGoogleAdapter(creds.GoogleKey, creds.GoogleBase, client)
	}
	return d
}

// Enabled reports whether the provider has a configured adapter.
func (d *Dispatcher) Enabled(p Provider) bool {
	_, ok := d.adapters[p]
	return ok
}

// Dispatch forwards the request under the upstream wall clock.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	a, ok := d.adapters[req.Provider]
	if !ok {
		switch req.Provider {
		case OpenAI, Anthropic, Google:
			return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, req.Provider)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	return a.dispatch(ctx, req)
}

// ProviderFor picks the upstream for a route and model. The Anthropic-style
// route always goes to Anthropic; otherwise the model id decides.
func ProviderFor(route, model string) Provider {
	if route == "/v1/messages" {
		return Anthropic
	}
	switch {
	case strings.HasPrefix(model, "claude"):
		return Anthropic
	case strings.HasPrefix(model, "gemini"):
		return Google
	default:
		return OpenAI
	}
}

// doJSON posts body to url with headers, returning the raw response payload.
// HTTP >= 400 becomes an UpstreamError.
func doJSON(ctx context.Context, client *http.Client, p Provider, url string, headers map[string]string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: marshal request: %w", p, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("provider: %s: create request: %w", p, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w", p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := readAll(resp)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: read response: %w", p, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{Provider: p, Status: resp.StatusCode, Body: payload}
	}
	return payload, nil
}

// maxResponseBytes caps an upstream payload; completions are far smaller.
const maxResponseBytes = 10 << 20

func readAll(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
