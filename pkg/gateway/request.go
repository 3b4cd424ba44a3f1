package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spendgate/spendgate/pkg/provider"
)

// maxRequestBytes caps an incoming request body.
const maxRequestBytes = 4 << 20

var errMissingModel = errors.New("gateway: request has no model")

// stringOrList accepts both the string and the array form OpenAI allows for
// stop and prompt fields.
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(raw []byte) error {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// toolList accepts both the OpenAI wrapper form
// ({"type":"function","function":{...}}) and the flat form used by the
// responses and Anthropic APIs ({"name",...,"parameters"|"input_schema"}).
type toolList []provider.Tool

func (t *toolList) UnmarshalJSON(raw []byte) error {
	var wire []struct {
		Type        string         `json:"type"`
		Function    *provider.Tool `json:"function"`
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
		InputSchema map[string]any `json:"input_schema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	out := make([]provider.Tool, 0, len(wire))
	for _, w := range wire {
		if w.Function != nil {
			out = append(out, *w.Function)
			continue
		}
		params := w.Parameters
		if params == nil {
			params = w.InputSchema
		}
		out = append(out, provider.Tool{Name: w.Name, Description: w.Description, Parameters: params})
	}
	*t = out
	return nil
}

type chatBody struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Stop        stringOrList       `json:"stop"`
	MaxTokens   *int64             `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
	Stream      bool               `json:"stream"`
	Tools       toolList           `json:"tools"`
}

type completionBody struct {
	Model       string       `json:"model"`
	Prompt      stringOrList `json:"prompt"`
	Stop        stringOrList `json:"stop"`
	MaxTokens   *int64       `json:"max_tokens"`
	Temperature *float64     `json:"temperature"`
	Stream      bool         `json:"stream"`
}

type responsesBody struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	MaxOutputTokens *int64          `json:"max_output_tokens"`
	Temperature     *float64        `json:"temperature"`
	Stream          bool            `json:"stream"`
	Tools           toolList        `json:"tools"`
}

type messagesBody struct {
	Model         string             `json:"model"`
	Messages      []provider.Message `json:"messages"`
	System        string             `json:"system"`
	MaxTokens     *int64             `json:"max_tokens"`
	StopSequences []string           `json:"stop_sequences"`
	Stop          stringOrList       `json:"stop"`
	Temperature   *float64           `json:"temperature"`
	Stream        bool               `json:"stream"`
	Tools         toolList           `json:"tools"`
}

// parseRequest decodes a route-specific body into the provider-neutral
// request form.
func parseRequest(route string, body io.Reader) (provider.Request, error) {
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBytes))
	req := provider.Request{Route: route}

	switch route {
	case "/v1/chat/completions":
		var b chatBody
		if err := dec.Decode(&b); err != nil {
			return req, fmt.Errorf("gateway: decode chat request: %w", err)
		}
		req.Model = b.Model
		req.Messages = b.Messages
		req.Stop = b.Stop
		req.MaxTokens = b.MaxTokens
		req.Temperature = b.Temperature
		req.Stream = b.Stream
		req.Tools = b.Tools
	case "/v1/completions":
		var b completionBody
		if err := dec.Decode(&b); err != nil {
			return req, fmt.Errorf("gateway: decode completion request: %w", err)
		}
		req.Model = b.Model
		if len(b.Prompt) > 0 {
			req.Prompt = b.Prompt[0]
		}
		req.Stop = b.Stop
		req.MaxTokens = b.MaxTokens
		req.Temperature = b.Temperature
		req.Stream = b.Stream
	case "/v1/responses":
		var b responsesBody
		if err := dec.Decode(&b); err != nil {
			return req, fmt.Errorf("gateway: decode responses request: %w", err)
		}
		req.Model = b.Model
		req.Messages = responsesInput(b.Input)
		req.MaxTokens = b.MaxOutputTokens
		req.Temperature = b.Temperature
		req.Stream = b.Stream
		req.Tools = b.Tools
	case "/v1/messages":
		var b messagesBody
		if err := dec.Decode(&b); err != nil {
			return req, fmt.Errorf("gateway: decode messages request: %w", err)
		}
		req.Model = b.Model
		req.Messages = b.Messages
		req.System = b.System
		// Either field spelling carries the stop sequences; Anthropic-native
		// clients send stop_sequences, OpenAI-shaped clients send stop.
		req.Stop = b.StopSequences
		if len(req.Stop) == 0 {
			req.Stop = b.Stop
		}
		req.MaxTokens = b.MaxTokens
		req.Temperature = b.Temperature
		req.Stream = b.Stream
		req.Tools = b.Tools
	default:
		return req, fmt.Errorf("gateway: unsupported route %q", route)
	}

	if req.Model == "" {
		return req, errMissingModel
	}
	req.Provider = provider.ProviderFor(route, req.Model)
	return req, nil
}

// responsesInput accepts both the plain-string and the message-array input
// forms of the responses API.
func responsesInput(raw json.RawMessage) []provider.Message {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []provider.Message{{Role: "user", Content: text}}
	}
	var msgs []provider.Message
	if err := json.Unmarshal(raw, &msgs); err == nil {
		return msgs
	}
	return nil
}
