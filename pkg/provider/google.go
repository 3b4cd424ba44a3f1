package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultGoogleBase = "https://generativelanguage.googleapis.com"

type googleAdapter struct {
	apiKey string
	base   string
	client *http.Client
}

func newGoogleAdapter(apiKey, base string, client *http.Client) *googleAdapter {
	if base == "" {
		base = defaultGoogleBase
	}
	return &googleAdapter{apiKey: apiKey, base: base, client: client}
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

// googleTool wraps function declarations the way generateContent expects.
type googleTool struct {
	FunctionDeclarations []googleFunctionDeclaration `json:"functionDeclarations"`
}

type googleFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func googleTools(tools []Tool) []googleTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]googleFunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = googleFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return []googleTool{{FunctionDeclarations: decls}}
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Tools             []googleTool    `json:"tools,omitempty"`
	GenerationConfig  *struct {
		MaxOutputTokens *int64   `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type googleResponse struct {
	UsageMetadata struct {
		PromptTokenCount        int64 `json:"promptTokenCount"`
		CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
		CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (a *googleAdapter) dispatch(ctx context.Context, req Request) (*Response, error) {
	body := googleRequest{}

	// Roles map user→user and assistant→model; system turns become the
	// top-level system instruction.
	system := req.System
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
		case "assistant":
			body.Contents = append(body.Contents, googleContent{Role: "model", Parts: []googlePart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}
	if req.Prompt != "" && len(body.Contents) == 0 {
		body.Contents = []googleContent{{Role: "user", Parts: []googlePart{{Text: req.Prompt}}}}
	}
	if system != "" {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: system}}}
	}
	body.Tools = googleTools(req.Tools)
	if req.MaxTokens != nil || req.Temperature != nil || len(req.Stop) > 0 {
		body.GenerationConfig = &struct {
			MaxOutputTokens *int64   `json:"maxOutputTokens,omitempty"`
			Temperature     *float64 `json:"temperature,omitempty"`
			StopSequences   []string `json:"stopSequences,omitempty"`
		}{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			StopSequences:   req.Stop,
		}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.base, req.Model, a.apiKey)
	payload, err := doJSON(ctx, a.client, Google, url, nil, body)
	if err != nil {
		return nil, err
	}

	var envelope googleResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("provider: google: decode response: %w", err)
	}
	model := envelope.ModelVersion
	if model == "" {
		model = req.Model
	}
	return &Response{
		StatusCode: 200,
		Body:       payload,
		Model:      model,
		Usage: Usage{
			PromptTokens:       envelope.UsageMetadata.PromptTokenCount,
			CachedPromptTokens: envelope.UsageMetadata.CachedContentTokenCount,
			CompletionTokens:   envelope.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}
