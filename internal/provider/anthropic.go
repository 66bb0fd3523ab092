package provider

import (
	"context"
	"encoding/json"
	"net/http"
)

// ---------------------------------------------------------------------------
// AnthropicAdapter struct + constructor
// ---------------------------------------------------------------------------

// AnthropicAdapter implements Adapter for Anthropic's Messages API.
type AnthropicAdapter struct {
	client *http.Client
}

// NewAnthropicAdapter creates an AnthropicAdapter.
func NewAnthropicAdapter(client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{client: client}
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/messages.
//
// Key differences from chat-completions:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is required
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse returns content as an array of blocks because responses
// can mix text and tool_use. We only read blocks with type == "text".
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  *int `json:"input_tokens"`
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicAPIVersion pins the Messages API behavior. Anthropic versions its
// API with a date header instead of the URL path.
const anthropicAPIVersion = "2023-06-01"

// ---------------------------------------------------------------------------
// Call
// ---------------------------------------------------------------------------

// Call POSTs to {base}/messages and extracts the first text block.
func (a *AnthropicAdapter) Call(ctx context.Context, p *Provider, req *Request) (*Result, error) {
	body := anthropicRequest{
		Model:     p.Model,
		MaxTokens: maxTokens(req),
		System:    req.SystemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	headers := map[string]string{
		"x-api-key":         p.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}

	raw, err := postJSON(ctx, a.client, p, p.endpoint("/messages"), headers, body)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "content[].text", Err: err}
	}

	var (
		text  string
		found bool
	)
	for _, block := range resp.Content {
		if block.Type == "text" {
			text, found = block.Text, true
			break
		}
	}
	if !found {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "content[].text"}
	}

	var inputTokens, outputTokens *int
	if resp.Usage != nil {
		inputTokens = resp.Usage.InputTokens
		outputTokens = resp.Usage.OutputTokens
	}

	return &Result{
		Text:         text,
		InputTokens:  tokenCount(inputTokens, req.Prompt),
		OutputTokens: tokenCount(outputTokens, text),
		Raw:          raw,
	}, nil
}
