package provider

import (
	"context"
	"encoding/json"
	"net/http"
)

// LocalAdapter implements Adapter for self-hosted single-endpoint generation
// servers (Ollama's /api/generate shape). No auth header is sent.
type LocalAdapter struct {
	client *http.Client
}

// NewLocalAdapter creates a LocalAdapter.
func NewLocalAdapter(client *http.Client) *LocalAdapter {
	return &LocalAdapter{client: client}
}

type localRequest struct {
	Model   string       `json:"model"`
	Prompt  string       `json:"prompt"`
	System  string       `json:"system,omitempty"`
	Stream  bool         `json:"stream"`
	Options localOptions `json:"options"`
}

type localOptions struct {
	NumPredict int `json:"num_predict"`
}

type localResponse struct {
	Response        *string `json:"response"`
	PromptEvalCount *int    `json:"prompt_eval_count"`
	EvalCount       *int    `json:"eval_count"`
}

// Call POSTs {model, prompt, system, stream:false, options:{num_predict}}
// to {base}/api/generate and extracts the top-level "response" field.
func (a *LocalAdapter) Call(ctx context.Context, p *Provider, req *Request) (*Result, error) {
	body := localRequest{
		Model:   p.Model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  false,
		Options: localOptions{NumPredict: maxTokens(req)},
	}

	raw, err := postJSON(ctx, a.client, p, p.endpoint("/api/generate"), nil, body)
	if err != nil {
		return nil, err
	}

	var resp localResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "response", Err: err}
	}
	if resp.Response == nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "response"}
	}

	return &Result{
		Text:         *resp.Response,
		InputTokens:  tokenCount(resp.PromptEvalCount, req.Prompt),
		OutputTokens: tokenCount(resp.EvalCount, *resp.Response),
		Raw:          raw,
	}, nil
}
