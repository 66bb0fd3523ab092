package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ---------------------------------------------------------------------------
// GeminiAdapter struct + constructor
// ---------------------------------------------------------------------------

// GeminiAdapter implements Adapter for Google's Gemini generateContent API.
type GeminiAdapter struct {
	client *http.Client
}

// NewGeminiAdapter creates a GeminiAdapter.
func NewGeminiAdapter(client *http.Client) *GeminiAdapter {
	return &GeminiAdapter{client: client}
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// geminiRequest is the request body for generateContent.
//
// Key differences from chat-completions:
//   - the system prompt goes into systemInstruction, not the contents array
//   - the model is in the URL path, not the body
//   - max tokens lives in generationConfig.maxOutputTokens
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func toGeminiRequest(req *Request) *geminiRequest {
	gr := &geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: req.Prompt}},
		}},
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: maxTokens(req)},
	}
	if req.SystemPrompt != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return gr
}

// ---------------------------------------------------------------------------
// Call
// ---------------------------------------------------------------------------

// Call POSTs to {base}/models/{model}:generateContent and extracts
// candidates[0].content.parts[0].text.
//
// The API key travels in the x-goog-api-key header rather than the ?key=
// query parameter so it never shows up in transport error messages (which
// include the request URL).
func (a *GeminiAdapter) Call(ctx context.Context, p *Provider, req *Request) (*Result, error) {
	url := p.endpoint(fmt.Sprintf("/models/%s:generateContent", p.Model))
	headers := map[string]string{"x-goog-api-key": p.APIKey}

	raw, err := postJSON(ctx, a.client, p, url, headers, toGeminiRequest(req))
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "candidates[0].content.parts[0].text", Err: err}
	}
	if len(resp.Candidates) == 0 ||
		len(resp.Candidates[0].Content.Parts) == 0 ||
		resp.Candidates[0].Content.Parts[0].Text == nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "candidates[0].content.parts[0].text"}
	}

	text := *resp.Candidates[0].Content.Parts[0].Text

	var promptTokens, outputTokens *int
	if resp.UsageMetadata != nil {
		promptTokens = resp.UsageMetadata.PromptTokenCount
		outputTokens = resp.UsageMetadata.CandidatesTokenCount
	}

	return &Result{
		Text:         text,
		InputTokens:  tokenCount(promptTokens, req.Prompt),
		OutputTokens: tokenCount(outputTokens, text),
		Raw:          raw,
	}, nil
}
