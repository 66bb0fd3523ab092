package provider

import (
	"context"
	"encoding/json"
	"net/http"
)

// ---------------------------------------------------------------------------
// ChatAdapter struct + constructor
// ---------------------------------------------------------------------------

// ChatAdapter implements Adapter for the chat-completions wire format used
// by OpenRouter and every OpenAI-compatible endpoint.
type ChatAdapter struct {
	client *http.Client
	attr   Attribution
}

// NewChatAdapter creates a ChatAdapter. Attribution headers are only sent
// when non-empty.
func NewChatAdapter(client *http.Client, attr Attribution) *ChatAdapter {
	return &ChatAdapter{client: client, attr: attr}
}

// ---------------------------------------------------------------------------
// Chat-completions API types (unexported)
// ---------------------------------------------------------------------------

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse only declares what we read. Content and the usage counts are
// pointers so "absent" and "zero" can be told apart.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
	} `json:"usage"`
}

// toChatRequest builds the messages array: an optional system message
// followed by the user prompt.
func toChatRequest(p *Provider, req *Request) *chatRequest {
	cr := &chatRequest{
		Model:     p.Model,
		MaxTokens: maxTokens(req),
	}
	if req.SystemPrompt != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: req.Prompt})
	return cr
}

// ---------------------------------------------------------------------------
// Call
// ---------------------------------------------------------------------------

// Call POSTs to {base}/chat/completions with bearer auth and extracts
// choices[0].message.content.
func (a *ChatAdapter) Call(ctx context.Context, p *Provider, req *Request) (*Result, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + p.APIKey,
		"HTTP-Referer":  a.attr.Referer,
		"X-Title":       a.attr.Title,
	}
	if p.APIKey == "" {
		delete(headers, "Authorization")
	}

	raw, err := postJSON(ctx, a.client, p, p.endpoint("/chat/completions"), headers, toChatRequest(p, req))
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "choices[0].message.content", Err: err}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		return nil, &ResponseShapeError{Provider: p.Name, Field: "choices[0].message.content"}
	}

	text := *resp.Choices[0].Message.Content

	var promptTokens, completionTokens *int
	if resp.Usage != nil {
		promptTokens = resp.Usage.PromptTokens
		completionTokens = resp.Usage.CompletionTokens
	}

	return &Result{
		Text:         text,
		InputTokens:  tokenCount(promptTokens, req.Prompt),
		OutputTokens: tokenCount(completionTokens, text),
		Raw:          raw,
	}, nil
}
