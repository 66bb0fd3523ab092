package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes bounds how much of a provider response we read.
const maxResponseBytes = 8 << 20

// defaultMaxTokens is used when the caller doesn't specify max tokens.
// Some backends (Anthropic) reject requests without it.
const defaultMaxTokens = 1024

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// Attribution holds the optional OpenRouter attribution headers.
type Attribution struct {
	Referer string // sent as HTTP-Referer
	Title   string // sent as X-Title
}

// NewAdapters builds one adapter per Kind sharing a single HTTP client.
// The client's Timeout is the per-call deadline.
func NewAdapters(client *http.Client, attr Attribution) map[Kind]Adapter {
	return map[Kind]Adapter{
		KindOpenRouter: NewChatAdapter(client, attr),
		KindOpenAI:     NewChatAdapter(client, Attribution{}),
		KindLocal:      NewLocalAdapter(client),
		KindGemini:     NewGeminiAdapter(client),
		KindAnthropic:  NewAnthropicAdapter(client),
	}
}

// postJSON serializes body, POSTs it to url and returns the raw response
// body. It is the shared transport step of every adapter:
//
//   - network / read failures become *TransportError
//   - non-2xx statuses become *BackendError with the provider's message
//   - 2xx bodies carrying an "error" field also become *BackendError
func postJSON(ctx context.Context, client *http.Client, p *Provider, url string, headers map[string]string, body any) ([]byte, error) {
	// Serialize the backend-specific request struct. A marshal failure is
	// a bug in our own types, not a transport problem, so it is not wrapped
	// in a TransportError.
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// NewRequestWithContext ties the outbound call to the caller's context:
	// cancelling the dispatch aborts the HTTP round trip too. The client's
	// Timeout still bounds each call on its own.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Provider: p.Name, Err: fmt.Errorf("creating request: %w", err)}
	}
	// Headers must be set before client.Do sends the request. Empty values
	// are skipped so optional headers (auth for local backends, attribution)
	// can be passed unconditionally.
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: p.Name, Err: err}
	}
	// The body must always be closed, or the connection is not returned
	// to the pool for reuse.
	defer httpResp.Body.Close()

	// Read the whole body up front: it is needed both for the error
	// message on failure and for the typed decode on success. LimitReader
	// caps what a misbehaving backend can make us buffer.
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Provider: p.Name, Err: fmt.Errorf("reading response: %w", err)}
	}

	// Any non-2xx is a BackendError. Prefer the provider's own message and
	// fall back to the status text ("Too Many Requests") when the body has
	// none.
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg := errorMessage(raw)
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, &BackendError{Provider: p.Name, StatusCode: httpResp.StatusCode, Message: msg}
	}

	// Some backends answer 200 with {"error": ...}. Treat that the same
	// way so the dispatcher moves on to the next provider.
	if msg := errorMessage(raw); msg != "" {
		return nil, &BackendError{Provider: p.Name, StatusCode: httpResp.StatusCode, Message: msg}
	}

	return raw, nil
}

// errorMessage pulls a provider error message out of a JSON body. Both
// {"error": {"message": "..."}} (OpenAI, OpenRouter, Anthropic, Gemini) and
// {"error": "..."} (Ollama-style local servers) are understood. Returns ""
// when the body carries no error.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error) == 0 || string(envelope.Error) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Error, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	return strings.TrimSpace(string(envelope.Error))
}
