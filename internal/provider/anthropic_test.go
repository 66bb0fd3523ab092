package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicAdapter_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "a-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.System)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)
		assert.Equal(t, []anthropicMessage{{Role: "user", Content: "ping"}}, req.Messages)

		w.Write([]byte(`{"id":"msg_1","content":[{"type":"thinking","text":""},{"type":"text","text":"pong"}],` + //nolint:errcheck
			`"usage":{"input_tokens":9,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := &Provider{Name: "claude", Kind: KindAnthropic, APIKey: "a-key", BaseURL: srv.URL, Model: "claude-x"}
	res, err := NewAnthropicAdapter(srv.Client()).Call(t.Context(), p, &Request{Prompt: "ping", SystemPrompt: "sys"})
	require.NoError(t, err)

	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, 9, res.InputTokens)
	assert.Equal(t, 1, res.OutputTokens)
}

func TestAnthropicAdapter_ErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens: too large"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := &Provider{Name: "claude", Kind: KindAnthropic, APIKey: "k", BaseURL: srv.URL, Model: "m"}
	_, err := NewAnthropicAdapter(srv.Client()).Call(t.Context(), p, &Request{Prompt: "x"})

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "max_tokens: too large", be.Message)
}
