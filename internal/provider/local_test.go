package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAdapter_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body["model"])
		assert.Equal(t, "ping", body["prompt"])
		assert.Equal(t, "sys", body["system"])
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, map[string]any{"num_predict": float64(32)}, body["options"])

		w.Write([]byte(`{"model":"llama3","response":"pong","done":true,"prompt_eval_count":7,"eval_count":2}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := &Provider{Name: "ollama", Kind: KindLocal, BaseURL: srv.URL, Model: "llama3"}
	res, err := NewLocalAdapter(srv.Client()).Call(t.Context(), p, &Request{Prompt: "ping", SystemPrompt: "sys", MaxTokens: 32})
	require.NoError(t, err)

	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, 7, res.InputTokens)
	assert.Equal(t, 2, res.OutputTokens)
}

func TestLocalAdapter_EstimatesAndErrors(t *testing.T) {
	t.Run("estimates when counts are missing", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"response":"12345678"}`)) //nolint:errcheck
		}))
		defer srv.Close()

		p := &Provider{Name: "ollama", Kind: KindLocal, BaseURL: srv.URL, Model: "m"}
		res, err := NewLocalAdapter(srv.Client()).Call(t.Context(), p, &Request{Prompt: "abcde"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.InputTokens)
		assert.Equal(t, 2, res.OutputTokens)
	})

	t.Run("missing response field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"done":true}`)) //nolint:errcheck
		}))
		defer srv.Close()

		p := &Provider{Name: "ollama", Kind: KindLocal, BaseURL: srv.URL, Model: "m"}
		_, err := NewLocalAdapter(srv.Client()).Call(t.Context(), p, &Request{Prompt: "x"})
		var se *ResponseShapeError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "response", se.Field)
	})

	t.Run("model not found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"model \"m\" not found, try pulling it first"}`)) //nolint:errcheck
		}))
		defer srv.Close()

		p := &Provider{Name: "ollama", Kind: KindLocal, BaseURL: srv.URL, Model: "m"}
		_, err := NewLocalAdapter(srv.Client()).Call(t.Context(), p, &Request{Prompt: "x"})
		var be *BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, http.StatusNotFound, be.StatusCode)
		assert.Contains(t, be.Message, "not found")
	})
}
