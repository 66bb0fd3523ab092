// Package provider defines registered LLM backends and the protocol adapters
// that talk to them.
//
// Every backend family (OpenRouter, OpenAI-compatible, local generation,
// Gemini, Anthropic) implements the Adapter interface. The dispatcher and the
// usage ledger only ever see the normalized Request and Result types, so they
// never need to know which wire format produced a completion.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a backend family. Each Kind maps to exactly one Adapter.
type Kind string

const (
	KindOpenRouter Kind = "openrouter"
	KindOpenAI     Kind = "openai"
	KindLocal      Kind = "local"
	KindGemini     Kind = "gemini"
	KindAnthropic  Kind = "anthropic"
)

// Kinds lists every supported backend family.
var Kinds = []Kind{KindOpenRouter, KindOpenAI, KindLocal, KindGemini, KindAnthropic}

// ParseKind converts a config or API string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOpenRouter, KindOpenAI, KindLocal, KindGemini, KindAnthropic:
		return true
	}
	return false
}

// DefaultBaseURL is the endpoint base used when a provider has no override.
func (k Kind) DefaultBaseURL() string {
	switch k {
	case KindOpenRouter:
		return "https://openrouter.ai/api/v1"
	case KindOpenAI:
		return "https://api.openai.com/v1"
	case KindLocal:
		return "http://localhost:11434"
	case KindGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case KindAnthropic:
		return "https://api.anthropic.com/v1"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Registered provider
// ---------------------------------------------------------------------------

// Provider is one configured LLM backend as stored in the registry:
// credentials, endpoint, model, ordering and quota state.
type Provider struct {
	ID      string
	Name    string
	Kind    Kind
	APIKey  string // may be empty for local backends
	BaseURL string // optional override of Kind.DefaultBaseURL
	Model   string

	// Priority orders dispatch: lower values are tried first.
	Priority int

	// MonthlyLimit caps calls per calendar month; 0 means unlimited.
	MonthlyLimit  int
	UsedThisMonth int

	Active     bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// QuotaExhausted reports whether the provider has reached its monthly cap.
// Providers without a limit are never exhausted.
func (p *Provider) QuotaExhausted() bool {
	return p.MonthlyLimit > 0 && p.UsedThisMonth >= p.MonthlyLimit
}

// endpoint joins the provider's base URL with an adapter path. An override
// that already ends with the path is used as-is, so administrators can paste
// either the base or the full endpoint.
func (p *Provider) endpoint(path string) string {
	base := p.BaseURL
	if base == "" {
		base = p.Kind.DefaultBaseURL()
	}
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, path) {
		return base
	}
	return base + path
}

// ---------------------------------------------------------------------------
// Normalized request / result
// ---------------------------------------------------------------------------

// Request is the backend-agnostic completion request handed to an adapter.
type Request struct {
	Prompt       string
	SystemPrompt string
	Category     string // accounting tag, e.g. "rss_rewrite"
	MaxTokens    int
}

// Result is what every adapter normalizes a backend response into.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int

	// Raw is the undecoded backend payload, kept for debugging only.
	Raw json.RawMessage
}

// Adapter translates a Request into one backend's wire format, performs the
// HTTP call, and normalizes the response.
//
// Implementations return *TransportError, *BackendError or
// *ResponseShapeError on failure.
type Adapter interface {
	Call(ctx context.Context, p *Provider, req *Request) (*Result, error)
}
