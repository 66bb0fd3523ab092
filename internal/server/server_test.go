package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/howard-nolan/newsllm/internal/config"
	"github.com/howard-nolan/newsllm/internal/dispatch"
	"github.com/howard-nolan/newsllm/internal/ledger"
	"github.com/howard-nolan/newsllm/internal/metrics"
	"github.com/howard-nolan/newsllm/internal/prompt"
	"github.com/howard-nolan/newsllm/internal/provider"
	"github.com/howard-nolan/newsllm/internal/registry"
	"github.com/howard-nolan/newsllm/internal/store"
)

// fakeDispatcher answers every completion with the same text or error.
type fakeDispatcher struct {
	text string
	err  error
	last *provider.Request
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req *provider.Request) (*dispatch.Completion, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Completion{
		Text:         f.text,
		ProviderID:   "id-1",
		ProviderName: "openrouter-free",
		InputTokens:  12,
		OutputTokens: 3,
		LatencyMs:    42,
	}, nil
}

func (f *fakeDispatcher) Complete(ctx context.Context, p, system, category string, maxTokens int) (string, error) {
	c, err := f.Dispatch(ctx, &provider.Request{Prompt: p, SystemPrompt: system, Category: category, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

type testEnv struct {
	srv      *Server
	disp     *fakeDispatcher
	registry registry.Registry
	ledger   *ledger.Ledger
}

func newTestEnv(t *testing.T, adminToken string) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, "registry", registry.Migrations()))
	require.NoError(t, db.Migrate(ctx, "ledger", ledger.Migrations()))

	cfg := config.Default()
	cfg.Server.AdminToken = adminToken

	logger := zaptest.NewLogger(t)
	disp := &fakeDispatcher{}
	reg := registry.NewSQLite(db.SQL())
	led := ledger.New(db.SQL(), 0)
	promReg := prometheus.NewRegistry()

	srv := New(&cfg, Deps{
		Dispatcher: disp,
		Templates:  prompt.New(disp, prompt.Options{}, logger),
		Registry:   reg,
		Usage:      led,
		Metrics:    metrics.New(promReg),
		Gatherer:   promReg,
		Logger:     logger,
	})
	return &testEnv{srv: srv, disp: disp, registry: reg, ledger: led}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rec))
}

func TestComplete(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.text = "hello"

	rec := env.do(t, http.MethodPost, "/v1/complete", completeRequest{
		Prompt: "hi", SystemPrompt: "be brief", Category: "test", MaxTokens: 32,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[completeResponse](t, rec)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "openrouter-free", got.Provider)
	assert.Equal(t, 12, got.InputTokens)
	assert.Equal(t, 3, got.OutputTokens)
	assert.Equal(t, int64(42), got.LatencyMs)

	require.NotNil(t, env.disp.last)
	assert.Equal(t, "be brief", env.disp.last.SystemPrompt)
	assert.Equal(t, "test", env.disp.last.Category)
	assert.Equal(t, 32, env.disp.last.MaxTokens)
}

func TestComplete_BadRequests(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/complete", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/complete", completeRequest{Prompt: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, env.disp.last)
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no providers", dispatch.ErrNoProviderAvailable, http.StatusServiceUnavailable},
		{"all failed", &dispatch.AllProvidersFailedError{Attempts: []dispatch.Attempt{{ProviderName: "a", Skipped: true}}}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.disp.err = tt.err

			rec := env.do(t, http.MethodPost, "/v1/complete", completeRequest{Prompt: "hi"})
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec)["error"], tt.err.Error())
		})
	}
}

func TestRewrite(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.text = "```json\n" + `{"titulo_a":"Novo título","titulo_b":"Outro","excerpt":"Resumo","conteudo_html":"<p>Texto</p>","hashtags":["economia"],"categorias_wp":["Economia"]}` + "\n```"

	rec := env.do(t, http.MethodPost, "/v1/articles/rewrite", prompt.Article{
		Title: "Original", Content: "Corpo da notícia",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[prompt.RewriteResult](t, rec)
	assert.Equal(t, "Novo título", got.TitleA)
	assert.Equal(t, "<p>Texto</p>", got.ContentHTML)
	assert.Equal(t, prompt.CategoryRewrite, env.disp.last.Category)
}

func TestRewrite_MalformedModelOutput(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.text = "Desculpe, não consigo ajudar com isso."

	rec := env.do(t, http.MethodPost, "/v1/articles/rewrite", prompt.Article{Title: "x", Content: "y"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRewrite_RequiresInput(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/v1/articles/rewrite", prompt.Article{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/articles/rewrite-long", prompt.Briefing{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRewriteLong(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.text = `{"titulo_a":"Reportagem","conteudo_html":"<h2>Contexto</h2><p>Texto</p>"}`

	rec := env.do(t, http.MethodPost, "/v1/articles/rewrite-long", prompt.Briefing{
		Title: "Pauta", Summary: "Resumo da pauta", Territory: "Recife",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Reportagem", decode[prompt.RewriteResult](t, rec).TitleA)
	assert.Equal(t, prompt.CategoryLongForm, env.disp.last.Category)
}

func TestScore(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.text = "Nota: 8"

	rec := env.do(t, http.MethodPost, "/v1/articles/score", scoreRequest{
		Title: "t", Content: "c", Keywords: []string{"economia"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8, decode[map[string]int](t, rec)["score"])
}

func TestScore_DispatchFailureScoresZero(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.err = dispatch.ErrNoProviderAvailable

	rec := env.do(t, http.MethodPost, "/v1/articles/score", scoreRequest{Title: "t"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["score"])
}

func TestImagePrompt_Fallback(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.err = dispatch.ErrNoProviderAvailable

	rec := env.do(t, http.MethodPost, "/v1/articles/image-prompt", imagePromptRequest{Title: "t"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, prompt.FallbackImagePrompt, decode[map[string]string](t, rec)["prompt"])
}

func TestSummary_FillsUsageFromLedger(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.err = dispatch.ErrNoProviderAvailable

	require.NoError(t, env.ledger.Record(context.Background(), ledger.Entry{
		ProviderID: "p", ProviderName: "p", Category: "rss_rewrite", InputTokens: 20, OutputTokens: 10,
	}))

	rec := env.do(t, http.MethodPost, "/v1/reports/summary", prompt.SummaryStats{Collected: 4, Published: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got struct {
		Text  string              `json:"text"`
		Stats prompt.SummaryStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(30), got.Stats.TokensUsed)
	assert.Equal(t, time.Now().UTC().Format(time.DateOnly), got.Stats.Date)
	assert.Contains(t, got.Text, "Tokens usados: 30")
	assert.Contains(t, got.Text, "4 artigos coletados")
}

func TestSummary_PastDateExcludesLaterUsage(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.err = dispatch.ErrNoProviderAvailable

	require.NoError(t, env.ledger.Record(context.Background(), ledger.Entry{
		ProviderID: "p", ProviderName: "p", Category: "rss_rewrite", InputTokens: 20, OutputTokens: 10,
	}))

	past := time.Now().UTC().AddDate(0, 0, -5).Format(time.DateOnly)
	rec := env.do(t, http.MethodPost, "/v1/reports/summary", prompt.SummaryStats{Date: past})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got struct {
		Stats prompt.SummaryStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, past, got.Stats.Date)
	assert.Equal(t, int64(0), got.Stats.TokensUsed)
	assert.Zero(t, got.Stats.EstimatedCost)
}

func TestSummary_KeepsCallerFigures(t *testing.T) {
	env := newTestEnv(t, "")
	env.disp.text = "Dia tranquilo."

	rec := env.do(t, http.MethodPost, "/v1/reports/summary", prompt.SummaryStats{
		Date: "2026-03-01", TokensUsed: 999,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tokens_used":999`)
	assert.Contains(t, rec.Body.String(), "Dia tranquilo.")
}

func TestSummary_BadDate(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/v1/reports/summary", prompt.SummaryStats{Date: "01/03/2026"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	rec := env.do(t, http.MethodGet, "/admin/providers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/providers", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/providers", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAdmin_ProviderLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/admin/providers", map[string]any{
		"name":          "openrouter-free",
		"kind":          "OpenRouter",
		"api_key":       "sk-secret",
		"model":         "mistral",
		"priority":      1,
		"monthly_limit": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	created := decode[providerView](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "openrouter", created.Kind)
	assert.True(t, created.Active, "active defaults to true")
	assert.True(t, created.HasAPIKey)
	assert.Equal(t, 0, created.UsedThisMonth)

	rec = env.do(t, http.MethodPatch, "/admin/providers/"+created.ID, map[string]any{
		"priority": 5,
		"active":   false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[providerView](t, rec)
	assert.Equal(t, 5, updated.Priority)
	assert.False(t, updated.Active)
	assert.Equal(t, "mistral", updated.Model)

	rec = env.do(t, http.MethodGet, "/admin/providers/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decode[providerView](t, rec).Priority)

	rec = env.do(t, http.MethodGet, "/admin/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]providerView](t, rec), 1)

	rec = env.do(t, http.MethodDelete, "/admin/providers/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/providers/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_ProviderValidation(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", map[string]any{"name": "x", "kind": "telegraph", "model": "m"}},
		{"missing kind", map[string]any{"name": "x", "model": "m"}},
		{"missing model", map[string]any{"name": "x", "kind": "openai"}},
		{"negative limit", map[string]any{"name": "x", "kind": "openai", "model": "m", "monthly_limit": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/admin/providers", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAdmin_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPatch, "/admin/providers/nope", map[string]any{"priority": 2})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/admin/providers/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_ResetUsage(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	id, err := env.registry.Add(ctx, registry.NewProvider{
		Name: "p", Kind: provider.KindLocal, Model: "m", MonthlyLimit: 10, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, env.registry.IncrementUsedThisMonth(ctx, id))
	require.NoError(t, env.registry.IncrementUsedThisMonth(ctx, id))

	rec := env.do(t, http.MethodPost, "/admin/usage/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.UsedThisMonth)
}

func TestAdmin_UsageReports(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	for _, e := range []ledger.Entry{
		{ProviderID: "a", ProviderName: "alpha", Category: "rss_rewrite", InputTokens: 100, OutputTokens: 50},
		{ProviderID: "a", ProviderName: "alpha", Category: "relevance_score", InputTokens: 10, OutputTokens: 1},
		{ProviderID: "b", ProviderName: "beta", Category: "rss_rewrite", InputTokens: 5, OutputTokens: 5},
	} {
		require.NoError(t, env.ledger.Record(ctx, e))
	}

	rec := env.do(t, http.MethodGet, "/admin/usage/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary struct {
		Providers []ledger.ProviderTotals `json:"providers"`
		Total     ledger.Totals           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Len(t, summary.Providers, 2)
	assert.Equal(t, "a", summary.Providers[0].ProviderID)
	assert.Equal(t, int64(2), summary.Providers[0].Calls)
	assert.Equal(t, int64(3), summary.Total.Calls)
	assert.Equal(t, int64(171), summary.Total.TotalTokens())

	rec = env.do(t, http.MethodGet, "/admin/usage/categories?since=2000-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cats struct {
		Categories []ledger.CategoryTotals `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cats))
	require.Len(t, cats.Categories, 2)
	assert.Equal(t, "rss_rewrite", cats.Categories[0].Category)

	rec = env.do(t, http.MethodGet, "/admin/usage/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recent := decode[[]ledger.Record](t, rec)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ProviderID)
}

func TestAdmin_UsageBadQuery(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/admin/usage/summary?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/usage/recent?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_UsageSummaryEmpty(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/admin/usage/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"providers":[]`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodGet, "/health", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `newsllm_http_requests_total{method="GET",route="/health",status="200"} 1`), body)
}

func TestMetrics_UnmatchedPathsShareOneLabel(t *testing.T) {
	env := newTestEnv(t, "")
	for _, path := range []string{"/wp-login.php", "/.env", "/xmlrpc.php"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	body := env.do(t, http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `newsllm_http_requests_total{method="GET",route="unmatched",status="404"} 3`)
	assert.NotContains(t, body, "wp-login")
	assert.NotContains(t, body, ".env")
}

func TestSince_DefaultsToMonthStart(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.now = func() time.Time { return time.Date(2026, 10, 16, 15, 4, 5, 0, time.UTC) }

	got, err := env.srv.since(httptest.NewRequest(http.MethodGet, "/admin/usage/summary", nil))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), got)
}
