package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/newsllm/internal/provider"
	"github.com/howard-nolan/newsllm/internal/registry"
)

const maxRecentLimit = 500

// providerView is the admin representation of a provider. The API key is
// write-only: responses only say whether one is set.
type providerView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	BaseURL       string     `json:"base_url,omitempty"`
	Model         string     `json:"model"`
	Priority      int        `json:"priority"`
	MonthlyLimit  int        `json:"monthly_limit"`
	UsedThisMonth int        `json:"used_this_month"`
	Active        bool       `json:"active"`
	HasAPIKey     bool       `json:"has_api_key"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func viewOf(p *provider.Provider) providerView {
	return providerView{
		ID:            p.ID,
		Name:          p.Name,
		Kind:          string(p.Kind),
		BaseURL:       p.BaseURL,
		Model:         p.Model,
		Priority:      p.Priority,
		MonthlyLimit:  p.MonthlyLimit,
		UsedThisMonth: p.UsedThisMonth,
		Active:        p.Active,
		HasAPIKey:     p.APIKey != "",
		LastUsedAt:    p.LastUsedAt,
		CreatedAt:     p.CreatedAt,
	}
}

// providerInput is the body of POST and PATCH /admin/providers. On create
// an absent active flag means true; on patch absent fields stay unchanged.
type providerInput struct {
	Name         *string `json:"name"`
	Kind         *string `json:"kind"`
	APIKey       *string `json:"api_key"`
	BaseURL      *string `json:"base_url"`
	Model        *string `json:"model"`
	Priority     *int    `json:"priority"`
	MonthlyLimit *int    `json:"monthly_limit"`
	Active       *bool   `json:"active"`
}

func (in providerInput) kind() (*provider.Kind, error) {
	if in.Kind == nil {
		return nil, nil
	}
	k, err := provider.ParseKind(*in.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidProvider, err)
	}
	return &k, nil
}

func (in providerInput) toNew() (registry.NewProvider, error) {
	k, err := in.kind()
	if err != nil {
		return registry.NewProvider{}, err
	}
	n := registry.NewProvider{
		Name:         deref(in.Name),
		APIKey:       deref(in.APIKey),
		BaseURL:      deref(in.BaseURL),
		Model:        deref(in.Model),
		Priority:     deref(in.Priority),
		MonthlyLimit: deref(in.MonthlyLimit),
		Active:       in.Active == nil || *in.Active,
	}
	if k != nil {
		n.Kind = *k
	}
	return n, nil
}

func (in providerInput) toUpdate() (registry.Update, error) {
	k, err := in.kind()
	if err != nil {
		return registry.Update{}, err
	}
	return registry.Update{
		Name:         in.Name,
		Kind:         k,
		APIKey:       in.APIKey,
		BaseURL:      in.BaseURL,
		Model:        in.Model,
		Priority:     in.Priority,
		MonthlyLimit: in.MonthlyLimit,
		Active:       in.Active,
	}, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ps, err := s.deps.Registry.ListAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]providerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var in providerInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := in.toNew()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	id, err := s.deps.Registry.Add(r.Context(), n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.deps.Logger.Sugar().Infow("provider added", "id", id, "name", p.Name, "kind", p.Kind)
	writeJSON(w, http.StatusCreated, viewOf(p))
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in providerInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := in.toUpdate()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.deps.Registry.Update(r.Context(), id, u); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Registry.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Logger.Sugar().Infow("provider deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleResetUsage zeroes every monthly counter. It is meant to be hit by a
// scheduler on the first day of each month.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.ResetMonthlyUsageAll(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Logger.Info("monthly usage reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// since parses the ?since= RFC 3339 parameter, defaulting to the first
// instant of the current UTC month.
func (s *Server) since(r *http.Request) (time.Time, error) {
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("since must be RFC 3339: %w", err)
		}
		return t, nil
	}
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since, err := s.since(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	byProvider, err := s.deps.Usage.Summary(r.Context(), since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total, err := s.deps.Usage.Total(r.Context(), since)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":     since,
		"providers": nonNil(byProvider),
		"total":     total,
	})
}

func (s *Server) handleUsageCategories(w http.ResponseWriter, r *http.Request) {
	since, err := s.since(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	byCategory, err := s.deps.Usage.SummaryByCategory(r.Context(), since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":      since,
		"categories": nonNil(byCategory),
	})
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	rows, err := s.deps.Usage.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// nonNil keeps empty results encoding as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
