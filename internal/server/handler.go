package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/newsllm/internal/prompt"
	"github.com/howard-nolan/newsllm/internal/provider"
)

// handleHealth is a basic liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type completeRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt"`
	Category     string `json:"category"`
	MaxTokens    int    `json:"max_tokens"`
}

type completeResponse struct {
	Text         string `json:"text"`
	Provider     string `json:"provider"`
	ProviderID   string `json:"provider_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
}

// handleComplete handles POST /v1/complete: one raw completion through the
// priority fallback.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	c, err := s.deps.Dispatcher.Dispatch(r.Context(), &provider.Request{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Category:     req.Category,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		Text:         c.Text,
		Provider:     c.ProviderName,
		ProviderID:   c.ProviderID,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		LatencyMs:    c.LatencyMs,
	})
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	var a prompt.Article
	if err := decodeJSON(w, r, &a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Content) == "" {
		writeError(w, http.StatusBadRequest, "title or content is required")
		return
	}

	res, err := s.deps.Templates.RewriteArticle(r.Context(), a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRewriteLong(w http.ResponseWriter, r *http.Request) {
	var b prompt.Briefing
	if err := decodeJSON(w, r, &b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(b.Title) == "" && strings.TrimSpace(b.Summary) == "" {
		writeError(w, http.StatusBadRequest, "title or summary is required")
		return
	}

	res, err := s.deps.Templates.RewriteLongForm(r.Context(), b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type scoreRequest struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
}

// handleScore never fails on the model side: an unusable completion scores 0.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	score := s.deps.Templates.ScoreRelevance(r.Context(), req.Title, req.Content, req.Keywords)
	writeJSON(w, http.StatusOK, map[string]int{"score": score})
}

type imagePromptRequest struct {
	Title      string   `json:"title"`
	Excerpt    string   `json:"excerpt"`
	Categories []string `json:"categories"`
}

func (s *Server) handleImagePrompt(w http.ResponseWriter, r *http.Request) {
	var req imagePromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := s.deps.Templates.GenerateImagePrompt(r.Context(), req.Title, req.Excerpt, req.Categories)
	writeJSON(w, http.StatusOK, map[string]string{"prompt": p})
}

// handleSummary writes the daily report. When the caller sends no token or
// cost figures they are filled from the ledger rows of the report date
// (00:00 to 24:00 UTC).
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var stats prompt.SummaryStats
	if err := decodeJSON(w, r, &stats); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	day := s.now().UTC().Truncate(24 * time.Hour)
	if stats.Date != "" {
		d, err := time.Parse(time.DateOnly, stats.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	} else {
		stats.Date = day.Format(time.DateOnly)
	}

	if stats.TokensUsed == 0 && stats.EstimatedCost == 0 && s.deps.Usage != nil {
		t, err := s.deps.Usage.TotalBetween(r.Context(), day, day.Add(24*time.Hour))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		stats.TokensUsed = t.TotalTokens()
		stats.EstimatedCost = t.EstimatedCost
	}

	text := s.deps.Templates.GenerateSummaryText(r.Context(), stats)
	writeJSON(w, http.StatusOK, map[string]any{"text": text, "stats": stats})
}
