package prompt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const summaryMaxTokens = 300

// SummaryStats are the pipeline counters behind a daily summary message.
type SummaryStats struct {
	Date          string   `json:"date"`
	Collected     int      `json:"collected"`
	Rewritten     int      `json:"rewritten"`
	Published     int      `json:"published"`
	Failed        int      `json:"failed"`
	TopCategories []string `json:"top_categories"`
	TokensUsed    int64    `json:"tokens_used"`
	EstimatedCost float64  `json:"estimated_cost"`
}

const summarySystemPrompt = `Você escreve o boletim diário interno de uma redação automatizada.
Escreva uma mensagem curta (no máximo 4 frases), em português do Brasil, objetiva e sem emojis,
resumindo os números recebidos. Não invente dados.`

// GenerateSummaryText writes a short report of the day's numbers. It never
// fails: without a usable completion it returns FallbackSummary(stats).
func (t *Templates) GenerateSummaryText(ctx context.Context, stats SummaryStats) string {
	text, err := t.llm.Complete(ctx, describeStats(stats), summarySystemPrompt, CategorySummary, summaryMaxTokens)
	if err != nil {
		t.logger.Warn("summary generation failed, using template", zap.Error(err))
		return FallbackSummary(stats)
	}

	msg := strings.TrimSpace(cleanModelText(text))
	if msg == "" {
		return FallbackSummary(stats)
	}
	return msg
}

// FallbackSummary renders stats without any model call.
func FallbackSummary(s SummaryStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resumo de %s: %d artigos coletados, %d reescritos, %d publicados e %d falhas.",
		orDash(s.Date), s.Collected, s.Rewritten, s.Published, s.Failed)
	if len(s.TopCategories) > 0 {
		fmt.Fprintf(&b, " Categorias em destaque: %s.", strings.Join(s.TopCategories, ", "))
	}
	fmt.Fprintf(&b, " Tokens usados: %d (custo estimado US$ %.4f).", s.TokensUsed, s.EstimatedCost)
	return b.String()
}

func describeStats(s SummaryStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data: %s\n", orDash(s.Date))
	fmt.Fprintf(&b, "Artigos coletados: %d\n", s.Collected)
	fmt.Fprintf(&b, "Artigos reescritos: %d\n", s.Rewritten)
	fmt.Fprintf(&b, "Artigos publicados: %d\n", s.Published)
	fmt.Fprintf(&b, "Falhas: %d\n", s.Failed)
	fmt.Fprintf(&b, "Categorias em destaque: %s\n", orNone(strings.Join(s.TopCategories, ", ")))
	fmt.Fprintf(&b, "Tokens usados: %d\n", s.TokensUsed)
	fmt.Fprintf(&b, "Custo estimado (USD): %.4f", s.EstimatedCost)
	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
