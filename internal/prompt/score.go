package prompt

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	minScore = 0
	maxScore = 10

	scoreMaxTokens    = 8
	scoreContentWords = 400
)

var integerRe = regexp.MustCompile(`-?\d+`)

const relevanceSystemPrompt = `Você avalia a relevância de notícias para um portal editorial.
Responda APENAS com um número inteiro de 0 a 10, sem nenhum outro texto.
0 significa irrelevante para as palavras-chave; 10 significa totalmente relevante.`

// ScoreRelevance rates an article against the portal's keywords on a 0-10
// scale. Any dispatch failure yields 0; answers outside the range are
// clamped.
func (t *Templates) ScoreRelevance(ctx context.Context, title, content string, keywords []string) int {
	var b strings.Builder
	fmt.Fprintf(&b, "Palavras-chave: %s\n", orNone(strings.Join(keywords, ", ")))
	fmt.Fprintf(&b, "Título: %s\n", plainText(title))
	fmt.Fprintf(&b, "Conteúdo: %s", truncateWords(plainText(content), scoreContentWords))

	text, err := t.llm.Complete(ctx, b.String(), relevanceSystemPrompt, CategoryRelevance, scoreMaxTokens)
	if err != nil {
		t.logger.Warn("relevance scoring failed, using 0", zap.Error(err))
		return minScore
	}
	return ParseScore(text)
}

// ParseScore reads the first integer in text and clamps it to [0,10].
// Text without a number scores 0.
func ParseScore(text string) int {
	m := integerRe.FindString(text)
	if m == "" {
		return minScore
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		// Only overflow gets here; the sign tells which bound applies.
		if strings.HasPrefix(m, "-") {
			return minScore
		}
		return maxScore
	}
	return min(max(n, minScore), maxScore)
}
