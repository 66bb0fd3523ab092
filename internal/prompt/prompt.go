// Package prompt turns newsroom inputs into LLM prompts and parses the
// answers back into structured values.
//
// Each operation owns its failure policy. Rewrites need structured output
// and return errors to the caller. Relevance scoring, image prompts and
// summary messages have safe defaults and never fail: a dispatch error or
// unusable answer is logged and the default is returned instead.
package prompt

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Accounting categories recorded in the usage ledger.
const (
	CategoryRewrite     = "rss_rewrite"
	CategoryLongForm    = "long_form_rewrite"
	CategoryRelevance   = "relevance_score"
	CategoryImagePrompt = "image_prompt"
	CategorySummary     = "daily_summary"
)

const (
	defaultMaxWords         = 1200
	defaultLongFormMaxWords = 2000
)

// Completer is the dispatcher as seen from the templates.
type Completer interface {
	Complete(ctx context.Context, prompt, systemPrompt, category string, maxTokens int) (string, error)
}

// Options bound how much source text is embedded in rewrite prompts.
type Options struct {
	MaxWords         int
	LongFormMaxWords int
}

// Templates runs the content operations against a Completer.
type Templates struct {
	llm    Completer
	opts   Options
	logger *zap.Logger
}

// New creates Templates. Zero Options fields take the defaults.
func New(llm Completer, opts Options, logger *zap.Logger) *Templates {
	if opts.MaxWords <= 0 {
		opts.MaxWords = defaultMaxWords
	}
	if opts.LongFormMaxWords <= 0 {
		opts.LongFormMaxWords = defaultLongFormMaxWords
	}
	return &Templates{llm: llm, opts: opts, logger: logger}
}

// truncateWords keeps the first max whitespace-separated words.
func truncateWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) <= max {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:max], " ") + " [...]"
}

// truncateRunes cuts s to at most max runes.
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max]))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(nenhum)"
	}
	return s
}
