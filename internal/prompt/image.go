package prompt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FallbackImagePrompt is used whenever an image prompt cannot be generated.
const FallbackImagePrompt = "Editorial news photograph, realistic style, natural lighting, " +
	"neutral composition, no text, no logos, no identifiable faces"

const (
	imageMaxTokens = 200
	maxImageRunes  = 500
)

const imageSystemPrompt = `You write prompts for an image generation model that illustrates news articles.
Answer with a single English sentence of at most 60 words describing a realistic editorial photo.
Do not include text, logos, brand names or real people's faces. Answer only with the prompt.`

// GenerateImagePrompt describes an illustration for an article. It never
// fails: errors and empty answers return FallbackImagePrompt.
func (t *Templates) GenerateImagePrompt(ctx context.Context, title, excerpt string, categories []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Título: %s\n", plainText(title))
	fmt.Fprintf(&b, "Resumo: %s\n", orNone(plainText(excerpt)))
	fmt.Fprintf(&b, "Categorias: %s", orNone(strings.Join(categories, ", ")))

	text, err := t.llm.Complete(ctx, b.String(), imageSystemPrompt, CategoryImagePrompt, imageMaxTokens)
	if err != nil {
		t.logger.Warn("image prompt generation failed, using fallback", zap.Error(err))
		return FallbackImagePrompt
	}

	p := strings.Trim(plainText(cleanModelText(text)), "\"'` ")
	if p == "" {
		return FallbackImagePrompt
	}
	return truncateRunes(p, maxImageRunes)
}
