package prompt

import (
	"context"
	"fmt"
	"strings"
)

// Field limits applied after sanitization, counted in runes.
const (
	maxTitleRunes   = 80
	maxExcerptRunes = 160
	maxHashtags     = 5
)

const (
	rewriteMaxTokens  = 2048
	longFormMaxTokens = 4096
)

// RewriteResult is a rewritten article ready for publishing. The JSON keys
// are the ones the model is asked to produce.
type RewriteResult struct {
	TitleA      string   `json:"titulo_a"`
	TitleB      string   `json:"titulo_b"`
	Excerpt     string   `json:"excerpt"`
	ContentHTML string   `json:"conteudo_html"`
	Hashtags    []string `json:"hashtags"`
	Categories  []string `json:"categorias_wp"`
}

// rawRewrite is the lenient decode target for model output.
type rawRewrite struct {
	TitleA      looseString `json:"titulo_a"`
	TitleB      looseString `json:"titulo_b"`
	Excerpt     looseString `json:"excerpt"`
	ContentHTML looseString `json:"conteudo_html"`
	Hashtags    looseList   `json:"hashtags"`
	Categories  looseList   `json:"categorias_wp"`
}

// Article is the input to RewriteArticle.
type Article struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Excerpt    string   `json:"excerpt"`
	SourceURL  string   `json:"source_url"`
	Categories []string `json:"categories"`
}

// Briefing is the input to RewriteLongForm.
type Briefing struct {
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Territory    string `json:"territory"`
	ExtraContext string `json:"extra_context"`
}

const rewriteSystemPrompt = `Você é um redator jornalístico experiente de um portal de notícias em português do Brasil.
Reescreva a notícia recebida com texto original, claro e imparcial, sem copiar frases da fonte.
Responda SOMENTE com um objeto JSON válido, sem blocos de código Markdown e sem texto antes ou depois, com exatamente estas chaves:
- "titulo_a": título principal, no máximo 80 caracteres;
- "titulo_b": título alternativo para teste A/B, no máximo 80 caracteres;
- "excerpt": resumo de uma frase, no máximo 160 caracteres;
- "conteudo_html": corpo da matéria em HTML simples (<p>, <h2>, <h3>, <strong>, <em>, <ul>, <li>, <blockquote>), com pelo menos 3 parágrafos;
- "hashtags": lista com 5 hashtags sem o símbolo #;
- "categorias_wp": lista com os nomes das categorias mais adequadas.`

const longFormSystemPrompt = `Você é um repórter sênior e editor de um portal regional de notícias em português do Brasil.
A partir de um briefing curto, produza uma reportagem completa, contextualizada e imparcial, com foco no impacto para o território indicado.
Não invente números, nomes ou declarações que não estejam no briefing ou no contexto adicional.
Responda SOMENTE com um objeto JSON válido, sem blocos de código Markdown e sem texto antes ou depois, com exatamente estas chaves:
- "titulo_a": título principal, no máximo 80 caracteres;
- "titulo_b": título alternativo para teste A/B, no máximo 80 caracteres;
- "excerpt": resumo de uma frase, no máximo 160 caracteres;
- "conteudo_html": corpo da reportagem em HTML simples (<p>, <h2>, <h3>, <strong>, <em>, <ul>, <li>, <blockquote>), com 5 a 7 parágrafos e intertítulos;
- "hashtags": lista com 5 hashtags sem o símbolo #;
- "categorias_wp": lista com os nomes das categorias mais adequadas.`

// RewriteArticle rewrites a collected article. Source content is reduced
// to plain text and truncated before it is embedded in the prompt.
func (t *Templates) RewriteArticle(ctx context.Context, a Article) (*RewriteResult, error) {
	content := truncateWords(plainText(a.Content), t.opts.MaxWords)

	var b strings.Builder
	fmt.Fprintf(&b, "Título original: %s\n", plainText(a.Title))
	fmt.Fprintf(&b, "Resumo original: %s\n", orNone(plainText(a.Excerpt)))
	fmt.Fprintf(&b, "Fonte: %s\n", orNone(a.SourceURL))
	fmt.Fprintf(&b, "Categorias disponíveis: %s\n\n", orNone(strings.Join(a.Categories, ", ")))
	fmt.Fprintf(&b, "Conteúdo original:\n%s", content)

	return t.rewrite(ctx, b.String(), rewriteSystemPrompt, CategoryRewrite, rewriteMaxTokens)
}

// RewriteLongForm expands a short briefing into a 5 to 7 paragraph story.
func (t *Templates) RewriteLongForm(ctx context.Context, in Briefing) (*RewriteResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Título do briefing: %s\n", plainText(in.Title))
	fmt.Fprintf(&b, "Território: %s\n\n", orNone(plainText(in.Territory)))
	fmt.Fprintf(&b, "Resumo:\n%s\n\n", truncateWords(plainText(in.Summary), t.opts.LongFormMaxWords))
	fmt.Fprintf(&b, "Contexto adicional:\n%s", orNone(truncateWords(plainText(in.ExtraContext), t.opts.LongFormMaxWords)))

	return t.rewrite(ctx, b.String(), longFormSystemPrompt, CategoryLongForm, longFormMaxTokens)
}

func (t *Templates) rewrite(ctx context.Context, prompt, system, category string, maxTokens int) (*RewriteResult, error) {
	text, err := t.llm.Complete(ctx, prompt, system, category, maxTokens)
	if err != nil {
		return nil, err
	}
	return ParseRewrite(text)
}

// ParseRewrite recovers a RewriteResult from raw model text. Every field is
// sanitized independently; absent fields are empty, never nil.
func ParseRewrite(text string) (*RewriteResult, error) {
	raw, err := ExtractJSON[rawRewrite](text)
	if err != nil {
		return nil, err
	}

	return &RewriteResult{
		TitleA:      truncateRunes(plainText(string(raw.TitleA)), maxTitleRunes),
		TitleB:      truncateRunes(plainText(string(raw.TitleB)), maxTitleRunes),
		Excerpt:     truncateRunes(plainText(string(raw.Excerpt)), maxExcerptRunes),
		ContentHTML: safeHTML(string(raw.ContentHTML)),
		Hashtags:    normalizeHashtags(raw.Hashtags),
		Categories:  normalizeCategories(raw.Categories),
	}, nil
}

// normalizeHashtags drops the leading #, removes whitespace, de-duplicates
// case-insensitively and keeps at most five.
func normalizeHashtags(in []string) []string {
	out := make([]string, 0, maxHashtags)
	seen := make(map[string]bool)
	for _, h := range in {
		h = strings.TrimLeft(plainText(h), "#")
		h = strings.Join(strings.Fields(h), "")
		key := strings.ToLower(h)
		if h == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
		if len(out) == maxHashtags {
			break
		}
	}
	return out
}

func normalizeCategories(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool)
	for _, c := range in {
		c = plainText(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
