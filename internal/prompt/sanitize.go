package prompt

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	textPolicy    = bluemonday.StrictPolicy()
	articlePolicy = newArticlePolicy()
)

// newArticlePolicy allows the markup a rewritten article body may carry.
func newArticlePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "h2", "h3", "h4", "strong", "b", "em", "i", "u",
		"blockquote", "ul", "ol", "li")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	return p
}

// maxTextPasses bounds the strip/decode loop in plainText. Each pass peels
// one level of entity encoding, so deeper nesting than this is cut short by
// the angle-bracket removal below.
const maxTextPasses = 4

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// plainText strips all markup, decodes entities and collapses whitespace.
//
// Decoding can turn "&lt;script&gt;" into a real tag, so strip and decode
// repeat until the text stops changing. Any bracket that survives is
// dropped: plain-text fields are published verbatim and must never carry
// markup.
func plainText(s string) string {
	for range maxTextPasses {
		next := html.UnescapeString(textPolicy.Sanitize(s))
		if next == s {
			break
		}
		s = next
	}
	s = angleBrackets.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// safeHTML keeps only the article allowlist.
func safeHTML(s string) string {
	return strings.TrimSpace(articlePolicy.Sanitize(s))
}

// looseString decodes any JSON value into a string: strings as-is, null as
// empty, anything else as its JSON text.
type looseString string

func (l *looseString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = looseString(s)
		return nil
	}
	if string(b) == "null" {
		*l = ""
		return nil
	}
	*l = looseString(strings.Trim(string(b), `"`))
	return nil
}

// looseList decodes a JSON array of scalars or a comma-separated string.
type looseList []string

func (l *looseList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = strings.Split(s, ",")
		return nil
	}

	var items []any
	if err := json.Unmarshal(b, &items); err != nil {
		// null or an unexpected shape: treat as absent.
		*l = nil
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	*l = out
	return nil
}
