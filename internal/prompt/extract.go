package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// snippetRunes bounds the raw text kept on a MalformedResponseError.
const snippetRunes = 300

// ErrMalformedResponse matches *MalformedResponseError.
var ErrMalformedResponse = errors.New("malformed model response")

// MalformedResponseError means no JSON object could be recovered from an
// otherwise successful completion.
type MalformedResponseError struct {
	Snippet string // first runes of the raw text
	Err     error  // last decode error, if any
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed model response: %v (raw: %q)", e.Err, e.Snippet)
	}
	return fmt.Sprintf("malformed model response: no JSON object found (raw: %q)", e.Snippet)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformedResponse) match.
func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// ExtractJSON decodes the JSON object a model returned, tolerating one
// layer of Markdown code fence and prose before or after the object.
//
// Order: strip fence, trim BOM and whitespace, decode; then decode the
// first balanced {...} block of the cleaned text; then of the raw text.
func ExtractJSON[T any](raw string) (T, error) {
	cleaned := cleanModelText(raw)

	v, lastErr := decodeObject[T](cleaned)
	if lastErr == nil {
		return v, nil
	}

	for _, s := range []string{cleaned, raw} {
		obj, ok := firstObject(s)
		if !ok {
			continue
		}
		v, err := decodeObject[T](obj)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}

	var zero T
	return zero, &MalformedResponseError{Snippet: truncateRunes(raw, snippetRunes), Err: lastErr}
}

func decodeObject[T any](s string) (T, error) {
	var v T
	if !strings.HasPrefix(s, "{") {
		return v, errors.New("not a JSON object")
	}
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// cleanModelText trims a BOM and whitespace and removes one code fence.
func cleanModelText(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "\ufeff"))
	s = stripFence(s)
	return strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
}

// stripFence returns the body of the first ``` fence in s, skipping an
// optional language tag on the opening line. Text without a fence is
// returned unchanged; an unclosed fence yields everything after it.
func stripFence(s string) string {
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || isLangTag(tag) {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

func isLangTag(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// firstObject returns the first balanced {...} block in s. Braces inside
// JSON strings are ignored.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
