package provider

import "unicode/utf8"

// EstimateTokens approximates a token count as ceil(characters / 4).
// Used whenever a backend omits usage figures.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// tokenCount returns the reported count when present, otherwise the estimate
// for text. Negative reports are clamped to zero.
func tokenCount(reported *int, text string) int {
	if reported == nil {
		return EstimateTokens(text)
	}
	if *reported < 0 {
		return 0
	}
	return *reported
}
