package policy

import "strings"

// Matcher decides whether inbound text trips an escalation trigger.
// Pluggable so a regex or classifier matcher can replace the default.
type Matcher interface {
	// Match returns the matched trigger and true when text trips one.
	Match(text string, keywords []string) (string, bool)
}

// KeywordMatcher is the default trigger matcher: case-folded substring
// match. Folding (not ASCII lowercasing) so non-Latin keywords match.
type KeywordMatcher struct{}

// Match reports the first keyword contained in text.
func (KeywordMatcher) Match(text string, keywords []string) (string, bool) {
	if len(keywords) == 0 {
		return "", false
	}
	folded := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(folded, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
