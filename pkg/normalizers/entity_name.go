package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// diacriticFolder strips combining marks after canonical decomposition, so
// "Café" and "Cafe" normalize to the same key.
var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeEntityName produces the canonical comparison form of an entity
// name: identifier words split, diacritics folded, lowercased, separators
// unified, whitespace collapsed. "DomainEvent" and "domain_event" must map
// to the identical string for normalized_exact to fire.
func NormalizeEntityName(s string) string {
	s = SplitIdentifierWords(s)

	folded, _, err := transform.String(diacriticFolder, s)
	if err != nil {
		folded = s
	}

	folded = strings.ToLower(folded)

	var result strings.Builder
	result.Grow(len(folded))
	prevSpace := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
			prevSpace = false
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			// separators inside identifiers count as word boundaries, so
			// "domain_event" and "DomainEvent"-split-by-case compare equal
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// SplitIdentifierWords breaks a camelCase or PascalCase identifier into
// space-separated words before normalization
func SplitIdentifierWords(s string) string {
	var result strings.Builder
	result.Grow(len(s) + 4)
	runesIn := []rune(s)
	for i, r := range runesIn {
		if i > 0 && unicode.IsUpper(r) {
			prev := runesIn[i-1]
			nextLower := i+1 < len(runesIn) && unicode.IsLower(runesIn[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				result.WriteRune(' ')
			}
		}
		result.WriteRune(r)
	}
	return result.String()
}
