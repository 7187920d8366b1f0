// Package phonetics provides the phonetic encodings used for blocking keys
// and the phonetic_match similarity feature
package phonetics

import (
	"strings"
	"unicode"
)

// Supported encoding names
const (
	AlgorithmSoundex   = "soundex"
	AlgorithmMetaphone = "metaphone"
	AlgorithmNYSIIS    = "nysiis"
)

// Encode dispatches to the named algorithm. Unknown names fall back to
// Soundex so a misconfigured tenant still blocks deterministically.
func Encode(algorithm, s string) string {
	switch algorithm {
	case AlgorithmMetaphone:
		return Metaphone(s)
	case AlgorithmNYSIIS:
		return NYSIIS(s)
	default:
		return Soundex(s)
	}
}

// lettersUpper strips everything but letters and uppercases the rest
func lettersUpper(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			result.WriteRune(r)
		} else if unicode.IsLetter(r) {
			// non-ASCII letters are outside every code table; drop them
			continue
		}
	}
	return result.String()
}
