package phonetics

import (
	"strings"
)

// NYSIIS produces the New York State Identification and Intelligence System
// code, capped at 6 characters. It preserves more vowel structure than
// Soundex and distinguishes names Soundex over-collapses.
func NYSIIS(str string) string {
	w := lettersUpper(str)
	if len(w) == 0 {
		return ""
	}

	// leading transcodes
	switch {
	case strings.HasPrefix(w, "MAC"):
		w = "MCC" + w[3:]
	case strings.HasPrefix(w, "KN"):
		w = "NN" + w[2:]
	case strings.HasPrefix(w, "K"):
		w = "C" + w[1:]
	case strings.HasPrefix(w, "PH"), strings.HasPrefix(w, "PF"):
		w = "FF" + w[2:]
	case strings.HasPrefix(w, "SCH"):
		w = "SSS" + w[3:]
	}

	// trailing transcodes
	switch {
	case strings.HasSuffix(w, "EE"), strings.HasSuffix(w, "IE"):
		w = w[:len(w)-2] + "Y"
	case strings.HasSuffix(w, "DT"), strings.HasSuffix(w, "RT"),
		strings.HasSuffix(w, "RD"), strings.HasSuffix(w, "NT"),
		strings.HasSuffix(w, "ND"):
		w = w[:len(w)-2] + "D"
	}

	b := []byte(w)
	key := []byte{b[0]}

	for i := 1; i < len(b); i++ {
		switch {
		case b[i] == 'E' && i+1 < len(b) && b[i+1] == 'V':
			b[i], b[i+1] = 'A', 'F'
		case isNysiisVowel(b[i]):
			b[i] = 'A'
		case b[i] == 'Q':
			b[i] = 'G'
		case b[i] == 'Z':
			b[i] = 'S'
		case b[i] == 'M':
			b[i] = 'N'
		case b[i] == 'K':
			if i+1 < len(b) && b[i+1] == 'N' {
				b[i] = 'N'
			} else {
				b[i] = 'C'
			}
		case b[i] == 'S' && i+2 < len(b) && b[i+1] == 'C' && b[i+2] == 'H':
			b[i+1], b[i+2] = 'S', 'S'
		case b[i] == 'P' && i+1 < len(b) && b[i+1] == 'H':
			b[i], b[i+1] = 'F', 'F'
		case b[i] == 'H' && (!isNysiisVowel(b[i-1]) || i+1 >= len(b) || !isNysiisVowel(b[i+1])):
			b[i] = b[i-1]
		case b[i] == 'W' && isNysiisVowel(b[i-1]):
			b[i] = b[i-1]
		}

		if b[i] != key[len(key)-1] {
			key = append(key, b[i])
		}
	}

	// trailing cleanup: drop S, fold AY to Y, drop A
	if len(key) > 1 && key[len(key)-1] == 'S' {
		key = key[:len(key)-1]
	}
	if len(key) > 2 && key[len(key)-2] == 'A' && key[len(key)-1] == 'Y' {
		key = append(key[:len(key)-2], 'Y')
	}
	if len(key) > 1 && key[len(key)-1] == 'A' {
		key = key[:len(key)-1]
	}

	if len(key) > 6 {
		key = key[:6]
	}

	return string(key)
}

// NYSIISMatch returns 1.0 if the NYSIIS codes match, 0.0 otherwise
func NYSIISMatch(a, b string) float64 {
	if NYSIIS(a) == NYSIIS(b) {
		return 1.0
	}
	return 0.0
}

func isNysiisVowel(c byte) bool {
	return c == 'A' || c == 'E' || c == 'I' || c == 'O' || c == 'U'
}
