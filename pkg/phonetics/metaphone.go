package phonetics

import (
	"strings"
)

// Metaphone produces a simplified Metaphone encoding. Less aggressive than
// Soundex about collapsing consonants, which suits technical identifiers.
func Metaphone(str string) string {
	str = lettersUpper(str)
	if len(str) == 0 {
		return ""
	}

	var metaphone strings.Builder
	prevCode := byte(0)

	for i := 0; i < len(str) && metaphone.Len() < 6; i++ {
		code := metaphoneCode(str[i], i, str)
		if code != 0 && code != prevCode {
			metaphone.WriteByte(code)
			prevCode = code
		}
	}

	return metaphone.String()
}

// MetaphoneMatch returns 1.0 if the Metaphone codes match, 0.0 otherwise
func MetaphoneMatch(a, b string) float64 {
	if Metaphone(a) == Metaphone(b) {
		return 1.0
	}
	return 0.0
}

// metaphoneCode returns the Metaphone code for a character
func metaphoneCode(char byte, pos int, word string) byte {
	switch char {
	case 'A', 'E', 'I', 'O', 'U':
		if pos == 0 {
			return char
		}
		return 0
	case 'B':
		return 'B'
	case 'C':
		if pos+1 < len(word) && (word[pos+1] == 'I' || word[pos+1] == 'E' || word[pos+1] == 'Y') {
			return 'S'
		}
		return 'K'
	case 'D':
		return 'T'
	case 'F':
		return 'F'
	case 'G':
		return 'J'
	case 'H':
		return 0 // Usually silent
	case 'J':
		return 'J'
	case 'K':
		return 'K'
	case 'L':
		return 'L'
	case 'M':
		return 'M'
	case 'N':
		return 'N'
	case 'P':
		if pos+1 < len(word) && word[pos+1] == 'H' {
			return 'F'
		}
		return 'P'
	case 'Q':
		return 'K'
	case 'R':
		return 'R'
	case 'S':
		return 'S'
	case 'T':
		return 'T'
	case 'V':
		return 'F'
	case 'W':
		return 0
	case 'X':
		return 'S'
	case 'Y':
		return 0
	case 'Z':
		return 'S'
	default:
		return 0
	}
}
