package phonetics

// Soundex produces the classic 4-character code: the first letter retained,
// remaining letters mapped to digit classes, consecutive same-class letters
// collapsed, vowel-class letters dropped, padded or truncated to length 4.
// Case-insensitive and deterministic.
func Soundex(str string) string {
	str = lettersUpper(str)
	if len(str) == 0 {
		return ""
	}

	result := string(str[0])
	prevCode := soundexCode(str[0])

	for i := 1; i < len(str) && len(result) < 4; i++ {
		code := soundexCode(str[i])
		if code != "0" && code != prevCode {
			result += code
		}
		prevCode = code
	}

	for len(result) < 4 {
		result += "0"
	}

	return result
}

// SoundexMatch returns 1.0 if the Soundex codes match, 0.0 otherwise
func SoundexMatch(a, b string) float64 {
	if Soundex(a) == Soundex(b) {
		return 1.0
	}
	return 0.0
}

// soundexCode returns the digit class for a letter. Vowels and H, W, Y
// carry no code and break same-class runs.
func soundexCode(char byte) string {
	switch char {
	case 'B', 'F', 'P', 'V':
		return "1"
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return "2"
	case 'D', 'T':
		return "3"
	case 'L':
		return "4"
	case 'M', 'N':
		return "5"
	case 'R':
		return "6"
	default:
		return "0"
	}
}
