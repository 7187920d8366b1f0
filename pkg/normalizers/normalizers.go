// Package normalizers provides the named string normalizers tenants can
// apply to entity names and property values. Names registered here are the
// values accepted in a config's property_normalizers chains.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer rewrites a raw string into its canonical comparison form
type Normalizer func(string) string

var registry = map[string]Normalizer{
	"lowercase":          strings.ToLower,
	"uppercase":          strings.ToUpper,
	"trim":               strings.TrimSpace,
	"digits_only":        DigitsOnly,
	"alphanumeric":       Alphanumeric,
	"remove_whitespace":  RemoveWhitespace,
	"remove_punctuation": RemovePunctuation,
	"nphone":             NormalizePhone,
	"nemail":             NormalizeEmail,
	"nname":              NormalizePersonName,
	"nentity":            NormalizeEntityName,
	"nssn":               NormalizeSSN,
	"nzip":               NormalizeZipCode,
	"naddress":           NormalizeAddress,
}

// Register adds or replaces a named normalizer
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get looks a normalizer up by its registered name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply runs one named normalizer. Unknown names pass the value through
// unchanged.
func Apply(value, name string) string {
	fn, ok := registry[name]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain runs named normalizers left to right
func ApplyChain(value string, names ...string) string {
	for _, name := range names {
		value = Apply(value, name)
	}
	return value
}

// DigitsOnly keeps only digit runes
func DigitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// Alphanumeric keeps only letter and digit runes
func Alphanumeric(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// RemoveWhitespace drops every whitespace rune
func RemoveWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// RemovePunctuation drops every punctuation rune
func RemovePunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
}

// NormalizePhone reduces a phone number to its digits and strips a leading
// US country code, so "+1 (555) 123-4567" meets "555.123.4567"
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// NormalizeEmail lowercases and trims. The local part stays intact because
// provider dot and plus rules differ.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// nameSuffixes are generational and credential tokens dropped from the end
// of person names before comparison
var nameSuffixes = map[string]bool{
	"jr":  true,
	"sr":  true,
	"ii":  true,
	"iii": true,
	"iv":  true,
	"phd": true,
	"md":  true,
	"dds": true,
}

// NormalizePersonName lowercases a person's name, strips punctuation,
// collapses whitespace and drops trailing suffixes like "Jr." or "PhD"
func NormalizePersonName(s string) string {
	fields := strings.Fields(foldToWords(s))
	for len(fields) > 1 && nameSuffixes[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// NormalizeSSN keeps the nine digits of a US social security number,
// returning "" when the digit count is wrong
func NormalizeSSN(s string) string {
	digits := DigitsOnly(s)
	if len(digits) != 9 {
		return ""
	}
	return digits
}

// NormalizeZipCode keeps a five or nine digit US zip, returning "" for
// anything else
func NormalizeZipCode(s string) string {
	digits := DigitsOnly(s)
	switch len(digits) {
	case 5, 9:
		return digits
	}
	return ""
}

// streetAbbreviations fold the long street-type and directional words onto
// their postal abbreviations
var streetAbbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"road":      "rd",
	"lane":      "ln",
	"court":     "ct",
	"circle":    "cir",
	"place":     "pl",
	"apartment": "apt",
	"suite":     "ste",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
}

// NormalizeAddress lowercases an address, strips punctuation, collapses
// whitespace and folds street-type and directional words, so
// "123 North Main Street, Apartment 4" meets "123 n main st apt 4"
func NormalizeAddress(s string) string {
	fields := strings.Fields(foldToWords(s))
	for i, field := range fields {
		if abbr, ok := streetAbbreviations[field]; ok {
			fields[i] = abbr
		}
	}
	return strings.Join(fields, " ")
}

// foldToWords lowercases and keeps only letters, digits and spaces
func foldToWords(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, s)
}
