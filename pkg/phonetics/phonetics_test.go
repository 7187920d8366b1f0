package phonetics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSoundex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "robert", input: "Robert", expected: "R163"},
		{name: "rupert shares code", input: "Rupert", expected: "R163"},
		{name: "smith", input: "Smith", expected: "S530"},
		{name: "smyth shares code", input: "Smyth", expected: "S530"},
		{name: "tymczak", input: "Tymczak", expected: "T522"},
		{name: "pfister", input: "Pfister", expected: "P236"},
		{name: "single letter pads", input: "A", expected: "A000"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Soundex(tt.input))
		})
	}
}

func TestSoundexCaseInsensitive(t *testing.T) {
	for _, variant := range []string{"ROBERT", "robert", "RoBeRt"} {
		assert.Equal(t, Soundex("Robert"), Soundex(variant), "soundex of %q", variant)
	}
}

func TestSoundexMatch(t *testing.T) {
	assert.Equal(t, 1.0, SoundexMatch("Robert", "Rupert"))
	assert.Equal(t, 0.0, SoundexMatch("Robert", "Smith"))
}

func TestMetaphone(t *testing.T) {
	tests := []struct {
		name     string
		a        string
		b        string
		matching bool
	}{
		{name: "smith and smyth", a: "Smith", b: "Smyth", matching: true},
		{name: "phone and fone", a: "phone", b: "fone", matching: true},
		{name: "distinct names", a: "Smith", b: "Brown", matching: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.matching {
				assert.Equal(t, Metaphone(tt.a), Metaphone(tt.b))
				assert.Equal(t, 1.0, MetaphoneMatch(tt.a, tt.b))
			} else {
				assert.NotEqual(t, Metaphone(tt.a), Metaphone(tt.b))
				assert.Equal(t, 0.0, MetaphoneMatch(tt.a, tt.b))
			}
		})
	}

	assert.Equal(t, "SMT", Metaphone("Smith"))
	assert.Equal(t, "", Metaphone(""))
}

func TestNYSIIS(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "robert", input: "Robert", expected: "RABAD"},
		{name: "knight", input: "Knight", expected: "NAGT"},
		{name: "brown", input: "Brown", expected: "BRAN"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NYSIIS(tt.input))
		})
	}

	assert.Equal(t, NYSIIS("BROWN"), NYSIIS("brown"))
	assert.Equal(t, 1.0, NYSIISMatch("Robert", "robert"))
	assert.Equal(t, 0.0, NYSIISMatch("Robert", "Knight"))
}

func TestEncodeDispatch(t *testing.T) {
	assert.Equal(t, Soundex("Robert"), Encode(AlgorithmSoundex, "Robert"))
	assert.Equal(t, Metaphone("Robert"), Encode(AlgorithmMetaphone, "Robert"))
	assert.Equal(t, NYSIIS("Robert"), Encode(AlgorithmNYSIIS, "Robert"))
	// unknown algorithms block like soundex rather than failing
	assert.Equal(t, Soundex("Robert"), Encode("bogus", "Robert"))
}
