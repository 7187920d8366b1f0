package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "formatted", input: "(555) 123-4567", expected: "5551234567"},
		{name: "us country code stripped", input: "+1 (555) 123-4567", expected: "5551234567"},
		{name: "dotted", input: "555.123.4567", expected: "5551234567"},
		{name: "foreign code kept", input: "+49 30 1234567", expected: "49301234567"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePhone(tt.input))
		})
	}
}

func TestNormalizePersonName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "suffix dropped", input: "Robert Smith Jr.", expected: "robert smith"},
		{name: "credential dropped", input: "Jane Doe, PhD", expected: "jane doe"},
		{name: "stacked suffixes", input: "John Smith III PhD", expected: "john smith"},
		{name: "apostrophe folded", input: "Conor O'Brien", expected: "conor obrien"},
		{name: "whitespace collapsed", input: "  Ada   Lovelace ", expected: "ada lovelace"},
		{name: "lone suffix token kept", input: "Jr", expected: "jr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePersonName(tt.input))
		})
	}
}

func TestNormalizeSSNAndZip(t *testing.T) {
	assert.Equal(t, "123456789", NormalizeSSN("123-45-6789"))
	assert.Empty(t, NormalizeSSN("123-45-678"), "eight digits is not an ssn")

	assert.Equal(t, "12345", NormalizeZipCode("12345"))
	assert.Equal(t, "123456789", NormalizeZipCode("12345-6789"))
	assert.Empty(t, NormalizeZipCode("1234"))
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "street folded", input: "123 Main Street", expected: "123 main st"},
		{name: "directional folded", input: "45 North Oak Avenue", expected: "45 n oak ave"},
		{name: "unit folded", input: "123 Main St, Apartment 4", expected: "123 main st apt 4"},
		{name: "already abbreviated", input: "123 main st", expected: "123 main st"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAddress(tt.input))
		})
	}
}

func TestNormalizeAddressAgreement(t *testing.T) {
	// spellings of the same address must collapse to one form
	variants := []string{
		"123 North Main Street, Apartment 4",
		"123 N Main St Apt 4",
		"123 n. main st. apt 4",
	}
	first := NormalizeAddress(variants[0])
	for _, v := range variants[1:] {
		assert.Equal(t, first, NormalizeAddress(v), "%q should normalize like %q", v, variants[0])
	}
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "5551234567", ApplyChain(" (555) 123-4567 ", "trim", "nphone"))

	// unknown names pass the value through unchanged
	assert.Equal(t, "Value", Apply("Value", "no_such_normalizer"))

	fn, ok := Get("nemail")
	assert.True(t, ok)
	assert.Equal(t, "bob@example.com", fn("  Bob@Example.COM "))
}
