package catalog

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already normalized", "t-dm1", "t-dm1"},
		{"upper case", "T-DM1", "t-dm1"},
		{"surrounding whitespace", "  Kadcyla\t", "kadcyla"},
		{"inner whitespace collapsed", "Trastuzumab   Emtansine", "trastuzumab emtansine"},
		{"non-breaking space", "Trastuzumab Emtansine", "trastuzumab emtansine"},
		{"full-width letters", "ＦＯＬＦＯＸ", "folfox"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeName(tt.input); got != tt.expected {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
