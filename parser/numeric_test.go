package parser

import (
	"math"
	"testing"
)

func TestParseRoomValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected float64
		wantErr  bool
	}{
		{"decimal 2.5", "2.5", 2.5, false},
		{"decimal 2,5", "2,5", 2.5, false},
		{"integer 2", "2", 2.0, false},
		{"mixed 2 1/2", "2 1/2", 2.5, false},
		{"mixed with spaces 2  1 / 2", "2  1 / 2", 2.5, false},
		{"simple 3/4", "3/4", 0.75, false},
		{"unicode 2½", "2½", 2.5, false},
		{"unicode 1⅓", "1⅓", 1.0 + 1.0/3.0, false},
		{"unicode standalone ½", "½", 0.5, false},
		{"unicode standalone ⅔", "⅔", 2.0 / 3.0, false},
		{"empty string", "", 0, true},
		{"invalid text", "abc", 0, true},
		{"zero denominator", "1/0", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRoomValue(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseRoomValue() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && math.Abs(got-tt.expected) > 0.0001 {
				t.Errorf("parseRoomValue() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestExtractNumericToken(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"decimal in text", "2.5 bathrooms", "2.5"},
		{"mixed fraction in text", "2 1/2 bathrooms", "2 1/2"},
		{"unicode fraction in text", "2½ bathrooms", "2½"},
		{"integer in text", "3 bed", "3"},
		{"first number wins", "Apt 61, 2 beds", "61"},
		{"no number", "bathrooms", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractNumericToken(tt.input); got != tt.expected {
				t.Errorf("extractNumericToken() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"regular spaces", "€1  500", "€1 500"},
		{"non-breaking space", "€1\u00A0500", "€1 500"},
		{"mixed whitespace", " 2\t\nbed ", "2 bed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeWhitespace(tt.input); got != tt.expected {
				t.Errorf("normalizeWhitespace() = %q, want %q", got, tt.expected)
			}
		})
	}
}
