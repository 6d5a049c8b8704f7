package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizerText(t *testing.T) {
	s := NewSanitizer(10, 20)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "hello", "hello"},
		{"clamps to limit", strings.Repeat("a", 25), strings.Repeat("a", 10)},
		{"strips control chars", "he\x00ll\x1fo\x7f", "hello"},
		{"trims whitespace", "  hi  ", "hi"},
		{"empty stays empty", "", ""},
		{"only control chars", "\x00\x01\x02", ""},
		{"clamp backs off a split rune", "abcdefghié", "abcdefghi"},
		{"multi-byte text clamps whole runes", strings.Repeat("é", 10), strings.Repeat("é", 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Text(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestSanitizerUsername(t *testing.T) {
	s := NewSanitizer(500, 10)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "Officer-1", "Officer-1"},
		{"strips punctuation", "bad!@#name", "badname"},
		{"clamps to limit", "abcdefghijklmnop", "abcdefghij"},
		{"empty becomes Unknown", "", "Unknown"},
		{"fully stripped becomes Dispatcher", "!!!@@@", "Dispatcher"},
		{"keeps spaces and hyphens", "Unit 12-B", "Unit 12-B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Username(tt.in))
		})
	}
}

func TestSanitizerPayload(t *testing.T) {
	s := NewSanitizer(5, 20)

	t.Run("sanitizes known fields without mutating input", func(t *testing.T) {
		in := map[string]any{
			"text":       "hello world",
			"message":    "hi\x00there",
			"dispatcher": "cop!",
			"callId":     "ABC",
			"count":      3,
		}
		out := s.Payload(in)

		assert.Equal(t, "hello", out["text"])
		assert.Equal(t, "hith", out["message"]) // clamped to 5 bytes, then stripped
		assert.Equal(t, "cop", out["dispatcher"])
		assert.Equal(t, "ABC", out["callId"])
		assert.Equal(t, 3, out["count"])

		assert.Equal(t, "hello world", in["text"], "input map untouched")
	})

	t.Run("ignores non-string fields with known names", func(t *testing.T) {
		out := s.Payload(map[string]any{"text": 42})
		assert.Equal(t, 42, out["text"])
	})
}
