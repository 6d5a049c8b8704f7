package delivery

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	usernameKeep = regexp.MustCompile(`[^\w\s-]`)
)

// Sanitizer clamps and strips user-originated text before it is forwarded to
// the game backend. Length limits come from configuration.
type Sanitizer struct {
	maxText     int
	maxUsername int
}

// NewSanitizer creates a sanitizer with the given text and username limits.
// Non-positive limits fall back to 500 and 20.
func NewSanitizer(maxText, maxUsername int) *Sanitizer {
	if maxText <= 0 {
		maxText = 500
	}
	if maxUsername <= 0 {
		maxUsername = 20
	}
	return &Sanitizer{maxText: maxText, maxUsername: maxUsername}
}

// Text clamps the string to the configured length, strips ASCII control
// characters, and trims surrounding whitespace.
func (s *Sanitizer) Text(text string) string {
	text = clampBytes(text, s.maxText)
	text = controlChars.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Username keeps only word characters, whitespace, and hyphens, clamps to
// the configured length, and falls back to "Dispatcher" when nothing
// survives. An empty input becomes "Unknown".
func (s *Sanitizer) Username(username string) string {
	if username == "" {
		username = "Unknown"
	}
	username = usernameKeep.ReplaceAllString(username, "")
	username = clampBytes(username, s.maxUsername)
	username = strings.TrimSpace(username)
	if username == "" {
		return "Dispatcher"
	}
	return username
}

// clampBytes cuts s to at most max bytes, backing up so the cut never splits
// a multi-byte rune. The result stays valid UTF-8 when the input was.
func clampBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Payload returns a copy of the payload with the well-known free-text fields
// sanitized. The input map is not mutated.
func (s *Sanitizer) Payload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if text, ok := out["text"].(string); ok {
		out["text"] = s.Text(text)
	}
	if msg, ok := out["message"].(string); ok {
		out["message"] = s.Text(msg)
	}
	if who, ok := out["dispatcher"].(string); ok {
		out["dispatcher"] = s.Username(who)
	}
	return out
}
