// Package rendergate decides whether an inbound message may reach the
// transcript. IsSafe is a pure predicate: it never panics and never mutates its
// input.
package rendergate

import (
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

const (
	// MinAssistantLength is the minimum trimmed rune count for assistant content.
	MinAssistantLength = 3
	// maxPlaceholderLength bounds the length of content still treated as a stub.
	maxPlaceholderLength = 24
)

// placeholders are stub phrases a platform may emit while a reply is pending.
var placeholders = map[string]struct{}{
	"thinking":      {},
	"typing":        {},
	"loading":       {},
	"generating":    {},
	"processing":    {},
	"please wait":   {},
	"one moment":    {},
	"just a moment": {},
	"working on it": {},
}

// IsSafe reports whether m may be rendered.
func IsSafe(m models.InboundMessage) bool {
	if !models.IsValidRole(m.Role) || m.Content == nil {
		return false
	}
	content, ok := m.ContentString()
	if !ok {
		return false
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if IsPlaceholder(trimmed) || IsJSONShaped(trimmed) {
		return false
	}
	if m.Role == models.RoleAssistant && utf8.RuneCountInString(trimmed) < MinAssistantLength {
		return false
	}
	return true
}

// IsJSONShaped reports whether trimmed content is framed as JSON: it begins
// with '{', '[' or a fenced JSON block marker. Field-name-like substrings in
// otherwise plain text do not count.
func IsJSONShaped(content string) bool {
	t := strings.TrimSpace(content)
	if t == "" {
		return false
	}
	switch t[0] {
	case '{', '[':
		return true
	}
	lower := strings.ToLower(t)
	return strings.HasPrefix(lower, "```json") || strings.HasPrefix(lower, "```{") || strings.HasPrefix(lower, "```[")
}

// IsPlaceholder reports whether content is a short "thinking" stub or a bare
// ellipsis.
func IsPlaceholder(content string) bool {
	t := strings.TrimSpace(content)
	if t == "" || utf8.RuneCountInString(t) > maxPlaceholderLength {
		return false
	}
	stem := strings.ToLower(strings.TrimRight(t, ".… "))
	if stem == "" {
		// only dots or an ellipsis character
		return true
	}
	_, ok := placeholders[stem]
	return ok
}
