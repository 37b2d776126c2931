// Package activity derives a live "what is the agent doing" feed from the
// event stream: a parser for verbose tool summary lines and a tracker that
// maintains the per-turn activity record and its display label.
package activity

import (
	"strings"
	"unicode"
)

// knownTools is the registry of tool names a summary line may legitimately
// name. Anything else containing a colon is ordinary prose.
var knownTools = map[string]bool{
	"read":    true,
	"write":   true,
	"edit":    true,
	"bash":    true,
	"search":  true,
	"fetch":   true,
	"browser": true,
	"exec":    true,
	"ls":      true,
	"grep":    true,
}

// Longest run of leading decorative symbols (an emoji, a bullet) stripped
// before the tool name.
const maxDecorRunes = 4

// ParseToolSummary extracts (tool, argument) from a verbose tool summary line
// such as "📄 read: IDENTITY.md". Returns ok=false when the line is not a
// summary: no colon, or the candidate before the colon is not a known tool.
// The argument is empty when the summary has none.
func ParseToolSummary(text string) (tool, arg string, ok bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", "", false
	}

	// Strip a short leading run of symbol runes (decoration), then any
	// whitespace that followed it.
	runes := []rune(s)
	i := 0
	for i < len(runes) && i < maxDecorRunes &&
		!unicode.IsLetter(runes[i]) && !unicode.IsDigit(runes[i]) && !unicode.IsSpace(runes[i]) {
		i++
	}
	s = strings.TrimSpace(string(runes[i:]))

	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", false
	}

	candidate := strings.ToLower(strings.TrimSpace(s[:colon]))
	if !knownTools[candidate] {
		return "", "", false
	}

	return candidate, strings.TrimSpace(s[colon+1:]), true
}
