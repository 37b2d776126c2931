package workspace

import (
	"encoding/json"
	"strings"
)

// Delimiter markers the read-flow instruction asks the agent to emit around
// the two documents.
const (
	MarkerIdentity = "---IDENTITY---"
	MarkerUser     = "---USER---"
	MarkerEnd      = "---END---"
)

// ExtractDocuments recovers the raw identity and profile document contents
// from a read-flow response, trying two strategies in order: the literal
// delimiter markers, then a fenced flat document with identity/user keys.
// ok is false when neither strategy yields any content; the caller leaves its
// cache unchanged.
func ExtractDocuments(text string) (identity, profile string, ok bool) {
	identity, profile, ok = extractDelimited(text)
	if ok {
		return identity, profile, true
	}
	return extractFlat(text)
}

// extractDelimited slices the substrings between the three literal markers.
func extractDelimited(text string) (identity, profile string, ok bool) {
	idStart := strings.Index(text, MarkerIdentity)
	userStart := strings.Index(text, MarkerUser)
	end := strings.Index(text, MarkerEnd)
	if idStart < 0 || userStart < idStart || end < userStart {
		return "", "", false
	}

	identity = strings.TrimSpace(text[idStart+len(MarkerIdentity) : userStart])
	profile = strings.TrimSpace(text[userStart+len(MarkerUser) : end])
	if identity == "" && profile == "" {
		return "", "", false
	}
	return identity, profile, true
}

// extractFlat strips code fences and decodes the remainder as a two-key flat
// document, accepting either a JSON object or "identity:"/"user:" keyed
// blocks.
func extractFlat(text string) (identity, profile string, ok bool) {
	stripped := stripFences(text)

	var doc struct {
		Identity string `json:"identity"`
		User     string `json:"user"`
	}
	if err := json.Unmarshal([]byte(stripped), &doc); err == nil {
		if doc.Identity == "" && doc.User == "" {
			return "", "", false
		}
		return strings.TrimSpace(doc.Identity), strings.TrimSpace(doc.User), true
	}

	return extractKeyedBlocks(stripped)
}

// extractKeyedBlocks handles the block form:
//
//	identity: |
//	  ...lines...
//	user: |
//	  ...lines...
//
// The "|" is optional; everything until the next top-level key belongs to the
// current one.
func extractKeyedBlocks(text string) (identity, profile string, ok bool) {
	var idLines, userLines []string
	var current *[]string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "identity:"):
			current = &idLines
			if rest := strings.TrimSpace(trimmed[len("identity:"):]); rest != "" && rest != "|" {
				*current = append(*current, rest)
			}
		case strings.HasPrefix(lower, "user:"):
			current = &userLines
			if rest := strings.TrimSpace(trimmed[len("user:"):]); rest != "" && rest != "|" {
				*current = append(*current, rest)
			}
		default:
			if current != nil {
				*current = append(*current, line)
			}
		}
	}

	identity = strings.TrimSpace(strings.Join(idLines, "\n"))
	profile = strings.TrimSpace(strings.Join(userLines, "\n"))
	if identity == "" && profile == "" {
		return "", "", false
	}
	return identity, profile, true
}

// stripFences removes common markdown fence lines (``` or ~~~ with optional
// language tag) so fenced responses decode like bare ones.
func stripFences(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
