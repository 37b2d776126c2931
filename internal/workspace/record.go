// Package workspace models the two agent workspace documents (identity and
// profile), their constrained-markdown encoding, and the invisible sync
// protocol that reads and writes them through ordinary chat messages.
package workspace

import (
	"fmt"
	"strings"
)

// Workspace document file names on the gateway side.
const (
	IdentityFileName = "IDENTITY.md"
	ProfileFileName  = "USER.md"
)

// IdentityRecord is the agent's self-description. The gateway's IDENTITY.md
// is authoritative; this is a client cache.
type IdentityRecord struct {
	Name     string
	Creature string
	Vibe     string
	Emoji    string
	Avatar   string
}

// ProfileRecord is what the agent knows about its user. The gateway's USER.md
// is authoritative; this is a client cache.
type ProfileRecord struct {
	Name     string
	Timezone string
	Notes    string
}

// Markdown renders the identity record in its canonical form.
func (r *IdentityRecord) Markdown() string {
	var b strings.Builder
	b.WriteString("# IDENTITY.md - Who Am I?\n\n")
	writeField(&b, "Name", r.Name)
	writeField(&b, "Creature", r.Creature)
	writeField(&b, "Vibe", r.Vibe)
	writeField(&b, "Emoji", r.Emoji)
	writeField(&b, "Avatar", r.Avatar)
	return b.String()
}

// Markdown renders the profile record in its canonical form.
func (r *ProfileRecord) Markdown() string {
	var b strings.Builder
	b.WriteString("# USER.md - Who Are You?\n\n")
	writeField(&b, "Name", r.Name)
	writeField(&b, "Timezone", r.Timezone)
	writeField(&b, "Notes", r.Notes)
	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "- **%s:** %s\n", key, escapeValue(value))
}

// escapeValue keeps a field on its single bullet line: newlines become \n and
// backslashes are doubled so the escape itself round-trips.
func escapeValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, "\n", `\n`)
}

func unescapeValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			switch v[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

// ParseIdentity decodes an identity document. Unknown lines are ignored and
// missing fields stay empty; parsing is tolerant, never fatal.
func ParseIdentity(text string) *IdentityRecord {
	r := &IdentityRecord{}
	for key, value := range parseFields(text) {
		switch key {
		case "name":
			r.Name = value
		case "creature":
			r.Creature = value
		case "vibe":
			r.Vibe = value
		case "emoji":
			r.Emoji = value
		case "avatar":
			r.Avatar = value
		}
	}
	return r
}

// ParseProfile decodes a profile document with the same tolerance rules as
// ParseIdentity.
func ParseProfile(text string) *ProfileRecord {
	r := &ProfileRecord{}
	for key, value := range parseFields(text) {
		switch key {
		case "name":
			r.Name = value
		case "timezone":
			r.Timezone = value
		case "notes":
			r.Notes = value
		}
	}
	return r
}

// parseFields extracts "key: value" pairs from bullet lines, tolerating "-"
// or "*" bullets, bold markers, surrounding whitespace, and arbitrary key
// case. Escaped newlines in values are restored.
func parseFields(text string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimLeft(line, "-* \t")
		line = strings.ReplaceAll(line, "**", "")

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := unescapeValue(strings.TrimSpace(line[colon+1:]))
		if key != "" {
			fields[key] = value
		}
	}
	return fields
}
