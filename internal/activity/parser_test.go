package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseToolSummary(t *testing.T) {
	tests := []struct {
		input    string
		wantTool string
		wantArg  string
		wantOK   bool
	}{
		{"📄 read: IDENTITY.md", "read", "IDENTITY.md", true},
		{"read: IDENTITY.md", "read", "IDENTITY.md", true},
		{"  Write:  /tmp/out.txt ", "write", "/tmp/out.txt", true},
		{"bash: ls -la", "bash", "ls -la", true},
		{"search:", "search", "", true},
		{"🔍 grep: TODO", "grep", "TODO", true},
		{"I will read the file now", "", "", false},
		{"note: this is prose with a colon", "", "", false},
		{"", "", "", false},
		{"   ", "", "", false},
		{"📄📄📄📄📄 read: x", "", "", false}, // decoration run exceeds the bound
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tool, arg, ok := ParseToolSummary(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTool, tool)
			assert.Equal(t, tt.wantArg, arg)
		})
	}
}

func TestParseToolSummaryUnknownTool(t *testing.T) {
	if _, _, ok := ParseToolSummary("frobnicate: something"); ok {
		t.Fatal("unknown tool must not parse as a summary")
	}
}
