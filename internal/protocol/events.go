package protocol

import (
	"encoding/json"
	"fmt"
)

// Agent event stream kinds (payload.stream).
const (
	StreamAssistant = "assistant"
	StreamThinking  = "thinking"
	StreamTool      = "tool"
	StreamLifecycle = "lifecycle"
)

// Chat event states (payload.state).
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// AgentEvent is the payload of an "agent" event.
type AgentEvent struct {
	Stream     string    `json:"stream"`
	SessionKey string    `json:"sessionKey"`
	Data       AgentData `json:"data"`
}

// AgentData is the stream-dependent inner payload of an agent event. Delta is
// the incremental field; Text is the cumulative form and is never forwarded
// downstream (forwarding both would duplicate content).
type AgentData struct {
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`
	Phase string `json:"phase,omitempty"`

	// Tool fields; see DecodeToolCall for the accepted aliases.
	Name     string          `json:"name,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Path     string          `json:"path,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ChatEvent is the payload of a "chat" event.
type ChatEvent struct {
	State        string          `json:"state"`
	SessionKey   string          `json:"sessionKey"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// MessageText extracts the text of a chat event message, which arrives either
// as a bare string or as an object with a text field.
func (e *ChatEvent) MessageText() string {
	if len(e.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(e.Message, &obj); err == nil {
		if obj.Text != "" {
			return obj.Text
		}
		return obj.Content
	}
	return ""
}

// ToolCall is the typed result of decoding a tool stream event. Name is
// always set; Path and Content are best effort.
type ToolCall struct {
	Name    string
	Path    string
	Content string
}

// toolArgs is the argument object shape shared by the args/params/input
// aliases.
type toolArgs struct {
	Path     string `json:"path,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	File     string `json:"file,omitempty"`
	Content  string `json:"content,omitempty"`
	Command  string `json:"command,omitempty"`
	Query    string `json:"query,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DecodeToolCall extracts a tool invocation from agent tool-stream data.
// Gateways have shipped several field spellings over time, so decoding is
// permissive with a fixed precedence:
//
//	tool name: name > toolName > tool
//	arguments: args > params > input
//	argument:  top-level path > args.path > args.file_path > args.file >
//	           args.command > args.query > args.url
//
// Returns an error when no tool name is present under any alias.
func DecodeToolCall(d *AgentData) (*ToolCall, error) {
	name := d.Name
	if name == "" {
		name = d.ToolName
	}
	if name == "" {
		name = d.Tool
	}
	if name == "" {
		return nil, fmt.Errorf("tool event without a tool name")
	}

	call := &ToolCall{Name: name, Path: d.Path}

	var raw json.RawMessage
	switch {
	case len(d.Args) > 0:
		raw = d.Args
	case len(d.Params) > 0:
		raw = d.Params
	case len(d.Input) > 0:
		raw = d.Input
	}
	if len(raw) > 0 {
		var args toolArgs
		if err := json.Unmarshal(raw, &args); err == nil {
			if call.Path == "" {
				call.Path = firstNonEmpty(args.Path, args.FilePath, args.File,
					args.Command, args.Query, args.URL)
			}
			call.Content = args.Content
		}
	}
	return call, nil
}

// IsTurnEnd reports whether a lifecycle phase marks the end of a turn.
func IsTurnEnd(phase string) bool {
	return phase == "end" || phase == "done"
}

// IsKeepalive reports whether an event name is periodic gateway noise that
// must never reach consumers.
func IsKeepalive(event string) bool {
	switch event {
	case EventTick, EventHealth, EventHeartbeat, EventPresence:
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
