// Package gateway implements the client side of the gateway protocol: the
// connect handshake state machine, request bookkeeping, event routing and
// filtering, and the fixed-delay reconnection policy. Consumers observe the
// session through a single ordered notification channel rather than
// per-event callbacks.
package gateway

import "github.com/codefionn/clawlink/internal/protocol"

// NotificationKind tags a Notification.
type NotificationKind int

const (
	// NoteConnected signals a completed handshake. Protocol carries the
	// negotiated version.
	NoteConnected NotificationKind = iota
	// NoteDisconnected signals a transport loss. Err carries the cause.
	NoteDisconnected
	// NoteTextDelta carries an incremental chunk of assistant response text.
	NoteTextDelta
	// NoteThinkingDelta carries an incremental chunk of reasoning text. Never
	// rendered as chat content.
	NoteThinkingDelta
	// NoteToolEvent reports a tool invocation. Tool is always set.
	NoteToolEvent
	// NoteFinalText carries the complete response text of a finished turn.
	NoteFinalText
	// NoteTurnFinished marks the end of a turn without final text (lifecycle
	// end or an aborted chat).
	NoteTurnFinished
	// NoteIdentityUpdated carries new identity document content observed on
	// the wire. Text holds the raw markdown.
	NoteIdentityUpdated
	// NoteProfileUpdated carries new profile document content observed on
	// the wire. Text holds the raw markdown.
	NoteProfileUpdated
	// NoteError surfaces a gateway-reported error for the current turn.
	NoteError
	// NoteLogLine carries one formatted internal log line for display. Text
	// holds the line.
	NoteLogLine
)

// String returns the notification kind name for logging.
func (k NotificationKind) String() string {
	switch k {
	case NoteConnected:
		return "connected"
	case NoteDisconnected:
		return "disconnected"
	case NoteTextDelta:
		return "textDelta"
	case NoteThinkingDelta:
		return "thinkingDelta"
	case NoteToolEvent:
		return "toolEvent"
	case NoteFinalText:
		return "finalText"
	case NoteTurnFinished:
		return "turnFinished"
	case NoteIdentityUpdated:
		return "identityUpdated"
	case NoteProfileUpdated:
		return "profileUpdated"
	case NoteError:
		return "error"
	case NoteLogLine:
		return "logLine"
	default:
		return "unknown"
	}
}

// Notification is the tagged union delivered over the client's notification
// channel, in event receive order.
type Notification struct {
	Kind     NotificationKind
	Text     string
	Tool     *protocol.ToolCall
	Err      error
	Protocol int
}

// Well-known workspace document names. Tool writes targeting these paths are
// decoded into identity/profile updates as they happen, without waiting for a
// sync round trip.
const (
	IdentityFileName = "IDENTITY.md"
	ProfileFileName  = "USER.md"
)

// SyncHook lets a workspace sync flow ride on the chat channel invisibly. All
// methods are called from the frame-processing goroutine, between routing
// steps, so implementations see events in order.
type SyncHook interface {
	// HandshakeComplete fires after every successful handshake, including
	// reconnects.
	HandshakeComplete()
	// SuppressDeltas reports whether assistant text deltas must be withheld
	// from the notification stream right now.
	SuppressDeltas() bool
	// ConsumeFinal offers a turn's final text to the sync flow. Returning
	// true claims the text; no finalText notification is emitted.
	ConsumeFinal(text string) bool
	// Busy reports whether a sync flow is in flight. User sends are rejected
	// while true so they cannot interleave with the document exchange.
	Busy() bool
}
