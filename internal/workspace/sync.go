package workspace

import (
	"fmt"
	"sync"

	"github.com/codefionn/clawlink/internal/logger"
	"github.com/codefionn/clawlink/internal/protocol"
	"github.com/google/uuid"
)

// SyncState tracks the single in-flight sync flow. At most one flow is
// active; a new request while non-idle is rejected, never queued.
type SyncState int

const (
	// SyncIdle means no flow is active.
	SyncIdle SyncState = iota
	// SyncReading means a document read is awaiting its response.
	SyncReading
	// SyncWriting means a directive or document write is awaiting its
	// confirmation.
	SyncWriting
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncReading:
		return "reading"
	case SyncWriting:
		return "writing"
	default:
		return "unknown"
	}
}

// Sender issues gateway requests. Satisfied by gateway.Client.Send.
type Sender interface {
	Send(method string, params interface{}) error
}

const enableReportingInstruction = "Turn on verbose tool summaries for this session: before each tool call, " +
	"print one line in the form \"<tool>: <argument>\". Reply with only the word OK."

var readInstruction = fmt.Sprintf(
	"Print the raw contents of %s and %s exactly, without commentary, in this format:\n%s\n<contents of %s>\n%s\n<contents of %s>\n%s",
	IdentityFileName, ProfileFileName,
	MarkerIdentity, IdentityFileName, MarkerUser, ProfileFileName, MarkerEnd)

// Orchestrator runs the invisible document sync over the ordinary chat
// channel. Its traffic and the agent's replies never reach the visible
// transcript: the gateway client consults the orchestrator before emitting
// text notifications.
//
// Flows: after every handshake a directive enables verbose tool reporting,
// chaining into a read of both documents; explicit reads and writes can be
// requested while idle. Sync failures are silent to the user; the cache is
// simply left unchanged.
type Orchestrator struct {
	sender     Sender
	sessionKey string
	onIdentity func(content string)
	onProfile  func(content string)
	log        *logger.Logger

	mu        sync.Mutex
	state     SyncState
	chainRead bool
}

// NewOrchestrator creates a sync orchestrator. The two callbacks receive raw
// document content whenever a read flow recovers it.
func NewOrchestrator(sender Sender, sessionKey string, onIdentity, onProfile func(string)) *Orchestrator {
	return &Orchestrator{
		sender:     sender,
		sessionKey: sessionKey,
		onIdentity: onIdentity,
		onProfile:  onProfile,
		log:        logger.Global().WithPrefix("sync"),
	}
}

// State returns the current sync state.
func (o *Orchestrator) State() SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a flow is in flight.
func (o *Orchestrator) Busy() bool {
	return o.State() != SyncIdle
}

// SuppressDeltas hides assistant deltas while any flow is active, so neither
// the documents nor the directive confirmations stream into the transcript.
func (o *Orchestrator) SuppressDeltas() bool {
	return o.State() != SyncIdle
}

// HandshakeComplete starts the enable-reporting directive followed by a read
// of both documents. A reconnect mid-flow lands here too, which also clears
// any flow stranded by the dead connection.
func (o *Orchestrator) HandshakeComplete() {
	o.mu.Lock()
	if o.state != SyncIdle {
		o.log.Info("resetting %s flow after reconnect", o.state)
	}
	o.state = SyncWriting
	o.chainRead = true
	o.mu.Unlock()

	if err := o.sendChat(enableReportingInstruction); err != nil {
		o.log.Warn("enable-reporting directive failed: %v", err)
		o.reset()
	}
}

// BeginRead requests both documents from the agent. Ignored while another
// flow is active.
func (o *Orchestrator) BeginRead() {
	o.mu.Lock()
	if o.state != SyncIdle {
		o.mu.Unlock()
		o.log.Debug("read ignored, %s flow active", o.state)
		return
	}
	o.state = SyncReading
	o.mu.Unlock()

	if err := o.sendChat(readInstruction); err != nil {
		o.log.Warn("read instruction failed: %v", err)
		o.reset()
	}
}

// BeginWrite pushes both records to their workspace paths. Ignored while
// another flow is active. Completion only unblocks the guard; no response
// content is parsed.
func (o *Orchestrator) BeginWrite(identity *IdentityRecord, profile *ProfileRecord) {
	o.mu.Lock()
	if o.state != SyncIdle {
		o.mu.Unlock()
		o.log.Debug("write ignored, %s flow active", o.state)
		return
	}
	o.state = SyncWriting
	o.chainRead = false
	o.mu.Unlock()

	instruction := fmt.Sprintf(
		"Replace the contents of %s with exactly:\n%s\n%s\n%s\n\nThen replace the contents of %s with exactly:\n%s\n%s\n%s\n\nReply with only the word OK.",
		IdentityFileName, MarkerIdentity, identity.Markdown(), MarkerEnd,
		ProfileFileName, MarkerUser, profile.Markdown(), MarkerEnd)

	if err := o.sendChat(instruction); err != nil {
		o.log.Warn("write instruction failed: %v", err)
		o.reset()
	}
}

// ConsumeFinal claims a turn's final text while a flow is active. Reading
// flows parse the documents out of it; writing flows only need the
// completion signal.
func (o *Orchestrator) ConsumeFinal(text string) bool {
	o.mu.Lock()
	state := o.state
	chain := o.chainRead
	if state == SyncIdle {
		o.mu.Unlock()
		return false
	}
	o.state = SyncIdle
	o.chainRead = false
	o.mu.Unlock()

	switch state {
	case SyncReading:
		identity, profile, ok := ExtractDocuments(text)
		if !ok {
			// Cache stays as it was; nothing is surfaced to the user.
			o.log.Warn("read flow recovered no document content")
			return true
		}
		if identity != "" && o.onIdentity != nil {
			o.onIdentity(identity)
		}
		if profile != "" && o.onProfile != nil {
			o.onProfile(profile)
		}
		o.log.Info("workspace documents refreshed")

	case SyncWriting:
		o.log.Debug("write flow confirmed")
		if chain {
			o.BeginRead()
		}
	}
	return true
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	o.state = SyncIdle
	o.chainRead = false
	o.mu.Unlock()
}

func (o *Orchestrator) sendChat(message string) error {
	return o.sender.Send(protocol.MethodChatSend, protocol.ChatSendParams{
		Message:        message,
		SessionKey:     o.sessionKey,
		IdempotencyKey: uuid.New().String(),
	})
}
