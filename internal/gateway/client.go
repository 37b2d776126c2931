package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"runtime"
	"sync"
	"time"

	"github.com/codefionn/clawlink/internal/activity"
	"github.com/codefionn/clawlink/internal/logger"
	"github.com/codefionn/clawlink/internal/protocol"
	"github.com/codefionn/clawlink/internal/transport"
	"github.com/google/uuid"
)

// Version reported to the gateway in the client descriptor.
const Version = "0.3.0"

// ErrNotConnected is returned when a send is attempted outside the Connected
// state. The request is dropped, never queued.
var ErrNotConnected = errors.New("gateway: not connected")

// ErrSyncInFlight is returned when a user send would interleave with an
// active workspace sync flow on the same chat channel.
var ErrSyncInFlight = errors.New("gateway: workspace sync in flight")

// Config holds client configuration
type Config struct {
	GatewayURL     string
	Token          string
	SessionKey     string
	ClientID       string
	Locale         string
	ReconnectDelay time.Duration
	Trust          transport.TrustPolicy
}

// Client is the session orchestrator: it drives the handshake over a
// transport session, routes inbound events, and recovers from transport
// failures with a fixed-delay reconnect. One Client maintains exactly one
// logical session.
type Client struct {
	cfg     Config
	session *transport.Session
	recon   *reconnector

	mu     sync.Mutex
	st     *sessionState
	hook   SyncHook
	closed bool

	emitMu     sync.Mutex
	emitClosed bool
	notifCh    chan Notification

	log *logger.Logger
}

// New creates a client for one gateway session. Call Connect to start.
func New(cfg Config) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "clawlink"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		st:      newSessionState(),
		notifCh: make(chan Notification, 256),
		log:     logger.Global().WithPrefix("gateway"),
	}
	c.session = transport.NewSession(c.handleFrame, c.onTransportClosed, cfg.Trust)
	c.recon = newReconnector(cfg.ReconnectDelay, c.reconnectAttempt)
	return c
}

// SetSyncHook installs the workspace sync hook. Must be called before
// Connect.
func (c *Client) SetSyncHook(h SyncHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = h
}

// Notifications returns the ordered notification stream. The channel closes
// when the client is closed.
func (c *Client) Notifications() <-chan Notification {
	return c.notifCh
}

// State returns the connection state and negotiated protocol version.
func (c *Client) State() (ConnectionState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.conn, c.st.protocol
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (c *Client) ReconnectPending() bool {
	return c.recon.pendingAttempt()
}

// Connect opens the transport and begins the handshake. Idempotent while a
// connection attempt or session is live. The handshake itself completes
// asynchronously; watch for a connected notification.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gateway: client closed")
	}
	if c.st.conn != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	// State moves before the dial so the challenge can arrive immediately
	// after the socket opens.
	c.st.beginConnection()
	c.mu.Unlock()

	if err := c.session.Connect(ctx, c.cfg.GatewayURL); err != nil {
		c.mu.Lock()
		c.st.dropConnection()
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close permanently shuts the client down: reconnection is disabled, the
// transport is torn down, and the notification channel is closed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.st.dropConnection()
	c.mu.Unlock()

	c.recon.stop()
	c.session.Disconnect()

	c.emitMu.Lock()
	c.emitClosed = true
	close(c.notifCh)
	c.emitMu.Unlock()
}

// Send issues a request in the Connected state. Requests outside Connected
// are logged and dropped.
func (c *Client) Send(method string, params interface{}) error {
	c.mu.Lock()
	if c.st.conn != StateConnected {
		state := c.st.conn
		c.mu.Unlock()
		c.log.Warn("dropping %s request in state %s", method, state)
		return ErrNotConnected
	}
	id := c.st.takeRequestID()
	c.mu.Unlock()

	return c.session.Write(protocol.NewRequest(id, method, params))
}

// SendChat sends a user chat message for the active session. Each send
// carries a fresh idempotency key. Rejected while a workspace sync flow holds
// the chat channel.
func (c *Client) SendChat(message string) error {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil && hook.Busy() {
		return ErrSyncInFlight
	}
	return c.Send(protocol.MethodChatSend, protocol.ChatSendParams{
		Message:        message,
		SessionKey:     c.cfg.SessionKey,
		IdempotencyKey: uuid.New().String(),
	})
}

// LogLine forwards one formatted log line into the notification stream.
// Intended as a logger tap. Drops silently when the buffer is full: warning
// about the drop would feed back through the tap.
func (c *Client) LogLine(line string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.emitClosed {
		return
	}
	select {
	case c.notifCh <- Notification{Kind: NoteLogLine, Text: line}:
	default:
	}
}

// emit delivers a notification in order. A slow consumer that fills the
// buffer loses notifications rather than stalling the receive loop.
func (c *Client) emit(n Notification) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.emitClosed {
		return
	}
	select {
	case c.notifCh <- n:
	default:
		c.log.Warn("notification buffer full, dropping %s", n.Kind)
	}
}

// handleFrame receives every parsed frame from the transport, in receive
// order, on the receive goroutine.
func (c *Client) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeEvent:
		c.handleEvent(f)
	case protocol.FrameTypeResponse:
		c.handleResponse(f)
	default:
		// The gateway never sends req frames to clients.
		c.log.Debug("ignoring frame type %s", f.Type)
	}
}

func (c *Client) handleEvent(f *protocol.Frame) {
	if protocol.IsKeepalive(f.Event) {
		return
	}
	switch f.Event {
	case protocol.EventConnectChallenge:
		c.handleChallenge(f)
	case protocol.EventAgent:
		c.routeAgentEvent(f.Payload)
	case protocol.EventChat:
		c.routeChatEvent(f.Payload)
	default:
		c.log.Debug("ignoring event %q", f.Event)
	}
}

// handleChallenge answers the server's connect.challenge with the connect
// request. A duplicate challenge after the handshake has advanced is a no-op.
func (c *Client) handleChallenge(f *protocol.Frame) {
	var challenge protocol.ChallengePayload
	if err := json.Unmarshal(f.Payload, &challenge); err != nil {
		c.log.Warn("malformed challenge payload: %v", err)
		return
	}

	c.mu.Lock()
	reqID, ok := c.st.challengeReceived()
	c.mu.Unlock()
	if !ok {
		c.log.Info("duplicate connect.challenge ignored")
		return
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client: protocol.ClientInfo{
			ID:       c.cfg.ClientID,
			Version:  Version,
			Platform: runtime.GOOS,
			Mode:     "ui",
		},
		Role:      "operator",
		Scopes:    []string{"operator.read", "operator.write"},
		Locale:    c.cfg.Locale,
		UserAgent: "clawlink/" + Version,
	}
	if c.cfg.Token != "" {
		params.Auth = &protocol.AuthInfo{Token: c.cfg.Token}
	}

	if err := c.session.Write(protocol.NewRequest(reqID, protocol.MethodConnect, params)); err != nil {
		// The transport failure path takes it from here.
		c.log.Error("failed to send connect request: %v", err)
	}
}

func (c *Client) handleResponse(f *protocol.Frame) {
	c.mu.Lock()
	isConnect := f.ID != "" && f.ID == c.st.connectReqID && c.st.conn == StateAwaitingHelloOK
	c.mu.Unlock()

	if isConnect {
		c.handleConnectResponse(f)
		return
	}

	if !f.IsOK() {
		// Server-reported request failure ends the turn's loading state but
		// never triggers reconnection.
		gerr := f.Error
		if gerr == nil {
			gerr = &protocol.GatewayError{Message: "request failed"}
		}
		c.log.Warn("request %s failed: %v", f.ID, gerr)
		c.emit(Notification{Kind: NoteError, Err: gerr})
		return
	}

	// chat.send acknowledgements carry a run id; turn content arrives later
	// on the event stream keyed by session, so there is nothing to correlate
	// here.
	var ack protocol.ChatSendAck
	if err := json.Unmarshal(f.Payload, &ack); err == nil && ack.RunID != "" {
		c.log.Debug("request %s acknowledged, run %s", f.ID, ack.RunID)
	}
}

func (c *Client) handleConnectResponse(f *protocol.Frame) {
	if !f.IsOK() {
		gerr := f.Error
		if gerr == nil {
			gerr = &protocol.GatewayError{Message: "connect rejected"}
		}
		c.log.Error("handshake rejected: %v", gerr)
		c.mu.Lock()
		c.st.dropConnection()
		c.mu.Unlock()
		// Discard the socket too, or a retrying Connect would find the old
		// connection still open and never re-dial.
		c.session.Drop()
		c.emit(Notification{Kind: NoteError, Err: gerr})
		return
	}

	var hello protocol.HelloOK
	if err := json.Unmarshal(f.Payload, &hello); err != nil || hello.Type != protocol.HelloOKType {
		c.log.Error("unexpected connect payload (type %q)", hello.Type)
		return
	}

	c.mu.Lock()
	err := c.st.helloOK(hello.Protocol)
	hook := c.hook
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("%v", err)
		return
	}

	c.log.Info("handshake complete, protocol %d", hello.Protocol)
	c.emit(Notification{Kind: NoteConnected, Protocol: hello.Protocol})
	if hook != nil {
		hook.HandshakeComplete()
	}
}

// routeAgentEvent dispatches one agent event by stream kind. Events for other
// sessions are discarded with no side effects.
func (c *Client) routeAgentEvent(payload json.RawMessage) {
	var ev protocol.AgentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warn("malformed agent event: %v", err)
		return
	}
	if ev.SessionKey != c.cfg.SessionKey {
		return
	}

	switch ev.Stream {
	case protocol.StreamAssistant:
		// Only the incremental field is forwarded; the cumulative text field
		// would duplicate content already delivered.
		if ev.Data.Delta == "" {
			return
		}
		if c.suppressDeltas() {
			return
		}
		c.emit(Notification{Kind: NoteTextDelta, Text: ev.Data.Delta})

	case protocol.StreamThinking:
		if ev.Data.Delta == "" {
			return
		}
		c.emit(Notification{Kind: NoteThinkingDelta, Text: ev.Data.Delta})

	case protocol.StreamTool:
		call, err := protocol.DecodeToolCall(&ev.Data)
		if err != nil {
			c.log.Warn("dropping tool event: %v", err)
			return
		}
		c.emit(Notification{Kind: NoteToolEvent, Tool: call})
		c.observeWorkspaceWrite(call)

	case protocol.StreamLifecycle:
		if protocol.IsTurnEnd(ev.Data.Phase) {
			c.emit(Notification{Kind: NoteTurnFinished})
		}

	default:
		c.log.Debug("ignoring agent stream %q", ev.Stream)
	}
}

// observeWorkspaceWrite turns an organically observed write to a well-known
// workspace document into a cache update, without waiting on a sync round
// trip.
func (c *Client) observeWorkspaceWrite(call *protocol.ToolCall) {
	if call.Name != "write" && call.Name != "edit" {
		return
	}
	if call.Content == "" {
		return
	}
	switch path.Base(call.Path) {
	case IdentityFileName:
		c.emit(Notification{Kind: NoteIdentityUpdated, Text: call.Content})
	case ProfileFileName:
		c.emit(Notification{Kind: NoteProfileUpdated, Text: call.Content})
	}
}

// routeChatEvent dispatches one chat event by state.
func (c *Client) routeChatEvent(payload json.RawMessage) {
	var ev protocol.ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warn("malformed chat event: %v", err)
		return
	}
	if ev.SessionKey != c.cfg.SessionKey {
		return
	}

	switch ev.State {
	case protocol.ChatStateDelta:
		// When verbose tool reporting is on, tool summaries arrive disguised
		// as ordinary chat text. A recognized summary becomes a tool event
		// and is never surfaced as a text delta.
		if name, arg, ok := activity.ParseToolSummary(ev.MessageText()); ok {
			c.emit(Notification{Kind: NoteToolEvent, Tool: &protocol.ToolCall{Name: name, Path: arg}})
		}

	case protocol.ChatStateFinal:
		text := ev.MessageText()
		c.mu.Lock()
		hook := c.hook
		c.mu.Unlock()
		if hook != nil && hook.ConsumeFinal(text) {
			return
		}
		c.emit(Notification{Kind: NoteFinalText, Text: text})

	case protocol.ChatStateAborted:
		c.emit(Notification{Kind: NoteTurnFinished})

	case protocol.ChatStateError:
		c.emit(Notification{Kind: NoteError, Err: &protocol.GatewayError{Message: ev.ErrorMessage}})

	default:
		c.log.Debug("ignoring chat state %q", ev.State)
	}
}

func (c *Client) suppressDeltas() bool {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	return hook != nil && hook.SuppressDeltas()
}

// onTransportClosed reacts to the transport's single disconnect notification
// per connection. Only transport failures schedule reconnection; protocol
// errors never do.
func (c *Client) onTransportClosed(err error, permanent bool) {
	c.mu.Lock()
	c.st.dropConnection()
	closed := c.closed
	c.mu.Unlock()

	c.emit(Notification{Kind: NoteDisconnected, Err: err})

	if permanent || closed {
		return
	}
	c.recon.schedule()
}

// reconnectAttempt discards old handshake state and re-runs the full connect
// sequence. There is no session resumption; the request-id counter restarts
// with the connection.
func (c *Client) reconnectAttempt() error {
	if c.session.Closed() {
		return nil
	}
	c.session.Drop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}
