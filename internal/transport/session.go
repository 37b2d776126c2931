// Package transport owns the raw WebSocket connection to the gateway: dial,
// the continuous receive loop, and failure detection. It never interprets
// frames beyond envelope parsing; everything parsed is handed upward.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/codefionn/clawlink/internal/logger"
	"github.com/codefionn/clawlink/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Timeout for the initial dial.
	dialTimeout = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// ErrConnectionLost indicates the receive loop terminated on a transport
// failure. Wrapped around the underlying read error.
var ErrConnectionLost = errors.New("connection lost")

// ErrNotConnected is returned by Write when no connection is open.
var ErrNotConnected = errors.New("not connected")

// TrustPolicy decides whether a gateway host is trusted despite failing
// standard TLS verification. Private deployments run self-signed gateways, so
// trust is pluggable rather than hard-coded. A nil policy means standard
// verification only.
type TrustPolicy func(host string) bool

// FrameHandler receives every successfully parsed inbound frame, in receive
// order. The handler runs on the receive goroutine; it must hand off quickly.
type FrameHandler func(frame *protocol.Frame)

// ClosedHandler is invoked exactly once per connection when the receive loop
// stops. permanent is true only for an explicit Disconnect; transient
// failures leave reconnection to the caller.
type ClosedHandler func(err error, permanent bool)

// Session owns one WebSocket connection at a time. Connect is idempotent and
// Disconnect is the only path that permanently stops the session.
type Session struct {
	trust    TrustPolicy
	onFrame  FrameHandler
	onClosed ClosedHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool // set by Disconnect, never cleared
	notified bool // disconnect notification emitted for current conn
}

// NewSession creates a transport session. Both handlers are required.
func NewSession(onFrame FrameHandler, onClosed ClosedHandler, trust TrustPolicy) *Session {
	return &Session{
		trust:    trust,
		onFrame:  onFrame,
		onClosed: onClosed,
	}
}

// Connect dials the gateway and starts the receive loop. A no-op when a
// connection already exists. The session never sends unprompted: the server
// opens the conversation with its challenge event.
func (s *Session) Connect(ctx context.Context, gatewayURL string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	u, err := url.Parse(gatewayURL)
	if err != nil {
		return fmt.Errorf("invalid gateway URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	if u.Scheme == "wss" && s.trust != nil && s.trust(u.Hostname()) {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", gatewayURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("session is closed")
	}
	s.conn = conn
	s.notified = false
	s.mu.Unlock()

	go s.readLoop(conn)

	logger.Info("transport: connected to %s", gatewayURL)
	return nil
}

// readLoop reads frames until the connection fails or is torn down. Frames
// are handed to the handler synchronously so receive order is preserved
// end-to-end.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleFailure(conn, err)
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			// Malformed frames are dropped, never fatal.
			logger.Warn("transport: dropping frame: %v", err)
			continue
		}
		s.onFrame(frame)
	}
}

// handleFailure tears down the current connection and notifies exactly once.
func (s *Session) handleFailure(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.notified {
		s.mu.Unlock()
		return
	}
	s.notified = true
	s.conn = nil
	permanent := s.closed
	s.mu.Unlock()

	conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Warn("transport: read error: %v", err)
	}
	s.onClosed(fmt.Errorf("%w: %v", ErrConnectionLost, err), permanent)
}

// Write marshals and sends a frame. Legal only while a connection is open.
func (s *Session) Write(frame *protocol.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Drop closes the current connection, if any, without marking the session
// permanently closed. Used when discarding stale transport state before a
// reconnect attempt.
func (s *Session) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.notified = true
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Disconnect permanently stops the session: no further connects, no
// reconnection. Safe to call multiple times.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	logger.Info("transport: disconnected")
}

// Closed reports whether Disconnect has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
