package gateway

import (
	"fmt"
	"strconv"
)

// ConnectionState tracks handshake progress. Transitions only move forward
// except the reset to Disconnected on failure or disconnect.
type ConnectionState int

const (
	// StateDisconnected means no usable connection exists.
	StateDisconnected ConnectionState = iota
	// StateAwaitingChallenge means the socket is open and the client waits
	// for the server's connect.challenge event.
	StateAwaitingChallenge
	// StateAwaitingHelloOK means the connect request was sent and the client
	// waits for the hello-ok response.
	StateAwaitingHelloOK
	// StateConnected means the handshake completed; sends are legal.
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAwaitingHelloOK:
		return "awaiting-hello-ok"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// sessionState is the single home of connection-scoped mutable state. All
// mutation goes through the named transition methods below; the owning Client
// serializes access.
type sessionState struct {
	conn          ConnectionState
	nextRequestID int64
	connectReqID  string
	protocol      int
	generation    uint64
}

func newSessionState() *sessionState {
	return &sessionState{nextRequestID: 1}
}

// beginConnection resets per-connection state for a fresh transport. The
// request-id counter restarts at 1; ids are scoped to one connection
// lifetime. The generation counter increments so deferred actions belonging
// to the old connection become no-ops.
func (st *sessionState) beginConnection() {
	st.conn = StateAwaitingChallenge
	st.nextRequestID = 1
	st.connectReqID = ""
	st.protocol = 0
	st.generation++
}

// challengeReceived moves to awaiting hello-ok and allocates the connect
// request id. Returns false when the challenge is a duplicate.
func (st *sessionState) challengeReceived() (reqID string, ok bool) {
	if st.conn != StateAwaitingChallenge {
		return "", false
	}
	st.connectReqID = st.takeRequestID()
	st.conn = StateAwaitingHelloOK
	return st.connectReqID, true
}

// helloOK completes the handshake.
func (st *sessionState) helloOK(negotiated int) error {
	if st.conn != StateAwaitingHelloOK {
		return fmt.Errorf("hello-ok in state %s", st.conn)
	}
	st.conn = StateConnected
	st.protocol = negotiated
	return nil
}

// dropConnection resets to Disconnected on failure or explicit disconnect.
func (st *sessionState) dropConnection() {
	st.conn = StateDisconnected
	st.connectReqID = ""
	st.generation++
}

// takeRequestID returns the next request id, strictly increasing within the
// connection.
func (st *sessionState) takeRequestID() string {
	id := st.nextRequestID
	st.nextRequestID++
	return strconv.FormatInt(id, 10)
}
