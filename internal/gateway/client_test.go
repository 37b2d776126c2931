package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/clawlink/internal/logger"
	"github.com/codefionn/clawlink/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is the server side of one accepted WebSocket connection.
type fakeConn struct {
	ws       *websocket.Conn
	requests chan *protocol.Frame
}

// newFakeGateway starts an in-process gateway endpoint. Every accepted
// connection is delivered on the returned channel with its inbound requests
// already being drained into fakeConn.requests.
func newFakeGateway(t *testing.T) (wsURL string, conns chan *fakeConn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns = make(chan *fakeConn, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{ws: ws, requests: make(chan *protocol.Frame, 16)}
		go func() {
			defer close(fc.requests)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				if frame, err := protocol.ParseFrame(data); err == nil {
					fc.requests <- frame
				}
			}
		}()
		conns <- fc
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func (fc *fakeConn) sendEvent(t *testing.T, event string, payload interface{}) {
	t.Helper()
	err := fc.ws.WriteJSON(&protocol.Frame{
		Type:    protocol.FrameTypeEvent,
		Event:   event,
		Payload: mustRaw(t, payload),
	})
	require.NoError(t, err)
}

func (fc *fakeConn) sendResponse(t *testing.T, id string, ok bool, payload interface{}, gerr *protocol.GatewayError) {
	t.Helper()
	frame := &protocol.Frame{
		Type:  protocol.FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: gerr,
	}
	if payload != nil {
		frame.Payload = mustRaw(t, payload)
	}
	require.NoError(t, fc.ws.WriteJSON(frame))
}

func (fc *fakeConn) waitRequest(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case frame, ok := <-fc.requests:
		if !ok {
			t.Fatal("connection closed while waiting for a request")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
	}
	return nil
}

func waitConn(t *testing.T, conns chan *fakeConn) *fakeConn {
	t.Helper()
	select {
	case fc := <-conns:
		return fc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
	}
	return nil
}

// completeHandshake drives the server side of the connect handshake and
// returns the client's connect request.
func (fc *fakeConn) completeHandshake(t *testing.T) *protocol.Frame {
	t.Helper()
	fc.sendEvent(t, protocol.EventConnectChallenge, protocol.ChallengePayload{Nonce: "n-1"})

	req := fc.waitRequest(t)
	require.Equal(t, protocol.MethodConnect, req.Method)
	fc.sendResponse(t, req.ID, true, protocol.HelloOK{Type: protocol.HelloOKType, Protocol: 3}, nil)
	return req
}

func waitNote(t *testing.T, ch <-chan Notification, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("notification channel closed waiting for %s", kind)
			}
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

type fakeHook struct {
	mu         sync.Mutex
	handshakes int
	busy       bool
	suppress   bool
	claim      bool
	finals     []string
}

func (h *fakeHook) HandshakeComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handshakes++
}

func (h *fakeHook) SuppressDeltas() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suppress
}

func (h *fakeHook) ConsumeFinal(text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finals = append(h.finals, text)
	return h.claim
}

func (h *fakeHook) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(Config{
		GatewayURL:     url,
		Token:          "secret",
		SessionKey:     "main",
		Locale:         "en-US",
		ReconnectDelay: 50 * time.Millisecond,
	})
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func TestHandshake(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)

	req := fc.completeHandshake(t)
	assert.Equal(t, "1", req.ID, "the connect request uses the first id of the connection")

	var params protocol.ConnectParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, 3, params.MinProtocol)
	assert.Equal(t, 3, params.MaxProtocol)
	assert.Equal(t, "operator", params.Role)
	assert.Equal(t, []string{"operator.read", "operator.write"}, params.Scopes)
	assert.Equal(t, "ui", params.Client.Mode)
	require.NotNil(t, params.Auth)
	assert.Equal(t, "secret", params.Auth.Token)

	n := waitNote(t, c.Notifications(), NoteConnected)
	assert.Equal(t, 3, n.Protocol)

	state, proto := c.State()
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, 3, proto)
}

func TestHandshakeRejected(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)

	fc.sendEvent(t, protocol.EventConnectChallenge, protocol.ChallengePayload{Nonce: "n-1"})
	req := fc.waitRequest(t)
	fc.sendResponse(t, req.ID, false, nil, &protocol.GatewayError{Code: "NOT_AUTHORIZED", Message: "bad token"})

	n := waitNote(t, c.Notifications(), NoteError)
	assert.Contains(t, n.Err.Error(), "NOT_AUTHORIZED")

	state, _ := c.State()
	assert.Equal(t, StateDisconnected, state)
	assert.False(t, c.ReconnectPending(), "a rejected handshake must not trigger reconnection")
}

func TestDuplicateChallengeIgnored(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)
	waitNote(t, c.Notifications(), NoteConnected)

	fc.sendEvent(t, protocol.EventConnectChallenge, protocol.ChallengePayload{Nonce: "n-2"})

	// A sentinel delta proves the duplicate was processed without a second
	// connect request.
	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "sentinel"},
	})
	waitNote(t, c.Notifications(), NoteTextDelta)

	select {
	case req := <-fc.requests:
		t.Fatalf("unexpected request %s after duplicate challenge", req.Method)
	default:
	}
}

func TestSessionKeyFilter(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "other",
		"data": map[string]interface{}{"delta": "IGNORED"},
	})
	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "VISIBLE"},
	})

	n := waitNote(t, c.Notifications(), NoteTextDelta)
	assert.Equal(t, "VISIBLE", n.Text)
}

func TestCumulativeTextNeverForwarded(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	// Cumulative snapshots carry text but no delta; forwarding them would
	// duplicate content already shown.
	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"text": "Hello wor"},
	})
	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "ld", "text": "Hello world"},
	})

	n := waitNote(t, c.Notifications(), NoteTextDelta)
	assert.Equal(t, "ld", n.Text)
}

func TestThinkingAndLifecycle(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "thinking", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "pondering"},
	})
	n := waitNote(t, c.Notifications(), NoteThinkingDelta)
	assert.Equal(t, "pondering", n.Text)

	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "lifecycle", "sessionKey": "main",
		"data": map[string]interface{}{"phase": "end"},
	})
	waitNote(t, c.Notifications(), NoteTurnFinished)
}

func TestToolEventAndWorkspaceWriteObservation(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "tool", "sessionKey": "main",
		"data": map[string]interface{}{
			"name": "write",
			"args": map[string]interface{}{
				"path":    "/workspace/IDENTITY.md",
				"content": "- **Name:** Otty",
			},
		},
	})

	n := waitNote(t, c.Notifications(), NoteToolEvent)
	assert.Equal(t, "write", n.Tool.Name)
	assert.Equal(t, "/workspace/IDENTITY.md", n.Tool.Path)

	n = waitNote(t, c.Notifications(), NoteIdentityUpdated)
	assert.Equal(t, "- **Name:** Otty", n.Text)
}

func TestChatDeltaToolSummary(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	fc.sendEvent(t, protocol.EventChat, map[string]interface{}{
		"state": "delta", "sessionKey": "main",
		"message": "📄 read: USER.md",
	})

	n := waitNote(t, c.Notifications(), NoteToolEvent)
	assert.Equal(t, "read", n.Tool.Name)
	assert.Equal(t, "USER.md", n.Tool.Path)
}

func TestChatFinalClaimedByHook(t *testing.T) {
	url, conns := newFakeGateway(t)
	hook := &fakeHook{claim: true}

	c := New(Config{GatewayURL: url, SessionKey: "main", ReconnectDelay: 50 * time.Millisecond})
	t.Cleanup(c.Close)
	c.SetSyncHook(hook)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	fc := waitConn(t, conns)
	fc.completeHandshake(t)
	waitNote(t, c.Notifications(), NoteConnected)

	assert.Eventually(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return hook.handshakes == 1
	}, time.Second, 10*time.Millisecond)

	fc.sendEvent(t, protocol.EventChat, map[string]interface{}{
		"state": "final", "sessionKey": "main", "message": "---IDENTITY--- ...",
	})

	hook.mu.Lock()
	hook.claim = false
	hook.mu.Unlock()

	fc.sendEvent(t, protocol.EventChat, map[string]interface{}{
		"state": "final", "sessionKey": "main", "message": "visible reply",
	})

	n := waitNote(t, c.Notifications(), NoteFinalText)
	assert.Equal(t, "visible reply", n.Text, "claimed finals never reach the transcript")

	hook.mu.Lock()
	assert.Equal(t, []string{"---IDENTITY--- ...", "visible reply"}, hook.finals)
	hook.mu.Unlock()
}

func TestDeltaSuppressionDuringSync(t *testing.T) {
	url, conns := newFakeGateway(t)
	hook := &fakeHook{suppress: true}

	c := New(Config{GatewayURL: url, SessionKey: "main", ReconnectDelay: 50 * time.Millisecond})
	t.Cleanup(c.Close)
	c.SetSyncHook(hook)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "HIDDEN"},
	})

	hook.mu.Lock()
	hook.suppress = false
	hook.mu.Unlock()

	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "SHOWN"},
	})

	n := waitNote(t, c.Notifications(), NoteTextDelta)
	assert.Equal(t, "SHOWN", n.Text)
}

func TestSendOutsideConnectedState(t *testing.T) {
	c := New(Config{GatewayURL: "ws://127.0.0.1:1/ws", SessionKey: "main"})
	t.Cleanup(c.Close)

	err := c.Send(protocol.MethodChatSend, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendChatRejectedWhileSyncing(t *testing.T) {
	c := New(Config{GatewayURL: "ws://127.0.0.1:1/ws", SessionKey: "main"})
	t.Cleanup(c.Close)
	c.SetSyncHook(&fakeHook{busy: true})

	err := c.SendChat("hello")
	assert.ErrorIs(t, err, ErrSyncInFlight)
}

func TestReconnectRunsFullHandshake(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)
	waitNote(t, c.Notifications(), NoteConnected)

	// Advance the request-id counter past 1 on the first connection.
	require.NoError(t, c.SendChat("hi"))
	chat := fc.waitRequest(t)
	assert.Equal(t, "2", chat.ID)
	assert.Equal(t, protocol.MethodChatSend, chat.Method)

	fc.ws.Close()
	waitNote(t, c.Notifications(), NoteDisconnected)

	fc2 := waitConn(t, conns)
	req := fc2.completeHandshake(t)
	assert.Equal(t, "1", req.ID, "reconnection restarts the id counter")
	assert.Equal(t, protocol.MethodConnect, req.Method)

	n := waitNote(t, c.Notifications(), NoteConnected)
	assert.Equal(t, 3, n.Protocol)
}

func TestCloseStopsReconnection(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)
	waitNote(t, c.Notifications(), NoteConnected)

	c.Close()

	deadline := time.After(time.Second)
	for open := true; open; {
		select {
		case _, ok := <-c.Notifications():
			open = ok
		case <-deadline:
			t.Fatal("notification channel did not close")
		}
	}

	select {
	case fc2 := <-conns:
		fc2.ws.Close()
		t.Fatal("client reconnected after Close")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKeepaliveEventsDropped(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)
	waitNote(t, c.Notifications(), NoteConnected)

	for _, name := range []string{protocol.EventTick, protocol.EventHealth, protocol.EventHeartbeat, protocol.EventPresence} {
		fc.sendEvent(t, name, map[string]interface{}{})
	}
	fc.sendEvent(t, protocol.EventAgent, map[string]interface{}{
		"stream": "assistant", "sessionKey": "main",
		"data": map[string]interface{}{"delta": "after"},
	})

	n := waitNote(t, c.Notifications(), NoteTextDelta)
	assert.Equal(t, "after", n.Text)
}

func TestLogLinesReachNotifications(t *testing.T) {
	c := New(Config{GatewayURL: "ws://127.0.0.1:1/ws", SessionKey: "main"})
	t.Cleanup(c.Close)

	log, err := logger.New(logger.LevelInfo, "", "")
	require.NoError(t, err)
	log.SetTap(c.LogLine)

	log.Info("tapped %s", "line")
	log.Debug("filtered out")

	n := waitNote(t, c.Notifications(), NoteLogLine)
	assert.True(t, strings.HasSuffix(n.Text, "tapped line"), "got %q", n.Text)

	select {
	case extra := <-c.Notifications():
		t.Fatalf("unexpected notification %s", extra.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectRetriesAfterRejection(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)

	fc.sendEvent(t, protocol.EventConnectChallenge, protocol.ChallengePayload{Nonce: "n-1"})
	req := fc.waitRequest(t)
	fc.sendResponse(t, req.ID, false, nil, &protocol.GatewayError{Code: "NOT_AUTHORIZED", Message: "bad token"})
	waitNote(t, c.Notifications(), NoteError)

	// The rejected connection is discarded, so a retry dials fresh.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	fc2 := waitConn(t, conns)
	fc2.completeHandshake(t)

	n := waitNote(t, c.Notifications(), NoteConnected)
	assert.Equal(t, 3, n.Protocol)
}

func TestChatAbortedEndsTurn(t *testing.T) {
	url, conns := newFakeGateway(t)
	c := newTestClient(t, url)
	fc := waitConn(t, conns)
	fc.completeHandshake(t)

	fc.sendEvent(t, protocol.EventChat, map[string]interface{}{
		"state": "aborted", "sessionKey": "main",
	})
	waitNote(t, c.Notifications(), NoteTurnFinished)
}
