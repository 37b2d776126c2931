// Package protocol defines the gateway wire protocol: the req/res/event frame
// envelope, the connect handshake payloads, and the inbound agent/chat event
// shapes pushed by the gateway during a turn.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol versions negotiated during the connect handshake.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Frame types on the wire.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Event names pushed by the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventAgent            = "agent"
	EventChat             = "chat"
	EventTick             = "tick"
	EventHealth           = "health"
	EventHeartbeat        = "heartbeat"
	EventPresence         = "presence"
)

// Request methods.
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
)

// Frame is the single wire envelope. Exactly one of the req/res/event field
// groups is populated depending on Type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *GatewayError   `json:"error,omitempty"`
}

// IsOK reports whether a response frame carries ok=true.
func (f *Frame) IsOK() bool {
	return f.OK != nil && *f.OK
}

// ParseFrame decodes a raw wire message into a Frame. A frame without a
// recognized type is rejected so the caller can drop it.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case FrameTypeRequest, FrameTypeResponse, FrameTypeEvent:
		return &f, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// NewRequest builds a request frame with marshaled params. Marshal failures
// produce a frame with empty params; the gateway rejects it and the caller
// sees the error through the normal response path.
func NewRequest(id, method string, params interface{}) *Frame {
	var raw json.RawMessage
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			raw = data
		}
	}
	return &Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}
}

// GatewayError is a server-reported error on a res frame or error event.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
	Locale      string     `json:"locale,omitempty"`
	UserAgent   string     `json:"userAgent,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthInfo carries the gateway auth token.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
}

// HelloOKType is the payload.type marking a successful handshake.
const HelloOKType = "hello-ok"

// ChatSendParams is the params object of chat.send. IdempotencyKey is a fresh
// unique token per send; the gateway deduplicates on it should a retry ever
// deliver the request twice.
type ChatSendParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatSendAck is the acknowledgement payload of a chat.send response. The
// actual turn content arrives later on the event stream, correlated by
// session key.
type ChatSendAck struct {
	RunID string `json:"runId,omitempty"`
}
