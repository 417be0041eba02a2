package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound frame discriminators sent by the push server.
const (
	FrameModeSelected = "mode_selected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameData         = "data"
	FrameError        = "error"
	FramePong         = "pong"
)

// Outbound control actions.
const (
	ActionSelectMode  = "select_mode"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"

	ModePubSub = "pubsub"
)

// Frame is the outer envelope of every inbound message. Data holds either a
// JSON-encoded string (the documented form) or an inline JSON value.
type Frame struct {
	Type      string          `json:"type"`
	Pattern   string          `json:"pattern,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Patterns  []string        `json:"patterns,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// DecodeFrame parses one inbound text message.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// Payload returns the raw bytes of the data field. A JSON string is unquoted
// so callers always receive the encoded document itself.
func (f Frame) Payload() ([]byte, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("frame on %q carries no data", f.Channel)
	}
	if data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unquote frame data: %w", err)
	}
	return []byte(s), nil
}

// ControlFrame is an outbound request to the push server.
type ControlFrame struct {
	Action   string   `json:"action"`
	Mode     string   `json:"mode,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// ConnectionEventKind names a connection lifecycle transition.
type ConnectionEventKind string

const (
	EventConnected       ConnectionEventKind = "connected"
	EventDisconnected    ConnectionEventKind = "disconnected"
	EventReconnecting    ConnectionEventKind = "reconnecting"
	EventReconnected     ConnectionEventKind = "reconnected"
	EventReconnectFailed ConnectionEventKind = "reconnect_failed"
	EventServerError     ConnectionEventKind = "server_error"
)

// ConnectionEvent is pushed to the UI layer on connection state changes.
type ConnectionEvent struct {
	Kind    ConnectionEventKind `json:"kind"`
	Attempt int                 `json:"attempt,omitempty"`
	Message string              `json:"message,omitempty"`
	Time    time.Time           `json:"time"`
}
