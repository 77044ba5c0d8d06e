package api

import (
	"github.com/skobkin/hosttop-web/internal/sampler"
)

// Message types exchanged over the WebSocket stream.
const (
	TypeHello      = "hello"
	TypeSnapshot   = "snapshot"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeKill       = "kill"
	TypeKillResult = "kill_result"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Host       *sampler.Host   `json:"host,omitempty"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, host *sampler.Host, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		Host:       host,
		Features:   features,
	}
}

// SnapshotMessage wraps a sampler snapshot for transport.
type SnapshotMessage struct {
	Type string `json:"type"`
	sampler.Snapshot
}

// NewSnapshotMessage constructs a snapshot payload.
func NewSnapshotMessage(snapshot sampler.Snapshot) SnapshotMessage {
	return SnapshotMessage{
		Type:     TypeSnapshot,
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// KillMessage asks the server to terminate a process.
type KillMessage struct {
	Type string `json:"type"`
	PID  int    `json:"pid"`
}

// KillResultMessage reports the outcome of a kill request.
type KillResultMessage struct {
	Type   string `json:"type"`
	PID    int    `json:"pid"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
