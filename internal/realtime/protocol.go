// ABOUTME: Wire protocol for the realtime push channel
// ABOUTME: JSON envelopes exchanged over websocket between terminal and authority

package realtime

import (
	"encoding/json"
	"time"
)

// Message types.
const (
	// TypeHello is the first client frame: authentication.
	TypeHello = "hello"
	// TypeJoined acknowledges authentication and names the rooms joined.
	TypeJoined = "joined"
	// TypeError reports a protocol or authentication failure before close.
	TypeError = "error"
	// TypeEntityUpdated pushes a committed entity change to a room.
	TypeEntityUpdated = "entity_updated"
	// TypePing keeps the connection warm through idle proxies.
	TypePing = "ping"
	// TypePong answers a ping.
	TypePong = "pong"
	// TypeLeave is an explicit sign-off; the server drops the connection
	// record and closes cleanly instead of waiting for the transport to die.
	TypeLeave = "leave"
)

// Error codes carried by TypeError messages.
const (
	// CodeAuthFailed means the credential was rejected. Terminals must not
	// retry with the same token.
	CodeAuthFailed = "auth_failed"
	// CodeBadMessage means a frame could not be parsed.
	CodeBadMessage = "bad_message"
)

// Change actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Envelope is the outer frame for every message. Exactly one of the typed
// payload fields is set, matching Type.
type Envelope struct {
	Type   string        `json:"type"`
	Hello  *Hello        `json:"hello,omitempty"`
	Joined *Joined       `json:"joined,omitempty"`
	Error  *ErrorInfo    `json:"error,omitempty"`
	Change *EntityChange `json:"change,omitempty"`
}

// Hello carries the terminal's credential. It must be the first frame on a
// new connection; anything else closes the socket.
type Hello struct {
	Token string `json:"token"`
}

// Joined acknowledges a successful hello.
type Joined struct {
	SocketID string   `json:"socket_id"`
	Rooms    []string `json:"rooms"`
}

// ErrorInfo describes a failure. The server closes the connection after
// sending it.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EntityChange is one committed change pushed to subscribed terminals.
// Payload is the full canonical record, ready to write into the local store.
type EntityChange struct {
	EntityType string          `json:"entity_type"`
	Action     string          `json:"action"`
	EntityID   string          `json:"entity_id"`
	BranchID   string          `json:"branch_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
