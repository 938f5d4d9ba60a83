// Package business provides the core business logic for the link service:
// the session registry mapping users to live connections, handshake
// authentication, heartbeat liveness monitoring and typed message routing.
package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Kind identifies the routing behaviour of a message envelope.
type Kind string

const (
	KindText      Kind = "TEXT"
	KindHeartbeat Kind = "HEARTBEAT"
	KindSystem    Kind = "SYSTEM"
	KindBroadcast Kind = "BROADCAST"
	KindPrivate   Kind = "PRIVATE"
	KindAuth      Kind = "AUTH"
)

// Valid reports whether k is one of the wire-level message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindHeartbeat, KindSystem, KindBroadcast, KindPrivate, KindAuth:
		return true
	default:
		return false
	}
}

// ErrMalformedMessage is returned when an inbound payload cannot be decoded
// into a valid envelope. The connection stays open; the origin is notified.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the wire envelope exchanged with clients. Envelopes are
// immutable once routed; every send constructs a fresh one.
type Message struct {
	MessageID  string            `json:"messageId"`
	Kind       Kind              `json:"type"`
	FromUserID string            `json:"fromUserId,omitempty"`
	ToUserID   string            `json:"toUserId,omitempty"`
	Content    string            `json:"content,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Encode serialises the envelope to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an inbound payload into an envelope.
// Returns ErrMalformedMessage (wrapped) on bad JSON or an unknown kind.
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, string(m.Kind))
	}
	return &m, nil
}

// Connection abstracts one duplex transport handle between this process and
// a remote peer. The transport layer owns the handle and serialises
// concurrent writes; this package only references it and never assumes
// exclusive write access.
type Connection interface {
	// ID returns a stable opaque identity for this handle.
	ID() string
	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
	// Send writes one payload frame. Transport errors are returned, not
	// panicked; sending on a closed connection is an error the caller may
	// treat as a skip.
	Send(ctx context.Context, payload []byte) error
	// IsActive reports whether the handle is still open.
	IsActive() bool
	// Close tears the connection down, delivering reason to the peer where
	// the protocol affords it. Idempotent.
	Close(reason string) error
}

// ConnContext carries the per-connection session state created at
// authentication time. It is passed by reference through the gate, router
// and heartbeat monitor instead of being looked up by dynamic key.
type ConnContext struct {
	UserID          string
	AuthenticatedAt time.Time
	Conn            Connection
	Heartbeat       *HeartbeatState

	// released latches the first teardown of this session. The heartbeat
	// expiry path and the transport read loop both release the same context
	// when they race; only one of them may touch shared counters.
	released atomic.Bool
}

// SessionRecord is the presence metadata stored in the distributed cache so
// other service instances can see which users this instance holds.
type SessionRecord struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	ConnectedAt  int64  `json:"connected_at"` // Unix timestamp
	InstanceID   string `json:"instance_id"`  // Which link instance owns this connection
}

// LifecycleHooks lets the embedding application observe session changes.
// Hooks are invoked outside registry critical sections and must not block
// for long; slow work belongs on a worker pool.
type LifecycleHooks struct {
	OnConnected    func(userID string, conn Connection)
	OnDisconnected func(userID string, conn Connection)
}
