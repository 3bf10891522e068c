// Package remote implements the kernel's remote transport core: one
// reconnecting, rate-limited, handshake-validated channel per peer,
// hiding transient network failures from the kernel above it.
//
// Two wire backends live beside this package: tcptransport
// (length-prefixed framing over net.Conn, the default) and
// vsocktransport (guest-to-guest vsock, for co-located microVM
// kernels).
//
// # State machine
//
//	idle ──(connection lost, not intentionally closed)──► reconnecting
//	reconnecting ──(dial+handshake ok)──► idle (backoff reset)
//	reconnecting ──(retryable failure)──► reconnecting (next attempt after backoff)
//	reconnecting ──(non-retryable failure, error pattern, or max attempts)──► permanently_failed
//	any ──(explicit ReconnectPeer)──► idle ──► reconnecting
//	any ──(Stop)──► terminal, no further work
package remote

import (
	"context"
	"time"
)

// State is a peer's position in the reconnection state machine.
type State int

const (
	StateIdle State = iota
	StateReconnecting
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// Channel is one bidirectional byte-framed connection to a peer.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens an outbound Channel to a peer using its known location
// hints (multiaddress-shaped strings; interpretation is backend-specific).
type Dialer interface {
	Dial(ctx context.Context, peerID string, hints []string) (Channel, error)
}

// Handshaker validates a freshly dialed or accepted channel before it is
// trusted with kernel traffic. A failed outbound handshake is always
// retryable.
type Handshaker interface {
	Handshake(ctx context.Context, ch Channel, peerID string) error
}

// MessageHandler receives a deserialized frame from a peer's read loop.
type MessageHandler func(from string, payload []byte)

// GiveUpHandler is invoked exactly once when a peer transitions to
// permanently_failed.
type GiveUpHandler func(peer string)

// Config tunes one Transport.
type Config struct {
	MaxRetryAttempts          int // 0 = infinite
	MaxConcurrentConnections  int
	MaxMessageSizeBytes       int
	CleanupInterval           time.Duration
	StalePeerTimeout          time.Duration
	WriteTimeout              time.Duration
	HandshakeTimeout          time.Duration
	MaxMessagesPerSecond      int
	MaxConnectionAttemptsMin  int
	// MessageWindowPeriod/ConnWindowPeriod default to 1s/1m;
	// overridable mainly so tests can shrink the
	// window without waiting a real minute for it to prune.
	MessageWindowPeriod time.Duration
	ConnWindowPeriod    time.Duration
	InitialBackoff            time.Duration
	MaxBackoff                time.Duration
	// PermanentFailureThreshold: a peer is marked
	// permanently_failed once this many consecutive fatal errors of the
	// same code land within FatalPatternWindow.
	PermanentFailureThreshold int
	FatalPatternWindow        time.Duration
	// FatalPatternCode is the error-history code treated as the
	// sustained-failure signature (default "ECONNREFUSED").
	FatalPatternCode string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = 100
	}
	if c.MaxMessageSizeBytes <= 0 {
		c.MaxMessageSizeBytes = 1 << 20
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 15 * time.Minute
	}
	if c.StalePeerTimeout <= 0 {
		c.StalePeerTimeout = time.Hour
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 100
	}
	if c.MaxConnectionAttemptsMin <= 0 {
		c.MaxConnectionAttemptsMin = 10
	}
	if c.MessageWindowPeriod <= 0 {
		c.MessageWindowPeriod = time.Second
	}
	if c.ConnWindowPeriod <= 0 {
		c.ConnWindowPeriod = time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.PermanentFailureThreshold <= 0 {
		c.PermanentFailureThreshold = 8
	}
	if c.FatalPatternWindow <= 0 {
		c.FatalPatternWindow = time.Minute
	}
	if c.FatalPatternCode == "" {
		c.FatalPatternCode = "ECONNREFUSED"
	}
	return c
}

// UserInitiatedAbortCode is the SCTP-style abort signature that
// marks a peer intentionally_closed rather than triggering reconnection.
const UserInitiatedAbortCode = 12

// ReadError wraps a channel read failure with its abort-code signature,
// when the backend can supply one (0 if unknown/not applicable).
type ReadError struct {
	AbortCode int
	Err       error
}

func (e *ReadError) Error() string {
	if e.Err == nil {
		return "remote: read error"
	}
	return "remote: read error: " + e.Err.Error()
}
func (e *ReadError) Unwrap() error { return e.Err }

// IsUserInitiatedAbort reports whether err carries the abort-code-12
// signature identifying a peer-initiated intentional close.
func IsUserInitiatedAbort(err error) bool {
	re, ok := err.(*ReadError)
	return ok && re.AbortCode == UserInitiatedAbortCode
}
