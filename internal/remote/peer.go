package remote

import (
	"sync"
	"time"

	"github.com/ocapkernel/kernel/internal/remote/ratelimit"
)

// errorEvent is one entry in a peer's rolling error history.
type errorEvent struct {
	code string
	at   time.Time
}

// errorRing is a bounded ring buffer of recent error codes, used to
// detect the sustained-fatal-pattern permanence rule.
type errorRing struct {
	mu     sync.Mutex
	events []errorEvent
	cap    int
}

func newErrorRing(capacity int) *errorRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &errorRing{cap: capacity}
}

// Record appends code at ts, evicting the oldest entry once full.
func (r *errorRing) Record(code string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, errorEvent{code: code, at: ts})
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
}

// ConsecutiveFatal counts the trailing run of entries matching code,
// all within window of now, i.e. "how many times in a row, most
// recently, has this exact fatal code fired".
func (r *errorRing) ConsecutiveFatal(code string, window time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-window)
	count := 0
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.at.Before(cutoff) || e.code != code {
			break
		}
		count++
	}
	return count
}

// Peer holds everything the transport tracks about one remote kernel
//. A single mutex protects the mutable fields; Channel
// replacement always goes through Transport.attachChannel so
// the "at most one active channel" invariant holds.
type Peer struct {
	ID string

	mu                  sync.Mutex
	channel             Channel
	locationHints       map[string]struct{}
	lastActivity        time.Time
	intentionallyClosed bool
	state               State
	reconnectAttempts   int
	gaveUp              bool

	errorHistory *errorRing
	msgWindow    *ratelimit.Window
	connWindow   *ratelimit.Window
}

func newPeer(id string, cfg Config) *Peer {
	return &Peer{
		ID:            id,
		locationHints: make(map[string]struct{}),
		lastActivity:  time.Now(),
		state:         StateIdle,
		errorHistory:  newErrorRing(64),
		msgWindow:     ratelimit.New(cfg.MaxMessagesPerSecond, cfg.MessageWindowPeriod),
		connWindow:    ratelimit.New(cfg.MaxConnectionAttemptsMin, cfg.ConnWindowPeriod),
	}
}

// Channel returns the peer's current channel, or nil if none.
func (p *Peer) Channel() Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// State returns the peer's current reconnection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IntentionallyClosed reports whether the peer was last closed on
// purpose (suppressing automatic reconnection).
func (p *Peer) IntentionallyClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intentionallyClosed
}

// LocationHints returns a snapshot of the peer's known dial addresses.
func (p *Peer) LocationHints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.locationHints))
	for h := range p.locationHints {
		out = append(out, h)
	}
	return out
}

func (p *Peer) addHints(hints []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hints {
		p.locationHints[h] = struct{}{}
	}
}

// touch records successful traffic, resetting backoff.
func (p *Peer) touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = time.Now()
	p.reconnectAttempts = 0
}

// resetBackoff zeroes the attempt counter without touching activity,
// used by the process-wide wake-detector reset.
func (p *Peer) resetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnectAttempts = 0
}

// LastActivity reports the last time traffic was observed on this peer.
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// ReconnectAttempts reports the current backoff attempt counter.
func (p *Peer) ReconnectAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnectAttempts
}
