package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/retry"
)

// Transport owns at most one active Channel per peer and hides
// reconnection, rate limiting, and handshake validation behind
// SendRemoteMessage/CloseConnection/ReconnectPeer.
type Transport struct {
	cfg        Config
	dialer     Dialer
	handshaker Handshaker
	handler    MessageHandler
	onGiveUp   GiveUpHandler

	mu    sync.RWMutex
	peers map[string]*Peer

	activeConns sync.WaitGroup // tracks readLoop goroutines for Stop
	wake        *retry.WakeDetector

	stopOnce sync.Once
	stopped  chan struct{}
	stopCtx  context.Context
	cancel   context.CancelFunc
}

// NewTransport wires a Transport over its dial/handshake/handler
// dependencies. onGiveUp may be nil.
func NewTransport(cfg Config, dialer Dialer, handshaker Handshaker, handler MessageHandler, onGiveUp GiveUpHandler) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:        cfg,
		dialer:     dialer,
		handshaker: handshaker,
		handler:    handler,
		onGiveUp:   onGiveUp,
		peers:      make(map[string]*Peer),
		stopped:    make(chan struct{}),
		stopCtx:    ctx,
		cancel:     cancel,
	}
	t.wake = retry.StartWakeDetector(retry.WakeConfig{}, t.onWake)
	return t
}

func (t *Transport) onWake() {
	retry.BumpWakeGeneration()
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()
	for _, p := range peers {
		p.resetBackoff()
	}
	logging.Op().Info("remote: wake detected, reset backoff for all peers", "peer_count", len(peers))
}

// peerFor returns the peer record for id, creating one if unseen.
func (t *Transport) peerFor(id string) *Peer {
	t.mu.RLock()
	p, ok := t.peers[id]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		return p
	}
	p = newPeer(id, t.cfg)
	t.peers[id] = p
	return p
}

func (t *Transport) setState(p *Peer, s State) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()
	if changed {
		metrics.RecordPeerStateTransition(p.ID, s.String())
		metrics.SetPeerState(p.ID, int(s))
		t.refreshPeerGauges()
	}
}

func (t *Transport) refreshPeerGauges() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var connected, reconnecting, failed int64
	for _, p := range t.peers {
		switch p.State() {
		case StateIdle:
			connected++
		case StateReconnecting:
			reconnecting++
		case StatePermanentlyFailed:
			failed++
		}
	}
	metrics.Global().PeersConnected.Store(connected)
	metrics.Global().PeersReconnecting.Store(reconnecting)
	metrics.Global().PeersFailed.Store(failed)
	metrics.SetPrometheusPeerCounts(connected, reconnecting, failed)
}

// RegisterLocationHints records additional dial addresses for a peer.
func (t *Transport) RegisterLocationHints(peerID string, hints []string) {
	t.peerFor(peerID).addHints(hints)
}

// SendRemoteMessage delivers payload to peerID over its current channel,
// dialing one first if none exists. A message-rate overflow surfaces as
// a retryable ResourceLimitError without touching the connection state.
func (t *Transport) SendRemoteMessage(ctx context.Context, peerID string, payload []byte) error {
	if len(payload) > t.cfg.MaxMessageSizeBytes {
		return &kernelerr.NonRetryableError{Op: "send", Err: fmt.Errorf("remote: message of %d bytes exceeds max %d", len(payload), t.cfg.MaxMessageSizeBytes)}
	}

	p := t.peerFor(peerID)
	if ok, n := p.msgWindow.Allow(); !ok {
		return &kernelerr.ResourceLimitError{LimitType: kernelerr.LimitMessagesPerSecond, Current: n, Limit: t.cfg.MaxMessagesPerSecond}
	}

	ch := p.Channel()
	if ch == nil {
		if err := t.dialOnce(ctx, p); err != nil {
			return err
		}
		ch = p.Channel()
	}
	if ch == nil {
		return &kernelerr.RetryableNetworkError{Op: "send", Err: fmt.Errorf("remote: no channel for peer %s", peerID)}
	}

	start := time.Now()
	err := ch.Send(ctx, payload)
	metrics.RecordRemoteSendLatency("remote", float64(time.Since(start).Milliseconds()))
	if err != nil {
		t.handleChannelFailure(p, err)
		return &kernelerr.RetryableNetworkError{Op: "send", Err: err}
	}
	p.touch()
	return nil
}

// CloseConnection closes peerID's active channel (if any) and marks the
// peer intentionally_closed, suppressing automatic reconnection.
func (t *Transport) CloseConnection(peerID string) error {
	p := t.peerFor(peerID)
	p.mu.Lock()
	p.intentionallyClosed = true
	ch := p.channel
	p.channel = nil
	p.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// ReconnectPeer forces peerID back to idle→reconnecting regardless of
// its current state (including permanently_failed — an operator-issued
// retry), and starts a reconnection loop.
func (t *Transport) ReconnectPeer(ctx context.Context, peerID string, hints []string) error {
	p := t.peerFor(peerID)
	p.addHints(hints)

	p.mu.Lock()
	p.intentionallyClosed = false
	p.gaveUp = false
	p.reconnectAttempts = 0
	p.mu.Unlock()

	t.setState(p, StateIdle)
	go t.reconnectLoop(p)
	return nil
}

// Stop halts all reconnection loops and read loops; no further work is
// scheduled after it returns.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		close(t.stopped)
		t.wake.Stop()
	})
	t.activeConns.Wait()
}

func (t *Transport) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// HandleInbound registers an inbound-accepted channel for peerID,
// subject to the same race handling as an outbound dial and
// the intentional-close rejection below.
func (t *Transport) HandleInbound(peerID string, ch Channel) error {
	p := t.peerFor(peerID)
	if p.IntentionallyClosed() {
		ch.Close()
		return fmt.Errorf("remote: inbound connection from intentionally-closed peer %s dropped", peerID)
	}
	if err := t.attachChannel(p, ch, false); err != nil {
		return err
	}
	t.setState(p, StateIdle)
	p.touch()
	t.startReadLoop(p, ch)
	return nil
}

// dialOnce performs a single dial+handshake+attach cycle outside the
// backoff loop (used for a fresh SendRemoteMessage with no channel yet).
func (t *Transport) dialOnce(ctx context.Context, p *Peer) error {
	p.mu.Lock()
	attempt := p.reconnectAttempts + 1
	p.mu.Unlock()
	return t.dialAttempt(ctx, p, attempt)
}

// dialAttempt performs the full dial sequence for one attempt
// numbered attempt (1-based). It returns a classified error on failure;
// callers decide whether the attempt counter should be retained.
func (t *Transport) dialAttempt(ctx context.Context, p *Peer, attempt int) error {
	// Step 1: rate-limit the dial attempt. Overflow here must NOT consume
	// a reconnection attempt, signalled to callers via the
	// specific ResourceLimitError type so reconnectLoop can avoid
	// incrementing its counter.
	if ok, n := p.connWindow.Allow(); !ok {
		return &kernelerr.ResourceLimitError{LimitType: kernelerr.LimitConnectionsPerMinute, Current: n, Limit: t.cfg.MaxConnectionAttemptsMin}
	}

	hints := p.LocationHints()
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	ch, err := t.dialer.Dial(dialCtx, p.ID, hints)
	if err != nil {
		return &kernelerr.RetryableNetworkError{Op: "dial", Err: err}
	}

	// Step 2: outbound handshake; failure is always retryable.
	if t.handshaker != nil {
		if err := t.handshaker.Handshake(dialCtx, ch, p.ID); err != nil {
			ch.Close()
			return &kernelerr.RetryableNetworkError{Op: "handshake", Err: err}
		}
	}

	if err := t.attachChannel(p, ch, true); err != nil {
		return err
	}

	metrics.RecordReconnectAttempt(p.ID, "success")
	t.startReadLoop(p, ch)
	return nil
}

// attachChannel resolves a dial race against
// an inbound channel, then re-check the global connection limit before
// committing. dialed is true when ch came from an outbound dial (the
// connection-limit overflow case below then DOES consume the caller's
// reconnection attempt, since a dial already happened).
func (t *Transport) attachChannel(p *Peer, ch Channel, dialed bool) error {
	p.mu.Lock()
	if p.channel != nil && p.channel != ch {
		p.mu.Unlock()
		ch.Close()
		return nil // keep the existing channel, discard the race loser
	}
	p.channel = ch
	p.mu.Unlock()

	if t.concurrentConnectionCount() > t.cfg.MaxConcurrentConnections {
		p.mu.Lock()
		if p.channel == ch {
			p.channel = nil
		}
		p.mu.Unlock()
		ch.Close()
		return &kernelerr.ResourceLimitError{LimitType: "maxConcurrentConnections", Current: t.concurrentConnectionCount(), Limit: t.cfg.MaxConcurrentConnections}
	}
	return nil
}

func (t *Transport) concurrentConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if p.Channel() != nil {
			n++
		}
	}
	return n
}

// reconnectLoop drives one peer through reconnecting until it reaches
// idle (success), permanently_failed, or the transport stops.
func (t *Transport) reconnectLoop(p *Peer) {
	t.setState(p, StateReconnecting)

	for {
		if t.isStopped() {
			return
		}

		p.mu.Lock()
		p.reconnectAttempts++
		attempt := p.reconnectAttempts
		p.mu.Unlock()

		err := t.dialAttempt(t.stopCtx, p, attempt)
		if err == nil {
			p.mu.Lock()
			p.reconnectAttempts = 0
			p.mu.Unlock()
			t.setState(p, StateIdle)
			return
		}

		var resourceLimit *kernelerr.ResourceLimitError
		if asResourceLimit(err, &resourceLimit) && resourceLimit.LimitType == kernelerr.LimitConnectionsPerMinute {
			// Connection-rate overflow never consumed a dial: give the
			// attempt counter back so the next success still reports
			// attempt N, not N+1.
			p.mu.Lock()
			p.reconnectAttempts--
			p.mu.Unlock()
			retry.Delay(t.stopCtx, CalculateReconnectionBackoff(attempt, t.cfg, true))
			continue
		}

		giveUp, terminal := t.classifyFailure(p, err)
		metrics.RecordReconnectAttempt(p.ID, "failure")
		if terminal {
			t.setState(p, StatePermanentlyFailed)
			if giveUp && t.onGiveUp != nil {
				p.mu.Lock()
				already := p.gaveUp
				p.gaveUp = true
				p.mu.Unlock()
				if !already {
					t.onGiveUp(p.ID)
				}
			}
			return
		}

		if t.cfg.MaxRetryAttempts > 0 && attempt >= t.cfg.MaxRetryAttempts {
			t.setState(p, StatePermanentlyFailed)
			if t.onGiveUp != nil {
				p.mu.Lock()
				already := p.gaveUp
				p.gaveUp = true
				p.mu.Unlock()
				if !already {
					t.onGiveUp(p.ID)
				}
			}
			return
		}

		delay := CalculateReconnectionBackoff(attempt, t.cfg, true)
		metrics.RecordReconnectBackoff(p.ID, float64(delay.Milliseconds()))
		if derr := retry.Delay(t.stopCtx, delay); derr != nil {
			return // aborted by Stop
		}
	}
}

// classifyFailure records err in the peer's error history (unless it is
// already non-retryable, which by definition implies terminal state and
// needs no further pattern detection) and decides whether the peer
// should transition straight to permanently_failed.
func (t *Transport) classifyFailure(p *Peer, err error) (giveUp, terminal bool) {
	var nonRetryable *kernelerr.NonRetryableError
	if asNonRetryable(err, &nonRetryable) {
		return true, true
	}

	var netErr *kernelerr.RetryableNetworkError
	if asRetryableNetwork(err, &netErr) {
		code := fatalCodeFor(netErr)
		p.errorHistory.Record(code, time.Now())
		if n := p.errorHistory.ConsecutiveFatal(t.cfg.FatalPatternCode, t.cfg.FatalPatternWindow, time.Now()); n >= t.cfg.PermanentFailureThreshold {
			return true, true
		}
	}
	return false, false
}

// fatalCodeFor extracts a coarse classification code from a retryable
// network error for the error-history pattern match: a refused
// connection is recorded as "ECONNREFUSED". Errors without a
// recognizable code are recorded under their Op tag.
func fatalCodeFor(err *kernelerr.RetryableNetworkError) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err.Err, syscall.ECONNREFUSED) {
		return "ECONNREFUSED"
	}
	return err.Op
}

// handleChannelFailure reacts to a mid-flight send failure by dropping
// the dead channel and, unless the peer is intentionally closed,
// starting a reconnection loop.
func (t *Transport) handleChannelFailure(p *Peer, err error) {
	p.mu.Lock()
	p.channel = nil
	intentional := p.intentionallyClosed
	p.mu.Unlock()

	if intentional || t.isStopped() {
		return
	}
	if p.State() != StateReconnecting {
		go t.reconnectLoop(p)
	}
}

// startReadLoop spawns the per-channel read loop: every
// deserialized frame is handed to the handler; a read failure carrying
// the user-initiated-abort signature marks the peer intentionally
// closed, any other failure triggers reconnection.
func (t *Transport) startReadLoop(p *Peer, ch Channel) {
	t.activeConns.Add(1)
	go func() {
		defer t.activeConns.Done()
		for {
			data, err := ch.Recv(t.stopCtx)
			if err != nil {
				if IsUserInitiatedAbort(err) {
					p.mu.Lock()
					p.intentionallyClosed = true
					if p.channel == ch {
						p.channel = nil
					}
					p.mu.Unlock()
					t.setState(p, StateIdle)
					return
				}
				p.mu.Lock()
				if p.channel == ch {
					p.channel = nil
				}
				intentional := p.intentionallyClosed
				p.mu.Unlock()
				if !intentional && !t.isStopped() {
					go t.reconnectLoop(p)
				}
				return
			}
			p.touch()
			if t.handler != nil {
				t.handler(p.ID, data)
			}
		}
	}()
}

// PeerSnapshot is a read-only view of one peer's state, for kernelctl's
// "peers" inspection command.
type PeerSnapshot struct {
	ID                  string
	State               State
	ReconnectAttempts   int
	LastActivity        time.Time
	IntentionallyClosed bool
	LocationHints       []string
}

// Peers returns a snapshot of every known peer.
func (t *Transport) Peers() []PeerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerSnapshot, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, PeerSnapshot{
			ID:                  p.ID,
			State:               p.State(),
			ReconnectAttempts:   p.ReconnectAttempts(),
			LastActivity:        p.LastActivity(),
			IntentionallyClosed: p.IntentionallyClosed(),
			LocationHints:       p.LocationHints(),
		})
	}
	return out
}

// CleanupStale closes and forgets peers whose LastActivity exceeds
// StalePeerTimeout, run periodically by the kernel daemon on
// CleanupInterval.
func (t *Transport) CleanupStale(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, p := range t.peers {
		if now.Sub(p.LastActivity()) > t.cfg.StalePeerTimeout {
			if ch := p.Channel(); ch != nil {
				ch.Close()
			}
			delete(t.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// asResourceLimit, asNonRetryable, asRetryableNetwork are small type
// assertions on the error itself; unlike errors.As they do not unwrap
// wrapped errors.
func asResourceLimit(err error, target **kernelerr.ResourceLimitError) bool {
	if e, ok := err.(*kernelerr.ResourceLimitError); ok {
		*target = e
		return true
	}
	return false
}

func asNonRetryable(err error, target **kernelerr.NonRetryableError) bool {
	if e, ok := err.(*kernelerr.NonRetryableError); ok {
		*target = e
		return true
	}
	return false
}

func asRetryableNetwork(err error, target **kernelerr.RetryableNetworkError) bool {
	if e, ok := err.(*kernelerr.RetryableNetworkError); ok {
		*target = e
		return true
	}
	return false
}
