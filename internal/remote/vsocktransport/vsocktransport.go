// Package vsocktransport is the guest-to-guest wire backend for
// internal/remote, used when both kernel processes are co-located
// microVMs reachable over AF_VSOCK rather than TCP. Framing, handshake,
// and abort-code-12
// semantics are identical to tcptransport; only the dial/listen
// primitives differ (github.com/mdlayher/vsock in place of net).
package vsocktransport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/remote"
	"github.com/ocapkernel/kernel/internal/remote/tcptransport"
)

// hint is a location hint of the form "cid:port", e.g. "3:5005" to reach
// context id 3 (a sibling guest) on vsock port 5005.
func parseHint(h string) (cid, port uint32, err error) {
	parts := strings.SplitN(h, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("vsocktransport: malformed location hint %q, want \"cid:port\"", h)
	}
	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsocktransport: bad cid in hint %q: %w", h, err)
	}
	p, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsocktransport: bad port in hint %q: %w", h, err)
	}
	return uint32(c), uint32(p), nil
}

// Dialer opens outbound vsock connections against a peer's "cid:port"
// location hints, reusing tcptransport.Channel for framing since
// *vsock.Conn implements net.Conn.
type Dialer struct {
	MaxMessageSizeBytes int
}

func NewDialer(maxMessageSizeBytes int) *Dialer {
	return &Dialer{MaxMessageSizeBytes: maxMessageSizeBytes}
}

func (d *Dialer) Dial(ctx context.Context, peerID string, hints []string) (remote.Channel, error) {
	if len(hints) == 0 {
		return nil, fmt.Errorf("vsocktransport: no location hints for peer %s", peerID)
	}
	var lastErr error
	for _, h := range hints {
		cid, port, err := parseHint(h)
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return tcptransport.NewChannel(conn, d.MaxMessageSizeBytes), nil
	}
	return nil, fmt.Errorf("vsocktransport: dial %s failed against all %d hint(s): %w", peerID, len(hints), lastErr)
}

// Handshaker is identical in protocol to tcptransport.Handshaker; it is
// re-exported here under its own name so callers never need to reach
// into the sibling package for this backend's wiring.
type Handshaker = tcptransport.Handshaker

// InboundHandler registers a freshly accepted, handshaken channel with
// the transport above (normally remote.Transport.HandleInbound).
type InboundHandler func(peerID string, ch remote.Channel)

// Listener accepts inbound vsock connections on a local port and
// performs the accepting side of the identity handshake.
type Listener struct {
	LocalID             string
	HandshakeTimeout    time.Duration
	MaxMessageSizeBytes int

	ln *vsock.Listener
}

// Listen opens a vsock listener on port (context id is implicitly the
// local guest/host, chosen by the kernel's vsock driver).
func Listen(port uint32, localID string, handshakeTimeout time.Duration, maxMessageSizeBytes int) (*Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, err
	}
	return &Listener{LocalID: localID, HandshakeTimeout: handshakeTimeout, MaxMessageSizeBytes: maxMessageSizeBytes, ln: ln}, nil
}

// Addr returns the bound vsock address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handing each successfully handshaken connection to onInbound.
func (l *Listener) Serve(ctx context.Context, onInbound InboundHandler) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.acceptOne(conn, onInbound)
	}
}

func (l *Listener) acceptOne(conn net.Conn, onInbound InboundHandler) {
	ch := tcptransport.NewChannel(conn, l.MaxMessageSizeBytes)
	hctx, cancel := context.WithTimeout(context.Background(), l.HandshakeTimeout)
	defer cancel()

	peerID, err := ch.Recv(hctx)
	if err != nil {
		logging.Op().Warn("vsocktransport: inbound handshake read failed", "remote_addr", conn.RemoteAddr(), "error", err)
		ch.Close()
		return
	}
	if err := ch.Send(hctx, []byte(l.LocalID)); err != nil {
		logging.Op().Warn("vsocktransport: inbound handshake reply failed", "remote_addr", conn.RemoteAddr(), "error", err)
		ch.Close()
		return
	}
	onInbound(string(peerID), ch)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
