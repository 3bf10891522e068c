// Package tcptransport is the default wire backend for internal/remote:
// a length-prefixed byte framing over a plain net.Conn (4-byte
// big-endian length header, single buffered write on send, io.ReadFull
// on receive).
// A zero-length frame is this backend's "user-initiated abort" signature
// (remote.UserInitiatedAbortCode): Close writes one before hanging up so
// the peer's read loop classifies the disconnect as intentional instead
// of triggering reconnection.
package tcptransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/remote"
)

const lengthPrefixBytes = 4

// Channel is a remote.Channel backed by one net.Conn.
type Channel struct {
	conn           net.Conn
	maxMessageSize int

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
}

// NewChannel wraps conn as a remote.Channel. maxMessageSize caps an
// incoming frame's declared length; 0 means no cap.
func NewChannel(conn net.Conn, maxMessageSize int) *Channel {
	return &Channel{conn: conn, maxMessageSize: maxMessageSize}
}

func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	return c.writeFrame(data)
}

func (c *Channel) writeFrame(data []byte) error {
	buf := make([]byte, lengthPrefixBytes+len(data))
	binary.BigEndian.PutUint32(buf[:lengthPrefixBytes], uint32(len(data)))
	copy(buf[lengthPrefixBytes:], data)
	_, err := c.conn.Write(buf)
	return err
}

func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	lenBuf := make([]byte, lengthPrefixBytes)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, &remote.ReadError{Err: err}
	}

	n := binary.BigEndian.Uint32(lenBuf)
	if n == 0 {
		return nil, &remote.ReadError{AbortCode: remote.UserInitiatedAbortCode, Err: errors.New("tcptransport: peer closed intentionally")}
	}
	if c.maxMessageSize > 0 && int(n) > c.maxMessageSize {
		return nil, &remote.ReadError{Err: fmt.Errorf("tcptransport: frame of %d bytes exceeds max %d", n, c.maxMessageSize)}
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, &remote.ReadError{Err: err}
	}
	return data, nil
}

// Close sends a best-effort zero-length abort frame, then closes the
// underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.writeFrame(nil)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Dialer opens outbound tcptransport channels against a peer's location
// hints, each hint a "host:port" dial address.
type Dialer struct {
	MaxMessageSizeBytes int
	netDialer           net.Dialer
}

func NewDialer(maxMessageSizeBytes int) *Dialer {
	return &Dialer{MaxMessageSizeBytes: maxMessageSizeBytes}
}

func (d *Dialer) Dial(ctx context.Context, peerID string, hints []string) (remote.Channel, error) {
	if len(hints) == 0 {
		return nil, fmt.Errorf("tcptransport: no location hints for peer %s", peerID)
	}
	var lastErr error
	for _, addr := range hints {
		conn, err := d.netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return NewChannel(conn, d.MaxMessageSizeBytes), nil
	}
	return nil, fmt.Errorf("tcptransport: dial %s failed against all %d hint(s): %w", peerID, len(hints), lastErr)
}

// Handshaker exchanges a single identity frame in each direction: the
// dialing side sends LocalID first and expects the peer's id back; the
// accepting side (see Listener) reads first. A mismatched peer id on an
// outbound dial is treated as a handshake failure (retryable).
type Handshaker struct {
	LocalID string
}

func (h *Handshaker) Handshake(ctx context.Context, ch remote.Channel, peerID string) error {
	if err := ch.Send(ctx, []byte(h.LocalID)); err != nil {
		return fmt.Errorf("tcptransport: handshake send: %w", err)
	}
	reply, err := ch.Recv(ctx)
	if err != nil {
		return fmt.Errorf("tcptransport: handshake recv: %w", err)
	}
	if string(reply) != peerID {
		return fmt.Errorf("tcptransport: handshake identity mismatch: expected %q, got %q", peerID, string(reply))
	}
	return nil
}

// InboundHandler registers a freshly accepted, handshaken channel with
// the transport above (normally remote.Transport.HandleInbound).
type InboundHandler func(peerID string, ch remote.Channel)

// Listener accepts inbound tcptransport connections, performs the
// accepting side of the identity handshake, and hands each channel to an
// InboundHandler.
type Listener struct {
	LocalID             string
	HandshakeTimeout    time.Duration
	MaxMessageSizeBytes int

	ln net.Listener
}

// Listen binds addr and returns a Listener ready for Serve.
func Listen(addr string, localID string, handshakeTimeout time.Duration, maxMessageSizeBytes int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{LocalID: localID, HandshakeTimeout: handshakeTimeout, MaxMessageSizeBytes: maxMessageSizeBytes, ln: ln}, nil
}

// Addr returns the bound address, useful when addr was ":0".
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
	ch := NewChannel(conn, l.MaxMessageSizeBytes)
	hctx, cancel := context.WithTimeout(context.Background(), l.HandshakeTimeout)
	defer cancel()

	peerID, err := ch.Recv(hctx)
	if err != nil {
		logging.Op().Warn("tcptransport: inbound handshake read failed", "remote_addr", conn.RemoteAddr(), "error", err)
		ch.Close()
		return
	}
	if err := ch.Send(hctx, []byte(l.LocalID)); err != nil {
		logging.Op().Warn("tcptransport: inbound handshake reply failed", "remote_addr", conn.RemoteAddr(), "error", err)
		ch.Close()
		return
	}
	onInbound(string(peerID), ch)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
