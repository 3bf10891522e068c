package grpcfacade

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ocapkernel/kernel/internal/logging"
)

// SessionMethod is the full method name a worker opens its stream on.
const SessionMethod = "/ocapkernel.v1.VatWorker/Session"

type sessionService interface {
	Session(stream grpc.ServerStream) error
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(sessionService).Session(stream)
}

// ServiceDesc describes the VatWorker service: a single bidirectional
// Session stream of bytes-valued frames. Hand-registered rather than
// protoc-generated — the frame layer is deliberately schema-free.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ocapkernel.v1.VatWorker",
	HandlerType: (*sessionService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Session",
		Handler:       sessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "vatworker",
}

// session is one attached worker stream.
type session struct {
	stream grpc.ServerStream
	vatID  string

	sendMu sync.Mutex

	channel   *Channel      // set at attach
	attached  chan struct{} // closed once channel is set
	streamEnd chan struct{} // closed when the stream's recv loop exits
	endOnce   sync.Once
}

func (s *session) send(f Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(msg)
}

func (s *session) markEnded() {
	s.endOnce.Do(func() { close(s.streamEnd) })
}

// Server accepts worker streams and matches each to the pending launch
// that spawned the worker, keyed by a one-time token. A stream whose
// token matches nothing is rejected — only processes this kernel
// launched may attach.
type Server struct {
	mu      sync.Mutex
	pending map[string]chan *session
}

// NewServer returns a Server ready to Register.
func NewServer() *Server {
	return &Server{pending: make(map[string]chan *session)}
}

// Register attaches the VatWorker service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// expect reserves a launch token and returns the channel its session
// will arrive on. cancel forgets the token (launch failed or timed out).
func (s *Server) expect(token string) (arrival chan *session, cancel func()) {
	arrival = make(chan *session, 1)
	s.mu.Lock()
	s.pending[token] = arrival
	s.mu.Unlock()
	return arrival, func() {
		s.mu.Lock()
		delete(s.pending, token)
		s.mu.Unlock()
	}
}

func (s *Server) claim(token string) (chan *session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	return ch, ok
}

// Session implements the VatWorker stream handler: validate the hello
// frame, hand the session to the waiting launcher, then pump inbound
// frames into the attached channel until the stream ends.
func (s *Server) Session(stream grpc.ServerStream) error {
	first := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(first); err != nil {
		return err
	}
	hello, err := decodeFrame(first)
	if err != nil {
		return err
	}
	if hello.Type != FrameHello || hello.Token == "" || hello.VatID == "" {
		return fmt.Errorf("grpcfacade: first frame must be hello with token and vat id")
	}

	arrival, ok := s.claim(hello.Token)
	if !ok {
		logging.Op().Warn("rejected worker stream with unknown launch token", "vat_id", hello.VatID)
		return fmt.Errorf("grpcfacade: unknown launch token")
	}

	sess := &session{
		stream:    stream,
		vatID:     hello.VatID,
		attached:  make(chan struct{}),
		streamEnd: make(chan struct{}),
	}
	arrival <- sess

	// The launcher attaches a Channel promptly; if it gave up in the
	// meantime (spawn raced its timeout), drop the stream.
	select {
	case <-sess.attached:
	case <-time.After(10 * time.Second):
		sess.markEnded()
		return fmt.Errorf("grpcfacade: session for %s never attached", hello.VatID)
	}

	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			sess.markEnded()
			sess.channel.streamClosed()
			return nil
		}
		f, err := decodeFrame(msg)
		if err != nil {
			logging.Op().Warn("dropping malformed worker frame", "vat_id", sess.vatID, "error", err)
			continue
		}
		sess.channel.handleIncoming(f)
	}
}
