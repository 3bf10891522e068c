package grpcfacade

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ocapkernel/kernel/internal/vatmgr"
)

// WorkerConn is the worker-process side of a Session stream. Worker
// binaries use it to attach to the kernel and run their frame loop:
// Recv deliveries, issue syscalls, Ack when done.
type WorkerConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	sendMu sync.Mutex
	seq    uint64
}

var sessionClientDesc = grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

// ConnectWorker dials the kernel's VatWorker service and performs the
// hello exchange. vatID and token come from the worker's environment
// (EnvVatID / EnvToken).
func ConnectWorker(ctx context.Context, addr, vatID, token string, opts ...grpc.DialOption) (*WorkerConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcfacade: dial kernel: %w", err)
	}
	stream, err := conn.NewStream(ctx, &sessionClientDesc, SessionMethod)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("grpcfacade: open session stream: %w", err)
	}
	w := &WorkerConn{conn: conn, stream: stream}
	if err := w.Send(Frame{Type: FrameHello, VatID: vatID, Token: token}); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

// Send writes one frame to the kernel.
func (w *WorkerConn) Send(f Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.stream.SendMsg(msg)
}

// Recv reads the next frame from the kernel.
func (w *WorkerConn) Recv() (Frame, error) {
	msg := new(wrapperspb.BytesValue)
	if err := w.stream.RecvMsg(msg); err != nil {
		return Frame{}, err
	}
	return decodeFrame(msg)
}

// Ack answers a downward frame. A non-nil err reports the delivery as
// failed.
func (w *WorkerConn) Ack(seq uint64, err error) error {
	f := Frame{Type: FrameAck, Seq: seq}
	if err != nil {
		f.Error = err.Error()
	}
	return w.Send(f)
}

// Syscall sends one syscall frame with a fresh sequence number and
// returns that number so the caller can match the syscallReply.
func (w *WorkerConn) Syscall(sc vatmgr.Syscall) (uint64, error) {
	w.sendMu.Lock()
	w.seq++
	seq := w.seq
	w.sendMu.Unlock()
	return seq, w.Send(Frame{Type: FrameSyscall, Seq: seq, Syscall: &sc})
}

// Console reports captured worker output for operator debugging.
func (w *WorkerConn) Console(stdout, stderr string) error {
	return w.Send(Frame{Type: FrameConsole, Stdout: stdout, Stderr: stderr})
}

// Close ends the stream and connection.
func (w *WorkerConn) Close() error {
	w.sendMu.Lock()
	_ = w.stream.CloseSend()
	w.sendMu.Unlock()
	return w.conn.Close()
}
