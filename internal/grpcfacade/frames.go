// Package grpcfacade carries the vat worker interface over a
// bidirectional gRPC stream for out-of-process workers: the kernel hosts
// a VatWorker service, each launched worker process dials back in,
// identifies itself with a one-time launch token, and the resulting
// stream becomes that vat's WorkerChannel.
//
// The kernel is transport-agnostic above the frame layer, so each stream
// message is an opaque bytes value holding one JSON frame rather than a
// per-operation protobuf schema. Frame flow mirrors the crank discipline
// rule: between a downward deliver/notify and its ack, the worker may
// issue send/subscribe/resolve syscalls and they are serviced
// synchronously inside the delivering crank; outside that window only
// exit and the vatstore ops are accepted.
package grpcfacade

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

// FrameType tags one stream message.
type FrameType string

const (
	// Worker -> kernel, first frame on every stream.
	FrameHello FrameType = "hello"

	// Kernel -> worker deliveries and control.
	FrameDeliver          FrameType = "deliver"
	FrameNotify           FrameType = "notify"
	FrameDropExports      FrameType = "dropExports"
	FrameRetireExports    FrameType = "retireExports"
	FrameRetireImports    FrameType = "retireImports"
	FrameBringOutYourDead FrameType = "bringOutYourDead"
	FrameStop             FrameType = "stop"

	// Worker -> kernel replies and requests.
	FrameAck          FrameType = "ack"
	FrameSyscall      FrameType = "syscall"
	FrameSyscallReply FrameType = "syscallReply"
	FrameConsole      FrameType = "console"
)

// Frame is one message on a worker stream. Which fields are meaningful
// depends on Type.
type Frame struct {
	Type FrameType `json:"type"`
	// Seq correlates an ack with the downward frame it answers, and a
	// syscallReply with its syscall.
	Seq uint64 `json:"seq,omitempty"`

	// hello
	VatID string `json:"vat_id,omitempty"`
	Token string `json:"token,omitempty"`

	// deliver / notify payloads, in the worker's eref namespace
	Target   refs.ERef                `json:"target,omitempty"`
	Method   string                   `json:"method,omitempty"`
	Args     *marshal.EndpointCapData `json:"args,omitempty"`
	Result   refs.ERef                `json:"result,omitempty"`
	Promise  refs.ERef                `json:"promise,omitempty"`
	Value    *marshal.EndpointCapData `json:"value,omitempty"`
	Rejected bool                     `json:"rejected,omitempty"`
	ERefs    []refs.ERef              `json:"erefs,omitempty"`

	// syscall / syscallReply
	Syscall       *vatmgr.Syscall       `json:"syscall,omitempty"`
	SyscallResult *vatmgr.SyscallResult `json:"syscall_result,omitempty"`

	// console output capture
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// ack / syscallReply failure
	Error string `json:"error,omitempty"`
}

func encodeFrame(f Frame) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("grpcfacade: encode %s frame: %w", f.Type, err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeFrame(msg *wrapperspb.BytesValue) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(msg.GetValue(), &f); err != nil {
		return Frame{}, fmt.Errorf("grpcfacade: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("grpcfacade: frame has no type")
	}
	return f, nil
}
