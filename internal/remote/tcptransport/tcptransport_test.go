package tcptransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ocapkernel/kernel/internal/remote"
)

func TestSendRecvRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sch := NewChannel(server, 0)
	cch := NewChannel(client, 0)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- cch.Send(ctx, []byte("hello")) }()

	got, err := sch.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestCloseSendsAbortFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	sch := NewChannel(server, 0)
	cch := NewChannel(client, 0)

	closeDone := make(chan error, 1)
	go func() { closeDone <- cch.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sch.Recv(ctx)
	if err == nil {
		t.Fatal("expected a read error from the abort frame")
	}
	rerr, ok := err.(*remote.ReadError)
	if !ok {
		t.Fatalf("expected *remote.ReadError, got %T: %v", err, err)
	}
	if rerr.AbortCode != remote.UserInitiatedAbortCode {
		t.Fatalf("expected abort code %d, got %d", remote.UserInitiatedAbortCode, rerr.AbortCode)
	}
	<-closeDone
}

func TestOversizedFrameRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sch := NewChannel(server, 4)
	cch := NewChannel(client, 4)

	ctx := context.Background()
	go cch.Send(ctx, []byte("toolong"))

	if _, err := sch.Recv(ctx); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}
