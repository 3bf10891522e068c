package grpcfacade

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

type fixture struct {
	backend  *memstore.Store
	store    *kernelstore.Store
	queue    *runqueue.Queue
	router   *runqueue.Router
	manager  *vatmgr.Manager
	launcher *Launcher
	lis      *bufconn.Listener
}

// testProc stands in for a worker OS process: Terminate/Kill cancel the
// worker goroutine's context.
type testProc struct {
	cancel context.CancelFunc
	exited chan struct{}
}

func (p *testProc) Terminate() error      { p.cancel(); return nil }
func (p *testProc) Kill() error           { p.cancel(); return nil }
func (p *testProc) Exited() <-chan struct{} { return p.exited }

func dialOpts(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

// runTestWorker is the goroutine worker a test spawn starts: resolve any
// delivery's result promise with {"result":"ok"}, ack everything else.
func runTestWorker(ctx context.Context, lis *bufconn.Listener, vatID refs.EndpointID, token string, exited chan struct{}) {
	defer close(exited)

	wc, err := ConnectWorker(ctx, "passthrough:///bufconn", string(vatID), token, dialOpts(lis)...)
	if err != nil {
		return
	}
	defer wc.Close()

	for {
		f, err := wc.Recv()
		if err != nil {
			return
		}
		switch f.Type {
		case FrameDeliver:
			if f.Result != "" {
				seq, err := wc.Syscall(vatmgr.Syscall{
					Kind:    vatmgr.SyscallResolve,
					Promise: f.Result,
					Value:   marshal.EndpointCapData{Body: []byte(`{"result":"ok"}`)},
				})
				if err != nil {
					return
				}
				for {
					reply, err := wc.Recv()
					if err != nil {
						return
					}
					if reply.Type == FrameSyscallReply && reply.Seq == seq {
						break
					}
				}
			}
			if err := wc.Ack(f.Seq, nil); err != nil {
				return
			}
		case FrameNotify:
			if err := wc.Ack(f.Seq, nil); err != nil {
				return
			}
		case FrameStop:
			return
		default:
			if err := wc.Ack(f.Seq, nil); err != nil {
				return
			}
		}
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	server := NewServer()
	server.Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	backend := memstore.New()
	store := kernelstore.New(backend, 0, 0)
	queue := runqueue.NewQueue(backend)
	m := marshal.New(store)

	launcher := NewLauncher(server, "", "passthrough:///bufconn", 5*time.Second)
	launcher.spawn = func(vatID refs.EndpointID, cfg vatmgr.VatConfig, token string) (procHandle, error) {
		ctx, cancel := context.WithCancel(context.Background())
		p := &testProc{cancel: cancel, exited: make(chan struct{})}
		go runTestWorker(ctx, lis, vatID, token, p.exited)
		return p, nil
	}

	var manager *vatmgr.Manager
	deliverer := delivererFunc{deliver: func(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
		return manager.Deliver(ctx, owner, target, method, args, resultEref)
	}}
	router := runqueue.NewRouter(store, queue, m, deliverer, nil)
	manager = vatmgr.New(store, router, launcher, config.VatManagerConfig{GracefulShutdownWait: 200 * time.Millisecond})
	launcher.SetSyscalls(vatmgr.NewSyscalls(store, backend, queue, router, m, manager))

	return &fixture{backend: backend, store: store, queue: queue, router: router, manager: manager, launcher: launcher, lis: lis}
}

type delivererFunc struct {
	deliver func(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error
}

func (d delivererFunc) Deliver(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
	return d.deliver(ctx, owner, target, method, args, resultEref)
}
func (d delivererFunc) Notify(context.Context, refs.EndpointID, refs.ERef, marshal.EndpointCapData, bool) error {
	return nil
}

func TestDeliveryWithInCrankSyscalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vatID := refs.EndpointID("v1")

	f.store.BeginCrank()
	vat, err := f.manager.LaunchVat(ctx, vatID, refs.SubclusterID("s1"), vatmgr.VatConfig{Bundle: "test"}, refs.ERef("o+1"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	kp := f.store.InitKernelPromise(vatID)
	if err := f.queue.Push(ctx, runqueue.NewSendEntry(vat.RootKRef, runqueue.Message{
		Method:        "bootstrap",
		Args:          marshal.CapData{Body: []byte(`{}`)},
		ResultPromise: kp,
	})); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CommitCrank(ctx); err != nil {
		t.Fatal(err)
	}

	ran, err := f.router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("RunCrank ran=%v err=%v", ran, err)
	}

	rec, err := f.store.GetKernelPromise(ctx, kp)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != kernelstore.PromiseFulfilled {
		t.Fatalf("promise state = %s, want fulfilled (worker's in-crank resolve)", rec.State)
	}
	var value marshal.CapData
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		t.Fatal(err)
	}
	if string(value.Body) != `{"result":"ok"}` {
		t.Errorf("resolution body = %s", value.Body)
	}
}

func TestSyscallOutsideDeliveryRejected(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	server := NewServer()
	server.Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	arrival, cancel := server.expect("tok-1")
	defer cancel()

	wc, err := ConnectWorker(context.Background(), "passthrough:///bufconn", "v9", "tok-1", dialOpts(lis)...)
	if err != nil {
		t.Fatal(err)
	}
	defer wc.Close()

	backend := memstore.New()
	store := kernelstore.New(backend, 0, 0)
	queue := runqueue.NewQueue(backend)
	m := marshal.New(store)
	router := runqueue.NewRouter(store, queue, m, delivererFunc{}, nil)
	manager := vatmgr.New(store, router, nil, config.VatManagerConfig{GracefulShutdownWait: 100 * time.Millisecond})
	sys := vatmgr.NewSyscalls(store, backend, queue, router, m, manager)

	sess := <-arrival
	newChannel(refs.EndpointID("v9"), sys, sess, nil)

	// A resolve with no delivery in flight must come back as an error,
	// not mutate kernel state.
	seq, err := wc.Syscall(vatmgr.Syscall{Kind: vatmgr.SyscallResolve, Promise: refs.ERef("p+1")})
	if err != nil {
		t.Fatal(err)
	}
	for {
		reply, err := wc.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if reply.Type == FrameSyscallReply && reply.Seq == seq {
			if reply.Error == "" {
				t.Error("resolve outside a delivery should be rejected")
			}
			break
		}
	}

	// Crank-free vatstore syscalls work any time.
	seq, err = wc.Syscall(vatmgr.Syscall{Kind: vatmgr.SyscallVatstoreSet, Key: "k", Data: "v"})
	if err != nil {
		t.Fatal(err)
	}
	for {
		reply, err := wc.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if reply.Type == FrameSyscallReply && reply.Seq == seq {
			if reply.Error != "" {
				t.Errorf("vatstoreSet outside a delivery: %s", reply.Error)
			}
			break
		}
	}
}
