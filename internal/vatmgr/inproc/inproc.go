// Package inproc runs vat behaviors as plain Go values inside the kernel
// process, behind the same WorkerChannel surface an out-of-process worker
// presents. It exists for two consumers: package-level tests that need a
// scriptable vat without a worker binary, and daemon deployments whose
// vats are compiled-in Go packages rather than confined guest programs.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

// Delivery is one downward message into a behavior.
type Delivery struct {
	Target refs.ERef
	Method string
	Args   marshal.EndpointCapData
	Result refs.ERef // "" when the send was one-way
}

// API is the syscall surface a behavior issues its upward calls through,
// already bound to the behavior's own vat id.
type API struct {
	VatID refs.EndpointID
	sys   *vatmgr.Syscalls
}

// Resolve settles a promise this vat decides.
func (a *API) Resolve(ctx context.Context, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error {
	_, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallResolve, Promise: promise, Value: value, Rejected: rejected})
	return err
}

// Send queues an outbound message. result may be "" for a one-way send.
func (a *API) Send(ctx context.Context, target refs.ERef, method string, args marshal.EndpointCapData, result refs.ERef) error {
	_, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallSend, Target: target, Method: method, Args: args, Result: result})
	return err
}

// Subscribe registers interest in a promise's settlement.
func (a *API) Subscribe(ctx context.Context, promise refs.ERef) error {
	_, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallSubscribe, Promise: promise})
	return err
}

// VatstoreGet reads this vat's durable scratch space.
func (a *API) VatstoreGet(ctx context.Context, key string) (string, bool, error) {
	res, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallVatstoreGet, Key: key})
	return res.Value, res.Found, err
}

// VatstoreSet writes this vat's durable scratch space.
func (a *API) VatstoreSet(ctx context.Context, key, value string) error {
	_, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallVatstoreSet, Key: key, Data: value})
	return err
}

// VatstoreDelete removes a key from this vat's durable scratch space.
func (a *API) VatstoreDelete(ctx context.Context, key string) error {
	_, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallVatstoreDelete, Key: key})
	return err
}

// Exit asks the kernel to terminate this vat.
func (a *API) Exit(ctx context.Context, reason string) error {
	_, err := a.sys.Handle(ctx, a.VatID, vatmgr.Syscall{Kind: vatmgr.SyscallExit, Info: reason})
	return err
}

// Behavior is a vat program. HandleDelivery runs inside the delivering
// crank, so syscalls issued from it are serviced synchronously before
// the crank completes.
type Behavior interface {
	HandleDelivery(ctx context.Context, api *API, d Delivery) error
	HandleNotify(ctx context.Context, api *API, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error
}

// Worker adapts one Behavior to vatmgr.WorkerChannel.
type Worker struct {
	api      *API
	behavior Behavior

	mu   sync.Mutex
	done chan struct{}
}

var _ vatmgr.WorkerChannel = (*Worker)(nil)

// NewWorker binds behavior to a vat id over the given syscall dispatcher.
func NewWorker(vatID refs.EndpointID, sys *vatmgr.Syscalls, behavior Behavior) *Worker {
	return &Worker{
		api:      &API{VatID: vatID, sys: sys},
		behavior: behavior,
		done:     make(chan struct{}),
	}
}

func (w *Worker) Deliver(ctx context.Context, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
	return w.behavior.HandleDelivery(ctx, w.api, Delivery{Target: target, Method: method, Args: args, Result: resultEref})
}

func (w *Worker) Notify(ctx context.Context, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error {
	return w.behavior.HandleNotify(ctx, w.api, promise, value, rejected)
}

func (w *Worker) DropExports(context.Context, []refs.ERef) error   { return nil }
func (w *Worker) RetireExports(context.Context, []refs.ERef) error { return nil }
func (w *Worker) RetireImports(context.Context, []refs.ERef) error { return nil }
func (w *Worker) BringOutYourDead(context.Context) error           { return nil }

func (w *Worker) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}

func (w *Worker) Kill() error { return w.Stop(context.Background()) }

func (w *Worker) Done() <-chan struct{} { return w.done }

// BehaviorFactory builds the behavior for a vat from its launch config.
// The bundle string is whatever the subcluster config carried (a source
// spec, bundle spec, or inline bundle JSON) — an in-process deployment
// typically keys a Go behavior off it.
type BehaviorFactory func(vatID refs.EndpointID, cfg vatmgr.VatConfig) (Behavior, error)

// Launcher implements vatmgr.WorkerLauncher for in-process vats. Syscalls
// is injected after construction because the syscall dispatcher needs the
// vat manager, which needs this launcher — SetSyscalls breaks the cycle
// at wiring time, before any vat launches.
type Launcher struct {
	factory BehaviorFactory

	mu  sync.Mutex
	sys *vatmgr.Syscalls
}

var _ vatmgr.WorkerLauncher = (*Launcher)(nil)

// NewLauncher builds a Launcher over a behavior factory.
func NewLauncher(factory BehaviorFactory) *Launcher {
	return &Launcher{factory: factory}
}

// SetSyscalls injects the syscall dispatcher. Must be called before the
// first Launch.
func (l *Launcher) SetSyscalls(sys *vatmgr.Syscalls) {
	l.mu.Lock()
	l.sys = sys
	l.mu.Unlock()
}

func (l *Launcher) Launch(_ context.Context, vatID refs.EndpointID, cfg vatmgr.VatConfig) (vatmgr.WorkerChannel, error) {
	l.mu.Lock()
	sys := l.sys
	l.mu.Unlock()
	if sys == nil {
		return nil, fmt.Errorf("inproc: launcher has no syscall dispatcher")
	}
	behavior, err := l.factory(vatID, cfg)
	if err != nil {
		return nil, err
	}
	return NewWorker(vatID, sys, behavior), nil
}
