package vatmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/runqueue"
)

// SyscallKind tags one upward syscall from a vat worker.
type SyscallKind string

const (
	SyscallSend           SyscallKind = "send"
	SyscallSubscribe      SyscallKind = "subscribe"
	SyscallResolve        SyscallKind = "resolve"
	SyscallDropImports    SyscallKind = "dropImports"
	SyscallRetireImports  SyscallKind = "retireImports"
	SyscallRetireExports  SyscallKind = "retireExports"
	SyscallExit           SyscallKind = "exit"
	SyscallVatstoreGet    SyscallKind = "vatstoreGet"
	SyscallVatstoreSet    SyscallKind = "vatstoreSet"
	SyscallVatstoreDelete SyscallKind = "vatstoreDelete"
)

// Syscall is one upward request from a worker, in the worker's own
// endpoint-local ref namespace. Which fields are meaningful depends on
// Kind.
type Syscall struct {
	Kind     SyscallKind              `json:"kind"`
	Target   refs.ERef                `json:"target,omitempty"`   // send
	Method   string                   `json:"method,omitempty"`   // send
	Args     marshal.EndpointCapData  `json:"args,omitempty"`     // send
	Result   refs.ERef                `json:"result,omitempty"`   // send: result promise, "" for one-way
	Promise  refs.ERef                `json:"promise,omitempty"`  // subscribe, resolve
	Value    marshal.EndpointCapData  `json:"value,omitempty"`    // resolve
	Rejected bool                     `json:"rejected,omitempty"` // resolve
	ERefs    []refs.ERef              `json:"erefs,omitempty"`    // dropImports, retireImports, retireExports
	Key      string                   `json:"key,omitempty"`      // vatstore*
	Data     string                   `json:"data,omitempty"`     // vatstoreSet
	Info     string                   `json:"info,omitempty"`     // exit reason
}

// SyscallResult carries a syscall's reply. Only vatstoreGet produces a
// value.
type SyscallResult struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
}

const vatstorePrefix = "vatstore."

// Syscalls translates and services upward syscalls; the vat manager
// owns syscall dispatch. send/subscribe/resolve mutate kernel state
// and therefore must be issued inside the crank of the delivery
// that provoked them — the channel implementations enforce that by only
// servicing those kinds between a Deliver/Notify and its ack. exit and
// the vatstore ops are crank-free and may arrive at any time.
type Syscalls struct {
	store     *kernelstore.Store
	backend   kernelstore.Backend
	queue     *runqueue.Queue
	router    *runqueue.Router
	marshaler *marshal.Marshaler
	manager   *Manager
}

// NewSyscalls wires the syscall dispatcher over the kernel pieces it
// drives.
func NewSyscalls(store *kernelstore.Store, backend kernelstore.Backend, queue *runqueue.Queue, router *runqueue.Router, marshaler *marshal.Marshaler, manager *Manager) *Syscalls {
	return &Syscalls{store: store, backend: backend, queue: queue, router: router, marshaler: marshaler, manager: manager}
}

// Handle services one syscall from vatID's worker. A returned error is
// reported back to the worker; errors that indicate a buggy vat
// (resolving a promise it no longer decides) additionally schedule the
// vat's termination.
func (s *Syscalls) Handle(ctx context.Context, vatID refs.EndpointID, sc Syscall) (SyscallResult, error) {
	switch sc.Kind {
	case SyscallSend:
		return SyscallResult{}, s.handleSend(ctx, vatID, sc)
	case SyscallSubscribe:
		return SyscallResult{}, s.handleSubscribe(ctx, vatID, sc)
	case SyscallResolve:
		return SyscallResult{}, s.handleResolve(ctx, vatID, sc)
	case SyscallDropImports:
		return SyscallResult{}, s.pushGC(ctx, vatID, sc.ERefs, runqueue.NewGCDropEntry)
	case SyscallRetireImports, SyscallRetireExports:
		return SyscallResult{}, s.pushGC(ctx, vatID, sc.ERefs, runqueue.NewGCRetireEntry)
	case SyscallExit:
		s.terminateAsync(vatID, sc.Info)
		return SyscallResult{}, nil
	case SyscallVatstoreGet:
		v, ok, err := s.backend.Get(ctx, vatstoreKey(vatID, sc.Key))
		if err != nil {
			return SyscallResult{}, err
		}
		return SyscallResult{Value: string(v), Found: ok}, nil
	case SyscallVatstoreSet:
		return SyscallResult{}, s.backend.Set(ctx, vatstoreKey(vatID, sc.Key), []byte(sc.Data))
	case SyscallVatstoreDelete:
		return SyscallResult{}, s.backend.Delete(ctx, vatstoreKey(vatID, sc.Key))
	default:
		return SyscallResult{}, fmt.Errorf("vatmgr: unknown syscall kind %q", sc.Kind)
	}
}

func vatstoreKey(vatID refs.EndpointID, key string) string {
	return vatstorePrefix + string(vatID) + "." + key
}

func (s *Syscalls) handleSend(ctx context.Context, vatID refs.EndpointID, sc Syscall) error {
	// Target, result promise, and args all cross the same vat->kernel
	// translation; a local value the vat has never exported gets a fresh
	// kref here.
	targetCd, err := s.marshaler.Export(ctx, vatID, marshal.EndpointCapData{Slots: []refs.ERef{sc.Target}})
	if err != nil {
		return err
	}
	args, err := s.marshaler.Export(ctx, vatID, sc.Args)
	if err != nil {
		return err
	}

	var resultKp refs.KRef
	if sc.Result != "" {
		resultCd, err := s.marshaler.Export(ctx, vatID, marshal.EndpointCapData{Slots: []refs.ERef{sc.Result}})
		if err != nil {
			return err
		}
		resultKp = resultCd.Slots[0]
	}

	return s.queue.Push(ctx, runqueue.NewSendEntry(targetCd.Slots[0], runqueue.Message{
		Method:        sc.Method,
		Args:          args,
		ResultPromise: resultKp,
	}))
}

func (s *Syscalls) handleSubscribe(ctx context.Context, vatID refs.EndpointID, sc Syscall) error {
	kref, ok, err := s.store.ErefToKref(ctx, vatID, sc.Promise)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vatmgr: %s subscribed to unknown promise %s", vatID, sc.Promise)
	}
	return s.store.SubscribeToPromise(ctx, kref, vatID)
}

func (s *Syscalls) handleResolve(ctx context.Context, vatID refs.EndpointID, sc Syscall) error {
	kref, ok, err := s.store.ErefToKref(ctx, vatID, sc.Promise)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vatmgr: %s resolved unknown promise %s", vatID, sc.Promise)
	}

	kp, err := s.store.GetKernelPromise(ctx, kref)
	if err != nil {
		return err
	}
	if kp.State != kernelstore.PromiseUnresolved || kp.Decider != vatID {
		// Only the decider may resolve, once. A violation means the vat is
		// buggy: reply with the error and terminate it.
		s.terminateAsync(vatID, fmt.Sprintf("illegal resolve of %s", kref))
		return &kernelerr.PromiseAlreadyResolvedError{Promise: string(kref)}
	}

	value, err := s.marshaler.Export(ctx, vatID, sc.Value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.store.ResolveKernelPromise(ctx, kref, sc.Rejected, data); err != nil {
		return err
	}
	return s.router.NotifyPromiseResolved(ctx, kref)
}

func (s *Syscalls) pushGC(ctx context.Context, vatID refs.EndpointID, erefs []refs.ERef, mk func(refs.EndpointID, refs.KRef) runqueue.Entry) error {
	for _, eref := range erefs {
		kref, ok, err := s.store.ErefToKref(ctx, vatID, eref)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.queue.Push(ctx, mk(vatID, kref)); err != nil {
			return err
		}
	}
	return nil
}

// terminateAsync tears a vat down once the crank in progress has
// drained. Termination opens its own crank, so it can never run inline
// with the delivery that provoked it.
func (s *Syscalls) terminateAsync(vatID refs.EndpointID, reason string) {
	go func() {
		s.router.WaitForCrank()
		if err := s.manager.TerminateVat(context.Background(), vatID, reason); err != nil {
			logging.Op().Error("terminate after syscall failed", "vat_id", vatID, "error", err)
		}
	}()
}
