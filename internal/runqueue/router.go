package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
)

// forwardingBody marks a settled CapData whose single slot is itself a
// capability the promise resolved to, rather than a plain value — the
// same "@qclass":"slot" convention marshal.ValidateSlotIndices enforces
// for bodies in general, reused here as the resolve-to-a-capability tag.
var forwardingBody = []byte(`{"@qclass":"slot","index":0}`)

func isForwardingBody(body []byte) bool { return string(body) == string(forwardingBody) }

// Deliverer hands a dispatched send or notify down to the owning vat's
// worker. Implemented by vatmgr.Manager; kept as an interface here so
// runqueue never imports vatmgr (vatmgr imports runqueue instead).
type Deliverer interface {
	// Deliver invokes method on target (already translated into owner's
	// endpoint view) with args, and — if resultEref is non-empty — the
	// owner's worker is expected to eventually resolve that promise.
	Deliver(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error
	// Notify reports a settled promise to one subscriber.
	Notify(ctx context.Context, subscriber refs.EndpointID, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error
}

// ServiceInvoker resolves and invokes kernel-hosted services.
// Implemented by kernelservices.Registry.
type ServiceInvoker interface {
	IsService(ctx context.Context, target refs.KRef) bool
	Invoke(ctx context.Context, target refs.KRef, method string, args marshal.CapData) (result marshal.CapData, rejected bool, err error)
}

// Router drains one Queue entry per crank and dispatches it.
type Router struct {
	store     *kernelstore.Store
	queue     *Queue
	marshaler *marshal.Marshaler
	deliverer Deliverer
	services  ServiceInvoker // may be nil if no kernel services are registered

	mu        sync.Mutex
	cranking  bool
	crankCond *sync.Cond
	pipelined map[refs.KRef][]SendEntry
}

// NewRouter wires a Router over its dependencies. services may be nil.
func NewRouter(store *kernelstore.Store, queue *Queue, marshaler *marshal.Marshaler, deliverer Deliverer, services ServiceInvoker) *Router {
	r := &Router{
		store:     store,
		queue:     queue,
		marshaler: marshaler,
		deliverer: deliverer,
		services:  services,
		pipelined: make(map[refs.KRef][]SendEntry),
	}
	r.crankCond = sync.NewCond(&r.mu)
	return r
}

// RunCrank pops one entry and runs it to completion inside a single
// crank. ran is false when the queue was empty (nothing to do).
func (r *Router) RunCrank(ctx context.Context) (ran bool, err error) {
	_, ran, err = r.RunCrankEntry(ctx)
	return ran, err
}

// RunCrankEntry is RunCrank returning the entry it processed, for
// callers that record per-crank observability.
func (r *Router) RunCrankEntry(ctx context.Context) (entry Entry, ran bool, err error) {
	entry, ok, err := r.queue.Pop(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}

	r.mu.Lock()
	r.cranking = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cranking = false
		r.crankCond.Broadcast()
		r.mu.Unlock()
	}()

	r.store.BeginCrank()
	if dispatchErr := r.dispatch(ctx, entry); dispatchErr != nil {
		r.store.AbortCrank()
		return entry, true, dispatchErr
	}
	if commitErr := r.store.CommitCrank(ctx); commitErr != nil {
		return entry, true, commitErr
	}
	return entry, true, nil
}

// WaitForCrank blocks until the crank in progress, if any, has
// drained. Observers that need a consistent snapshot (status queries,
// storage clears) call this before reading.
func (r *Router) WaitForCrank() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.cranking {
		r.crankCond.Wait()
	}
}

func (r *Router) dispatch(ctx context.Context, e Entry) error {
	switch e.Kind {
	case KindSend:
		return r.dispatchSend(ctx, *e.Send)
	case KindNotify:
		return r.dispatchNotify(ctx, *e.Notify)
	case KindGCDrop:
		return r.dispatchGC(ctx, *e.GCDrop, false)
	case KindGCRetire:
		return r.dispatchGC(ctx, *e.GCRetire, true)
	default:
		return fmt.Errorf("runqueue: unknown entry kind %q", e.Kind)
	}
}

func (r *Router) dispatchSend(ctx context.Context, se SendEntry) error {
	if r.services != nil && r.services.IsService(ctx, se.Target) {
		result, rejected, err := r.services.Invoke(ctx, se.Target, se.Message.Method, se.Message.Args)
		if err != nil {
			return err
		}
		return r.settleResult(ctx, se.Message.ResultPromise, result, rejected)
	}

	if se.Target.IsPromise() {
		return r.dispatchSendToPromise(ctx, se)
	}
	return r.dispatchSendToObject(ctx, se)
}

func (r *Router) dispatchSendToObject(ctx context.Context, se SendEntry) error {
	revoked, err := r.store.IsRevoked(ctx, se.Target)
	if err != nil {
		return err
	}
	if revoked {
		rejection := marshal.CapData{Body: []byte(fmt.Sprintf(`{"reason":"revoked","kref":%q}`, se.Target))}
		return r.settleResult(ctx, se.Message.ResultPromise, rejection, true)
	}
	if err := r.marshaler.CheckRevoked(ctx, se.Message.Args); err != nil {
		return r.settleResult(ctx, se.Message.ResultPromise, marshal.CapData{Body: []byte(fmt.Sprintf(`{"reason":%q}`, err.Error()))}, true)
	}

	// A target whose owner is gone is never silently dropped: the send
	// degrades to a synthetic rejection of its result promise.
	owner, err := r.store.GetObjectOwner(ctx, se.Target)
	if err != nil {
		var notFound *kernelerr.VatNotFoundError
		if errors.As(err, &notFound) {
			return r.rejectAsUnroutable(ctx, se)
		}
		return err
	}

	targetEref, ok, err := r.store.KrefToEref(ctx, owner, se.Target)
	if err != nil {
		return err
	}
	if !ok {
		return r.rejectAsUnroutable(ctx, se)
	}

	args, err := r.marshaler.Import(ctx, owner, se.Message.Args)
	if err != nil {
		return err
	}

	var resultEref refs.ERef
	if se.Message.ResultPromise != "" {
		ecd, err := r.marshaler.Import(ctx, owner, marshal.CapData{Slots: []refs.KRef{se.Message.ResultPromise}})
		if err != nil {
			return err
		}
		resultEref = ecd.Slots[0]
	}

	if err := r.deliverer.Deliver(ctx, owner, targetEref, se.Message.Method, args, resultEref); err != nil {
		var notFound *kernelerr.VatNotFoundError
		if errors.As(err, &notFound) {
			return r.rejectAsUnroutable(ctx, se)
		}
		return err
	}
	return nil
}

func (r *Router) rejectAsUnroutable(ctx context.Context, se SendEntry) error {
	rejection := marshal.CapData{Body: []byte(fmt.Sprintf(`{"reason":"no live vat for target","kref":%q}`, se.Target))}
	return r.settleResult(ctx, se.Message.ResultPromise, rejection, true)
}

func (r *Router) dispatchSendToPromise(ctx context.Context, se SendEntry) error {
	kp, err := r.store.GetKernelPromise(ctx, se.Target)
	if err != nil {
		return err
	}

	switch kp.State {
	case kernelstore.PromiseUnresolved:
		// Pipelined: the message waits for se.Target to settle. Replayed
		// as a fresh send once NotifyPromiseResolved fires for it.
		r.mu.Lock()
		r.pipelined[se.Target] = append(r.pipelined[se.Target], se)
		r.mu.Unlock()
		return nil
	case kernelstore.PromiseRejected:
		var rejected marshal.CapData
		if err := json.Unmarshal(kp.Value, &rejected); err != nil {
			return &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("promise %s value: %v", se.Target, err)}
		}
		return r.settleResult(ctx, se.Message.ResultPromise, rejected, true)
	case kernelstore.PromiseFulfilled:
		var resolved marshal.CapData
		if err := json.Unmarshal(kp.Value, &resolved); err != nil {
			return &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("promise %s value: %v", se.Target, err)}
		}
		if len(resolved.Slots) == 1 && isForwardingBody(resolved.Body) {
			follow := se
			follow.Target = resolved.Slots[0]
			return r.dispatchSend(ctx, follow)
		}
		return r.settleResult(ctx, se.Message.ResultPromise, resolved, false)
	default:
		return fmt.Errorf("runqueue: promise %s has unknown state %q", se.Target, kp.State)
	}
}

func (r *Router) dispatchNotify(ctx context.Context, ne NotifyEntry) error {
	kp, err := r.store.GetKernelPromise(ctx, ne.Promise)
	if err != nil {
		return err
	}
	if kp.State == kernelstore.PromiseUnresolved {
		return nil
	}

	var value marshal.CapData
	if len(kp.Value) > 0 {
		if err := json.Unmarshal(kp.Value, &value); err != nil {
			return &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("promise %s value: %v", ne.Promise, err)}
		}
	}

	ecd, err := r.marshaler.Import(ctx, ne.Subscriber, value)
	if err != nil {
		return err
	}

	promiseEcd, err := r.marshaler.Import(ctx, ne.Subscriber, marshal.CapData{Slots: []refs.KRef{ne.Promise}})
	if err != nil {
		return err
	}

	return r.deliverer.Notify(ctx, ne.Subscriber, promiseEcd.Slots[0], ecd, kp.State == kernelstore.PromiseRejected)
}

func (r *Router) dispatchGC(ctx context.Context, ge GCEntry, retire bool) error {
	// Kernel services are not collectible; a vat dropping its service
	// import leaves nothing to account.
	if r.services != nil && r.services.IsService(ctx, ge.KRef) {
		return nil
	}
	if retire {
		if _, err := r.store.DecrementRecognition(ctx, ge.KRef); err != nil {
			return err
		}
	} else {
		if _, err := r.store.DecrementReachable(ctx, ge.KRef); err != nil {
			return err
		}
	}

	collectible, err := r.store.IsCollectible(ctx, ge.KRef)
	if err != nil {
		return err
	}
	if !collectible {
		return nil
	}
	return r.collectObject(ctx, ge.KRef)
}

// collectObject removes ko from its owner's c-list. Any promise whose
// settlement depended on ko remains the owning vat's responsibility to
// settle (typically already handled by vatmgr's termination path); the
// object itself carries no promises of its own to cascade beyond that.
func (r *Router) collectObject(ctx context.Context, ko refs.KRef) error {
	owner, err := r.store.GetObjectOwner(ctx, ko)
	if err != nil {
		return err
	}
	return r.store.ForgetKref(ctx, owner, ko)
}

// settleResult resolves resultPromise (if any) and fans out the
// subsequent notify entries and pipelined sends. A resultPromise of ""
// means the original send was one-way and expects no reply.
func (r *Router) settleResult(ctx context.Context, resultPromise refs.KRef, value marshal.CapData, rejected bool) error {
	if resultPromise == "" {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := r.store.ResolveKernelPromise(ctx, resultPromise, rejected, data); err != nil {
		return err
	}
	return r.NotifyPromiseResolved(ctx, resultPromise)
}

// NotifyPromiseResolved enqueues a notify entry for every subscriber of
// kp and replays any send pipelined on it. Callers that resolve a
// promise outside the router (e.g. vatmgr settling a vat-originated
// promise) must call this afterward so subscribers and pipelined sends
// are not stranded.
func (r *Router) NotifyPromiseResolved(ctx context.Context, kp refs.KRef) error {
	rec, err := r.store.GetKernelPromise(ctx, kp)
	if err != nil {
		return err
	}
	for _, sub := range rec.Subscribers {
		if err := r.queue.Push(ctx, NewNotifyEntry(sub, kp)); err != nil {
			return err
		}
	}

	r.mu.Lock()
	pending := r.pipelined[kp]
	delete(r.pipelined, kp)
	r.mu.Unlock()

	for _, se := range pending {
		if err := r.queue.Push(ctx, Entry{Kind: KindSend, Send: &se}); err != nil {
			return err
		}
	}
	return nil
}
