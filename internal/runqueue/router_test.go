package runqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
)

type deliverCall struct {
	owner      refs.EndpointID
	target     refs.ERef
	method     string
	args       marshal.EndpointCapData
	resultEref refs.ERef
}

type notifyCall struct {
	subscriber refs.EndpointID
	promise    refs.ERef
	value      marshal.EndpointCapData
	rejected   bool
}

type fakeDeliverer struct {
	mu       sync.Mutex
	delivers []deliverCall
	notifies []notifyCall
}

func (f *fakeDeliverer) Deliver(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivers = append(f.delivers, deliverCall{owner, target, method, args, resultEref})
	return nil
}

func (f *fakeDeliverer) Notify(ctx context.Context, subscriber refs.EndpointID, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, notifyCall{subscriber, promise, value, rejected})
	return nil
}

func newTestRouter(t *testing.T) (*Router, *kernelstore.Store, *Queue, *fakeDeliverer) {
	t.Helper()
	backend := memstore.New()
	store := kernelstore.New(backend, 0, 0)
	queue := NewQueue(backend)
	m := marshal.New(store)
	deliverer := &fakeDeliverer{}
	return NewRouter(store, queue, m, deliverer, nil), store, queue, deliverer
}

func TestRunCrankReturnsFalseOnEmptyQueue(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	ran, err := router.RunCrank(context.Background())
	if err != nil {
		t.Fatalf("RunCrank: %v", err)
	}
	if ran {
		t.Fatal("expected ran=false on empty queue")
	}
}

func TestRunCrankDispatchesSendToObject(t *testing.T) {
	ctx := context.Background()
	router, store, queue, deliverer := newTestRouter(t)

	store.BeginCrank()
	ko := store.InitKernelObject("v1")
	store.AddCListEntry("v1", ko, "o+1")
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := queue.Push(ctx, NewSendEntry(ko, Message{Method: "ping"})); err != nil {
		t.Fatalf("push: %v", err)
	}

	ran, err := router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("RunCrank = %v, %v", ran, err)
	}

	if len(deliverer.delivers) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliverer.delivers))
	}
	got := deliverer.delivers[0]
	if got.owner != "v1" || got.target != "o+1" || got.method != "ping" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestSendPipelinedOnUnresolvedPromiseReplaysAfterResolve(t *testing.T) {
	ctx := context.Background()
	router, store, queue, deliverer := newTestRouter(t)

	store.BeginCrank()
	kp := store.InitKernelPromise("v1")
	ko := store.InitKernelObject("v1")
	store.AddCListEntry("v1", ko, "o+1")
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := queue.Push(ctx, NewSendEntry(kp, Message{Method: "ping"})); err != nil {
		t.Fatalf("push: %v", err)
	}
	ran, err := router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("RunCrank = %v, %v", ran, err)
	}
	if len(deliverer.delivers) != 0 {
		t.Fatalf("expected no delivery while promise unresolved, got %d", len(deliverer.delivers))
	}

	value, err := json.Marshal(marshal.CapData{Body: forwardingBody, Slots: []refs.KRef{ko}})
	if err != nil {
		t.Fatalf("marshal forwarding value: %v", err)
	}
	store.BeginCrank()
	if err := store.ResolveKernelPromise(ctx, kp, false, value); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := router.NotifyPromiseResolved(ctx, kp); err != nil {
		t.Fatalf("NotifyPromiseResolved: %v", err)
	}
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ran, err = router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("replay RunCrank = %v, %v", ran, err)
	}
	if len(deliverer.delivers) != 1 {
		t.Fatalf("expected replayed delivery, got %d", len(deliverer.delivers))
	}
	if deliverer.delivers[0].target != "o+1" {
		t.Fatalf("expected replayed send to follow to ko's eref, got %v", deliverer.delivers[0].target)
	}
}

func TestGCDropCollectsWhenCountersZero(t *testing.T) {
	ctx := context.Background()
	router, store, queue, _ := newTestRouter(t)

	store.BeginCrank()
	ko := store.InitKernelObject("v1")
	store.AddCListEntry("v1", ko, "o+1")
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := queue.Push(ctx, NewGCDropEntry("v1", ko)); err != nil {
		t.Fatalf("push: %v", err)
	}
	ran, err := router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("RunCrank = %v, %v", ran, err)
	}

	_, ok, err := store.ErefToKref(ctx, "v1", "o+1")
	if err != nil {
		t.Fatalf("ErefToKref: %v", err)
	}
	if ok {
		t.Fatal("expected c-list entry forgotten after collection")
	}
}

func TestNotifyDispatchDeliversSettledValue(t *testing.T) {
	ctx := context.Background()
	router, store, _, deliverer := newTestRouter(t)

	store.BeginCrank()
	kp := store.InitKernelPromise("v1")
	if err := store.SubscribeToPromise(ctx, kp, "v2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	value, err := json.Marshal(marshal.CapData{Body: []byte(`"done"`)})
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	store.BeginCrank()
	if err := store.ResolveKernelPromise(ctx, kp, false, value); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := router.NotifyPromiseResolved(ctx, kp); err != nil {
		t.Fatalf("NotifyPromiseResolved: %v", err)
	}
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ran, err := router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("RunCrank = %v, %v", ran, err)
	}

	if len(deliverer.notifies) != 1 {
		t.Fatalf("expected one notify, got %d", len(deliverer.notifies))
	}
	if got := deliverer.notifies[0]; got.subscriber != "v2" || got.rejected {
		t.Fatalf("unexpected notify: %+v", got)
	}
}

func TestWaitForCrankReturnsWhenIdle(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	done := make(chan struct{})
	go func() {
		router.WaitForCrank()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCrank did not return while idle")
	}
}

func TestSendToNonexistentVatRejectsResultPromise(t *testing.T) {
	ctx := context.Background()
	router, store, queue, _ := newTestRouter(t)

	// An object whose owner has no c-list entry for it: the vat is gone.
	store.BeginCrank()
	ko := store.InitKernelObject("v1")
	kp := store.InitKernelPromise("v2")
	if err := store.SubscribeToPromise(ctx, kp, "v2"); err != nil {
		t.Fatal(err)
	}
	if err := store.CommitCrank(ctx); err != nil {
		t.Fatal(err)
	}

	if err := queue.Push(ctx, NewSendEntry(ko, Message{Method: "poke", ResultPromise: kp})); err != nil {
		t.Fatal(err)
	}
	ran, err := router.RunCrank(ctx)
	if err != nil || !ran {
		t.Fatalf("RunCrank ran=%v err=%v (an unroutable send must not fail the crank)", ran, err)
	}

	rec, err := store.GetKernelPromise(ctx, kp)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != kernelstore.PromiseRejected {
		t.Fatalf("result promise state = %s, want rejected", rec.State)
	}

	// The subscriber's notify was queued, so the failure is observable.
	entry, ok, err := queue.Pop(ctx)
	if err != nil || !ok || entry.Kind != KindNotify {
		t.Fatalf("expected a notify entry, got ok=%v kind=%v err=%v", ok, entry.Kind, err)
	}
}
