package kernelstore

import (
	"context"
	"testing"

	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/refs"
)

func newTestStore() *Store {
	return New(memstore.New(), 0, 0)
}

func TestInitObjectAndCList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	if !ko.IsObject() {
		t.Fatalf("expected %s to be an object ref", ko)
	}
	s.AddCListEntry("v1", ko, "o+5")
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	kref, ok, err := s.ErefToKref(ctx, "v1", "o+5")
	if err != nil || !ok || kref != ko {
		t.Fatalf("ErefToKref = %v, %v, %v want %v", kref, ok, err, ko)
	}

	eref, ok, err := s.KrefToEref(ctx, "v1", ko)
	if err != nil || !ok || eref != "o+5" {
		t.Fatalf("KrefToEref = %v, %v, %v", eref, ok, err)
	}
}

func TestMutationOutsideCrankPanics(t *testing.T) {
	s := newTestStore()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic mutating outside a crank")
		}
	}()
	s.InitKernelObject("v1")
}

func TestPromiseResolveOnceOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	kp := s.InitKernelPromise("v1")
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	s.BeginCrank()
	if err := s.ResolveKernelPromise(ctx, kp, false, nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	s.BeginCrank()
	err := s.ResolveKernelPromise(ctx, kp, false, nil)
	s.AbortCrank()
	if err == nil {
		t.Fatal("expected second resolve to fail")
	}
}

func TestCleanupTerminatedVatRejectsPromisesAndDropsCList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	kp := s.InitKernelPromise("v1")
	ko := s.InitKernelObject("v1")
	s.AddCListEntry("v1", ko, "o+1")
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	s.BeginCrank()
	result, err := s.CleanupTerminatedVat(ctx, "v1", "vat terminated")
	if err != nil {
		t.Fatalf("CleanupTerminatedVat: %v", err)
	}
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	if len(result.Promises) != 1 || result.Promises[0] != kp {
		t.Fatalf("expected promise %s cleaned up, got %v", kp, result.Promises)
	}
	if len(result.Exports) != 1 {
		t.Fatalf("expected 1 export cleaned up, got %v", result.Exports)
	}

	rec, err := s.GetKernelPromise(ctx, kp)
	if err != nil {
		t.Fatalf("GetKernelPromise: %v", err)
	}
	if rec.State != PromiseRejected {
		t.Fatalf("state = %s, want rejected", rec.State)
	}

	_, ok, err := s.ErefToKref(ctx, "v1", "o+1")
	if err != nil {
		t.Fatalf("ErefToKref: %v", err)
	}
	if ok {
		t.Fatal("expected c-list entry to be forgotten")
	}
}

func TestRevokeAndPin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	s.Revoke(ko)
	s.PinObject(ko)
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	revoked, err := s.IsRevoked(ctx, ko)
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = %v, %v", revoked, err)
	}
	pinned, err := s.IsPinned(ctx, ko)
	if err != nil || !pinned {
		t.Fatalf("IsPinned = %v, %v", pinned, err)
	}
}

func TestReachableCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	if _, err := s.IncrementReachable(ctx, ko); err != nil {
		t.Fatalf("IncrementReachable: %v", err)
	}
	n, err := s.IncrementReachable(ctx, ko)
	if err != nil {
		t.Fatalf("IncrementReachable: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	n, err = s.DecrementReachable(ctx, ko)
	if err != nil || n != 1 {
		t.Fatalf("DecrementReachable = %d, %v, want 1", n, err)
	}
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	got, err := s.GetReachableFlag(ctx, ko)
	if err != nil || got != 1 {
		t.Fatalf("GetReachableFlag = %d, %v, want 1", got, err)
	}
}

func TestDecrementReachableFlooredAtZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	n, err := s.DecrementReachable(ctx, ko)
	if err != nil {
		t.Fatalf("DecrementReachable: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
	s.CommitCrank(ctx)
}

func TestGetObjectOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	owner, err := s.GetObjectOwner(ctx, ko)
	if err != nil || owner != "v1" {
		t.Fatalf("GetObjectOwner = %v, %v, want v1", owner, err)
	}
}

func TestRecognitionCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	if _, err := s.IncrementRecognition(ctx, ko); err != nil {
		t.Fatalf("IncrementRecognition: %v", err)
	}
	n, err := s.IncrementRecognition(ctx, ko)
	if err != nil || n != 2 {
		t.Fatalf("IncrementRecognition = %d, %v, want 2", n, err)
	}
	n, err = s.DecrementRecognition(ctx, ko)
	if err != nil || n != 1 {
		t.Fatalf("DecrementRecognition = %d, %v, want 1", n, err)
	}
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	got, err := s.GetRecognitionCount(ctx, ko)
	if err != nil || got != 1 {
		t.Fatalf("GetRecognitionCount = %d, %v, want 1", got, err)
	}
}

func TestIsCollectibleRequiresZeroCountsAndUnpinned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	ko := s.InitKernelObject("v1")
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	collectible, err := s.IsCollectible(ctx, ko)
	if err != nil || !collectible {
		t.Fatalf("IsCollectible = %v, %v, want true", collectible, err)
	}

	s.BeginCrank()
	if _, err := s.IncrementReachable(ctx, ko); err != nil {
		t.Fatalf("IncrementReachable: %v", err)
	}
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}
	collectible, err = s.IsCollectible(ctx, ko)
	if err != nil || collectible {
		t.Fatalf("IsCollectible = %v, %v, want false while reachable", collectible, err)
	}

	s.BeginCrank()
	if _, err := s.DecrementReachable(ctx, ko); err != nil {
		t.Fatalf("DecrementReachable: %v", err)
	}
	s.PinObject(ko)
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}
	collectible, err = s.IsCollectible(ctx, ko)
	if err != nil || collectible {
		t.Fatalf("IsCollectible = %v, %v, want false while pinned", collectible, err)
	}
}

func TestSubscribeToPromiseInsertionOrderAndDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	s.BeginCrank()
	kp := s.InitKernelPromise("v1")
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	s.BeginCrank()
	if err := s.SubscribeToPromise(ctx, kp, "v2"); err != nil {
		t.Fatalf("SubscribeToPromise: %v", err)
	}
	if err := s.SubscribeToPromise(ctx, kp, "v3"); err != nil {
		t.Fatalf("SubscribeToPromise: %v", err)
	}
	if err := s.SubscribeToPromise(ctx, kp, "v2"); err != nil {
		t.Fatalf("SubscribeToPromise (dup): %v", err)
	}
	if err := s.CommitCrank(ctx); err != nil {
		t.Fatalf("CommitCrank: %v", err)
	}

	rec, err := s.GetKernelPromise(ctx, kp)
	if err != nil {
		t.Fatalf("GetKernelPromise: %v", err)
	}
	want := []refs.EndpointID{"v2", "v3"}
	if len(rec.Subscribers) != len(want) {
		t.Fatalf("Subscribers = %v, want %v", rec.Subscribers, want)
	}
	for i, sub := range want {
		if rec.Subscribers[i] != sub {
			t.Fatalf("Subscribers[%d] = %s, want %s", i, rec.Subscribers[i], sub)
		}
	}
}

var _ = refs.KRef("")
