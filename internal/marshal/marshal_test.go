package marshal

import (
	"context"
	"testing"

	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/refs"
)

func newTestStore(t *testing.T) *kernelstore.Store {
	t.Helper()
	backend := memstore.New()
	return kernelstore.New(backend, 0, 0)
}

func withCrank(t *testing.T, store *kernelstore.Store, fn func()) {
	t.Helper()
	store.BeginCrank()
	fn()
	if err := store.CommitCrank(context.Background()); err != nil {
		t.Fatalf("commit crank: %v", err)
	}
}

func TestExportAllocatesFreshKrefOnFirstUse(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	ctx := context.Background()

	var cd CapData
	withCrank(t, store, func() {
		var err error
		cd, err = m.Export(ctx, refs.EndpointID("v1"), EndpointCapData{Slots: []refs.ERef{"o+1"}})
		if err != nil {
			t.Fatalf("export: %v", err)
		}
	})

	if len(cd.Slots) != 1 || !cd.Slots[0].IsObject() {
		t.Fatalf("expected one object kref, got %v", cd.Slots)
	}

	// Exporting the same local ref again must resolve to the same kref.
	var cd2 CapData
	withCrank(t, store, func() {
		var err error
		cd2, err = m.Export(ctx, refs.EndpointID("v1"), EndpointCapData{Slots: []refs.ERef{"o+1"}})
		if err != nil {
			t.Fatalf("export: %v", err)
		}
	})
	if cd2.Slots[0] != cd.Slots[0] {
		t.Fatalf("expected stable kref across exports, got %v then %v", cd.Slots[0], cd2.Slots[0])
	}
}

func TestExportMintsPromiseForPKind(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	ctx := context.Background()

	var cd CapData
	withCrank(t, store, func() {
		var err error
		cd, err = m.Export(ctx, refs.EndpointID("v1"), EndpointCapData{Slots: []refs.ERef{"p+1"}})
		if err != nil {
			t.Fatalf("export: %v", err)
		}
	})
	if !cd.Slots[0].IsPromise() {
		t.Fatalf("expected promise kref, got %v", cd.Slots[0])
	}
}

func TestImportRoundTripsThroughEref(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	ctx := context.Background()

	var ko refs.KRef
	withCrank(t, store, func() { ko = store.InitKernelObject(refs.EndpointID("v1")) })

	var ecd EndpointCapData
	withCrank(t, store, func() {
		var err error
		ecd, err = m.Import(ctx, refs.EndpointID("v2"), CapData{Slots: []refs.KRef{ko}})
		if err != nil {
			t.Fatalf("import: %v", err)
		}
	})
	if len(ecd.Slots) != 1 {
		t.Fatalf("expected one eref, got %v", ecd.Slots)
	}
	sign, err := ecd.Slots[0].Sign()
	if err != nil || sign != refs.Import {
		t.Fatalf("expected import-signed eref, got %v (err=%v)", ecd.Slots[0], err)
	}

	// Round trip law: eref_to_kref(kref_to_eref(x)) == x.
	gotKref, ok, err := store.ErefToKref(ctx, refs.EndpointID("v2"), ecd.Slots[0])
	if err != nil || !ok || gotKref != ko {
		t.Fatalf("round trip broke: got %v ok=%v err=%v, want %v", gotKref, ok, err, ko)
	}
}

func TestImportMintsRemoteEref(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	ctx := context.Background()

	var ko refs.KRef
	withCrank(t, store, func() { ko = store.InitKernelObject(refs.EndpointID("v1")) })

	var ecd EndpointCapData
	withCrank(t, store, func() {
		var err error
		ecd, err = m.Import(ctx, refs.EndpointID("r1"), CapData{Slots: []refs.KRef{ko}})
		if err != nil {
			t.Fatalf("import: %v", err)
		}
	})
	if ecd.Slots[0][:2] != "ro" {
		t.Fatalf("expected remote object eref prefix 'ro', got %v", ecd.Slots[0])
	}
}

func TestValidateSlotIndicesRejectsOutOfRange(t *testing.T) {
	body := []byte(`{"@qclass":"slot","index":2}`)
	if err := ValidateSlotIndices(body, 1); err == nil {
		t.Fatal("expected ErrUnknownSlot")
	}
}

func TestValidateSlotIndicesAcceptsNested(t *testing.T) {
	body := []byte(`{"args":[{"@qclass":"slot","index":0},"plain"]}`)
	if err := ValidateSlotIndices(body, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckRevokedRejectsSendToRevokedObject(t *testing.T) {
	store := newTestStore(t)
	m := New(store)
	ctx := context.Background()

	var ko refs.KRef
	withCrank(t, store, func() {
		ko = store.InitKernelObject(refs.EndpointID("v1"))
		store.Revoke(ko)
	})

	err := m.CheckRevoked(ctx, CapData{Slots: []refs.KRef{ko}})
	if err == nil {
		t.Fatal("expected revoked object error")
	}
}

func TestStandinInterningIsStable(t *testing.T) {
	store := newTestStore(t)
	m := New(store)

	a := m.StandinFor(refs.KRef("ko1"))
	b := m.StandinFor(refs.KRef("ko1"))
	if a != b {
		t.Fatal("expected identical standin pointer for repeated lookups")
	}
}
