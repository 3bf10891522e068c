package marshal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/refs"
)

// clistStore is the subset of *kernelstore.Store the marshaler needs.
// Kept as an interface so tests can supply a fake without a full store.
type clistStore interface {
	ErefToKref(ctx context.Context, endpoint refs.EndpointID, eref refs.ERef) (refs.KRef, bool, error)
	KrefToEref(ctx context.Context, endpoint refs.EndpointID, kref refs.KRef) (refs.ERef, bool, error)
	AddCListEntry(endpoint refs.EndpointID, kref refs.KRef, eref refs.ERef)
	InitKernelObject(owner refs.EndpointID) refs.KRef
	InitKernelPromise(decider refs.EndpointID) refs.KRef
	IsRevoked(ctx context.Context, ko refs.KRef) (bool, error)
}

var _ clistStore = (*kernelstore.Store)(nil)

// erefCounters mints fresh import erefs for one endpoint. Each endpoint
// owns its own numbering — these are intentionally separate from the kernel store's
// global KRef allocator.
type erefCounters struct {
	nextObject  atomic.Int64
	nextPromise atomic.Int64
}

// Marshaler performs the four translation directions:
// vat->kernel and remote->kernel are both Export (an endpoint's local
// value becomes kernel-global); kernel->vat and kernel->remote are both
// Import (a kernel ref becomes that endpoint's private alias).
type Marshaler struct {
	store clistStore

	mu       sync.Mutex
	counters map[refs.EndpointID]*erefCounters
	intern   *internTable
}

// New creates a Marshaler over the given kernel store.
func New(store *kernelstore.Store) *Marshaler {
	return &Marshaler{
		store:    store,
		counters: make(map[refs.EndpointID]*erefCounters),
		intern:   newInternTable(),
	}
}

// StandinFor returns the interned standin for a kernel ref, minting one
// on first use. Repeated lookups for the same ref return the identical
// pointer: object identity is preserved across repeated translations
// by interning.
func (m *Marshaler) StandinFor(kref refs.KRef) *Standin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intern.forKernel(kref)
}

// EndpointStandinFor returns the interned standin for an endpoint-local
// ref.
func (m *Marshaler) EndpointStandinFor(eref refs.ERef) *Standin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intern.forEndpoint(eref)
}

func (m *Marshaler) counterFor(endpoint refs.EndpointID) *erefCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[endpoint]
	if !ok {
		c = &erefCounters{}
		m.counters[endpoint] = c
	}
	return c
}

// isPromiseKind reports whether an endpoint-local ref names a promise
// ("p+3"/"rp-9") as opposed to an object ("o+5"/"ro-2").
func isPromiseKind(e refs.ERef) bool {
	s := string(e)
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i > 0 && (s[i-1] == '+' || s[i-1] == '-') {
		i--
	}
	switch s[:i] {
	case "p", "rp":
		return true
	default:
		return false
	}
}

// Export translates an endpoint's private CapData into kernel-global
// CapData (vat->kernel, remote->kernel). When the endpoint has no
// c-list entry yet for one of its local refs, Export allocates a fresh
// kernel ref and records the entry — the endpoint is the owner of any
// newly-minted object, and the decider of any newly-minted promise.
// Must run inside an open crank (the store enforces this).
func (m *Marshaler) Export(ctx context.Context, endpoint refs.EndpointID, ecd EndpointCapData) (CapData, error) {
	if err := ValidateSlotIndices(ecd.Body, len(ecd.Slots)); err != nil {
		return CapData{}, err
	}

	slots := make([]refs.KRef, len(ecd.Slots))
	for i, eref := range ecd.Slots {
		kref, ok, err := m.store.ErefToKref(ctx, endpoint, eref)
		if err != nil {
			return CapData{}, fmt.Errorf("marshal: export lookup %s/%s: %w", endpoint, eref, err)
		}
		if !ok {
			if isPromiseKind(eref) {
				kref = m.store.InitKernelPromise(endpoint)
			} else {
				kref = m.store.InitKernelObject(endpoint)
			}
			m.store.AddCListEntry(endpoint, kref, eref)
		}
		m.StandinFor(kref)
		slots[i] = kref
	}
	return CapData{Body: ecd.Body, Slots: slots}, nil
}

// Import translates kernel-global CapData into one endpoint's private
// view (kernel->vat, kernel->remote). When the endpoint has no local
// alias yet for one of the kernel refs, Import mints a fresh eref with
// the Import sign and records the c-list entry.
func (m *Marshaler) Import(ctx context.Context, endpoint refs.EndpointID, cd CapData) (EndpointCapData, error) {
	counters := m.counterFor(endpoint)
	remote := refs.IsRemote(endpoint)

	slots := make([]refs.ERef, len(cd.Slots))
	for i, kref := range cd.Slots {
		eref, ok, err := m.store.KrefToEref(ctx, endpoint, kref)
		if err != nil {
			return EndpointCapData{}, fmt.Errorf("marshal: import lookup %s/%s: %w", endpoint, kref, err)
		}
		if !ok {
			var n int64
			var kindPrefix string
			if kref.IsPromise() {
				n = counters.nextPromise.Add(1)
				kindPrefix = "p"
			} else {
				n = counters.nextObject.Add(1)
				kindPrefix = "o"
			}
			if remote {
				kindPrefix = "r" + kindPrefix
			}
			eref = refs.MakeERef(kindPrefix, refs.Import, n)
			m.store.AddCListEntry(endpoint, kref, eref)
		}
		m.EndpointStandinFor(eref)
		slots[i] = eref
	}
	return EndpointCapData{Body: cd.Body, Slots: slots}, nil
}

// CheckRevoked returns the first revoked kernel object found among cd's
// slots, if any. The router calls this before delivering a send so a
// revoked target is rejected rather than delivered.
func (m *Marshaler) CheckRevoked(ctx context.Context, cd CapData) error {
	for _, kref := range cd.Slots {
		if !kref.IsObject() {
			continue
		}
		revoked, err := m.store.IsRevoked(ctx, kref)
		if err != nil {
			return err
		}
		if revoked {
			return &kernelerr.RevokedObjectError{KRef: string(kref)}
		}
	}
	return nil
}
