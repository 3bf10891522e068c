package kernelstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/refs"
)

// Key namespace conventions: c-list entries are namespaced
// <endpoint>.c.<eref> (and the reverse index <endpoint>.k.<kref>);
// everything else uses a fixed top-level prefix per concern.
const (
	// Object state lives at ko<N>.owner / .reachable / ...; a promise
	// record is the single key kp<N>. No dot in the scan prefixes — the
	// ref itself is the key stem.
	prefixObject     = "ko"
	prefixPromise    = "kp"
	prefixCListE     = ".c." // <endpoint>.c.<eref> -> kref
	prefixCListK     = ".k." // <endpoint>.k.<kref> -> eref
	suffixOwner      = ".owner"
	suffixReachable  = ".reachable"
	suffixRecognized = ".recognized"
	suffixRevoked    = ".revoked"
	suffixPinned     = ".pinned"
)

// PromiseState is the resolution state of a kernel promise.
type PromiseState string

const (
	PromiseUnresolved PromiseState = "unresolved"
	PromiseFulfilled  PromiseState = "fulfilled"
	PromiseRejected   PromiseState = "rejected"
)

// KernelPromise is the persisted record for a kernel promise.
type KernelPromise struct {
	ID          refs.KRef         `json:"id"`
	Decider     refs.EndpointID   `json:"decider"`
	State       PromiseState      `json:"state"`
	Value       json.RawMessage   `json:"value,omitempty"`
	Subscribers []refs.EndpointID `json:"subscribers,omitempty"`
}

// CleanupResult reports the c-list entries and promises released when a
// vat's endpoint is torn down.
type CleanupResult struct {
	Exports  []refs.ERef
	Imports  []refs.ERef
	Promises []refs.KRef
}

// Store is the durable key-value view of kernel state. Every mutator
// must run inside a crank: BeginCrank starts one, CommitCrank flushes its
// writes to the backend atomically, AbortCrank discards them.
type Store struct {
	backend Backend
	alloc   *refs.Allocator

	gate chan struct{} // capacity 1, held while a crank is open
	mu   sync.Mutex    // guards txn; a crank is the kernel's sole writer
	txn  *crankTxn
}

type crankTxn struct {
	writes  map[string][]byte
	deletes map[string]bool
}

func newCrankTxn() *crankTxn {
	return &crankTxn{writes: make(map[string][]byte), deletes: make(map[string]bool)}
}

// New wraps backend with kernel store semantics. lastObject/lastPromise
// seed the ref allocator's high-water mark (0 for a fresh store).
func New(backend Backend, lastObject, lastPromise int64) *Store {
	return &Store{
		backend: backend,
		alloc:   refs.NewAllocator(lastObject, lastPromise),
		gate:    make(chan struct{}, 1),
	}
}

// BeginCrank opens the atomic write boundary for one crank, blocking
// until the crank in progress (if any) commits or aborts — at most one
// crank is in flight on the whole kernel. Nesting
// from the same goroutine deadlocks by construction; that is a kernel
// bug, not a supported path.
func (s *Store) BeginCrank() {
	s.gate <- struct{}{}
	s.mu.Lock()
	s.txn = newCrankTxn()
	s.mu.Unlock()
}

// CommitCrank flushes the crank's writes to the backend. A crank's
// mutations appear atomic to observers: nothing is visible via Get until
// CommitCrank returns.
func (s *Store) CommitCrank(ctx context.Context) error {
	s.mu.Lock()
	txn := s.txn
	s.txn = nil
	s.mu.Unlock()

	if txn == nil {
		panic("kernelstore: CommitCrank called with no open crank")
	}
	defer func() { <-s.gate }()

	for k := range txn.deletes {
		if err := s.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("kernelstore: commit delete %s: %w", k, err)
		}
	}
	for k, v := range txn.writes {
		if err := s.backend.Set(ctx, k, v); err != nil {
			return fmt.Errorf("kernelstore: commit set %s: %w", k, err)
		}
	}
	return nil
}

// AbortCrank discards the crank's buffered writes without touching the
// backend. A no-op when no crank is open.
func (s *Store) AbortCrank() {
	s.mu.Lock()
	open := s.txn != nil
	s.txn = nil
	s.mu.Unlock()
	if open {
		<-s.gate
	}
}

func (s *Store) requireCrank() *crankTxn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		panic("kernelstore: mutation attempted outside a crank")
	}
	return s.txn
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	txn := s.txn
	s.mu.Unlock()

	if txn != nil {
		if txn.deletes[key] {
			return nil, false, nil
		}
		if v, ok := txn.writes[key]; ok {
			return v, true, nil
		}
	}
	return s.backend.Get(ctx, key)
}

func (s *Store) set(key string, value []byte) {
	txn := s.requireCrank()
	delete(txn.deletes, key)
	txn.writes[key] = value
}

func (s *Store) del(key string) {
	txn := s.requireCrank()
	delete(txn.writes, key)
	txn.deletes[key] = true
}

func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	// Crank-local writes are not yet reflected in backend-side prefix
	// scans; kernelstore callers only scan for keys established by prior
	// committed cranks (c-list enumeration during cleanup_terminated_vat
	// happens before new entries for that vat are written in the same
	// crank), so reading straight from the backend is correct here.
	return s.backend.Keys(ctx, prefix)
}

// InitKernelObject allocates a fresh kernel object ref owned by owner.
func (s *Store) InitKernelObject(owner refs.EndpointID) refs.KRef {
	ko := s.alloc.NextObject()
	s.set(string(ko)+suffixOwner, []byte(owner))
	s.set(string(ko)+suffixReachable, []byte("0"))
	s.set(string(ko)+suffixRecognized, []byte("0"))
	return ko
}

// GetObjectOwner returns the endpoint that owns a kernel object.
func (s *Store) GetObjectOwner(ctx context.Context, ko refs.KRef) (refs.EndpointID, error) {
	v, ok, err := s.get(ctx, string(ko)+suffixOwner)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &kernelerr.VatNotFoundError{VatID: string(ko)}
	}
	return refs.EndpointID(v), nil
}

// InitKernelPromise allocates a fresh kernel promise decided by decider.
func (s *Store) InitKernelPromise(decider refs.EndpointID) refs.KRef {
	kp := s.alloc.NextPromise()
	rec := KernelPromise{ID: kp, Decider: decider, State: PromiseUnresolved}
	data, _ := json.Marshal(rec)
	s.set(string(kp), data)
	return kp
}

// AddCListEntry records the bidirectional mapping between an endpoint's
// local eref and the kernel-global kref.
func (s *Store) AddCListEntry(endpoint refs.EndpointID, kref refs.KRef, eref refs.ERef) {
	s.set(string(endpoint)+prefixCListE+string(eref), []byte(kref))
	s.set(string(endpoint)+prefixCListK+string(kref), []byte(eref))
}

// ErefToKref translates an endpoint-local eref to its kernel kref.
func (s *Store) ErefToKref(ctx context.Context, endpoint refs.EndpointID, eref refs.ERef) (refs.KRef, bool, error) {
	v, ok, err := s.get(ctx, string(endpoint)+prefixCListE+string(eref))
	if err != nil || !ok {
		return "", ok, err
	}
	return refs.KRef(v), true, nil
}

// KrefToEref translates a kernel kref to the endpoint's local eref.
func (s *Store) KrefToEref(ctx context.Context, endpoint refs.EndpointID, kref refs.KRef) (refs.ERef, bool, error) {
	v, ok, err := s.get(ctx, string(endpoint)+prefixCListK+string(kref))
	if err != nil || !ok {
		return "", ok, err
	}
	return refs.ERef(v), true, nil
}

// ForgetKref removes both directions of a c-list entry.
func (s *Store) ForgetKref(ctx context.Context, endpoint refs.EndpointID, kref refs.KRef) error {
	eref, ok, err := s.KrefToEref(ctx, endpoint, kref)
	if err != nil {
		return err
	}
	if ok {
		s.del(string(endpoint) + prefixCListE + string(eref))
	}
	s.del(string(endpoint) + prefixCListK + string(kref))
	return nil
}

// GetReachableFlag returns the current reachability count for a kernel
// object.
func (s *Store) GetReachableFlag(ctx context.Context, ko refs.KRef) (int, error) {
	v, ok, err := s.get(ctx, string(ko)+suffixReachable)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, _ := strconv.Atoi(string(v))
	return n, nil
}

// ClearReachableFlag zeroes the reachability count.
func (s *Store) ClearReachableFlag(ko refs.KRef) {
	s.set(string(ko)+suffixReachable, []byte("0"))
}

// IncrementReachable bumps the reachability count by one.
func (s *Store) IncrementReachable(ctx context.Context, ko refs.KRef) (int, error) {
	n, err := s.GetReachableFlag(ctx, ko)
	if err != nil {
		return 0, err
	}
	n++
	s.set(string(ko)+suffixReachable, []byte(strconv.Itoa(n)))
	return n, nil
}

// DecrementReachable decrements the reachability count by one, floored at
// zero.
func (s *Store) DecrementReachable(ctx context.Context, ko refs.KRef) (int, error) {
	n, err := s.GetReachableFlag(ctx, ko)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		n--
	}
	s.set(string(ko)+suffixReachable, []byte(strconv.Itoa(n)))
	return n, nil
}

// GetRecognitionCount returns the current recognition count for a kernel
// object (how many live c-list entries name it, distinct from the
// reachable count's "is it held by a reachable value" sense —
// invariant 3 requires both to be zero before an object is collectible).
func (s *Store) GetRecognitionCount(ctx context.Context, ko refs.KRef) (int, error) {
	v, ok, err := s.get(ctx, string(ko)+suffixRecognized)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, _ := strconv.Atoi(string(v))
	return n, nil
}

// IncrementRecognition bumps the recognition count by one.
func (s *Store) IncrementRecognition(ctx context.Context, ko refs.KRef) (int, error) {
	n, err := s.GetRecognitionCount(ctx, ko)
	if err != nil {
		return 0, err
	}
	n++
	s.set(string(ko)+suffixRecognized, []byte(strconv.Itoa(n)))
	return n, nil
}

// DecrementRecognition decrements the recognition count by one, floored at
// zero.
func (s *Store) DecrementRecognition(ctx context.Context, ko refs.KRef) (int, error) {
	n, err := s.GetRecognitionCount(ctx, ko)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		n--
	}
	s.set(string(ko)+suffixRecognized, []byte(strconv.Itoa(n)))
	return n, nil
}

// IsCollectible reports whether ko's reachable and recognition counts are
// both zero and it is not pinned.
func (s *Store) IsCollectible(ctx context.Context, ko refs.KRef) (bool, error) {
	reachable, err := s.GetReachableFlag(ctx, ko)
	if err != nil {
		return false, err
	}
	if reachable > 0 {
		return false, nil
	}
	recognized, err := s.GetRecognitionCount(ctx, ko)
	if err != nil {
		return false, err
	}
	if recognized > 0 {
		return false, nil
	}
	pinned, err := s.IsPinned(ctx, ko)
	if err != nil {
		return false, err
	}
	return !pinned, nil
}

// GetKernelPromise returns the promise record for kp.
func (s *Store) GetKernelPromise(ctx context.Context, kp refs.KRef) (*KernelPromise, error) {
	v, ok, err := s.get(ctx, string(kp))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &kernelerr.VatNotFoundError{VatID: string(kp)}
	}
	var rec KernelPromise
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("promise %s: %v", kp, err)}
	}
	return &rec, nil
}

// ResolveKernelPromise settles kp as fulfilled or rejected. Resolving an
// already-settled promise is a fatal error (only the decider may resolve,
// and only once).
func (s *Store) ResolveKernelPromise(ctx context.Context, kp refs.KRef, rejected bool, capdata json.RawMessage) error {
	rec, err := s.GetKernelPromise(ctx, kp)
	if err != nil {
		return err
	}
	if rec.State != PromiseUnresolved {
		return &kernelerr.PromiseAlreadyResolvedError{Promise: string(kp)}
	}
	if rejected {
		rec.State = PromiseRejected
	} else {
		rec.State = PromiseFulfilled
	}
	rec.Value = capdata
	data, _ := json.Marshal(rec)
	s.set(string(kp), data)
	return nil
}

// SubscribeToPromise records subscriber as interested in kp's resolution,
// appending to the subscriber set if not already present. Subscribers are
// notified in the insertion order recorded here once kp settles.
func (s *Store) SubscribeToPromise(ctx context.Context, kp refs.KRef, subscriber refs.EndpointID) error {
	rec, err := s.GetKernelPromise(ctx, kp)
	if err != nil {
		return err
	}
	for _, sub := range rec.Subscribers {
		if sub == subscriber {
			return nil
		}
	}
	rec.Subscribers = append(rec.Subscribers, subscriber)
	data, _ := json.Marshal(rec)
	s.set(string(kp), data)
	return nil
}

// GetPromisesByDecider returns every promise currently decided by
// endpoint.
func (s *Store) GetPromisesByDecider(ctx context.Context, endpoint refs.EndpointID) ([]refs.KRef, error) {
	keys, err := s.keys(ctx, prefixPromise)
	if err != nil {
		return nil, err
	}
	var out []refs.KRef
	for _, k := range keys {
		v, ok, err := s.get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec KernelPromise
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.Decider == endpoint {
			out = append(out, rec.ID)
		}
	}
	return out, nil
}

// CleanupTerminatedVat rejects every promise decided by endpoint with a
// synthetic reason, then retires its c-list exports and imports,
// returning what was released.
func (s *Store) CleanupTerminatedVat(ctx context.Context, endpoint refs.EndpointID, reason string) (*CleanupResult, error) {
	promises, err := s.GetPromisesByDecider(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	reasonData, _ := json.Marshal(map[string]string{"reason": reason})
	for _, kp := range promises {
		rec, err := s.GetKernelPromise(ctx, kp)
		if err != nil {
			return nil, err
		}
		if rec.State == PromiseUnresolved {
			if err := s.ResolveKernelPromise(ctx, kp, true, reasonData); err != nil {
				return nil, err
			}
		}
	}

	entryKeys, err := s.keys(ctx, string(endpoint)+prefixCListE)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Promises: promises}
	for _, k := range entryKeys {
		eref := refs.ERef(strings.TrimPrefix(k, string(endpoint)+prefixCListE))
		kref, ok, err := s.ErefToKref(ctx, endpoint, eref)
		if err != nil {
			return nil, err
		}
		sign, signErr := eref.Sign()
		if signErr == nil && sign == refs.Export {
			result.Exports = append(result.Exports, eref)
		} else {
			result.Imports = append(result.Imports, eref)
		}
		if ok {
			if err := s.ForgetKref(ctx, endpoint, kref); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// CleanupStaleSystemVatEntries finds every endpoint id beginning with
// "sv" that still has c-list entries persisted from a prior process
// incarnation and tears them down exactly like CleanupTerminatedVat
//. Must run inside
// an open crank.
func (s *Store) CleanupStaleSystemVatEntries(ctx context.Context) ([]refs.KRef, error) {
	keys, err := s.keys(ctx, "sv")
	if err != nil {
		return nil, err
	}

	seen := make(map[refs.EndpointID]bool)
	for _, k := range keys {
		dot := strings.IndexByte(k, '.')
		if dot < 0 {
			continue
		}
		endpoint := refs.EndpointID(k[:dot])
		if !refs.IsSystemVat(endpoint) || seen[endpoint] {
			continue
		}
		seen[endpoint] = true
	}

	var allPromises []refs.KRef
	for endpoint := range seen {
		result, err := s.CleanupTerminatedVat(ctx, endpoint, "stale system vat entry from prior incarnation")
		if err != nil {
			return nil, err
		}
		allPromises = append(allPromises, result.Promises...)
	}
	return allPromises, nil
}

// Revoke marks a kernel object as revoked; future sends to it are
// rejected rather than delivered.
func (s *Store) Revoke(ko refs.KRef) {
	s.set(string(ko)+suffixRevoked, []byte("1"))
}

// IsRevoked reports whether ko has been revoked.
func (s *Store) IsRevoked(ctx context.Context, ko refs.KRef) (bool, error) {
	v, ok, err := s.get(ctx, string(ko)+suffixRevoked)
	if err != nil || !ok {
		return false, err
	}
	return string(v) == "1", nil
}

// PinObject marks ko as pinned, exempting it from gc-drop collection.
func (s *Store) PinObject(ko refs.KRef) {
	s.set(string(ko)+suffixPinned, []byte("1"))
}

// UnpinObject removes ko's pin.
func (s *Store) UnpinObject(ko refs.KRef) {
	s.del(string(ko) + suffixPinned)
}

// IsPinned reports whether ko is pinned.
func (s *Store) IsPinned(ctx context.Context, ko refs.KRef) (bool, error) {
	v, ok, err := s.get(ctx, string(ko)+suffixPinned)
	if err != nil || !ok {
		return false, err
	}
	return string(v) == "1", nil
}

// Reset clears every key except those in except, used to recover a
// corrupted store to a known-good subset (e.g. preserve the subcluster
// index while dropping stale c-list entries).
func (s *Store) Reset(ctx context.Context, except map[string]bool) error {
	keys, err := s.keys(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if except[k] {
			continue
		}
		s.del(k)
	}
	return nil
}

// Clear removes every key in the store.
func (s *Store) Clear(ctx context.Context) error {
	return s.backend.Clear(ctx)
}
