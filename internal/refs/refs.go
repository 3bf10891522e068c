// Package refs defines the short tagged-string reference namespaces that
// flow through the kernel: kernel object/promise refs, remote and
// endpoint-local refs, and the endpoint/subcluster identifiers that own
// them. References are plain strings by design — they cross process and
// wire boundaries (vat workers, remote kernels) where a richer type would
// need its own codec anyway.
package refs

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// KRef is a kernel-global reference: "ko12" (object) or "kp7" (promise).
type KRef string

// ERef is an endpoint-local reference: "o+5" (export) or "p-3" (import).
// The sign is owned by the endpoint and never crosses a translation
// boundary uninterpreted.
type ERef string

// RRef is a remote kernel's view of a reference: "ro+2" / "rp-9".
type RRef string

// EndpointID names a participant in the capability graph: "v3" (vat),
// "r2" (remote), or "sv1" (system vat).
type EndpointID string

// SubclusterID names a group of vats: "s4", or "ss1" for a system
// subcluster.
type SubclusterID string

// Sign is the ownership direction of an endpoint-local or remote ref.
type Sign int

const (
	// Export means the endpoint minted and owns this reference.
	Export Sign = iota
	// Import means the endpoint received this reference from elsewhere.
	Import
)

func (s Sign) rune() byte {
	if s == Export {
		return '+'
	}
	return '-'
}

// IsObject reports whether a KRef names a kernel object ("ko...").
func (k KRef) IsObject() bool { return strings.HasPrefix(string(k), "ko") }

// IsPromise reports whether a KRef names a kernel promise ("kp...").
func (k KRef) IsPromise() bool { return strings.HasPrefix(string(k), "kp") }

// Sign returns the sign encoded in an endpoint-local or remote ref.
func signOf(s string) (Sign, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("refs: empty ref")
	}
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '+':
			return Export, nil
		case '-':
			return Import, nil
		}
		if s[i] < '0' || s[i] > '9' {
			break
		}
	}
	return 0, fmt.Errorf("refs: ref %q carries no sign", s)
}

// Sign returns the sign carried by an ERef ("o+5" -> Export).
func (e ERef) Sign() (Sign, error) { return signOf(string(e)) }

// Sign returns the sign carried by an RRef.
func (r RRef) Sign() (Sign, error) { return signOf(string(r)) }

// Allocator mints monotonically increasing kernel refs. A single
// Allocator backs one kernel's entire object/promise namespace — refs
// are never reused within a process lifetime.
type Allocator struct {
	nextObject  atomic.Int64
	nextPromise atomic.Int64
}

// NewAllocator creates an Allocator that resumes counting from the given
// high-water marks (as recovered from the kernel store on restart).
func NewAllocator(lastObject, lastPromise int64) *Allocator {
	a := &Allocator{}
	a.nextObject.Store(lastObject)
	a.nextPromise.Store(lastPromise)
	return a
}

// NextObject mints a fresh "ko<N>" ref.
func (a *Allocator) NextObject() KRef {
	n := a.nextObject.Add(1)
	return KRef("ko" + strconv.FormatInt(n, 10))
}

// NextPromise mints a fresh "kp<N>" ref.
func (a *Allocator) NextPromise() KRef {
	n := a.nextPromise.Add(1)
	return KRef("kp" + strconv.FormatInt(n, 10))
}

// IDAllocator mints monotonically increasing endpoint/subcluster IDs
// ("v3", "s4", ...) sharing the allocator's never-reuse guarantee.
type IDAllocator struct {
	counters struct {
		vat, remote, sysvat, subcluster, syssubcluster atomic.Int64
	}
}

// NewIDAllocator creates an IDAllocator with every counter at zero;
// Observe advances the counters past previously persisted ids.
func NewIDAllocator() *IDAllocator { return &IDAllocator{} }

func (a *IDAllocator) NextVat() EndpointID {
	return EndpointID("v" + strconv.FormatInt(a.counters.vat.Add(1), 10))
}

func (a *IDAllocator) NextRemote() EndpointID {
	return EndpointID("r" + strconv.FormatInt(a.counters.remote.Add(1), 10))
}

func (a *IDAllocator) NextSystemVat() EndpointID {
	return EndpointID("sv" + strconv.FormatInt(a.counters.sysvat.Add(1), 10))
}

func (a *IDAllocator) NextSubcluster() SubclusterID {
	return SubclusterID("s" + strconv.FormatInt(a.counters.subcluster.Add(1), 10))
}

func (a *IDAllocator) NextSystemSubcluster() SubclusterID {
	return SubclusterID("ss" + strconv.FormatInt(a.counters.syssubcluster.Add(1), 10))
}

// Observe advances the allocator past an id recovered from persisted
// state, so a restarted kernel never re-mints an id already in use.
// Unparseable ids are ignored.
func (a *IDAllocator) Observe(id string) {
	var counter *atomic.Int64
	var rest string
	switch {
	case strings.HasPrefix(id, "sv"):
		counter, rest = &a.counters.sysvat, id[2:]
	case strings.HasPrefix(id, "ss"):
		counter, rest = &a.counters.syssubcluster, id[2:]
	case strings.HasPrefix(id, "v"):
		counter, rest = &a.counters.vat, id[1:]
	case strings.HasPrefix(id, "r"):
		counter, rest = &a.counters.remote, id[1:]
	case strings.HasPrefix(id, "s"):
		counter, rest = &a.counters.subcluster, id[1:]
	default:
		return
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return
	}
	for {
		cur := counter.Load()
		if n <= cur || counter.CompareAndSwap(cur, n) {
			return
		}
	}
}

// IsSystemVat reports whether an endpoint ID names an ephemeral system
// vat ("sv*"). System vat c-list entries must not survive a kernel
// restart.
func IsSystemVat(id EndpointID) bool { return strings.HasPrefix(string(id), "sv") }

// IsRemote reports whether an endpoint ID names a remote kernel ("r<N>").
func IsRemote(id EndpointID) bool { return strings.HasPrefix(string(id), "r") }

// IsSystemSubcluster reports whether a subcluster ID names a system
// subcluster ("ss*").
func IsSystemSubcluster(id SubclusterID) bool { return strings.HasPrefix(string(id), "ss") }

// MakeERef builds a tagged endpoint-local reference from a kind prefix
// ("o" or "p"), a sign, and a numeric id.
func MakeERef(kindPrefix string, sign Sign, n int64) ERef {
	return ERef(fmt.Sprintf("%s%c%d", kindPrefix, sign.rune(), n))
}
