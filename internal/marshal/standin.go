package marshal

import "github.com/ocapkernel/kernel/internal/refs"

// Standin is an opaque handle carrying a single tagged reference. It is
// never inspected by value — the marshal's only job is mapping wire
// slots to standins and back, not interpreting what a standin denotes.
type Standin struct {
	kref refs.KRef
	eref refs.ERef
}

// NewKernelStandin wraps a kernel-global ref.
func NewKernelStandin(kref refs.KRef) *Standin { return &Standin{kref: kref} }

// NewEndpointStandin wraps an endpoint-local ref.
func NewEndpointStandin(eref refs.ERef) *Standin { return &Standin{eref: eref} }

// KRef returns the wrapped kernel ref, if any.
func (s *Standin) KRef() (refs.KRef, bool) { return s.kref, s.kref != "" }

// ERef returns the wrapped endpoint-local ref, if any.
func (s *Standin) ERef() (refs.ERef, bool) { return s.eref, s.eref != "" }

// internTable hands out the same *Standin pointer for repeated
// occurrences of one ref for as long as the table lives, so a decoded
// structured value that references one object twice produces one
// identity, not two independent handles pointing at the same slot.
type internTable struct {
	kernel   map[refs.KRef]*Standin
	endpoint map[refs.ERef]*Standin
}

func newInternTable() *internTable {
	return &internTable{
		kernel:   make(map[refs.KRef]*Standin),
		endpoint: make(map[refs.ERef]*Standin),
	}
}

func (t *internTable) forKernel(kref refs.KRef) *Standin {
	if s, ok := t.kernel[kref]; ok {
		return s
	}
	s := NewKernelStandin(kref)
	t.kernel[kref] = s
	return s
}

func (t *internTable) forEndpoint(eref refs.ERef) *Standin {
	if s, ok := t.endpoint[eref]; ok {
		return s
	}
	s := NewEndpointStandin(eref)
	t.endpoint[eref] = s
	return s
}
