// Package marshal implements the CapData <-> standin slot translation.
// It is the thin layer between the kernel's global KRef
// namespace and each endpoint's (vat or remote) private ERef namespace:
// every send, resolution, or notification that crosses an endpoint
// boundary passes through here exactly once.
//
// Slots are interned by ref (one table for kernel refs, one for
// endpoint refs, kept for the Marshaler's lifetime) so the same standin
// pointer is handed out for repeated occurrences of one reference,
// within a translation and across translations.
package marshal

import "github.com/ocapkernel/kernel/internal/refs"

// CapData is the kernel-global wire shape: a structured body plus the
// ordered list of kernel refs occurring within it. The body's encoding
// is opaque to this package (it never reads Body) — only positions of
// refs within Slots matter.
type CapData struct {
	Body  []byte
	Slots []refs.KRef
}

// EndpointCapData is the same structured body, but with every slot
// expressed in the receiving/sending endpoint's private ref namespace.
type EndpointCapData struct {
	Body  []byte
	Slots []refs.ERef
}

// Clone returns a deep copy of cd (Slots is copied; Body is reused since
// callers treat it as immutable once constructed).
func (cd CapData) Clone() CapData {
	slots := make([]refs.KRef, len(cd.Slots))
	copy(slots, cd.Slots)
	return CapData{Body: cd.Body, Slots: slots}
}
