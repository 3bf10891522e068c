// Package runqueue implements the kernel's durable run queue and
// router: a FIFO of tagged entries drained one-per-crank, and the
// dispatch logic that turns a send into a delivery, a settled promise
// into a notify, and a gc entry into a collected object.
//
// Dispatch resolves the target first, then forwards to the owning
// endpoint or handles the entry in-kernel (services, gc).
package runqueue

import (
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
)

// EntryKind tags a run queue entry.
type EntryKind string

const (
	KindSend     EntryKind = "send"
	KindNotify   EntryKind = "notify"
	KindGCDrop   EntryKind = "gc-drop"
	KindGCRetire EntryKind = "gc-retire"
)

// Message is one method invocation carried by a send entry. ResultPromise
// is empty for a one-way send that expects no reply.
type Message struct {
	Method        string          `json:"method"`
	Args          marshal.CapData `json:"args"`
	ResultPromise refs.KRef       `json:"result_promise,omitempty"`
}

// SendEntry targets a kernel object or promise with a message.
type SendEntry struct {
	Target  refs.KRef `json:"target"`
	Message Message   `json:"message"`
}

// NotifyEntry tells one subscriber that a promise has settled.
type NotifyEntry struct {
	Subscriber refs.EndpointID `json:"subscriber"`
	Promise    refs.KRef       `json:"promise"`
}

// GCEntry names the object a gc-drop/gc-retire entry concerns.
type GCEntry struct {
	Endpoint refs.EndpointID `json:"endpoint"`
	KRef     refs.KRef       `json:"kref"`
}

// Entry is the tagged union run queue entry. Exactly one of
// Send/Notify/GCDrop/GCRetire is set, matching Kind.
type Entry struct {
	Kind     EntryKind    `json:"kind"`
	Send     *SendEntry   `json:"send,omitempty"`
	Notify   *NotifyEntry `json:"notify,omitempty"`
	GCDrop   *GCEntry     `json:"gc_drop,omitempty"`
	GCRetire *GCEntry     `json:"gc_retire,omitempty"`
}

// NewSendEntry builds a send entry.
func NewSendEntry(target refs.KRef, msg Message) Entry {
	return Entry{Kind: KindSend, Send: &SendEntry{Target: target, Message: msg}}
}

// NewNotifyEntry builds a notify entry.
func NewNotifyEntry(subscriber refs.EndpointID, promise refs.KRef) Entry {
	return Entry{Kind: KindNotify, Notify: &NotifyEntry{Subscriber: subscriber, Promise: promise}}
}

// NewGCDropEntry builds a gc-drop entry (reachability accounting).
func NewGCDropEntry(endpoint refs.EndpointID, kref refs.KRef) Entry {
	return Entry{Kind: KindGCDrop, GCDrop: &GCEntry{Endpoint: endpoint, KRef: kref}}
}

// NewGCRetireEntry builds a gc-retire entry (recognition accounting).
func NewGCRetireEntry(endpoint refs.EndpointID, kref refs.KRef) Entry {
	return Entry{Kind: KindGCRetire, GCRetire: &GCEntry{Endpoint: endpoint, KRef: kref}}
}
