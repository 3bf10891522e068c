// Package ratelimit implements the sliding-window limiter used by a
// single remote peer. Unlike internal/ratelimit (the distributed
// HTTP-facing token bucket for the control API), this limiter is
// deliberately single-threaded, in-process, and never shared across
// peers or processes; a peer's rate limiter state must stay owned by
// the transport alone.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// Window is a sliding-window event counter: Allow reports whether one
// more event fits under Limit within the trailing Period, with O(1)
// insertion and O(k) pruning where k is the number of stale entries
// evicted on that call.
type Window struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	events *list.List // of time.Time, oldest first
}

// New creates a sliding window allowing at most limit events per period.
func New(limit int, period time.Duration) *Window {
	return &Window{limit: limit, period: period, events: list.New()}
}

// Allow records an attempt at now and reports whether it fits under the
// limit. current is the number of events in the window after this call
// (including the rejected one's absence, i.e. the count used for the
// decision).
func (w *Window) Allow() (ok bool, current int) {
	return w.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests.
func (w *Window) AllowAt(now time.Time) (ok bool, current int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)

	if w.events.Len() >= w.limit {
		return false, w.events.Len()
	}
	w.events.PushBack(now)
	return true, w.events.Len()
}

// PruneStale removes every event older than the sliding window as of
// now, without recording a new attempt. Intended for a periodic
// background sweep so idle peers don't retain stale events forever.
func (w *Window) PruneStale(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.period)
	for e := w.events.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.events.Remove(e)
		} else {
			break // events are inserted in order, so the rest are newer
		}
		e = next
	}
}

// Undo removes the most recently recorded event, used when an attempt
// that consumed a window slot turns out not to count.
func (w *Window) Undo() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if back := w.events.Back(); back != nil {
		w.events.Remove(back)
	}
}

// Len reports the current number of events in the window (after a
// prune), mostly for tests and status introspection.
func (w *Window) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return w.events.Len()
}
