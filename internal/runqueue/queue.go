package runqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelstore"
)

const (
	entryPrefix = "runqueue.entry."
	seqKey      = "runqueue.seq"
)

// Queue is a durable FIFO of run queue entries, backed directly by a
// kernelstore.Backend rather than routed through Store's crank txn — the
// queue's own push/pop need no crank boundary of their own, only the
// dispatch a popped entry triggers does.
type Queue struct {
	backend kernelstore.Backend
	mu      sync.Mutex
	onPush  func()
}

// NewQueue wraps backend as a durable run queue.
func NewQueue(backend kernelstore.Backend) *Queue {
	return &Queue{backend: backend}
}

// entryKey zero-pads the sequence number so lexical key order matches
// FIFO order (memstore.Keys and any future backend are required to
// return matches in lexical order).
func entryKey(seq int64) string {
	return fmt.Sprintf("%s%020d", entryPrefix, seq)
}

func (q *Queue) nextSeq(ctx context.Context) (int64, error) {
	v, ok, err := q.backend.Get(ctx, seqKey)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		if err := json.Unmarshal(v, &n); err != nil {
			return 0, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("runqueue sequence: %v", err)}
		}
	}
	n++
	data, _ := json.Marshal(n)
	if err := q.backend.Set(ctx, seqKey, data); err != nil {
		return 0, err
	}
	return n, nil
}

// OnPush registers a callback invoked after every successful Push —
// the run loop's wake signal. Must be set before the queue sees
// concurrent use.
func (q *Queue) OnPush(fn func()) {
	q.mu.Lock()
	q.onPush = fn
	q.mu.Unlock()
}

// Push appends e to the tail of the queue.
func (q *Queue) Push(ctx context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return fmt.Errorf("runqueue: allocate sequence: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("runqueue: encode entry: %w", err)
	}
	if err := q.backend.Set(ctx, entryKey(seq), data); err != nil {
		return err
	}
	if q.onPush != nil {
		q.onPush()
	}
	return nil
}

// Pop removes and returns the oldest entry. ok is false if the queue is
// empty.
func (q *Queue) Pop(ctx context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.backend.Keys(ctx, entryPrefix)
	if err != nil {
		return Entry{}, false, err
	}
	if len(keys) == 0 {
		return Entry{}, false, nil
	}
	key := keys[0]
	v, ok, err := q.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, false, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("runqueue entry %s: %v", key, err)}
	}
	if err := q.backend.Delete(ctx, key); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Len reports how many entries are currently queued.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.backend.Keys(ctx, entryPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
