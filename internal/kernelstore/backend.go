// Package kernelstore implements the kernel's durable key-value view of
// kernel state: the object/promise store, c-list translation
// tables, reachability counters, and revocation/pin flags. It is the
// lowest-level persistent package the rest of the kernel builds on.
package kernelstore

import "context"

// Backend is the pluggable persistence layer kernelstore.Store writes
// through. Keys are flat strings; ordering only matters for Keys, which
// must return matches in a stable, deterministic order so callers like
// cleanup_terminated_vat see consistent results.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Clear removes every key. Used by Store.Clear.
	Clear(ctx context.Context) error
	Close() error
}
