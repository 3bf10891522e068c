package kernelstore

import (
	"context"
	"strconv"
	"strings"
)

// RecoverRefCounters scans a backend for the highest allocated object
// and promise numbers, so a restarted kernel's allocator resumes past
// them — refs are never reused across the life of a store.
func RecoverRefCounters(ctx context.Context, backend Backend) (lastObject, lastPromise int64, err error) {
	objectKeys, err := backend.Keys(ctx, prefixObject)
	if err != nil {
		return 0, 0, err
	}
	for _, k := range objectKeys {
		if n, ok := refNumber(k, prefixObject); ok && n > lastObject {
			lastObject = n
		}
	}

	promiseKeys, err := backend.Keys(ctx, prefixPromise)
	if err != nil {
		return 0, 0, err
	}
	for _, k := range promiseKeys {
		if n, ok := refNumber(k, prefixPromise); ok && n > lastPromise {
			lastPromise = n
		}
	}
	return lastObject, lastPromise, nil
}

// refNumber extracts N from "ko<N>", "ko<N>.owner", "kp<N>", ...
func refNumber(key, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
