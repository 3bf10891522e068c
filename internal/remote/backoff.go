package remote

import (
	"time"

	"github.com/ocapkernel/kernel/internal/retry"
)

// CalculateReconnectionBackoff is the transport's named
// entry point: the delay before the N-th reconnection attempt (1-based),
// exponential with optional full jitter, capped at cfg.MaxBackoff. It is
// a thin wrapper over retry.CalculateBackoff so the reconnection loop
// and the generic retry primitive share one implementation of the
// arithmetic.
func CalculateReconnectionBackoff(attempt int, cfg Config, jitter bool) time.Duration {
	cfg = cfg.withDefaults()
	return retry.CalculateBackoff(attempt, retry.Options{
		BaseDelay: cfg.InitialBackoff,
		MaxDelay:  cfg.MaxBackoff,
		Jitter:    jitter,
	})
}
