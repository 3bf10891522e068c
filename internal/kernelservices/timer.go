package kernelservices

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ocapkernel/kernel/internal/marshal"
)

// maxTimerSleep caps timer.sleep so a vat cannot stall the crank in
// progress for longer than one delivery is allowed to take. Longer waits
// belong in the vat itself, re-sending after each slice.
const maxTimerSleep = 100 * time.Millisecond

// NewTimerService returns the built-in "timer" service: wall-clock reads
// and a bounded in-crank sleep, mainly exercised by bootstrap smoke
// tests.
func NewTimerService() *Service {
	return &Service{
		Name: "timer",
		Methods: map[string]Handler{
			"now": func(_ context.Context, _ marshal.CapData) (marshal.CapData, error) {
				body, _ := json.Marshal(map[string]int64{"now_ms": time.Now().UnixMilli()})
				return marshal.CapData{Body: body}, nil
			},
			"sleep": func(ctx context.Context, args marshal.CapData) (marshal.CapData, error) {
				var req struct {
					Ms int64 `json:"ms"`
				}
				if err := json.Unmarshal(args.Body, &req); err != nil {
					return marshal.CapData{}, errors.New("timer.sleep: args must be {\"ms\": n}")
				}
				d := time.Duration(req.Ms) * time.Millisecond
				if d < 0 || d > maxTimerSleep {
					return marshal.CapData{}, errors.New("timer.sleep: ms out of range")
				}
				select {
				case <-ctx.Done():
					return marshal.CapData{}, ctx.Err()
				case <-time.After(d):
				}
				body, _ := json.Marshal(map[string]int64{"slept_ms": req.Ms})
				return marshal.CapData{Body: body}, nil
			},
		},
	}
}
