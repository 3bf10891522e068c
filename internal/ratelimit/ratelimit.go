// Package ratelimit protects the kernel daemon's control-plane HTTP API
// (subcluster launches, status queries, storage admin) from abusive
// clients. It is deliberately separate from internal/remote/ratelimit:
// the remote transport's per-peer sliding windows are single-process
// state that must never be shared, while this limiter may be distributed
// across daemons via Redis, degrading to in-memory token buckets when
// Redis is unreachable.
package ratelimit

import (
	"context"
)

// Backend performs one atomic token bucket check.
type Backend interface {
	// CheckRateLimit refills key's bucket, then tries to take requested
	// tokens. Returns whether the take succeeded and the tokens left.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// Class is the bucket shape applied to one group of API routes.
// Expensive operations (launch, reload) get a small slow bucket; cheap
// queries a large fast one.
type Class struct {
	MaxTokens  int
	RefillRate float64 // tokens per second
}

// DefaultClasses is the control API's route grouping.
func DefaultClasses() map[string]Class {
	return map[string]Class{
		"launch": {MaxTokens: 5, RefillRate: 0.5},
		"admin":  {MaxTokens: 10, RefillRate: 1},
		"query":  {MaxTokens: 100, RefillRate: 50},
	}
}

// Result reports one limit check.
type Result struct {
	Allowed   bool
	Remaining int
}

// Limiter applies per-class token buckets keyed by client.
type Limiter struct {
	backend      Backend
	classes      map[string]Class
	defaultClass Class
}

// New builds a Limiter. classes may be nil, in which case only
// defaultClass applies.
func New(backend Backend, classes map[string]Class, defaultClass Class) *Limiter {
	if classes == nil {
		classes = make(map[string]Class)
	}
	return &Limiter{backend: backend, classes: classes, defaultClass: defaultClass}
}

// Allow checks one request for key under class.
func (l *Limiter) Allow(ctx context.Context, key, class string) (Result, error) {
	cfg, ok := l.classes[class]
	if !ok {
		cfg = l.defaultClass
	}
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.MaxTokens, cfg.RefillRate, 1)
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: allowed, Remaining: remaining}, nil
}

// KeyForClient returns the bucket key for one API client, per class so a
// burst of queries cannot starve a launch.
func KeyForClient(ip, class string) string {
	return "client:" + ip + ":" + class
}
