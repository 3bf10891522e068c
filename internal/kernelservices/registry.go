// Package kernelservices exposes kernel-hosted objects to vats: a
// table of named services, each a table of method handlers, reachable
// through well-known kernel refs of
// the form "ko.service.<name>". The router consults the registry before
// object/promise dispatch, so a send targeting a service kref is invoked
// in-kernel and its result promise settled directly.
//
// Dispatch is an explicit method_name -> handler table per service; an
// unknown service or method is a rejection, never a crank failure.
package kernelservices

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/runqueue"
)

// KRefPrefix tags the well-known kernel refs the registry answers for.
// Subcluster bootstrap args use the same convention when a config lists
// requested services.
const KRefPrefix = "ko.service."

// Handler runs one method of a kernel-hosted service. Returning an error
// rejects the send's result promise with the error's boundary shape;
// it never fails the crank.
type Handler func(ctx context.Context, args marshal.CapData) (marshal.CapData, error)

// Service is one named kernel-hosted object: a fixed table of methods.
type Service struct {
	Name    string
	Methods map[string]Handler
}

// KRefFor returns the well-known kernel ref a service is reachable at.
func KRefFor(name string) refs.KRef {
	return refs.KRef(KRefPrefix + name)
}

// Registry maps service names to their method tables and implements
// runqueue.ServiceInvoker.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

var _ runqueue.ServiceInvoker = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds or replaces a service.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	r.services[svc.Name] = svc
	r.mu.Unlock()
}

// Names returns the registered service names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for n := range r.services {
		out = append(out, n)
	}
	return out
}

// IsService implements runqueue.ServiceInvoker: any kref carrying the
// well-known prefix is routed here, registered or not, so a send to a
// missing service rejects instead of falling through to object dispatch.
func (r *Registry) IsService(_ context.Context, target refs.KRef) bool {
	return strings.HasPrefix(string(target), KRefPrefix)
}

func rejection(reason string) marshal.CapData {
	body, _ := json.Marshal(map[string]string{"reason": reason})
	return marshal.CapData{Body: body}
}

// Invoke implements runqueue.ServiceInvoker. Every call gets a fresh call
// id for log correlation; an unknown service or method, or a handler
// error, settles the result promise as rejected.
func (r *Registry) Invoke(ctx context.Context, target refs.KRef, method string, args marshal.CapData) (marshal.CapData, bool, error) {
	name := strings.TrimPrefix(string(target), KRefPrefix)
	callID := uuid.NewString()
	started := time.Now()

	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		logging.Op().Warn("kernelservices: send to unregistered service", "service", name, "call_id", callID)
		return rejection("unknown kernel service: " + name), true, nil
	}

	handler, ok := svc.Methods[method]
	if !ok {
		return rejection("unknown method " + method + " on kernel service " + name), true, nil
	}

	result, err := handler(ctx, args)
	logging.Op().Debug("kernelservices: invoked",
		"service", name, "method", method, "call_id", callID,
		"duration_ms", time.Since(started).Milliseconds(), "rejected", err != nil)
	if err != nil {
		body, mErr := json.Marshal(kernelerr.ToBoundary(err, nil))
		if mErr != nil {
			return rejection(err.Error()), true, nil
		}
		return marshal.CapData{Body: body}, true, nil
	}
	return result, false, nil
}
