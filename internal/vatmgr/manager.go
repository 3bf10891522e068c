package vatmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/runqueue"
)

// Manager holds every running vat under one lock. It implements
// runqueue.Deliverer
// so the router can hand translated sends/notifies straight to it.
type Manager struct {
	store    *kernelstore.Store
	router   *runqueue.Router
	launcher WorkerLauncher
	cfg      config.VatManagerConfig

	mu   sync.RWMutex
	vats map[refs.EndpointID]*Vat
}

var _ runqueue.Deliverer = (*Manager)(nil)

// New wires a Manager over its dependencies.
func New(store *kernelstore.Store, router *runqueue.Router, launcher WorkerLauncher, cfg config.VatManagerConfig) *Manager {
	return &Manager{
		store:    store,
		router:   router,
		launcher: launcher,
		cfg:      cfg,
		vats:     make(map[refs.EndpointID]*Vat),
	}
}

// Deliver implements runqueue.Deliverer.
func (m *Manager) Deliver(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
	vat, ok := m.get(owner)
	if !ok {
		return &kernelerr.VatNotFoundError{VatID: string(owner)}
	}
	return vat.currentWorker().Deliver(ctx, target, method, args, resultEref)
}

// Notify implements runqueue.Deliverer.
func (m *Manager) Notify(ctx context.Context, subscriber refs.EndpointID, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error {
	vat, ok := m.get(subscriber)
	if !ok {
		return &kernelerr.VatNotFoundError{VatID: string(subscriber)}
	}
	return vat.currentWorker().Notify(ctx, promise, value, rejected)
}

func (m *Manager) get(id refs.EndpointID) (*Vat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vat, ok := m.vats[id]
	return vat, ok
}

// LaunchVat starts a fresh worker for id, wires its root export into the
// c-list, and begins tracking it. Must run inside an open crank (the
// c-list write does).
func (m *Manager) LaunchVat(ctx context.Context, id refs.EndpointID, subcluster refs.SubclusterID, cfg VatConfig, rootEref refs.ERef) (*Vat, error) {
	worker, err := m.launcher.Launch(ctx, id, cfg)
	if err != nil {
		return nil, fmt.Errorf("vatmgr: launch %s: %w", id, err)
	}

	root := m.store.InitKernelObject(id)
	m.store.AddCListEntry(id, root, rootEref)

	vat := &Vat{ID: id, Subcluster: subcluster, Config: cfg, state: StateRunning, worker: worker, RootKRef: root}

	m.mu.Lock()
	m.vats[id] = vat
	m.mu.Unlock()

	metrics.Global().RecordVatLaunched()
	go m.monitorWorker(id, worker)

	return vat, nil
}

// monitorWorker watches a worker's exit and cleans up exactly once,
// only if the vat is still tracked.
func (m *Manager) monitorWorker(id refs.EndpointID, worker WorkerChannel) {
	<-worker.Done()

	m.mu.Lock()
	vat, stillTracked := m.vats[id]
	if stillTracked && vat.currentWorker() == worker {
		delete(m.vats, id)
	} else {
		stillTracked = false
	}
	m.mu.Unlock()

	if !stillTracked {
		return
	}

	logging.Op().Error("vat worker exited unexpectedly", "vat_id", id)
	metrics.Global().RecordVatCrashed()
	vat.setState(StateTerminated)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GracefulShutdownWait)
	defer cancel()

	m.store.BeginCrank()
	result, err := m.store.CleanupTerminatedVat(ctx, id, "worker crashed")
	if err != nil {
		m.store.AbortCrank()
		logging.Op().Error("cleanup after worker crash failed", "vat_id", id, "error", err)
		return
	}
	if err := m.store.CommitCrank(ctx); err != nil {
		logging.Op().Error("commit cleanup after worker crash failed", "vat_id", id, "error", err)
		return
	}

	for _, kp := range result.Promises {
		if err := m.router.NotifyPromiseResolved(ctx, kp); err != nil {
			logging.Op().Error("notify after worker crash failed", "vat_id", id, "promise", kp, "error", err)
		}
	}
}

// TerminateVat rejects every promise id decides, retires its c-list
// exports, stops the worker (graceful then forced), and drops it from
// tracking. reason, if non-empty, is used as the rejection payload.
func (m *Manager) TerminateVat(ctx context.Context, id refs.EndpointID, reason string) error {
	vat, ok := m.get(id)
	if !ok {
		return &kernelerr.VatNotFoundError{VatID: string(id)}
	}

	if reason == "" {
		reason = "vat terminated"
	}

	// Untrack before stopping the worker, not after: monitorWorker's exit
	// watch for this same worker would otherwise race this function and
	// run the crash cleanup path a second time.
	m.mu.Lock()
	delete(m.vats, id)
	m.mu.Unlock()

	m.store.BeginCrank()
	result, err := m.store.CleanupTerminatedVat(ctx, id, reason)
	if err != nil {
		m.store.AbortCrank()
		return err
	}
	if err := m.store.CommitCrank(ctx); err != nil {
		return err
	}

	for _, kp := range result.Promises {
		if err := m.router.NotifyPromiseResolved(ctx, kp); err != nil {
			return err
		}
	}

	stopErr := m.stopWorker(ctx, id, vat.currentWorker())
	vat.setState(StateTerminated)
	metrics.Global().RecordVatTerminated()
	return stopErr
}

// stopWorker asks a worker to stop, escalating to Kill when the
// graceful stop does not land within the configured wait. A failed stop
// or kill is logged and returned so callers surface it instead of
// silently proceeding.
func (m *Manager) stopWorker(ctx context.Context, id refs.EndpointID, worker WorkerChannel) error {
	if worker == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.GracefulShutdownWait)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.Stop(stopCtx)
	}()

	var stopErr error
	select {
	case stopErr = <-errCh:
	case <-time.After(m.cfg.GracefulShutdownWait):
		stopErr = fmt.Errorf("graceful stop timed out after %s", m.cfg.GracefulShutdownWait)
	}

	select {
	case <-worker.Done():
	default:
		if killErr := worker.Kill(); killErr != nil {
			stopErr = errors.Join(stopErr, killErr)
		}
	}

	if stopErr != nil {
		logging.Op().Error("vat worker stop failed", "vat_id", id, "error", stopErr)
		return fmt.Errorf("vatmgr: stop worker for %s: %w", id, stopErr)
	}
	return nil
}

// RestartVat terminates the old worker (its failure is surfaced, not
// resurrected) and launches a new one with the same id/config, re-
// attaching to the existing root export — c-lists and kernel objects
// owned by the vat survive the restart untouched.
func (m *Manager) RestartVat(ctx context.Context, id refs.EndpointID) error {
	vat, ok := m.get(id)
	if !ok {
		return &kernelerr.VatNotFoundError{VatID: string(id)}
	}
	vat.setState(StateRestarting)

	// Detach the worker reference before stopping it: the vat stays
	// tracked across a restart, so monitorWorker's identity check
	// (vat.currentWorker() == worker) is what tells it this exit was
	// intentional rather than a crash.
	oldWorker := vat.currentWorker()
	vat.setWorker(nil)
	stopErr := m.stopWorker(ctx, id, oldWorker)

	worker, err := m.launcher.Launch(ctx, id, vat.Config)
	if err != nil {
		if cleanupErr := m.TerminateVat(ctx, id, fmt.Sprintf("restart launch failed: %v", err)); cleanupErr != nil {
			return fmt.Errorf("vatmgr: restart %s: launch failed (%v) and cleanup failed: %w", id, err, cleanupErr)
		}
		return fmt.Errorf("vatmgr: restart %s: launch failed: %w", id, err)
	}

	vat.setWorker(worker)
	vat.setState(StateRunning)
	metrics.Global().RecordVatRestarted()
	go m.monitorWorker(id, worker)

	// The new worker is attached either way; a failed stop of the old
	// one is surfaced, never retried.
	if stopErr != nil {
		return fmt.Errorf("vatmgr: restart %s: old worker stop failed: %w", id, stopErr)
	}
	return nil
}

// VatRecord describes a previously-existing vat recovered from persisted
// subcluster state, enough to re-launch its worker without touching the
// kernel objects or c-list entries it already owns.
type VatRecord struct {
	ID         refs.EndpointID
	Subcluster refs.SubclusterID
	Config     VatConfig
	RootKRef   refs.KRef
}

// InitializeAllVats re-launches a worker for every previously-existing
// non-system vat before the run queue resumes. Unlike LaunchVat,
// it never allocates a fresh root object or c-list entry — those survive
// the restart untouched and are simply re-attached to the new worker.
func (m *Manager) InitializeAllVats(ctx context.Context, records []VatRecord) error {
	for _, rec := range records {
		if refs.IsSystemVat(rec.ID) {
			continue
		}
		worker, err := m.launcher.Launch(ctx, rec.ID, rec.Config)
		if err != nil {
			return fmt.Errorf("vatmgr: recover %s: %w", rec.ID, err)
		}

		vat := &Vat{ID: rec.ID, Subcluster: rec.Subcluster, Config: rec.Config, state: StateRunning, worker: worker, RootKRef: rec.RootKRef}

		m.mu.Lock()
		m.vats[rec.ID] = vat
		m.mu.Unlock()

		metrics.Global().RecordVatLaunched()
		go m.monitorWorker(rec.ID, worker)
	}
	return nil
}

// PingVat reports whether id is currently tracked and running.
func (m *Manager) PingVat(id refs.EndpointID) bool {
	vat, ok := m.get(id)
	if !ok {
		return false
	}
	return vat.snapshotState() == StateRunning
}

// PinVatRoot pins a vat's root object against gc collection. Must run
// inside an open crank.
func (m *Manager) PinVatRoot(id refs.EndpointID) error {
	vat, ok := m.get(id)
	if !ok {
		return &kernelerr.VatNotFoundError{VatID: string(id)}
	}
	m.store.PinObject(vat.RootKRef)
	return nil
}

// UnpinVatRoot removes a vat's root object pin. Must run inside an open
// crank.
func (m *Manager) UnpinVatRoot(id refs.EndpointID) error {
	vat, ok := m.get(id)
	if !ok {
		return &kernelerr.VatNotFoundError{VatID: string(id)}
	}
	m.store.UnpinObject(vat.RootKRef)
	return nil
}

// ReapVats terminates every tracked vat for which filter returns true.
func (m *Manager) ReapVats(ctx context.Context, filter func(*Vat) bool) error {
	m.mu.RLock()
	var targets []refs.EndpointID
	for id, vat := range m.vats {
		if filter(vat) {
			targets = append(targets, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range targets {
		if err := m.TerminateVat(ctx, id, "reaped"); err != nil {
			return fmt.Errorf("vatmgr: reap %s: %w", id, err)
		}
	}
	return nil
}

// Vats returns a snapshot of every currently tracked vat.
func (m *Manager) Vats() []*Vat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Vat, 0, len(m.vats))
	for _, vat := range m.vats {
		out = append(out, vat)
	}
	return out
}

// Shutdown stops every tracked worker in parallel and waits for all of
// them, returning the joined stop failures. Unlike TerminateVat it
// leaves all kernel state — c-lists, promises, root objects —
// untouched: the vats are expected back on the next start, re-attached
// to the same exports.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	stopping := make([]*Vat, 0, len(m.vats))
	for _, vat := range m.vats {
		stopping = append(stopping, vat)
	}
	// Untrack first so the exit monitors treat these exits as
	// intentional rather than crashes.
	m.vats = make(map[refs.EndpointID]*Vat)
	m.mu.Unlock()

	errCh := make(chan error, len(stopping))
	var wg sync.WaitGroup
	for _, vat := range stopping {
		wg.Add(1)
		go func(v *Vat) {
			defer wg.Done()
			if err := m.stopWorker(ctx, v.ID, v.currentWorker()); err != nil {
				errCh <- err
			}
			v.setState(StateTerminated)
		}(vat)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
