// Package kernel ties the whole machine together: store, marshal, run
// queue, router, vat manager, subcluster manager, kernel services, and
// the optional remote transport, behind one facade the daemon drives.
// It owns the startup recovery sequence and the crank loop that makes the kernel go.
package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/hexcodec"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelservices"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/remote"
	"github.com/ocapkernel/kernel/internal/retry"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/subcluster"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

// lastActiveKey persists the kernel's liveness timestamp so a restart
// can tell whether the process slept through a machine suspend
// (cross-incarnation wake).
const lastActiveKey = "kernel.lastActive"

// crankPollInterval bounds how stale the run loop can be if a wake
// notification is lost (notifications are hints, the queue is truth).
const crankPollInterval = 250 * time.Millisecond

// SyscallsReceiver is implemented by launchers (inproc, grpcfacade)
// that need the syscall dispatcher injected after the wiring cycle
// resolves.
type SyscallsReceiver interface {
	SetSyscalls(*vatmgr.Syscalls)
}

// Options carries the pieces the daemon chooses per deployment.
type Options struct {
	// Backend defaults to an in-memory store.
	Backend kernelstore.Backend
	// Launcher spawns vat workers. Required.
	Launcher vatmgr.WorkerLauncher
	// Notifier wakes the run loop on pushes. Defaults to the in-process
	// channel notifier.
	Notifier queue.Notifier
	// Transport is the optional remote transport; the kernel only
	// owns its shutdown ordering.
	Transport *remote.Transport
	// Manifests are the configured subcluster descriptions, used for
	// startup orphan cleanup and operator-driven reload.
	Manifests []*subcluster.Manifest
}

// Kernel is the assembled machine.
type Kernel struct {
	cfg  *config.Config
	opts Options

	backend     kernelstore.Backend
	store       *kernelstore.Store
	marshaler   *marshal.Marshaler
	queue       *runqueue.Queue
	router      *runqueue.Router
	services    *kernelservices.Registry
	vats        *vatmgr.Manager
	subclusters *subcluster.Manager
	syscalls    *vatmgr.Syscalls
	notifier    queue.Notifier
	ids         *refs.IDAllocator

	crankSeq atomic.Uint64

	runCancel context.CancelFunc
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// forwardDeliverer breaks the router <-> vat manager construction cycle:
// the router is built against it first, the manager is bound after.
type forwardDeliverer struct {
	target runqueue.Deliverer
}

func (f *forwardDeliverer) Deliver(ctx context.Context, owner refs.EndpointID, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
	return f.target.Deliver(ctx, owner, target, method, args, resultEref)
}

func (f *forwardDeliverer) Notify(ctx context.Context, subscriber refs.EndpointID, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error {
	return f.target.Notify(ctx, subscriber, promise, value, rejected)
}

// New assembles a Kernel. The backend's existing state (if any) seeds
// the ref allocators; nothing is recovered or started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("kernel: a worker launcher is required")
	}
	backend := opts.Backend
	if backend == nil {
		backend = memstore.New()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = queue.NewChannelNotifier()
	}

	lastObject, lastPromise, err := kernelstore.RecoverRefCounters(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("kernel: recover ref counters: %w", err)
	}

	store := kernelstore.New(backend, lastObject, lastPromise)
	marshaler := marshal.New(store)
	runQueue := runqueue.NewQueue(backend)
	runQueue.OnPush(func() {
		_ = notifier.Notify(context.Background(), queue.TopicRunQueue)
	})

	services := kernelservices.NewRegistry()
	services.Register(kernelservices.NewTimerService())

	fwd := &forwardDeliverer{}
	router := runqueue.NewRouter(store, runQueue, marshaler, fwd, services)
	vats := vatmgr.New(store, router, opts.Launcher, cfg.VatManager)
	fwd.target = vats

	services.Register(kernelservices.NewVatAdminService(vats))

	syscalls := vatmgr.NewSyscalls(store, backend, runQueue, router, marshaler, vats)
	if receiver, ok := opts.Launcher.(SyscallsReceiver); ok {
		receiver.SetSyscalls(syscalls)
	}

	ids := refs.NewIDAllocator()
	subclusters := subcluster.New(backend, store, runQueue, router, vats, marshaler, ids)

	return &Kernel{
		cfg:         cfg,
		opts:        opts,
		backend:     backend,
		store:       store,
		marshaler:   marshaler,
		queue:       runQueue,
		router:      router,
		services:    services,
		vats:        vats,
		subclusters: subclusters,
		syscalls:    syscalls,
		notifier:    notifier,
		ids:         ids,
		loopDone:    make(chan struct{}),
	}, nil
}

// Start runs the recovery sequence, then the crank loop. Recovery order
// is load-bearing: stale system vat state is purged and orphaned system
// subclusters removed before any vat worker launches, and every
// surviving vat is re-initialised before the first crank.
func (k *Kernel) Start(ctx context.Context) error {
	var startErr error
	k.startOnce.Do(func() {
		startErr = k.start(ctx)
	})
	return startErr
}

func (k *Kernel) start(ctx context.Context) error {
	k.observeIncarnationGap(ctx)

	k.store.BeginCrank()
	stalePromises, err := k.store.CleanupStaleSystemVatEntries(ctx)
	if err != nil {
		k.store.AbortCrank()
		return fmt.Errorf("kernel: stale system vat cleanup: %w", err)
	}
	if err := k.store.CommitCrank(ctx); err != nil {
		return err
	}
	for _, kp := range stalePromises {
		if err := k.router.NotifyPromiseResolved(ctx, kp); err != nil {
			return err
		}
	}

	records, err := k.subclusters.RecoverAll(ctx, subcluster.SystemNames(k.opts.Manifests))
	if err != nil {
		return fmt.Errorf("kernel: recover subclusters: %w", err)
	}
	for _, rec := range records {
		k.ids.Observe(string(rec.ID))
		k.ids.Observe(string(rec.Subcluster))
	}
	for _, sc := range k.subclusters.Subclusters() {
		k.ids.Observe(string(sc.ID))
	}
	if err := k.vats.InitializeAllVats(ctx, records); err != nil {
		return fmt.Errorf("kernel: reinitialise vats: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	k.runCancel = cancel
	go k.runLoop(runCtx)

	logging.Op().Info("kernel started",
		"recovered_vats", len(records),
		"subclusters", len(k.subclusters.Subclusters()))
	return nil
}

// observeIncarnationGap reads the previous incarnation's last-activity
// timestamp and logs when the process was gone long enough that remote
// peers will have given up on us.
func (k *Kernel) observeIncarnationGap(ctx context.Context) {
	v, ok, err := k.backend.Get(ctx, lastActiveKey)
	if err != nil || !ok {
		return
	}
	ms, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return
	}
	last := time.UnixMilli(ms)
	if retry.DetectCrossIncarnationWake(time.Now(), last, 0) {
		logging.Op().Warn("kernel restarted after a long sleep; remote peers may have marked us failed",
			"last_active", last.Format(time.RFC3339))
		retry.BumpWakeGeneration()
	}
}

func (k *Kernel) touchLastActive(ctx context.Context) {
	_ = k.backend.Set(ctx, lastActiveKey, []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
}

// crankID renders a compact per-crank correlation id for the crank log.
func (k *Kernel) crankID() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k.crankSeq.Add(1))
	return hexcodec.ToHex(buf[:])
}

func (k *Kernel) runLoop(ctx context.Context) {
	defer close(k.loopDone)

	sub := k.notifier.Subscribe(ctx, queue.TopicRunQueue)
	ticker := time.NewTicker(crankPollInterval)
	defer ticker.Stop()

	for {
		crankStart := time.Now()
		entry, ran, err := k.router.RunCrankEntry(ctx)
		if ran {
			k.recordCrank(entry, time.Since(crankStart), err)
		}
		if err != nil {
			var corrupt *kernelerr.CorruptStoreError
			if errors.As(err, &corrupt) {
				// Store corruption is fatal: surface and stop. Everything else
				// is logged and the loop keeps going.
				logging.Op().Error("kernel store corrupt, halting run loop", "error", err)
				return
			}
			logging.Op().Error("crank failed", "error", err)
		}
		if ran {
			continue
		}

		k.touchLastActive(ctx)
		if depth, err := k.queue.Len(ctx); err == nil {
			metrics.SetRunQueueDepth(depth)
		}

		select {
		case <-ctx.Done():
			return
		case <-sub:
		case <-ticker.C:
		}
	}
}

func (k *Kernel) recordCrank(entry runqueue.Entry, elapsed time.Duration, err error) {
	var vatID, target string
	switch entry.Kind {
	case runqueue.KindSend:
		target = string(entry.Send.Target)
	case runqueue.KindNotify:
		vatID = string(entry.Notify.Subscriber)
		target = string(entry.Notify.Promise)
	case runqueue.KindGCDrop:
		vatID = string(entry.GCDrop.Endpoint)
		target = string(entry.GCDrop.KRef)
	case runqueue.KindGCRetire:
		vatID = string(entry.GCRetire.Endpoint)
		target = string(entry.GCRetire.KRef)
	}

	crankEntry := &logging.CrankEntry{
		Timestamp:  time.Now(),
		CrankID:    k.crankID(),
		Kind:       string(entry.Kind),
		VatID:      vatID,
		Target:     target,
		DurationMs: elapsed.Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		crankEntry.Error = err.Error()
	}
	logging.DefaultCrankLog().Record(crankEntry)
	metrics.Global().RecordCrank(vatID, string(entry.Kind), elapsed.Milliseconds(), err == nil)
	metrics.RecordPrometheusCrank(vatID, string(entry.Kind), elapsed.Milliseconds(), err == nil)
}

// LaunchSubcluster forwards to the subcluster manager. It blocks until
// the bootstrap promise settles, so the run loop must be started first.
func (k *Kernel) LaunchSubcluster(ctx context.Context, name string, system bool, cfg subcluster.Config) (*subcluster.LaunchResult, error) {
	return k.subclusters.LaunchSubcluster(ctx, name, system, cfg)
}

// TerminateSubcluster forwards to the subcluster manager.
func (k *Kernel) TerminateSubcluster(ctx context.Context, id refs.SubclusterID) error {
	return k.subclusters.TerminateSubcluster(ctx, id)
}

// ReloadSubcluster forwards to the subcluster manager.
func (k *Kernel) ReloadSubcluster(ctx context.Context, id refs.SubclusterID, cfg subcluster.Config) (*subcluster.LaunchResult, error) {
	return k.subclusters.ReloadSubcluster(ctx, id, cfg)
}

// Subclusters exposes the subcluster manager for status surfaces.
func (k *Kernel) Subclusters() *subcluster.Manager { return k.subclusters }

// Vats exposes the vat manager for status surfaces.
func (k *Kernel) Vats() *vatmgr.Manager { return k.vats }

// Store exposes the kernel store for read-only inspection.
func (k *Kernel) Store() *kernelstore.Store { return k.store }

// VatStatus is one row of Status.
type VatStatus struct {
	ID         refs.EndpointID   `json:"id"`
	Subcluster refs.SubclusterID `json:"subcluster"`
	RootKRef   refs.KRef         `json:"root_kref"`
}

// Status is a consistent snapshot of the kernel.
type Status struct {
	Vats        []VatStatus            `json:"vats"`
	Subclusters []refs.SubclusterID    `json:"subclusters"`
	QueueDepth  int                    `json:"queue_depth"`
	Peers       []remote.PeerSnapshot  `json:"peers,omitempty"`
	Services    []string               `json:"services"`
}

// Status waits for the crank in progress (observers that need a
// consistent snapshot must) and reports the kernel's state.
func (k *Kernel) Status(ctx context.Context) (*Status, error) {
	k.router.WaitForCrank()

	depth, err := k.queue.Len(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{QueueDepth: depth, Services: k.services.Names()}
	for _, vat := range k.vats.Vats() {
		st.Vats = append(st.Vats, VatStatus{ID: vat.ID, Subcluster: vat.Subcluster, RootKRef: vat.RootKRef})
	}
	for _, rec := range k.subclusters.Subclusters() {
		st.Subclusters = append(st.Subclusters, rec.ID)
	}
	if k.opts.Transport != nil {
		st.Peers = k.opts.Transport.Peers()
	}
	return st, nil
}

// ClearStorage wipes the kernel store after draining the crank in
// progress, preserving only the liveness timestamp. Runs as its own
// crank so the wipe is atomic to observers.
func (k *Kernel) ClearStorage(ctx context.Context) error {
	k.router.WaitForCrank()
	k.store.BeginCrank()
	if err := k.store.Reset(ctx, map[string]bool{lastActiveKey: true}); err != nil {
		k.store.AbortCrank()
		return err
	}
	return k.store.CommitCrank(ctx)
}

// Stop shuts the kernel down: stop cranking, drain the in-flight crank,
// stop every vat worker, then the remote transport.
func (k *Kernel) Stop(ctx context.Context) {
	k.stopOnce.Do(func() {
		if k.runCancel != nil {
			k.runCancel()
			<-k.loopDone
		}
		k.router.WaitForCrank()
		k.touchLastActive(ctx)

		if err := k.vats.Shutdown(ctx); err != nil {
			logging.Op().Error("vat shutdown reported stop failures", "error", err)
		}
		if k.opts.Transport != nil {
			k.opts.Transport.Stop()
		}
		_ = k.notifier.Close()
		logging.Op().Info("kernel stopped")
	})
}
