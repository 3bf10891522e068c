// Package vatmgr owns the mapping from vat id to worker handle:
// launching, terminating, and restarting vat worker processes, and
// acting as the runqueue.Deliverer that hands translated sends and
// notifies down to them.
//
// Worker termination escalates graceful stop, then SIGTERM, then
// SIGKILL; each worker's exit is watched by exactly one monitor
// goroutine that cleans up only while the vat is still tracked.
package vatmgr

import (
	"context"
	"sync"

	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
)

// State is a vat's lifecycle phase.
type State string

const (
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateTerminated State = "terminated"
)

// VatConfig is the launch configuration for one vat worker (bundle/source
// spec plus arbitrary parameters).
type VatConfig struct {
	Bundle string
	Params map[string]string
}

// Vat is one tracked worker and its lifecycle state.
type Vat struct {
	ID         refs.EndpointID
	Subcluster refs.SubclusterID
	Config     VatConfig

	mu    sync.Mutex
	state State
	// RootKRef is the vat's root export's kernel ref. Restart re-attaches
	// to this identity rather than minting a fresh one.
	RootKRef refs.KRef
	worker   WorkerChannel
}

func (v *Vat) snapshotState() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Vat) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *Vat) currentWorker() WorkerChannel {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.worker
}

func (v *Vat) setWorker(w WorkerChannel) {
	v.mu.Lock()
	v.worker = w
	v.mu.Unlock()
}

// WorkerChannel is the downward control/delivery surface the manager
// drives on a running worker.
// Implemented by grpcfacade.Channel for out-of-process workers.
type WorkerChannel interface {
	Deliver(ctx context.Context, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error
	Notify(ctx context.Context, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error
	DropExports(ctx context.Context, erefs []refs.ERef) error
	RetireExports(ctx context.Context, erefs []refs.ERef) error
	RetireImports(ctx context.Context, erefs []refs.ERef) error
	BringOutYourDead(ctx context.Context) error
	// Stop asks the worker to exit gracefully; the caller escalates to a
	// harder signal if it does not exit within the configured wait.
	Stop(ctx context.Context) error
	// Kill forcibly terminates the worker (SIGKILL-equivalent).
	Kill() error
	// Done is closed when the worker process/connection exits, whether
	// requested or not.
	Done() <-chan struct{}
}

// WorkerLauncher spawns a fresh WorkerChannel for a vat. Implemented by
// grpcfacade for out-of-process workers; tests supply a fake.
type WorkerLauncher interface {
	Launch(ctx context.Context, vatID refs.EndpointID, cfg VatConfig) (WorkerChannel, error)
}
