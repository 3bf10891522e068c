package grpcfacade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

// Worker process environment. The spawned binary reads these, dials
// KernelAddr, and opens a Session stream whose hello frame carries the
// vat id and launch token.
const (
	EnvVatID      = "OCAPKERNEL_VAT_ID"
	EnvToken      = "OCAPKERNEL_WORKER_TOKEN"
	EnvKernelAddr = "OCAPKERNEL_KERNEL_ADDR"
	EnvBundle     = "OCAPKERNEL_VAT_BUNDLE"
	EnvParams     = "OCAPKERNEL_VAT_PARAMS"
)

// execProc wraps one spawned worker process.
type execProc struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func startExecProc(bin string, env []string) (*execProc, error) {
	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProc{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *execProc) Terminate() error {
	return unix.Kill(p.cmd.Process.Pid, unix.SIGTERM)
}

func (p *execProc) Kill() error {
	err := unix.Kill(p.cmd.Process.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

func (p *execProc) Exited() <-chan struct{} { return p.exited }

// spawnFunc starts a worker that will dial back with token. Tests swap
// this for a goroutine worker.
type spawnFunc func(vatID refs.EndpointID, cfg vatmgr.VatConfig, token string) (procHandle, error)

// Launcher spawns out-of-process workers and implements
// vatmgr.WorkerLauncher. The dance: reserve a launch token on the
// Server, start the worker binary with the token in its environment,
// then wait for the worker's stream to arrive and bind it into a
// Channel.
type Launcher struct {
	server        *Server
	workerBin     string
	kernelAddr    string
	launchTimeout time.Duration
	spawn         spawnFunc

	mu  sync.Mutex
	sys *vatmgr.Syscalls
}

var _ vatmgr.WorkerLauncher = (*Launcher)(nil)

// NewLauncher builds a Launcher. kernelAddr is the address workers dial
// for the VatWorker service (normally the daemon's own gRPC address).
func NewLauncher(server *Server, workerBin, kernelAddr string, launchTimeout time.Duration) *Launcher {
	if launchTimeout <= 0 {
		launchTimeout = 30 * time.Second
	}
	l := &Launcher{
		server:        server,
		workerBin:     workerBin,
		kernelAddr:    kernelAddr,
		launchTimeout: launchTimeout,
	}
	l.spawn = l.execSpawn
	return l
}

// SetSyscalls injects the syscall dispatcher. Must be called before the
// first Launch (the dispatcher needs the vat manager, which needs this
// launcher).
func (l *Launcher) SetSyscalls(sys *vatmgr.Syscalls) {
	l.mu.Lock()
	l.sys = sys
	l.mu.Unlock()
}

func (l *Launcher) execSpawn(vatID refs.EndpointID, cfg vatmgr.VatConfig, token string) (procHandle, error) {
	if l.workerBin == "" {
		return nil, fmt.Errorf("grpcfacade: no worker binary configured")
	}
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return nil, err
	}
	env := []string{
		EnvVatID + "=" + string(vatID),
		EnvToken + "=" + token,
		EnvKernelAddr + "=" + l.kernelAddr,
		EnvBundle + "=" + cfg.Bundle,
		EnvParams + "=" + string(params),
	}
	return startExecProc(l.workerBin, env)
}

// Launch implements vatmgr.WorkerLauncher.
func (l *Launcher) Launch(ctx context.Context, vatID refs.EndpointID, cfg vatmgr.VatConfig) (vatmgr.WorkerChannel, error) {
	l.mu.Lock()
	sys := l.sys
	l.mu.Unlock()
	if sys == nil {
		return nil, fmt.Errorf("grpcfacade: launcher has no syscall dispatcher")
	}

	token := uuid.NewString()
	arrival, cancel := l.server.expect(token)

	proc, err := l.spawn(vatID, cfg, token)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("grpcfacade: spawn worker for %s: %w", vatID, err)
	}

	timer := time.NewTimer(l.launchTimeout)
	defer timer.Stop()

	select {
	case sess := <-arrival:
		if sess.vatID != string(vatID) {
			cancel()
			_ = proc.Kill()
			return nil, fmt.Errorf("grpcfacade: worker identified as %s, expected %s", sess.vatID, vatID)
		}
		logging.Op().Info("vat worker attached", "vat_id", vatID)
		return newChannel(vatID, sys, sess, proc), nil
	case <-proc.Exited():
		cancel()
		return nil, fmt.Errorf("grpcfacade: worker for %s exited before attaching", vatID)
	case <-timer.C:
		cancel()
		_ = proc.Kill()
		return nil, fmt.Errorf("grpcfacade: worker for %s did not attach within %s", vatID, l.launchTimeout)
	case <-ctx.Done():
		cancel()
		_ = proc.Kill()
		return nil, ctx.Err()
	}
}
