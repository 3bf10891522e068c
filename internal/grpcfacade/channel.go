package grpcfacade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

// procHandle abstracts the worker's OS process so tests can attach a
// goroutine worker instead.
type procHandle interface {
	// Terminate requests a graceful exit (SIGTERM).
	Terminate() error
	// Kill forcibly ends the process (SIGKILL).
	Kill() error
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
}

// Channel is the vatmgr.WorkerChannel for one attached worker stream.
// Downward calls write a frame and block until the worker's matching
// ack; syscall frames arriving in that window are serviced inline on the
// calling goroutine, which is what keeps them inside the delivering
// crank. Syscalls arriving outside any call window are accepted
// only for the crank-free kinds (exit, vatstore*).
type Channel struct {
	vatID refs.EndpointID
	sys   *vatmgr.Syscalls
	sess  *session
	proc  procHandle

	seq atomic.Uint64

	mu     sync.Mutex
	waiter chan Frame

	done     chan struct{}
	doneOnce sync.Once
}

var _ vatmgr.WorkerChannel = (*Channel)(nil)

func newChannel(vatID refs.EndpointID, sys *vatmgr.Syscalls, sess *session, proc procHandle) *Channel {
	c := &Channel{vatID: vatID, sys: sys, sess: sess, proc: proc, done: make(chan struct{})}
	sess.channel = c
	close(sess.attached)
	go c.watchExit()
	return c
}

func (c *Channel) watchExit() {
	if c.proc != nil {
		select {
		case <-c.proc.Exited():
		case <-c.sess.streamEnd:
		}
	} else {
		<-c.sess.streamEnd
	}
	c.closeDone()
}

func (c *Channel) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// streamClosed is called by the server pump when the worker's stream
// ends.
func (c *Channel) streamClosed() {
	c.closeDone()
}

func isCrankFree(kind vatmgr.SyscallKind) bool {
	switch kind {
	case vatmgr.SyscallExit, vatmgr.SyscallVatstoreGet, vatmgr.SyscallVatstoreSet, vatmgr.SyscallVatstoreDelete:
		return true
	default:
		return false
	}
}

// handleIncoming routes one worker frame. Called from the server's
// stream pump goroutine.
func (c *Channel) handleIncoming(f Frame) {
	switch f.Type {
	case FrameConsole:
		if store := logging.GetVatOutputStore(); store != nil {
			store.Store(string(c.vatID), fmt.Sprintf("%d", f.Seq), f.Stdout, f.Stderr)
		}
		return
	case FrameSyscall:
		if f.Syscall == nil {
			c.replySyscall(f.Seq, vatmgr.SyscallResult{}, fmt.Errorf("grpcfacade: empty syscall frame"))
			return
		}
		if isCrankFree(f.Syscall.Kind) {
			go func() {
				res, err := c.sys.Handle(context.Background(), c.vatID, *f.Syscall)
				c.replySyscall(f.Seq, res, err)
			}()
			return
		}
		if !c.forwardToWaiter(f) {
			c.replySyscall(f.Seq, vatmgr.SyscallResult{}, fmt.Errorf("grpcfacade: %s syscall outside a delivery", f.Syscall.Kind))
		}
		return
	case FrameAck:
		if !c.forwardToWaiter(f) {
			logging.Op().Warn("stray ack from worker", "vat_id", c.vatID, "seq", f.Seq)
		}
		return
	default:
		logging.Op().Warn("unexpected frame type from worker", "vat_id", c.vatID, "type", f.Type)
	}
}

func (c *Channel) forwardToWaiter(f Frame) bool {
	c.mu.Lock()
	w := c.waiter
	c.mu.Unlock()
	if w == nil {
		return false
	}
	select {
	case w <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) replySyscall(seq uint64, res vatmgr.SyscallResult, err error) {
	reply := Frame{Type: FrameSyscallReply, Seq: seq, SyscallResult: &res}
	if err != nil {
		reply.Error = err.Error()
	}
	if sendErr := c.sess.send(reply); sendErr != nil {
		logging.Op().Warn("syscall reply failed", "vat_id", c.vatID, "error", sendErr)
	}
}

// call sends one downward frame and blocks until its ack, servicing
// syscall frames inline meanwhile.
func (c *Channel) call(ctx context.Context, f Frame) error {
	f.Seq = c.seq.Add(1)

	w := make(chan Frame, 16)
	c.mu.Lock()
	if c.waiter != nil {
		c.mu.Unlock()
		return fmt.Errorf("grpcfacade: concurrent downward call on vat %s", c.vatID)
	}
	c.waiter = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
	}()

	if err := c.sess.send(f); err != nil {
		return fmt.Errorf("grpcfacade: send %s to %s: %w", f.Type, c.vatID, err)
	}

	for {
		select {
		case in := <-w:
			switch in.Type {
			case FrameAck:
				if in.Seq != f.Seq {
					continue
				}
				if in.Error != "" {
					return fmt.Errorf("grpcfacade: %s rejected by %s: %s", f.Type, c.vatID, in.Error)
				}
				return nil
			case FrameSyscall:
				res, err := c.sys.Handle(ctx, c.vatID, *in.Syscall)
				c.replySyscall(in.Seq, res, err)
			}
		case <-c.done:
			return fmt.Errorf("grpcfacade: worker %s went away mid-%s", c.vatID, f.Type)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) Deliver(ctx context.Context, target refs.ERef, method string, args marshal.EndpointCapData, resultEref refs.ERef) error {
	return c.call(ctx, Frame{Type: FrameDeliver, Target: target, Method: method, Args: &args, Result: resultEref})
}

func (c *Channel) Notify(ctx context.Context, promise refs.ERef, value marshal.EndpointCapData, rejected bool) error {
	return c.call(ctx, Frame{Type: FrameNotify, Promise: promise, Value: &value, Rejected: rejected})
}

func (c *Channel) DropExports(ctx context.Context, erefs []refs.ERef) error {
	return c.call(ctx, Frame{Type: FrameDropExports, ERefs: erefs})
}

func (c *Channel) RetireExports(ctx context.Context, erefs []refs.ERef) error {
	return c.call(ctx, Frame{Type: FrameRetireExports, ERefs: erefs})
}

func (c *Channel) RetireImports(ctx context.Context, erefs []refs.ERef) error {
	return c.call(ctx, Frame{Type: FrameRetireImports, ERefs: erefs})
}

func (c *Channel) BringOutYourDead(ctx context.Context) error {
	return c.call(ctx, Frame{Type: FrameBringOutYourDead})
}

// Stop asks the worker to exit: a stop frame for well-behaved workers,
// then a SIGTERM so a wedged one still gets the hint. The manager
// escalates to Kill if neither lands within its wait.
func (c *Channel) Stop(ctx context.Context) error {
	_ = c.sess.send(Frame{Type: FrameStop})
	if c.proc != nil {
		if err := c.proc.Terminate(); err != nil {
			return err
		}
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Kill() error {
	defer c.closeDone()
	if c.proc != nil {
		return c.proc.Kill()
	}
	return nil
}

func (c *Channel) Done() <-chan struct{} { return c.done }
