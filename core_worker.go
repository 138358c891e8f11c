// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a Worker. It only moves forward.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateShutdownRequested
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown-requested"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrWorkerState = errors.New("shimipc: invalid worker state")

// workerThread is the identity of the OS thread running the worker loop.
type workerThread struct {
	tid atomic.Int64
}

func (t *workerThread) bind(tid int) { t.tid.Store(int64(tid)) }
func (t *workerThread) detach()      { t.tid.Store(0) }

// Worker is the per-process IPC worker: a single goroutine, locked to its
// own OS thread, that accepts incoming peer connections, decodes their
// messages and dispatches them.
type Worker struct {
	self     PeerID
	endpoint string
	log      *Logger
	metrics  *Metrics
	pending  *Pending
	exit     func(code int)
	listen   func(addr string) (Listener, error)
	poll     poller

	state atomic.Int32

	listener Listener
	event    Event
	thread   *workerThread

	// running is set until the worker goroutine no longer touches any of
	// the worker's resources. Shutdown waits for it to clear.
	running atomic.Int32

	reg  registry
	disp dispatcher
	fr   framer
	ws   waitSet
}

// NewWorker creates the IPC worker of process self.
func NewWorker(self PeerID, opts ...Option) *Worker {
	w := &Worker{
		self:   self,
		exit:   os.Exit,
		listen: Listen,
		poll:   poll,
		reg:    registry{readahead: DefaultReadahead},
		fr:     framer{maxSize: DefaultMaxMessageSize},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = DefaultLogger
	}
	if w.endpoint == "" {
		w.endpoint = DefaultEndpoint(self)
	}
	if w.disp.resolver == nil {
		w.pending = NewPending()
		w.disp.resolver = w.pending
	} else if p, ok := w.disp.resolver.(*Pending); ok {
		w.pending = p
	}

	w.disp.self = self
	w.disp.log = w.log
	w.disp.metrics = w.metrics
	w.reg.log = w.log
	w.reg.metrics = w.metrics
	w.fr.log = w.log
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Addr returns the address of the listening endpoint.
func (w *Worker) Addr() string { return w.endpoint }

// Pending returns the worker's pending-request table, or nil when replies
// are correlated against a Resolver that is not a *Pending.
func (w *Worker) Pending() *Pending { return w.pending }

// ThreadID returns the OS thread id running the worker loop, 0 when none.
func (w *Worker) ThreadID() int {
	if w.thread == nil {
		return 0
	}
	return int(w.thread.tid.Load())
}

// Start creates the listening endpoint and the exit event, then spawns the
// worker thread. When Start fails after the endpoint was created, the
// endpoint stays open until Close.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(int32(StateUnstarted), int32(StateStarting)) {
		return fmt.Errorf("shimipc: start in state %v: %w", w.State(), ErrWorkerState)
	}

	l, err := w.listen(w.endpoint)
	if err != nil {
		w.state.Store(int32(StateExited))
		return fmt.Errorf("shimipc: could not create IPC endpoint: %w", err)
	}
	w.listener = l

	ev, err := NewEvent()
	if err != nil {
		w.state.Store(int32(StateExited))
		return err
	}
	w.event = ev
	w.thread = new(workerThread)

	started := make(chan struct{})
	w.running.Store(1)
	go w.run(started)
	<-started

	w.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	return nil
}

// Shutdown asks the worker to exit and waits until its thread no longer
// uses any worker resource; only then are those released. It must be
// called at most once, never from the worker thread itself.
func (w *Worker) Shutdown() error {
	if !w.state.CompareAndSwap(int32(StateRunning), int32(StateShutdownRequested)) {
		return fmt.Errorf("shimipc: shutdown in state %v: %w", w.State(), ErrWorkerState)
	}
	if err := w.event.Set(); err != nil {
		return fmt.Errorf("shimipc: could not signal worker exit: %w", err)
	}

	for w.running.Load() != 0 {
		runtime.Gosched()
	}

	w.thread = nil
	err := errors.Join(w.listener.Close(), w.event.Close())
	w.state.Store(int32(StateExited))
	return err
}

// Close releases the endpoint and exit event of a worker that failed to
// start or died on a fatal error. A running worker must use Shutdown.
func (w *Worker) Close() error {
	if w.running.Load() != 0 {
		return fmt.Errorf("shimipc: close while worker thread runs: %w", ErrWorkerState)
	}
	var errs []error
	if w.listener != nil {
		errs = append(errs, w.listener.Close())
	}
	if w.event != nil {
		errs = append(errs, w.event.Close())
	}
	w.state.Store(int32(StateExited))
	return errors.Join(errs...)
}

func (w *Worker) run(started chan<- struct{}) {
	// Never unlocked: the OS thread ends together with this goroutine.
	runtime.LockOSThread()
	w.thread.bind(gettid())
	w.log.Debug("IPC worker started")
	close(started)

	w.loop()

	// Nothing below may touch the worker's resources.
	w.running.Store(0)
}

// loop runs until the exit event fires or a worker-fatal error occurs.
func (w *Worker) loop() {
	for {
		w.ws.refresh(w.event.Fd(), w.listener.Fd(), &w.reg)

		if _, err := w.poll(w.ws.fds); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.die(fmt.Errorf("waiting for events failed: %w", err))
			return
		}

		fds := w.ws.fds
		if ev := fds[slotExit].Revents; ev != 0 {
			if ev&^unix.POLLIN != 0 {
				w.die(fmt.Errorf("unexpected event (%#x) on exit handle", ev))
				return
			}
			w.log.Debug("exiting worker thread")
			w.terminate()
			return
		}

		if ev := fds[slotListener].Revents; ev != 0 {
			if ev&^unix.POLLIN != 0 {
				w.die(fmt.Errorf("unexpected event (%#x) on listening handle", ev))
				return
			}
			if err := w.accept(); err != nil {
				w.die(err)
				return
			}
		}

		conns := w.ws.conns
		for i := reservedSlots; i < len(fds); i++ {
			c, ev := conns[i], fds[i].Revents
			if ev == 0 || c.removed {
				continue
			}
			if ev&unix.POLLIN != 0 {
				status, err := w.fr.drain(c, func(msg *Message) error {
					return w.disp.deliver(c, msg)
				})
				switch status {
				case Drained:
					// Other events reported along with POLLIN are looked at on
					// the next round, after pending messages have been read.
					continue
				case ClosedCleanly:
					w.log.Debug("connection from %d closed", c.peer)
				default:
					w.log.Error("failed to receive an IPC message from %d: %v", c.peer, err)
					w.metrics.connectionError()
				}
			} else {
				w.log.Debug("error event (%#x) on connection from %d", ev, c.peer)
				w.metrics.connectionError()
			}
			w.reg.disconnect(c)
			w.reg.remove(c)
		}
	}
}

// accept takes one incoming connection and reads the peer id it starts
// with. Only a failing listener is reported as an error.
func (w *Worker) accept() error {
	s, err := w.listener.Accept()
	if errors.Is(err, ErrNoPendingConn) {
		return nil
	}
	if err != nil {
		return err
	}

	var id [PeerIDSize]byte
	if err := readExact(s, id[:]); err != nil {
		w.log.Error("receiving id failed: %v", err)
		w.metrics.handshakeFailed()
		s.Close()
		return nil
	}
	peer := decodePeerID(id[:])

	if old := w.reg.Lookup(peer); old != nil {
		w.log.Warn("peer %d reconnected, dropping its previous connection", peer)
		w.reg.remove(old)
	}
	if _, err := w.reg.add(s, peer); err != nil {
		return fmt.Errorf("adding connection failed: %w", err)
	}
	w.log.Debug("new IPC connection from %d", peer)
	return nil
}

func (w *Worker) terminate() {
	w.ws.release()
	w.reg.closeAll()
	w.thread.detach()
}

// die handles a worker-fatal error. The worker is the only IPC ingress
// of the process, so the process goes down with it.
func (w *Worker) die(err error) {
	w.log.Error("%v", err)
	w.ws.release()
	w.reg.closeAll()
	w.thread.detach()
	w.state.Store(int32(StateExited))
	w.exit(1)
}
