// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package shimipc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrNoPendingConn is returned by Accept when the connection that made the
// listener readable went away before it could be accepted.
var ErrNoPendingConn = errors.New("shimipc: no pending connection")

// DefaultEndpoint returns the abstract unix socket name peer id listens on.
func DefaultEndpoint(id PeerID) string {
	return fmt.Sprintf("@shimipc/%d", id)
}

func unixSockaddr(addr string) (*unix.SockaddrUnix, error) {
	if addr == "" || addr == "@" {
		return nil, fmt.Errorf("shimipc: invalid endpoint %q", addr)
	}
	// A leading '@' selects the abstract namespace.
	return &unix.SockaddrUnix{Name: addr}, nil
}

// fdStream is a blocking unix stream socket.
type fdStream struct {
	fd     int
	closed atomic.Bool
}

func newFdStream(fd int) *fdStream { return &fdStream{fd: fd} }

func (s *fdStream) Fd() int { return s.fd }

func (s *fdStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosedStream
	}
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *fdStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosedStream
	}
	// MSG_NOSIGNAL: a dead peer yields EPIPE instead of SIGPIPE.
	n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *fdStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosedStream
	}
	return unix.Close(s.fd)
}

// unixListener is a non-blocking listening unix socket; accepted streams
// are blocking.
type unixListener struct {
	fd     int
	addr   string
	closed atomic.Bool
}

// Listen creates the listening endpoint at addr. Addresses starting with
// '@' live in the abstract namespace, others are filesystem paths.
func Listen(addr string) (Listener, error) {
	sa, err := unixSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("shimipc: socket: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shimipc: could not bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shimipc: could not listen on %q: %w", addr, err)
	}
	return &unixListener{fd: fd, addr: addr}, nil
}

func (l *unixListener) Fd() int { return l.fd }

func (l *unixListener) Addr() string { return l.addr }

func (l *unixListener) Accept() (Stream, error) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return newFdStream(fd), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
			return nil, ErrNoPendingConn
		default:
			return nil, fmt.Errorf("shimipc: accept on %q: %w", l.addr, err)
		}
	}
}

func (l *unixListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(l.fd)
	if !strings.HasPrefix(l.addr, "@") {
		os.Remove(l.addr)
	}
	return err
}

// Dial connects to the endpoint at addr.
func Dial(addr string) (Stream, error) {
	sa, err := unixSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shimipc: socket: %w", err)
	}
	for {
		err = unix.Connect(fd, sa)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shimipc: could not dial %q: %w", addr, err)
	}
	return newFdStream(fd), nil
}

// pipeEvent is a one-shot event backed by a pipe: once Set, its read end
// stays readable forever.
type pipeEvent struct {
	r, w   int
	set    atomic.Bool
	closed atomic.Bool
}

// NewEvent creates an unset event.
func NewEvent() (Event, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("shimipc: could not create event: %w", err)
	}
	return &pipeEvent{r: p[0], w: p[1]}, nil
}

func (e *pipeEvent) Fd() int { return e.r }

func (e *pipeEvent) Set() error {
	if !e.set.CompareAndSwap(false, true) {
		return nil
	}
	for {
		_, err := unix.Write(e.w, []byte{1})
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (e *pipeEvent) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(unix.Close(e.w), unix.Close(e.r))
}

func gettid() int { return unix.Gettid() }

func poll(fds []unix.PollFd) (int, error) { return unix.Poll(fds, -1) }
