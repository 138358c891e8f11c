// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import "golang.org/x/sys/unix"

// Reserved wait-set slots, always first.
const (
	slotExit = iota
	slotListener

	reservedSlots
)

// poller blocks until at least one descriptor in fds is ready.
type poller func(fds []unix.PollFd) (int, error)

// waitSet caches the arrays handed to the poller. They are rebuilt only when
// the registry version moved since the last build; the arrays of a previous
// build are never reused after that.
type waitSet struct {
	valid   bool
	version uint64
	builds  int

	conns []*Connection
	fds   []unix.PollFd
}

func (ws *waitSet) refresh(exitFd, listenFd int, r *registry) {
	if !ws.valid || ws.version != r.Version() {
		n := reservedSlots + r.Len()
		ws.conns = make([]*Connection, n)
		ws.fds = make([]unix.PollFd, n)

		ws.fds[slotExit] = unix.PollFd{Fd: int32(exitFd), Events: unix.POLLIN}
		ws.fds[slotListener] = unix.PollFd{Fd: int32(listenFd), Events: unix.POLLIN}
		for i, c := range r.conns {
			ws.conns[reservedSlots+i] = c
			ws.fds[reservedSlots+i] = unix.PollFd{Fd: int32(c.stream.Fd()), Events: unix.POLLIN}
		}

		ws.version = r.Version()
		ws.valid = true
		ws.builds++
	}
	for i := range ws.fds {
		ws.fds[i].Revents = 0
	}
}

func (ws *waitSet) release() {
	ws.conns = nil
	ws.fds = nil
	ws.valid = false
}
