// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix && !linux

package shimipc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	errUnsupported   = fmt.Errorf("shimipc: unix stream endpoints need linux: %w", errors.ErrUnsupported)
	ErrNoPendingConn = errors.New("shimipc: no pending connection")
)

// DefaultEndpoint returns the abstract unix socket name peer id listens on.
func DefaultEndpoint(id PeerID) string {
	return fmt.Sprintf("@shimipc/%d", id)
}

// Listen is only available on linux.
func Listen(addr string) (Listener, error) { return nil, errUnsupported }

// Dial is only available on linux.
func Dial(addr string) (Stream, error) { return nil, errUnsupported }

// NewEvent is only available on linux.
func NewEvent() (Event, error) { return nil, errUnsupported }

func gettid() int { return 0 }

func poll(fds []unix.PollFd) (int, error) { return unix.Poll(fds, -1) }
