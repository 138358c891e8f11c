// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"errors"
	"fmt"
	"io"
)

// DefaultReadahead is how many bytes past the fixed header a single read
// may pull in, in the hope of catching the next message(s) as well:
// a couple of ints plus the next header.
const DefaultReadahead = 0x20 + MinimalSize

var ErrRemoteClosedEarly = errors.New("shimipc: remote closed early")

// DrainStatus is the result of draining one readable connection.
type DrainStatus int

const (
	// Drained means every complete buffered message was delivered.
	Drained DrainStatus = iota
	// ClosedCleanly means the peer closed the stream on a message boundary.
	ClosedCleanly
	// DrainError means the connection is unusable.
	DrainError
)

func (s DrainStatus) String() string {
	switch s {
	case Drained:
		return "drained"
	case ClosedCleanly:
		return "closed"
	case DrainError:
		return "error"
	default:
		return fmt.Sprintf("DrainStatus(%d)", int(s))
	}
}

// accumulator is the owned read window of a connection.
type accumulator struct {
	buf []byte
	n   int
}

func newAccumulator(capacity int) accumulator {
	if capacity < MinimalSize {
		capacity = MinimalSize
	}
	return accumulator{buf: make([]byte, capacity)}
}

// Buffered returns the number of bytes read but not yet consumed.
func (a *accumulator) Buffered() int { return a.n }

// Bytes returns the buffered bytes. The slice is valid until the next
// Commit, Consume or Reset.
func (a *accumulator) Bytes() []byte { return a.buf[:a.n] }

// Free returns the unused tail of the window.
func (a *accumulator) Free() []byte { return a.buf[a.n:] }

// Commit marks k bytes of Free as filled.
func (a *accumulator) Commit(k int) {
	if k < 0 || a.n+k > len(a.buf) {
		panic("shimipc: accumulator commit out of range")
	}
	a.n += k
}

// Consume drops the first k buffered bytes, keeping the remainder.
func (a *accumulator) Consume(k int) {
	if k < 0 || k > a.n {
		panic("shimipc: accumulator consume out of range")
	}
	a.n = copy(a.buf, a.buf[k:a.n])
}

// Reset drops everything buffered.
func (a *accumulator) Reset() { a.n = 0 }

type deliverFunc func(msg *Message) error

type framer struct {
	maxSize uint64
	log     *Logger
}

// drain reads and delivers messages from c until no complete message is
// left buffered. deliver runs on each message as soon as it is assembled;
// its error is fatal to the connection.
func (f *framer) drain(c *Connection, deliver deliverFunc) (DrainStatus, error) {
	acc := &c.acc
	for {
		// Receive at least the message header.
		for acc.Buffered() < MinimalSize {
			n, err := readSome(c.stream, acc.Free())
			if err != nil {
				if !errors.Is(err, io.EOF) {
					f.log.Error("receiving message header from %d failed: %v", c.peer, err)
					return DrainError, fmt.Errorf("shimipc: receiving message header from %d: %w", c.peer, err)
				}
				if acc.Buffered() == 0 {
					// EOF exactly on a message boundary.
					return ClosedCleanly, nil
				}
				f.log.Error("receiving message from %d failed: remote closed early", c.peer)
				return DrainError, ErrRemoteClosedEarly
			}
			acc.Commit(n)
		}

		size := headerSize(acc.Bytes())
		if size < MinimalSize || size > f.maxSize {
			f.log.Error("message from %d announces invalid size %d", c.peer, size)
			return DrainError, fmt.Errorf("shimipc: message from %d announces %d bytes: %w", c.peer, size, ErrBadSize)
		}

		raw := make([]byte, size)
		if size <= uint64(acc.Buffered()) {
			// Already got the whole message, and possibly part of the next one.
			copy(raw, acc.Bytes())
			acc.Consume(int(size))
		} else {
			got := copy(raw, acc.Bytes())
			acc.Reset()
			if err := readExact(c.stream, raw[got:]); err != nil {
				f.log.Error("receiving message from %d failed: %v", c.peer, err)
				return DrainError, fmt.Errorf("shimipc: receiving message body from %d: %w", c.peer, err)
			}
		}

		msg := new(Message)
		if err := msg.UnmarshalBinary(raw); err != nil {
			return DrainError, err
		}
		f.log.Trace("received IPC message from %d: %v", c.peer, msg)

		if err := deliver(msg); err != nil {
			return DrainError, err
		}
		if acc.Buffered() == 0 {
			return Drained, nil
		}
	}
}
