// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

var ErrClosedStream = errors.New("shimipc: read/write on closed stream")

// Stream is a connected byte stream backed by a pollable descriptor.
// Read returns io.EOF once the remote end has closed.
type Stream interface {
	io.ReadWriteCloser
	Fd() int
}

// Listener is the process's self-listening endpoint.
type Listener interface {
	Fd() int
	Accept() (Stream, error)
	Addr() string
	Close() error
}

// Event is a one-shot, level-triggered signal that becomes readable once Set.
type Event interface {
	Fd() int
	Set() error
	Close() error
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// readSome performs one read, retrying interrupted and would-block results.
// It returns io.EOF when the stream is closed and nothing was read.
func readSome(s Stream, p []byte) (int, error) {
	for {
		n, err := s.Read(p)
		if n > 0 {
			return n, nil
		}
		switch {
		case err == nil, isTransient(err):
			continue
		case errors.Is(err, io.EOF):
			return 0, io.EOF
		default:
			return 0, err
		}
	}
}

// readExact fills p completely. Hitting EOF before that is an error.
func readExact(s Stream, p []byte) error {
	for off := 0; off < len(p); {
		n, err := readSome(s, p[off:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("shimipc: read %d of %d bytes: %w", off, len(p), io.ErrUnexpectedEOF)
			}
			return err
		}
		off += n
	}
	return nil
}

// writeAll writes p completely, retrying partial and interrupted writes.
func writeAll(s Stream, p []byte) error {
	for len(p) > 0 {
		n, err := s.Write(p)
		p = p[n:]
		if err != nil {
			if isTransient(err) {
				continue
			}
			return err
		}
		if n == 0 && len(p) > 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// SendMessage encodes msg and writes it to s. Concurrent senders on the same
// stream must serialise themselves.
func SendMessage(s Stream, msg *Message) error {
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return writeAll(s, buf)
}
