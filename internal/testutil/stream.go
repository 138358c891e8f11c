// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrScriptClosed is returned by a ScriptedStream used after Close.
var ErrScriptClosed = errors.New("testutil: scripted stream closed")

// Step is one scripted result of Read: either some bytes or an error.
type Step struct {
	Data []byte
	Err  error
}

// ScriptedStream is an in-memory stream whose reads follow a script.
// Once the script is exhausted reads report io.EOF.
type ScriptedStream struct {
	mu      sync.Mutex
	steps   []Step
	pending []byte

	written  bytes.Buffer
	writeErr error
	closes   int
	fd       int
}

// NewScriptedStream creates a stream replaying steps.
func NewScriptedStream(steps ...Step) *ScriptedStream {
	return &ScriptedStream{steps: steps, fd: -1}
}

// Chunks splits data into steps of the given sizes; any rest becomes a
// final step.
func Chunks(data []byte, sizes ...int) []Step {
	var steps []Step
	for _, n := range sizes {
		if n > len(data) {
			n = len(data)
		}
		if n == 0 {
			continue
		}
		steps = append(steps, Step{Data: data[:n]})
		data = data[n:]
	}
	if len(data) > 0 {
		steps = append(steps, Step{Data: data})
	}
	return steps
}

// Append adds steps to the end of the script.
func (s *ScriptedStream) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// FailWrites makes every later Write fail with err.
func (s *ScriptedStream) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetFd sets the value reported by Fd.
func (s *ScriptedStream) SetFd(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fd = fd
}

func (s *ScriptedStream) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

func (s *ScriptedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return 0, ErrScriptClosed
	}
	if len(s.pending) == 0 {
		if len(s.steps) == 0 {
			return 0, io.EOF
		}
		step := s.steps[0]
		s.steps = s.steps[1:]
		if step.Err != nil {
			return 0, step.Err
		}
		s.pending = step.Data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *ScriptedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return 0, ErrScriptClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.written.Write(p)
}

func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes > 1 {
		return ErrScriptClosed
	}
	return nil
}

// Written returns a copy of everything written so far.
func (s *ScriptedStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

// Closes returns how many times Close was called.
func (s *ScriptedStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Remaining returns the number of unread scripted bytes.
func (s *ScriptedStream) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for _, st := range s.steps {
		n += len(st.Data)
	}
	return n
}
