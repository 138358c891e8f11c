// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDuplicateSeq = errors.New("shimipc: sequence number already pending")
	ErrInvalidSeq   = errors.New("shimipc: sequence number 0 never gets a reply")
)

// Pending tracks synchronous requests waiting for their reply, keyed by
// sequence number. It implements Resolver.
type Pending struct {
	mu    sync.Mutex
	calls map[uint64]*Call
	seq   atomic.Uint64
}

// NewPending creates an empty pending-request table.
func NewPending() *Pending {
	return &Pending{calls: make(map[uint64]*Call)}
}

// NextSeq allocates a fresh non-zero sequence number.
func (p *Pending) NextSeq() uint64 {
	for {
		if seq := p.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

// Register records a request waiting on seq.
func (p *Pending) Register(seq uint64) (*Call, error) {
	if seq == 0 {
		return nil, ErrInvalidSeq
	}
	c := &Call{Seq: seq, owner: p, done: make(chan struct{})}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.calls[seq]; dup {
		return nil, fmt.Errorf("seq=%d: %w", seq, ErrDuplicateSeq)
	}
	p.calls[seq] = c
	return c, nil
}

// Resolve completes the request waiting on seq with retval. Stale,
// duplicate and abandoned replies find nothing and are reported as false.
func (p *Pending) Resolve(seq uint64, retval int32) bool {
	p.mu.Lock()
	c, ok := p.calls[seq]
	if ok {
		delete(p.calls, seq)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	c.complete(retval, nil)
	return true
}

// FailAll completes every pending request with err.
func (p *Pending) FailAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[uint64]*Call)
	p.mu.Unlock()

	for _, c := range calls {
		c.complete(0, err)
	}
}

// Len returns the number of requests still waiting.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Call is one request waiting for its reply.
type Call struct {
	Seq uint64

	owner  *Pending
	done   chan struct{}
	retval int32
	err    error
}

// complete is called at most once, by whoever removed c from its table.
func (c *Call) complete(retval int32, err error) {
	c.retval = retval
	c.err = err
	close(c.done)
}

// Done is closed once the reply arrived or the call failed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the reply arrives or ctx ends. A caller giving up
// unregisters the call, so a late reply is discarded.
func (c *Call) Wait(ctx context.Context) (int32, error) {
	select {
	case <-c.done:
		return c.retval, c.err
	case <-ctx.Done():
	}
	c.Cancel()
	select {
	case <-c.done:
		return c.retval, c.err
	default:
		return 0, ctx.Err()
	}
}

// Cancel abandons the call if it is still pending.
func (c *Call) Cancel() {
	p := c.owner
	p.mu.Lock()
	if p.calls[c.Seq] == c {
		delete(p.calls, c.Seq)
	}
	p.mu.Unlock()
}
