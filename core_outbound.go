// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

var ErrOutboundClosed = errors.New("shimipc: outbound connections closed")

// OutboundOptions configures the outgoing side of a process.
type OutboundOptions struct {
	// Endpoint maps a peer id to the address its worker listens on.
	Endpoint func(peer PeerID) string
	// Dial opens a stream to an endpoint.
	Dial func(addr string) (Stream, error)
	// OnDisconnect, if set, runs when a peer's incoming connection to us
	// goes away.
	OnDisconnect func(peer PeerID) error
	Logger       *Logger
}

// DefaultOutboundOptions returns options dialing DefaultEndpoint addresses.
func DefaultOutboundOptions() *OutboundOptions {
	return &OutboundOptions{
		Endpoint: DefaultEndpoint,
		Dial:     Dial,
		Logger:   DefaultLogger,
	}
}

type outConn struct {
	mu     sync.Mutex // serialises writers and close
	stream Stream
}

// close waits for an in-flight write, so the descriptor is never released
// while a writer may still use its number.
func (c *outConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.Close()
}

// Outbound owns the connections this process opened to other peers. It is
// the Sender and PeerNotifier of a worker sharing the same Pending table:
// requests go out here, their replies come back through the worker.
type Outbound struct {
	self    PeerID
	pending *Pending
	opts    OutboundOptions
	log     *Logger

	mu     sync.Mutex
	conns  map[PeerID]*outConn
	closed bool
	dials  singleflight.Group
}

// NewOutbound creates the outgoing connection table of process self.
func NewOutbound(self PeerID, pending *Pending, opts *OutboundOptions) *Outbound {
	def := DefaultOutboundOptions()
	if opts == nil {
		opts = def
	}
	o := &Outbound{
		self:    self,
		pending: pending,
		opts:    *opts,
		conns:   make(map[PeerID]*outConn),
	}
	if o.opts.Endpoint == nil {
		o.opts.Endpoint = def.Endpoint
	}
	if o.opts.Dial == nil {
		o.opts.Dial = def.Dial
	}
	o.log = o.opts.Logger
	if o.log == nil {
		o.log = def.Logger
	}
	return o
}

// Len returns the number of open outgoing connections.
func (o *Outbound) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns)
}

func (o *Outbound) get(peer PeerID) (*outConn, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOutboundClosed
	}
	c := o.conns[peer]
	o.mu.Unlock()
	if c != nil {
		return c, nil
	}

	v, err, _ := o.dials.Do(strconv.FormatUint(uint64(peer), 10), func() (interface{}, error) {
		return o.connect(peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*outConn), nil
}

func (o *Outbound) connect(peer PeerID) (*outConn, error) {
	o.mu.Lock()
	if c := o.conns[peer]; c != nil {
		o.mu.Unlock()
		return c, nil
	}
	o.mu.Unlock()

	addr := o.opts.Endpoint(peer)
	s, err := o.opts.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("shimipc: connecting to %d: %w", peer, err)
	}
	if err := writeAll(s, encodePeerID(o.self)); err != nil {
		s.Close()
		return nil, fmt.Errorf("shimipc: sending id to %d: %w", peer, err)
	}

	c := &outConn{stream: s}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		s.Close()
		return nil, ErrOutboundClosed
	}
	o.conns[peer] = c
	o.log.Debug("outgoing IPC connection to %d at %s", peer, addr)
	return c, nil
}

// Send delivers msg to dest, connecting first if needed. A failed send
// drops the connection; the next Send reconnects.
func (o *Outbound) Send(msg *Message, dest PeerID) error {
	c, err := o.get(dest)
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = SendMessage(c.stream, msg)
	c.mu.Unlock()
	if err != nil {
		o.drop(dest, c)
		return fmt.Errorf("shimipc: sending %v to %d: %w", msg.Kind, dest, err)
	}
	return nil
}

// Call sends a request to dest and waits for its reply, returning the
// reply's retval. msg.Seq is overwritten with a fresh sequence number.
func (o *Outbound) Call(ctx context.Context, msg *Message, dest PeerID) (int32, error) {
	msg.Seq = o.pending.NextSeq()
	call, err := o.pending.Register(msg.Seq)
	if err != nil {
		return 0, err
	}
	if err := o.Send(msg, dest); err != nil {
		call.Cancel()
		return 0, err
	}
	return call.Wait(ctx)
}

// RequestConnectBack asks dest to connect to us and waits for the probe
// proving that direction works.
func (o *Outbound) RequestConnectBack(ctx context.Context, dest PeerID) error {
	_, err := o.Call(ctx, NewMessage(KindConnBack, o.self, dest, 0, nil), dest)
	return err
}

// RemoveOutgoingConnection closes our connection to peer, if any.
func (o *Outbound) RemoveOutgoingConnection(peer PeerID) error {
	o.mu.Lock()
	c := o.conns[peer]
	delete(o.conns, peer)
	o.mu.Unlock()
	if c == nil {
		return nil
	}
	o.log.Debug("removing outgoing IPC connection to %d", peer)
	return c.close()
}

// PeerDisconnected forwards the disconnect of peer to OnDisconnect.
func (o *Outbound) PeerDisconnected(peer PeerID) error {
	if o.opts.OnDisconnect == nil {
		return nil
	}
	return o.opts.OnDisconnect(peer)
}

// Close closes every outgoing connection; later sends fail.
func (o *Outbound) Close() error {
	o.mu.Lock()
	conns := o.conns
	o.conns = make(map[PeerID]*outConn)
	o.closed = true
	o.mu.Unlock()

	var errs []error
	for _, c := range conns {
		errs = append(errs, c.close())
	}
	return errors.Join(errs...)
}

func (o *Outbound) drop(peer PeerID, c *outConn) {
	o.mu.Lock()
	if o.conns[peer] == c {
		delete(o.conns, peer)
	}
	o.mu.Unlock()
	c.close()
}
