// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import "errors"

// NoLeader is returned by a leader function when no leader is known.
const NoLeader PeerID = 0

// PeerNotifier receives the disconnect notifications of incoming
// connections. Both calls are best effort: their failures are logged and
// never stop the worker.
type PeerNotifier interface {
	// PeerDisconnected reports that peer closed its connection to us.
	PeerDisconnected(peer PeerID) error
	// RemoveOutgoingConnection drops our own connection to peer, if any.
	// Connections are usually set up in both directions.
	RemoveOutgoingConnection(peer PeerID) error
}

// Connection is an incoming peer connection owned by the worker.
type Connection struct {
	stream  Stream
	peer    PeerID
	acc     accumulator
	removed bool
}

// Peer returns the id the peer identified itself with.
func (c *Connection) Peer() PeerID { return c.peer }

// Stream returns the underlying stream.
func (c *Connection) Stream() Stream { return c.stream }

// registry is the set of live incoming connections. It is only touched by
// the worker goroutine, hence no locking.
type registry struct {
	conns   []*Connection
	version uint64

	readahead int
	notifier  PeerNotifier
	leader    func() PeerID
	log       *Logger
	metrics   *Metrics
}

// Len returns the number of live connections.
func (r *registry) Len() int { return len(r.conns) }

// Version changes on every membership change.
func (r *registry) Version() uint64 { return r.version }

// Lookup returns the live connection of peer, if any.
func (r *registry) Lookup(peer PeerID) *Connection {
	for _, c := range r.conns {
		if c.peer == peer {
			return c
		}
	}
	return nil
}

func (r *registry) add(s Stream, peer PeerID) (*Connection, error) {
	if s == nil {
		return nil, errors.New("shimipc: nil stream")
	}
	c := &Connection{
		stream: s,
		peer:   peer,
		acc:    newAccumulator(MinimalSize + r.readahead),
	}
	r.conns = append(r.conns, c)
	r.version++
	r.metrics.connected(len(r.conns))
	return c, nil
}

// remove detaches c and closes its stream. Removing a connection that is
// not registered is a no-op, so the stream is closed exactly once.
func (r *registry) remove(c *Connection) {
	cur := -1
	for i := range r.conns {
		if r.conns[i] == c {
			cur = i
			break
		}
	}
	if cur == -1 {
		return
	}

	r.conns = append(r.conns[:cur], r.conns[cur+1:]...)
	r.version++
	c.removed = true
	r.metrics.disconnected(len(r.conns))

	if err := c.stream.Close(); err != nil {
		r.log.Debug("closing connection of %d: %v", c.peer, err)
	}
}

// disconnect runs the best-effort notifications for a departing peer.
func (r *registry) disconnect(c *Connection) {
	if r.leader != nil {
		if leader := r.leader(); leader != NoLeader && leader == c.peer {
			// Legitimate when the leader is also our parent and does wait+exit.
			// An erroneous disconnect shows up on the next send to the leader.
			r.log.Debug("IPC leader disconnected")
		}
	}
	if r.notifier == nil {
		return
	}
	r.notify("peer-disconnected", c.peer, r.notifier.PeerDisconnected)
	r.notify("remove-outgoing", c.peer, r.notifier.RemoveOutgoingConnection)
}

func (r *registry) notify(what string, peer PeerID, fn func(PeerID) error) {
	defer func() {
		if e := recover(); e != nil {
			r.log.Error("%s callback for %d panicked: %v", what, peer, e)
		}
	}()
	if err := fn(peer); err != nil {
		r.log.Warn("%s callback for %d failed: %v", what, peer, err)
	}
}

// closeAll releases every remaining connection without notifications.
func (r *registry) closeAll() {
	for len(r.conns) > 0 {
		r.remove(r.conns[len(r.conns)-1])
	}
}
