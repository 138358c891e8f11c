// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type outcomeKind uint8

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomeAlreadyReplied
)

// Outcome is the result of a message handler.
type Outcome struct {
	kind outcomeKind
	code int32
}

// Success reports a handled request; code is sent back as the retval.
// Success(0) is a legitimate reply, distinct from not replying at all.
func Success(code int32) Outcome { return Outcome{kind: outcomeSuccess, code: code} }

// Failure reports a failed request; code (usually a negated errno) is sent
// back as the retval.
func Failure(code int32) Outcome { return Outcome{kind: outcomeFailure, code: code} }

// Errno reports a failed request with the negated errno as retval.
func Errno(errno unix.Errno) Outcome { return Failure(-int32(errno)) }

// AlreadyReplied means the handler sent its own reply (or none is due), so
// no automatic reply follows.
var AlreadyReplied = Outcome{kind: outcomeAlreadyReplied}

// Code returns the retval carried by the automatic reply.
func (o Outcome) Code() int32 { return o.code }

// Replied reports whether the handler took care of replying itself.
func (o Outcome) Replied() bool { return o.kind == outcomeAlreadyReplied }

// Failed reports whether the outcome is a Failure.
func (o Outcome) Failed() bool { return o.kind == outcomeFailure }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuccess:
		return fmt.Sprintf("Success(%d)", o.code)
	case outcomeFailure:
		return fmt.Sprintf("Failure(%d)", o.code)
	default:
		return "AlreadyReplied"
	}
}

// Handler processes one message received from peer src.
type Handler func(msg *Message, src PeerID) Outcome

// Handlers holds the protocol handlers served by the worker. A nil field
// leaves that kind unhandled: such messages are logged and dropped.
// RESP, CONNBACK and DUMMY are served by the worker itself.
type Handlers struct {
	ChildExit    Handler
	Lease        Handler
	Offer        Handler
	Sublease     Handler
	Query        Handler
	QueryAll     Handler
	Answer       Handler
	PidKill      Handler
	PidGetStatus Handler
	PidRetStatus Handler
	PidGetMeta   Handler
	PidRetMeta   Handler
	SysvFindKey  Handler
	SysvTellKey  Handler
	SysvDelRes   Handler
	SysvMsgSnd   Handler
	SysvMsgRcv   Handler
	SysvSemOp    Handler
	SysvSemCtl   Handler
	SysvSemRet   Handler
}

// Lookup returns the handler registered for kind, or nil.
func (h *Handlers) Lookup(kind Kind) Handler {
	switch kind {
	case KindChildExit:
		return h.ChildExit
	case KindLease:
		return h.Lease
	case KindOffer:
		return h.Offer
	case KindSublease:
		return h.Sublease
	case KindQuery:
		return h.Query
	case KindQueryAll:
		return h.QueryAll
	case KindAnswer:
		return h.Answer
	case KindPidKill:
		return h.PidKill
	case KindPidGetStatus:
		return h.PidGetStatus
	case KindPidRetStatus:
		return h.PidRetStatus
	case KindPidGetMeta:
		return h.PidGetMeta
	case KindPidRetMeta:
		return h.PidRetMeta
	case KindSysvFindKey:
		return h.SysvFindKey
	case KindSysvTellKey:
		return h.SysvTellKey
	case KindSysvDelRes:
		return h.SysvDelRes
	case KindSysvMsgSnd:
		return h.SysvMsgSnd
	case KindSysvMsgRcv:
		return h.SysvMsgRcv
	case KindSysvSemOp:
		return h.SysvSemOp
	case KindSysvSemCtl:
		return h.SysvSemCtl
	case KindSysvSemRet:
		return h.SysvSemRet
	}
	return nil
}

// Resolver completes pending synchronous requests when their reply arrives.
type Resolver interface {
	// Resolve stores retval in the request waiting on seq and wakes its
	// caller. It reports false when no such request is pending.
	Resolve(seq uint64, retval int32) bool
}

// Sender delivers a message to a peer. When the worker has no Sender,
// replies go back over the connection the request arrived on.
type Sender interface {
	Send(msg *Message, dest PeerID) error
}

type dispatcher struct {
	self     PeerID
	handlers Handlers
	resolver Resolver
	sender   Sender
	log      *Logger
	metrics  *Metrics
}

// deliver dispatches msg and sends the automatic reply when one is due.
// A returned error is fatal to c.
func (d *dispatcher) deliver(c *Connection, msg *Message) error {
	if msg.Src != c.peer {
		return fmt.Errorf("shimipc: message claims source %d on connection from %d", msg.Src, c.peer)
	}
	d.metrics.received(msg.Kind)

	out, ok, err := d.dispatch(c, msg)
	if err != nil || !ok {
		return err
	}
	if msg.Seq == 0 || out.Replied() {
		return nil
	}
	if err := d.send(c, NewResponse(d.self, c.peer, msg.Seq, out.Code())); err != nil {
		d.log.Error("sending IPC msg response to %d failed: %v", c.peer, err)
		return fmt.Errorf("shimipc: sending response to %d: %w", c.peer, err)
	}
	d.metrics.replied()
	return nil
}

// dispatch routes msg by kind. ok is false when nothing handles the kind.
func (d *dispatcher) dispatch(c *Connection, msg *Message) (out Outcome, ok bool, err error) {
	switch msg.Kind {
	case KindResp:
		return d.response(msg, c.peer), true, nil
	case KindConnBack:
		out, err = d.connectBack(c, msg)
		return out, true, err
	case KindDummy:
		return d.dummy(msg), true, nil
	}

	h := d.handlers.Lookup(msg.Kind)
	if h == nil {
		d.log.Error("received unknown IPC msg type: %v", msg.Kind)
		d.metrics.unknown()
		return out, false, nil
	}
	return d.invoke(h, msg, c.peer), true, nil
}

func (d *dispatcher) invoke(h Handler, msg *Message, src PeerID) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler for %v from %d panicked: %v", msg.Kind, src, r)
			out = Errno(unix.EFAULT)
		}
	}()
	return h(msg, src)
}

func (d *dispatcher) response(msg *Message, src PeerID) Outcome {
	retval, err := msg.Retval()
	if err != nil {
		d.log.Error("malformed IPC msg response from %d: %v", src, err)
		return AlreadyReplied
	}
	d.log.Debug("got IPC msg response from %d: %d", msg.Src, retval)
	d.resolve(msg.Seq, retval)
	return AlreadyReplied
}

// connectBack answers a request to open a reverse connection with a
// content-free probe carrying the request's sequence number.
func (d *dispatcher) connectBack(c *Connection, msg *Message) (Outcome, error) {
	probe := NewMessage(KindDummy, d.self, c.peer, msg.Seq, nil)
	if err := d.send(c, probe); err != nil {
		return AlreadyReplied, fmt.Errorf("shimipc: sending connect-back probe to %d: %w", c.peer, err)
	}
	return AlreadyReplied, nil
}

// dummy wakes the requester of a connect-back, if any.
func (d *dispatcher) dummy(msg *Message) Outcome {
	if msg.Seq != 0 {
		d.resolve(msg.Seq, 0)
	}
	return AlreadyReplied
}

func (d *dispatcher) resolve(seq uint64, retval int32) {
	if d.resolver == nil || !d.resolver.Resolve(seq, retval) {
		d.log.Error("got response to an unknown message (seq=%d)", seq)
		d.metrics.stale()
	}
}

func (d *dispatcher) send(c *Connection, msg *Message) error {
	if d.sender != nil {
		return d.sender.Send(msg, c.peer)
	}
	return SendMessage(c.stream, msg)
}
