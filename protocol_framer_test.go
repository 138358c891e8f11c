// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/destiny/shimipc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func wire(t testing.TB, msgs ...*Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		buf.Write(b)
	}
	return buf.Bytes()
}

func newTestConn(s Stream, peer PeerID) *Connection {
	return &Connection{stream: s, peer: peer, acc: newAccumulator(MinimalSize + DefaultReadahead)}
}

func newTestFramer() *framer {
	return &framer{maxSize: DefaultMaxMessageSize, log: DevNullLogger}
}

type collector struct {
	msgs []*Message
	err  error
}

func (c *collector) deliver(msg *Message) error {
	// Payloads alias the framer's scratch buffer only until the next message.
	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	c.msgs = append(c.msgs, &cp)
	return c.err
}

func TestFramerDrain(t *testing.T) {
	t.Run("back_to_back_messages", func(t *testing.T) {
		var msgs []*Message
		for i := 1; i <= 3; i++ {
			msgs = append(msgs, NewResponse(7, 1, uint64(i), int32(-i)))
		}
		s := testutil.NewScriptedStream(testutil.Step{Data: wire(t, msgs...)})
		var got collector

		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		require.NoError(t, err)
		assert.Equal(t, Drained, status)
		require.Len(t, got.msgs, 3)
		for i, m := range got.msgs {
			assert.Equal(t, uint64(i+1), m.Seq)
			rv, err := m.Retval()
			require.NoError(t, err)
			assert.Equal(t, int32(-(i + 1)), rv)
		}
		assert.Zero(t, s.Remaining())
	})

	t.Run("byte_by_byte", func(t *testing.T) {
		raw := wire(t, NewMessage(KindQuery, 7, 1, 5, []byte("abcdef")))
		sizes := make([]int, len(raw))
		for i := range sizes {
			sizes[i] = 1
		}
		s := testutil.NewScriptedStream(testutil.Chunks(raw, sizes...)...)
		var got collector

		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		require.NoError(t, err)
		assert.Equal(t, Drained, status)
		require.Len(t, got.msgs, 1)
		assert.Equal(t, []byte("abcdef"), got.msgs[0].Payload)
	})

	t.Run("split_inside_header_of_second", func(t *testing.T) {
		raw := wire(t, NewResponse(7, 1, 1, 0), NewResponse(7, 1, 2, 0))
		s := testutil.NewScriptedStream(testutil.Chunks(raw, 40, 3)...)
		var got collector

		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		require.NoError(t, err)
		assert.Equal(t, Drained, status)
		require.Len(t, got.msgs, 2)
		assert.Equal(t, uint64(2), got.msgs[1].Seq)
	})

	t.Run("body_larger_than_window", func(t *testing.T) {
		payload := bytes.Repeat([]byte{0x5a}, 1000)
		s := testutil.NewScriptedStream(testutil.Step{Data: wire(t, NewMessage(KindSysvMsgSnd, 7, 1, 0, payload))})
		var got collector

		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		require.NoError(t, err)
		assert.Equal(t, Drained, status)
		require.Len(t, got.msgs, 1)
		assert.Equal(t, payload, got.msgs[0].Payload)
	})

	t.Run("interrupted_reads_are_retried", func(t *testing.T) {
		raw := wire(t, NewResponse(7, 1, 9, 3))
		s := testutil.NewScriptedStream(
			testutil.Step{Err: unix.EINTR},
			testutil.Step{Data: raw[:10]},
			testutil.Step{Err: unix.EAGAIN},
			testutil.Step{Data: raw[10:]},
		)
		var got collector

		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		require.NoError(t, err)
		assert.Equal(t, Drained, status)
		require.Len(t, got.msgs, 1)
	})
}

func TestFramerClose(t *testing.T) {
	t.Run("clean_close", func(t *testing.T) {
		s := testutil.NewScriptedStream()
		var got collector
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.NoError(t, err)
		assert.Equal(t, ClosedCleanly, status)
		assert.Empty(t, got.msgs)
	})

	t.Run("clean_close_after_message", func(t *testing.T) {
		s := testutil.NewScriptedStream(testutil.Step{Data: wire(t, NewResponse(7, 1, 1, 0))})
		c := newTestConn(s, 7)
		f := newTestFramer()
		var got collector

		status, err := f.drain(c, got.deliver)
		require.NoError(t, err)
		require.Equal(t, Drained, status)

		status, err = f.drain(c, got.deliver)
		assert.NoError(t, err)
		assert.Equal(t, ClosedCleanly, status)
		assert.Len(t, got.msgs, 1)
	})

	t.Run("closed_mid_header", func(t *testing.T) {
		raw := wire(t, NewResponse(7, 1, 1, 0))
		s := testutil.NewScriptedStream(testutil.Step{Data: raw[:10]})
		var got collector
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.Equal(t, DrainError, status)
		assert.ErrorIs(t, err, ErrRemoteClosedEarly)
		assert.Empty(t, got.msgs)
	})

	t.Run("closed_mid_body", func(t *testing.T) {
		raw := wire(t, NewResponse(7, 1, 1, 0))
		s := testutil.NewScriptedStream(testutil.Step{Data: raw[:MinimalSize+1]})
		var got collector
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.Equal(t, DrainError, status)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Empty(t, got.msgs)
	})

	t.Run("read_error", func(t *testing.T) {
		s := testutil.NewScriptedStream(testutil.Step{Err: unix.ECONNRESET})
		var got collector
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.Equal(t, DrainError, status)
		assert.ErrorIs(t, err, unix.ECONNRESET)
	})
}

func TestFramerRejects(t *testing.T) {
	header := func(size uint64) []byte {
		b := make([]byte, MinimalSize)
		putHeader(b, KindQuery, size, 7, 1, 0)
		return b
	}

	t.Run("size_below_header", func(t *testing.T) {
		s := testutil.NewScriptedStream(testutil.Step{Data: header(MinimalSize - 1)})
		var got collector
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.Equal(t, DrainError, status)
		assert.ErrorIs(t, err, ErrBadSize)
	})

	t.Run("size_above_limit", func(t *testing.T) {
		s := testutil.NewScriptedStream(testutil.Step{Data: header(1 << 40)})
		var got collector
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.Equal(t, DrainError, status)
		assert.ErrorIs(t, err, ErrBadSize)
	})

	t.Run("delivery_error", func(t *testing.T) {
		boom := errors.New("boom")
		s := testutil.NewScriptedStream(testutil.Step{Data: wire(t, NewResponse(7, 1, 1, 0), NewResponse(7, 1, 2, 0))})
		got := collector{err: boom}
		status, err := newTestFramer().drain(newTestConn(s, 7), got.deliver)
		assert.Equal(t, DrainError, status)
		assert.ErrorIs(t, err, boom)
		assert.Len(t, got.msgs, 1)
	})
}

func TestAccumulator(t *testing.T) {
	acc := newAccumulator(4)
	assert.Len(t, acc.Free(), MinimalSize)

	n := copy(acc.Free(), "hello world")
	acc.Commit(n)
	acc.Consume(6)
	assert.Equal(t, []byte("world"), acc.Bytes())
	assert.Equal(t, 5, acc.Buffered())

	assert.Panics(t, func() { acc.Consume(6) })
	assert.Panics(t, func() { acc.Commit(MinimalSize) })

	acc.Reset()
	assert.Zero(t, acc.Buffered())
}
