// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/destiny/shimipc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, LogLevelWarn)

	l.Error("e %d", 1)
	l.Warn("w %d", 2)
	l.Info("i %d", 3)
	l.Debug("d %d", 4)

	out := buf.String()
	assert.Contains(t, out, "shimipc: ")
	assert.Contains(t, out, "[ERROR] e 1")
	assert.Contains(t, out, "[WARN] w 2")
	assert.NotContains(t, out, "i 3")
	assert.NotContains(t, out, "d 4")

	l.SetLevel(LogLevelTrace)
	assert.Equal(t, LogLevelTrace, l.GetLevel())
	assert.True(t, l.IsEnabled(LogLevelDebug))
	l.Trace("t %d", 5)
	assert.Contains(t, buf.String(), "[TRACE] t 5")

	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Error("nothing %v", l) })
}

func TestDispatchLogsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(Handlers{}, NewPending())
	d.log = NewLoggerWithWriter(&buf, LogLevelError)

	c := newTestConn(testutil.NewScriptedStream(), testPeer)
	require.NoError(t, d.deliver(c, NewMessage(KindOffer, testPeer, testSelf, 0, nil)))
	require.NoError(t, d.deliver(c, NewResponse(testPeer, testSelf, 77, 0)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "received unknown IPC msg type: OFFER")
	assert.Contains(t, lines[1], "got response to an unknown message (seq=77)")
}
