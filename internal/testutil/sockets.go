// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var endpointSeq atomic.Uint64

// SocketPath returns a fresh filesystem path for a unix socket endpoint.
// The directory is removed when the test ends.
func SocketPath(t testing.TB) string {
	t.Helper()
	// t.TempDir paths can exceed the sun_path limit of 108 bytes.
	dir, err := os.MkdirTemp("", "shimipc")
	if err != nil {
		t.Fatalf("could not create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, fmt.Sprintf("w%d.sock", endpointSeq.Add(1)))
}

// AbstractEndpoint returns a unique abstract-namespace endpoint name.
func AbstractEndpoint(t testing.TB) string {
	t.Helper()
	return fmt.Sprintf("@shimipc-test/%d/%d", os.Getpid(), endpointSeq.Add(1))
}
