// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// DeliveryTracker records which sequence numbers were sent and which were
// seen on the receiving side, in arrival order.
type DeliveryTracker struct {
	mu       sync.Mutex
	sent     map[uint64]time.Time
	received map[uint64]time.Time
	order    []uint64
}

// NewDeliveryTracker creates an empty tracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		sent:     make(map[uint64]time.Time),
		received: make(map[uint64]time.Time),
	}
}

// MarkSent marks seq as sent
func (dt *DeliveryTracker) MarkSent(seq uint64) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.sent[seq] = time.Now()
}

// MarkReceived marks seq as received
func (dt *DeliveryTracker) MarkReceived(seq uint64) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.received[seq] = time.Now()
	dt.order = append(dt.order, seq)
}

// Received returns the number of sequence numbers seen so far.
func (dt *DeliveryTracker) Received() int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return len(dt.order)
}

// Order returns the received sequence numbers in arrival order.
func (dt *DeliveryTracker) Order() []uint64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return append([]uint64(nil), dt.order...)
}

// VerifyDelivery checks that every sent seq was received exactly once.
func (dt *DeliveryTracker) VerifyDelivery(t testing.TB) {
	t.Helper()
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if len(dt.order) != len(dt.sent) {
		t.Errorf("delivery mismatch: sent %d, received %d", len(dt.sent), len(dt.order))
	}
	for seq := range dt.sent {
		if _, ok := dt.received[seq]; !ok {
			t.Errorf("seq %d was sent but not received", seq)
		}
	}
}

// TestTimeoutContext creates a context with timeout for testing
func TestTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WaitWithTimeout waits for a condition with timeout
func WaitWithTimeout(t testing.TB, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()
	ctx, cancel := TestTimeoutContext(timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for condition after %v", timeout)
		case <-ticker.C:
		}
	}
}
