// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"testing"
	"time"
)

func TestBackoffGrowthAndCap(t *testing.T) {
	table := NewStatsTable()
	key := table.KeyFor(Location{Kind: KindUnix, Path: "/run/backend.sock"})

	var prev time.Time
	for i := 1; i <= 20; i++ {
		table.MarkFailure(table.StartAttempt(key))
		snap, ok := table.Snapshot(key)
		if !ok {
			t.Fatalf("Failure %d: expected a statistics record", i)
		}
		if 16 < snap.FailureCount() {
			t.Fatalf("Failure %d: expected failure count <= 16, got %d", i, snap.FailureCount())
		}
		if i <= 10 && !prev.Before(snap.NextAllowedAttempt()) {
			t.Fatalf("Failure %d: expected next allowed attempt to grow, got %v then %v", i, prev, snap.NextAllowedAttempt())
		}
		if prev.After(snap.NextAllowedAttempt()) {
			t.Fatalf("Failure %d: backoff window moved backwards", i)
		}
		prev = snap.NextAllowedAttempt()
	}

	snap, _ := table.Snapshot(key)
	if snap.FailureCount() < 10 {
		t.Errorf("Expected saturated failure count >= 10, got %d", snap.FailureCount())
	}
	if !table.InBackoff(key, time.Now()) {
		t.Error("Expected the backend to be in backoff after repeated failures")
	}
}

func TestSuccessDoesNotResetBackoff(t *testing.T) {
	table := NewStatsTable()
	key := table.KeyFor(Location{Kind: KindUnix, Path: "/run/backend.sock"})

	for i := 0; i < 5; i++ {
		table.MarkFailure(table.StartAttempt(key))
	}
	before, _ := table.Snapshot(key)

	table.MarkSuccess(table.StartAttempt(key))
	after, _ := table.Snapshot(key)

	if after.FailureCount() != before.FailureCount() {
		t.Errorf("Expected failure count unchanged by success, got %d then %d", before.FailureCount(), after.FailureCount())
	}
	if !after.NextAllowedAttempt().Equal(before.NextAllowedAttempt()) {
		t.Error("Expected success to leave the backoff window alone")
	}
	if _, ok := table.P95(key); !ok {
		t.Error("Expected success to record a latency sample")
	}
}

func TestStatsKeySeparation(t *testing.T) {
	table := NewStatsTable()
	key1 := table.KeyFor(Location{Kind: KindUnix, Path: "/run/a.sock"})
	key2 := table.KeyFor(Location{Kind: KindUnix, Path: "/run/b.sock"})
	if key1 == key2 {
		t.Fatal("Expected distinct keys for distinct unix paths")
	}
	if key1 != table.KeyFor(Location{Kind: KindUnix, Path: "/run/a.sock"}) {
		t.Fatal("Expected stable keys for the same unix path")
	}

	table.MarkFailure(table.StartAttempt(key1))
	if _, ok := table.Snapshot(key2); ok {
		t.Error("Expected no statistics bleed between backends")
	}
}

func TestLatencyHistoryP95(t *testing.T) {
	var h LatencyHistory
	base := time.Now()
	for i := 1; i <= 20; i++ {
		h.Update(base.Add(time.Duration(i)*time.Second), time.Duration(i)*time.Millisecond)
	}
	if h.Len() != 20 {
		t.Fatalf("Expected 20 samples, got %d", h.Len())
	}
	// 19*20/20 = 19, the 20ms sample after sorting.
	if h.P95() != 20*time.Millisecond {
		t.Errorf("Expected p95 of 20ms, got %v", h.P95())
	}
}

func TestLatencyHistoryEvictsOldest(t *testing.T) {
	var h LatencyHistory
	base := time.Now()

	// Fill the ring; the oldest sample carries the largest latency so
	// eviction is visible through the p95.
	h.Update(base, time.Second)
	for i := 1; i < latencyHistoryCap; i++ {
		h.Update(base.Add(time.Duration(i)*time.Second), 10*time.Millisecond)
	}
	if h.Len() != latencyHistoryCap {
		t.Fatalf("Expected a full ring, got %d", h.Len())
	}
	if h.P95() != time.Second {
		t.Fatalf("Expected the slow sample to dominate the p95, got %v", h.P95())
	}

	h.Update(base.Add(time.Duration(latencyHistoryCap)*time.Second), 10*time.Millisecond)
	if h.Len() != latencyHistoryCap {
		t.Fatalf("Expected the ring to stay at capacity, got %d", h.Len())
	}
	if h.P95() != 10*time.Millisecond {
		t.Errorf("Expected the oldest sample to be evicted, got p95 %v", h.P95())
	}
}
