// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"hash/maphash"
	"net/netip"
	"sync"
	"time"
)

const (
	defaultAttemptScalingFactor = time.Second

	// A fresh statistics record pretends its last attempt happened long
	// ago so new backends are immediately eligible.
	startingLastAttemptAgo = 10 * time.Minute
)

// Key identifies a backend location in the statistics table. TCP locations
// key by address; path and name locations are double-hashed with two
// independent seeds so a single 64-bit collision cannot conflate two
// backends' health.
type Key struct {
	kind  Kind
	hash1 uint64
	hash2 uint64
	addr  netip.AddrPort
}

// Stats tracks dial outcomes for one backend location.
type Stats struct {
	failureCount       uint32
	scale              time.Duration
	lastAttempt        time.Time
	nextAllowedAttempt time.Time
	latency            LatencyHistory
}

func newStats(now time.Time) *Stats {
	return &Stats{
		scale:              defaultAttemptScalingFactor,
		lastAttempt:        now.Add(-startingLastAttemptAgo),
		nextAllowedAttempt: now.Add(-startingLastAttemptAgo),
	}
}

// FailureCount returns the saturating failure counter.
func (s *Stats) FailureCount() uint32 {
	return s.failureCount
}

// NextAllowedAttempt returns when this backend leaves backoff.
func (s *Stats) NextAllowedAttempt() time.Time {
	return s.nextAllowedAttempt
}

// StartHandle marks the start of one dial attempt. The handle is handed
// back through MarkSuccess or MarkFailure.
type StartHandle struct {
	key   Key
	start time.Time
}

// Start returns when the attempt began.
func (h StartHandle) Start() time.Time {
	return h.start
}

// StatsTable holds per-backend dial statistics. Records are created lazily
// on first attempt and never explicitly destroyed.
type StatsTable struct {
	seed1 maphash.Seed
	seed2 maphash.Seed

	mu    sync.Mutex
	table map[Key]*Stats
}

// NewStatsTable returns an empty statistics table with fresh hash seeds.
func NewStatsTable() *StatsTable {
	return &StatsTable{
		seed1: maphash.MakeSeed(),
		seed2: maphash.MakeSeed(),
		table: make(map[Key]*Stats),
	}
}

// KeyFor derives the internal statistics key for a location.
func (t *StatsTable) KeyFor(loc Location) Key {
	switch loc.Kind {
	case KindTCP:
		return Key{kind: KindTCP, addr: loc.Addr}
	case KindUnix:
		return Key{
			kind:  KindUnix,
			hash1: maphash.String(t.seed1, loc.Path),
			hash2: maphash.String(t.seed2, loc.Path),
		}
	default:
		return Key{
			kind:  loc.Kind,
			hash1: maphash.String(t.seed1, loc.Name),
			hash2: maphash.String(t.seed2, loc.Name),
		}
	}
}

// InBackoff reports whether the location's next allowed attempt is still in
// the future. Locations without statistics are never in backoff.
func (t *StatsTable) InBackoff(key Key, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.table[key]
	if !ok {
		return false
	}
	return now.Before(s.nextAllowedAttempt)
}

// StartAttempt records the beginning of a dial attempt.
func (t *StatsTable) StartAttempt(key Key) StartHandle {
	return StartHandle{key: key, start: time.Now()}
}

func (t *StatsTable) get(key Key, now time.Time) *Stats {
	s, ok := t.table[key]
	if !ok {
		s = newStats(now)
		t.table[key] = s
	}
	return s
}

// MarkSuccess folds the attempt's latency into the location's history.
// Success does not unwind the failure counter; recovery happens through the
// backoff window expiring.
func (t *StatsTable) MarkSuccess(h StartHandle) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(h.key, now)
	s.lastAttempt = h.start
	s.latency.Update(h.start, now.Sub(h.start))
}

// MarkFailure advances the saturating failure counter and extends the
// backoff window. The counter increments up to 16 and then clamps back to
// 10, keeping the delay near its ceiling without overflowing the doubling.
// The window only ever moves forward.
func (t *StatsTable) MarkFailure(h StartHandle) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(h.key, now)
	s.lastAttempt = h.start

	s.failureCount++
	if 16 <= s.failureCount {
		s.failureCount = 10
	}

	delay := s.scale
	for i := uint32(1); i < s.failureCount; i++ {
		delay += delay
	}
	proposal := h.start.Add(delay)
	if s.nextAllowedAttempt.Before(proposal) {
		s.nextAllowedAttempt = proposal
	}
}

// P95 returns the location's cached 95th-percentile connect latency.
func (t *StatsTable) P95(key Key) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.table[key]
	if !ok || s.latency.Len() == 0 {
		return 0, false
	}
	return s.latency.P95(), true
}

// Snapshot returns a copy of the stats record for a key, for tests and
// introspection.
func (t *StatsTable) Snapshot(key Key) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.table[key]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}
