// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver maps SNI hostnames to backend locations, tracks
// per-backend dial statistics with exponential backoff, and selects healthy
// candidates.
package resolver

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"

	errs "github.com/infinityb/yscloud-sub000/pkg/errors"
	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
)

// IdentifiedLocation is a backend location with its stable id. The id
// orders locations within a set.
type IdentifiedLocation struct {
	ID       ksuid.KSUID
	Location Location
}

// BackendSet is everything known about one hostname's backends. Sets are
// immutable once published to the Manager; updates replace the whole set.
type BackendSet struct {
	HeaderVersion    haproxy.Version
	AllowPassthrough bool
	Locations        []IdentifiedLocation
}

// NewBackendSet assigns each location a fresh id and orders the set by id.
func NewBackendSet(version haproxy.Version, passthrough bool, locs []Location) *BackendSet {
	identified := make([]IdentifiedLocation, len(locs))
	for i, loc := range locs {
		identified[i] = IdentifiedLocation{ID: ksuid.New(), Location: loc}
	}
	sort.Slice(identified, func(i, j int) bool {
		return identified[i].ID.String() < identified[j].ID.String()
	})
	return &BackendSet{
		HeaderVersion:    version,
		AllowPassthrough: passthrough,
		Locations:        identified,
	}
}

type backendMap map[string]*BackendSet

// Manager is the hostname-to-backends table. Reads are lock-free against an
// atomically swapped immutable map; writers clone the map, mutate the
// clone, and swap it in under a mutex.
type Manager struct {
	writeMu  sync.Mutex
	backends atomic.Pointer[backendMap]
	stats    *StatsTable
}

// NewManager returns an empty Manager with a fresh statistics table.
func NewManager() *Manager {
	m := &Manager{stats: NewStatsTable()}
	empty := make(backendMap)
	m.backends.Store(&empty)
	return m
}

// Stats exposes the manager's statistics table for the dialer.
func (m *Manager) Stats() *StatsTable {
	return m.stats
}

// Resolve looks up the backend set for a hostname. The lookup is a
// synchronous read with no blocking I/O. Lookup keys are case-sensitive, as
// presented in the SNI extension.
func (m *Manager) Resolve(hostname string) (*BackendSet, error) {
	set, ok := (*m.backends.Load())[hostname]
	if !ok {
		return nil, fmt.Errorf("no backend set for %q: %w", hostname, errs.ErrUnrecognizedName)
	}
	return set, nil
}

// Hostnames returns the currently configured hostnames.
func (m *Manager) Hostnames() []string {
	current := *m.backends.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) mutate(fn func(backendMap)) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	current := *m.backends.Load()
	next := make(backendMap, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	fn(next)
	m.backends.Store(&next)
}

// AddBackend publishes a set for a hostname that has none yet.
func (m *Manager) AddBackend(hostname string, set *BackendSet) error {
	var conflict bool
	m.mutate(func(next backendMap) {
		if _, ok := next[hostname]; ok {
			conflict = true
			return
		}
		next[hostname] = set
	})
	if conflict {
		return fmt.Errorf("backend set for %q already exists", hostname)
	}
	return nil
}

// ReplaceBackend publishes a set for a hostname, overwriting any previous
// one.
func (m *Manager) ReplaceBackend(hostname string, set *BackendSet) {
	m.mutate(func(next backendMap) {
		next[hostname] = set
	})
}

// RemoveBackend unpublishes a hostname.
func (m *Manager) RemoveBackend(hostname string) {
	m.mutate(func(next backendMap) {
		delete(next, hostname)
	})
}

// Select picks up to limit candidate locations from a set. Candidates are
// shuffled, and locations currently in backoff are passed over; when every
// location is backed off the full shuffled set is used instead, since an
// attempt against a struggling backend beats refusing the connection.
func (m *Manager) Select(set *BackendSet, limit int) []IdentifiedLocation {
	if limit <= 0 || len(set.Locations) == 0 {
		return nil
	}
	now := time.Now()

	shuffled := make([]IdentifiedLocation, len(set.Locations))
	copy(shuffled, set.Locations)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	healthy := make([]IdentifiedLocation, 0, limit)
	for _, cand := range shuffled {
		if limit <= len(healthy) {
			break
		}
		if m.stats.InBackoff(m.stats.KeyFor(cand.Location), now) {
			continue
		}
		healthy = append(healthy, cand)
	}
	if 0 < len(healthy) {
		return healthy
	}
	if len(shuffled) < limit {
		limit = len(shuffled)
	}
	return shuffled[:limit]
}
