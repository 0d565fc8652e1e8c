// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the lifecycle of every in-flight proxied
// connection. The Manager is the single source of truth shared by the data
// plane and the management plane.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// AddrPair is the local and peer address of one TCP connection.
type AddrPair struct {
	Local netip.AddrPort
	Peer  netip.AddrPort
}

func (p AddrPair) String() string {
	return p.Local.String() + "," + p.Peer.String()
}

// Session is the externally visible state of one proxied connection.
// BackendName, BackendConnectAddr and BackendConnectLatency stay at their
// zero values until the corresponding lifecycle stage is reached.
type Session struct {
	ID                    ksuid.KSUID
	StartTime             time.Time
	ClientConn            AddrPair
	BackendName           string
	BackendConnectAddr    string
	BackendConnectLatency time.Duration
	State                 State
	LastXmit              time.Time
	BytesClientToBackend  uint64
	BytesBackendToClient  uint64
}

type liveSession struct {
	export Session
	cancel context.CancelFunc
}

type removalEntry struct {
	due time.Time
	ctr uint32
	id  ksuid.KSUID
}

// Terminal sessions linger briefly so the management plane can observe
// them before they are swept.
const defaultRemovalDelay = 30 * time.Second

// Config configures a Manager.
type Config struct {
	// RemovalDelay is how long a Shutdown session stays visible before
	// removal. Zero means the default.
	RemovalDelay time.Duration

	Logger *slog.Logger
}

// Manager owns the session table. All mutation goes through Apply; reads
// come back as eagerly cloned snapshots so no caller can hold the table's
// lock across I/O.
type Manager struct {
	removalDelay time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[ksuid.KSUID]*liveSession
	removals []removalEntry
	// tie break for removal ordering under equal timestamps, in case of
	// broken clocks.
	tieBreakCtr uint32
}

// NewManager returns an empty session table.
func NewManager(cfg Config) *Manager {
	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = defaultRemovalDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		removalDelay: cfg.RemovalDelay,
		logger:       cfg.Logger,
		sessions:     make(map[ksuid.KSUID]*liveSession),
	}
}

// Apply executes one command against the table. Destroy on a missing id is
// a no-op; any other command on a missing id is a programmer error and
// panics.
func (m *Manager) Apply(cmd Command) {
	m.apply(cmd, false)
}

// TryApply is Apply for callers racing administrative destruction: a
// command whose session is already gone is dropped instead of panicking.
// Reports whether the command was applied.
func (m *Manager) TryApply(cmd Command) bool {
	return m.apply(cmd, true)
}

func (m *Manager) apply(cmd Command, tolerant bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cleanupLocked(time.Now())

	if create, ok := cmd.Data.(Create); ok {
		now := time.Now()
		m.sessions[cmd.SessionID] = &liveSession{
			export: Session{
				ID:         cmd.SessionID,
				StartTime:  now,
				ClientConn: create.ClientConn,
				State:      Handshaking,
				LastXmit:   now,
			},
			cancel: create.Cancel,
		}
		return true
	}
	if _, ok := cmd.Data.(Destroy); ok {
		return m.destroyLocked(cmd.SessionID)
	}

	live, ok := m.sessions[cmd.SessionID]
	if !ok {
		if tolerant {
			return false
		}
		panic(fmt.Sprintf("session: command %T applied to missing session %s", cmd.Data, cmd.SessionID))
	}

	switch data := cmd.Data.(type) {
	case MarkBackendConnecting:
		live.export.State = BackendConnecting
		live.export.BackendName = data.BackendName
	case MarkConnected:
		live.export.State = Connected
		live.export.BackendConnectAddr = data.BackendAddr
		live.export.BackendConnectLatency = data.Latency
	case XmitClientToBackend:
		live.export.BytesClientToBackend += data.Bytes
		live.export.LastXmit = time.Now()
	case XmitBackendToClient:
		live.export.BytesBackendToClient += data.Bytes
		live.export.LastXmit = time.Now()
	case MarkShutdownRead:
		if live.export.State == ShutdownWrite {
			live.export.State = Shutdown
			m.queueRemovalLocked(cmd.SessionID)
		} else {
			live.export.State = ShutdownRead
		}
	case MarkShutdownWrite:
		if live.export.State == ShutdownRead {
			live.export.State = Shutdown
			m.queueRemovalLocked(cmd.SessionID)
		} else {
			live.export.State = ShutdownWrite
		}
	case MarkShutdown:
		if live.export.State != Shutdown {
			live.export.State = Shutdown
			m.queueRemovalLocked(cmd.SessionID)
		}
	default:
		panic(fmt.Sprintf("session: unknown command %T", cmd.Data))
	}
	return true
}

// DestroySession cancels and removes a session by id, reporting whether it
// existed. This is the management plane's entry point.
func (m *Manager) DestroySession(id ksuid.KSUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cleanupLocked(time.Now())
	return m.destroyLocked(id)
}

func (m *Manager) destroyLocked(id ksuid.KSUID) bool {
	live, ok := m.sessions[id]
	if !ok {
		return false
	}
	if live.cancel != nil {
		live.cancel()
	}
	delete(m.sessions, id)
	return true
}

func (m *Manager) queueRemovalLocked(id ksuid.KSUID) {
	entry := removalEntry{
		due: time.Now().Add(m.removalDelay),
		ctr: m.tieBreakCtr,
		id:  id,
	}
	m.tieBreakCtr = (m.tieBreakCtr + 1) & 0x7FFFFFFF

	idx := sort.Search(len(m.removals), func(i int) bool {
		e := m.removals[i]
		if !e.due.Equal(entry.due) {
			return entry.due.Before(e.due)
		}
		return entry.ctr < e.ctr
	})
	m.removals = append(m.removals, removalEntry{})
	copy(m.removals[idx+1:], m.removals[idx:])
	m.removals[idx] = entry
}

func (m *Manager) cleanupLocked(now time.Time) {
	i := 0
	for ; i < len(m.removals) && !now.Before(m.removals[i].due); i++ {
		delete(m.sessions, m.removals[i].id)
	}
	if 0 < i {
		m.removals = append(m.removals[:0], m.removals[i:]...)
	}
}

// Snapshots returns an eagerly cloned view of every live session.
func (m *Manager) Snapshots() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, live := range m.sessions {
		out = append(out, live.export)
	}
	return out
}

// Lookup returns a snapshot of one session.
func (m *Manager) Lookup(id ksuid.KSUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return live.export, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
