// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client accept rate limiting using the
// token bucket algorithm. The data plane consults it before spending any
// parsing work on a new connection.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultMaxClients = 10000
	idleEvictAfter    = time.Minute
)

// TokenBucket is a single token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding up to capacity tokens, refilled at
// refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token, reporting whether one was available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	added := int64(elapsed * float64(tb.refillRate))
	if added <= 0 {
		return
	}
	tb.tokens += added
	if tb.capacity < tb.tokens {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

type clientBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter tracks one token bucket per client address. Idle clients are
// evicted opportunistically so the table stays bounded.
type Limiter struct {
	mu         sync.Mutex
	clients    map[netip.Addr]*clientBucket
	capacity   int64
	refillRate int64
	maxClients int
}

// NewLimiter creates a Limiter giving every client address its own bucket
// with the given capacity and refill rate.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	return &Limiter{
		clients:    make(map[netip.Addr]*clientBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
	}
}

// Allow reports whether a connection from addr should be accepted. A full
// client table rejects addresses it has no bucket for.
func (l *Limiter) Allow(addr netip.Addr) bool {
	l.mu.Lock()
	cb, ok := l.clients[addr]
	if !ok {
		if l.maxClients <= len(l.clients) {
			l.evictIdleLocked()
		}
		if l.maxClients <= len(l.clients) {
			l.mu.Unlock()
			return false
		}
		cb = &clientBucket{bucket: NewTokenBucket(l.capacity, l.refillRate)}
		l.clients[addr] = cb
	}
	cb.lastSeen = time.Now()
	l.mu.Unlock()

	return cb.bucket.Allow()
}

func (l *Limiter) evictIdleLocked() {
	cutoff := time.Now().Add(-idleEvictAfter)
	for addr, cb := range l.clients {
		if cb.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}

// Clients returns the number of tracked client addresses.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
