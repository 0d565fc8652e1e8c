// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and readiness probes for the operations
// HTTP listener. Checks are registered by name and their results cached for
// a short TTL so probes never hammer the components they inspect.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the result of one or more checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultCacheTTL = 10 * time.Second
	probeTimeout    = 5 * time.Second
)

// Check is the recorded outcome of a single named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc performs one health check. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks and caches their results.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a Checker with the given cache TTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a named check. Re-registering a name replaces the check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs all registered checks (or serves cached results within the
// TTL) and reports the aggregate status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	overall := StatusHealthy
	checks := make([]Check, 0, len(c.checks))
	for name, fn := range c.checks {
		cached, ok := c.cache[name]
		if !ok || c.ttl <= time.Since(cached.LastChecked) {
			cached = c.runLocked(ctx, name, fn)
		}
		checks = append(checks, *cached)
		if cached.Status != StatusHealthy {
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func (c *Checker) runLocked(ctx context.Context, name string, fn CheckFunc) *Check {
	start := time.Now()
	err := fn(ctx)

	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	c.cache[name] = check
	return check
}

// HTTPHandler serves the full health report. Degraded still returns 200 so
// an unhealthy backend set does not take the whole proxy out of rotation.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		respond(w, code, status, checks)
	}
}

// ReadinessHandler serves a strict probe: anything but healthy is 503.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		respond(w, code, status, checks)
	}
}

// LivenessHandler answers as long as the process is serving HTTP at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

func respond(w http.ResponseWriter, code int, status Status, checks []Check) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
