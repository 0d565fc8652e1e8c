// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	defaultLookupCacheTTL    = 30 * time.Second
	lookupCacheSweepInterval = 5 * time.Minute
)

// DialInfo describes a successful dial for session accounting.
type DialInfo struct {
	// Addr is the concrete address connected to, after any name
	// resolution.
	Addr string

	Latency time.Duration
}

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// UpstreamDNS is the ip:port of the nameserver used for Hostname and
	// SRV locations. Empty means the system resolver.
	UpstreamDNS string

	// CacheTTL bounds how long lookup results are reused.
	CacheTTL time.Duration

	Logger *slog.Logger
}

// Dialer connects to backend locations and feeds outcomes into the
// statistics table. Name lookups go through the configured upstream
// nameserver and are cached briefly so a burst of connections to one
// hostname does not become a burst of DNS queries.
type Dialer struct {
	stats   *StatsTable
	dns     *net.Resolver
	lookups *cache.Cache
	logger  *slog.Logger
}

// NewDialer returns a Dialer recording into stats.
func NewDialer(stats *StatsTable, cfg DialerConfig) *Dialer {
	dns := net.DefaultResolver
	if cfg.UpstreamDNS != "" {
		upstream := cfg.UpstreamDNS
		dns = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var nd net.Dialer
				return nd.DialContext(ctx, network, upstream)
			},
		}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultLookupCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		stats:   stats,
		dns:     dns,
		lookups: cache.New(ttl, lookupCacheSweepInterval),
		logger:  logger,
	}
}

// Dial connects to a location, honoring ctx for timeout and cancellation.
// The outcome is recorded against the location's statistics record either
// way.
func (d *Dialer) Dial(ctx context.Context, loc Location) (net.Conn, DialInfo, error) {
	handle := d.stats.StartAttempt(d.stats.KeyFor(loc))

	conn, addr, err := d.dialLocation(ctx, loc)
	if err != nil {
		d.stats.MarkFailure(handle)
		return nil, DialInfo{}, err
	}
	d.stats.MarkSuccess(handle)
	return conn, DialInfo{Addr: addr, Latency: time.Since(handle.Start())}, nil
}

func (d *Dialer) dialLocation(ctx context.Context, loc Location) (net.Conn, string, error) {
	var nd net.Dialer
	switch loc.Kind {
	case KindUnix:
		conn, err := nd.DialContext(ctx, "unix", loc.Path)
		return conn, loc.Path, err
	case KindTCP:
		conn, err := nd.DialContext(ctx, "tcp", loc.Addr.String())
		return conn, loc.Addr.String(), err
	case KindHostname:
		addrs, err := d.lookupHost(ctx, loc.Name)
		if err != nil {
			return nil, "", fmt.Errorf("lookup %s: %w", loc.Name, err)
		}
		return d.dialFirst(ctx, withPort(addrs, loc.Port))
	case KindSRV:
		targets, err := d.lookupSRV(ctx, loc.Name)
		if err != nil {
			return nil, "", fmt.Errorf("lookup srv %s: %w", loc.Name, err)
		}
		return d.dialFirst(ctx, targets)
	default:
		return nil, "", fmt.Errorf("cannot dial location of kind %v", loc.Kind)
	}
}

// dialFirst tries each address in order, returning the first that connects.
func (d *Dialer) dialFirst(ctx context.Context, addrs []string) (net.Conn, string, error) {
	if len(addrs) == 0 {
		return nil, "", fmt.Errorf("name resolved to no addresses")
	}
	var lastErr error
	var nd net.Dialer
	for _, addr := range addrs {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, addr, nil
		}
		lastErr = err
		d.logger.Debug("backend address failed", slog.String("address", addr), slog.Any("error", err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

func (d *Dialer) lookupHost(ctx context.Context, name string) ([]string, error) {
	cacheKey := "host:" + name
	if cached, ok := d.lookups.Get(cacheKey); ok {
		return cached.([]string), nil
	}
	addrs, err := d.dns.LookupHost(ctx, name)
	if err != nil {
		return nil, err
	}
	d.lookups.SetDefault(cacheKey, addrs)
	return addrs, nil
}

func (d *Dialer) lookupSRV(ctx context.Context, name string) ([]string, error) {
	cacheKey := "srv:" + name
	if cached, ok := d.lookups.Get(cacheKey); ok {
		return cached.([]string), nil
	}
	_, records, err := d.dns.LookupSRV(ctx, "", "", name)
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(records))
	for _, rec := range records {
		targets = append(targets, net.JoinHostPort(rec.Target, strconv.Itoa(int(rec.Port))))
	}
	d.lookups.SetDefault(cacheKey, targets)
	return targets, nil
}

func withPort(addrs []string, port uint16) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = net.JoinHostPort(a, strconv.Itoa(int(port)))
	}
	return out
}
