// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
	"github.com/infinityb/yscloud-sub000/pkg/metrics"
	"github.com/infinityb/yscloud-sub000/pkg/ratelimit"
	"github.com/infinityb/yscloud-sub000/pkg/resolver"
	"github.com/infinityb/yscloud-sub000/pkg/session"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultDialTimeout      = 3 * time.Second
	defaultDialAttempts     = 3
	defaultShutdownTimeout  = 30 * time.Second
)

// Config holds the data-plane server configuration.
type Config struct {
	// HandshakeTimeout bounds how long a client may take to deliver its
	// complete ClientHello (and PROXY header, if expected).
	HandshakeTimeout time.Duration

	// DialTimeout bounds each backend connection attempt.
	DialTimeout time.Duration

	// DialAttempts is how many candidate locations are tried per session.
	DialAttempts int

	// InboundProxyHeader is the PROXY header version expected in front of
	// the TLS bytes. Set only when the listener sits behind a trusted load
	// balancer; VersionNone disables inbound header detection.
	InboundProxyHeader haproxy.Version

	// AcceptRate and AcceptBurst configure per-client-address accept rate
	// limiting. AcceptRate of zero disables limiting.
	AcceptRate  int64
	AcceptBurst int64

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown before they are forcefully closed.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server accepts raw TCP connections, finds the SNI hostname in the
// unencrypted ClientHello, and splices each client to a backend chosen by
// the resolver. It never binds: listeners are handed to Serve already bound.
type Server struct {
	config   Config
	backends *resolver.Manager
	dialer   *resolver.Dialer
	sessions *session.Manager
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	wg       sync.WaitGroup
}

// New creates a data-plane server over the given resolver, dialer and
// session table.
func New(cfg Config, backends *resolver.Manager, dialer *resolver.Dialer, sessions *session.Manager, m *metrics.Metrics) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	var limiter *ratelimit.Limiter
	if 0 < cfg.AcceptRate {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = cfg.AcceptRate
		}
		limiter = ratelimit.NewLimiter(burst, cfg.AcceptRate, 0)
	}

	return &Server{
		config:   cfg,
		backends: backends,
		dialer:   dialer,
		sessions: sessions,
		metrics:  m,
		limiter:  limiter,
	}
}

// Serve accepts connections on l until ctx is cancelled, then drains active
// sessions. It implements graceful shutdown with a drain timeout, after
// which remaining sessions are forcefully closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	logger := s.config.Logger
	logger.Info("data server started", slog.String("address", l.Addr().String()))

	// Sessions run on their own context so shutdown can first drain them
	// gracefully and only then force closure.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Error("failed to accept connection", slog.Any("error", err))
				continue
			}

			if s.limiter != nil {
				if addr, ok := peerAddrPort(conn); ok && !s.limiter.Allow(addr.Addr()) {
					logger.Warn("connection rate limited", slog.String("peer", addr.String()))
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, closing data listener")
	if err := l.Close(); err != nil {
		logger.Error("error closing data listener", slog.Any("error", err))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func peerAddrPort(conn net.Conn) (netip.AddrPort, bool) {
	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return tcp.AddrPort(), true
}

func localAddrPort(conn net.Conn) (netip.AddrPort, bool) {
	tcp, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return tcp.AddrPort(), true
}
