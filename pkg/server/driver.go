// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/segmentio/ksuid"

	errs "github.com/infinityb/yscloud-sub000/pkg/errors"
	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
	"github.com/infinityb/yscloud-sub000/pkg/metrics"
	"github.com/infinityb/yscloud-sub000/pkg/relay"
	"github.com/infinityb/yscloud-sub000/pkg/resolver"
	"github.com/infinityb/yscloud-sub000/pkg/session"
	"github.com/infinityb/yscloud-sub000/pkg/tlswire"
)

const (
	sniffChunkSize = 4096

	// badHandshakeSampleLen bounds how much of a rejected handshake buffer
	// is written to the debug log.
	badHandshakeSampleLen = 512
)

// handleConn drives one accepted connection from handshake to teardown.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := ksuid.New()
	var pair session.AddrPair
	if local, ok := localAddrPort(conn); ok {
		pair.Local = local
	}
	if peer, ok := peerAddrPort(conn); ok {
		pair.Peer = peer
	}
	logger := s.config.Logger.With(
		slog.String("session_id", id.String()),
		slog.String("peer", pair.Peer.String()),
	)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.sessions.Apply(session.Command{SessionID: id, Data: session.Create{ClientConn: pair, Cancel: cancel}})

	// Cancellation (admin destroy, shutdown force-close) wakes any blocked
	// socket operation by closing the client connection.
	stop := context.AfterFunc(sessCtx, func() { conn.Close() })
	defer stop()

	err := s.metrics.ObserveSession(func() error {
		return s.driveConn(sessCtx, logger, id, conn, pair)
	})
	if err != nil {
		logger.Debug("session ended with error", slog.Any("error", err))
		s.sessions.Apply(session.Command{SessionID: id, Data: session.Destroy{}})
		return
	}
	s.sessions.TryApply(session.Command{SessionID: id, Data: session.MarkShutdown{}})
	logger.Debug("session finished")
}

type sniffResult struct {
	hostname string

	// buffered is everything read from the client past any PROXY header;
	// it is forwarded to the backend before relaying starts.
	buffered []byte

	// inbound is the PROXY header captured in front of the TLS bytes, when
	// the listener expects one.
	inbound *haproxy.Header
}

func (s *Server) driveConn(ctx context.Context, logger *slog.Logger, id ksuid.KSUID, conn net.Conn, pair session.AddrPair) error {
	start := time.Now()
	res, err := s.awaitClientHello(conn)
	if err != nil {
		s.metrics.HandshakeErrors.WithLabelValues(handshakeErrorReason(err)).Inc()
		if tlswire.IsProtocolViolation(err) || errors.Is(err, errs.ErrProtocolViolation) {
			sample := res.buffered
			if badHandshakeSampleLen < len(sample) {
				sample = sample[:badHandshakeSampleLen]
			}
			logger.Debug("bad handshake",
				slog.Int("buffered_bytes", len(res.buffered)),
				slog.String("prefix", hex.EncodeToString(sample)),
			)
		}
		return errs.New("handshake", id.String(), pair.Peer.String(), err)
	}
	s.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	logger = logger.With(slog.String("server_name", res.hostname))

	set, err := s.backends.Resolve(res.hostname)
	if err != nil {
		s.metrics.HandshakeErrors.WithLabelValues("unrecognized_name").Inc()
		return errs.New("resolve", id.String(), pair.Peer.String(), err)
	}
	if !s.sessions.TryApply(session.Command{SessionID: id, Data: session.MarkBackendConnecting{BackendName: res.hostname}}) {
		return errs.ErrSessionNotFound
	}

	backendConn, info, err := s.dialBackend(ctx, logger, res.hostname, set)
	if err != nil {
		return errs.New("dial", id.String(), pair.Peer.String(), err)
	}
	defer backendConn.Close()
	s.sessions.TryApply(session.Command{SessionID: id, Data: session.MarkConnected{BackendAddr: info.Addr, Latency: info.Latency}})
	logger.Debug("backend connected",
		slog.String("backend_addr", info.Addr),
		slog.Duration("connect_latency", info.Latency),
	)

	if err := s.writePreamble(backendConn, set, res, pair); err != nil {
		return errs.New("preamble", id.String(), pair.Peer.String(), err)
	}
	if 0 < len(res.buffered) {
		if _, err := backendConn.Write(res.buffered); err != nil {
			return errs.New("forward client hello", id.String(), pair.Peer.String(), err)
		}
		s.sessions.TryApply(session.Command{SessionID: id, Data: session.XmitClientToBackend{Bytes: uint64(len(res.buffered))}})
		s.metrics.AddRelayedBytes(metrics.DirectionClientToBackend, len(res.buffered))
	}

	rep := &sessionReporter{server: s, id: id}
	if err := relay.Run(ctx, conn, backendConn, rep, logger); err != nil {
		return errs.New("relay", id.String(), pair.Peer.String(), err)
	}
	return nil
}

// awaitClientHello buffers client bytes until a PROXY header (when
// expected) and a complete ClientHello with exactly one SNI entry have been
// seen, bounded by the handshake timeout and the sniff byte budget. The
// partial buffer is returned alongside errors for diagnostics.
func (s *Server) awaitClientHello(conn net.Conn) (sniffResult, error) {
	conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var res sniffResult
	arena := tlswire.NewArena(sniffChunkSize)
	chunk := make([]byte, sniffChunkSize)
	buffered := make([]byte, 0, sniffChunkSize)
	atEOF := false
	headerDone := s.config.InboundProxyHeader == haproxy.VersionNone

	for {
		if !headerDone {
			consumed, hdr, err := haproxy.Detect(s.config.InboundProxyHeader, buffered, atEOF)
			if err != nil {
				res.buffered = buffered
				return res, err
			}
			if hdr != nil {
				res.inbound = hdr
				buffered = buffered[consumed:]
				headerDone = true
			}
		}
		if headerDone {
			arena.Reset()
			name, ok, err := tlswire.ExtractServerName(arena, buffered, atEOF)
			if err != nil {
				res.buffered = buffered
				return res, err
			}
			if ok {
				res.hostname = name
				res.buffered = buffered
				return res, nil
			}
		}

		if atEOF {
			res.buffered = buffered
			return res, fmt.Errorf("connection closed before client hello: %w", errs.ErrConnectionClosed)
		}
		if tlswire.MaxSniffBytes <= len(buffered) {
			res.buffered = buffered
			return res, fmt.Errorf("client hello exceeds %d byte sniff budget: %w", tlswire.MaxSniffBytes, errs.ErrProtocolViolation)
		}

		n, err := conn.Read(chunk)
		if 0 < n {
			buffered = append(buffered, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				atEOF = true
				continue
			}
			res.buffered = buffered
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return res, fmt.Errorf("client hello not received in time: %w", errs.ErrTimeout)
			}
			return res, err
		}
	}
}

// dialBackend tries health-selected candidate locations in order until one
// connects.
func (s *Server) dialBackend(ctx context.Context, logger *slog.Logger, hostname string, set *resolver.BackendSet) (net.Conn, resolver.DialInfo, error) {
	candidates := s.backends.Select(set, s.config.DialAttempts)
	if len(candidates) == 0 {
		return nil, resolver.DialInfo{}, fmt.Errorf("no candidate locations for %q: %w", hostname, errs.ErrBackendUnavailable)
	}

	var lastErr error
	for _, cand := range candidates {
		var conn net.Conn
		var info resolver.DialInfo
		err := s.metrics.ObserveDial(hostname, func() error {
			dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
			defer cancel()
			var err error
			conn, info, err = s.dialer.Dial(dialCtx, cand.Location)
			return err
		})
		if err == nil {
			return conn, info, nil
		}
		lastErr = err
		logger.Debug("backend dial failed",
			slog.String("location", cand.Location.String()),
			slog.Any("error", err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, resolver.DialInfo{}, fmt.Errorf("every candidate for %q failed, last: %v: %w", hostname, lastErr, errs.ErrBackendUnavailable)
}

// writePreamble sends the PROXY header the backend set asks for, either the
// captured inbound header verbatim (passthrough) or one synthesized from
// the accepted connection's address pair.
func (s *Server) writePreamble(backendConn net.Conn, set *resolver.BackendSet, res sniffResult, pair session.AddrPair) error {
	var preamble []byte
	switch {
	case set.AllowPassthrough && res.inbound != nil:
		preamble = res.inbound.Raw
	case set.HeaderVersion == haproxy.Version1:
		preamble = haproxy.EncodeV1(pair.Local, pair.Peer)
	case set.HeaderVersion == haproxy.Version2:
		preamble = haproxy.EncodeV2(pair.Local, pair.Peer)
	}
	if len(preamble) == 0 {
		return nil
	}
	_, err := backendConn.Write(preamble)
	return err
}

func handshakeErrorReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrTimeout):
		return "timeout"
	case errors.Is(err, errs.ErrConnectionClosed):
		return "disconnect"
	case tlswire.IsProtocolViolation(err) || errors.Is(err, errs.ErrProtocolViolation):
		return "protocol_violation"
	case tlswire.IsTruncated(err):
		return "truncated"
	default:
		return "internal"
	}
}

// sessionReporter forwards relay progress into the session table and the
// byte counters. TryApply keeps a racing destroy-session from panicking the
// relay goroutines.
type sessionReporter struct {
	server *Server
	id     ksuid.KSUID
}

func (r *sessionReporter) XmitClientToBackend(n int) {
	r.server.sessions.TryApply(session.Command{SessionID: r.id, Data: session.XmitClientToBackend{Bytes: uint64(n)}})
	r.server.metrics.AddRelayedBytes(metrics.DirectionClientToBackend, n)
}

func (r *sessionReporter) XmitBackendToClient(n int) {
	r.server.sessions.TryApply(session.Command{SessionID: r.id, Data: session.XmitBackendToClient{Bytes: uint64(n)}})
	r.server.metrics.AddRelayedBytes(metrics.DirectionBackendToClient, n)
}

func (r *sessionReporter) ShutdownWrite() {
	r.server.sessions.TryApply(session.Command{SessionID: r.id, Data: session.MarkShutdownWrite{}})
}

func (r *sessionReporter) ShutdownRead() {
	r.server.sessions.TryApply(session.Command{SessionID: r.id, Data: session.MarkShutdownRead{}})
}
