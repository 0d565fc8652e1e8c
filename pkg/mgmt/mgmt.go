// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mgmt serves the line-oriented management protocol over a local
// control socket. Requests are single ASCII lines; responses are either a
// sequence of session records terminated by "END", or "OK" / "ERROR".
package mgmt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/infinityb/yscloud-sub000/pkg/metrics"
	"github.com/infinityb/yscloud-sub000/pkg/session"
)

// A request line may not exceed this length; an unterminated line past it
// is fatal to the connection.
const maxLineLen = 4096

const (
	cmdPrintActiveSessions = "print-active-sessions"
	cmdDestroySession      = "destroy-session"
)

// Config configures the management Service.
type Config struct {
	Logger *slog.Logger

	// Metrics, when set, counts requests per command and outcome.
	Metrics *metrics.Metrics
}

// Service answers management protocol requests against the session table.
type Service struct {
	sessions *session.Manager
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewService returns a Service reporting on manager.
func NewService(manager *session.Manager, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: manager, logger: logger, metrics: cfg.Metrics}
}

// Serve accepts management connections until ctx is cancelled. Protocol
// violations close only the offending connection, never the server.
func (s *Service) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("failed to accept management connection", slog.Any("error", err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With(slog.String("mgmt_conn_id", connID))
	logger.Debug("management connection opened")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLineLen), maxLineLen)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.dispatch(conn, line); err != nil {
			logger.Warn("failed to write management response", slog.Any("error", err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// Oversize unterminated line; drop the connection.
			logger.Warn("management request line too long")
			return
		}
		if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("management connection read failed", slog.Any("error", err))
		}
	}
	logger.Debug("management connection closed")
}

// dispatch runs one request line. A malformed line is recoverable: the
// client gets ERROR and the connection stays open. The returned error is
// only for response write failures.
func (s *Service) dispatch(w io.Writer, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case cmdPrintActiveSessions:
		if arg != "" {
			s.countRequest(cmd, "error")
			return writeLine(w, "ERROR")
		}
		s.countRequest(cmd, "ok")
		return s.printActiveSessions(w)
	case cmdDestroySession:
		id, err := ksuid.Parse(arg)
		if err != nil {
			s.countRequest(cmd, "error")
			return writeLine(w, "ERROR")
		}
		if !s.sessions.DestroySession(id) {
			s.countRequest(cmd, "error")
			return writeLine(w, "ERROR")
		}
		s.countRequest(cmd, "ok")
		return writeLine(w, "OK")
	default:
		s.countRequest("unknown", "error")
		return writeLine(w, "ERROR")
	}
}

func (s *Service) countRequest(command, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.MgmtRequestsTotal.WithLabelValues(command, status).Inc()
}

func (s *Service) printActiveSessions(w io.Writer) error {
	now := time.Now()
	for _, snap := range s.sessions.Snapshots() {
		if _, err := w.Write(EncodeRecord(now, snap)); err != nil {
			return err
		}
	}
	return writeLine(w, "END")
}

func writeLine(w io.Writer, line string) error {
	_, err := w.Write([]byte(line + "\n"))
	return err
}

// EncodeRecord renders one session as a space-separated record line.
func EncodeRecord(now time.Time, s session.Session) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s ", s.ID.String(), s.State, s.ClientConn)
	if s.BackendName != "" {
		fmt.Fprintf(&b, "backend_name=%s ", s.BackendName)
	}
	if s.BackendConnectAddr != "" {
		fmt.Fprintf(&b, "backend_connect_addr=%s ", s.BackendConnectAddr)
		fmt.Fprintf(&b, "backend_connect_latency_ms=%d ", s.BackendConnectLatency.Milliseconds())
	}
	fmt.Fprintf(&b, "session_age_ms=%d ", now.Sub(s.StartTime).Milliseconds())
	fmt.Fprintf(&b, "last_xmit_ago_ms=%d ", now.Sub(s.LastXmit).Milliseconds())
	fmt.Fprintf(&b, "client_to_backend_bytes=%d ", s.BytesClientToBackend)
	fmt.Fprintf(&b, "backend_to_client_bytes=%d \n", s.BytesBackendToClient)
	return []byte(b.String())
}
