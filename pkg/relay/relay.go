// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay is the full-duplex byte copy engine between a client and
// its backend. Each direction runs in its own goroutine; byte counts and
// half-close events are reported back so the session table stays accurate.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

const copyBufferSize = 32 * 1024

// Conn is the slice of net.Conn the relay needs. Connections that also
// implement CloseWrite get a proper half-close on client EOF.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

type closeWriter interface {
	CloseWrite() error
}

// Reporter receives relay progress. Implementations forward to the session
// manager.
type Reporter interface {
	// XmitClientToBackend accounts bytes written toward the backend.
	XmitClientToBackend(n int)
	// XmitBackendToClient accounts bytes written toward the client.
	XmitBackendToClient(n int)
	// ShutdownWrite fires when the client side reached EOF and the
	// backend's write half was closed.
	ShutdownWrite()
	// ShutdownRead fires when the backend side reached EOF.
	ShutdownRead()
}

// Run relays bytes in both directions until both sides reach EOF, an I/O
// error occurs, or ctx is cancelled. Cancellation closes both connections
// to wake any blocked read or write; a cancelled direction reports no
// further byte counts. The caller owns final connection teardown either
// way.
func Run(ctx context.Context, client, backend Conn, rep Reporter, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)

	// Socket closure is the only way to interrupt an in-flight read, so a
	// watcher translates cancellation (from the caller or from the other
	// direction failing) into closes.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gctx.Done():
			client.Close()
			backend.Close()
		case <-stop:
		}
	}()

	g.Go(func() error {
		err := copyDirection(gctx, backend, client, rep.XmitClientToBackend)
		if err != nil {
			return err
		}
		// Client EOF propagates as a half-close so the backend can finish
		// its reply.
		if cw, ok := backend.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				logger.Debug("backend half-close failed", slog.Any("error", err))
			}
		}
		rep.ShutdownWrite()
		return nil
	})

	g.Go(func() error {
		err := copyDirection(gctx, client, backend, rep.XmitBackendToClient)
		if err != nil {
			return err
		}
		// No half-close toward the client; its teardown is implicit in
		// connection close.
		rep.ShutdownRead()
		return nil
	})

	return g.Wait()
}

// copyDirection pumps one direction: read, write fully, report, repeat.
// Returns nil on EOF. Bytes written before cancellation is observed were
// really delivered and are always reported; cancellation only stops
// further rounds.
func copyDirection(ctx context.Context, dst io.Writer, src io.Reader, report func(int)) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := src.Read(buf)
		if 0 < n {
			written, writeErr := writeFully(dst, buf[:n])
			if 0 < written {
				report(written)
			}
			if writeErr != nil {
				return writeErr
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return readErr
		}
	}
}

func writeFully(dst io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := dst.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
