// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
	"github.com/infinityb/yscloud-sub000/pkg/metrics"
	"github.com/infinityb/yscloud-sub000/pkg/resolver"
	"github.com/infinityb/yscloud-sub000/pkg/session"
)

// clientHelloBytes builds a minimal single-record ClientHello carrying one
// SNI entry for hostname.
func clientHelloBytes(hostname string) []byte {
	name := []byte(hostname)
	entry := append([]byte{0, byte(len(name) >> 8), byte(len(name))}, name...)
	list := append([]byte{byte(len(entry) >> 8), byte(len(entry))}, entry...)
	ext := append([]byte{0x00, 0x00, byte(len(list) >> 8), byte(len(list))}, list...)
	exts := append([]byte{byte(len(ext) >> 8), byte(len(ext))}, ext...)

	body := []byte{3, 3}
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // empty session id
	body = append(body, 0, 2, 0x00, 0x2f)    // one cipher suite
	body = append(body, 1, 0)                // null compression
	body = append(body, exts...)

	hs := append([]byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	return append([]byte{22, 3, 1, byte(len(hs) >> 8), byte(len(hs))}, hs...)
}

func startBackend(t *testing.T) (string, chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l.Addr().String(), conns
}

type testProxy struct {
	addr     string
	sessions *session.Manager
	backends *resolver.Manager
}

func startProxy(t *testing.T, cfg Config, populate func(*resolver.Manager)) *testProxy {
	t.Helper()
	backends := resolver.NewManager()
	populate(backends)
	dialer := resolver.NewDialer(backends.Stats(), resolver.DialerConfig{})
	sessions := session.NewManager(session.Config{})
	m := metrics.New("snimux_test", prometheus.NewRegistry())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := New(cfg, backends, dialer, sessions, m)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Server did not stop after cancellation")
		}
	})
	return &testProxy{addr: l.Addr().String(), sessions: sessions, backends: backends}
}

func tcpBackendSet(t *testing.T, version haproxy.Version, passthrough bool, addr string) *resolver.BackendSet {
	t.Helper()
	loc, err := resolver.ParseLocation(addr)
	if err != nil {
		t.Fatal(err)
	}
	return resolver.NewBackendSet(version, passthrough, []resolver.Location{loc})
}

func TestProxyEndToEnd(t *testing.T) {
	backendAddr, backendConns := startBackend(t)
	proxy := startProxy(t, Config{}, func(m *resolver.Manager) {
		m.ReplaceBackend("a.example.com", tcpBackendSet(t, haproxy.VersionNone, false, backendAddr))
	})

	client, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	hello := clientHelloBytes("a.example.com")
	if _, err := client.Write(hello); err != nil {
		t.Fatal(err)
	}

	var backend net.Conn
	select {
	case backend = <-backendConns:
	case <-time.After(2 * time.Second):
		t.Fatal("Proxy never dialed the backend")
	}
	defer backend.Close()

	// The sniffed bytes arrive at the backend unmodified.
	got := make([]byte, len(hello))
	if _, err := io.ReadFull(backend, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, hello) {
		t.Error("Expected the backend to receive the client hello verbatim")
	}

	// Bytes continue to flow in both directions.
	if _, err := backend.Write([]byte("server-reply")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, len("server-reply"))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "server-reply" {
		t.Errorf("Expected server-reply, got %q", reply)
	}

	if _, err := client.Write([]byte("client-data")); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, len("client-data"))
	if _, err := io.ReadFull(backend, data); err != nil {
		t.Fatal(err)
	}

	// The session table saw the connection.
	deadline := time.After(2 * time.Second)
	for {
		snaps := proxy.sessions.Snapshots()
		if len(snaps) == 1 && snaps[0].State == session.Connected {
			if snaps[0].BackendName != "a.example.com" {
				t.Errorf("Expected backend name a.example.com, got %q", snaps[0].BackendName)
			}
			if snaps[0].BytesClientToBackend < uint64(len(hello)) {
				t.Errorf("Expected at least %d client-to-backend bytes, got %d", len(hello), snaps[0].BytesClientToBackend)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Session never reached connected state, snapshots: %v", snaps)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProxyWritesV1HeaderToBackend(t *testing.T) {
	backendAddr, backendConns := startBackend(t)
	proxy := startProxy(t, Config{}, func(m *resolver.Manager) {
		m.ReplaceBackend("a.example.com", tcpBackendSet(t, haproxy.Version1, false, backendAddr))
	})

	client, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Write(clientHelloBytes("a.example.com")); err != nil {
		t.Fatal(err)
	}

	var backend net.Conn
	select {
	case backend = <-backendConns:
	case <-time.After(2 * time.Second):
		t.Fatal("Proxy never dialed the backend")
	}
	defer backend.Close()

	line, err := bufio.NewReader(backend).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "PROXY TCP4 127.0.0.1 127.0.0.1 ") {
		t.Errorf("Expected a v1 header before the TLS bytes, got %q", line)
	}
}

func TestProxyPassthroughForwardsInboundHeader(t *testing.T) {
	backendAddr, backendConns := startBackend(t)
	proxy := startProxy(t, Config{InboundProxyHeader: haproxy.Version1}, func(m *resolver.Manager) {
		m.ReplaceBackend("a.example.com", tcpBackendSet(t, haproxy.VersionNone, true, backendAddr))
	})

	client, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	inbound := "PROXY TCP4 192.0.2.10 192.0.2.20 1000 2000\r\n"
	if _, err := client.Write([]byte(inbound)); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(clientHelloBytes("a.example.com")); err != nil {
		t.Fatal(err)
	}

	var backend net.Conn
	select {
	case backend = <-backendConns:
	case <-time.After(2 * time.Second):
		t.Fatal("Proxy never dialed the backend")
	}
	defer backend.Close()

	line, err := bufio.NewReader(backend).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != inbound {
		t.Errorf("Expected the captured header forwarded verbatim, got %q", line)
	}
}

func TestProxyClosesOnUnknownHostname(t *testing.T) {
	proxy := startProxy(t, Config{}, func(m *resolver.Manager) {})

	client, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Write(clientHelloBytes("nobody.example.com")); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("Expected the connection to be closed without a response")
	}
}

func TestProxyHandshakeTimeout(t *testing.T) {
	proxy := startProxy(t, Config{HandshakeTimeout: 100 * time.Millisecond}, func(m *resolver.Manager) {})

	client, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Send nothing; the proxy gives up after the handshake timeout.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("Expected the connection to be closed after the handshake timeout")
	}
	if proxy.sessions.Count() != 0 {
		t.Errorf("Expected the timed out session to be destroyed, got %d live", proxy.sessions.Count())
	}
}
