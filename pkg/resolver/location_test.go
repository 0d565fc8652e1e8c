// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"net/netip"
	"testing"
)

func TestParseLocation(t *testing.T) {
	cases := []struct {
		in   string
		want Location
	}{
		{"unix:/run/backend.sock", Location{Kind: KindUnix, Path: "/run/backend.sock"}},
		{"/var/run/other.sock", Location{Kind: KindUnix, Path: "/var/run/other.sock"}},
		{"srv:_tls._tcp.backend.internal", Location{Kind: KindSRV, Name: "_tls._tcp.backend.internal"}},
		{"dns:backend.internal", Location{Kind: KindHostname, Name: "backend.internal", Port: 443}},
		{"dns:backend.internal:9443", Location{Kind: KindHostname, Name: "backend.internal", Port: 9443}},
		{"10.0.0.5:8443", Location{Kind: KindTCP, Addr: netip.MustParseAddrPort("10.0.0.5:8443")}},
		{"[2001:db8::1]:443", Location{Kind: KindTCP, Addr: netip.MustParseAddrPort("[2001:db8::1]:443")}},
		{"backend.internal", Location{Kind: KindHostname, Name: "backend.internal", Port: 443}},
		{"backend.internal:9443", Location{Kind: KindHostname, Name: "backend.internal", Port: 9443}},
	}
	for _, tc := range cases {
		got, err := ParseLocation(tc.in)
		if err != nil {
			t.Errorf("ParseLocation(%q): expected no error, got %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLocation(%q): expected %+v, got %+v", tc.in, tc.want, got)
		}
	}
}

// The dns: spelling names a plain host looked up with A/AAAA queries; only
// srv: locations use SRV records.
func TestParseLocationDNSIsPlainHostname(t *testing.T) {
	loc, err := ParseLocation("dns:backend.internal")
	if err != nil {
		t.Fatalf("ParseLocation(dns:backend.internal): %v", err)
	}
	if loc.Kind != KindHostname {
		t.Errorf("Expected kind %v, got %v", KindHostname, loc.Kind)
	}
	if loc.Name != "backend.internal" || loc.Port != 443 {
		t.Errorf("Expected backend.internal:443, got %s:%d", loc.Name, loc.Port)
	}
}

func TestParseLocationRejects(t *testing.T) {
	for _, in := range []string{"", "unix:", "dns:", "srv:", "backend.internal:notaport"} {
		if _, err := ParseLocation(in); err == nil {
			t.Errorf("ParseLocation(%q): expected an error", in)
		}
	}
}

func TestLocationString(t *testing.T) {
	cases := map[string]string{
		"unix:/run/backend.sock":         "unix:/run/backend.sock",
		"/var/run/other.sock":            "unix:/var/run/other.sock",
		"dns:backend.internal":           "backend.internal:443",
		"srv:_tls._tcp.backend.internal": "srv:_tls._tcp.backend.internal",
		"10.0.0.5:8443":                  "10.0.0.5:8443",
		"backend.internal":               "backend.internal:443",
	}
	for in, want := range cases {
		loc, err := ParseLocation(in)
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", in, err)
		}
		if got := loc.String(); got != want {
			t.Errorf("String of %q: expected %q, got %q", in, want, got)
		}
	}
}
