// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Kind enumerates the backend location variants.
type Kind int

const (
	// KindUnix is a unix domain socket path.
	KindUnix Kind = iota
	// KindTCP is a literal ip:port, v4 or v6.
	KindTCP
	// KindHostname is a hostname resolved to addresses at dial time.
	KindHostname
	// KindSRV is a DNS name whose targets and ports come from SRV records.
	KindSRV
)

func (k Kind) String() string {
	switch k {
	case KindUnix:
		return "unix"
	case KindTCP:
		return "tcp"
	case KindHostname:
		return "hostname"
	case KindSRV:
		return "srv"
	default:
		return "invalid"
	}
}

// defaultHostnamePort is used for bare hostname locations without a port.
const defaultHostnamePort uint16 = 443

// Location is one place a backend can be reached. Exactly the fields for
// its Kind are set.
type Location struct {
	Kind Kind
	Path string         // KindUnix
	Addr netip.AddrPort // KindTCP
	Name string         // KindHostname, KindSRV
	Port uint16         // KindHostname
}

// ParseLocation parses a configuration location string. Accepted forms:
// "unix:<path>", "dns:<name>" (a hostname looked up at dial time),
// "srv:<name>" (targets and ports from SRV records), a bare "ip:port", a
// bare path containing "/" (implicit unix), or anything else as a bare
// hostname. Hostname forms take an optional ":port" suffix.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, fmt.Errorf("empty location string")
	}
	if path, ok := strings.CutPrefix(s, "unix:"); ok {
		if path == "" {
			return Location{}, fmt.Errorf("empty unix socket path in %q", s)
		}
		return Location{Kind: KindUnix, Path: path}, nil
	}
	if name, ok := strings.CutPrefix(s, "srv:"); ok {
		if name == "" {
			return Location{}, fmt.Errorf("empty srv name in %q", s)
		}
		return Location{Kind: KindSRV, Name: name}, nil
	}
	if name, ok := strings.CutPrefix(s, "dns:"); ok {
		// dns: is an explicit hostname spelling, not SRV.
		return parseHostname(name, s)
	}
	if addr, err := netip.ParseAddrPort(s); err == nil {
		return Location{Kind: KindTCP, Addr: addr}, nil
	}
	if strings.Contains(s, "/") {
		return Location{Kind: KindUnix, Path: s}, nil
	}
	return parseHostname(s, s)
}

func parseHostname(s, orig string) (Location, error) {
	name := s
	port := defaultHostnamePort
	if host, portStr, found := strings.Cut(s, ":"); found {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Location{}, fmt.Errorf("bad port in hostname location %q", orig)
		}
		name = host
		port = uint16(p)
	}
	if name == "" {
		return Location{}, fmt.Errorf("empty hostname in %q", orig)
	}
	return Location{Kind: KindHostname, Name: name, Port: port}, nil
}

func (l Location) String() string {
	switch l.Kind {
	case KindUnix:
		return "unix:" + l.Path
	case KindTCP:
		return l.Addr.String()
	case KindSRV:
		return "srv:" + l.Name
	case KindHostname:
		return fmt.Sprintf("%s:%d", l.Name, l.Port)
	default:
		return "invalid"
	}
}
