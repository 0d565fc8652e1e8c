// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package haproxy reads and writes HAProxy PROXY protocol headers, versions
// 1 (text) and 2 (binary). The proxy consumes a header in front of the TLS
// bytes when a listener sits behind a trusted load balancer, and prepends
// one toward backends that ask for it.
package haproxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	errs "github.com/infinityb/yscloud-sub000/pkg/errors"
)

// Version selects which PROXY header format a peer speaks.
type Version int

const (
	VersionNone Version = iota
	Version1
	Version2
)

const (
	useVersion1 = "use-haproxy-v1"
	useVersion2 = "use-haproxy-v2"
	useNone     = "none"
)

func (v Version) String() string {
	switch v {
	case Version1:
		return useVersion1
	case Version2:
		return useVersion2
	default:
		return useNone
	}
}

// ParseVersion parses the configuration spelling of a header version.
func ParseVersion(s string) (Version, error) {
	switch s {
	case useVersion1:
		return Version1, nil
	case useVersion2:
		return Version2, nil
	case useNone, "":
		return VersionNone, nil
	default:
		return VersionNone, fmt.Errorf("unknown haproxy header version %q, expected %q, %q or %q", s, useVersion1, useVersion2, useNone)
	}
}

// Header is a decoded PROXY header. Raw keeps the exact bytes consumed from
// the wire so passthrough can forward them untouched.
type Header struct {
	Version Version

	// Unknown is set for v1 UNKNOWN and v2 LOCAL/unspecified headers,
	// where no address information is carried.
	Unknown bool

	Source netip.AddrPort
	Dest   netip.AddrPort

	Raw []byte
}

// v1 headers are at most 107 bytes including the CRLF.
const maxV1Len = 107

const (
	v2SigLen    = 12
	v2HeaderLen = 16
)

var v2Signature = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

// Detect attempts to read one PROXY header of the given version from the
// front of buf. It returns (0, nil, nil) while the header is incomplete and
// more bytes may arrive; once atEOF is set, incompleteness is fatal. On
// success the returned count of bytes has been consumed and TLS parsing
// starts on the remainder.
func Detect(version Version, buf []byte, atEOF bool) (int, *Header, error) {
	switch version {
	case Version1:
		return detectV1(buf, atEOF)
	case Version2:
		return detectV2(buf, atEOF)
	default:
		return 0, nil, nil
	}
}

func detectV1(buf []byte, atEOF bool) (int, *Header, error) {
	limit := buf
	if maxV1Len < len(limit) {
		limit = limit[:maxV1Len]
	}
	idx := bytes.Index(limit, []byte("\r\n"))
	if idx < 0 {
		if maxV1Len <= len(buf) {
			return 0, nil, fmt.Errorf("haproxy v1 line exceeds %d bytes: %w", maxV1Len, errs.ErrProtocolViolation)
		}
		if atEOF {
			return 0, nil, fmt.Errorf("unterminated haproxy v1 line at eof: %w", errs.ErrProtocolViolation)
		}
		return 0, nil, nil
	}
	consumed := idx + 2
	raw := buf[:consumed]

	fields := strings.Fields(string(buf[:idx]))
	if len(fields) < 2 || fields[0] != "PROXY" {
		return 0, nil, fmt.Errorf("malformed haproxy v1 line: %w", errs.ErrProtocolViolation)
	}
	hdr := &Header{Version: Version1, Raw: raw}
	switch fields[1] {
	case "UNKNOWN":
		hdr.Unknown = true
		return consumed, hdr, nil
	case "TCP4", "TCP6":
		if len(fields) != 6 {
			return 0, nil, fmt.Errorf("haproxy v1 %s line needs 6 fields, got %d: %w", fields[1], len(fields), errs.ErrProtocolViolation)
		}
	default:
		return 0, nil, fmt.Errorf("unknown haproxy v1 protocol %q: %w", fields[1], errs.ErrProtocolViolation)
	}

	srcAddr, err := netip.ParseAddr(fields[2])
	if err != nil {
		return 0, nil, fmt.Errorf("haproxy v1 source address: %w", errs.ErrProtocolViolation)
	}
	dstAddr, err := netip.ParseAddr(fields[3])
	if err != nil {
		return 0, nil, fmt.Errorf("haproxy v1 destination address: %w", errs.ErrProtocolViolation)
	}
	srcPort, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("haproxy v1 source port: %w", errs.ErrProtocolViolation)
	}
	dstPort, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("haproxy v1 destination port: %w", errs.ErrProtocolViolation)
	}
	if (fields[1] == "TCP4") != srcAddr.Is4() || srcAddr.Is4() != dstAddr.Is4() {
		return 0, nil, fmt.Errorf("haproxy v1 address family mismatch: %w", errs.ErrProtocolViolation)
	}

	hdr.Source = netip.AddrPortFrom(srcAddr, uint16(srcPort))
	hdr.Dest = netip.AddrPortFrom(dstAddr, uint16(dstPort))
	return consumed, hdr, nil
}

func detectV2(buf []byte, atEOF bool) (int, *Header, error) {
	if len(buf) < v2HeaderLen {
		if atEOF {
			return 0, nil, fmt.Errorf("truncated haproxy v2 header at eof: %w", errs.ErrProtocolViolation)
		}
		return 0, nil, nil
	}
	if !bytes.Equal(buf[:v2SigLen], v2Signature) {
		return 0, nil, fmt.Errorf("bad haproxy v2 signature: %w", errs.ErrProtocolViolation)
	}
	verCmd := buf[12]
	if verCmd>>4 != 0x2 {
		return 0, nil, fmt.Errorf("bad haproxy v2 version %#x: %w", verCmd>>4, errs.ErrProtocolViolation)
	}
	command := verCmd & 0x0f
	if command > 0x1 {
		return 0, nil, fmt.Errorf("bad haproxy v2 command %#x: %w", command, errs.ErrProtocolViolation)
	}
	famProto := buf[13]
	addrLen := int(binary.BigEndian.Uint16(buf[14:16]))
	consumed := v2HeaderLen + addrLen
	if len(buf) < consumed {
		if atEOF {
			return 0, nil, fmt.Errorf("truncated haproxy v2 address block at eof: %w", errs.ErrProtocolViolation)
		}
		return 0, nil, nil
	}

	hdr := &Header{Version: Version2, Raw: buf[:consumed]}
	addrs := buf[v2HeaderLen:consumed]

	// LOCAL commands and unspecified families carry no usable addresses;
	// any TLVs after the address block are skipped.
	if command == 0x0 {
		hdr.Unknown = true
		return consumed, hdr, nil
	}
	switch famProto >> 4 {
	case 0x1: // AF_INET
		if addrLen < 12 {
			return 0, nil, fmt.Errorf("short haproxy v2 inet address block: %w", errs.ErrProtocolViolation)
		}
		src := netip.AddrFrom4([4]byte(addrs[0:4]))
		dst := netip.AddrFrom4([4]byte(addrs[4:8]))
		hdr.Source = netip.AddrPortFrom(src, binary.BigEndian.Uint16(addrs[8:10]))
		hdr.Dest = netip.AddrPortFrom(dst, binary.BigEndian.Uint16(addrs[10:12]))
	case 0x2: // AF_INET6
		if addrLen < 36 {
			return 0, nil, fmt.Errorf("short haproxy v2 inet6 address block: %w", errs.ErrProtocolViolation)
		}
		src := netip.AddrFrom16([16]byte(addrs[0:16]))
		dst := netip.AddrFrom16([16]byte(addrs[16:32]))
		hdr.Source = netip.AddrPortFrom(src, binary.BigEndian.Uint16(addrs[32:34]))
		hdr.Dest = netip.AddrPortFrom(dst, binary.BigEndian.Uint16(addrs[34:36]))
	default:
		hdr.Unknown = true
	}
	return consumed, hdr, nil
}

// EncodeV1 builds the v1 text line announcing the accepted connection's
// address pair to a backend.
func EncodeV1(local, peer netip.AddrPort) []byte {
	proto := "TCP6"
	if local.Addr().Is4() {
		proto = "TCP4"
	}
	return []byte(fmt.Sprintf("PROXY %s %s %s %d %d\r\n",
		proto, local.Addr(), peer.Addr(), local.Port(), peer.Port()))
}

// EncodeV2 builds the binary v2 equivalent of EncodeV1.
func EncodeV2(local, peer netip.AddrPort) []byte {
	var addrs []byte
	var famProto byte
	if local.Addr().Is4() {
		famProto = 0x11 // AF_INET, STREAM
		addrs = make([]byte, 12)
		src := local.Addr().As4()
		dst := peer.Addr().As4()
		copy(addrs[0:4], src[:])
		copy(addrs[4:8], dst[:])
		binary.BigEndian.PutUint16(addrs[8:10], local.Port())
		binary.BigEndian.PutUint16(addrs[10:12], peer.Port())
	} else {
		famProto = 0x21 // AF_INET6, STREAM
		addrs = make([]byte, 36)
		src := local.Addr().As16()
		dst := peer.Addr().As16()
		copy(addrs[0:16], src[:])
		copy(addrs[16:32], dst[:])
		binary.BigEndian.PutUint16(addrs[32:34], local.Port())
		binary.BigEndian.PutUint16(addrs[34:36], peer.Port())
	}

	out := make([]byte, 0, v2HeaderLen+len(addrs))
	out = append(out, v2Signature...)
	out = append(out, 0x21, famProto)
	out = binary.BigEndian.AppendUint16(out, uint16(len(addrs)))
	return append(out, addrs...)
}
