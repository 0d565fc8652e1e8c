// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlswire

import "unicode/utf8"

const randomBytesLen = 28

// Random is the ClientHello random field.
type Random struct {
	GMTUnixTime uint32
	RandomBytes [randomBytesLen]byte
}

func readRandom(c *Cursor) (Random, error) {
	var out Random
	b, err := c.Skip(4)
	if err != nil {
		return out, err
	}
	out.GMTUnixTime = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	b, err = c.Skip(randomBytesLen)
	if err != nil {
		return out, err
	}
	copy(out.RandomBytes[:], b)
	return out, nil
}

// SessionID is the legacy session id, at most 32 bytes. The bytes live in
// the parse arena.
type SessionID []byte

func readSessionID(a *Arena, c *Cursor) (SessionID, error) {
	length, err := c.ReadUint8()
	if err != nil {
		return nil, err
	}
	if 32 < length {
		return nil, errProtocolViolation("session id longer than 32 bytes")
	}
	b, err := c.Skip(int(length))
	if err != nil {
		return nil, err
	}
	return SessionID(a.Bytes(b)), nil
}

// CipherSuite is a TLS cipher suite code point. Values outside the known set
// are carried through verbatim.
type CipherSuite uint16

const (
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       CipherSuite = 0xc02b
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         CipherSuite = 0xc02f
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 CipherSuite = 0xcca9
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   CipherSuite = 0xcca8
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       CipherSuite = 0xc02c
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         CipherSuite = 0xc030
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA          CipherSuite = 0xc00a
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA          CipherSuite = 0xc009
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA            CipherSuite = 0xc013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA            CipherSuite = 0xc014
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA              CipherSuite = 0x0033
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA              CipherSuite = 0x0039
	TLS_RSA_WITH_AES_128_CBC_SHA                  CipherSuite = 0x002f
	TLS_RSA_WITH_AES_256_CBC_SHA                  CipherSuite = 0x0035
	TLS_RSA_WITH_3DES_EDE_CBC_SHA                 CipherSuite = 0x000a
)

var cipherSuiteNames = map[CipherSuite]string{
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:       "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:         "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:       "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:         "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:          "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA",
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:          "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:            "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:            "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA:              "TLS_DHE_RSA_WITH_AES_128_CBC_SHA",
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA:              "TLS_DHE_RSA_WITH_AES_256_CBC_SHA",
	TLS_RSA_WITH_AES_128_CBC_SHA:                  "TLS_RSA_WITH_AES_128_CBC_SHA",
	TLS_RSA_WITH_AES_256_CBC_SHA:                  "TLS_RSA_WITH_AES_256_CBC_SHA",
	TLS_RSA_WITH_3DES_EDE_CBC_SHA:                 "TLS_RSA_WITH_3DES_EDE_CBC_SHA",
}

// Known reports whether the suite is in the named set.
func (s CipherSuite) Known() bool {
	_, ok := cipherSuiteNames[s]
	return ok
}

func (s CipherSuite) String() string {
	if name, ok := cipherSuiteNames[s]; ok {
		return name
	}
	const hexdigits = "0123456789abcdef"
	return "Unknown(0x" + string([]byte{
		hexdigits[s>>12&0xf], hexdigits[s>>8&0xf],
		hexdigits[s>>4&0xf], hexdigits[s&0xf],
	}) + ")"
}

// The cipher suite list length is in bytes and must be even; anything above
// 65534 cannot fit the two-byte length and is rejected.
func readCipherSuites(c *Cursor) ([]CipherSuite, error) {
	length, err := c.ReadUint16()
	if err != nil {
		return nil, err
	}
	if length&0x01 != 0 {
		return nil, errProtocolViolation("odd cipher suite list length")
	}
	if 65534 < length {
		return nil, errProtocolViolation("cipher suite list too long")
	}
	suites := make([]CipherSuite, length/2)
	for i := range suites {
		v, err := c.ReadUint16()
		if err != nil {
			return nil, err
		}
		suites[i] = CipherSuite(v)
	}
	return suites, nil
}

// Legacy compression must be null-only; anything else is a violation.
func readCompressionMethods(c *Cursor) (int, error) {
	length, err := c.ReadUint8()
	if err != nil {
		return 0, err
	}
	for i := 0; i < int(length); i++ {
		v, err := c.ReadUint8()
		if err != nil {
			return 0, err
		}
		if v != 0 {
			return 0, errProtocolViolation("non-null compression method")
		}
	}
	return int(length), nil
}

const extensionServerName uint16 = 0x0000

// ServerNameEntry is one entry of the server_name extension.
type ServerNameEntry struct {
	HostName string
}

func readServerNameEntry(a *Arena, c *Cursor) (ServerNameEntry, error) {
	nameType, err := c.ReadUint8()
	if err != nil {
		return ServerNameEntry{}, err
	}
	if nameType != 0 {
		return ServerNameEntry{}, errProtocolViolation("unsupported server name type")
	}
	length, err := c.ReadUint16()
	if err != nil {
		return ServerNameEntry{}, err
	}
	b, err := c.Skip(int(length))
	if err != nil {
		return ServerNameEntry{}, err
	}
	if !utf8.Valid(b) {
		return ServerNameEntry{}, errProtocolViolation("server name is not valid utf-8")
	}
	return ServerNameEntry{HostName: string(b)}, nil
}

func readServerNameList(a *Arena, c *Cursor) ([]ServerNameEntry, error) {
	length, err := c.ReadUint16()
	if err != nil {
		return nil, err
	}
	body, err := c.Skip(int(length))
	if err != nil {
		return nil, err
	}

	// Sizing pass: validate framing and count entries before allocating.
	count := 0
	sc := NewCursor(body)
	for sc.Remaining() > 0 {
		if _, err := sc.ReadUint8(); err != nil {
			return nil, err
		}
		entryLen, err := sc.ReadUint16()
		if err != nil {
			return nil, err
		}
		if _, err := sc.Skip(int(entryLen)); err != nil {
			return nil, err
		}
		count++
	}

	entries := make([]ServerNameEntry, count)
	ec := NewCursor(body)
	for i := range entries {
		entries[i], err = readServerNameEntry(a, ec)
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Extension is a ClientHello extension. ServerNames is populated for the
// server_name extension; everything else keeps its raw payload in Data,
// copied into the arena.
type Extension struct {
	Type        uint16
	ServerNames []ServerNameEntry
	Data        []byte
}

func readExtension(a *Arena, c *Cursor) (Extension, error) {
	extType, err := c.ReadUint16()
	if err != nil {
		return Extension{}, err
	}
	length, err := c.ReadUint16()
	if err != nil {
		return Extension{}, err
	}
	body, err := c.Skip(int(length))
	if err != nil {
		return Extension{}, err
	}
	if extType == extensionServerName {
		names, err := readServerNameList(a, NewCursor(body))
		if err != nil {
			return Extension{}, err
		}
		return Extension{Type: extType, ServerNames: names}, nil
	}
	return Extension{Type: extType, Data: a.Bytes(body)}, nil
}

func readExtensions(a *Arena, c *Cursor) ([]Extension, error) {
	length, err := c.ReadUint16()
	if err != nil {
		return nil, err
	}
	body, err := c.Skip(int(length))
	if err != nil {
		return nil, err
	}

	// Sizing pass over the {type, length, data} framing.
	count := 0
	sc := NewCursor(body)
	for sc.Remaining() > 0 {
		if _, err := sc.ReadUint16(); err != nil {
			return nil, err
		}
		entryLen, err := sc.ReadUint16()
		if err != nil {
			return nil, err
		}
		if _, err := sc.Skip(int(entryLen)); err != nil {
			return nil, err
		}
		count++
	}

	exts := make([]Extension, count)
	ec := NewCursor(body)
	for i := range exts {
		exts[i], err = readExtension(a, ec)
		if err != nil {
			return nil, err
		}
	}
	return exts, nil
}

// ClientHello is a decoded ClientHello handshake message.
type ClientHello struct {
	ClientVersion      ProtocolVersion
	Random             Random
	SessionID          SessionID
	CipherSuites       []CipherSuite
	CompressionMethods int
	Extensions         []Extension
}

// ReadClientHello decodes a ClientHello message body.
func ReadClientHello(a *Arena, c *Cursor) (*ClientHello, error) {
	version, err := readProtocolVersion(c)
	if err != nil {
		return nil, err
	}
	random, err := readRandom(c)
	if err != nil {
		return nil, err
	}
	sessionID, err := readSessionID(a, c)
	if err != nil {
		return nil, err
	}
	suites, err := readCipherSuites(c)
	if err != nil {
		return nil, err
	}
	compression, err := readCompressionMethods(c)
	if err != nil {
		return nil, err
	}
	exts, err := readExtensions(a, c)
	if err != nil {
		return nil, err
	}
	return &ClientHello{
		ClientVersion:      version,
		Random:             random,
		SessionID:          sessionID,
		CipherSuites:       suites,
		CompressionMethods: compression,
		Extensions:         exts,
	}, nil
}

const handshakeClientHello uint8 = 1

// Handshake is one handshake message. ClientHello is set for message type 1;
// other message types carry their body in Raw, copied into the arena.
type Handshake struct {
	MsgType     uint8
	ClientHello *ClientHello
	Raw         []byte
}

// ReadHandshake decodes one handshake message from reassembled handshake
// bytes.
func ReadHandshake(a *Arena, c *Cursor) (Handshake, error) {
	msgType, err := c.ReadUint8()
	if err != nil {
		return Handshake{}, err
	}
	length, err := c.ReadUint24()
	if err != nil {
		return Handshake{}, err
	}
	body, err := c.Skip(int(length))
	if err != nil {
		return Handshake{}, err
	}
	if msgType == handshakeClientHello {
		hello, err := ReadClientHello(a, NewCursor(body))
		if err != nil {
			// The message body is fully framed at this point, so a short
			// read inside it is corruption, not missing bytes.
			if IsTruncated(err) {
				return Handshake{}, errProtocolViolation("client hello shorter than its framing")
			}
			return Handshake{}, err
		}
		return Handshake{MsgType: msgType, ClientHello: hello}, nil
	}
	return Handshake{MsgType: msgType, Raw: a.Bytes(body)}, nil
}
