// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlswire

// MaxSniffBytes bounds how much of a connection the driver will buffer while
// waiting for a complete ClientHello.
const MaxSniffBytes = 20480

// reassembleHandshake walks the records in buf, keeps the handshake ones,
// and concatenates their payloads into one arena-owned buffer. Two passes:
// the first sizes the output, the second fills it.
func reassembleHandshake(a *Arena, buf []byte) ([]byte, error) {
	size := 0
	c := NewCursor(buf)
	for {
		record, ok, err := ExtractRecord(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if record.Prefix.ContentType != ContentTypeHandshake {
			continue
		}
		size += len(record.Data)
	}

	unframed := a.Alloc(size)
	fill := unframed
	c = NewCursor(buf)
	for {
		record, ok, err := ExtractRecord(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if record.Prefix.ContentType != ContentTypeHandshake {
			continue
		}
		copy(fill, record.Data)
		fill = fill[len(record.Data):]
	}
	return unframed, nil
}

// ServerNames returns the entries of the hello's server_name extension. A
// hello without one maps to the unrecognized-name alert class.
func ServerNames(hello *ClientHello) ([]ServerNameEntry, error) {
	for _, ext := range hello.Extensions {
		if ext.Type == extensionServerName {
			return ext.ServerNames, nil
		}
	}
	return nil, errUnrecognizedName("client hello carries no server_name extension")
}

// ExtractServerName attempts SNI detection over everything buffered so far.
// While the handshake is incomplete and more bytes may arrive it returns
// ok=false with a nil error; once atEOF is set, incompleteness is fatal.
// Detection succeeds only when the hello carries exactly one SNI entry.
func ExtractServerName(a *Arena, buf []byte, atEOF bool) (string, bool, error) {
	unframed, err := reassembleHandshake(a, buf)
	if err != nil {
		if IsTruncated(err) && !atEOF {
			return "", false, nil
		}
		return "", false, err
	}

	hs, err := ReadHandshake(a, NewCursor(unframed))
	if err != nil {
		if IsTruncated(err) && !atEOF {
			return "", false, nil
		}
		return "", false, err
	}
	if hs.ClientHello == nil {
		return "", false, errProtocolViolation("first handshake message is not a client hello")
	}

	names, err := ServerNames(hs.ClientHello)
	if err != nil {
		return "", false, err
	}
	if len(names) != 1 {
		return "", false, errProtocolViolation("expected exactly one server name entry")
	}
	return names[0].HostName, true, nil
}
