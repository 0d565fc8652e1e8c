// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlswire

// TLS record content types the sniffer cares about.
const (
	ContentTypeHandshake uint8 = 22
)

// ProtocolVersion is a TLS protocol version as it appears on the wire.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

func readProtocolVersion(c *Cursor) (ProtocolVersion, error) {
	major, err := c.ReadUint8()
	if err != nil {
		return ProtocolVersion{}, err
	}
	minor, err := c.ReadUint8()
	if err != nil {
		return ProtocolVersion{}, err
	}
	return ProtocolVersion{Major: major, Minor: minor}, nil
}

// RecordPrefix is the five-byte header of a TLS record.
type RecordPrefix struct {
	ContentType uint8
	Version     ProtocolVersion
	Length      uint16
}

// Record is a record prefix plus its payload. Data borrows from the buffer
// the record was extracted from.
type Record struct {
	Prefix RecordPrefix
	Data   []byte
}

// ExtractRecordPrefix reads one record header. ok is false with a nil error
// only when the cursor is empty, which is the one clean stopping point; a
// header cut short mid-way is Truncated.
func ExtractRecordPrefix(c *Cursor) (RecordPrefix, bool, error) {
	if c.Remaining() == 0 {
		return RecordPrefix{}, false, nil
	}
	contentType, err := c.ReadUint8()
	if err != nil {
		return RecordPrefix{}, false, err
	}
	version, err := readProtocolVersion(c)
	if err != nil {
		return RecordPrefix{}, false, err
	}
	length, err := c.ReadUint16()
	if err != nil {
		return RecordPrefix{}, false, err
	}
	return RecordPrefix{ContentType: contentType, Version: version, Length: length}, true, nil
}

// ExtractRecord reads one full record. The same clean-EOF rule as
// ExtractRecordPrefix applies: ok=false only at a record boundary with zero
// bytes remaining.
func ExtractRecord(c *Cursor) (Record, bool, error) {
	prefix, ok, err := ExtractRecordPrefix(c)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	data, err := c.Skip(int(prefix.Length))
	if err != nil {
		return Record{}, false, err
	}
	return Record{Prefix: prefix, Data: data}, true, nil
}
