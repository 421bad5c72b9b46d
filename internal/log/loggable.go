package log

import (
	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/codec"
)

const (
	// NullType is the padding loggable. It occupies one byte and carries
	// neither a structure id nor data.
	NullType byte = 0
	// ReservedType can never be written.
	ReservedType byte = 127
	// NoStructureID marks loggables that belong to no tree.
	NoStructureID = 0
)

// Loggable is one immutable record of the log.
type Loggable struct {
	Address     int64
	Type        byte
	StructureID int
	Data        []byte
	// Length is the full on-log size including the header.
	Length int
}

// IsNull reports whether l is end-of-file padding.
func (l Loggable) IsNull() bool {
	return l.Type == NullType
}

// End returns the address following l.
func (l Loggable) End() int64 {
	return l.Address + int64(l.Length)
}

// EncodedLength returns the on-log size of a record carrying dataLength bytes.
func EncodedLength(structureID int, dataLength int) int {
	return 1 + codec.UvarintSize(uint64(structureID)) + codec.UvarintSize(uint64(dataLength)) + dataLength
}

func appendLoggable(dst []byte, typ byte, structureID int, data []byte) []byte {
	dst = append(dst, typ^0x80)
	dst = codec.AppendUvarint(dst, uint64(structureID))
	dst = codec.AppendUvarint(dst, uint64(len(data)))
	return append(dst, data...)
}

// decodeHeader parses the type, structure id and data length at the start
// of b. For a null loggable only the type byte is consumed.
func decodeHeader(b []byte) (typ byte, structureID int, dataLength int, headerLength int, err error) {
	if len(b) == 0 {
		return 0, 0, 0, 0, codec.ErrTruncated
	}
	typ = b[0] ^ 0x80
	if typ == NullType {
		return typ, NoStructureID, 0, 1, nil
	}
	if typ >= ReservedType {
		return 0, 0, 0, 0, errors.Wrapf(ErrCorrupted, "type byte %#x", b[0])
	}
	sid, n, err := codec.Uvarint(b[1:])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	length, m, err := codec.Uvarint(b[1+n:])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if sid > 1<<31-1 || length > 1<<31-1 {
		return 0, 0, 0, 0, errors.Wrapf(ErrCorrupted, "structure id %d, length %d", sid, length)
	}
	return typ, int(sid), int(length), 1 + n + m, nil
}
