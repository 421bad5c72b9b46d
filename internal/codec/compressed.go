// Package codec implements the compressed unsigned long encoding used by
// every on-log structure.
//
// A value is split into 7-bit groups, least significant group first. Every
// byte but the last has its high bit clear; the last byte has it set:
//
//	0   -> 0x80
//	127 -> 0xff
//	128 -> 0x00 0x81
package codec

import (
	"io"

	"github.com/cockroachdb/errors"
)

// MaxUvarintLen is the longest encoding of a uint64.
const MaxUvarintLen = 10

var (
	ErrTruncated = errors.New("codec: truncated compressed value")
	ErrOverflow  = errors.New("codec: compressed value overflows 64 bits")
)

// AppendUvarint appends the compressed form of v to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b|0x80)
		}
		dst = append(dst, b)
	}
}

// UvarintSize returns the number of bytes AppendUvarint writes for v.
func UvarintSize(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// Uvarint decodes a value from the start of b and returns it with the
// number of bytes consumed.
func Uvarint(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		if i == MaxUvarintLen || (i == MaxUvarintLen-1 && c&0x7f > 1) {
			return 0, 0, ErrOverflow
		}
		result |= uint64(c&0x7f) << shift
		if c&0x80 != 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// ReadUvarint decodes a value from r.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; ; i++ {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return 0, ErrTruncated
			}
			return 0, err
		}
		if i == MaxUvarintLen || (i == MaxUvarintLen-1 && c&0x7f > 1) {
			return 0, ErrOverflow
		}
		result |= uint64(c&0x7f) << shift
		if c&0x80 != 0 {
			return result, nil
		}
		shift += 7
	}
}
