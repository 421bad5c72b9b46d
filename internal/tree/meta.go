package tree

import (
	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/codec"
)

const (
	flagDuplicates   = 1 << 0
	flagKeyPrefixing = 1 << 1
)

// MetaInfo describes a store's tree.
type MetaInfo struct {
	Duplicates   bool
	KeyPrefixing bool
	StructureID  int
}

// Encode appends the flags byte, a legacy zero and the structure id.
func (m MetaInfo) Encode(dst []byte) []byte {
	var flags byte
	if m.Duplicates {
		flags |= flagDuplicates
	}
	if m.KeyPrefixing {
		flags |= flagKeyPrefixing
	}
	dst = append(dst, flags)
	dst = codec.AppendUvarint(dst, 0)
	return codec.AppendUvarint(dst, uint64(m.StructureID))
}

// DecodeMetaInfo parses b and returns the number of bytes consumed.
func DecodeMetaInfo(b []byte) (MetaInfo, int, error) {
	if len(b) == 0 {
		return MetaInfo{}, 0, errors.Wrap(ErrBadMetaInfo, "empty")
	}
	flags := b[0]
	if flags&^(flagDuplicates|flagKeyPrefixing) != 0 {
		return MetaInfo{}, 0, errors.Wrapf(ErrBadMetaInfo, "flags %#x", flags)
	}
	legacy, n, err := codec.Uvarint(b[1:])
	if err != nil {
		return MetaInfo{}, 0, errors.Wrapf(ErrBadMetaInfo, "legacy field: %v", err)
	}
	if legacy != 0 {
		return MetaInfo{}, 0, errors.Wrapf(ErrBadMetaInfo, "legacy field %d", legacy)
	}
	sid, m, err := codec.Uvarint(b[1+n:])
	if err != nil {
		return MetaInfo{}, 0, errors.Wrapf(ErrBadMetaInfo, "structure id: %v", err)
	}
	if sid > 1<<31-1 {
		return MetaInfo{}, 0, errors.Wrapf(ErrBadMetaInfo, "structure id %d", sid)
	}
	return MetaInfo{
		Duplicates:   flags&flagDuplicates != 0,
		KeyPrefixing: flags&flagKeyPrefixing != 0,
		StructureID:  int(sid),
	}, 1 + n + m, nil
}
