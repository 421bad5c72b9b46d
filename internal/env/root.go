package env

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/minio/highwayhash"
	"github.com/myuser/xdstore/internal/codec"
	"github.com/myuser/xdstore/internal/tree"
)

// DatabaseRootType is the loggable type of a database root.
const DatabaseRootType byte = 1

// MetaStructureID is the structure id of the meta tree.
const MetaStructureID = 1

var checksumKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// databaseRoot is written last by every commit. Recovery resumes from the
// last one whose checksum matches.
type databaseRoot struct {
	metaRoot        int64
	lastStructureID int
	sequence        uint64
}

func checksum(b []byte) uint64 {
	h, err := highwayhash.New64(checksumKey)
	if err != nil {
		panic(err)
	}
	h.Write(b)
	return h.Sum64()
}

func (r databaseRoot) encode() []byte {
	var b []byte
	b = codec.AppendUvarint(b, uint64(r.metaRoot+1))
	b = codec.AppendUvarint(b, uint64(r.lastStructureID))
	b = codec.AppendUvarint(b, r.sequence)
	return binary.BigEndian.AppendUint64(b, checksum(b))
}

func decodeDatabaseRoot(b []byte) (databaseRoot, error) {
	if len(b) < 8 {
		return databaseRoot{}, errors.Wrap(ErrCorrupted, "short database root")
	}
	body, sum := b[:len(b)-8], binary.BigEndian.Uint64(b[len(b)-8:])
	if checksum(body) != sum {
		return databaseRoot{}, errors.Wrap(ErrCorrupted, "database root checksum mismatch")
	}
	var r databaseRoot
	v, n, err := codec.Uvarint(body)
	if err != nil {
		return r, errors.Wrapf(ErrCorrupted, "meta root: %v", err)
	}
	body = body[n:]
	r.metaRoot = int64(v) - 1
	v, n, err = codec.Uvarint(body)
	if err != nil {
		return r, errors.Wrapf(ErrCorrupted, "last structure id: %v", err)
	}
	body = body[n:]
	r.lastStructureID = int(v)
	if r.sequence, n, err = codec.Uvarint(body); err != nil {
		return r, errors.Wrapf(ErrCorrupted, "sequence: %v", err)
	}
	if n != len(body) {
		return r, errors.Wrap(ErrCorrupted, "trailing bytes in database root")
	}
	return r, nil
}

// A meta tree value is the store's MetaInfo followed by its root address.
func encodeStoreEntry(info tree.MetaInfo, root int64) []byte {
	b := info.Encode(nil)
	return codec.AppendUvarint(b, uint64(root+1))
}

func decodeStoreEntry(b []byte) (tree.MetaInfo, int64, error) {
	info, n, err := tree.DecodeMetaInfo(b)
	if err != nil {
		return info, 0, err
	}
	v, m, err := codec.Uvarint(b[n:])
	if err != nil {
		return info, 0, errors.Wrapf(tree.ErrBadMetaInfo, "root address: %v", err)
	}
	if n+m != len(b) {
		return info, 0, errors.Wrap(tree.ErrBadMetaInfo, "trailing bytes")
	}
	return info, int64(v) - 1, nil
}

// DecodeRoot parses the payload of a database root loggable.
func DecodeRoot(data []byte) (metaRoot int64, lastStructureID int, sequence uint64, err error) {
	r, err := decodeDatabaseRoot(data)
	return r.metaRoot, r.lastStructureID, r.sequence, err
}
