package btree

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/codec"
	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
)

// Loggable types of B-tree nodes. Root pages also carry the tree size.
const (
	LeafType         byte = 2
	BottomPageType   byte = 3
	InternalPageType byte = 4
	BottomRootType   byte = 5
	InternalRootType byte = 6
)

// IsNodeType reports whether typ is one of the B-tree types.
func IsNodeType(typ byte) bool {
	return typ >= LeafType && typ <= InternalRootType
}

func isRootType(typ byte) bool {
	return typ == BottomRootType || typ == InternalRootType
}

// ref points at a child: a persisted loggable, a page in the mutable arena
// or a leaf value not saved yet.
type ref struct {
	address int64
	slot    int
	value   []byte
}

func persistedRef(address int64) ref {
	return ref{address: address, slot: -1}
}

func (r ref) persisted() bool {
	return r.address >= 0
}

// page is the read view shared by persisted and mutable pages.
type page interface {
	isBottom() bool
	count() int
	key(i int) []byte
	entry(i int) ref
	child(i int) (page, error)
	value(i int) ([]byte, error)
}

// loader reads the nodes of one structure.
type loader struct {
	log         *log.Log
	structureID int
}

func (ld *loader) read(address int64) (log.Loggable, error) {
	l, err := ld.log.Read(address)
	if err != nil {
		return log.Loggable{}, errors.Wrapf(err, "read node %d", address)
	}
	if !IsNodeType(l.Type) || l.StructureID != ld.structureID {
		return log.Loggable{}, errors.Wrapf(tree.ErrCorrupted,
			"address %d: type %d structure %d, want a b-tree node of structure %d",
			address, l.Type, l.StructureID, ld.structureID)
	}
	return l, nil
}

func (ld *loader) loadPage(address int64) (*persistedPage, error) {
	l, err := ld.read(address)
	if err != nil {
		return nil, err
	}
	if l.Type == LeafType {
		return nil, errors.Wrapf(tree.ErrCorrupted, "address %d: leaf where a page was expected", address)
	}
	return decodePage(ld, l)
}

func (ld *loader) loadLeaf(address int64) (key, value []byte, length int, err error) {
	l, err := ld.read(address)
	if err != nil {
		return nil, nil, 0, err
	}
	if l.Type != LeafType {
		return nil, nil, 0, errors.Wrapf(tree.ErrCorrupted, "address %d: page where a leaf was expected", address)
	}
	key, value, err = decodeLeaf(l.Data)
	if err != nil {
		return nil, nil, 0, errors.Wrapf(err, "address %d", address)
	}
	return key, value, l.Length, nil
}

// expand lists the loggables referenced from address, for AddressIterator.
func (ld *loader) expand(address int64) (int, []int64, error) {
	l, err := ld.read(address)
	if err != nil {
		return 0, nil, err
	}
	if l.Type == LeafType {
		return l.Length, nil, nil
	}
	p, err := decodePage(ld, l)
	if err != nil {
		return 0, nil, err
	}
	return l.Length, p.addrs, nil
}

func encodeLeaf(key, value []byte) []byte {
	b := codec.AppendUvarint(make([]byte, 0, len(key)+len(value)+4), uint64(len(key)))
	b = append(b, key...)
	return append(b, value...)
}

func decodeLeaf(data []byte) (key, value []byte, err error) {
	n, m, err := codec.Uvarint(data)
	if err != nil || n > uint64(len(data)-m) {
		return nil, nil, errors.Wrap(tree.ErrCorrupted, "bad leaf key length")
	}
	return data[m : m+int(n)], data[m+int(n):], nil
}

// persistedPage is a decoded page loggable. The layout is
//
//	[tree size, root pages only] count {child address, key length, key}...
type persistedPage struct {
	ld      *loader
	address int64
	length  int
	typ     byte
	size    int64
	keys    [][]byte
	addrs   []int64
}

func emptyPage() *persistedPage {
	return &persistedPage{address: tree.NullAddress, typ: BottomRootType}
}

func decodePage(ld *loader, l log.Loggable) (*persistedPage, error) {
	p := &persistedPage{ld: ld, address: l.Address, length: l.Length, typ: l.Type}
	b := l.Data
	next := func() (uint64, error) {
		v, n, err := codec.Uvarint(b)
		if err != nil {
			return 0, errors.Wrapf(tree.ErrCorrupted, "page %d: %v", l.Address, err)
		}
		b = b[n:]
		return v, nil
	}
	if isRootType(l.Type) {
		size, err := next()
		if err != nil {
			return nil, err
		}
		p.size = int64(size)
	}
	count, err := next()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(b)) {
		return nil, errors.Wrapf(tree.ErrCorrupted, "page %d: %d entries in %d bytes", l.Address, count, len(b))
	}
	p.keys = make([][]byte, 0, count)
	p.addrs = make([]int64, 0, count)
	for i := uint64(0); i < count; i++ {
		addr, err := next()
		if err != nil {
			return nil, err
		}
		if int64(addr) >= l.Address {
			return nil, errors.Wrapf(tree.ErrCorrupted, "page %d: child %d is not older", l.Address, addr)
		}
		n, err := next()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(b)) {
			return nil, errors.Wrapf(tree.ErrCorrupted, "page %d: key overflows", l.Address)
		}
		p.addrs = append(p.addrs, int64(addr))
		p.keys = append(p.keys, b[:n])
		b = b[n:]
	}
	return p, nil
}

func encodePage(isRoot bool, size int64, keys [][]byte, addrs []int64) []byte {
	var b []byte
	if isRoot {
		b = codec.AppendUvarint(b, uint64(size))
	}
	b = codec.AppendUvarint(b, uint64(len(keys)))
	for i, k := range keys {
		b = codec.AppendUvarint(b, uint64(addrs[i]))
		b = codec.AppendUvarint(b, uint64(len(k)))
		b = append(b, k...)
	}
	return b
}

func pageType(bottom, isRoot bool) byte {
	switch {
	case bottom && isRoot:
		return BottomRootType
	case bottom:
		return BottomPageType
	case isRoot:
		return InternalRootType
	}
	return InternalPageType
}

func (p *persistedPage) isBottom() bool {
	return p.typ == BottomPageType || p.typ == BottomRootType
}

func (p *persistedPage) count() int       { return len(p.keys) }
func (p *persistedPage) key(i int) []byte { return p.keys[i] }
func (p *persistedPage) entry(i int) ref  { return persistedRef(p.addrs[i]) }

func (p *persistedPage) child(i int) (page, error) {
	return p.ld.loadPage(p.addrs[i])
}

func (p *persistedPage) value(i int) ([]byte, error) {
	_, v, _, err := p.ld.loadLeaf(p.addrs[i])
	return v, err
}

// lowerBound returns the first index whose key is not less than key.
func lowerBound(p page, key []byte) int {
	return sort.Search(p.count(), func(i int) bool {
		return bytes.Compare(p.key(i), key) >= 0
	})
}

// childIndex returns the child of an internal page whose subtree holds key.
func childIndex(p page, key []byte) int {
	i := sort.Search(p.count(), func(i int) bool {
		return bytes.Compare(p.key(i), key) > 0
	})
	if i > 0 {
		i--
	}
	return i
}

func get(root page, key []byte) ([]byte, bool, error) {
	p := root
	for !p.isBottom() {
		if p.count() == 0 {
			return nil, false, nil
		}
		var err error
		if p, err = p.child(childIndex(p, key)); err != nil {
			return nil, false, err
		}
	}
	i := lowerBound(p, key)
	if i == p.count() || !bytes.Equal(p.key(i), key) {
		return nil, false, nil
	}
	v, err := p.value(i)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
