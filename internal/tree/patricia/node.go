package patricia

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/codec"
	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
)

// Loggable types of Patricia nodes. The root also carries the tree size.
const (
	NodeType byte = 8
	RootType byte = 9
)

// IsNodeType reports whether typ is one of the Patricia types.
func IsNodeType(typ byte) bool {
	return typ == NodeType || typ == RootType
}

const flagHasValue = 1

// ref points at a child node: persisted, or pending in the arena.
type ref struct {
	first   byte
	address int64
	slot    int
}

func (r ref) persisted() bool {
	return r.address >= 0
}

// node is the read view shared by persisted and mutable nodes. A child's
// key continues with its first byte, then its own key sequence.
type node interface {
	keySequence() []byte
	hasValue() bool
	value() []byte
	childCount() int
	childRef(i int) ref
	child(i int) (node, error)
}

// findChild returns the index of the first child whose first byte is not
// less than b.
func findChild(n node, b byte) int {
	return sort.Search(n.childCount(), func(i int) bool {
		return n.childRef(i).first >= b
	})
}

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
			"address %d: type %d structure %d, want a patricia node of structure %d",
			address, l.Type, l.StructureID, ld.structureID)
	}
	return l, nil
}

func (ld *loader) load(address int64) (*persistedNode, error) {
	l, err := ld.read(address)
	if err != nil {
		return nil, err
	}
	return decodeNode(ld, l)
}

func (ld *loader) expand(address int64) (int, []int64, error) {
	n, err := ld.load(address)
	if err != nil {
		return 0, nil, err
	}
	addrs := make([]int64, len(n.children))
	for i, c := range n.children {
		addrs[i] = c.address
	}
	return n.length, addrs, nil
}

// persistedNode is a decoded node loggable:
//
//	[size, root only] flags keySeqLen keySeq [valueLen value] count {first, address}...
type persistedNode struct {
	ld       *loader
	address  int64
	length   int
	root     bool
	size     int64
	keySeq   []byte
	hasVal   bool
	val      []byte
	children []ref
}

func emptyRoot() *persistedNode {
	return &persistedNode{address: tree.NullAddress, root: true}
}

func decodeNode(ld *loader, l log.Loggable) (*persistedNode, error) {
	n := &persistedNode{ld: ld, address: l.Address, length: l.Length, root: l.Type == RootType}
	b := l.Data
	bad := func(what string) error {
		return errors.Wrapf(tree.ErrCorrupted, "node %d: bad %s", l.Address, what)
	}
	next := func() (uint64, bool) {
		v, m, err := codec.Uvarint(b)
		if err != nil {
			return 0, false
		}
		b = b[m:]
		return v, true
	}
	bytesOf := func() ([]byte, bool) {
		size, ok := next()
		if !ok || size > uint64(len(b)) {
			return nil, false
		}
		out := b[:size]
		b = b[size:]
		return out, true
	}
	if n.root {
		size, ok := next()
		if !ok {
			return nil, bad("size")
		}
		n.size = int64(size)
	}
	if len(b) == 0 {
		return nil, bad("flags")
	}
	flags := b[0]
	b = b[1:]
	var ok bool
	if n.keySeq, ok = bytesOf(); !ok {
		return nil, bad("key sequence")
	}
	if flags&flagHasValue != 0 {
		n.hasVal = true
		if n.val, ok = bytesOf(); !ok {
			return nil, bad("value")
		}
	}
	count, ok := next()
	if !ok || count > uint64(len(b)) {
		return nil, bad("child count")
	}
	n.children = make([]ref, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(b) == 0 {
			return nil, bad("child")
		}
		first := b[0]
		b = b[1:]
		addr, ok := next()
		if !ok || int64(addr) >= l.Address {
			return nil, bad("child address")
		}
		n.children = append(n.children, ref{first: first, address: int64(addr), slot: -1})
	}
	return n, nil
}

func encodeNode(isRoot bool, size int64, keySeq []byte, hasVal bool, val []byte, firsts []byte, addrs []int64) []byte {
	var b []byte
	if isRoot {
		b = codec.AppendUvarint(b, uint64(size))
	}
	var flags byte
	if hasVal {
		flags |= flagHasValue
	}
	b = append(b, flags)
	b = codec.AppendUvarint(b, uint64(len(keySeq)))
	b = append(b, keySeq...)
	if hasVal {
		b = codec.AppendUvarint(b, uint64(len(val)))
		b = append(b, val...)
	}
	b = codec.AppendUvarint(b, uint64(len(addrs)))
	for i, a := range addrs {
		b = append(b, firsts[i])
		b = codec.AppendUvarint(b, uint64(a))
	}
	return b
}

func (n *persistedNode) keySequence() []byte { return n.keySeq }
func (n *persistedNode) hasValue() bool      { return n.hasVal }
func (n *persistedNode) value() []byte       { return n.val }
func (n *persistedNode) childCount() int     { return len(n.children) }
func (n *persistedNode) childRef(i int) ref  { return n.children[i] }

func (n *persistedNode) child(i int) (node, error) {
	return n.ld.load(n.children[i].address)
}

func isEmpty(n node) bool {
	return !n.hasValue() && n.childCount() == 0
}

func get(root node, key []byte) ([]byte, bool, error) {
	n, rest := root, key
	for {
		ks := n.keySequence()
		if !bytes.HasPrefix(rest, ks) {
			return nil, false, nil
		}
		rest = rest[len(ks):]
		if len(rest) == 0 {
			if !n.hasValue() {
				return nil, false, nil
			}
			return n.value(), true, nil
		}
		i := findChild(n, rest[0])
		if i == n.childCount() || n.childRef(i).first != rest[0] {
			return nil, false, nil
		}
		var err error
		if n, err = n.child(i); err != nil {
			return nil, false, err
		}
		rest = rest[1:]
	}
}
