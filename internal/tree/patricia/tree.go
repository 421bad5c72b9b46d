// Package patricia implements the copy-on-write Patricia trie stored in the
// log. Each node holds the key bytes it adds to its parent's key, an
// optional value and its children ordered by their first byte. Values live
// in the nodes themselves.
package patricia

import (
	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
)

// Tree is an immutable Patricia trie.
type Tree struct {
	ld   *loader
	root int64
	node *persistedNode
}

var _ tree.Tree = (*Tree)(nil)

// New returns an empty trie.
func New(l *log.Log, structureID int) *Tree {
	return &Tree{ld: &loader{log: l, structureID: structureID}, root: tree.NullAddress, node: emptyRoot()}
}

// Open loads the trie whose root node is at root.
func Open(l *log.Log, structureID int, root int64) (*Tree, error) {
	t := New(l, structureID)
	if root == tree.NullAddress {
		return t, nil
	}
	n, err := t.ld.load(root)
	if err != nil {
		return nil, errors.Wrapf(err, "open patricia tree %d", structureID)
	}
	if !n.root {
		return nil, errors.Wrapf(tree.ErrCorrupted, "patricia tree %d: %d is not a root", structureID, root)
	}
	t.root, t.node = root, n
	return t, nil
}

func (t *Tree) Log() *log.Log       { return t.ld.log }
func (t *Tree) StructureID() int    { return t.ld.structureID }
func (t *Tree) RootAddress() int64  { return t.root }
func (t *Tree) Size() int64         { return t.node.size }
func (t *Tree) IsEmpty() bool       { return t.node.size == 0 }
func (t *Tree) HasDuplicates() bool { return false }

func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	return get(t.node, key)
}

func (t *Tree) HasKey(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func (t *Tree) HasPair(key, value []byte) (bool, error) {
	return hasPair(t, key, value)
}

func hasPair(t tree.Tree, key, value []byte) (bool, error) {
	v, ok, err := t.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return string(v) == string(value), nil
}

func (t *Tree) OpenCursor() tree.Cursor {
	return tree.NewCursor(newTraverser(func() (node, error) { return t.node, nil }))
}

func (t *Tree) AddressIterator() *tree.AddressIterator {
	return tree.NewAddressIterator(t.root, t.ld.expand)
}

func (t *Tree) MutableCopy() tree.MutableTree {
	return newMutable(t)
}
