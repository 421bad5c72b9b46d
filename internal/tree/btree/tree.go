// Package btree implements the copy-on-write B+tree stored in the log.
// Values live in leaf loggables referenced from bottom pages; internal pages
// hold (first key, child) entries. Every save writes the changed path from
// the leaves up to a new root.
package btree

import (
	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
)

// DefaultMaxPageSize is the default number of entries per page.
const DefaultMaxPageSize = 64

type options struct {
	maxPageSize int
}

// Option configures a tree.
type Option func(*options)

// WithMaxPageSize sets the number of entries a page holds before it splits.
func WithMaxPageSize(n int) Option {
	return func(o *options) {
		if n >= 4 {
			o.maxPageSize = n
		}
	}
}

// Tree is an immutable B-tree.
type Tree struct {
	ld   *loader
	opts options
	root int64
	page *persistedPage
}

var _ tree.Tree = (*Tree)(nil)

// New returns an empty tree.
func New(l *log.Log, structureID int, opts ...Option) *Tree {
	t, _ := Open(l, structureID, tree.NullAddress, opts...)
	return t
}

// Open loads the tree whose root page is at root.
func Open(l *log.Log, structureID int, root int64, opts ...Option) (*Tree, error) {
	o := options{maxPageSize: DefaultMaxPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Tree{ld: &loader{log: l, structureID: structureID}, opts: o, root: root}
	if root == tree.NullAddress {
		t.page = emptyPage()
		return t, nil
	}
	p, err := t.ld.loadPage(root)
	if err != nil {
		return nil, errors.Wrapf(err, "open b-tree %d", structureID)
	}
	if !isRootType(p.typ) {
		return nil, errors.Wrapf(tree.ErrCorrupted, "b-tree %d: %d is not a root page", structureID, root)
	}
	t.page = p
	return t, nil
}

func (t *Tree) Log() *log.Log       { return t.ld.log }
func (t *Tree) StructureID() int    { return t.ld.structureID }
func (t *Tree) RootAddress() int64  { return t.root }
func (t *Tree) Size() int64         { return t.page.size }
func (t *Tree) IsEmpty() bool       { return t.page.size == 0 }
func (t *Tree) HasDuplicates() bool { return false }

func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	return get(t.page, key)
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
	return tree.NewCursor(newTraverser(func() (page, error) { return t.page, nil }))
}

func (t *Tree) AddressIterator() *tree.AddressIterator {
	return tree.NewAddressIterator(t.root, t.ld.expand)
}

func (t *Tree) MutableCopy() tree.MutableTree {
	return newMutable(t)
}
