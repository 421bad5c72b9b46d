package patricia

import (
	"bytes"
	"iter"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
)

// mutableNode is a node copied into the arena of a MutableTree.
type mutableNode struct {
	t        *MutableTree
	keySeq   []byte
	hasVal   bool
	val      []byte
	children []ref
}

func (n *mutableNode) keySequence() []byte { return n.keySeq }
func (n *mutableNode) hasValue() bool      { return n.hasVal }
func (n *mutableNode) value() []byte       { return n.val }
func (n *mutableNode) childCount() int     { return len(n.children) }
func (n *mutableNode) childRef(i int) ref  { return n.children[i] }

func (n *mutableNode) child(i int) (node, error) {
	r := n.children[i]
	if r.persisted() {
		return n.t.base.ld.load(r.address)
	}
	return n.t.arena[r.slot], nil
}

func (n *mutableNode) setValue(v []byte) {
	n.hasVal, n.val = true, v
}

// MutableTree is a copy-on-write Patricia trie. The tree must not be changed
// after Save.
type MutableTree struct {
	base  *Tree
	arena []*mutableNode
	// rootSlot is -1 while the base root is unchanged
	rootSlot  int
	size      int64
	expired   *tree.ExpiredCollection
	cursors   tree.CursorRegistry
	changed   bool
	savedRoot int64
}

var _ tree.MutableTree = (*MutableTree)(nil)

func newMutable(base *Tree) *MutableTree {
	return &MutableTree{
		base:      base,
		rootSlot:  -1,
		size:      base.node.size,
		expired:   tree.NewExpiredCollection(base.ld.log.FileLength()),
		savedRoot: tree.NullAddress,
	}
}

func (t *MutableTree) Log() *log.Log       { return t.base.ld.log }
func (t *MutableTree) StructureID() int    { return t.base.ld.structureID }
func (t *MutableTree) Size() int64         { return t.size }
func (t *MutableTree) IsEmpty() bool       { return t.size == 0 }
func (t *MutableTree) HasDuplicates() bool { return false }
func (t *MutableTree) IsChanged() bool     { return t.changed }

func (t *MutableTree) ExpiredLoggables() *tree.ExpiredCollection { return t.expired }
func (t *MutableTree) MutableCopy() tree.MutableTree             { return t }

func (t *MutableTree) RootAddress() int64 {
	if t.savedRoot != tree.NullAddress {
		return t.savedRoot
	}
	return t.base.root
}

// AddressIterator enumerates the loggables of the tree at RootAddress: the
// base tree until Save, the saved tree after it. Saved loggables can be read
// once the write scope ends.
func (t *MutableTree) AddressIterator() *tree.AddressIterator {
	return tree.NewAddressIterator(t.RootAddress(), t.base.ld.expand)
}

func (t *MutableTree) rootNode() (node, error) {
	if t.rootSlot >= 0 {
		return t.arena[t.rootSlot], nil
	}
	return t.base.node, nil
}

func (t *MutableTree) Get(key []byte) ([]byte, bool, error) {
	root, _ := t.rootNode()
	return get(root, key)
}

func (t *MutableTree) HasKey(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func (t *MutableTree) HasPair(key, value []byte) (bool, error) {
	return hasPair(t, key, value)
}

func (t *MutableTree) OpenCursor() tree.Cursor {
	return tree.NewMutableCursor(newTraverser(t.rootNode), t, &t.cursors)
}

func (t *MutableTree) alloc(n *mutableNode) int {
	n.t = t
	t.arena = append(t.arena, n)
	return len(t.arena) - 1
}

// convert copies a persisted node into the arena and expires the original.
func (t *MutableTree) convert(n *persistedNode) int {
	if n.address != tree.NullAddress {
		t.expired.Add(n.address, n.length)
	}
	return t.alloc(&mutableNode{
		keySeq:   n.keySeq,
		hasVal:   n.hasVal,
		val:      n.val,
		children: slices.Clone(n.children),
	})
}

func (t *MutableTree) mutableRoot() *mutableNode {
	if t.rootSlot < 0 {
		t.rootSlot = t.convert(t.base.node)
	}
	return t.arena[t.rootSlot]
}

// mutableChild makes the i-th child of n mutable.
func (t *MutableTree) mutableChild(n *mutableNode, i int) (*mutableNode, error) {
	r := n.children[i]
	if !r.persisted() {
		return t.arena[r.slot], nil
	}
	c, err := t.base.ld.load(r.address)
	if err != nil {
		return nil, err
	}
	slot := t.convert(c)
	n.children[i] = ref{first: r.first, address: tree.NullAddress, slot: slot}
	return t.arena[slot], nil
}

func (t *MutableTree) touch(skip tree.Cursor) {
	t.changed = true
	t.cursors.Notify(skip)
}

func (t *MutableTree) Put(key, value []byte) (bool, error) {
	old, found, err := t.Get(key)
	if err != nil {
		return false, err
	}
	if found && bytes.Equal(old, value) {
		return false, nil
	}
	return true, t.insert(key, value)
}

func (t *MutableTree) Add(key, value []byte) (bool, error) {
	found, err := t.HasKey(key)
	if err != nil || found {
		return false, err
	}
	return true, t.insert(key, value)
}

func (t *MutableTree) PutRight(key, value []byte) error {
	c := t.OpenCursor()
	defer c.Close()
	if c.Last() && bytes.Compare(key, c.Key()) <= 0 {
		return errors.Wrapf(tree.ErrNotRightmost, "%q after %q", key, c.Key())
	}
	if err := c.Err(); err != nil {
		return err
	}
	return t.insert(key, value)
}

func (t *MutableTree) insert(key, value []byte) error {
	value = slices.Clone(value)
	if value == nil {
		value = []byte{}
	}
	n := t.mutableRoot()
	rest := key
	for {
		if len(rest) == 0 {
			if !n.hasVal {
				t.size++
			}
			n.setValue(value)
			break
		}
		i := findChild(n, rest[0])
		if i == len(n.children) || n.children[i].first != rest[0] {
			leaf := t.alloc(&mutableNode{keySeq: slices.Clone(rest[1:]), hasVal: true, val: value})
			n.children = slices.Insert(n.children, i, ref{first: rest[0], address: tree.NullAddress, slot: leaf})
			t.size++
			break
		}
		c, err := t.mutableChild(n, i)
		if err != nil {
			return err
		}
		rest = rest[1:]
		m := commonPrefix(c.keySeq, rest)
		if m == len(c.keySeq) {
			n, rest = c, rest[m:]
			continue
		}
		// split c: a new node takes the shared part of its key sequence
		split := &mutableNode{keySeq: slices.Clone(c.keySeq[:m])}
		splitSlot := t.alloc(split)
		tail := ref{first: c.keySeq[m], address: tree.NullAddress, slot: n.children[i].slot}
		c.keySeq = slices.Clone(c.keySeq[m+1:])
		split.children = []ref{tail}
		n.children[i].slot = splitSlot
		rest = rest[m:]
		if len(rest) == 0 {
			split.setValue(value)
		} else {
			leaf := t.alloc(&mutableNode{keySeq: slices.Clone(rest[1:]), hasVal: true, val: value})
			j := findChild(split, rest[0])
			split.children = slices.Insert(split.children, j, ref{first: rest[0], address: tree.NullAddress, slot: leaf})
		}
		t.size++
		break
	}
	t.touch(nil)
	return nil
}

func (t *MutableTree) Delete(key []byte) (bool, error) {
	return t.DeleteSkipping(key, nil, nil)
}

func (t *MutableTree) DeletePair(key, value []byte) (bool, error) {
	if value == nil {
		value = []byte{}
	}
	return t.DeleteSkipping(key, value, nil)
}

func (t *MutableTree) DeleteSkipping(key, value []byte, cursorToSkip tree.Cursor) (bool, error) {
	old, found, err := t.Get(key)
	if err != nil || !found {
		return false, err
	}
	if value != nil && !bytes.Equal(old, value) {
		return false, nil
	}
	if err := t.remove(key); err != nil {
		return false, err
	}
	t.touch(cursorToSkip)
	return true, nil
}

type step struct {
	n *mutableNode
	i int
}

func (t *MutableTree) remove(key []byte) error {
	root := t.mutableRoot()
	n, rest := root, key
	var path []step
	for len(rest) > 0 {
		i := findChild(n, rest[0])
		if i == len(n.children) || n.children[i].first != rest[0] {
			return errors.Wrapf(tree.ErrCorrupted, "key %q vanished from the trie", key)
		}
		c, err := t.mutableChild(n, i)
		if err != nil {
			return err
		}
		path = append(path, step{n: n, i: i})
		rest = rest[1+len(c.keySeq):]
		n = c
	}
	n.hasVal, n.val = false, nil
	t.size--
	if n == root {
		return nil
	}
	parent := path[len(path)-1]
	switch len(n.children) {
	case 0:
		parent.n.children = slices.Delete(parent.n.children, parent.i, parent.i+1)
		if parent.n != root && !parent.n.hasVal && len(parent.n.children) == 1 {
			return t.mergeWithChild(parent.n)
		}
	case 1:
		return t.mergeWithChild(n)
	}
	return nil
}

// mergeWithChild folds the only child of n into n.
func (t *MutableTree) mergeWithChild(n *mutableNode) error {
	first := n.children[0].first
	c, err := t.mutableChild(n, 0)
	if err != nil {
		return err
	}
	ks := make([]byte, 0, len(n.keySeq)+1+len(c.keySeq))
	ks = append(ks, n.keySeq...)
	ks = append(ks, first)
	n.keySeq = append(ks, c.keySeq...)
	n.hasVal, n.val, n.children = c.hasVal, c.val, c.children
	return nil
}

// Save writes pending nodes, children first, and returns the address of the
// new root. It must run inside a write scope.
func (t *MutableTree) Save() (int64, error) {
	if !t.changed {
		return t.RootAddress(), nil
	}
	addr, err := t.saveNode(t.arena[t.rootSlot], true)
	if err != nil {
		return tree.NullAddress, errors.Wrapf(err, "save patricia tree %d", t.StructureID())
	}
	t.savedRoot = addr
	t.changed = false
	t.cursors.Notify(nil)
	return addr, nil
}

func (t *MutableTree) saveNode(n *mutableNode, isRoot bool) (int64, error) {
	firsts := make([]byte, len(n.children))
	addrs := make([]int64, len(n.children))
	for i, r := range n.children {
		firsts[i] = r.first
		if r.persisted() {
			addrs[i] = r.address
			continue
		}
		a, err := t.saveNode(t.arena[r.slot], false)
		if err != nil {
			return tree.NullAddress, err
		}
		addrs[i] = a
		n.children[i] = ref{first: r.first, address: a, slot: -1}
	}
	typ := NodeType
	if isRoot {
		typ = RootType
	}
	return t.Log().Write(typ, t.StructureID(), encodeNode(isRoot, t.size, n.keySeq, n.hasVal, n.val, firsts, addrs))
}

// Reclaim rewrites every node that lies in the address range of candidate
// and following. Children are older than their parents, so subtrees rooted
// below the range are skipped.
func (t *MutableTree) Reclaim(candidate log.Loggable, following iter.Seq[log.Loggable]) (bool, error) {
	lo, hi := tree.RangeOf(candidate, following)
	var r ref
	switch {
	case t.rootSlot >= 0:
		r = ref{address: tree.NullAddress, slot: t.rootSlot}
	case t.base.root == tree.NullAddress:
		return false, nil
	default:
		r = ref{address: t.base.root, slot: -1}
	}
	nr, changed, err := t.reclaimRef(r, lo, hi)
	if err != nil || !changed {
		return false, err
	}
	t.rootSlot = nr.slot
	t.touch(nil)
	return true, nil
}

func (t *MutableTree) reclaimRef(r ref, lo, hi int64) (ref, bool, error) {
	if r.persisted() && r.address < lo {
		return r, false, nil
	}
	var n node
	if r.persisted() {
		pn, err := t.base.ld.load(r.address)
		if err != nil {
			return r, false, err
		}
		n = pn
	} else {
		n = t.arena[r.slot]
	}
	inRange := r.persisted() && r.address < hi
	updates := make(map[int]ref)
	for i := 0; i < n.childCount(); i++ {
		nc, changed, err := t.reclaimRef(n.childRef(i), lo, hi)
		if err != nil {
			return r, false, err
		}
		if changed {
			updates[i] = nc
		}
	}
	if len(updates) == 0 && !inRange {
		return r, false, nil
	}
	slot := r.slot
	if r.persisted() {
		slot = t.convert(n.(*persistedNode))
	}
	m := t.arena[slot]
	for i, u := range updates {
		m.children[i] = u
	}
	return ref{first: r.first, address: tree.NullAddress, slot: slot}, true, nil
}
