package btree

import (
	"bytes"
	"iter"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
)

func slotRef(slot int) ref         { return ref{address: tree.NullAddress, slot: slot} }
func valueRef(value []byte) ref    { return ref{address: tree.NullAddress, slot: -1, value: value} }
func cloneBytes(b []byte) []byte   { return append(make([]byte, 0, len(b)), b...) }

// mutablePage is a page copied into the arena of a MutableTree. Its entries
// point at persisted loggables or at pending pages and values.
type mutablePage struct {
	t      *MutableTree
	bottom bool
	keys   [][]byte
	refs   []ref
}

func (p *mutablePage) isBottom() bool   { return p.bottom }
func (p *mutablePage) count() int       { return len(p.keys) }
func (p *mutablePage) key(i int) []byte { return p.keys[i] }
func (p *mutablePage) entry(i int) ref  { return p.refs[i] }

func (p *mutablePage) child(i int) (page, error) {
	r := p.refs[i]
	if r.persisted() {
		return p.t.base.ld.loadPage(r.address)
	}
	return p.t.arena[r.slot], nil
}

func (p *mutablePage) value(i int) ([]byte, error) {
	r := p.refs[i]
	if !r.persisted() {
		return r.value, nil
	}
	_, v, _, err := p.t.base.ld.loadLeaf(r.address)
	return v, err
}

func (p *mutablePage) insert(i int, key []byte, r ref) {
	p.keys = slices.Insert(p.keys, i, key)
	p.refs = slices.Insert(p.refs, i, r)
}

func (p *mutablePage) remove(i int) {
	p.keys = slices.Delete(p.keys, i, i+1)
	p.refs = slices.Delete(p.refs, i, i+1)
}

// MutableTree is a copy-on-write B-tree. Pages touched by a change are
// copied into an arena; the persisted originals are recorded as expired.
// The tree must not be changed after Save.
type MutableTree struct {
	base  *Tree
	arena []*mutablePage
	// root is an arena slot, or -1 while the base root is unchanged
	root      ref
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
		root:      ref{address: tree.NullAddress, slot: -1},
		size:      base.page.size,
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

// RootAddress returns the address written by the last Save, or the base
// tree's root.
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

func (t *MutableTree) rootPage() (page, error) {
	if t.root.slot >= 0 {
		return t.arena[t.root.slot], nil
	}
	return t.base.page, nil
}

func (t *MutableTree) Get(key []byte) ([]byte, bool, error) {
	root, _ := t.rootPage()
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
	return tree.NewMutableCursor(newTraverser(t.rootPage), t, &t.cursors)
}

func (t *MutableTree) alloc(p *mutablePage) int {
	t.arena = append(t.arena, p)
	return len(t.arena) - 1
}

// convert copies a persisted page into the arena and expires the original.
func (t *MutableTree) convert(p *persistedPage) int {
	if p.address != tree.NullAddress {
		t.expired.Add(p.address, p.length)
	}
	refs := make([]ref, len(p.addrs))
	for i, a := range p.addrs {
		refs[i] = persistedRef(a)
	}
	return t.alloc(&mutablePage{
		t:      t,
		bottom: p.isBottom(),
		keys:   slices.Clone(p.keys),
		refs:   refs,
	})
}

func (t *MutableTree) mutableRoot() int {
	if t.root.slot < 0 {
		t.root = slotRef(t.convert(t.base.page))
	}
	return t.root.slot
}

// mutableChild makes the i-th child of p mutable and returns its slot.
func (t *MutableTree) mutableChild(p *mutablePage, i int) (int, error) {
	r := p.refs[i]
	if !r.persisted() {
		return r.slot, nil
	}
	child, err := t.base.ld.loadPage(r.address)
	if err != nil {
		return -1, err
	}
	slot := t.convert(child)
	p.refs[i] = slotRef(slot)
	return slot, nil
}

func (t *MutableTree) expireLeaf(r ref) error {
	if !r.persisted() {
		return nil
	}
	_, _, length, err := t.base.ld.loadLeaf(r.address)
	if err != nil {
		return err
	}
	t.expired.Add(r.address, length)
	return nil
}

func (t *MutableTree) touch(skip tree.Cursor) {
	t.changed = true
	t.cursors.Notify(skip)
}

func (t *MutableTree) maxPageSize() int { return t.base.opts.maxPageSize }

func (t *MutableTree) minPageSize() int { return max(1, t.maxPageSize()/4) }

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
	root, _ := t.rootPage()
	p := root
	for !p.isBottom() {
		var err error
		if p, err = p.child(p.count() - 1); err != nil {
			return err
		}
	}
	if n := p.count(); n > 0 && bytes.Compare(key, p.key(n-1)) <= 0 {
		return errors.Wrapf(tree.ErrNotRightmost, "%q after %q", key, p.key(n-1))
	}
	return t.insert(key, value)
}

func (t *MutableTree) insert(key, value []byte) error {
	slot := t.mutableRoot()
	split, err := t.insertAt(slot, cloneBytes(key), cloneBytes(value))
	if err != nil {
		return err
	}
	if split >= 0 {
		left, right := t.arena[slot], t.arena[split]
		t.root = slotRef(t.alloc(&mutablePage{
			t:    t,
			keys: [][]byte{left.keys[0], right.keys[0]},
			refs: []ref{slotRef(slot), slotRef(split)},
		}))
	}
	t.touch(nil)
	return nil
}

// insertAt puts key into the subtree at slot. It returns the slot of the
// new right sibling when the page split, -1 otherwise.
func (t *MutableTree) insertAt(slot int, key, value []byte) (int, error) {
	p := t.arena[slot]
	if p.bottom {
		i := lowerBound(p, key)
		if i < p.count() && bytes.Equal(p.keys[i], key) {
			if err := t.expireLeaf(p.refs[i]); err != nil {
				return -1, err
			}
			p.refs[i] = valueRef(value)
			return -1, nil
		}
		p.insert(i, key, valueRef(value))
		t.size++
	} else {
		i := childIndex(p, key)
		cslot, err := t.mutableChild(p, i)
		if err != nil {
			return -1, err
		}
		split, err := t.insertAt(cslot, key, value)
		if err != nil {
			return -1, err
		}
		p.keys[i] = t.arena[cslot].keys[0]
		if split >= 0 {
			p.insert(i+1, t.arena[split].keys[0], slotRef(split))
		}
	}
	if p.count() <= t.maxPageSize() {
		return -1, nil
	}
	mid := p.count() / 2
	right := &mutablePage{
		t:      t,
		bottom: p.bottom,
		keys:   slices.Clone(p.keys[mid:]),
		refs:   slices.Clone(p.refs[mid:]),
	}
	p.keys = slices.Clip(p.keys[:mid])
	p.refs = slices.Clip(p.refs[:mid])
	return t.alloc(right), nil
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
	if err := t.removeAt(t.mutableRoot(), key); err != nil {
		return false, err
	}
	t.size--
	if err := t.collapseRoot(); err != nil {
		return false, err
	}
	t.touch(cursorToSkip)
	return true, nil
}

func (t *MutableTree) removeAt(slot int, key []byte) error {
	p := t.arena[slot]
	if p.bottom {
		i := lowerBound(p, key)
		if i == p.count() || !bytes.Equal(p.keys[i], key) {
			return errors.Wrapf(tree.ErrCorrupted, "key %q vanished from its page", key)
		}
		if err := t.expireLeaf(p.refs[i]); err != nil {
			return err
		}
		p.remove(i)
		return nil
	}
	i := childIndex(p, key)
	cslot, err := t.mutableChild(p, i)
	if err != nil {
		return err
	}
	if err := t.removeAt(cslot, key); err != nil {
		return err
	}
	c := t.arena[cslot]
	if c.count() == 0 {
		p.remove(i)
		return nil
	}
	p.keys[i] = c.keys[0]
	if c.count() < t.minPageSize() {
		return t.mergeChild(p, i)
	}
	return nil
}

// mergeChild merges the underfull i-th child of p with a sibling when both
// fit one page.
func (t *MutableTree) mergeChild(p *mutablePage, i int) error {
	j := i + 1
	if j == p.count() {
		j = i - 1
	}
	if j < 0 {
		return nil
	}
	sib, err := p.child(j)
	if err != nil {
		return err
	}
	if sib.count()+t.arena[p.refs[i].slot].count() > t.maxPageSize() {
		return nil
	}
	l, r := min(i, j), max(i, j)
	ls, err := t.mutableChild(p, l)
	if err != nil {
		return err
	}
	rs, err := t.mutableChild(p, r)
	if err != nil {
		return err
	}
	left, right := t.arena[ls], t.arena[rs]
	left.keys = append(left.keys, right.keys...)
	left.refs = append(left.refs, right.refs...)
	p.remove(r)
	p.keys[l] = left.keys[0]
	return nil
}

func (t *MutableTree) collapseRoot() error {
	for {
		root := t.arena[t.root.slot]
		switch {
		case root.bottom || root.count() > 1:
			return nil
		case root.count() == 0:
			root.bottom = true
			return nil
		}
		slot, err := t.mutableChild(root, 0)
		if err != nil {
			return err
		}
		t.root = slotRef(slot)
	}
}

// Save writes pending leaves and pages, children first, and returns the
// address of the new root page. It must run inside a write scope.
func (t *MutableTree) Save() (int64, error) {
	if !t.changed {
		return t.RootAddress(), nil
	}
	addr, err := t.savePage(t.root.slot, true)
	if err != nil {
		return tree.NullAddress, errors.Wrapf(err, "save b-tree %d", t.StructureID())
	}
	t.savedRoot = addr
	t.changed = false
	t.cursors.Notify(nil)
	return addr, nil
}

func (t *MutableTree) savePage(slot int, isRoot bool) (int64, error) {
	p := t.arena[slot]
	l, sid := t.Log(), t.StructureID()
	addrs := make([]int64, len(p.refs))
	for i, r := range p.refs {
		var err error
		switch {
		case r.persisted():
			addrs[i] = r.address
		case p.bottom:
			addrs[i], err = l.Write(LeafType, sid, encodeLeaf(p.keys[i], r.value))
		default:
			addrs[i], err = t.savePage(r.slot, false)
		}
		if err != nil {
			return tree.NullAddress, err
		}
		p.refs[i] = persistedRef(addrs[i])
	}
	return l.Write(pageType(p.bottom, isRoot), sid, encodePage(isRoot, t.size, p.keys, addrs))
}

// Reclaim rewrites every node of the tree that lies in the address range
// of candidate and following. Nodes are always older than their parents, so
// subtrees rooted below the range are skipped without being read.
func (t *MutableTree) Reclaim(candidate log.Loggable, following iter.Seq[log.Loggable]) (bool, error) {
	lo, hi := tree.RangeOf(candidate, following)
	r := t.root
	if r.slot < 0 {
		if t.base.root == tree.NullAddress {
			return false, nil
		}
		r = persistedRef(t.base.root)
	}
	nr, changed, err := t.reclaimRef(r, lo, hi)
	if err != nil || !changed {
		return false, err
	}
	t.root = nr
	t.touch(nil)
	return true, nil
}

func (t *MutableTree) reclaimRef(r ref, lo, hi int64) (ref, bool, error) {
	if r.persisted() && r.address < lo {
		return r, false, nil
	}
	var pg page
	if r.persisted() {
		pp, err := t.base.ld.loadPage(r.address)
		if err != nil {
			return r, false, err
		}
		pg = pp
	} else {
		pg = t.arena[r.slot]
	}
	inRange := r.persisted() && r.address < hi
	updates := make(map[int]ref)
	for i := 0; i < pg.count(); i++ {
		e := pg.entry(i)
		if !pg.isBottom() {
			ne, changed, err := t.reclaimRef(e, lo, hi)
			if err != nil {
				return r, false, err
			}
			if changed {
				updates[i] = ne
			}
			continue
		}
		if !e.persisted() || e.address < lo || e.address >= hi {
			continue
		}
		_, v, length, err := t.base.ld.loadLeaf(e.address)
		if err != nil {
			return r, false, err
		}
		t.expired.Add(e.address, length)
		updates[i] = valueRef(cloneBytes(v))
	}
	if len(updates) == 0 && !inRange {
		return r, false, nil
	}
	slot := r.slot
	if r.persisted() {
		slot = t.convert(pg.(*persistedPage))
	}
	p := t.arena[slot]
	for i, u := range updates {
		p.refs[i] = u
	}
	return slotRef(slot), true, nil
}
