package tree

import (
	"bytes"
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/log"
)

// Duplicate trees store every pair as one composite key in an inner tree:
//
//	escape(key) 0x00 0x01 value
//
// where escape doubles every 0x00 of key as 0x00 0xFF. Composite keys sort
// by key, then by value.

func escapeKey(dst, key []byte) []byte {
	for _, b := range key {
		if b == 0 {
			dst = append(dst, 0, 0xFF)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// compositePrefix is the smallest composite key of key.
func compositePrefix(key []byte) []byte {
	return append(escapeKey(make([]byte, 0, len(key)+2), key), 0, 1)
}

// compositeLimit is greater than every composite key of key and not greater
// than any composite key of a greater key.
func compositeLimit(key []byte) []byte {
	return append(escapeKey(make([]byte, 0, len(key)+2), key), 0, 2)
}

func compositeKey(key, value []byte) []byte {
	out := escapeKey(make([]byte, 0, len(key)+len(value)+2), key)
	out = append(out, 0, 1)
	return append(out, value...)
}

func splitComposite(c []byte) (key, value []byte, err error) {
	key = make([]byte, 0, len(c))
	for i := 0; i < len(c); i++ {
		if c[i] != 0 {
			key = append(key, c[i])
			continue
		}
		if i+1 >= len(c) {
			break
		}
		switch c[i+1] {
		case 0xFF:
			key = append(key, 0)
			i++
		case 0x01:
			return key, c[i+2:], nil
		default:
			return nil, nil, errors.Wrapf(ErrCorrupted, "composite key %x", c)
		}
	}
	return nil, nil, errors.Wrapf(ErrCorrupted, "composite key %x has no separator", c)
}

// DupTree exposes a tree of composite keys as a tree with duplicates.
type DupTree struct {
	inner Tree
}

// NewDupTree wraps inner, whose keys are composite.
func NewDupTree(inner Tree) *DupTree {
	return &DupTree{inner: inner}
}

func (t *DupTree) Log() *log.Log       { return t.inner.Log() }
func (t *DupTree) StructureID() int    { return t.inner.StructureID() }
func (t *DupTree) RootAddress() int64  { return t.inner.RootAddress() }
func (t *DupTree) Size() int64         { return t.inner.Size() }
func (t *DupTree) IsEmpty() bool       { return t.inner.IsEmpty() }
func (t *DupTree) HasDuplicates() bool { return true }

func (t *DupTree) Get(key []byte) ([]byte, bool, error) {
	c := t.OpenCursor()
	defer c.Close()
	v, ok := c.SearchKey(key)
	return v, ok, c.Err()
}

func (t *DupTree) HasKey(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func (t *DupTree) HasPair(key, value []byte) (bool, error) {
	return t.inner.HasKey(compositeKey(key, value))
}

func (t *DupTree) OpenCursor() Cursor {
	return &dupCursor{inner: t.inner.OpenCursor()}
}

func (t *DupTree) AddressIterator() *AddressIterator {
	return t.inner.AddressIterator()
}

func (t *DupTree) MutableCopy() MutableTree {
	return NewDupMutableTree(t.inner.MutableCopy())
}

// DupMutableTree is the mutable counterpart of DupTree.
type DupMutableTree struct {
	DupTree
	inner MutableTree
}

// NewDupMutableTree wraps inner, whose keys are composite.
func NewDupMutableTree(inner MutableTree) *DupMutableTree {
	return &DupMutableTree{DupTree: DupTree{inner: inner}, inner: inner}
}

func (t *DupMutableTree) MutableCopy() MutableTree { return t }

// Put adds the pair; existing pairs are left alone.
func (t *DupMutableTree) Put(key, value []byte) (bool, error) {
	return t.inner.Add(compositeKey(key, value), nil)
}

func (t *DupMutableTree) PutRight(key, value []byte) error {
	return t.inner.PutRight(compositeKey(key, value), nil)
}

// Add inserts the pair unless that exact pair exists. Other values of key
// do not prevent it.
func (t *DupMutableTree) Add(key, value []byte) (bool, error) {
	return t.inner.Add(compositeKey(key, value), nil)
}

func (t *DupMutableTree) Delete(key []byte) (bool, error) {
	return t.DeleteSkipping(key, nil, nil)
}

func (t *DupMutableTree) DeletePair(key, value []byte) (bool, error) {
	return t.inner.DeleteSkipping(compositeKey(key, value), nil, nil)
}

func (t *DupMutableTree) DeleteSkipping(key, value []byte, cursorToSkip Cursor) (bool, error) {
	if value != nil {
		return t.inner.DeleteSkipping(compositeKey(key, value), nil, unwrapCursor(cursorToSkip))
	}
	composites, err := t.composites(key)
	if err != nil {
		return false, err
	}
	for _, ck := range composites {
		ok, err := t.inner.DeleteSkipping(ck, nil, unwrapCursor(cursorToSkip))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errors.Wrapf(ErrCorrupted, "duplicate of %q vanished during delete", key)
		}
	}
	return len(composites) > 0, nil
}

func (t *DupMutableTree) composites(key []byte) ([][]byte, error) {
	c := t.inner.OpenCursor()
	defer c.Close()
	var out [][]byte
	limit := compositeLimit(key)
	if _, ok := c.SearchKeyRange(compositePrefix(key)); ok {
		for {
			k := c.Key()
			if bytes.Compare(k, limit) >= 0 {
				break
			}
			out = append(out, append([]byte(nil), k...))
			if !c.Next() {
				break
			}
		}
	}
	return out, c.Err()
}

func (t *DupMutableTree) Save() (int64, error) { return t.inner.Save() }

func (t *DupMutableTree) Reclaim(candidate log.Loggable, following iter.Seq[log.Loggable]) (bool, error) {
	return t.inner.Reclaim(candidate, following)
}

func (t *DupMutableTree) ExpiredLoggables() *ExpiredCollection { return t.inner.ExpiredLoggables() }
func (t *DupMutableTree) IsChanged() bool                      { return t.inner.IsChanged() }

func unwrapCursor(c Cursor) Cursor {
	if dc, ok := c.(*dupCursor); ok {
		return dc.inner
	}
	return c
}

// dupCursor walks composite keys and presents them as pairs.
type dupCursor struct {
	inner Cursor
	err   error
}

func (c *dupCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.inner.Err()
}

func (c *dupCursor) Close() { c.inner.Close() }

func (c *dupCursor) current() (key, value []byte, ok bool) {
	ck := c.inner.Key()
	if ck == nil || c.err != nil {
		return nil, nil, false
	}
	key, value, err := splitComposite(ck)
	if err != nil {
		c.err = err
		return nil, nil, false
	}
	return key, value, true
}

func (c *dupCursor) Key() []byte {
	k, _, _ := c.current()
	return k
}

func (c *dupCursor) Value() []byte {
	_, v, _ := c.current()
	return v
}

func (c *dupCursor) Next() bool { return c.inner.Next() && c.err == nil }
func (c *dupCursor) Prev() bool { return c.inner.Prev() && c.err == nil }
func (c *dupCursor) Last() bool { return c.inner.Last() && c.err == nil }

// restore moves the inner cursor back onto composite key ck.
func (c *dupCursor) restore(ck []byte) {
	if ck != nil {
		c.inner.SearchKey(ck)
	}
}

func (c *dupCursor) sameKeyMove(move func() bool) bool {
	key, _, ok := c.current()
	if !ok {
		return false
	}
	saved := append([]byte(nil), c.inner.Key()...)
	if move() {
		if k, _, ok := c.current(); ok && bytes.Equal(k, key) {
			return true
		}
	}
	c.restore(saved)
	return false
}

func (c *dupCursor) NextDup() bool { return c.sameKeyMove(c.inner.Next) }
func (c *dupCursor) PrevDup() bool { return c.sameKeyMove(c.inner.Prev) }

func (c *dupCursor) NextNoDup() bool {
	key, _, ok := c.current()
	if !ok {
		return c.Next()
	}
	_, found := c.inner.SearchKeyRange(compositeLimit(key))
	return found && c.err == nil
}

func (c *dupCursor) PrevNoDup() bool {
	key, _, ok := c.current()
	if !ok {
		return c.Prev()
	}
	saved := append([]byte(nil), c.inner.Key()...)
	if _, found := c.inner.SearchKeyRange(compositePrefix(key)); found && c.inner.Prev() {
		return c.err == nil
	}
	c.restore(saved)
	return false
}

func (c *dupCursor) SearchKey(key []byte) ([]byte, bool) {
	saved := append([]byte(nil), c.inner.Key()...)
	if _, found := c.inner.SearchKeyRange(compositePrefix(key)); found {
		if k, v, ok := c.current(); ok && bytes.Equal(k, key) {
			return v, true
		}
		c.restore(saved)
	}
	return nil, false
}

func (c *dupCursor) SearchKeyRange(key []byte) ([]byte, bool) {
	if _, found := c.inner.SearchKeyRange(compositePrefix(key)); !found {
		return nil, false
	}
	_, v, ok := c.current()
	return v, ok
}

func (c *dupCursor) SearchBoth(key, value []byte) bool {
	_, found := c.inner.SearchKey(compositeKey(key, value))
	return found
}

func (c *dupCursor) SearchBothRange(key, value []byte) ([]byte, bool) {
	saved := append([]byte(nil), c.inner.Key()...)
	if _, found := c.inner.SearchKeyRange(compositeKey(key, value)); found {
		if k, v, ok := c.current(); ok && bytes.Equal(k, key) {
			return v, true
		}
		c.restore(saved)
	}
	return nil, false
}

func (c *dupCursor) Count() int {
	key, _, ok := c.current()
	if !ok {
		return 0
	}
	saved := append([]byte(nil), c.inner.Key()...)
	defer c.restore(saved)
	n := 0
	limit := compositeLimit(key)
	if _, found := c.inner.SearchKeyRange(compositePrefix(key)); !found {
		return 0
	}
	for {
		if bytes.Compare(c.inner.Key(), limit) >= 0 {
			break
		}
		n++
		if !c.inner.Next() {
			break
		}
	}
	return n
}

func (c *dupCursor) DeleteCurrent() (bool, error) {
	return c.inner.DeleteCurrent()
}
