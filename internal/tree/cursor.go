package tree

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"
)

type cursorState int

const (
	beforeFirst cursorState = iota
	onEntry
	afterLast
)

// TreeCursor is the Cursor of trees without duplicates. It drives a
// Traverser; cursors of mutable trees also remember their key so they can
// find their place again after the tree changed under them.
type TreeCursor struct {
	t        Traverser
	mutable  MutableTree
	registry *CursorRegistry

	state cursorState
	// key of the current entry, kept for mutable trees only
	key     []byte
	changed bool
	closed  bool
	err     error
}

// NewCursor returns a cursor over an immutable tree.
func NewCursor(t Traverser) *TreeCursor {
	return &TreeCursor{t: t}
}

// NewMutableCursor returns a cursor over a mutable tree and registers it
// so that it is told about changes.
func NewMutableCursor(t Traverser, tree MutableTree, registry *CursorRegistry) *TreeCursor {
	c := &TreeCursor{t: t, mutable: tree, registry: registry}
	registry.Register(c)
	return c
}

// TreeChanged marks the traverser's stack stale.
func (c *TreeCursor) TreeChanged() {
	c.changed = true
}

func (c *TreeCursor) usable() bool {
	return !c.closed && c.err == nil
}

func (c *TreeCursor) check() bool {
	if err := c.t.Err(); err != nil {
		c.err = err
		c.state = afterLast
		return false
	}
	return true
}

// settle records the outcome of a move.
func (c *TreeCursor) settle(ok bool, failed cursorState) bool {
	if !c.check() {
		return false
	}
	if !ok {
		c.state = failed
		c.key = nil
		return false
	}
	c.state = onEntry
	if c.mutable != nil {
		c.key = append(c.key[:0], c.t.Key()...)
	}
	return true
}

// resolve re-finds the remembered key after the tree changed. It reports
// whether the cursor now sits on a greater key because its own was removed.
func (c *TreeCursor) resolve() (moved bool) {
	if !c.changed {
		return false
	}
	c.changed = false
	c.t.Reset()
	if c.state != onEntry {
		return false
	}
	if !c.t.MoveToRange(c.key) {
		c.settle(false, afterLast)
		return false
	}
	exact := bytes.Equal(c.t.Key(), c.key)
	c.settle(true, afterLast)
	return !exact
}

func (c *TreeCursor) Next() bool {
	if !c.usable() {
		return false
	}
	if c.resolve() {
		return true
	}
	switch c.state {
	case afterLast:
		return false
	case beforeFirst:
		return c.settle(First(c.t), afterLast)
	}
	return c.settle(Next(c.t), afterLast)
}

func (c *TreeCursor) Prev() bool {
	if !c.usable() {
		return false
	}
	c.resolve()
	if c.state != onEntry {
		return c.Last()
	}
	return c.settle(Prev(c.t), beforeFirst)
}

func (c *TreeCursor) Last() bool {
	if !c.usable() {
		return false
	}
	c.changed = false
	return c.settle(Last(c.t), afterLast)
}

// NextDup is always false without duplicates.
func (c *TreeCursor) NextDup() bool { return false }

func (c *TreeCursor) NextNoDup() bool { return c.Next() }

// PrevDup is always false without duplicates.
func (c *TreeCursor) PrevDup() bool { return false }

func (c *TreeCursor) PrevNoDup() bool { return c.Prev() }

func (c *TreeCursor) Key() []byte {
	if !c.usable() {
		return nil
	}
	c.resolve()
	if c.state != onEntry {
		return nil
	}
	return c.t.Key()
}

func (c *TreeCursor) Value() []byte {
	if !c.usable() {
		return nil
	}
	c.resolve()
	if c.state != onEntry {
		return nil
	}
	v := c.t.Value()
	c.check()
	return v
}

// search runs move from the pseudo-root. When it fails the cursor goes back
// to where it was.
func (c *TreeCursor) search(move func() bool) bool {
	if !c.usable() {
		return false
	}
	c.resolve()
	prevState := c.state
	var prevKey []byte
	if prevState == onEntry {
		prevKey = append([]byte(nil), c.t.Key()...)
	}
	c.t.Reset()
	if move() {
		return c.settle(true, afterLast)
	}
	if !c.check() {
		return false
	}
	c.t.Reset()
	c.state = prevState
	if prevState == onEntry {
		c.settle(c.t.MoveTo(prevKey), afterLast)
	}
	return false
}

func (c *TreeCursor) SearchKey(key []byte) ([]byte, bool) {
	if !c.search(func() bool { return c.t.MoveTo(key) }) {
		return nil, false
	}
	return c.Value(), true
}

func (c *TreeCursor) SearchKeyRange(key []byte) ([]byte, bool) {
	if !c.search(func() bool { return c.t.MoveToRange(key) }) {
		return nil, false
	}
	return c.Value(), true
}

func (c *TreeCursor) SearchBoth(key, value []byte) bool {
	return c.search(func() bool {
		return c.t.MoveTo(key) && bytes.Equal(c.t.Value(), value)
	})
}

// SearchBothRange positions on key if its value is not less than value.
func (c *TreeCursor) SearchBothRange(key, value []byte) ([]byte, bool) {
	if !c.search(func() bool {
		return c.t.MoveTo(key) && bytes.Compare(c.t.Value(), value) >= 0
	}) {
		return nil, false
	}
	return c.Value(), true
}

func (c *TreeCursor) Count() int {
	if !c.usable() {
		return 0
	}
	c.resolve()
	if c.state != onEntry {
		return 0
	}
	return 1
}

// Positioned reports whether the cursor is on an entry.
func (c *TreeCursor) Positioned() bool {
	if !c.usable() {
		return false
	}
	c.resolve()
	return c.state == onEntry
}

func (c *TreeCursor) DeleteCurrent() (bool, error) {
	if c.mutable == nil {
		return false, ErrReadonlyCursor
	}
	if !c.usable() {
		return false, c.err
	}
	c.resolve()
	if c.state != onEntry {
		return false, nil
	}
	ok, err := c.mutable.DeleteSkipping(c.key, nil, c)
	if err != nil {
		return false, errors.Wrap(err, "delete current")
	}
	// the key stays remembered so the next move lands on its neighbour
	c.changed = true
	return ok, nil
}

func (c *TreeCursor) Err() error {
	return c.err
}

func (c *TreeCursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.registry != nil {
		c.registry.Unregister(c)
	}
}

// ChangeListener is told when the tree it reads changed.
type ChangeListener interface {
	TreeChanged()
}

// CursorRegistry tracks the open cursors of one mutable tree.
type CursorRegistry struct {
	mu        sync.Mutex
	listeners map[ChangeListener]struct{}
}

func (r *CursorRegistry) Register(l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[ChangeListener]struct{})
	}
	r.listeners[l] = struct{}{}
}

func (r *CursorRegistry) Unregister(l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, l)
}

// Notify tells every registered cursor but skip about a change.
func (r *CursorRegistry) Notify(skip Cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l := range r.listeners {
		if c, ok := l.(Cursor); ok && skip != nil && c == skip {
			continue
		}
		l.TreeChanged()
	}
}

// Len returns the number of open cursors.
func (r *CursorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
