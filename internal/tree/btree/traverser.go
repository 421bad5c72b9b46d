package btree

import (
	"bytes"

	"github.com/myuser/xdstore/internal/tree"
)

type frame struct {
	p page
	i int
}

// traverser walks pages; entries of bottom pages carry the values.
type traverser struct {
	rootFn func() (page, error)
	root   page
	stack  []frame
	err    error
}

var _ tree.Traverser = (*traverser)(nil)

func newTraverser(rootFn func() (page, error)) *traverser {
	t := &traverser{rootFn: rootFn}
	t.Reset()
	return t
}

func (t *traverser) Reset() {
	t.stack = t.stack[:0]
	if t.err != nil {
		return
	}
	t.root, t.err = t.rootFn()
}

func (t *traverser) Err() error { return t.err }

func (t *traverser) top() *frame {
	return &t.stack[len(t.stack)-1]
}

func (t *traverser) CanMoveDown() bool {
	if t.err != nil {
		return false
	}
	if len(t.stack) == 0 {
		return t.root.count() > 0
	}
	return !t.top().p.isBottom()
}

func (t *traverser) down(last bool) {
	var p page
	if len(t.stack) == 0 {
		p = t.root
	} else {
		f := t.top()
		var err error
		if p, err = f.p.child(f.i); err != nil {
			t.err = err
			return
		}
	}
	i := 0
	if last {
		i = p.count() - 1
	}
	t.stack = append(t.stack, frame{p: p, i: i})
}

func (t *traverser) MoveDown()       { t.down(false) }
func (t *traverser) MoveDownToLast() { t.down(true) }

func (t *traverser) CanMoveRight() bool {
	return t.err == nil && len(t.stack) > 0 && t.top().i+1 < t.top().p.count()
}

func (t *traverser) MoveRight() { t.top().i++ }

func (t *traverser) CanMoveLeft() bool {
	return t.err == nil && len(t.stack) > 0 && t.top().i > 0
}

func (t *traverser) MoveLeft() { t.top().i-- }

func (t *traverser) CanMoveUp() bool {
	return t.err == nil && len(t.stack) > 0
}

func (t *traverser) MoveUp() { t.stack = t.stack[:len(t.stack)-1] }

func (t *traverser) HasValue() bool {
	return t.err == nil && len(t.stack) > 0 && t.top().p.isBottom()
}

func (t *traverser) Key() []byte {
	f := t.top()
	return f.p.key(f.i)
}

func (t *traverser) Value() []byte {
	f := t.top()
	v, err := f.p.value(f.i)
	if err != nil {
		t.err = err
		return nil
	}
	return v
}

func (t *traverser) MoveTo(key []byte) bool {
	return t.MoveToRange(key) && bytes.Equal(t.Key(), key)
}

func (t *traverser) MoveToRange(key []byte) bool {
	t.Reset()
	if t.err != nil || t.root.count() == 0 {
		return false
	}
	t.stack = append(t.stack, frame{p: t.root})
	for {
		f := t.top()
		if f.p.isBottom() {
			i := lowerBound(f.p, key)
			if i < f.p.count() {
				f.i = i
				return true
			}
			f.i = f.p.count() - 1
			return tree.Next(t)
		}
		f.i = childIndex(f.p, key)
		t.down(false)
		if t.err != nil {
			return false
		}
	}
}
