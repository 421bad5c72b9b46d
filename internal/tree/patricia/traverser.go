package patricia

import (
	"bytes"

	"github.com/myuser/xdstore/internal/tree"
)

type frame struct {
	n node
	// index among the parent's children, -1 for the root
	i int
	// length of the key before this node's bytes
	keyLen int
}

// traverser walks nodes depth-first; the key of the current node is built
// up as it descends.
type traverser struct {
	rootFn func() (node, error)
	root   node
	stack  []frame
	key    []byte
	err    error
}

var _ tree.Traverser = (*traverser)(nil)

func newTraverser(rootFn func() (node, error)) *traverser {
	t := &traverser{rootFn: rootFn}
	t.Reset()
	return t
}

func (t *traverser) Reset() {
	t.stack = t.stack[:0]
	t.key = t.key[:0]
	if t.err != nil {
		return
	}
	t.root, t.err = t.rootFn()
}

func (t *traverser) Err() error { return t.err }

func (t *traverser) top() *frame {
	return &t.stack[len(t.stack)-1]
}

func (t *traverser) parent() node {
	return t.stack[len(t.stack)-2].n
}

// enter pushes the i-th child of the current node.
func (t *traverser) enter(i int) {
	if len(t.stack) == 0 {
		t.stack = append(t.stack, frame{n: t.root, i: -1})
		t.key = append(t.key, t.root.keySequence()...)
		return
	}
	p := t.top().n
	c, err := p.child(i)
	if err != nil {
		t.err = err
		return
	}
	keyLen := len(t.key)
	t.key = append(t.key, p.childRef(i).first)
	t.key = append(t.key, c.keySequence()...)
	t.stack = append(t.stack, frame{n: c, i: i, keyLen: keyLen})
}

// shift replaces the current node with its sibling at index i.
func (t *traverser) shift(i int) {
	p := t.parent()
	c, err := p.child(i)
	if err != nil {
		t.err = err
		return
	}
	f := t.top()
	t.key = append(t.key[:f.keyLen], p.childRef(i).first)
	t.key = append(t.key, c.keySequence()...)
	f.n, f.i = c, i
}

func (t *traverser) CanMoveDown() bool {
	if t.err != nil {
		return false
	}
	if len(t.stack) == 0 {
		return !isEmpty(t.root)
	}
	return t.top().n.childCount() > 0
}

func (t *traverser) MoveDown() { t.enter(0) }

func (t *traverser) MoveDownToLast() {
	if len(t.stack) == 0 {
		t.enter(-1)
		return
	}
	t.enter(t.top().n.childCount() - 1)
}

func (t *traverser) CanMoveRight() bool {
	return t.err == nil && len(t.stack) > 1 && t.top().i+1 < t.parent().childCount()
}

func (t *traverser) MoveRight() { t.shift(t.top().i + 1) }

func (t *traverser) CanMoveLeft() bool {
	return t.err == nil && len(t.stack) > 1 && t.top().i > 0
}

func (t *traverser) MoveLeft() { t.shift(t.top().i - 1) }

func (t *traverser) CanMoveUp() bool {
	return t.err == nil && len(t.stack) > 0
}

func (t *traverser) MoveUp() {
	f := t.top()
	t.key = t.key[:f.keyLen]
	t.stack = t.stack[:len(t.stack)-1]
}

func (t *traverser) HasValue() bool {
	return t.err == nil && len(t.stack) > 0 && t.top().n.hasValue()
}

func (t *traverser) Key() []byte {
	return append(make([]byte, 0, len(t.key)), t.key...)
}

func (t *traverser) Value() []byte {
	return t.top().n.value()
}

func (t *traverser) MoveTo(key []byte) bool {
	return t.MoveToRange(key) && bytes.Equal(t.key, key)
}

// firstFromHere positions on the current node if it has a value, otherwise
// on the first entry after it.
func (t *traverser) firstFromHere() bool {
	return t.HasValue() || tree.Next(t)
}

func (t *traverser) MoveToRange(key []byte) bool {
	t.Reset()
	if t.err != nil || isEmpty(t.root) {
		return false
	}
	t.enter(-1)
	rest := key
	for {
		n := t.top().n
		ks := n.keySequence()
		m := commonPrefix(ks, rest)
		if m < len(ks) {
			if m == len(rest) || ks[m] > rest[m] {
				return t.firstFromHere()
			}
			return tree.NextSibling(t)
		}
		rest = rest[len(ks):]
		if len(rest) == 0 {
			return t.firstFromHere()
		}
		i := findChild(n, rest[0])
		if i == n.childCount() {
			return tree.NextSibling(t)
		}
		first := n.childRef(i).first
		t.enter(i)
		if t.err != nil {
			return false
		}
		if first > rest[0] {
			return t.firstFromHere()
		}
		rest = rest[1:]
	}
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
