package tree

// Traverser is a stack-based walk over the nodes of one tree. An empty stack
// stands for a pseudo-root above the tree's root; moving down from it enters
// the root. Errors from loading nodes are sticky and reported by Err; once
// set, every Can* method returns false.
type Traverser interface {
	Reset()

	CanMoveDown() bool
	MoveDown()
	MoveDownToLast()
	CanMoveRight() bool
	MoveRight()
	CanMoveLeft() bool
	MoveLeft()
	CanMoveUp() bool
	MoveUp()

	// HasValue reports whether the current node carries an entry.
	HasValue() bool
	Key() []byte
	Value() []byte

	// MoveTo positions on key exactly.
	MoveTo(key []byte) bool
	// MoveToRange positions on the smallest key not less than key.
	MoveToRange(key []byte) bool

	Err() error
}

// First positions t on the smallest entry.
func First(t Traverser) bool {
	t.Reset()
	return advance(t, true)
}

// Next moves from the current (visited) node to the next entry in order.
func Next(t Traverser) bool {
	return advance(t, true)
}

// NextSibling moves to the next entry outside the current node's subtree.
func NextSibling(t Traverser) bool {
	return advance(t, false)
}

func advance(t Traverser, descend bool) bool {
	for t.Err() == nil {
		if descend && t.CanMoveDown() {
			t.MoveDown()
			if t.HasValue() {
				return true
			}
			continue
		}
		descend = true
		if t.CanMoveRight() {
			t.MoveRight()
			if t.HasValue() {
				return true
			}
			continue
		}
		if !t.CanMoveUp() {
			return false
		}
		t.MoveUp()
		descend = false
	}
	return false
}

// Last positions t on the greatest entry.
func Last(t Traverser) bool {
	t.Reset()
	for t.CanMoveDown() {
		t.MoveDownToLast()
	}
	if t.Err() != nil {
		return false
	}
	if t.HasValue() {
		return true
	}
	return Prev(t)
}

// Prev moves from the current node to the previous entry in order.
func Prev(t Traverser) bool {
	for t.Err() == nil {
		if t.CanMoveLeft() {
			t.MoveLeft()
			for t.CanMoveDown() {
				t.MoveDownToLast()
			}
			if t.HasValue() {
				return true
			}
			continue
		}
		if !t.CanMoveUp() {
			return false
		}
		t.MoveUp()
		if t.HasValue() {
			return true
		}
	}
	return false
}
