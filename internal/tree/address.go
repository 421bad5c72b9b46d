package tree

// ExpandFunc reads the loggable at address and returns its length and the
// addresses it references.
type ExpandFunc func(address int64) (length int, children []int64, err error)

// AddressIterator walks the loggables reachable from a root, parents before
// children.
type AddressIterator struct {
	stack  []int64
	expand ExpandFunc
	addr   int64
	length int
	err    error
}

// NewAddressIterator returns an iterator starting at root. A NullAddress
// root yields nothing.
func NewAddressIterator(root int64, expand ExpandFunc) *AddressIterator {
	it := &AddressIterator{expand: expand, addr: NullAddress}
	if root != NullAddress {
		it.stack = []int64{root}
	}
	return it
}

func (it *AddressIterator) Next() bool {
	if it.err != nil || len(it.stack) == 0 {
		return false
	}
	addr := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	length, children, err := it.expand(addr)
	if err != nil {
		it.err = err
		return false
	}
	for i := len(children) - 1; i >= 0; i-- {
		it.stack = append(it.stack, children[i])
	}
	it.addr, it.length = addr, length
	return true
}

// Address returns the current loggable's address.
func (it *AddressIterator) Address() int64 { return it.addr }

// Length returns the current loggable's length.
func (it *AddressIterator) Length() int { return it.length }

func (it *AddressIterator) Err() error { return it.err }
