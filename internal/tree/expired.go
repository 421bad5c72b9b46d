package tree

import (
	"slices"

	"github.com/myuser/xdstore/internal/log"
)

// NonAccumulatedStatsLimit is the number of individual entries a collection
// keeps before it folds them into per-file totals.
const NonAccumulatedStatsLimit = 1000

// ExpiredCollection accumulates the loggables a transaction made
// unreachable. Collections of successive saves are chained with MergeWith
// and folded into per-file byte counts once they grow large. A nil
// collection is empty.
type ExpiredCollection struct {
	fileLength int64
	parent     *ExpiredCollection
	addresses  []int64
	lengths    []int64
	// per-file totals, set once the chain was folded
	accumulated map[int64]int64
	// unfolded entries in this collection and its parents
	size int
}

// NewExpiredCollection returns an empty collection for a log with files of
// fileLength bytes.
func NewExpiredCollection(fileLength int64) *ExpiredCollection {
	return &ExpiredCollection{fileLength: fileLength}
}

// Add records the loggable at address of length bytes.
func (c *ExpiredCollection) Add(address int64, length int) {
	c.addresses = append(c.addresses, address)
	c.lengths = append(c.lengths, int64(length))
	c.size++
	c.maybeFold()
}

// AddLoggable records l.
func (c *ExpiredCollection) AddLoggable(l log.Loggable) {
	c.Add(l.Address, l.Length)
}

// Size returns the number of entries not folded yet.
func (c *ExpiredCollection) Size() int {
	if c == nil {
		return 0
	}
	return c.size
}

func (c *ExpiredCollection) isEmpty() bool {
	return c == nil || (c.parent == nil && len(c.addresses) == 0 && len(c.accumulated) == 0)
}

// MergeWith puts parent at the bottom of c's chain and returns the merged
// collection. Both collections belong to the result afterwards.
func (c *ExpiredCollection) MergeWith(parent *ExpiredCollection) *ExpiredCollection {
	if parent.isEmpty() {
		return c
	}
	if c.isEmpty() {
		return parent
	}
	var chain []*ExpiredCollection
	for n := c; n != nil; n = n.parent {
		if n == parent {
			panic("tree: merging an expired collection into itself")
		}
		chain = append(chain, n)
	}
	chain[len(chain)-1].parent = parent
	for _, n := range chain {
		n.size += parent.size
		if n.fileLength == 0 {
			n.fileLength = parent.fileLength
		}
	}
	c.maybeFold()
	return c
}

func (c *ExpiredCollection) maybeFold() {
	if c.size < NonAccumulatedStatsLimit {
		return
	}
	acc := make(map[int64]int64)
	c.ForEach(func(address, length int64) {
		acc[c.fileAddress(address)] += length
	})
	c.parent = nil
	c.addresses = nil
	c.lengths = nil
	c.accumulated = acc
	c.size = 0
}

func (c *ExpiredCollection) fileAddress(address int64) int64 {
	if c.fileLength <= 0 {
		return address
	}
	return address - address%c.fileLength
}

// ForEach calls fn for every entry, oldest first. Folded portions are
// reported as one entry per file whose address is the file's address.
func (c *ExpiredCollection) ForEach(fn func(address, length int64)) {
	if c == nil {
		return
	}
	var chain []*ExpiredCollection
	for n := c; n != nil; n = n.parent {
		chain = append(chain, n)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if len(n.accumulated) > 0 {
			files := make([]int64, 0, len(n.accumulated))
			for f := range n.accumulated {
				files = append(files, f)
			}
			slices.Sort(files)
			for _, f := range files {
				fn(f, n.accumulated[f])
			}
		}
		for j, a := range n.addresses {
			fn(a, n.lengths[j])
		}
	}
}

// PerFile returns the expired bytes per file address.
func (c *ExpiredCollection) PerFile() map[int64]int64 {
	out := make(map[int64]int64)
	if c == nil {
		return out
	}
	c.ForEach(func(address, length int64) {
		out[c.fileAddress(address)] += length
	})
	return out
}

// TotalBytes returns the sum of all expired lengths.
func (c *ExpiredCollection) TotalBytes() int64 {
	var total int64
	c.ForEach(func(_, length int64) {
		total += length
	})
	return total
}
