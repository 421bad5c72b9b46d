// Package tree defines the trees stored in the log and the pieces shared by
// every implementation: the traverser contract, the cursor built on top of
// it, expired-loggable accounting and duplicate-key support.
package tree

import (
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/log"
)

// NullAddress is the root address of a tree that was never saved.
const NullAddress int64 = -1

var (
	ErrCorrupted      = errors.New("tree: unexpected loggable")
	ErrNotRightmost   = errors.New("tree: key is not greater than every existing key")
	ErrReadonlyCursor = errors.New("tree: cursor is read-only")
	ErrBadMetaInfo    = errors.New("tree: bad meta info")
)

// Tree is an immutable tree rooted at a log address.
type Tree interface {
	Log() *log.Log
	StructureID() int
	RootAddress() int64
	Size() int64
	IsEmpty() bool
	HasDuplicates() bool

	// Get returns the value of key, the first one for duplicate trees.
	Get(key []byte) ([]byte, bool, error)
	HasKey(key []byte) (bool, error)
	HasPair(key, value []byte) (bool, error)

	// OpenCursor returns a cursor positioned before the first entry.
	OpenCursor() Cursor
	// AddressIterator enumerates every loggable reachable from the root.
	AddressIterator() *AddressIterator
	MutableCopy() MutableTree
}

// MutableTree is a copy-on-write overlay over a Tree.
type MutableTree interface {
	Tree

	// Put overwrites the value of key, or adds the pair to a duplicate
	// tree. It reports whether the tree changed.
	Put(key, value []byte) (bool, error)
	// PutRight appends a key greater than every existing one.
	PutRight(key, value []byte) error
	// Add inserts only if neither the key (or, for duplicate trees, the
	// pair) exists.
	Add(key, value []byte) (bool, error)
	// Delete removes key with all its duplicates.
	Delete(key []byte) (bool, error)
	// DeletePair removes exactly one pair.
	DeletePair(key, value []byte) (bool, error)
	// DeleteSkipping deletes key (value == nil) or the pair and notifies
	// every open cursor but cursorToSkip.
	DeleteSkipping(key, value []byte, cursorToSkip Cursor) (bool, error)

	// Save writes the new nodes in the current write scope of the log and
	// returns the new root address.
	Save() (int64, error)
	// Reclaim rewrites the nodes that are still reachable among candidate
	// and following, all of which belong to this tree's structure.
	Reclaim(candidate log.Loggable, following iter.Seq[log.Loggable]) (bool, error)
	// ExpiredLoggables returns what the changes made unreachable.
	ExpiredLoggables() *ExpiredCollection
	IsChanged() bool
}

// Cursor walks a tree in key order. Before the first move it points before
// the first entry.
type Cursor interface {
	Next() bool
	Prev() bool
	Last() bool
	NextDup() bool
	NextNoDup() bool
	PrevDup() bool
	PrevNoDup() bool

	Key() []byte
	Value() []byte

	SearchKey(key []byte) ([]byte, bool)
	SearchKeyRange(key []byte) ([]byte, bool)
	SearchBoth(key, value []byte) bool
	SearchBothRange(key, value []byte) ([]byte, bool)

	// Count returns the number of values of the current key.
	Count() int
	// DeleteCurrent removes the current entry. Only cursors of mutable
	// trees support it.
	DeleteCurrent() (bool, error)

	Err() error
	Close()
}

// RangeOf returns the address range covered by candidate and following.
func RangeOf(candidate log.Loggable, following iter.Seq[log.Loggable]) (lo, hi int64) {
	lo, hi = candidate.Address, candidate.End()
	if following == nil {
		return lo, hi
	}
	for l := range following {
		if l.Address < lo {
			lo = l.Address
		}
		if l.End() > hi {
			hi = l.End()
		}
	}
	return lo, hi
}
