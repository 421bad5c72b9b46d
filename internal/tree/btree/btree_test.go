package btree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
	"github.com/stretchr/testify/require"
)

const testStructure = 7

func newLog(t *testing.T) *log.Log {
	t.Helper()
	s := log.NewMemoryStorage()
	l, err := log.Open(log.Config{FileSize: 1 << 20, CachePageSize: 4096, CacheSize: 64}, s, s)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// commit saves m in its own write scope and reopens the result.
func commit(t *testing.T, m tree.MutableTree) *Tree {
	t.Helper()
	l := m.Log()
	l.BeginWrite()
	root, err := m.Save()
	if err != nil {
		l.AbortWrite()
		require.NoError(t, err)
	}
	_, err = l.EndWrite()
	require.NoError(t, err)
	out, err := Open(l, testStructure, root, WithMaxPageSize(4))
	require.NoError(t, err)
	return out
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%05d", i)) }

func collect(t *testing.T, tr tree.Tree) []string {
	t.Helper()
	c := tr.OpenCursor()
	defer c.Close()
	var out []string
	for c.Next() {
		out = append(out, string(c.Key())+"="+string(c.Value()))
	}
	require.NoError(t, c.Err())
	return out
}

func reachableBytes(t *testing.T, tr tree.Tree) int64 {
	t.Helper()
	var total int64
	it := tr.AddressIterator()
	for it.Next() {
		total += int64(it.Length())
	}
	require.NoError(t, it.Err())
	return total
}

func TestPutGetDeleteAcrossSaves(t *testing.T) {
	l := newLog(t)
	tr := New(l, testStructure, WithMaxPageSize(4))
	want := map[string]string{}
	r := rand.New(rand.NewSource(3))

	for round := 0; round < 10; round++ {
		m := tr.MutableCopy()
		for i := 0; i < 60; i++ {
			k := key(r.Intn(200))
			if r.Intn(3) == 0 {
				ok, err := m.Delete(k)
				require.NoError(t, err)
				_, had := want[string(k)]
				require.Equal(t, had, ok)
				delete(want, string(k))
				continue
			}
			v := fmt.Sprintf("v%d-%d", round, i)
			_, err := m.Put(k, []byte(v))
			require.NoError(t, err)
			want[string(k)] = v
		}
		require.Equal(t, int64(len(want)), m.Size())
		tr = commit(t, m)
		require.Equal(t, int64(len(want)), tr.Size())

		var expect []string
		for k, v := range want {
			expect = append(expect, k+"="+v)
		}
		sort.Strings(expect)
		require.Equal(t, expect, collect(t, tr))

		for k, v := range want {
			got, ok, err := tr.Get([]byte(k))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, v, string(got))
		}
	}
}

func TestMutableCopyIsIsolated(t *testing.T) {
	l := newLog(t)
	m := New(l, testStructure, WithMaxPageSize(4)).MutableCopy()
	for i := 0; i < 20; i++ {
		_, err := m.Put(key(i), []byte("old"))
		require.NoError(t, err)
	}
	base := commit(t, m)

	m2 := base.MutableCopy()
	_, err := m2.Put(key(3), []byte("new"))
	require.NoError(t, err)
	_, err = m2.Delete(key(4))
	require.NoError(t, err)
	_, err = m2.Put(key(100), []byte("added"))
	require.NoError(t, err)

	v, ok, err := base.Get(key(3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", string(v))
	ok, err = base.HasKey(key(4))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(20), base.Size())

	v, _, _ = m2.Get(key(3))
	require.Equal(t, "new", string(v))
	require.Equal(t, int64(20), m2.Size())
}

func TestPutSemantics(t *testing.T) {
	l := newLog(t)
	m := New(l, testStructure).MutableCopy()

	changed, err := m.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = m.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.False(t, changed)

	added, err := m.Add([]byte("a"), []byte("2"))
	require.NoError(t, err)
	require.False(t, added)

	require.NoError(t, m.PutRight([]byte("b"), []byte("3")))
	require.ErrorIs(t, m.PutRight([]byte("b"), []byte("4")), tree.ErrNotRightmost)

	ok, err := m.DeletePair([]byte("a"), []byte("2"))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = m.DeletePair([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.HasPair([]byte("b"), []byte("3"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), m.Size())
}

// Every byte written is either reachable from the latest root or reported
// as expired exactly once.
func TestExpiredAccountsForEveryByte(t *testing.T) {
	l := newLog(t)
	tr := New(l, testStructure, WithMaxPageSize(4))
	r := rand.New(rand.NewSource(9))
	var expired int64

	for round := 0; round < 15; round++ {
		m := tr.MutableCopy()
		for i := 0; i < 40; i++ {
			k := key(r.Intn(120))
			if r.Intn(4) == 0 {
				_, err := m.Delete(k)
				require.NoError(t, err)
				continue
			}
			_, err := m.Put(k, []byte(fmt.Sprintf("%d/%d", round, i)))
			require.NoError(t, err)
		}
		require.Equal(t, reachableBytes(t, tr), reachableBytes(t, m))
		tr = commit(t, m)
		// after Save the mutable tree walks what it saved
		require.Equal(t, reachableBytes(t, tr), reachableBytes(t, m))
		expired += m.ExpiredLoggables().TotalBytes()
		require.Equal(t, l.HighAddress(), reachableBytes(t, tr)+expired, "round %d", round)
	}
}

func TestReclaimMovesLiveNodes(t *testing.T) {
	l := newLog(t)
	m := New(l, testStructure, WithMaxPageSize(4)).MutableCopy()
	for i := 0; i < 50; i++ {
		_, err := m.Put(key(i), []byte("first"))
		require.NoError(t, err)
	}
	tr := commit(t, m)
	firstEnd := l.HighAddress()
	expired := m.ExpiredLoggables().TotalBytes()

	m = tr.MutableCopy()
	for i := 0; i < 50; i += 10 {
		_, err := m.Put(key(i), []byte("second"))
		require.NoError(t, err)
	}
	tr = commit(t, m)
	expired += m.ExpiredLoggables().TotalBytes()
	before := collect(t, tr)

	m = tr.MutableCopy()
	candidate := log.Loggable{Address: 0, Length: int(firstEnd)}
	changed, err := m.Reclaim(candidate, nil)
	require.NoError(t, err)
	require.True(t, changed)
	tr = commit(t, m)
	expired += m.ExpiredLoggables().TotalBytes()

	require.Equal(t, before, collect(t, tr))
	it := tr.AddressIterator()
	for it.Next() {
		require.GreaterOrEqual(t, it.Address(), firstEnd)
	}
	require.NoError(t, it.Err())
	require.Equal(t, l.HighAddress(), reachableBytes(t, tr)+expired)

	m = tr.MutableCopy()
	changed, err = m.Reclaim(candidate, nil)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestCursorDeleteWhileIterating(t *testing.T) {
	l := newLog(t)
	m := New(l, testStructure, WithMaxPageSize(4)).MutableCopy()
	for i := 0; i < 30; i++ {
		_, err := m.Put(key(i), []byte{byte(i)})
		require.NoError(t, err)
	}

	c := m.OpenCursor()
	other := m.OpenCursor()
	_, ok := other.SearchKey(key(9))
	require.True(t, ok)

	var seen int
	for c.Next() {
		seen++
		if c.Value()[0]%3 == 0 {
			ok, err := c.DeleteCurrent()
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	require.NoError(t, c.Err())
	require.Equal(t, 30, seen)
	require.Equal(t, int64(20), m.Size())

	// key 9 is gone; the other cursor lands on its successor
	require.Equal(t, key(10), other.Key())
	require.True(t, other.Prev())
	require.Equal(t, key(8), other.Key())
	c.Close()
	other.Close()

	for i := 0; i < 30; i++ {
		ok, err := m.HasKey(key(i))
		require.NoError(t, err)
		require.Equal(t, i%3 != 0, ok, "key %d", i)
	}
}

func TestCursorNavigation(t *testing.T) {
	l := newLog(t)
	m := New(l, testStructure, WithMaxPageSize(4)).MutableCopy()
	for i := 0; i < 100; i += 2 {
		require.NoError(t, m.PutRight(key(i), []byte("v")))
	}
	tr := commit(t, m)

	c := tr.OpenCursor()
	defer c.Close()
	require.True(t, c.Last())
	require.Equal(t, key(98), c.Key())

	_, ok := c.SearchKeyRange(key(31))
	require.True(t, ok)
	require.Equal(t, key(32), c.Key())

	require.True(t, c.Prev())
	require.Equal(t, key(30), c.Key())

	_, ok = c.SearchKeyRange(key(99))
	require.False(t, ok)
	require.Equal(t, key(30), c.Key())

	n := 1
	for c.Prev() {
		n++
	}
	require.Equal(t, 16, n)
}

func TestDuplicatesOverBTree(t *testing.T) {
	l := newLog(t)
	m := tree.NewDupMutableTree(New(l, testStructure, WithMaxPageSize(4)).MutableCopy())
	for _, p := range [][2]string{{"a", "3"}, {"a", "1"}, {"b", "x"}, {"a", "2"}, {"c", "y"}} {
		ok, err := m.Put([]byte(p[0]), []byte(p[1]))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Put([]byte("a"), []byte("2"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(5), m.Size())

	// Add refuses only an existing pair, not another value of the key
	ok, err = m.Add([]byte("b"), []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = m.Add([]byte("c"), []byte("z"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.HasPair([]byte("c"), []byte("z"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.DeletePair([]byte("c"), []byte("z"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), m.Size())

	c := m.OpenCursor()
	v, found := c.SearchKey([]byte("a"))
	require.True(t, found)
	require.Equal(t, "1", string(v))
	require.Equal(t, 3, c.Count())
	require.True(t, c.NextDup())
	require.True(t, c.NextDup())
	require.Equal(t, "3", string(c.Value()))
	require.False(t, c.NextDup())
	require.Equal(t, "3", string(c.Value()))
	require.True(t, c.NextNoDup())
	require.Equal(t, "b", string(c.Key()))
	require.True(t, c.PrevNoDup())
	require.Equal(t, "a", string(c.Key()))
	require.Equal(t, "3", string(c.Value()))
	c.Close()

	ok, err = m.Delete([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), m.Size())

	saved := commit(t, m)
	require.Equal(t, []string{"b\x00\x01x=", "c\x00\x01y="}, collect(t, saved))
	dups := tree.NewDupTree(saved)
	ok, err = dups.HasPair([]byte("c"), []byte("y"))
	require.NoError(t, err)
	require.True(t, ok)
}
