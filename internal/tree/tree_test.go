package tree

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// sliceTraverser walks sorted entries hanging directly off the pseudo-root.
type sliceTraverser struct {
	keys, values [][]byte
	depth        int
	i            int
}

func newSliceTraverser(pairs map[string]string) *sliceTraverser {
	t := &sliceTraverser{}
	var keys []string
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.keys = append(t.keys, []byte(k))
		t.values = append(t.values, []byte(pairs[k]))
	}
	return t
}

func (t *sliceTraverser) Reset()              { t.depth, t.i = 0, 0 }
func (t *sliceTraverser) CanMoveDown() bool   { return t.depth == 0 && len(t.keys) > 0 }
func (t *sliceTraverser) MoveDown()           { t.depth, t.i = 1, 0 }
func (t *sliceTraverser) MoveDownToLast()     { t.depth, t.i = 1, len(t.keys)-1 }
func (t *sliceTraverser) CanMoveRight() bool  { return t.depth == 1 && t.i+1 < len(t.keys) }
func (t *sliceTraverser) MoveRight()          { t.i++ }
func (t *sliceTraverser) CanMoveLeft() bool   { return t.depth == 1 && t.i > 0 }
func (t *sliceTraverser) MoveLeft()           { t.i-- }
func (t *sliceTraverser) CanMoveUp() bool     { return t.depth == 1 }
func (t *sliceTraverser) MoveUp()             { t.depth = 0 }
func (t *sliceTraverser) HasValue() bool      { return t.depth == 1 }
func (t *sliceTraverser) Key() []byte         { return t.keys[t.i] }
func (t *sliceTraverser) Value() []byte       { return t.values[t.i] }
func (t *sliceTraverser) Err() error          { return nil }
func (t *sliceTraverser) MoveTo(k []byte) bool {
	return t.MoveToRange(k) && bytes.Equal(t.Key(), k)
}

func (t *sliceTraverser) MoveToRange(k []byte) bool {
	i := sort.Search(len(t.keys), func(i int) bool { return bytes.Compare(t.keys[i], k) >= 0 })
	if i == len(t.keys) {
		return false
	}
	t.depth, t.i = 1, i
	return true
}

func TestCursorOrder(t *testing.T) {
	c := NewCursor(newSliceTraverser(map[string]string{"b": "2", "a": "1", "c": "3"}))
	defer c.Close()

	var got []string
	for c.Next() {
		got = append(got, string(c.Key())+"="+string(c.Value()))
	}
	require.Equal(t, []string{"a=1", "b=2", "c=3"}, got)
	require.False(t, c.Next())

	require.True(t, c.Prev())
	require.Equal(t, "c", string(c.Key()))
	require.True(t, c.Prev())
	require.True(t, c.Prev())
	require.Equal(t, "a", string(c.Key()))
	require.False(t, c.Prev())

	require.True(t, c.Last())
	require.Equal(t, "c", string(c.Key()))
	require.Equal(t, 1, c.Count())
	require.False(t, c.NextDup())

	_, err := c.DeleteCurrent()
	require.ErrorIs(t, err, ErrReadonlyCursor)
}

func TestCursorSearchRestoresOnMiss(t *testing.T) {
	c := NewCursor(newSliceTraverser(map[string]string{"a": "1", "c": "3", "e": "5"}))
	defer c.Close()

	v, ok := c.SearchKey([]byte("c"))
	require.True(t, ok)
	require.Equal(t, "3", string(v))

	_, ok = c.SearchKey([]byte("d"))
	require.False(t, ok)
	require.Equal(t, "c", string(c.Key()))

	v, ok = c.SearchKeyRange([]byte("d"))
	require.True(t, ok)
	require.Equal(t, "5", string(v))

	_, ok = c.SearchKeyRange([]byte("f"))
	require.False(t, ok)
	require.Equal(t, "e", string(c.Key()))

	require.True(t, c.SearchBoth([]byte("a"), []byte("1")))
	require.False(t, c.SearchBoth([]byte("c"), []byte("x")))
	require.Equal(t, "a", string(c.Key()))

	v, ok = c.SearchBothRange([]byte("c"), []byte("2"))
	require.True(t, ok)
	require.Equal(t, "3", string(v))
	_, ok = c.SearchBothRange([]byte("c"), []byte("4"))
	require.False(t, ok)
}

func TestCursorEmpty(t *testing.T) {
	c := NewCursor(newSliceTraverser(nil))
	require.False(t, c.Next())
	require.False(t, c.Prev())
	require.False(t, c.Last())
	require.Nil(t, c.Key())
	require.Equal(t, 0, c.Count())
}

func TestCompositeKeys(t *testing.T) {
	pairs := [][2]string{
		{"", ""},
		{"", "\x00"},
		{"a", ""},
		{"a", "\x00\x01"},
		{"a", "b"},
		{"a\x00", ""},
		{"a\x00b", "z"},
		{"a\x01", ""},
		{"b", "\xff"},
	}
	var prev []byte
	for _, p := range pairs {
		ck := compositeKey([]byte(p[0]), []byte(p[1]))
		if prev != nil {
			require.Negative(t, bytes.Compare(prev, ck), "%q", p)
		}
		prev = ck

		k, v, err := splitComposite(ck)
		require.NoError(t, err)
		require.Equal(t, p[0], string(k))
		require.Equal(t, p[1], string(v))

		require.GreaterOrEqual(t, bytes.Compare(ck, compositePrefix([]byte(p[0]))), 0)
		require.Negative(t, bytes.Compare(ck, compositeLimit([]byte(p[0]))))
	}

	_, _, err := splitComposite([]byte("abc"))
	require.ErrorIs(t, err, ErrCorrupted)
	_, _, err = splitComposite([]byte{'a', 0, 7})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestMetaInfoRoundTrip(t *testing.T) {
	for _, m := range []MetaInfo{
		{StructureID: 1},
		{Duplicates: true, StructureID: 300},
		{Duplicates: true, KeyPrefixing: true, StructureID: 1 << 20},
	} {
		b := m.Encode([]byte("prefix"))
		got, n, err := DecodeMetaInfo(b[len("prefix"):])
		require.NoError(t, err)
		require.Equal(t, m, got)
		require.Equal(t, len(b)-len("prefix"), n)
	}

	_, _, err := DecodeMetaInfo(nil)
	require.ErrorIs(t, err, ErrBadMetaInfo)
	_, _, err = DecodeMetaInfo([]byte{0x04, 0x80, 0x81})
	require.ErrorIs(t, err, ErrBadMetaInfo)
	_, _, err = DecodeMetaInfo([]byte{0x01, 0x81, 0x81})
	require.ErrorIs(t, err, ErrBadMetaInfo)
}

func TestAddressIterator(t *testing.T) {
	graph := map[int64][]int64{30: {10, 20}, 20: {15}, 10: nil, 15: nil}
	it := NewAddressIterator(30, func(a int64) (int, []int64, error) {
		return int(a), graph[a], nil
	})
	var got []int64
	total := 0
	for it.Next() {
		got = append(got, it.Address())
		total += it.Length()
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{30, 10, 20, 15}, got)
	require.Equal(t, 75, total)

	require.False(t, NewAddressIterator(NullAddress, nil).Next())
}

type expiredEntry struct {
	address, length int64
}

func randomExpired(r *rand.Rand, n int) []expiredEntry {
	out := make([]expiredEntry, n)
	for i := range out {
		out[i] = expiredEntry{r.Int63n(64 * 1024), 1 + r.Int63n(100)}
	}
	return out
}

func collection(entries []expiredEntry) *ExpiredCollection {
	c := NewExpiredCollection(1024)
	for _, e := range entries {
		c.Add(e.address, int(e.length))
	}
	return c
}

func TestExpiredFoldsAtLimit(t *testing.T) {
	c := NewExpiredCollection(1024)
	for i := 0; i < NonAccumulatedStatsLimit-1; i++ {
		c.Add(int64(i*10), 10)
	}
	require.Equal(t, NonAccumulatedStatsLimit-1, c.Size())
	c.Add(5000, 7)
	require.Equal(t, 0, c.Size())

	perFile := c.PerFile()
	var total int64
	for f, n := range perFile {
		require.Zero(t, f%1024)
		total += n
	}
	require.Equal(t, int64((NonAccumulatedStatsLimit-1)*10+7), total)
	require.Equal(t, total, c.TotalBytes())
}

// Merging keeps the per-file totals whatever the grouping.
func TestExpiredMergeIsAssociative(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		a := randomExpired(r, r.Intn(900))
		b := randomExpired(r, r.Intn(900))
		c := randomExpired(r, r.Intn(900))

		left := collection(c).MergeWith(collection(b).MergeWith(collection(a)))
		right := collection(c).MergeWith(collection(b)).MergeWith(collection(a))

		require.Equal(t, left.PerFile(), right.PerFile())
		require.Equal(t, left.TotalBytes(), right.TotalBytes())

		var want int64
		for _, set := range [][]expiredEntry{a, b, c} {
			for _, e := range set {
				want += e.length
			}
		}
		require.Equal(t, want, left.TotalBytes())
	}
}

func TestExpiredMergeOrderAndEmpty(t *testing.T) {
	older := NewExpiredCollection(1024)
	older.Add(1, 1)
	newer := NewExpiredCollection(1024)
	newer.Add(2, 2)

	var nilCollection *ExpiredCollection
	require.Same(t, newer, newer.MergeWith(nilCollection))
	require.Same(t, older, nilCollection.MergeWith(older))

	merged := newer.MergeWith(older)
	var got []int64
	merged.ForEach(func(address, _ int64) { got = append(got, address) })
	require.Equal(t, []int64{1, 2}, got)
	require.Equal(t, 2, merged.Size())
}
