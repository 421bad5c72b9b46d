package gc

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	xdlog "github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree"
	"github.com/myuser/xdstore/internal/tree/btree"
	"github.com/stretchr/testify/require"
)

const storeStructure = 5

// fakeEnv keeps one B-tree and commits it the way the environment does.
type fakeEnv struct {
	t   *testing.T
	log *xdlog.Log
	c   *Collector

	mu       sync.Mutex
	root     int64
	sequence uint64
	oldest   *uint64
	failWith error
}

func newFakeEnv(t *testing.T) *fakeEnv {
	s := xdlog.NewMemoryStorage()
	l, err := xdlog.Open(xdlog.Config{FileSize: 1024, CachePageSize: 256, CacheSize: 32}, s, s)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	e := &fakeEnv{t: t, log: l, root: tree.NullAddress}
	e.c = New(Config{MinUtilization: 50, FileMinAge: 1}, e)
	return e
}

func (e *fakeEnv) Log() *xdlog.Log { return e.log }

func (e *fakeEnv) OldestActiveSequence() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.oldest == nil {
		return 0, false
	}
	return *e.oldest, true
}

func (e *fakeEnv) current() *btree.Tree {
	tr, err := btree.Open(e.log, storeStructure, e.root, btree.WithMaxPageSize(4))
	require.NoError(e.t, err)
	return tr
}

func (e *fakeEnv) BeginGCTransaction() (Transaction, error) {
	return &fakeTxn{env: e, m: e.current().MutableCopy()}, nil
}

type fakeTxn struct {
	env *fakeEnv
	m   tree.MutableTree
}

func (x *fakeTxn) MutableTree(sid int) (tree.MutableTree, bool, error) {
	if x.env.failWith != nil {
		return nil, false, x.env.failWith
	}
	if sid != storeStructure {
		return nil, false, nil
	}
	return x.m, true, nil
}

func (x *fakeTxn) Commit() (uint64, error) {
	return x.env.commit(x.m)
}

func (x *fakeTxn) Abort() {}

func (e *fakeEnv) commit(m tree.MutableTree) (uint64, error) {
	e.log.BeginWrite()
	root, err := m.Save()
	if err != nil {
		e.log.AbortWrite()
		return 0, err
	}
	if _, err := e.log.EndWrite(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.root = root
	e.sequence++
	seq := e.sequence
	e.mu.Unlock()
	e.c.FetchExpired(m.ExpiredLoggables())
	return seq, nil
}

func (e *fakeEnv) put(key, value string) {
	m := e.current().MutableCopy()
	_, err := m.Put([]byte(key), []byte(value))
	require.NoError(e.t, err)
	_, err = e.commit(m)
	require.NoError(e.t, err)
}

func (e *fakeEnv) get(key string) string {
	v, ok, err := e.current().Get([]byte(key))
	require.NoError(e.t, err)
	require.True(e.t, ok, key)
	return string(v)
}

func TestFetchExpiredPromotesPastThreshold(t *testing.T) {
	e := newFakeEnv(t)
	for i := 0; i < 100; i++ {
		e.put(fmt.Sprintf("k%d", i%3), fmt.Sprintf("value-%d", i))
	}
	require.Greater(t, len(e.log.FileAddresses()), 2)

	c := New(Config{MinUtilization: 50, FileMinAge: 1}, e)
	expired := tree.NewExpiredCollection(1024)
	expired.Add(0, 500)
	require.Equal(t, 0, c.FetchExpired(expired))
	require.Equal(t, Live, c.State(0))

	expired = tree.NewExpiredCollection(1024)
	expired.Add(10, 20)
	require.Equal(t, 1, c.FetchExpired(expired))
	require.Equal(t, Candidate, c.State(0))

	// the file being written never becomes a candidate
	active := e.log.HighFileAddress()
	expired = tree.NewExpiredCollection(1024)
	expired.Add(active, 1000)
	c.FetchExpired(expired)
	require.Equal(t, Live, c.State(active))
	require.Equal(t, []int64{0}, c.Candidates())
}

func TestFetchExpiredLosesNoUpdates(t *testing.T) {
	e := newFakeEnv(t)
	e.put("a", "b")
	c := New(Config{}, e)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				expired := tree.NewExpiredCollection(1024)
				expired.Add(int64(i%10), 1)
				c.FetchExpired(expired)
			}
		}()
	}
	wg.Wait()
	stats := c.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, int64(800), stats[0].Expired)
}

func TestCleanFileDefersDeletion(t *testing.T) {
	e := newFakeEnv(t)
	for i := 0; i < 80; i++ {
		e.put(fmt.Sprintf("k%d", i%4), fmt.Sprintf("value-%d", i))
	}
	files := e.log.FileAddresses()
	require.Greater(t, len(files), 2)
	first := files[0]

	old := e.sequence
	e.oldest = &old
	require.NoError(t, e.c.CleanFile(first))
	require.Equal(t, PendingDeletion, e.c.State(first))

	require.Equal(t, 0, e.c.DeletePendingFiles())
	require.True(t, e.log.HasFile(first))

	e.oldest = nil
	require.Equal(t, 1, e.c.DeletePendingFiles())
	require.False(t, e.log.HasFile(first))
	require.Equal(t, Deleted, e.c.State(first))

	for i := 0; i < 4; i++ {
		require.Equal(t, fmt.Sprintf("value-%d", 76+i), e.get(fmt.Sprintf("k%d", i)))
	}

	require.ErrorIs(t, e.c.CleanFile(e.log.HighFileAddress()), xdlog.ErrActiveFile)
}

func TestCleanFileFailureKeepsCandidate(t *testing.T) {
	e := newFakeEnv(t)
	for i := 0; i < 40; i++ {
		e.put("k", fmt.Sprintf("value-%d", i))
	}
	e.failWith = errors.New("boom")
	err := e.c.CleanFile(0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, Candidate, e.c.State(0))
	require.True(t, e.log.HasFile(0))
}

func TestCleanWholeLogConverges(t *testing.T) {
	e := newFakeEnv(t)
	for i := 0; i < 300; i++ {
		e.put("key", fmt.Sprintf("value-%d", i))
	}
	require.Greater(t, len(e.log.FileAddresses()), 5)

	require.NoError(t, e.c.CleanWholeLog())
	require.Len(t, e.log.FileAddresses(), 1)
	require.Equal(t, "value-299", e.get("key"))
}

func TestCleanWholeLogStopsWithLargeLiveSet(t *testing.T) {
	e := newFakeEnv(t)
	value := func(round, i int) string {
		return fmt.Sprintf("%d-%02d-%s", round, i, strings.Repeat("x", 300))
	}
	for round := 0; round < 3; round++ {
		for i := 0; i < 12; i++ {
			e.put(fmt.Sprintf("k%02d", i), value(round, i))
		}
	}
	require.Greater(t, len(e.log.FileAddresses()), 6)
	before := e.c.logSize()

	done := make(chan error, 1)
	go func() { done <- e.c.CleanWholeLog() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("CleanWholeLog did not return")
	}

	// twelve 300 byte values never fit in one 1 KB file
	require.Greater(t, len(e.log.FileAddresses()), 1)
	require.LessOrEqual(t, e.c.logSize(), before)
	for i := 0; i < 12; i++ {
		require.Equal(t, value(2, i), e.get(fmt.Sprintf("k%02d", i)))
	}
}

func TestConcurrentSweepsDeleteOnce(t *testing.T) {
	e := newFakeEnv(t)
	for i := 0; i < 80; i++ {
		e.put(fmt.Sprintf("k%d", i%4), fmt.Sprintf("value-%d", i))
	}
	files := e.log.FileAddresses()
	require.Greater(t, len(files), 3)

	old := e.sequence
	e.oldest = &old
	for _, f := range files[:3] {
		require.NoError(t, e.c.CleanFile(f))
	}
	e.oldest = nil

	var removed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removed.Add(int64(e.c.DeletePendingFiles()))
		}()
	}
	wg.Wait()
	require.Equal(t, int64(3), removed.Load())
	for _, f := range files[:3] {
		require.False(t, e.log.HasFile(f))
	}
}

func TestWorkerCleansCandidates(t *testing.T) {
	e := newFakeEnv(t)
	for i := 0; i < 100; i++ {
		e.put("key", fmt.Sprintf("value-%d", i))
	}
	before := len(e.log.FileAddresses())
	require.NotEmpty(t, e.c.Candidates())

	e.c.runOnce()
	require.Less(t, len(e.log.FileAddresses()), before)
	require.Equal(t, "value-99", e.get("key"))
	e.c.Close()
}
