// Package env ties the log, the trees and the garbage collector together
// into named stores updated by transactions.
//
// Every commit writes the changed trees, the meta tree mapping store names
// to their roots and finally a database root loggable, all in one write
// scope. Opening an environment resumes from the last database root whose
// checksum matches and cuts the log after it.
package env

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/myuser/xdstore/internal/gc"
	xdlog "github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/metrics"
	"github.com/myuser/xdstore/internal/tree"
	"github.com/myuser/xdstore/internal/tree/btree"
	"github.com/myuser/xdstore/internal/tree/patricia"
)

// state is a committed database root and where it was written.
type state struct {
	root        databaseRoot
	rootAddress int64
	rootLength  int
}

func emptyState() state {
	return state{
		root:        databaseRoot{metaRoot: tree.NullAddress, lastStructureID: MetaStructureID},
		rootAddress: tree.NullAddress,
	}
}

// Env is an open environment.
type Env struct {
	cfg Config
	id  string
	log *xdlog.Log
	gc  *gc.Collector

	// held by commits and for the whole life of cleaning transactions
	commitMu sync.Mutex

	mu     sync.Mutex
	cur    state
	active map[*Transaction]struct{}
	closed bool

	lastStructureID atomic.Int64
}

var _ gc.Environment = (*Env)(nil)

// Open opens or creates the environment stored in dir. The directory is
// locked until Close.
func Open(dir string, cfg Config) (*Env, error) {
	id := uuid.NewString()
	s, err := xdlog.OpenFileStorage(dir, id)
	if err != nil {
		return nil, err
	}
	return open(cfg, id, s, s)
}

// OpenInMemory opens an environment that lives in memory only.
func OpenInMemory(cfg Config) (*Env, error) {
	s := xdlog.NewMemoryStorage()
	return OpenStorage(cfg, s, s)
}

// OpenStorage opens the environment kept by r and w.
func OpenStorage(cfg Config, r xdlog.DataReader, w xdlog.DataWriter) (*Env, error) {
	return open(cfg, uuid.NewString(), r, w)
}

func open(cfg Config, id string, r xdlog.DataReader, w xdlog.DataWriter) (*Env, error) {
	cfg = cfg.withDefaults()
	l, err := xdlog.Open(cfg.Log, r, w)
	if err != nil {
		w.Close()
		if any(r) != any(w) {
			r.Close()
		}
		return nil, err
	}
	e := &Env{
		cfg:    cfg,
		id:     id,
		log:    l,
		active: make(map[*Transaction]struct{}),
	}
	if err := e.recoverRoot(); err != nil {
		l.Close()
		return nil, err
	}
	e.lastStructureID.Store(int64(e.cur.root.lastStructureID))
	e.gc = gc.New(cfg.GC, e)
	live, err := e.utilization()
	if err != nil {
		l.Close()
		return nil, err
	}
	e.gc.ResetUtilization(live)
	if cfg.GCEnabled {
		e.gc.Start()
	}
	return e, nil
}

// recoverRoot finds the newest database root whose meta tree can be opened and
// drops everything written after it.
func (e *Env) recoverRoot() error {
	l := e.log
	files := l.FileAddresses()
	hasData := false
	for i := len(files) - 1; i >= 0; i-- {
		roots, data, err := scanRoots(l, files[i])
		if err != nil {
			e.cfg.Logger.Printf("env: scan file %d: %v", files[i], err)
		}
		hasData = hasData || data
		for j := len(roots) - 1; j >= 0; j-- {
			s := roots[j]
			if _, err := e.openMeta(s.root.metaRoot); err != nil {
				e.cfg.Logger.Printf("env: skip database root at %d: %v", s.rootAddress, err)
				continue
			}
			if end := s.rootAddress + int64(s.rootLength); end < l.HighAddress() {
				e.cfg.Logger.Printf("env: truncating log from %d to %d", l.HighAddress(), end)
				if err := l.Truncate(end); err != nil {
					return errors.Wrap(err, "env: truncate after database root")
				}
			}
			e.cur = s
			return nil
		}
	}
	if hasData {
		return errors.Wrapf(ErrCorrupted, "%d files", len(files))
	}
	e.cur = emptyState()
	return nil
}

// scanRoots returns the valid database roots of a file in log order. It
// stops at the first undecodable loggable.
func scanRoots(l *xdlog.Log, fileAddress int64) (roots []state, data bool, err error) {
	it := l.FileIterator(fileAddress)
	for it.Next() {
		data = true
		lg := it.Loggable()
		if lg.Type != DatabaseRootType || lg.StructureID != xdlog.NoStructureID {
			continue
		}
		r, err := decodeDatabaseRoot(lg.Data)
		if err != nil {
			continue
		}
		roots = append(roots, state{root: r, rootAddress: lg.Address, rootLength: lg.Length})
	}
	return roots, data, it.Err()
}

func (e *Env) openMeta(root int64) (*btree.Tree, error) {
	return btree.Open(e.log, MetaStructureID, root, btree.WithMaxPageSize(e.cfg.BTreePageSize))
}

// openTree opens the tree of a store. A NullAddress root gives an empty
// tree.
func (e *Env) openTree(info tree.MetaInfo, root int64) (tree.Tree, error) {
	var t tree.Tree
	if info.KeyPrefixing {
		p, err := patricia.Open(e.log, info.StructureID, root)
		if err != nil {
			return nil, err
		}
		t = p
	} else {
		b, err := btree.Open(e.log, info.StructureID, root, btree.WithMaxPageSize(e.cfg.BTreePageSize))
		if err != nil {
			return nil, err
		}
		t = b
	}
	if info.Duplicates {
		t = tree.NewDupTree(t)
	}
	return t, nil
}

// utilization counts the live bytes of every file from scratch.
func (e *Env) utilization() (map[int64]int64, error) {
	live := make(map[int64]int64)
	walk := func(t tree.Tree) error {
		it := t.AddressIterator()
		for it.Next() {
			live[e.log.FileAddressOf(it.Address())] += int64(it.Length())
		}
		return it.Err()
	}

	cur := e.current()
	if cur.rootAddress != tree.NullAddress {
		live[e.log.FileAddressOf(cur.rootAddress)] += int64(cur.rootLength)
	}
	meta, err := e.openMeta(cur.root.metaRoot)
	if err != nil {
		return nil, err
	}
	if err := walk(meta); err != nil {
		return nil, errors.Wrap(err, "env: walk meta tree")
	}
	c := meta.OpenCursor()
	defer c.Close()
	for c.Next() {
		name := string(c.Key())
		info, root, err := decodeStoreEntry(c.Value())
		if err != nil {
			e.cfg.Logger.Printf("env: store %q: %v", name, err)
			continue
		}
		t, err := e.openTree(info, root)
		if err == nil {
			err = walk(t)
		}
		if err != nil {
			e.cfg.Logger.Printf("env: store %q: %v", name, err)
		}
	}
	return live, c.Err()
}

func (e *Env) current() state {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

// ID returns the instance id written to the directory lock.
func (e *Env) ID() string { return e.id }

// Log returns the underlying log.
func (e *Env) Log() *xdlog.Log { return e.log }

// GC returns the garbage collector.
func (e *Env) GC() *gc.Collector { return e.gc }

// Metrics returns the registry the environment reports to. It may be nil.
func (e *Env) Metrics() *metrics.Registry { return e.cfg.Metrics }

// Sequence returns the sequence of the last commit.
func (e *Env) Sequence() uint64 { return e.current().root.sequence }

// OldestActiveSequence returns the snapshot sequence of the oldest running
// transaction.
func (e *Env) OldestActiveSequence() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var oldest uint64
	found := false
	for x := range e.active {
		if s := x.snap.root.sequence; !found || s < oldest {
			oldest, found = s, true
		}
	}
	return oldest, found
}

// Flush makes every commit durable.
func (e *Env) Flush() error {
	return e.log.Flush()
}

// Close stops the collector, waits for a running commit and closes the log.
func (e *Env) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	e.gc.Close()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.log.Close()
}
