package env

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/gc"
	xdlog "github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/metrics"
	"github.com/myuser/xdstore/internal/tree"
	"github.com/myuser/xdstore/internal/tree/btree"
)

// maxUpdateAttempts bounds the retries of Update on conflicts.
const maxUpdateAttempts = 16

// storeState is a store as one transaction sees it.
type storeState struct {
	name string
	info tree.MetaInfo
	// meta tree value at the snapshot, nil if the store did not exist
	entry   []byte
	base    tree.Tree
	mutable tree.MutableTree
	created bool
	removed bool
	// tree of a store removed and created again in the same transaction
	dropped tree.Tree
}

func (st *storeState) view() tree.Tree {
	if st.mutable != nil {
		return st.mutable
	}
	return st.base
}

func (st *storeState) mutableTree() tree.MutableTree {
	if st.mutable == nil {
		st.mutable = st.base.MutableCopy()
	}
	return st.mutable
}

func (st *storeState) touched() bool {
	return st.created || st.removed || (st.mutable != nil && st.mutable.IsChanged())
}

// Transaction is a snapshot of the environment plus the changes made on top
// of it. A transaction must not be used from several goroutines at once.
type Transaction struct {
	env       *Env
	snap      state
	readonly  bool
	exclusive bool
	finished  bool

	meta    *btree.Tree
	metaMut tree.MutableTree
	stores  map[string]*storeState
	names   map[int]string

	lastStructureID int
}

// BeginTransaction starts a read-write transaction on the latest commit.
func (e *Env) BeginTransaction() (*Transaction, error) {
	return e.begin(false, false)
}

// BeginReadonlyTransaction starts a transaction that only reads.
func (e *Env) BeginReadonlyTransaction() (*Transaction, error) {
	return e.begin(true, false)
}

// BeginGCTransaction starts a cleaning transaction. It keeps other commits
// out until it finishes.
func (e *Env) BeginGCTransaction() (gc.Transaction, error) {
	x, err := e.begin(false, true)
	if err != nil {
		return nil, err
	}
	return gcTransaction{x}, nil
}

func (e *Env) begin(readonly, exclusive bool) (*Transaction, error) {
	if exclusive {
		e.commitMu.Lock()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if exclusive {
			e.commitMu.Unlock()
		}
		return nil, ErrClosed
	}
	x := &Transaction{
		env:       e,
		snap:      e.cur,
		readonly:  readonly,
		exclusive: exclusive,
		stores:    make(map[string]*storeState),
	}
	e.active[x] = struct{}{}
	e.mu.Unlock()

	meta, err := e.openMeta(x.snap.root.metaRoot)
	if err != nil {
		x.finish()
		return nil, err
	}
	x.meta = meta
	return x, nil
}

// Sequence returns the sequence of the commit the transaction started from.
func (x *Transaction) Sequence() uint64 { return x.snap.root.sequence }

func (x *Transaction) IsReadonly() bool { return x.readonly }

func (x *Transaction) IsFinished() bool { return x.finished }

func (x *Transaction) checkWritable() error {
	if x.finished {
		return ErrFinished
	}
	if x.readonly {
		return ErrReadonly
	}
	return nil
}

func (x *Transaction) checkOpen() error {
	if x.finished {
		return ErrFinished
	}
	return nil
}

func (x *Transaction) metaMutable() tree.MutableTree {
	if x.metaMut == nil {
		x.metaMut = x.meta.MutableCopy()
	}
	return x.metaMut
}

// store returns the state of an existing store, loading it from the
// snapshot on first use.
func (x *Transaction) store(name string) (*storeState, error) {
	if st, ok := x.stores[name]; ok {
		if st.removed {
			return nil, errors.Wrapf(ErrStoreNotFound, "%q", name)
		}
		return st, nil
	}
	entry, ok, err := x.meta.Get([]byte(name))
	if err != nil {
		return nil, errors.Wrapf(err, "look up store %q", name)
	}
	if !ok {
		return nil, errors.Wrapf(ErrStoreNotFound, "%q", name)
	}
	info, root, err := decodeStoreEntry(entry)
	if err != nil {
		return nil, errors.Wrapf(err, "store %q", name)
	}
	t, err := x.env.openTree(info, root)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", name)
	}
	st := &storeState{name: name, info: info, entry: entry, base: t}
	x.stores[name] = st
	return st, nil
}

func (x *Transaction) createStore(name string, cfg StoreConfig) (*storeState, error) {
	sid := int(x.env.lastStructureID.Add(1))
	if sid > x.lastStructureID {
		x.lastStructureID = sid
	}
	info := tree.MetaInfo{Duplicates: cfg.Duplicates, KeyPrefixing: cfg.KeyPrefixing, StructureID: sid}
	t, err := x.env.openTree(info, tree.NullAddress)
	if err != nil {
		return nil, err
	}
	st := &storeState{name: name, info: info, base: t, created: true}
	st.mutableTree()
	if old, ok := x.stores[name]; ok {
		st.entry = old.entry
		if !old.created {
			st.dropped = old.base
		} else {
			st.dropped = old.dropped
		}
	} else {
		entry, _, err := x.meta.Get([]byte(name))
		if err != nil {
			return nil, err
		}
		st.entry = entry
	}
	x.stores[name] = st
	return st, nil
}

// storeName maps a structure id to the name of the store using it in the
// snapshot.
func (x *Transaction) storeName(structureID int) (string, bool, error) {
	if x.names == nil {
		x.names = make(map[int]string)
		c := x.meta.OpenCursor()
		for c.Next() {
			info, _, err := decodeStoreEntry(c.Value())
			if err != nil {
				c.Close()
				return "", false, errors.Wrapf(err, "store %q", c.Key())
			}
			x.names[info.StructureID] = string(c.Key())
		}
		err := c.Err()
		c.Close()
		if err != nil {
			return "", false, err
		}
	}
	name, ok := x.names[structureID]
	return name, ok, nil
}

// Commit makes the changes visible to transactions started afterwards. The
// transaction is finished whatever the outcome.
func (x *Transaction) Commit() error {
	if x.finished {
		return ErrFinished
	}
	defer x.finish()
	if x.readonly {
		return nil
	}
	if !x.exclusive {
		x.env.commitMu.Lock()
		defer x.env.commitMu.Unlock()
	}
	_, err := x.commit()
	return err
}

// Abort drops the changes and finishes the transaction.
func (x *Transaction) Abort() {
	if x.finished {
		return
	}
	if !x.readonly {
		x.env.cfg.Metrics.Inc(metrics.TxnAborts)
	}
	x.finish()
}

func (x *Transaction) finish() {
	if x.finished {
		return
	}
	x.finished = true
	e := x.env
	e.mu.Lock()
	delete(e.active, x)
	e.mu.Unlock()
	if x.exclusive {
		e.commitMu.Unlock()
		return
	}
	if e.gc != nil {
		e.gc.DeletePendingFiles()
	}
}

// commit runs with commitMu held.
func (x *Transaction) commit() (uint64, error) {
	e := x.env
	cur := e.current()

	var touched []*storeState
	for _, st := range x.stores {
		if st.touched() {
			touched = append(touched, st)
		}
	}
	slices.SortFunc(touched, func(a, b *storeState) int {
		return bytes.Compare([]byte(a.name), []byte(b.name))
	})
	if len(touched) == 0 && (x.metaMut == nil || !x.metaMut.IsChanged()) {
		return cur.root.sequence, nil
	}

	var meta tree.MutableTree
	if cur.root.sequence == x.snap.root.sequence {
		meta = x.metaMutable()
	} else {
		now, err := e.openMeta(cur.root.metaRoot)
		if err != nil {
			return 0, err
		}
		for _, st := range touched {
			entry, _, err := now.Get([]byte(st.name))
			if err != nil {
				return 0, err
			}
			if !bytes.Equal(entry, st.entry) {
				e.cfg.Metrics.Inc(metrics.TxnConflicts)
				return 0, errors.Wrapf(ErrConflict, "store %q", st.name)
			}
		}
		meta = now.MutableCopy()
	}

	l := e.log
	l.BeginWrite()
	next := databaseRoot{
		lastStructureID: max(cur.root.lastStructureID, x.lastStructureID),
		sequence:        cur.root.sequence + 1,
	}
	for _, st := range touched {
		key := []byte(st.name)
		if st.removed {
			deleted, err := meta.Delete(key)
			if err != nil {
				l.AbortWrite()
				return 0, err
			}
			e.checkStatus(deleted || st.entry == nil, "store %q is missing from the meta tree", st.name)
			continue
		}
		root, err := st.mutable.Save()
		if err != nil {
			l.AbortWrite()
			return 0, errors.Wrapf(err, "save store %q", st.name)
		}
		if _, err := meta.Put(key, encodeStoreEntry(st.info, root)); err != nil {
			l.AbortWrite()
			return 0, err
		}
	}
	metaRoot, err := meta.Save()
	if err != nil {
		l.AbortWrite()
		return 0, errors.Wrap(err, "save meta tree")
	}
	next.metaRoot = metaRoot
	data := next.encode()
	rootAddress, err := l.Write(DatabaseRootType, xdlog.NoStructureID, data)
	if err != nil {
		l.AbortWrite()
		return 0, err
	}
	if _, err := l.EndWrite(); err != nil {
		return 0, err
	}

	expired := tree.NewExpiredCollection(l.FileLength())
	for _, st := range touched {
		if st.removed {
			if !st.created {
				e.expireTree(expired, st.base)
			}
		} else {
			expired = st.mutable.ExpiredLoggables().MergeWith(expired)
		}
		if st.dropped != nil {
			e.expireTree(expired, st.dropped)
		}
	}
	expired = meta.ExpiredLoggables().MergeWith(expired)
	if cur.rootAddress != tree.NullAddress {
		expired.Add(cur.rootAddress, cur.rootLength)
	}

	e.mu.Lock()
	e.cur = state{
		root:        next,
		rootAddress: rootAddress,
		rootLength:  xdlog.EncodedLength(xdlog.NoStructureID, len(data)),
	}
	e.mu.Unlock()
	e.cfg.Metrics.Inc(metrics.TxnCommits)

	if e.gc.FetchExpired(expired) > 0 {
		e.gc.Wake()
	}
	return next.sequence, nil
}

// expireTree adds every loggable of t to expired.
func (e *Env) expireTree(expired *tree.ExpiredCollection, t tree.Tree) {
	it := t.AddressIterator()
	for it.Next() {
		expired.Add(it.Address(), it.Length())
	}
	if err := it.Err(); err != nil {
		e.cfg.Logger.Printf("env: expire structure %d: %v", t.StructureID(), err)
	}
}

// Update runs fn in a transaction and commits it, starting over when the
// commit conflicts.
func (e *Env) Update(fn func(*Transaction) error) error {
	for attempt := 1; ; attempt++ {
		x, err := e.BeginTransaction()
		if err != nil {
			return err
		}
		if err := fn(x); err != nil {
			x.Abort()
			return err
		}
		err = x.Commit()
		if errors.Is(err, ErrConflict) && attempt < maxUpdateAttempts {
			continue
		}
		return err
	}
}

// View runs fn in a read-only transaction.
func (e *Env) View(fn func(*Transaction) error) error {
	x, err := e.BeginReadonlyTransaction()
	if err != nil {
		return err
	}
	defer x.Abort()
	return fn(x)
}

// gcTransaction exposes a transaction to the collector.
type gcTransaction struct {
	x *Transaction
}

func (g gcTransaction) MutableTree(structureID int) (tree.MutableTree, bool, error) {
	if structureID == MetaStructureID {
		return g.x.metaMutable(), true, nil
	}
	name, ok, err := g.x.storeName(structureID)
	if err != nil || !ok {
		return nil, false, err
	}
	st, err := g.x.store(name)
	if err != nil {
		return nil, false, err
	}
	return st.mutableTree(), true, nil
}

func (g gcTransaction) Commit() (uint64, error) {
	x := g.x
	if x.finished {
		return 0, ErrFinished
	}
	defer x.finish()
	return x.commit()
}

func (g gcTransaction) Abort() { g.x.Abort() }
