package env

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/tree"
)

// StoreConfig selects the tree behind a store.
type StoreConfig struct {
	// Duplicates allows several values per key.
	Duplicates bool `yaml:"duplicates"`
	// KeyPrefixing stores keys in a Patricia trie instead of a B-tree.
	KeyPrefixing bool `yaml:"keyPrefixing"`
}

// Store is a named key-value map. The handle does not depend on the
// transaction that opened it; every operation takes the transaction to run
// in.
type Store struct {
	env  *Env
	name string
	cfg  StoreConfig
}

// OpenStore opens the store called name, creating it if create is set.
// Opening an existing store with a different configuration fails with
// ErrStoreConfig.
func (e *Env) OpenStore(txn *Transaction, name string, cfg StoreConfig, create bool) (*Store, error) {
	if err := txn.checkOpen(); err != nil {
		return nil, err
	}
	st, err := txn.store(name)
	switch {
	case err == nil:
		if st.info.Duplicates != cfg.Duplicates || st.info.KeyPrefixing != cfg.KeyPrefixing {
			return nil, errors.Wrapf(ErrStoreConfig, "store %q", name)
		}
	case errors.Is(err, ErrStoreNotFound) && create:
		if err := txn.checkWritable(); err != nil {
			return nil, err
		}
		if _, err := txn.createStore(name, cfg); err != nil {
			return nil, errors.Wrapf(err, "create store %q", name)
		}
	default:
		return nil, err
	}
	return &Store{env: e, name: name, cfg: cfg}, nil
}

// StoreNames returns the names of the stores visible to txn, sorted.
func (e *Env) StoreNames(txn *Transaction) ([]string, error) {
	if err := txn.checkOpen(); err != nil {
		return nil, err
	}
	var names []string
	c := txn.meta.OpenCursor()
	defer c.Close()
	for c.Next() {
		name := string(c.Key())
		if st, ok := txn.stores[name]; ok && st.removed {
			continue
		}
		names = append(names, name)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	for name, st := range txn.stores {
		if st.created && !st.removed && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// RemoveStore deletes a store with all its entries.
func (e *Env) RemoveStore(txn *Transaction, name string) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	st, err := txn.store(name)
	if err != nil {
		return err
	}
	st.removed = true
	return nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Config() StoreConfig { return s.cfg }

func (s *Store) read(txn *Transaction) (tree.Tree, error) {
	if err := txn.checkOpen(); err != nil {
		return nil, err
	}
	st, err := txn.store(s.name)
	if err != nil {
		return nil, err
	}
	return st.view(), nil
}

func (s *Store) write(txn *Transaction) (tree.MutableTree, error) {
	if err := txn.checkWritable(); err != nil {
		return nil, err
	}
	st, err := txn.store(s.name)
	if err != nil {
		return nil, err
	}
	return st.mutableTree(), nil
}

// Put sets the value of key, or adds the pair if the store has
// duplicates. It reports whether the store changed.
func (s *Store) Put(txn *Transaction, key, value []byte) (bool, error) {
	t, err := s.write(txn)
	if err != nil {
		return false, err
	}
	return t.Put(key, value)
}

// Add puts the pair unless the key (the pair, with duplicates) exists.
func (s *Store) Add(txn *Transaction, key, value []byte) (bool, error) {
	t, err := s.write(txn)
	if err != nil {
		return false, err
	}
	return t.Add(key, value)
}

// PutRight appends a key greater than every key of the store.
func (s *Store) PutRight(txn *Transaction, key, value []byte) error {
	t, err := s.write(txn)
	if err != nil {
		return err
	}
	return t.PutRight(key, value)
}

// Get returns the value of key, the smallest one with duplicates.
func (s *Store) Get(txn *Transaction, key []byte) ([]byte, bool, error) {
	t, err := s.read(txn)
	if err != nil {
		return nil, false, err
	}
	return t.Get(key)
}

// Exists reports whether the pair is in the store.
func (s *Store) Exists(txn *Transaction, key, value []byte) (bool, error) {
	t, err := s.read(txn)
	if err != nil {
		return false, err
	}
	return t.HasPair(key, value)
}

// Delete removes key and all its values.
func (s *Store) Delete(txn *Transaction, key []byte) (bool, error) {
	t, err := s.write(txn)
	if err != nil {
		return false, err
	}
	return t.Delete(key)
}

// DeletePair removes one pair.
func (s *Store) DeletePair(txn *Transaction, key, value []byte) (bool, error) {
	t, err := s.write(txn)
	if err != nil {
		return false, err
	}
	return t.DeletePair(key, value)
}

// OpenCursor returns a cursor over the store as txn sees it. Cursors of
// read-write transactions support DeleteCurrent and follow later changes.
func (s *Store) OpenCursor(txn *Transaction) (tree.Cursor, error) {
	if txn.readonly {
		t, err := s.read(txn)
		if err != nil {
			return nil, err
		}
		return t.OpenCursor(), nil
	}
	t, err := s.write(txn)
	if err != nil {
		return nil, err
	}
	return t.OpenCursor(), nil
}

// Count returns the number of pairs in the store.
func (s *Store) Count(txn *Transaction) (int64, error) {
	t, err := s.read(txn)
	if err != nil {
		return 0, err
	}
	return t.Size(), nil
}
