package store

import (
	"context"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/google/orderedcode"

	"github.com/nimbusdb/coord/common/logging"
)

// BadgerStore is the shared durable key-value store (spec.md §1, §6)
// backing this coordination node, implemented over dgraph-io/badger/v3.
// Every TryUpdate* runs inside a single badger transaction so the
// read-compare-write is atomic with respect to other transactions,
// giving the CAS semantics spec.md §4.2 requires without any additional
// locking.
type BadgerStore struct {
	db     *badger.DB
	logger *logging.Logger
}

// OpenBadgerStore opens (creating if necessary) a badger database at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, logger: logging.GetLogger("store/badger")}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) GetEntry(_ context.Context, path string) (*StoredEntry, error) {
	key, err := entryKey(splitPathSegments(path))
	if err != nil {
		return nil, err
	}
	var entry *StoredEntry
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = UnmarshalEntry(val)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *BadgerStore) TryUpdateEntry(_ context.Context, old, newEntry *StoredEntry) error {
	key, err := entryKey(splitPathSegments(newEntry.Path))
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		current, currentErr := loadEntry(txn, key)
		var oldVersion uint64
		if old != nil {
			oldVersion = old.StorageVersion
		}
		if conflict := checkEntryCAS(old != nil, oldVersion, current, currentErr); conflict != nil {
			return conflict
		}
		next := newEntry.Clone()
		next.StorageVersion++
		encoded, err := next.MarshalCBOR()
		if err != nil {
			return err
		}
		return txn.Set(key, encoded)
	})
}

func (b *BadgerStore) DeleteEntry(_ context.Context, old *StoredEntry) error {
	key, err := entryKey(splitPathSegments(old.Path))
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		current, currentErr := loadEntry(txn, key)
		if currentErr == ErrNotFound {
			return ErrNotFound
		}
		if conflict := checkEntryCAS(true, old.StorageVersion, current, currentErr); conflict != nil {
			return conflict
		}
		return txn.Delete(key)
	})
}

func (b *BadgerStore) GetSession(_ context.Context, id string) (*StoredSession, error) {
	key, err := sessionKey(id)
	if err != nil {
		return nil, err
	}
	var session *StoredSession
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			session, err = UnmarshalSession(val)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (b *BadgerStore) TryUpdateSession(_ context.Context, old, newSession *StoredSession) error {
	key, err := sessionKey(newSession.Key)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		current, currentErr := loadSession(txn, key)
		var oldVersion uint64
		if old != nil {
			oldVersion = old.StorageVersion
		}
		if conflict := checkSessionCAS(old != nil, oldVersion, current, currentErr); conflict != nil {
			return conflict
		}
		next := newSession.Clone()
		next.StorageVersion++
		encoded, err := next.MarshalCBOR()
		if err != nil {
			return err
		}
		return txn.Set(key, encoded)
	})
}

func (b *BadgerStore) DeleteSession(_ context.Context, old *StoredSession) error {
	key, err := sessionKey(old.Key)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		current, currentErr := loadSession(txn, key)
		if currentErr == ErrNotFound {
			return ErrNotFound
		}
		if conflict := checkSessionCAS(true, old.StorageVersion, current, currentErr); conflict != nil {
			return conflict
		}
		return txn.Delete(key)
	})
}

func (b *BadgerStore) ListSessions(_ context.Context) ([]*StoredSession, error) {
	prefix, err := orderedcode.Append(nil, sessionKeyPrefix)
	if err != nil {
		return nil, err
	}
	var out []*StoredSession
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				s, err := UnmarshalSession(val)
				if err != nil {
					return err
				}
				out = append(out, s)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func loadEntry(txn *badger.Txn, key []byte) (*StoredEntry, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out *StoredEntry
	err = item.Value(func(val []byte) error {
		var uerr error
		out, uerr = UnmarshalEntry(val)
		return uerr
	})
	return out, err
}

func loadSession(txn *badger.Txn, key []byte) (*StoredSession, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out *StoredSession
	err = item.Value(func(val []byte) error {
		var uerr error
		out, uerr = UnmarshalSession(val)
		return uerr
	})
	return out, err
}

// checkEntryCAS compares the caller's comparand (hasOld/oldVersion; hasOld
// false means "must not exist yet") against the value actually stored
// (current, currentErr). Returns a non-nil *ErrConflict if they disagree.
func checkEntryCAS(hasOld bool, oldVersion uint64, current *StoredEntry, currentErr error) error {
	exists := currentErr == nil
	if !hasOld {
		if exists {
			return &ErrConflict{Current: current}
		}
		return nil
	}
	if !exists || current.StorageVersion != oldVersion {
		var cur interface{}
		if exists {
			cur = current
		}
		return &ErrConflict{Current: cur}
	}
	return nil
}

func checkSessionCAS(hasOld bool, oldVersion uint64, current *StoredSession, currentErr error) error {
	exists := currentErr == nil
	if !hasOld {
		if exists {
			return &ErrConflict{Current: current}
		}
		return nil
	}
	if !exists || current.StorageVersion != oldVersion {
		var cur interface{}
		if exists {
			cur = current
		}
		return &ErrConflict{Current: cur}
	}
	return nil
}
