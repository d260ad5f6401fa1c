// Package kvstore implements storage.Adapter on top of badger, the
// embedded KV store the teacher uses for its own configuration and
// session bookkeeping (see db_utils.go's GetKeyValueTX/SetIfNotExistsTX
// family). A badger transaction already gives atomic replace for a
// single key, satisfying the same contract fsstore gives via
// temp-file-then-rename.
package kvstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/kochedykov/MicroOcpp/internal/storage"
)

// KV is a storage.Adapter backed by an embedded badger.DB.
type KV struct {
	db *badger.DB
}

// Open opens (creating if needed) a badger database at dir.
func Open(dir string) (*KV, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", dir, err)
	}
	return &KV{db: db}, nil
}

// Wrap adapts an already-open badger.DB, for hosts (like the teacher's
// main.go) that manage the DB lifecycle themselves.
func Wrap(db *badger.DB) *KV {
	return &KV{db: db}
}

func (k *KV) Close() error { return k.db.Close() }

func (k *KV) ReadFile(path string) ([]byte, error) {
	var out []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotExist
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, storage.ErrNotExist
		}
		return nil, fmt.Errorf("kvstore: read %s: %w", path, err)
	}
	return out, nil
}

func (k *KV) WriteFile(path string, data []byte) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), data)
	})
	if err != nil {
		return fmt.Errorf("kvstore: write %s: %w", path, err)
	}
	return nil
}

func (k *KV) RemoveFile(path string) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("kvstore: remove %s: %w", path, err)
	}
	return nil
}

func (k *KV) List(prefix string) ([]string, error) {
	var out []string
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if strings.HasPrefix(key, prefix) {
				out = append(out, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: list %s: %w", prefix, err)
	}
	return out, nil
}
