// Package cache is the persistent-cache collaborator: it
// serializes and restores Transfer records (and the opaque upload token a
// completed PUT receives) across process restarts, so a transfer can resume
// from progresscompleted rather than starting over.
package cache

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const (
	transferPrefix = "xfer/transfer/"
	tokenPrefix    = "xfer/ultoken/"
	resumePrefix   = "xfer/resume/"
)

// Store is the persistent-cache contract: callers hand it already-encoded
// bytes (xfer.Transfer's own bit-exact wire record, or its separate resume
// blob) and a transfer ID key; the cache does not know or care about
// either record's internal layout.
type Store interface {
	SaveTransfer(id string, record []byte) error
	LoadTransfer(id string) ([]byte, error)
	DeleteTransfer(id string) error

	// SaveResumeState and LoadResumeState persist the key/ctriv/pos/
	// progresscompleted/chunkmacs blob a restart needs to resume a
	// transfer, a separate contract from SaveTransfer's bit-exact
	// node-tree record.
	SaveResumeState(id string, state []byte) error
	LoadResumeState(id string) ([]byte, error)

	SaveUploadToken(id string, token []byte) error
	LoadUploadToken(id string) ([]byte, error)

	// ListTransferIDs returns every transfer ID with a persisted record,
	// used on process start to resume pending transfers.
	ListTransferIDs() ([]string, error)

	Close() error
}

// BadgerStore is the default Store, backed by an embedded badger database,
// playing the same role for sent/received transfer persistence that a
// versioned, prefix-keyed KV store plays elsewhere in this codebase.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (creating if necessary) a BadgerStore rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Errorf("failed to open transfer cache at %q: %+v", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) SaveTransfer(id string, record []byte) error {
	return s.set(transferPrefix+id, record)
}

func (s *BadgerStore) LoadTransfer(id string) ([]byte, error) {
	return s.get(transferPrefix + id)
}

func (s *BadgerStore) DeleteTransfer(id string) error {
	err := s.del(transferPrefix + id)
	if err != nil {
		return err
	}
	if err := s.del(resumePrefix + id); err != nil {
		return err
	}
	// Upload token, if any, is tied to the transfer's lifetime.
	return s.del(tokenPrefix + id)
}

func (s *BadgerStore) SaveResumeState(id string, state []byte) error {
	return s.set(resumePrefix+id, state)
}

func (s *BadgerStore) LoadResumeState(id string) ([]byte, error) {
	return s.get(resumePrefix + id)
}

func (s *BadgerStore) SaveUploadToken(id string, token []byte) error {
	return s.set(tokenPrefix+id, token)
}

func (s *BadgerStore) LoadUploadToken(id string) ([]byte, error) {
	return s.get(tokenPrefix + id)
}

func (s *BadgerStore) ListTransferIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(transferPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, key[len(transferPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, errors.Errorf("failed to list cached transfers: %+v", err)
	}
	return ids, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errors.Errorf("failed to save cache key %q: %+v", key, err)
	}
	return nil
}

func (s *BadgerStore) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, err
		}
		return nil, errors.Errorf("failed to load cache key %q: %+v", key, err)
	}
	return value, nil
}

func (s *BadgerStore) del(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.Errorf("failed to delete cache key %q: %+v", key, err)
	}
	return nil
}
