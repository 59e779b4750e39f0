// Package badger provides a Badger-based implementation of the saga stores.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// Config holds configuration for Store.
type Config struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
}

// Store implements saga.Store and saga.IdempotencyStore using Badger.
type Store struct {
	db     *badger.DB
	config *Config
}

// NewStore opens a Badger-backed store at config.Path.
func NewStore(config *Config) (*Store, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.UnavailableError{Cause: err}
	}
	return &Store{db: db, config: config}, nil
}

// NewStoreFromDB wraps an already-open Badger database. Close becomes a
// no-op so the owner keeps control of the database lifecycle.
func NewStoreFromDB(db *badger.DB) *Store {
	return &Store{db: db}
}

func instanceKey(id string) []byte {
	return []byte(fmt.Sprintf("saga:instance:%s", id))
}

func statusIndexKey(status saga.Status, id string) []byte {
	return []byte(fmt.Sprintf("saga:index:status:%s:%s", status, id))
}

func idempotencyKey(key string) []byte {
	return []byte(fmt.Sprintf("saga:idem:%s", key))
}

func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// SaveInstance persists an instance and moves its status index entry. The
// old index entry is removed so a status never appears in two buckets.
func (s *Store) SaveInstance(ctx context.Context, in *saga.Instance) error {
	data, err := serialize(in)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if prev, err := getInstanceInTxn(txn, in.ID); err == nil && prev.Status != in.Status {
			if err := txn.Delete(statusIndexKey(prev.Status, in.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(instanceKey(in.ID), data); err != nil {
			return err
		}
		return txn.Set(statusIndexKey(in.Status, in.ID), []byte{})
	})
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*saga.Instance, error) {
	var in *saga.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := getInstanceInTxn(txn, id)
		if err != nil {
			return err
		}
		in = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func getInstanceInTxn(txn *badger.Txn, id string) (*saga.Instance, error) {
	item, err := txn.Get(instanceKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &storage.NotFoundError{EntityType: "saga instance", ID: id}
		}
		return nil, err
	}
	var in saga.Instance
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &in)
	}); err != nil {
		return nil, err
	}
	return &in, nil
}

// ListInstances lists instances with optional status filter and pagination.
func (s *Store) ListInstances(ctx context.Context, filter *saga.InstanceFilter) ([]*saga.Instance, int, error) {
	var instances []*saga.Instance

	err := s.db.View(func(txn *badger.Txn) error {
		if filter != nil && len(filter.Status) > 0 {
			for _, status := range filter.Status {
				prefix := []byte(fmt.Sprintf("saga:index:status:%s:", status))
				opts := badger.DefaultIteratorOptions
				opts.Prefix = prefix
				opts.PrefetchValues = false

				it := txn.NewIterator(opts)
				for it.Rewind(); it.Valid(); it.Next() {
					id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
					in, err := getInstanceInTxn(txn, id)
					if err != nil {
						continue // stale index entry
					}
					instances = append(instances, in)
				}
				it.Close()
			}
			return nil
		}

		prefix := []byte("saga:instance:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var in saga.Instance
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &in)
			}); err != nil {
				continue
			}
			instances = append(instances, &in)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	total := len(instances)
	if filter != nil && filter.Limit > 0 {
		start := min(filter.Offset, len(instances))
		end := min(filter.Offset+filter.Limit, len(instances))
		instances = instances[start:end]
	}
	return instances, total, nil
}

// DeleteInstance deletes an instance and its index entry.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		in, err := getInstanceInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(instanceKey(id)); err != nil {
			return err
		}
		return txn.Delete(statusIndexKey(in.Status, id))
	})
}

// MarkDone records a completed side-effect key.
func (s *Store) MarkDone(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(idempotencyKey(key), []byte{1})
	})
}

// Done reports whether a side-effect key has been recorded.
func (s *Store) Done(ctx context.Context, key string) (bool, error) {
	var done bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(idempotencyKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// Close closes the Badger database when this store owns it.
func (s *Store) Close() error {
	if s.config == nil {
		return nil
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		_ = err
	}
	return s.db.Close()
}
