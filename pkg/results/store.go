// Package results persists terminal task outcomes and the idempotency-key
// index, and publishes each terminal transition exactly once to subscribers.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/taskmesh/taskmesh/pkg/task"
)

const (
	resultKeyPrefix = "result:"
	idemKeyPrefix   = "idem:"
)

// ErrNotFound is returned when a task has no persisted result.
var ErrNotFound = errors.New("result not found")

// ErrAlreadyExists is returned when a second result is written for a task.
var ErrAlreadyExists = errors.New("result already persisted")

// Store persists results and idempotency keys in Badger with bounded
// retention.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// NewStore creates a result store. retention bounds how long results and
// idempotency keys are kept; zero means the 24h default.
func NewStore(db *badger.DB, retention time.Duration) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{db: db, retention: retention}, nil
}

func resultKey(taskID string) []byte { return []byte(resultKeyPrefix + taskID) }
func idemKey(key string) []byte      { return []byte(idemKeyPrefix + key) }

// Save persists the result for a task. Exactly one result may exist per
// task; later writes for the same task return ErrAlreadyExists.
func (s *Store) Save(ctx context.Context, result task.Result) error {
	if result.TaskID == "" {
		return fmt.Errorf("result task_id cannot be empty")
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.TaskID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		key := resultKey(result.TaskID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, result.TaskID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		entry := badger.NewEntry(key, data).WithTTL(s.retention)
		return txn.SetEntry(entry)
	})
}

// Get loads the result of one task.
func (s *Store) Get(ctx context.Context, taskID string) (task.Result, error) {
	var result task.Result
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get(resultKey(taskID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", ErrNotFound, taskID)
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &result) })
	})
	return result, err
}

// BindIdempotencyKey maps an idempotency key to a task id. When the key is
// already bound within the retention window the existing task id and false
// are returned, so duplicate submissions collapse onto one task.
func (s *Store) BindIdempotencyKey(ctx context.Context, key, taskID string) (string, bool, error) {
	if key == "" {
		return taskID, true, nil
	}

	var bound string
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get(idemKey(key))
		if err == nil {
			return item.Value(func(v []byte) error {
				bound = string(v)
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		entry := badger.NewEntry(idemKey(key), []byte(taskID)).WithTTL(s.retention)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		bound = taskID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return bound, created, nil
}
