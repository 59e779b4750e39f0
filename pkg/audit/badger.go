package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const auditKeyPrefix = "audit:"

// BadgerLog stores the hash-chained audit log in Badger. Records are keyed
// by zero-padded sequence number so iteration order equals append order.
type BadgerLog struct {
	db *badger.DB

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

// NewBadgerLog opens the audit log, recovering the chain tail from storage.
func NewBadgerLog(db *badger.DB) (*BadgerLog, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	l := &BadgerLog{db: db}
	if err := l.recoverTail(); err != nil {
		return nil, err
	}
	return l, nil
}

func auditKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", auditKeyPrefix, seq))
}

func (l *BadgerLog) recoverTail() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditKeyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the prefix range.
		it.Seek(append([]byte(auditKeyPrefix), 0xff))
		if !it.ValidForPrefix([]byte(auditKeyPrefix)) {
			return nil
		}
		return it.Item().Value(func(v []byte) error {
			var tail Event
			if err := json.Unmarshal(v, &tail); err != nil {
				return fmt.Errorf("corrupt audit tail: %w", err)
			}
			l.lastSeq = tail.Seq
			l.lastHash = tail.Hash
			return nil
		})
	})
}

// Record appends one event to the chain.
func (l *BadgerLog) Record(ctx context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Seq = l.lastSeq + 1
	event.PrevHash = l.lastHash
	event.Hash = chainHash(l.lastHash, &event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(auditKey(event.Seq), data)
	})
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	l.lastSeq = event.Seq
	l.lastHash = event.Hash
	return nil
}

// List returns up to limit events starting at fromSeq (inclusive).
func (l *BadgerLog) List(ctx context.Context, fromSeq uint64, limit int) ([]Event, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = 100
	}

	events := make([]Event, 0, limit)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(auditKey(fromSeq)); it.ValidForPrefix([]byte(auditKeyPrefix)); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var event Event
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &event) }); err != nil {
				return err
			}
			events = append(events, event)
			if len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// LastSeq returns the sequence number of the chain tail, zero when empty.
func (l *BadgerLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Verify walks the full chain and returns the first sequence whose hash does
// not match, or zero when intact.
func (l *BadgerLog) Verify(ctx context.Context) (uint64, error) {
	var broken uint64
	prevHash := ""

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(auditKeyPrefix)); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var event Event
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &event) }); err != nil {
				return err
			}
			if event.PrevHash != prevHash || chainHash(prevHash, &event) != event.Hash {
				broken = event.Seq
				return nil
			}
			prevHash = event.Hash
		}
		return nil
	})
	return broken, err
}

// Close is a no-op; the shared db is owned by the caller.
func (l *BadgerLog) Close() error { return nil }
