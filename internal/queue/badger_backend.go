package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerConflictRetries = 10

// BadgerBackend implements Backend on an embedded Badger database, for
// single-host deployments without Redis.
//
// Key layout per queue:
//
//	queue:{name}:msg:{id}             -> index key of the message
//	queue:{name}:index:{%020d seq}:{id} -> empty, iterated in FIFO order
type BadgerBackend struct {
	db           *badger.DB
	seq          *badger.Sequence
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewBadgerBackend creates a queue backend over db. The database is owned by the caller.
func NewBadgerBackend(db *badger.DB, pollInterval time.Duration) (*BadgerBackend, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}
	seq, err := db.GetSequence([]byte("queue:seq"), 100)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}
	return &BadgerBackend{db: db, seq: seq, pollInterval: pollInterval}, nil
}

// Push adds jobID to the tail of queue
func (b *BadgerBackend) Push(ctx context.Context, queue, jobID string) error {
	b.mu.Lock()
	n, err := b.seq.Next()
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to allocate queue position: %w", err)
	}

	indexKey := b.indexKey(queue, n, jobID)
	return b.update(func(txn *badger.Txn) error {
		if err := txn.Set(b.msgKey(queue, jobID), indexKey); err != nil {
			return err
		}
		return txn.Set(indexKey, []byte{})
	})
}

// Pop claims the oldest id of the first non-empty queue
func (b *BadgerBackend) Pop(ctx context.Context, queues []string, wait time.Duration) (string, string, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, queue := range queues {
			id, err := b.popOne(queue)
			if err == nil {
				return queue, id, nil
			}
			if !errors.Is(err, ErrNoMessage) {
				return "", "", err
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", "", ErrNoMessage
		}
		sleep := b.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (b *BadgerBackend) popOne(queue string) (string, error) {
	var id string
	err := b.update(func(txn *badger.Txn) error {
		id = ""
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := b.indexPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return ErrNoMessage
		}
		key := it.Item().KeyCopy(nil)
		parsed, err := parseIndexID(key)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(b.msgKey(queue, parsed)); err != nil {
			return err
		}
		id = parsed
		return nil
	})
	return id, err
}

// Remove deletes a waiting id; unknown ids are ignored
func (b *BadgerBackend) Remove(ctx context.Context, queue, jobID string) error {
	return b.update(func(txn *badger.Txn) error {
		msgKey := b.msgKey(queue, jobID)
		item, err := txn.Get(msgKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		indexKey, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(indexKey); err != nil {
			return err
		}
		return txn.Delete(msgKey)
	})
}

// Len counts waiting ids in queue
func (b *BadgerBackend) Len(ctx context.Context, queue string) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := b.indexPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the sequence lease. The database stays open.
func (b *BadgerBackend) Close() error {
	return b.seq.Release()
}

// update retries transactions that lost a conflict with a concurrent pop
func (b *BadgerBackend) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerBackend) msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func (b *BadgerBackend) indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queue))
}

func (b *BadgerBackend) indexKey(queue string, seq uint64, id string) []byte {
	// Zero padded so lexical order is numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, seq, id))
}

func parseIndexID(key []byte) (string, error) {
	s := string(key)
	marker := strings.Index(s, ":index:")
	if marker < 0 {
		return "", fmt.Errorf("invalid index key: %s", s)
	}
	rest := s[marker+len(":index:"):]
	sep := strings.IndexByte(rest, ':')
	if sep < 0 || sep == len(rest)-1 {
		return "", fmt.Errorf("invalid index key: %s", s)
	}
	return rest[sep+1:], nil
}
