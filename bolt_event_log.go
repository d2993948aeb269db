package alpha

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

var (
	eventsBucket   = []byte("events")    // seq -> event JSON
	dedupBucket    = []byte("dedup")     // dedup key -> seq
	byGlobalBucket = []byte("by_global") // global id \x00 seq -> nil
	abortedBucket  = []byte("aborted")   // global id -> seq of first abort
)

// BoltEventLog provides a durable implementation of EventLog backed by a
// single bolt database file.
type BoltEventLog struct {
	db *bolt.DB
}

// NewBoltEventLog opens (creating if needed) the event log at path.
func NewBoltEventLog(path string) (*BoltEventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, dedupBucket, byGlobalBucket, abortedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltEventLog{db: db}, nil
}

// Append runs the duplicate check and the insert in one write transaction.
func (b *BoltEventLog) Append(ctx context.Context, event *TxEvent) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return Duplicate, StorageFailed("append", err)
	}

	key := []byte(event.DedupKey().String())
	result := Duplicate
	var seq uint64

	err := b.db.Update(func(tx *bolt.Tx) error {
		dedup := tx.Bucket(dedupBucket)
		if dedup.Get(key) != nil {
			return nil
		}

		events := tx.Bucket(eventsBucket)
		next, err := events.NextSequence()
		if err != nil {
			return err
		}

		stored := event.Clone()
		stored.Seq = next
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		seqKey := encodeSeq(next)
		if err := events.Put(seqKey, data); err != nil {
			return err
		}
		if err := dedup.Put(key, seqKey); err != nil {
			return err
		}
		if err := tx.Bucket(byGlobalBucket).Put(globalIndexKey(event.GlobalTxID, next), nil); err != nil {
			return err
		}
		if event.Type == EventAborted {
			aborted := tx.Bucket(abortedBucket)
			if aborted.Get([]byte(event.GlobalTxID)) == nil {
				if err := aborted.Put([]byte(event.GlobalTxID), seqKey); err != nil {
					return err
				}
			}
		}

		result = Accepted
		seq = next
		return nil
	})
	if err != nil {
		return Duplicate, StorageFailed("append", err)
	}

	if result == Accepted {
		event.Seq = seq
	}
	return result, nil
}

// FindByGlobalTxID reads the global index in seq order.
func (b *BoltEventLog) FindByGlobalTxID(ctx context.Context, globalTxID string) ([]TxEvent, error) {
	var events []TxEvent
	err := b.db.View(func(tx *bolt.Tx) error {
		return b.scanGlobal(tx, globalTxID, func(e *TxEvent) bool {
			events = append(events, *e)
			return true
		})
	})
	if err != nil {
		return nil, StorageFailed("query", err)
	}
	return events, nil
}

// FindByGlobalAndLocal returns the first event of the local transaction.
func (b *BoltEventLog) FindByGlobalAndLocal(ctx context.Context, globalTxID, localTxID string) (*TxEvent, error) {
	var found *TxEvent
	err := b.db.View(func(tx *bolt.Tx) error {
		return b.scanGlobal(tx, globalTxID, func(e *TxEvent) bool {
			if e.LocalTxID == localTxID {
				found = e
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, StorageFailed("query", err)
	}
	if found == nil {
		return nil, ErrEventNotFound
	}
	return found, nil
}

// AbortedGlobalTxIDs lists aborted global transactions by first abort.
func (b *BoltEventLog) AbortedGlobalTxIDs(ctx context.Context) ([]string, error) {
	type entry struct {
		id  string
		seq uint64
	}
	var entries []entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(abortedBucket).ForEach(func(k, v []byte) error {
			entries = append(entries, entry{id: string(k), seq: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return nil, StorageFailed("query", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (b *BoltEventLog) Close() error {
	return b.db.Close()
}

func (b *BoltEventLog) scanGlobal(tx *bolt.Tx, globalTxID string, fn func(*TxEvent) bool) error {
	prefix := append([]byte(globalTxID), 0)
	events := tx.Bucket(eventsBucket)
	c := tx.Bucket(byGlobalBucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		seqKey := k[len(prefix):]
		data := events.Get(seqKey)
		if data == nil {
			return fmt.Errorf("index entry %x has no event", seqKey)
		}
		var e TxEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if !fn(&e) {
			return nil
		}
	}
	return nil
}

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func globalIndexKey(globalTxID string, seq uint64) []byte {
	key := make([]byte, 0, len(globalTxID)+9)
	key = append(key, globalTxID...)
	key = append(key, 0)
	return append(key, encodeSeq(seq)...)
}
