package alpha

import (
	"context"
	"fmt"
	"sync"

	"github.com/fortressi/alpha/set"
	"github.com/tidwall/btree"
)

// AppendResult is the outcome of appending an event.
type AppendResult int

const (
	Accepted AppendResult = iota
	Duplicate
)

// String returns the string representation of the AppendResult.
func (r AppendResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Unknown AppendResult: %d", int(r))
	}
}

// EventLog defines the append-only persistence of transaction events.
//
// Append must be atomic with respect to the duplicate check: two events with
// the same DedupKey are never both accepted. Accepted events are visible to
// every subsequent query.
type EventLog interface {
	// Append stores the event unless an event with the same DedupKey exists.
	// On acceptance the event's Seq is set.
	Append(ctx context.Context, event *TxEvent) (AppendResult, error)

	// FindByGlobalTxID returns the events of a global transaction in
	// insertion order.
	FindByGlobalTxID(ctx context.Context, globalTxID string) ([]TxEvent, error)

	// FindByGlobalAndLocal returns the first event recorded for a local
	// transaction, or ErrEventNotFound.
	FindByGlobalAndLocal(ctx context.Context, globalTxID, localTxID string) (*TxEvent, error)

	// AbortedGlobalTxIDs lists the global transactions that have an Aborted
	// event, in the order their first abort was accepted.
	AbortedGlobalTxIDs(ctx context.Context) ([]string, error)

	Close() error
}

// MemoryEventLog provides an in-memory implementation of EventLog for
// testing or scenarios where persistence is not required.
type MemoryEventLog struct {
	mu      sync.RWMutex
	seq     uint64
	events  *btree.BTreeG[*TxEvent] // ordered by (GlobalTxID, Seq)
	keys    map[string]uint64
	aborted *set.Set[string]
}

// NewMemoryEventLog creates a new in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: btree.NewBTreeG(func(a, b *TxEvent) bool {
			if a.GlobalTxID != b.GlobalTxID {
				return a.GlobalTxID < b.GlobalTxID
			}
			return a.Seq < b.Seq
		}),
		keys:    make(map[string]uint64),
		aborted: &set.Set[string]{},
	}
}

// Append stores a copy of the event.
func (m *MemoryEventLog) Append(ctx context.Context, event *TxEvent) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return Duplicate, StorageFailed("append", err)
	}

	key := event.DedupKey().String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[key]; exists {
		return Duplicate, nil
	}

	m.seq++
	event.Seq = m.seq
	m.keys[key] = event.Seq
	m.events.Set(event.Clone())
	if event.Type == EventAborted {
		m.aborted.Insert(event.GlobalTxID)
	}
	return Accepted, nil
}

// FindByGlobalTxID returns copies of the stored events.
func (m *MemoryEventLog) FindByGlobalTxID(ctx context.Context, globalTxID string) ([]TxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []TxEvent
	m.events.Ascend(&TxEvent{GlobalTxID: globalTxID}, func(e *TxEvent) bool {
		if e.GlobalTxID != globalTxID {
			return false
		}
		events = append(events, *e.Clone())
		return true
	})
	return events, nil
}

// FindByGlobalAndLocal scans the global transaction for the local one.
func (m *MemoryEventLog) FindByGlobalAndLocal(ctx context.Context, globalTxID, localTxID string) (*TxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *TxEvent
	m.events.Ascend(&TxEvent{GlobalTxID: globalTxID}, func(e *TxEvent) bool {
		if e.GlobalTxID != globalTxID {
			return false
		}
		if e.LocalTxID == localTxID {
			found = e.Clone()
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrEventNotFound
	}
	return found, nil
}

// AbortedGlobalTxIDs returns the aborted global transactions.
func (m *MemoryEventLog) AbortedGlobalTxIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.aborted.Items(), nil
}

// Len returns the number of stored events.
func (m *MemoryEventLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.events.Len()
}

func (m *MemoryEventLog) Close() error {
	return nil
}
