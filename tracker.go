package alpha

import (
	"context"
	"fmt"
	"sync"

	"github.com/fortressi/alpha/set"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// localTx is the tracked state of one local transaction.
type localTx struct {
	id          string
	parentTxID  string
	started     *TxEvent // the first accepted Started event
	ended       bool
	aborted     bool
	compensated bool
	issued      bool
}

func (l *localTx) compensatable() bool {
	return l.started != nil && l.ended && !l.compensated
}

// GlobalTxView is the derived state of one global transaction: which local
// transactions started, ended, aborted and were compensated.
type GlobalTxView struct {
	sync.Mutex
	globalTxID string
	locals     map[string]*localTx
	seen       *set.Set[string] // local ids in first-seen order
	endedOrder *set.Set[string] // local ids in Ended order
	aborted    bool
	lastSeq    uint64
}

func newGlobalTxView(globalTxID string) *GlobalTxView {
	return &GlobalTxView{
		globalTxID: globalTxID,
		locals:     make(map[string]*localTx),
		seen:       &set.Set[string]{},
		endedOrder: &set.Set[string]{},
	}
}

// GlobalTxID returns the id of the global transaction.
func (v *GlobalTxView) GlobalTxID() string {
	return v.globalTxID
}

// Aborted reports whether the global transaction is failing.
func (v *GlobalTxView) Aborted() bool {
	v.Lock()
	defer v.Unlock()
	return v.aborted
}

func (v *GlobalTxView) local(id string) *localTx {
	l, ok := v.locals[id]
	if !ok {
		l = &localTx{id: id}
		v.locals[id] = l
		v.seen.Insert(id)
	}
	return l
}

// Transition describes what applying an event changed.
type Transition struct {
	// Applied is false when the event was already reflected in the view.
	Applied bool
	// FirstAbort is set when the event put the global transaction into failure.
	FirstAbort bool
	// Recheck asks the planner to look for newly compensatable locals.
	Recheck bool
	// Conflict is set for a Started event that disagrees with the recorded one.
	Conflict bool
}

// apply records the event. The caller holds the view lock.
func (v *GlobalTxView) apply(e *TxEvent) Transition {
	if e.Seq != 0 && e.Seq <= v.lastSeq {
		return Transition{}
	}
	if e.Seq > v.lastSeq {
		v.lastSeq = e.Seq
	}

	t := Transition{Applied: true}
	l := v.local(e.LocalTxID)

	switch e.Type {
	case EventStarted:
		if l.started != nil {
			t.Conflict = l.started.DedupKey() != e.DedupKey()
			break
		}
		l.started = e.Clone()
		l.parentTxID = e.ParentTxID
		t.Recheck = v.aborted && l.compensatable()
	case EventEnded:
		if !l.ended {
			l.ended = true
			v.endedOrder.Insert(l.id)
		}
		if l.parentTxID == "" {
			l.parentTxID = e.ParentTxID
		}
		t.Recheck = v.aborted && l.compensatable()
	case EventAborted:
		l.aborted = true
		t.FirstAbort = !v.aborted
		v.aborted = true
		t.Recheck = true
	case EventCompensated:
		l.compensated = true
	}
	return t
}

// StartedBy returns the Identity that reported the local transaction's
// Started event.
func (v *GlobalTxView) StartedBy(localTxID string) (Identity, bool) {
	v.Lock()
	defer v.Unlock()

	l, ok := v.locals[localTxID]
	if !ok || l.started == nil {
		return Identity{}, false
	}
	return Identity{ServiceName: l.started.ServiceName, InstanceID: l.started.InstanceID}, true
}

// IsAuthoritative reports whether e is the Started event the view records
// for its local transaction. Conflicting Started events are not.
func (v *GlobalTxView) IsAuthoritative(e *TxEvent) bool {
	if e.Type != EventStarted {
		return false
	}
	v.Lock()
	defer v.Unlock()

	l, ok := v.locals[e.LocalTxID]
	return ok && l.started != nil && l.started.DedupKey() == e.DedupKey()
}

// LocalSnapshot is a read-only copy of a local transaction's state.
type LocalSnapshot struct {
	LocalTxID          string `json:"local_tx_id"`
	ParentTxID         string `json:"parent_tx_id,omitempty"`
	ServiceName        string `json:"service_name,omitempty"`
	InstanceID         string `json:"instance_id,omitempty"`
	CompensationMethod string `json:"compensation_method,omitempty"`
	Started            bool   `json:"started"`
	Ended              bool   `json:"ended"`
	Aborted            bool   `json:"aborted"`
	Compensated        bool   `json:"compensated"`
	CommandIssued      bool   `json:"command_issued"`
}

// ViewSnapshot is a read-only copy of a GlobalTxView.
type ViewSnapshot struct {
	GlobalTxID string          `json:"global_tx_id"`
	Aborted    bool            `json:"aborted"`
	LastSeq    uint64          `json:"last_seq"`
	Locals     []LocalSnapshot `json:"locals"`
}

// Snapshot copies the view.
func (v *GlobalTxView) Snapshot() ViewSnapshot {
	v.Lock()
	defer v.Unlock()

	s := ViewSnapshot{
		GlobalTxID: v.globalTxID,
		Aborted:    v.aborted,
		LastSeq:    v.lastSeq,
		Locals:     make([]LocalSnapshot, 0, len(v.locals)),
	}
	for _, id := range v.seen.Items() {
		l := v.locals[id]
		ls := LocalSnapshot{
			LocalTxID:     l.id,
			ParentTxID:    l.parentTxID,
			Started:       l.started != nil,
			Ended:         l.ended,
			Aborted:       l.aborted,
			Compensated:   l.compensated,
			CommandIssued: l.issued,
		}
		if l.started != nil {
			ls.ServiceName = l.started.ServiceName
			ls.InstanceID = l.started.InstanceID
			ls.CompensationMethod = l.started.CompensationMethod
		}
		s.Locals = append(s.Locals, ls)
	}
	return s
}

// Tracker holds the GlobalTxView of every global transaction seen by this
// process. Views are rebuilt from the EventLog on first use, so a restarted
// coordinator resumes where the log left off.
type Tracker struct {
	views *xsync.MapOf[string, *GlobalTxView]
	log   *zap.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		views: xsync.NewMapOf[string, *GlobalTxView](),
		log:   log,
	}
}

// View returns the in-memory view of a global transaction, if any.
func (t *Tracker) View(globalTxID string) (*GlobalTxView, bool) {
	return t.views.Load(globalTxID)
}

// Load returns the view of a global transaction, replaying its events from
// the log when it is not in memory yet. Callers serialize per global id.
func (t *Tracker) Load(ctx context.Context, events EventLog, globalTxID string) (*GlobalTxView, error) {
	if v, ok := t.views.Load(globalTxID); ok {
		return v, nil
	}

	history, err := events.FindByGlobalTxID(ctx, globalTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load global transaction %s: %w", globalTxID, err)
	}

	v := newGlobalTxView(globalTxID)
	v.Lock()
	for i := range history {
		v.apply(&history[i])
	}
	v.Unlock()

	actual, _ := t.views.LoadOrStore(globalTxID, v)
	return actual, nil
}

// Apply records an accepted event in its view, creating the view if needed.
func (t *Tracker) Apply(event *TxEvent) (*GlobalTxView, Transition) {
	v, _ := t.views.LoadOrCompute(event.GlobalTxID, func() *GlobalTxView {
		return newGlobalTxView(event.GlobalTxID)
	})

	v.Lock()
	tr := v.apply(event)
	v.Unlock()

	if tr.Conflict {
		t.log.Warn("ignoring conflicting started event",
			zap.String("global_tx_id", event.GlobalTxID),
			zap.String("local_tx_id", event.LocalTxID),
			zap.String("compensation_method", event.CompensationMethod),
		)
	}
	return v, tr
}

// Len returns the number of tracked global transactions.
func (t *Tracker) Len() int {
	return t.views.Size()
}
