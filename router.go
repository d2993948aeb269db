package alpha

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Conn is a live client connection that can take compensation commands.
type Conn interface {
	ID() string
	// Deliver queues the command for sending. It fails with
	// ErrConnectionClosed once the connection is gone.
	Deliver(ctx context.Context, cmd Command) error
}

// Identity names the client process behind a connection.
type Identity struct {
	ServiceName string
	InstanceID  string
}

func (i Identity) empty() bool {
	return i.ServiceName == "" && i.InstanceID == ""
}

type route struct {
	conn     Conn
	identity Identity
	owned    map[TxKey]struct{}
}

// Router maps live connections to the local transactions they own.
//
// A connection becomes the deliverer of a local transaction only by
// submitting its authoritative Started event. When a connection goes away
// its local transactions are parked under the connection's Identity, and the
// next connection reporting the same Identity takes them over.
type Router struct {
	mu      sync.Mutex // serializes compound updates; lookups go through the maps
	conns   *xsync.MapOf[string, *route]
	owners  *xsync.MapOf[TxKey, string]
	orphans map[Identity]map[TxKey]struct{}
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		conns:   xsync.NewMapOf[string, *route](),
		owners:  xsync.NewMapOf[TxKey, string](),
		orphans: make(map[Identity]map[TxKey]struct{}),
	}
}

// Register adds a live connection.
func (r *Router) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns.Store(conn.ID(), &route{conn: conn, owned: make(map[TxKey]struct{})})
}

// Unregister removes a connection and releases what it owned. Local
// transactions of a connection with a known Identity are parked for the next
// connection reporting it. It returns every released local transaction.
func (r *Router) Unregister(connID string) []TxKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return nil
	}

	var released []TxKey
	for key := range rt.owned {
		if owner, ok := r.owners.Load(key); !ok || owner != connID {
			continue
		}
		r.owners.Delete(key)
		released = append(released, key)
		if rt.identity.empty() {
			continue
		}
		orphans, ok := r.orphans[rt.identity]
		if !ok {
			orphans = make(map[TxKey]struct{})
			r.orphans[rt.identity] = orphans
		}
		orphans[key] = struct{}{}
	}
	return released
}

// Claim records what an event tells about its connection: the Identity it
// reports and, when owns is set, ownership of the event's local transaction.
// Callers set owns only for the authoritative Started event of the local
// transaction. It returns the local transactions the connection took over as
// a result.
func (r *Router) Claim(connID string, e *TxEvent, owns bool) []TxKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.conns.Load(connID)
	if !ok {
		return nil
	}

	var claimed []TxKey
	identity := Identity{ServiceName: e.ServiceName, InstanceID: e.InstanceID}
	if rt.identity.empty() && !identity.empty() {
		rt.identity = identity
		for key := range r.orphans[identity] {
			r.own(connID, rt, key)
			claimed = append(claimed, key)
		}
		delete(r.orphans, identity)
	}

	if owns {
		key := e.key()
		if owner, ok := r.owners.Load(key); !ok || owner != connID {
			r.own(connID, rt, key)
			claimed = append(claimed, key)
		}
	}
	return claimed
}

// own moves key to connID. The caller holds r.mu.
func (r *Router) own(connID string, rt *route, key TxKey) {
	if prev, ok := r.owners.Load(key); ok && prev != connID {
		if prevRoute, ok := r.conns.Load(prev); ok {
			delete(prevRoute.owned, key)
		}
	}
	for _, orphans := range r.orphans {
		delete(orphans, key)
	}
	r.owners.Store(key, connID)
	rt.owned[key] = struct{}{}
}

// Adopt finds an owner for a local transaction nobody owns, such as one
// whose Started event was accepted before a restart. A live connection
// reporting identity takes it; otherwise it is parked until one does. It
// returns the owning connection id, if any.
func (r *Router) Adopt(identity Identity, key TxKey) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners.Load(key); ok {
		if _, live := r.conns.Load(owner); live {
			return owner, true
		}
	}
	if identity.empty() {
		return "", false
	}

	var connID string
	var rt *route
	r.conns.Range(func(id string, candidate *route) bool {
		if candidate.identity == identity {
			connID, rt = id, candidate
			return false
		}
		return true
	})
	if rt != nil {
		r.own(connID, rt, key)
		return connID, true
	}

	orphans, ok := r.orphans[identity]
	if !ok {
		orphans = make(map[TxKey]struct{})
		r.orphans[identity] = orphans
	}
	orphans[key] = struct{}{}
	return "", false
}

// Authorize checks that connID may report e. Completions of a local
// transaction owned by another live connection are refused.
func (r *Router) Authorize(connID string, e *TxEvent) error {
	if e.Type != EventCompensated {
		return nil
	}
	owner, ok := r.owners.Load(e.key())
	if !ok || owner == connID {
		return nil
	}
	if _, live := r.conns.Load(owner); !live {
		return nil
	}
	return ErrNotOwner
}

// Release forgets the owner of a local transaction that needs no more
// commands.
func (r *Router) Release(key TxKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identity, orphans := range r.orphans {
		delete(orphans, key)
		if len(orphans) == 0 {
			delete(r.orphans, identity)
		}
	}
	owner, ok := r.owners.LoadAndDelete(key)
	if !ok {
		return
	}
	if rt, ok := r.conns.Load(owner); ok {
		delete(rt.owned, key)
	}
}

// Owner returns the live connection that owns a local transaction.
func (r *Router) Owner(key TxKey) (Conn, bool) {
	connID, ok := r.owners.Load(key)
	if !ok {
		return nil, false
	}
	rt, ok := r.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return rt.conn, true
}

// OwnedBy lists the local transactions a connection owns.
func (r *Router) OwnedBy(connID string) []TxKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.conns.Load(connID)
	if !ok {
		return nil
	}
	keys := make([]TxKey, 0, len(rt.owned))
	for key := range rt.owned {
		keys = append(keys, key)
	}
	return keys
}

// Connections returns the number of live connections.
func (r *Router) Connections() int {
	return r.conns.Size()
}
