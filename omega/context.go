package omega

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Headers carrying the transaction context between services.
const (
	GlobalTxIDHeader = "X-Saga-Global-Tx-Id"
	LocalTxIDHeader  = "X-Saga-Local-Tx-Id"
)

// TxContext identifies the local transaction a piece of work belongs to.
type TxContext struct {
	GlobalTxID string
	LocalTxID  string
	ParentTxID string
}

// NewTxContext starts a new global transaction with a root local
// transaction.
func NewTxContext() TxContext {
	return TxContext{
		GlobalTxID: uuid.NewString(),
		LocalTxID:  uuid.NewString(),
	}
}

// Child returns a new local transaction nested in t.
func (t TxContext) Child() TxContext {
	return TxContext{
		GlobalTxID: t.GlobalTxID,
		LocalTxID:  uuid.NewString(),
		ParentTxID: t.LocalTxID,
	}
}

// Inject writes t into outgoing request headers.
func (t TxContext) Inject(h http.Header) {
	h.Set(GlobalTxIDHeader, t.GlobalTxID)
	if t.LocalTxID != "" {
		h.Set(LocalTxIDHeader, t.LocalTxID)
	}
}

// FromHeader reads the caller's transaction context from request headers.
func FromHeader(h http.Header) (TxContext, bool) {
	global := h.Get(GlobalTxIDHeader)
	if global == "" {
		return TxContext{}, false
	}
	return TxContext{GlobalTxID: global, LocalTxID: h.Get(LocalTxIDHeader)}, true
}

type txContextKey struct{}

// WithTxContext returns a copy of ctx carrying t.
func WithTxContext(ctx context.Context, t TxContext) context.Context {
	return context.WithValue(ctx, txContextKey{}, t)
}

// FromContext returns the transaction context carried by ctx.
func FromContext(ctx context.Context) (TxContext, bool) {
	t, ok := ctx.Value(txContextKey{}).(TxContext)
	return t, ok
}

// Middleware puts the caller's transaction context, if the request carries
// one, into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t, ok := FromHeader(r.Header); ok {
			r = r.WithContext(WithTxContext(r.Context(), t))
		}
		next.ServeHTTP(w, r)
	})
}
