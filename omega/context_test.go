package omega

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxContextChild(t *testing.T) {
	root := NewTxContext()
	assert.NotEmpty(t, root.GlobalTxID)
	assert.NotEmpty(t, root.LocalTxID)
	assert.Empty(t, root.ParentTxID)

	child := root.Child()
	assert.Equal(t, root.GlobalTxID, child.GlobalTxID)
	assert.Equal(t, root.LocalTxID, child.ParentTxID)
	assert.NotEqual(t, root.LocalTxID, child.LocalTxID)
}

func TestTxContextHeaders(t *testing.T) {
	h := http.Header{}
	_, ok := FromHeader(h)
	assert.False(t, ok)

	tx := NewTxContext()
	tx.Inject(h)
	assert.Equal(t, tx.GlobalTxID, h.Get(GlobalTxIDHeader))

	got, ok := FromHeader(h)
	require.True(t, ok)
	assert.Equal(t, TxContext{GlobalTxID: tx.GlobalTxID, LocalTxID: tx.LocalTxID}, got)
}

func TestMiddleware(t *testing.T) {
	var seen TxContext
	var found bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, found = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, found)

	tx := NewTxContext()
	req = httptest.NewRequest(http.MethodPost, "/orders", nil)
	tx.Inject(req.Header)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, found)
	assert.Equal(t, tx.GlobalTxID, seen.GlobalTxID)
	assert.Equal(t, tx.LocalTxID, seen.LocalTxID)
}

func TestFromContextEmpty(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
