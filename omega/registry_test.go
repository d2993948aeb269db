package omega

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCompensate(t *testing.T) {
	r := NewRegistry()
	var got []byte
	require.NoError(t, r.Register("refund", func(_ context.Context, payload []byte) error {
		got = payload
		return nil
	}))

	require.NoError(t, r.Compensate(context.Background(), "refund", []byte("order-7")))
	assert.Equal(t, []byte("order-7"), got)
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, []byte) error { return nil }

	assert.Error(t, r.Register("", fn))
	require.NoError(t, r.Register("refund", fn))
	assert.ErrorContains(t, r.Register("refund", fn), "already registered")
	assert.Panics(t, func() { r.MustRegister("refund", fn) })
}

func TestRegistryUnknownMethod(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrMethodNotFound)

	err = r.Compensate(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrMethodNotFound))
}

func TestRegistryReturnsMethodError(t *testing.T) {
	r := NewRegistry()
	errGone := errors.New("already shipped")
	r.MustRegister("cancel", func(context.Context, []byte) error { return errGone })

	assert.ErrorIs(t, r.Compensate(context.Background(), "cancel", nil), errGone)
}
