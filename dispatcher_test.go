package alpha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type dispatcherFixture struct {
	router     *Router
	metrics    *Metrics
	dispatcher *Dispatcher
	now        time.Time
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	f := &dispatcherFixture{
		router:  NewRouter(),
		metrics: NewMetrics("test"),
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.dispatcher = NewDispatcher(cfg, f.router, f.metrics, zaptest.NewLogger(t))
	f.dispatcher.now = func() time.Time { return f.now }
	return f
}

func (f *dispatcherFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

var testCommand = Command{GlobalTxID: "g", LocalTxID: "l", CompensationMethod: "undo", Payload: []byte("x")}

func TestDispatcherDeliversToOwner(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	conn := newFakeConn("c1")
	f.router.Register(conn)
	f.router.Claim("c1", started("g", "l", "", "undo", "x"), true)

	f.dispatcher.Dispatch(context.Background(), []Command{testCommand})

	assert.Equal(t, []Command{testCommand}, conn.commands())
	out := f.dispatcher.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, CommandSent, out[0].State)
	assert.Equal(t, 1, out[0].Attempts)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Outstanding))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CommandsPlanned))

	// Dispatching the same command again sends nothing.
	f.dispatcher.Dispatch(context.Background(), []Command{testCommand})
	assert.Len(t, conn.commands(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CommandsPlanned))

	assert.True(t, f.dispatcher.Complete(testCommand.key()))
	assert.False(t, f.dispatcher.Complete(testCommand.key()))
	assert.Empty(t, f.dispatcher.Outstanding())
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Outstanding))
}

func TestDispatcherWithoutOwnerStaysPending(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{InitialBackoff: time.Second})
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, []Command{testCommand})

	out := f.dispatcher.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, CommandPending, out[0].State)
	assert.Equal(t, 1, out[0].Attempts)
	assert.Contains(t, out[0].LastError, ErrNoOwner.Error())
	assert.Equal(t, f.now.Add(time.Second), out[0].NextAttempt)

	conn := newFakeConn("c1")
	f.router.Register(conn)
	claimed := f.router.Claim("c1", started("g", "l", "", "undo", "x"), true)
	f.dispatcher.Redeliver(ctx, claimed)

	assert.Equal(t, []Command{testCommand}, conn.commands())
	assert.Equal(t, CommandSent, f.dispatcher.Outstanding()[0].State)
}

func TestDispatcherSweepRetriesWithBackoff(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{
		MaxDeliveryAttempts: 3,
		InitialBackoff:      time.Second,
		MaxBackoff:          time.Minute,
	})
	ctx := context.Background()
	conn := newFakeConn("c1")
	conn.fail(errors.New("queue full"))
	f.router.Register(conn)
	f.router.Claim("c1", started("g", "l", "", "undo", "x"), true)

	f.dispatcher.Dispatch(ctx, []Command{testCommand})
	require.Equal(t, 1, f.dispatcher.Outstanding()[0].Attempts)

	// Not due yet.
	require.NoError(t, f.dispatcher.sweep(ctx))
	assert.Equal(t, 1, f.dispatcher.Outstanding()[0].Attempts)

	f.advance(time.Second)
	require.NoError(t, f.dispatcher.sweep(ctx))
	out := f.dispatcher.Outstanding()[0]
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, CommandPending, out.State)
	assert.Equal(t, f.now.Add(2*time.Second), out.NextAttempt)

	f.advance(2 * time.Second)
	require.NoError(t, f.dispatcher.sweep(ctx))
	out = f.dispatcher.Outstanding()[0]
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, CommandEscalated, out.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Escalations))

	// Escalated commands are left to reconnects.
	f.advance(time.Hour)
	require.NoError(t, f.dispatcher.sweep(ctx))
	assert.Equal(t, 3, f.dispatcher.Outstanding()[0].Attempts)

	conn.fail(nil)
	f.dispatcher.Redeliver(ctx, []TxKey{testCommand.key()})
	assert.Equal(t, CommandSent, f.dispatcher.Outstanding()[0].State)
	assert.Len(t, conn.commands(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Escalations))
}

func TestDispatcherUndelivered(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	ctx := context.Background()
	conn := newFakeConn("c1")
	f.router.Register(conn)
	f.router.Claim("c1", started("g", "l", "", "undo", "x"), true)

	f.dispatcher.Dispatch(ctx, []Command{testCommand})
	f.dispatcher.Undelivered(testCommand.key(), ErrConnectionClosed)

	out := f.dispatcher.Outstanding()[0]
	assert.Equal(t, CommandPending, out.State)
	assert.Equal(t, 2, out.Attempts)

	f.dispatcher.Redeliver(ctx, []TxKey{testCommand.key()})
	assert.Len(t, conn.commands(), 2)
}

func TestDispatcherResendsWhenHolderLosesOwnership(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	ctx := context.Background()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	f.router.Register(c1)
	f.router.Register(c2)
	f.router.Claim("c1", started("g", "l", "", "undo", "x"), true)

	f.dispatcher.Dispatch(ctx, []Command{testCommand})
	require.Len(t, c1.commands(), 1)

	// Sent to the current owner: nothing to do.
	require.NoError(t, f.dispatcher.sweep(ctx))
	f.dispatcher.Redeliver(ctx, []TxKey{testCommand.key()})
	assert.Len(t, c1.commands(), 1)

	f.router.Claim("c2", started("g", "l", "", "undo", "x"), true)
	require.NoError(t, f.dispatcher.sweep(ctx))
	assert.Equal(t, []Command{testCommand}, c2.commands())
	assert.Len(t, c1.commands(), 1)

	out := f.dispatcher.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, CommandSent, out[0].State)
	assert.Equal(t, 2, out[0].Attempts)

	// The holder is gone and nobody owns the command any more.
	f.router.Unregister("c2")
	require.NoError(t, f.dispatcher.sweep(ctx))
	out = f.dispatcher.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, CommandPending, out[0].State)
	assert.Contains(t, out[0].LastError, ErrNoOwner.Error())
}

func TestDispatcherBackoffIsCapped(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second})

	assert.Equal(t, time.Second, f.dispatcher.backoff(1))
	assert.Equal(t, 2*time.Second, f.dispatcher.backoff(2))
	assert.Equal(t, 4*time.Second, f.dispatcher.backoff(3))
	assert.Equal(t, 5*time.Second, f.dispatcher.backoff(4))
	assert.Equal(t, 5*time.Second, f.dispatcher.backoff(30))
}

func TestDispatcherRunStopsWithContext(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- f.dispatcher.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
