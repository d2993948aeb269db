package alpha_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortressi/alpha"
	"github.com/fortressi/alpha/omega"
)

const waitFor = 5 * time.Second

type testServer struct {
	coord *alpha.Coordinator
	lis   *bufconn.Listener
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t)

	coord := alpha.NewCoordinator(alpha.NewMemoryEventLog(), alpha.CoordinatorConfig{
		LockStripes: 8,
		Dispatcher: alpha.DispatcherConfig{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			SweepInterval:  10 * time.Millisecond,
		},
	}, alpha.NewMetrics("test"), log)

	lis := bufconn.Listen(1 << 20)
	gs := alpha.NewGRPCServer(alpha.NewServer(coord, alpha.ServerConfig{}, log))

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return gs.Serve(lis)
	})
	eg.Go(func() error {
		return coord.RunRedelivery(ctx)
	})
	t.Cleanup(func() {
		cancel()
		gs.GracefulStop()
		require.NoError(t, eg.Wait())
	})
	return &testServer{coord: coord, lis: lis}
}

func (s *testServer) dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

// recorder is a compensation method remembering the payloads it ran with.
type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) compensate(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func countType(events []alpha.TxEvent, t alpha.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func noop(context.Context) error { return nil }

func TestServerCompensatesCompletedSteps(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	rec := &recorder{}
	registry := omega.NewRegistry()
	registry.MustRegister("cancel", rec.compensate)

	client, err := omega.NewClient(ctx, srv.dial(t), omega.Config{ServiceName: "booking", InstanceID: "booking-1"}, registry, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	errNoSeats := errors.New("no seats left")
	var globalTxID string
	err = client.Compensable(ctx, "cancel", []byte("trip"), func(ctx context.Context) error {
		tx, ok := omega.FromContext(ctx)
		require.True(t, ok)
		globalTxID = tx.GlobalTxID

		require.NoError(t, client.Compensable(ctx, "cancel", []byte("car"), noop))
		require.NoError(t, client.Compensable(ctx, "cancel", []byte("hotel"), noop))
		return client.Compensable(ctx, "cancel", []byte("flight"), func(context.Context) error {
			return errNoSeats
		})
	})
	require.ErrorIs(t, err, errNoSeats)

	assert.Eventually(t, func() bool {
		return len(rec.ran()) == 2 && len(srv.coord.Outstanding()) == 0
	}, waitFor, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"car", "hotel"}, rec.ran())

	assert.Eventually(t, func() bool {
		events, err := srv.coord.Events(ctx, globalTxID)
		return err == nil && countType(events, alpha.EventCompensated) == 2
	}, waitFor, 10*time.Millisecond)

	view, err := srv.coord.Transaction(ctx, globalTxID)
	require.NoError(t, err)
	assert.True(t, view.Aborted)
}

func TestServerKeepsStreamAfterMalformedEvent(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := alpha.NewCallbackCommandStream(ctx, srv.dial(t))
	require.NoError(t, err)

	send := func(e *alpha.TxEvent) {
		t.Helper()
		e.ServiceName, e.InstanceID = "inventory", "inventory-1"
		require.NoError(t, stream.SendMsg(e))
	}

	send(&alpha.TxEvent{GlobalTxID: "g1", Type: alpha.EventStarted})
	send(&alpha.TxEvent{GlobalTxID: "g1", LocalTxID: "l1", Type: alpha.EventStarted, CompensationMethod: "release", Payload: []byte("sku-1")})
	send(&alpha.TxEvent{GlobalTxID: "g1", LocalTxID: "l1", Type: alpha.EventEnded})
	send(&alpha.TxEvent{GlobalTxID: "g1", LocalTxID: "l2", Type: alpha.EventAborted})

	cmd := new(alpha.Command)
	require.NoError(t, stream.RecvMsg(cmd))
	assert.Equal(t, alpha.Command{
		GlobalTxID:         "g1",
		LocalTxID:          "l1",
		CompensationMethod: "release",
		Payload:            []byte("sku-1"),
	}, *cmd)

	send(&alpha.TxEvent{GlobalTxID: "g1", LocalTxID: "l1", Type: alpha.EventCompensated, CompensationMethod: "release"})
	assert.Eventually(t, func() bool {
		return len(srv.coord.Outstanding()) == 0
	}, waitFor, 10*time.Millisecond)

	events, err := srv.coord.Events(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestServerRedeliversToReconnectedInstance(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	// The first incarnation of the instance completes a step and goes away.
	firstCtx, firstCancel := context.WithCancel(ctx)
	first, err := alpha.NewCallbackCommandStream(firstCtx, srv.dial(t))
	require.NoError(t, err)
	for _, e := range []*alpha.TxEvent{
		{GlobalTxID: "g1", LocalTxID: "reserve", Type: alpha.EventStarted, CompensationMethod: "release", Payload: []byte("sku-9")},
		{GlobalTxID: "g1", LocalTxID: "reserve", Type: alpha.EventEnded},
	} {
		e.ServiceName, e.InstanceID = "inventory", "inventory-1"
		require.NoError(t, first.SendMsg(e))
	}
	assert.Eventually(t, func() bool {
		events, err := srv.coord.Events(ctx, "g1")
		return err == nil && len(events) == 2
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, first.CloseSend())
	firstCancel()
	assert.Eventually(t, func() bool {
		return srv.coord.Connections() == 0
	}, waitFor, 10*time.Millisecond)

	// Another service aborts the global transaction while nobody can take
	// the compensation.
	other, err := alpha.NewCallbackCommandStream(ctx, srv.dial(t))
	require.NoError(t, err)
	require.NoError(t, other.SendMsg(&alpha.TxEvent{
		GlobalTxID: "g1", LocalTxID: "pay", Type: alpha.EventAborted,
		ServiceName: "payment", InstanceID: "payment-1",
	}))
	assert.Eventually(t, func() bool {
		outstanding := srv.coord.Outstanding()
		return len(outstanding) == 1 && outstanding[0].State != alpha.CommandSent
	}, waitFor, 10*time.Millisecond)

	// The restarted instance reports itself with its first event and
	// receives the pending compensation.
	rec := &recorder{}
	registry := omega.NewRegistry()
	registry.MustRegister("release", rec.compensate)
	client, err := omega.NewClient(ctx, srv.dial(t), omega.Config{ServiceName: "inventory", InstanceID: "inventory-1"}, registry, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Compensable(ctx, "release", []byte("sku-10"), noop))

	assert.Eventually(t, func() bool {
		return len(srv.coord.Outstanding()) == 0
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"sku-9"}, rec.ran())
}
