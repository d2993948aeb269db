package alpha

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
)

// brokenStream fails every write.
type brokenStream struct {
	grpc.ServerStream
	err error
}

func (s *brokenStream) SendMsg(any) error {
	return s.err
}

func TestStreamConnClosesAfterSendFailure(t *testing.T) {
	ctx := context.Background()
	errBroken := errors.New("transport is closing")
	conn := newStreamConn("c1", &brokenStream{err: errBroken}, 4)

	require.NoError(t, conn.Deliver(ctx, Command{GlobalTxID: "G", LocalTxID: "L1"}))
	require.NoError(t, conn.Deliver(ctx, Command{GlobalTxID: "G", LocalTxID: "L2"}))

	errs := map[string]error{}
	conn.sendLoop(ctx, func(cmd Command, err error) {
		errs[cmd.LocalTxID] = err
	}, zaptest.NewLogger(t))

	assert.Equal(t, map[string]error{"L1": errBroken, "L2": ErrConnectionClosed}, errs)
	assert.ErrorIs(t, conn.Deliver(ctx, Command{GlobalTxID: "G", LocalTxID: "L3"}), ErrConnectionClosed)
	assert.Empty(t, conn.drain())
}

func TestStreamConnFailedSendReturnsCommandToPending(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, nil)
	conn := newStreamConn("c1", &brokenStream{err: errors.New("transport is closing")}, 4)
	c.Connect(conn)

	ingestAll(t, c, "c1",
		started("G", "L", "", "M", "x"),
		ended("G", "L", ""),
		aborted("G", "L2", ""),
	)
	require.Equal(t, CommandSent, c.Outstanding()[0].State)

	conn.sendLoop(ctx, c.Undelivered, zaptest.NewLogger(t))
	assert.Equal(t, CommandPending, c.Outstanding()[0].State)

	// The stream stays registered, but redelivery no longer hands it
	// commands.
	c.dispatcher.Redeliver(ctx, []TxKey{{GlobalTxID: "G", LocalTxID: "L"}})
	out := c.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, CommandPending, out[0].State)
	assert.Contains(t, out[0].LastError, ErrConnectionClosed.Error())
}
