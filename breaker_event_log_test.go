package alpha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyEventLog fails every call while down is set.
type flakyEventLog struct {
	*MemoryEventLog
	down  bool
	calls int
}

var errDatabaseDown = errors.New("database down")

func (f *flakyEventLog) Append(ctx context.Context, e *TxEvent) (AppendResult, error) {
	f.calls++
	if f.down {
		return Duplicate, StorageFailed("append", errDatabaseDown)
	}
	return f.MemoryEventLog.Append(ctx, e)
}

func (f *flakyEventLog) FindByGlobalTxID(ctx context.Context, id string) ([]TxEvent, error) {
	f.calls++
	if f.down {
		return nil, StorageFailed("query", errDatabaseDown)
	}
	return f.MemoryEventLog.FindByGlobalTxID(ctx, id)
}

func TestBreakerEventLogOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyEventLog{MemoryEventLog: NewMemoryEventLog(), down: true}
	l := NewBreakerEventLog(inner, BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, ended("g", "l", ""))
		require.ErrorIs(t, err, errDatabaseDown)
	}
	assert.Equal(t, gobreaker.StateOpen, l.State())

	_, err := l.Append(ctx, ended("g", "l", ""))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, inner.calls)

	inner.down = false
	assert.Eventually(t, func() bool {
		return l.State() == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	res, err := l.Append(ctx, ended("g", "l", ""))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
	assert.Equal(t, gobreaker.StateClosed, l.State())
}

func TestBreakerEventLogNotFoundIsNotAFailure(t *testing.T) {
	l := NewBreakerEventLog(NewMemoryEventLog(), BreakerSettings{ConsecutiveFailures: 1}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := l.FindByGlobalAndLocal(context.Background(), "g", "l")
		assert.ErrorIs(t, err, ErrEventNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, l.State())
}

func TestBreakerEventLogPassesResults(t *testing.T) {
	inner := NewMemoryEventLog()
	l := NewBreakerEventLog(inner, BreakerSettings{}, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := l.Append(ctx, started("g", "l", "", "undo", "x"))
	require.NoError(t, err)
	res, err := l.Append(ctx, started("g", "l", "", "undo", "x"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	_, err = l.Append(ctx, aborted("g", "l", ""))
	require.NoError(t, err)

	events, err := l.FindByGlobalTxID(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	ids, err := l.AbortedGlobalTxIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, ids)
}
