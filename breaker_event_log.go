package alpha

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures BreakerEventLog.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// BreakerEventLog guards an EventLog with a circuit breaker so a failing
// database is not hammered by every connection. Only storage failures count;
// duplicates and missing events are normal outcomes.
type BreakerEventLog struct {
	next EventLog
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerEventLog wraps next.
func NewBreakerEventLog(next EventLog, settings BreakerSettings, log *zap.Logger) *BreakerEventLog {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-log",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEventNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("event log circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerEventLog{next: next, cb: cb}
}

// State returns the breaker state.
func (b *BreakerEventLog) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerEventLog) Append(ctx context.Context, event *TxEvent) (AppendResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Append(ctx, event)
	})
	if err != nil {
		return Duplicate, breakerError("append", err)
	}
	return res.(AppendResult), nil
}

func (b *BreakerEventLog) FindByGlobalTxID(ctx context.Context, globalTxID string) ([]TxEvent, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FindByGlobalTxID(ctx, globalTxID)
	})
	if err != nil {
		return nil, breakerError("query", err)
	}
	return res.([]TxEvent), nil
}

func (b *BreakerEventLog) FindByGlobalAndLocal(ctx context.Context, globalTxID, localTxID string) (*TxEvent, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FindByGlobalAndLocal(ctx, globalTxID, localTxID)
	})
	if err != nil {
		return nil, breakerError("query", err)
	}
	return res.(*TxEvent), nil
}

func (b *BreakerEventLog) AbortedGlobalTxIDs(ctx context.Context) ([]string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.AbortedGlobalTxIDs(ctx)
	})
	if err != nil {
		return nil, breakerError("query", err)
	}
	return res.([]string), nil
}

func (b *BreakerEventLog) Close() error {
	return b.next.Close()
}

// breakerError keeps the inner error as is and turns breaker rejections into
// retryable storage failures.
func breakerError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return StorageFailed(op, err)
	}
	return err
}
