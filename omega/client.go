// Package omega is the participant side of the saga coordinator: it reports
// local transactions to alpha and runs the compensations alpha sends back.
package omega

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fortressi/alpha"
)

// Config identifies the participant to the coordinator.
type Config struct {
	// ServiceName is reported with every event.
	ServiceName string
	// InstanceID names this process. A restarted process reusing the same
	// InstanceID takes over the compensations of its predecessor. Defaults
	// to the host name plus a random suffix.
	InstanceID string
}

// Client holds one event stream to the coordinator.
type Client struct {
	cfg     Config
	cc      *grpc.ClientConn
	ownsCC  bool
	stream  grpc.ClientStream
	handler *CompensationHandler
	log     *zap.Logger

	sendMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Dial connects to the coordinator at target.
func Dial(ctx context.Context, target string, cfg Config, registry *Registry, log *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	c, err := NewClient(ctx, cc, cfg, registry, log)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	c.ownsCC = true
	return c, nil
}

// NewClient opens the event stream on cc. Compensation commands received on
// it are run with methods from registry until the client is closed.
func NewClient(ctx context.Context, cc *grpc.ClientConn, cfg Config, registry *Registry, log *zap.Logger) (*Client, error) {
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := alpha.NewCallbackCommandStream(ctx, cc)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		cc:     cc,
		stream: stream,
		log:    log.With(zap.String("service", cfg.ServiceName), zap.String("instance_id", cfg.InstanceID)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.handler = NewCompensationHandler(registry, c, c.log)

	go c.receive(ctx)
	return c, nil
}

// InstanceID returns the instance identity reported to the coordinator.
func (c *Client) InstanceID() string {
	return c.cfg.InstanceID
}

// Send reports an event, filling in the service identity and timestamp.
func (c *Client) Send(ctx context.Context, event *alpha.TxEvent) error {
	if event.ServiceName == "" {
		event.ServiceName = c.cfg.ServiceName
	}
	if event.InstanceID == "" {
		event.InstanceID = c.cfg.InstanceID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.stream.SendMsg(event); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Compensable runs fn as a local transaction of the global transaction in
// ctx, starting a new global transaction if ctx has none. The local
// transaction is reported Started before fn runs and Ended or Aborted after.
// If the global transaction aborts, the coordinator will ask for method to
// be run with payload.
func (c *Client) Compensable(ctx context.Context, method string, payload []byte, fn func(ctx context.Context) error) error {
	var tx TxContext
	if parent, ok := FromContext(ctx); ok {
		tx = parent.Child()
	} else {
		tx = NewTxContext()
	}
	ctx = WithTxContext(ctx, tx)

	event := func(t alpha.EventType, payload []byte) *alpha.TxEvent {
		return &alpha.TxEvent{
			GlobalTxID:         tx.GlobalTxID,
			LocalTxID:          tx.LocalTxID,
			ParentTxID:         tx.ParentTxID,
			Type:               t,
			CompensationMethod: method,
			Payload:            payload,
		}
	}

	if err := c.Send(ctx, event(alpha.EventStarted, payload)); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if sendErr := c.Send(ctx, event(alpha.EventAborted, []byte(err.Error()))); sendErr != nil {
			c.log.Error("failed to report aborted local transaction", zap.Error(sendErr))
		}
		return err
	}
	return c.Send(ctx, event(alpha.EventEnded, nil))
}

func (c *Client) receive(ctx context.Context) {
	defer close(c.done)
	for {
		cmd := new(alpha.Command)
		if err := c.stream.RecvMsg(cmd); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				c.log.Warn("command stream closed", zap.Error(err))
				c.err = err
			}
			return
		}
		c.log.Info("received compensation command", zap.Stringer("command", cmd))
		if err := c.handler.OnReceive(ctx, *cmd); err != nil {
			c.log.Error("failed to report compensation", zap.Stringer("command", cmd), zap.Error(err))
		}
	}
}

// Done is closed when the command stream ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the event stream and waits for the receive loop to stop.
func (c *Client) Close() error {
	c.sendMu.Lock()
	err := c.stream.CloseSend()
	c.sendMu.Unlock()

	c.cancel()
	<-c.done
	if c.ownsCC {
		if cerr := c.cc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Err returns the error that ended the command stream, if any.
func (c *Client) Err() error {
	<-c.done
	return c.err
}
