package alpha

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServerConfig configures the event stream server.
type ServerConfig struct {
	// SendQueueSize bounds the commands waiting to be written to one
	// connection. A full queue makes delivery wait up to the dispatcher's
	// SendTimeout.
	SendQueueSize int
}

// Server serves the duplex event stream. Each stream is one client
// connection: events are read and ingested in order on the stream's
// goroutine while a second goroutine writes the commands routed to it.
type Server struct {
	coord *Coordinator
	cfg   ServerConfig
	log   *zap.Logger
}

// NewServer creates a Server feeding coord.
func NewServer(coord *Coordinator, cfg ServerConfig, log *zap.Logger) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	return &Server{coord: coord, cfg: cfg, log: log}
}

// NewGRPCServer creates a gRPC server using the event codec and registers
// srv with it.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)
	g := grpc.NewServer(opts...)
	RegisterTxEventServiceServer(g, srv)
	return g
}

// CallbackCommand implements TxEventServiceServer.
func (s *Server) CallbackCommand(stream grpc.ServerStream) error {
	ctx := stream.Context()
	conn := newStreamConn(uuid.NewString(), stream, s.cfg.SendQueueSize)
	log := s.log.With(zap.String("conn_id", conn.ID()))

	s.coord.Connect(conn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.sendLoop(ctx, s.coord.Undelivered, log)
	}()

	defer func() {
		s.coord.Disconnect(conn.ID())
		conn.close()
		wg.Wait()
		for _, cmd := range conn.drain() {
			s.coord.Undelivered(cmd, ErrConnectionClosed)
		}
	}()

	for {
		event := new(TxEvent)
		if err := stream.RecvMsg(event); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			log.Warn("event stream broken", zap.Error(err))
			return err
		}

		if _, err := s.coord.Ingest(ctx, conn.ID(), event); err != nil {
			switch {
			case IsMalformed(err):
				log.Warn("rejected malformed event", zap.Stringer("event", event), zap.Error(err))
			case IsRetryable(err):
				log.Error("failed to store event, client must resend", zap.Stringer("event", event), zap.Error(err))
			default:
				log.Warn("rejected event", zap.Stringer("event", event), zap.Error(err))
			}
		}
	}
}

// streamConn is the outbound side of one event stream.
type streamConn struct {
	id     string
	stream grpc.ServerStream
	queue  chan Command

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent enqueues
	closed    bool
}

func newStreamConn(id string, stream grpc.ServerStream, queueSize int) *streamConn {
	return &streamConn{
		id:     id,
		stream: stream,
		queue:  make(chan Command, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) ID() string {
	return c.id
}

// Deliver queues cmd for the send loop.
func (c *streamConn) Deliver(ctx context.Context, cmd Command) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.queue <- cmd:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *streamConn) sendLoop(ctx context.Context, undelivered func(Command, error), log *zap.Logger) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case cmd := <-c.queue:
			if err := c.stream.SendMsg(&cmd); err != nil {
				log.Warn("failed to send compensation command",
					zap.Stringer("command", &cmd),
					zap.Error(err),
				)
				// Later deliveries fail fast and stay pending until the
				// client reconnects.
				c.close()
				undelivered(cmd, err)
				for _, queued := range c.drain() {
					undelivered(queued, ErrConnectionClosed)
				}
				return
			}
			log.Info("sent compensation command", zap.Stringer("command", &cmd))
		}
	}
}

// close stops further deliveries. Blocked deliveries return
// ErrConnectionClosed.
func (c *streamConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
}

// drain returns the commands still queued. Only valid after close.
func (c *streamConn) drain() []Command {
	var cmds []Command
	for {
		select {
		case cmd := <-c.queue:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}
