package alpha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/encoding"

	"github.com/fortressi/alpha/dag"
)

const tracerName = "github.com/fortressi/alpha"

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// LockStripes is the number of mutexes global transactions are hashed
	// onto. Events of one global transaction always take the same mutex.
	LockStripes int
	Dispatcher  DispatcherConfig
}

// IngestResult reports what happened to an ingested event.
type IngestResult struct {
	Result AppendResult
	// Seq is the log position of an accepted event.
	Seq uint64
	// Commands are the compensation commands the event caused.
	Commands []Command
}

// Coordinator ingests transaction events and turns aborts into compensation
// commands for the connections that own the completed local transactions.
type Coordinator struct {
	events     EventLog
	tracker    *Tracker
	planner    *Planner
	router     *Router
	dispatcher *Dispatcher
	metrics    *Metrics
	log        *zap.Logger
	tracer     trace.Tracer
	stripes    []sync.Mutex
}

// NewCoordinator creates a Coordinator on top of events.
func NewCoordinator(events EventLog, cfg CoordinatorConfig, metrics *Metrics, log *zap.Logger) *Coordinator {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 256
	}
	if metrics == nil {
		metrics = NewMetrics("alpha")
	}
	router := NewRouter()
	return &Coordinator{
		events:     events,
		tracker:    NewTracker(log),
		planner:    NewPlanner(),
		router:     router,
		dispatcher: NewDispatcher(cfg.Dispatcher, router, metrics, log),
		metrics:    metrics,
		log:        log,
		tracer:     otel.Tracer(tracerName),
		stripes:    make([]sync.Mutex, cfg.LockStripes),
	}
}

func (c *Coordinator) lockFor(globalTxID string) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(globalTxID)%uint64(len(c.stripes))]
}

// Connect registers a live connection.
func (c *Coordinator) Connect(conn Conn) {
	c.router.Register(conn)
	c.metrics.Connections.Inc()
	c.log.Info("client connected", zap.String("conn_id", conn.ID()))
}

// Disconnect unregisters a connection. Commands sent on it that were never
// confirmed go back to pending, waiting for the same client instance to come
// back or for another connection to resend the Started event.
func (c *Coordinator) Disconnect(connID string) {
	released := c.router.Unregister(connID)
	for _, key := range released {
		c.dispatcher.Undelivered(key, ErrConnectionClosed)
	}
	c.metrics.Connections.Dec()
	c.log.Info("client disconnected",
		zap.String("conn_id", connID),
		zap.Int("released_local_txs", len(released)),
	)
}

// Ingest records an event received on connection connID and dispatches the
// compensation commands it makes necessary. Malformed events fail with a
// MalformedEventError and storage failures with a StorageError; neither
// changes any state, so the client may resend.
func (c *Coordinator) Ingest(ctx context.Context, connID string, event *TxEvent) (IngestResult, error) {
	start := time.Now()
	defer func() { c.metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := c.tracer.Start(ctx, "alpha.Ingest", trace.WithAttributes(
		attribute.String("saga.global_tx_id", event.GlobalTxID),
		attribute.String("saga.local_tx_id", event.LocalTxID),
		attribute.String("saga.event_type", event.Type.String()),
		attribute.String("saga.conn_id", connID),
	))
	defer span.End()

	result, err := c.ingest(ctx, connID, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(
		attribute.String("saga.append_result", result.Result.String()),
		attribute.Int("saga.commands", len(result.Commands)),
	)
	return result, nil
}

func (c *Coordinator) ingest(ctx context.Context, connID string, event *TxEvent) (IngestResult, error) {
	if err := event.Validate(); err != nil {
		c.metrics.Rejected.WithLabelValues("malformed").Inc()
		return IngestResult{}, err
	}
	if err := c.router.Authorize(connID, event); err != nil {
		c.metrics.Rejected.WithLabelValues("not_owner").Inc()
		return IngestResult{}, fmt.Errorf("event %s from connection %s: %w", event, connID, err)
	}

	mu := c.lockFor(event.GlobalTxID)
	mu.Lock()
	defer mu.Unlock()

	// The view must reflect the log before this event is appended, or
	// replaying history would swallow it.
	view, err := c.tracker.Load(ctx, c.events, event.GlobalTxID)
	if err != nil {
		c.metrics.Rejected.WithLabelValues("storage").Inc()
		return IngestResult{}, err
	}

	res, err := c.events.Append(ctx, event)
	if err != nil {
		c.metrics.Rejected.WithLabelValues("storage").Inc()
		return IngestResult{}, err
	}
	c.metrics.Events.WithLabelValues(event.Type.String(), res.String()).Inc()

	result := IngestResult{Result: res}
	if res == Duplicate {
		c.log.Debug("duplicate event", zap.Stringer("event", event))
		claimed := c.router.Claim(connID, event, view.IsAuthoritative(event))
		c.dispatcher.Redeliver(ctx, claimed)
		return result, nil
	}
	result.Seq = event.Seq

	_, tr := c.tracker.Apply(event)
	claimed := c.router.Claim(connID, event, view.IsAuthoritative(event))
	if event.Type == EventCompensated {
		key := event.key()
		if c.dispatcher.Complete(key) {
			c.log.Info("local transaction compensated",
				zap.String("global_tx_id", key.GlobalTxID),
				zap.String("local_tx_id", key.LocalTxID),
			)
		}
		c.router.Release(key)
	}
	if tr.FirstAbort {
		c.log.Info("global transaction aborted",
			zap.String("global_tx_id", event.GlobalTxID),
			zap.String("local_tx_id", event.LocalTxID),
		)
	}

	c.dispatcher.Redeliver(ctx, claimed)
	if tr.Recheck {
		result.Commands = c.plan(ctx, view)
	}
	return result, nil
}

// plan computes and dispatches the new commands of view. The caller holds
// the view's stripe lock.
func (c *Coordinator) plan(ctx context.Context, view *GlobalTxView) []Command {
	cmds := c.planner.Plan(view)
	if len(cmds) == 0 {
		return nil
	}
	for _, cmd := range cmds {
		if _, ok := c.router.Owner(cmd.key()); ok {
			continue
		}
		identity, _ := view.StartedBy(cmd.LocalTxID)
		c.router.Adopt(identity, cmd.key())
	}
	c.log.Info("compensation planned",
		zap.String("global_tx_id", view.GlobalTxID()),
		zap.Int("commands", len(cmds)),
	)
	c.dispatcher.Dispatch(ctx, cmds)
	return cmds
}

// Recover rebuilds the views of aborted global transactions from the log
// and dispatches the commands they still need. Commands whose owner is not
// connected wait for it to reconnect.
func (c *Coordinator) Recover(ctx context.Context) error {
	ids, err := c.events.AbortedGlobalTxIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list aborted global transactions: %w", err)
	}

	planned := 0
	for _, id := range ids {
		n, err := c.recover(ctx, id)
		if err != nil {
			return err
		}
		planned += n
	}
	c.log.Info("recovered aborted global transactions",
		zap.Int("global_txs", len(ids)),
		zap.Int("commands", planned),
	)
	return nil
}

func (c *Coordinator) recover(ctx context.Context, globalTxID string) (int, error) {
	mu := c.lockFor(globalTxID)
	mu.Lock()
	defer mu.Unlock()

	view, err := c.tracker.Load(ctx, c.events, globalTxID)
	if err != nil {
		return 0, err
	}
	return len(c.plan(ctx, view)), nil
}

// RunRedelivery retries undelivered commands until ctx is done.
func (c *Coordinator) RunRedelivery(ctx context.Context) error {
	return c.dispatcher.Run(ctx)
}

// Undelivered returns a command a connection could not write to pending.
func (c *Coordinator) Undelivered(cmd Command, err error) {
	c.dispatcher.Undelivered(cmd.key(), err)
}

// Events returns the logged events of a global transaction in log order.
func (c *Coordinator) Events(ctx context.Context, globalTxID string) ([]TxEvent, error) {
	return c.events.FindByGlobalTxID(ctx, globalTxID)
}

// Transaction returns a snapshot of a global transaction's state.
func (c *Coordinator) Transaction(ctx context.Context, globalTxID string) (ViewSnapshot, error) {
	if view, ok := c.tracker.View(globalTxID); ok {
		return view.Snapshot(), nil
	}

	history, err := c.events.FindByGlobalTxID(ctx, globalTxID)
	if err != nil {
		return ViewSnapshot{}, err
	}
	if len(history) == 0 {
		return ViewSnapshot{}, fmt.Errorf("global transaction %s: %w", globalTxID, ErrEventNotFound)
	}

	mu := c.lockFor(globalTxID)
	mu.Lock()
	defer mu.Unlock()

	view, err := c.tracker.Load(ctx, c.events, globalTxID)
	if err != nil {
		return ViewSnapshot{}, err
	}
	return view.Snapshot(), nil
}

// CallTree renders the call tree of a global transaction in Graphviz DOT
// format. Nodes are local transactions, edges run from parent to child.
func (c *Coordinator) CallTree(ctx context.Context, globalTxID string) (string, error) {
	snapshot, err := c.Transaction(ctx, globalTxID)
	if err != nil {
		return "", err
	}

	g := dag.New()
	for _, l := range snapshot.Locals {
		n := g.NodeFor(l.LocalTxID)
		if err := n.SetAttribute(encoding.Attribute{Key: "label", Value: l.LocalTxID + " (" + localState(l) + ")"}); err != nil {
			return "", err
		}
		if l.Aborted {
			if err := n.SetAttribute(encoding.Attribute{Key: "color", Value: "red"}); err != nil {
				return "", err
			}
		}
	}
	for _, l := range snapshot.Locals {
		if l.ParentTxID != "" && g.Has(l.ParentTxID) {
			g.Connect(l.ParentTxID, l.LocalTxID)
		}
	}
	return g.ExportToDot(globalTxID)
}

// Outstanding lists the compensation commands not yet reported compensated.
func (c *Coordinator) Outstanding() []OutstandingCommand {
	return c.dispatcher.Outstanding()
}

// Connections returns the number of live client connections.
func (c *Coordinator) Connections() int {
	return c.router.Connections()
}

// IsNotFound reports whether err means the requested data does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound)
}

func localState(l LocalSnapshot) string {
	switch {
	case l.Compensated:
		return "compensated"
	case l.Aborted:
		return "aborted"
	case l.CommandIssued:
		return "compensating"
	case l.Ended:
		return "ended"
	case l.Started:
		return "started"
	default:
		return "unknown"
	}
}
