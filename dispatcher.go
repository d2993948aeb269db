package alpha

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CommandState is the delivery state of a planned command.
type CommandState int

const (
	// CommandPending waits for a live owner to deliver to.
	CommandPending CommandState = iota
	// CommandSent was handed to the owning connection; it stays outstanding
	// until the client reports Compensated.
	CommandSent
	// CommandEscalated ran out of delivery attempts and needs an operator.
	// It is still redelivered when its owner reconnects.
	CommandEscalated
)

// String returns the string representation of the CommandState.
func (s CommandState) String() string {
	switch s {
	case CommandPending:
		return "pending"
	case CommandSent:
		return "sent"
	case CommandEscalated:
		return "escalated"
	default:
		return fmt.Sprintf("Unknown CommandState: %d", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CommandState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CommandState) UnmarshalText(data []byte) error {
	switch string(data) {
	case "pending":
		*s = CommandPending
	case "sent":
		*s = CommandSent
	case "escalated":
		*s = CommandEscalated
	default:
		return fmt.Errorf("unknown command state %q", data)
	}
	return nil
}

// DispatcherConfig bounds command redelivery.
type DispatcherConfig struct {
	// MaxDeliveryAttempts before a command is escalated.
	MaxDeliveryAttempts int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	// SendTimeout bounds how long a delivery waits on a full connection queue.
	SendTimeout time.Duration
	// SweepInterval is how often pending commands are retried.
	SweepInterval time.Duration
	// RedeliveriesPerSecond paces the sweeper.
	RedeliveriesPerSecond float64
}

func (c *DispatcherConfig) setDefaults() {
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.RedeliveriesPerSecond <= 0 {
		c.RedeliveriesPerSecond = 100
	}
}

type outstanding struct {
	sync.Mutex
	cmd         Command
	state       CommandState
	sentTo      string // connection holding a Sent command
	attempts    int
	lastErr     error
	nextAttempt time.Time
	createdAt   time.Time
	updatedAt   time.Time
}

// OutstandingCommand is a read-only copy of a command awaiting completion.
type OutstandingCommand struct {
	Command     Command      `json:"command"`
	State       CommandState `json:"state"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	NextAttempt time.Time    `json:"next_attempt,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Dispatcher delivers planned commands to their owning connections and keeps
// every command outstanding until the client reports it Compensated. A
// command is never dropped: failed deliveries are retried with backoff and,
// past MaxDeliveryAttempts, escalated.
type Dispatcher struct {
	cfg         DispatcherConfig
	router      *Router
	log         *zap.Logger
	metrics     *Metrics
	limiter     *rate.Limiter
	outstanding *xsync.MapOf[TxKey, *outstanding]
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher routing through router.
func NewDispatcher(cfg DispatcherConfig, router *Router, metrics *Metrics, log *zap.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:         cfg,
		router:      router,
		log:         log,
		metrics:     metrics,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RedeliveriesPerSecond), 1),
		outstanding: xsync.NewMapOf[TxKey, *outstanding](),
		now:         time.Now,
	}
}

// Dispatch records the commands as outstanding and tries to deliver each.
func (d *Dispatcher) Dispatch(ctx context.Context, cmds []Command) {
	for _, cmd := range cmds {
		now := d.now()
		o, loaded := d.outstanding.LoadOrStore(cmd.key(), &outstanding{
			cmd:       cmd,
			state:     CommandPending,
			createdAt: now,
			updatedAt: now,
		})
		if !loaded {
			d.metrics.CommandsPlanned.Inc()
			d.metrics.Outstanding.Inc()
		}
		d.attempt(ctx, o)
	}
}

// Redeliver retries the commands of the given local transactions right away,
// typically after their owner reconnected. Sent commands are only resent
// when the connection holding them no longer owns them.
func (d *Dispatcher) Redeliver(ctx context.Context, keys []TxKey) {
	for _, key := range keys {
		if o, ok := d.outstanding.Load(key); ok {
			d.attempt(ctx, o)
		}
	}
}

// Undelivered puts a command handed to a connection back to pending, for
// example when the stream broke before it was written.
func (d *Dispatcher) Undelivered(key TxKey, err error) {
	o, ok := d.outstanding.Load(key)
	if !ok {
		return
	}
	o.Lock()
	defer o.Unlock()
	if o.state != CommandSent {
		return
	}
	d.failed(o, err)
}

// Complete drops the command of a local transaction the client reported
// Compensated. It reports whether a command was outstanding.
func (d *Dispatcher) Complete(key TxKey) bool {
	if _, ok := d.outstanding.LoadAndDelete(key); !ok {
		return false
	}
	d.metrics.Outstanding.Dec()
	return true
}

// Outstanding lists the commands awaiting completion, oldest first.
func (d *Dispatcher) Outstanding() []OutstandingCommand {
	var out []OutstandingCommand
	d.outstanding.Range(func(_ TxKey, o *outstanding) bool {
		o.Lock()
		oc := OutstandingCommand{
			Command:     o.cmd,
			State:       o.state,
			Attempts:    o.attempts,
			NextAttempt: o.nextAttempt,
			CreatedAt:   o.createdAt,
			UpdatedAt:   o.updatedAt,
		}
		if o.lastErr != nil {
			oc.LastError = o.lastErr.Error()
		}
		o.Unlock()
		out = append(out, oc)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Run retries due pending commands until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				return nil
			}
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	var due []*outstanding
	now := d.now()
	d.outstanding.Range(func(_ TxKey, o *outstanding) bool {
		o.Lock()
		switch {
		case o.state == CommandPending && !o.nextAttempt.After(now):
			due = append(due, o)
		case o.state == CommandSent && d.stale(o):
			due = append(due, o)
		}
		o.Unlock()
		return true
	})

	for _, o := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		d.attempt(ctx, o)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, o *outstanding) {
	o.Lock()
	defer o.Unlock()

	conn, ok := d.router.Owner(o.cmd.key())
	if o.state == CommandSent {
		if ok && conn.ID() == o.sentTo {
			return
		}
		// The connection holding it is gone or lost ownership.
		d.log.Info("resending compensation command held by a former owner",
			zap.String("global_tx_id", o.cmd.GlobalTxID),
			zap.String("local_tx_id", o.cmd.LocalTxID),
			zap.String("former_conn_id", o.sentTo),
		)
	}
	if !ok {
		d.failed(o, ErrNoOwner)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := conn.Deliver(sendCtx, o.cmd)
	cancel()
	if err != nil {
		d.failed(o, err)
		return
	}

	o.attempts++
	o.state = CommandSent
	o.sentTo = conn.ID()
	o.lastErr = nil
	o.updatedAt = d.now()
	d.metrics.Deliveries.WithLabelValues("sent").Inc()
	d.log.Debug("compensation command handed to connection",
		zap.String("global_tx_id", o.cmd.GlobalTxID),
		zap.String("local_tx_id", o.cmd.LocalTxID),
		zap.String("conn_id", conn.ID()),
	)
}

// stale reports whether the connection holding a Sent command no longer owns
// it. The caller holds o's lock.
func (d *Dispatcher) stale(o *outstanding) bool {
	conn, ok := d.router.Owner(o.cmd.key())
	return !ok || conn.ID() != o.sentTo
}

// failed records a failed attempt. The caller holds o's lock.
func (d *Dispatcher) failed(o *outstanding, err error) {
	o.attempts++
	o.sentTo = ""
	o.updatedAt = d.now()
	derr := DeliveryFailed(o.cmd.key(), o.attempts, err)
	o.lastErr = derr
	d.metrics.Deliveries.WithLabelValues("failed").Inc()

	if o.attempts >= d.cfg.MaxDeliveryAttempts {
		if o.state != CommandEscalated {
			d.metrics.Escalations.Inc()
			d.log.Error("compensation command escalated after repeated delivery failures",
				zap.String("global_tx_id", o.cmd.GlobalTxID),
				zap.String("local_tx_id", o.cmd.LocalTxID),
				zap.String("compensation_method", o.cmd.CompensationMethod),
				zap.Int("attempts", o.attempts),
				zap.Error(derr),
			)
		}
		o.state = CommandEscalated
		return
	}

	o.state = CommandPending
	o.nextAttempt = o.updatedAt.Add(d.backoff(o.attempts))
	d.log.Warn("compensation command delivery failed", zap.Error(derr))
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.cfg.InitialBackoff
	for i := 1; i < attempts && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	if b > d.cfg.MaxBackoff {
		b = d.cfg.MaxBackoff
	}
	return b
}
