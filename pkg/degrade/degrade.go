package degrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrStoreUnavailable marks operations refused because the store is
	// degraded or unreachable
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrQueued marks refused operations that were queued for replay
	ErrQueued = errors.New("operation queued for replay")
)

// Access is the kind of store access an operation needs
type Access int

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// UnavailableError is returned instead of running an operation the store
// cannot serve. It matches ErrStoreUnavailable, and ErrQueued when the
// operation was kept for replay.
type UnavailableError struct {
	Access Access
	State  conn.State
	Queued bool
	Cause  error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("store unavailable for %s (state %s)", e.Access, e.State)
	if e.Queued {
		msg += ", queued for replay"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable || (e.Queued && target == ErrQueued)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// UserMessage returns the text shown to players
func (e *UnavailableError) UserMessage() string {
	return dberr.UserMessage(e.Cause)
}

// Config holds degradation settings
type Config struct {
	// QueueSize bounds the number of operations kept for replay
	QueueSize int `yaml:"queue_size"`

	// ReplayTimeout bounds each replayed operation
	ReplayTimeout time.Duration `yaml:"replay_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:     100,
		ReplayTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.ReplayTimeout <= 0 {
		return errors.New("replay_timeout must be positive")
	}
	return nil
}

// Operation is a write waiting to be replayed
type Operation struct {
	ID       string
	Name     string
	Enqueued time.Time
	Work     txn.UnitOfWork

	retryable bool
}

// Option configures a submitted operation
type Option func(*Operation)

// WithName labels the operation in logs and events
func WithName(name string) Option {
	return func(op *Operation) { op.Name = name }
}

// Retryable keeps the operation for replay if the store cannot take it now
func Retryable() Option {
	return func(op *Operation) { op.retryable = true }
}

// Controller decides which operations the store can serve in its current
// state and replays queued writes once it recovers.
type Controller struct {
	cfg    Config
	conn   *conn.Manager
	txn    *txn.Manager
	broker *events.Broker
	events events.Publisher
	logger zerolog.Logger

	mu    sync.Mutex
	queue []*Operation

	replayMu sync.Mutex

	sub      events.Subscriber
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController creates a controller. With a nil broker the controller
// publishes nothing and only replays on Reconcile.
func NewController(cfg Config, c *conn.Manager, t *txn.Manager, broker *events.Broker) *Controller {
	ctl := &Controller{
		cfg:    cfg,
		conn:   c,
		txn:    t,
		broker: broker,
		events: events.Discard,
		logger: log.WithComponent("degrade"),
		stopCh: make(chan struct{}),
	}
	if broker != nil {
		ctl.events = broker
	}
	return ctl
}

// Available reports whether the store can serve access in its current state.
// Writes need a Connected (or reconnectable) store; reads are refused only
// once the store has Failed.
func (c *Controller) Available(access Access) bool {
	switch c.conn.State() {
	case conn.Failed:
		return false
	case conn.Degraded:
		return access == Read
	}
	return true
}

// Allow returns an *UnavailableError when access cannot be served
func (c *Controller) Allow(access Access) error {
	if c.Available(access) {
		return nil
	}
	metrics.OperationsRejected.WithLabelValues(access.String()).Inc()
	return c.unavailable(access, false, nil)
}

func (c *Controller) unavailable(access Access, queued bool, cause error) error {
	state := c.conn.State()
	if cause == nil {
		cause = dberr.New(dberr.Fatal, dberr.CodeUnavail, "degrade."+access.String(),
			fmt.Errorf("store is %s: %s", state, c.conn.Reason()))
	}
	return &UnavailableError{Access: access, State: state, Queued: queued, Cause: cause}
}

// Do runs uow through RunAtomic when the store accepts writes. A refused or
// failed write marked Retryable is queued and replayed in order once the
// store is Connected again.
func (c *Controller) Do(ctx context.Context, uow txn.UnitOfWork, opts ...Option) error {
	op := &Operation{Work: uow}
	for _, opt := range opts {
		opt(op)
	}

	if !c.Available(Write) {
		metrics.OperationsRejected.WithLabelValues(Write.String()).Inc()
		if op.retryable {
			c.enqueue(op)
		}
		return c.unavailable(Write, op.retryable, nil)
	}

	err := c.txn.RunAtomic(ctx, uow)
	if err == nil {
		return nil
	}
	// The failure itself may have taken the store down
	if op.retryable && !c.Available(Write) {
		c.enqueue(op)
		return c.unavailable(Write, true, err)
	}
	return err
}

// View runs fn on the read pool unless the store has Failed
func (c *Controller) View(ctx context.Context, fn txn.ReadFunc) error {
	if err := c.Allow(Read); err != nil {
		return err
	}
	return c.txn.View(ctx, fn)
}

func (c *Controller) enqueue(op *Operation) {
	op.ID = uuid.NewString()
	op.Enqueued = time.Now()
	if op.Name == "" {
		op.Name = "unnamed"
	}

	c.mu.Lock()
	var dropped *Operation
	if len(c.queue) >= c.cfg.QueueSize {
		dropped = c.queue[0]
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, op)
	depth := len(c.queue)
	c.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	c.logger.Info().Str("op", op.Name).Str("op_id", op.ID).Int("depth", depth).Msg("Operation queued for replay")

	if dropped != nil {
		metrics.OperationsDropped.Inc()
		c.logger.Warn().
			Str("op", dropped.Name).
			Str("op_id", dropped.ID).
			Time("enqueued", dropped.Enqueued).
			Msg("Replay queue full, dropped oldest operation")
		c.events.Publish(&events.Event{
			Type:     events.EventOperationDropped,
			Message:  fmt.Sprintf("dropped queued operation %s", dropped.Name),
			Metadata: map[string]string{events.KeyReason: "queue full"},
		})
	}
}

// Pending returns the queued operations, oldest first
func (c *Controller) Pending() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.queue))
	for i, op := range c.queue {
		out[i] = *op
	}
	return out
}

// Replay runs queued operations in order while the store is Connected. It
// stops at the first operation the store could not take, leaving it and
// everything after it queued. Operations that fail for their own reasons are
// dropped and logged. It returns the number of operations committed.
func (c *Controller) Replay(ctx context.Context) (int, error) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	replayed := 0
	for {
		if c.conn.State() != conn.Connected {
			return replayed, nil
		}
		op := c.front()
		if op == nil {
			return replayed, nil
		}

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.ReplayTimeout)
		err := c.txn.RunAtomic(opCtx, op.Work)
		cancel()

		if err != nil && (ctx.Err() != nil || !c.Available(Write) || dberr.IsTransient(err)) {
			metrics.OperationsReplayed.WithLabelValues("deferred").Inc()
			c.logger.Warn().Str("op", op.Name).Err(err).Msg("Replay interrupted, operation stays queued")
			return replayed, err
		}

		c.remove(op)
		if err != nil {
			metrics.OperationsReplayed.WithLabelValues("failed").Inc()
			c.logger.Error().Str("op", op.Name).Str("op_id", op.ID).Err(err).Msg("Replayed operation failed, dropping it")
			continue
		}

		replayed++
		metrics.OperationsReplayed.WithLabelValues("succeeded").Inc()
		c.logger.Info().
			Str("op", op.Name).
			Str("op_id", op.ID).
			Dur("queued_for", time.Since(op.Enqueued)).
			Msg("Replayed queued operation")
		c.events.Publish(&events.Event{
			Type:    events.EventOperationReplayed,
			Message: fmt.Sprintf("replayed queued operation %s", op.Name),
		})
	}
}

func (c *Controller) front() *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

// remove deletes op by identity; it may already have been dropped
func (c *Controller) remove(op *Operation) {
	c.mu.Lock()
	for i, queued := range c.queue {
		if queued == op {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	depth := len(c.queue)
	c.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))
}

// Reconcile replays the queue if the store is Connected. The health monitor
// calls it after every probe.
func (c *Controller) Reconcile(ctx context.Context) {
	if c.conn.State() != conn.Connected || c.front() == nil {
		return
	}
	if _, err := c.Replay(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Replay deferred")
	}
}

// Start follows connection state changes on the broker and replays the
// queue whenever the store becomes Connected.
func (c *Controller) Start() {
	if c.broker == nil || c.sub != nil {
		return
	}
	c.sub = c.broker.Subscribe()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			select {
			case ev, ok := <-c.sub:
				if !ok {
					return
				}
				c.handle(ctx, ev)
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Controller) handle(ctx context.Context, ev *events.Event) {
	if ev.Type != events.EventStateChanged {
		return
	}
	to := ev.Metadata[events.KeyTo]
	switch to {
	case conn.Degraded.String():
		c.logger.Warn().Str("reason", ev.Metadata[events.KeyReason]).Msg("Store degraded, writes disabled")
	case conn.Failed.String():
		c.logger.Error().Str("reason", ev.Metadata[events.KeyReason]).Msg("Store failed, store-dependent operations disabled")
	case conn.Connected.String():
		if ev.Metadata[events.KeyFrom] == conn.Degraded.String() {
			c.logger.Info().Msg("Store recovered, writes enabled")
		}
		c.Reconcile(ctx)
	}
}

// Stop stops following events and waits for a running replay
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	if c.sub != nil {
		c.broker.Unsubscribe(c.sub)
	}
}
