package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/rs/zerolog"
)

var (
	// ErrFailed is wrapped by errors returned once reconnection has
	// exhausted its retry budget.
	ErrFailed = errors.New("store unreachable after retries")

	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("connection manager closed")
)

// State is the connection lifecycle state
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	for st := Disconnected; st <= Failed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Reachable reports whether a handle exists in this state
func (s State) Reachable() bool {
	return s == Connected || s == Degraded
}

// Config holds connection settings
type Config struct {
	// Path is the live database file
	Path string `yaml:"path"`

	// BusyTimeout is how long SQLite waits on a locked file before SQLITE_BUSY
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// ReadPoolSize bounds the query-only pool
	ReadPoolSize int `yaml:"read_pool_size"`

	// HandleTimeout bounds how long Handle waits for a reconnect
	HandleTimeout time.Duration `yaml:"handle_timeout"`

	// Retry is the reconnect backoff policy
	Retry retry.Policy `yaml:"retry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:          "data/bastion.db",
		BusyTimeout:   5 * time.Second,
		ReadPoolSize:  4,
		HandleTimeout: 30 * time.Second,
		Retry:         retry.DefaultPolicy(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy_timeout must not be negative")
	}
	if c.ReadPoolSize < 1 {
		return fmt.Errorf("read_pool_size must be at least 1, got %d", c.ReadPoolSize)
	}
	if c.HandleTimeout < 0 {
		return errors.New("handle_timeout must not be negative")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Manager owns the single live store handle. Other components borrow it for
// one operation at a time and never keep it.
type Manager struct {
	cfg    Config
	opener Opener
	events events.Publisher
	logger zerolog.Logger

	mu     sync.RWMutex
	state  State
	reason string
	handle *Handle
	closed bool

	// reconnectMu serializes opening and closing the handle
	reconnectMu sync.Mutex

	// token is the writer lease: one slot, held for a whole transaction
	token chan struct{}
}

// NewManager creates a connection manager. A nil opener uses SQLite and a
// nil publisher discards events.
func NewManager(cfg Config, opener Opener, pub events.Publisher) *Manager {
	if opener == nil {
		opener = SQLite
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Manager{
		cfg:    cfg,
		opener: opener,
		events: pub,
		logger: log.WithDatabase("conn", cfg.Path),
		state:  Disconnected,
		token:  make(chan struct{}, 1),
	}
}

// Path returns the live database file path
func (m *Manager) Path() string {
	return m.cfg.Path
}

// Config returns the manager's configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason returns why the manager entered its current state
func (m *Manager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Connect opens the store, retrying transient failures with backoff
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.reconnect(ctx, "connect")
	return err
}

// Reconnect re-establishes the handle if it is not usable. It is a no-op
// when the store is already reachable.
func (m *Manager) Reconnect(ctx context.Context) error {
	_, err := m.reconnect(ctx, "reconnect")
	return err
}

// Handle returns the live handle. A Connected or Degraded store is returned
// as is; otherwise Handle reconnects synchronously, bounded by
// Config.HandleTimeout.
func (m *Manager) Handle(ctx context.Context) (*Handle, error) {
	if h, ok := m.usable(); ok {
		return h, nil
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	if m.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandleTimeout)
		defer cancel()
	}
	return m.reconnect(ctx, "handle requested")
}

// ReadHandle returns the query-only pool of the live handle
func (m *Manager) ReadHandle(ctx context.Context) (*sql.DB, error) {
	h, err := m.Handle(ctx)
	if err != nil {
		return nil, err
	}
	return h.Read, nil
}

func (m *Manager) usable() (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.handle == nil || !m.state.Reachable() {
		return nil, false
	}
	return m.handle, true
}

// Stats returns pool statistics for the live handle without reconnecting.
// ok is false while no handle is open.
func (m *Manager) Stats() (write, read sql.DBStats, ok bool) {
	h, ok := m.usable()
	if !ok {
		return write, read, false
	}
	return h.Write.Stats(), h.Read.Stats(), true
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) reconnect(ctx context.Context, reason string) (*Handle, error) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.isClosed() {
		return nil, ErrClosed
	}
	// Another caller may have reconnected while we waited
	if h, ok := m.usable(); ok {
		return h, nil
	}

	m.dropHandle()
	m.transition(Connecting, reason)

	var opened *Handle
	attempts, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context, attempt int) error {
		metrics.ReconnectAttempts.Inc()
		h, err := m.opener.Open(ctx, m.cfg)
		if err != nil {
			return dberr.Classify("conn.open", err)
		}
		opened = h
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		m.logger.Warn().
			Int("attempt", attempt).
			Dur("delay", delay).
			Object("error", dberr.Classify("conn.open", err).LogRecord()).
			Msg("Connection attempt failed, retrying")
	})

	if err != nil {
		ce := dberr.Classify("conn.open", err)
		if errors.Is(ctx.Err(), context.Canceled) {
			m.transition(Disconnected, "connect canceled")
			return nil, ce
		}

		metrics.ReconnectFailures.Inc()
		m.logger.Error().
			Int("attempts", attempts).
			Object("error", ce.LogRecord()).
			Msg("Store unreachable")
		m.transition(Failed, ce.Error())

		kind, code := ce.Kind, ce.Code
		if kind == dberr.Transient {
			kind, code = dberr.Fatal, dberr.CodeUnavail
		}
		return nil, dberr.New(kind, code, "conn.connect",
			fmt.Errorf("%w after %d attempts: %w", ErrFailed, attempts, ce.Err))
	}

	m.mu.Lock()
	m.handle = opened
	m.mu.Unlock()

	m.logger.Info().Int("attempts", attempts).Msg("Store connected")
	m.transition(Connected, reason)
	return opened, nil
}

// dropHandle closes the current handle, if any. Callers hold reconnectMu.
func (m *Manager) dropHandle() {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close stale handle")
		}
	}
}

// transition moves to state to. When from is non-empty the move only happens
// if the current state is one of them. It reports whether the move happened.
func (m *Manager) transition(to State, reason string, from ...State) bool {
	m.mu.Lock()
	prev := m.state
	if len(from) > 0 && !slices.Contains(from, prev) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.reason = reason
	m.mu.Unlock()

	if prev == to {
		return true
	}

	metrics.ConnectionState.Set(float64(to))
	m.logger.Info().
		Str("from", prev.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("Connection state changed")
	m.events.Publish(&events.Event{
		Type:    events.EventStateChanged,
		Message: fmt.Sprintf("connection %s -> %s", prev, to),
		Metadata: map[string]string{
			events.KeyFrom:   prev.String(),
			events.KeyTo:     to.String(),
			events.KeyReason: reason,
		},
	})
	return true
}

// ReportFailure records a failure seen by a caller. Storage level failures
// move a Connected store to Degraded; anything else is ignored.
func (m *Manager) ReportFailure(ce *dberr.ClassifiedError) {
	if ce == nil || !ce.StorageLevel() {
		return
	}
	if m.transition(Degraded, ce.Error(), Connected) {
		m.logger.Warn().Object("error", ce.LogRecord()).Msg("Store degraded after failure")
	}
}

// MarkDegraded moves a Connected store to Degraded
func (m *Manager) MarkDegraded(reason string) bool {
	return m.transition(Degraded, reason, Connected)
}

// MarkHealthy moves a Degraded store back to Connected
func (m *Manager) MarkHealthy() bool {
	return m.transition(Connected, "recovered", Degraded)
}

// Invalidate discards a reachable handle that can no longer be used. The next
// Handle call reconnects.
func (m *Manager) Invalidate(reason string) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if !m.State().Reachable() {
		return
	}
	m.dropHandle()
	m.transition(Disconnected, reason)
}

// Lease is exclusive use of the write pool for one operation
type Lease struct {
	m       *Manager
	handle  *Handle
	release sync.Once
}

// DB returns the single-connection write pool
func (l *Lease) DB() *sql.DB {
	return l.handle.Write
}

// Handle returns the full handle held by the lease
func (l *Lease) Handle() *Handle {
	return l.handle
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		<-l.m.token
	})
}

// Acquire waits for the writer lease and returns it together with a usable
// handle. The caller must Release it.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	if err := m.acquireToken(ctx); err != nil {
		return nil, err
	}
	h, err := m.Handle(ctx)
	if err != nil {
		<-m.token
		return nil, err
	}
	return &Lease{m: m, handle: h}, nil
}

func (m *Manager) acquireToken(ctx context.Context) error {
	timer := metrics.NewTimer()
	select {
	case m.token <- struct{}{}:
		timer.ObserveDuration(metrics.LeaseWait)
		return nil
	case <-ctx.Done():
		return dberr.Classify("conn.acquire", ctx.Err())
	}
}

// Checkpoint copies the WAL into the main file and truncates it. It must not
// be called while holding a lease with an open transaction.
func (m *Manager) Checkpoint(ctx context.Context) error {
	h, ok := m.usable()
	if !ok {
		return dberr.New(dberr.Fatal, dberr.CodeUnavail, "conn.checkpoint", errors.New("store not connected"))
	}
	return checkpoint(ctx, h.Write)
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	var busy, logFrames, checkpointed int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return dberr.Classify("conn.checkpoint", err)
	}
	if busy != 0 {
		return dberr.New(dberr.Transient, dberr.CodeBusy, "conn.checkpoint", errors.New("checkpoint blocked by readers"))
	}
	return nil
}

// Exclusive closes the handle, runs fn against the database file path and
// always reconnects afterwards, whatever fn returned. It holds the writer
// lease throughout, so no transaction runs while fn has the file.
func (m *Manager) Exclusive(ctx context.Context, fn func(path string) error) error {
	if err := m.acquireToken(ctx); err != nil {
		return err
	}
	defer func() { <-m.token }()

	m.reconnectMu.Lock()
	if m.isClosed() {
		m.reconnectMu.Unlock()
		return ErrClosed
	}
	if h, ok := m.usable(); ok {
		if err := checkpoint(ctx, h.Write); err != nil {
			m.logger.Warn().Err(err).Msg("Checkpoint before exclusive access failed")
		}
	}
	m.dropHandle()
	m.transition(Disconnected, "exclusive file access")

	fnErr := fn(m.cfg.Path)
	m.reconnectMu.Unlock()

	_, err := m.reconnect(ctx, "exclusive file access finished")
	return errors.Join(fnErr, err)
}

// Shutdown waits for the writer lease, so an in-flight transaction finishes,
// and then closes. If ctx ends first it closes anyway.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.acquireToken(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Closing with a transaction still in flight")
		return errors.Join(err, m.Close())
	}
	defer func() { <-m.token }()
	return m.Close()
}

// Close checkpoints and closes the handle. It is idempotent.
func (m *Manager) Close() error {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	var err error
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := checkpoint(ctx, h.Write); cerr != nil {
			m.logger.Warn().Err(cerr).Msg("Checkpoint on close failed")
		}
		cancel()
		err = h.Close()
	}
	m.transition(Disconnected, "closed")
	return err
}
