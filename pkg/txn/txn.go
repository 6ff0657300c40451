package txn

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrNestedTransaction is returned when RunAtomic is called from inside a
// unit of work. The writer lease is not reentrant.
var ErrNestedTransaction = errors.New("RunAtomic called inside a unit of work")

// UnitOfWork is a group of reads and writes that commit together or not at
// all. It must use tx for every statement and must not keep tx after
// returning.
type UnitOfWork func(ctx context.Context, tx *sql.Tx) error

// ReadFunc runs queries against a read-only snapshot
type ReadFunc func(ctx context.Context, q Querier) error

// Querier is the subset of *sql.Tx, *sql.DB and *sql.Conn used by typed
// repositories.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ErrorObserver is called with every classified failure
type ErrorObserver func(ce *dberr.ClassifiedError)

type ctxKey struct{}

// InTransaction reports whether ctx belongs to a running unit of work
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}

// Manager runs units of work on the connection manager's write pool
type Manager struct {
	conn   *conn.Manager
	logger zerolog.Logger

	mu        sync.RWMutex
	observers []ErrorObserver
}

// NewManager creates a transaction manager
func NewManager(c *conn.Manager) *Manager {
	return &Manager{
		conn:   c,
		logger: log.WithComponent("txn"),
	}
}

// Observe registers fn to be called with every classified failure
func (m *Manager) Observe(fn ErrorObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// RunAtomic runs uow in a transaction under the writer lease. It commits when
// uow returns nil and rolls back when it returns an error or panics; a panic
// is re-raised after the rollback. Errors are returned classified.
func (m *Manager) RunAtomic(ctx context.Context, uow UnitOfWork) error {
	if InTransaction(ctx) {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		return ErrNestedTransaction
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransactionDuration)

	lease, err := m.conn.Acquire(ctx)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		return m.fail("txn.acquire", err)
	}
	defer lease.Release()

	tx, err := lease.DB().BeginTx(ctx, nil)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		return m.fail("txn.begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			m.rollback(tx)
			metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
			m.logger.Error().Interface("panic", p).Msg("Unit of work panicked, rolled back")
			panic(p)
		}
	}()

	if err := uow(context.WithValue(ctx, ctxKey{}, true), tx); err != nil {
		m.rollback(tx)
		metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
		return m.fail("txn.run", err)
	}

	if err := tx.Commit(); err != nil {
		m.rollback(tx)
		metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
		return m.fail("txn.commit", err)
	}

	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// View runs fn inside a read transaction on the query-only pool. It does not
// take the writer lease.
func (m *Manager) View(ctx context.Context, fn ReadFunc) error {
	db, err := m.conn.ReadHandle(ctx)
	if err != nil {
		return m.fail("txn.view", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return m.fail("txn.view", err)
	}
	defer m.rollback(tx)

	if err := fn(ctx, tx); err != nil {
		return m.fail("txn.view", err)
	}
	return nil
}

func (m *Manager) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		m.logger.Warn().Err(err).Msg("Rollback failed")
	}
}

func (m *Manager) fail(op string, err error) error {
	if errors.Is(err, ErrNestedTransaction) {
		return err
	}

	ce := dberr.Classify(op, err)
	metrics.ErrorsTotal.WithLabelValues(string(ce.Kind), ce.Code).Inc()

	if ce.StorageLevel() {
		m.logger.Warn().Object("error", ce.LogRecord()).Msg("Storage failure")
		m.conn.ReportFailure(ce)
	} else {
		m.logger.Debug().Object("error", ce.LogRecord()).Msg("Transaction failed")
	}

	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(ce)
	}
	return ce
}
