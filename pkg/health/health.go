package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/txn"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeLiveness  CheckType = "liveness"
	CheckTypeHeartbeat CheckType = "heartbeat"
	CheckTypeIntegrity CheckType = "integrity"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
	Err       *dberr.ClassifiedError
}

func newResult(start time.Time, op string, err error) Result {
	r := Result{
		Healthy:   err == nil,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		r.Err = dberr.Classify(op, err)
		r.Message = r.Err.Error()
	}
	return r
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the monitor configuration
type Config struct {
	// Interval is the time between probes
	Interval time.Duration `yaml:"interval"`

	// Timeout is the maximum time a single probe may take
	Timeout time.Duration `yaml:"timeout"`

	// IntegrityEvery runs the integrity check on every Nth probe
	IntegrityEvery int `yaml:"integrity_every"`

	// HistorySize is the number of snapshots kept in memory
	HistorySize int `yaml:"history_size"`

	// Retries is the number of consecutive liveness failures before a
	// reachable handle is discarded and reopened
	Retries int `yaml:"retries"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		Timeout:        10 * time.Second,
		IntegrityEvery: 10,
		HistorySize:    120,
		Retries:        3,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return errors.New("interval must be positive")
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	case c.IntegrityEvery < 1:
		return fmt.Errorf("integrity_every must be at least 1, got %d", c.IntegrityEvery)
	case c.HistorySize < 1:
		return fmt.Errorf("history_size must be at least 1, got %d", c.HistorySize)
	case c.Retries < 1:
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	}
	return nil
}

// Status tracks consecutive liveness results
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last health check
	LastCheck time.Time

	// LastResult is the result of the last health check
	LastResult Result

	// Healthy is false once Retries consecutive checks have failed
	Healthy bool
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{
		Healthy: true, // Assume healthy until proven otherwise
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0

		// Mark as unhealthy after reaching retry threshold
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

// LivenessChecker verifies that a handle can be obtained and answers a read
type LivenessChecker struct {
	Conn *conn.Manager
}

func (c *LivenessChecker) Type() CheckType { return CheckTypeLiveness }

func (c *LivenessChecker) Check(ctx context.Context) Result {
	start := time.Now()
	db, err := c.Conn.ReadHandle(ctx)
	if err == nil {
		var one int
		err = db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	}
	return newResult(start, "health.liveness", err)
}

// HeartbeatChecker proves the store is writable by upserting a single row
// through RunAtomic.
type HeartbeatChecker struct {
	Txn *txn.Manager
}

func (c *HeartbeatChecker) Type() CheckType { return CheckTypeHeartbeat }

func (c *HeartbeatChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.Txn.RunAtomic(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO store_heartbeat (id, beat_at) VALUES (1, ?)
			 ON CONFLICT (id) DO UPDATE SET beat_at = excluded.beat_at`,
			start.UTC().Format(time.RFC3339Nano))
		return err
	})
	return newResult(start, "health.heartbeat", err)
}

// IntegrityChecker runs PRAGMA integrity_check under the writer lease
type IntegrityChecker struct {
	Conn *conn.Manager

	// MaxErrors bounds the number of problems SQLite reports
	MaxErrors int
}

func (c *IntegrityChecker) Type() CheckType { return CheckTypeIntegrity }

func (c *IntegrityChecker) Check(ctx context.Context) Result {
	start := time.Now()
	lease, err := c.Conn.Acquire(ctx)
	if err != nil {
		return newResult(start, "health.integrity", err)
	}
	defer lease.Release()

	problems, err := conn.IntegrityCheck(ctx, lease.DB(), c.MaxErrors)
	if err == nil && len(problems) > 0 {
		err = fmt.Errorf("%w: %s", dberr.ErrIntegrity, strings.Join(problems, "; "))
	}
	return newResult(start, "health.integrity", err)
}
