package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/backup"
	"github.com/cuemby/bastion/pkg/config"
	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/degrade"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/health"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/nation"
	"github.com/cuemby/bastion/pkg/schema"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/rs/zerolog"
)

// Store is the single entry point the bot uses for persistence. It owns the
// connection and every reliability component built on it.
type Store struct {
	cfg    config.Config
	broker *events.Broker
	conn   *conn.Manager
	txn    *txn.Manager
	schema *schema.Validator
	health *health.Monitor
	backup *backup.Manager
	ctl    *degrade.Controller
	audit  *audit.Logger
	logger zerolog.Logger

	collector *MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	opener     conn.Opener
	migrations []schema.Migration
	migrate    bool
}

// Option configures Open
type Option func(*options)

// WithOpener replaces the SQLite opener
func WithOpener(o conn.Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithMigrations replaces the game schema
func WithMigrations(m []schema.Migration) Option {
	return func(opts *options) { opts.migrations = m }
}

// SkipMigrate opens the store without validating or migrating the schema
func SkipMigrate() Option {
	return func(opts *options) { opts.migrate = false }
}

// Open connects to the store, validates and migrates its schema and wires
// the reliability components. Background loops start with Start. A
// Structural schema error stops Open: the bot must not run on a store it
// cannot trust.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Store, error) {
	o := options{migrations: nation.Migrations(), migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.WithDatabase("storage", cfg.Connection.Path)
	broker := events.NewBroker()
	broker.Start()

	metrics.RegisterComponent(metrics.ComponentStore, false, "connecting")
	c := conn.NewManager(cfg.Connection, o.opener, broker)
	if err := c.Connect(ctx); err != nil {
		broker.Stop()
		return nil, err
	}

	t := txn.NewManager(c)
	v, err := schema.NewValidator(t, o.migrations, cfg.MigrationRetry, broker)
	if err != nil {
		_ = c.Close()
		broker.Stop()
		return nil, err
	}
	if o.migrate {
		if _, err := v.ValidateAndMigrate(ctx); err != nil {
			metrics.RegisterComponent(metrics.ComponentSchema, false, err.Error())
			_ = c.Close()
			broker.Stop()
			return nil, err
		}
		metrics.RegisterComponent(metrics.ComponentSchema, true, "")
	}

	mon := health.NewMonitor(cfg.Health, c, t, broker)
	t.Observe(mon.Observe)

	b := backup.NewManager(cfg.Backup, c, broker)
	mon.SetBackupStatus(b)
	metrics.RegisterComponent(metrics.ComponentBackup, true, "")

	ctl := degrade.NewController(cfg.Degradation, c, t, broker)
	al := audit.NewLogger(cfg.Audit, t, ctl, broker)
	metrics.RegisterComponent(metrics.ComponentAudit, true, "")

	s := &Store{
		cfg:    cfg,
		broker: broker,
		conn:   c,
		txn:    t,
		schema: v,
		health: mon,
		backup: b,
		ctl:    ctl,
		audit:  al,
		logger: logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.collector = NewMetricsCollector(s, cfg.Health.Interval)
	mon.OnProbe(func(health.Snapshot) { ctl.Reconcile(s.ctx) })

	metrics.UpdateComponent(metrics.ComponentStore, true, c.State().String())
	logger.Info().Int("schema_version", v.Target()).Msg("Store opened")
	return s, nil
}

// Start runs the first health probe and starts the background loops: health
// monitor, backup scheduler, degradation controller and metrics collector.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		s.health.Probe(s.ctx)
		s.health.Start()
		s.backup.Start()
		s.ctl.Start()
		s.collector.Start()
		s.logger.Info().
			Dur("health_interval", s.cfg.Health.Interval).
			Dur("backup_interval", s.cfg.Backup.Interval).
			Msg("Background loops started")
	})
}

// RunAtomic runs uow as one transaction. While the store cannot take writes
// it returns an error matching degrade.ErrStoreUnavailable; with
// degrade.Retryable the work is queued and replayed after recovery.
func (s *Store) RunAtomic(ctx context.Context, uow txn.UnitOfWork, opts ...degrade.Option) error {
	return s.ctl.Do(ctx, uow, opts...)
}

// View runs fn against a read-only snapshot. Reads keep working while the
// store is Degraded.
func (s *Store) View(ctx context.Context, fn txn.ReadFunc) error {
	return s.ctl.View(ctx, fn)
}

// Health returns the latest snapshot without touching the database
func (s *Store) Health() health.Snapshot {
	return s.health.Current()
}

// HealthHistory returns the recorded snapshots, oldest first
func (s *Store) HealthHistory() []health.Snapshot {
	return s.health.History()
}

// Probe runs a health probe now
func (s *Store) Probe(ctx context.Context) health.Snapshot {
	return s.health.Probe(ctx)
}

// PendingOperations returns the writes queued for replay
func (s *Store) PendingOperations() []degrade.Operation {
	return s.ctl.Pending()
}

// SchemaStatus reports applied and pending migrations
func (s *Store) SchemaStatus(ctx context.Context) (schema.Status, error) {
	return s.schema.Status(ctx)
}

// Migrate validates and migrates the schema
func (s *Store) Migrate(ctx context.Context) (int, error) {
	version, err := s.schema.ValidateAndMigrate(ctx)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentSchema, false, err.Error())
		return version, err
	}
	metrics.UpdateComponent(metrics.ComponentSchema, true, "")
	return version, nil
}

// CheckIntegrity runs a full integrity check on the live store and returns
// the problems found
func (s *Store) CheckIntegrity(ctx context.Context) ([]string, error) {
	lease, err := s.conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	problems, err := conn.IntegrityCheck(ctx, lease.DB(), 100)
	if err != nil {
		return nil, dberr.Classify("storage.integrity", err)
	}
	if len(problems) > 0 {
		s.conn.MarkDegraded("integrity check failed")
		return problems, dberr.New(dberr.Structural, dberr.CodeIntegrity, "storage.integrity",
			fmt.Errorf("%w: %s", dberr.ErrIntegrity, strings.Join(problems, "; ")))
	}
	return nil, nil
}

// BackupNow takes a manual backup
func (s *Store) BackupNow(ctx context.Context) (backup.Record, error) {
	return s.backup.Create(ctx, backup.KindManual)
}

// ListBackups returns the backups on disk, newest first
func (s *Store) ListBackups() ([]backup.Record, error) {
	return s.backup.List()
}

// DeleteBackup removes a backup by name
func (s *Store) DeleteBackup(name string) error {
	return s.backup.Delete(name)
}

// Restore replaces the live store with a backup, given by name or path, and
// brings the restored store up to the current schema.
func (s *Store) Restore(ctx context.Context, path string) error {
	if err := s.backup.Restore(ctx, path); err != nil {
		return err
	}
	if _, err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("restored store failed schema validation: %w", err)
	}
	return nil
}

// RecordAudit records an administrative action
func (s *Store) RecordAudit(ctx context.Context, e audit.Entry) error {
	return s.audit.Record(ctx, e)
}

// PendingAudit returns the audit entries waiting in the fallback file
func (s *Store) PendingAudit() ([]audit.Entry, error) {
	return s.audit.Pending()
}

// ReplayAuditFallback moves audit entries from the fallback file into the
// store
func (s *Store) ReplayAuditFallback(ctx context.Context) (int, error) {
	if err := s.ctl.Allow(degrade.Write); err != nil {
		return 0, err
	}
	return s.audit.Replay(ctx)
}

// Events subscribes to store events. Call Unsubscribe when done.
func (s *Store) Events() events.Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe ends a subscription returned by Events
func (s *Store) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// Close stops the background loops, waits for an in-flight transaction
// bounded by ctx, and closes the store. It is idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.health.Stop()
		s.backup.Stop()
		s.ctl.Stop()
		s.collector.Stop()

		if pending := len(s.ctl.Pending()); pending > 0 {
			s.logger.Warn().Int("operations", pending).Msg("Closing with queued operations that were never replayed")
		}

		s.closeErr = s.conn.Shutdown(ctx)
		metrics.UpdateComponent(metrics.ComponentStore, false, "closed")
		s.broker.Stop()
		s.logger.Info().Msg("Store closed")
	})
	return s.closeErr
}

// EnsureDirs creates the directories the configuration points at
func EnsureDirs(cfg config.Config) error {
	dirs := []string{
		filepath.Dir(cfg.Connection.Path),
		cfg.Backup.Dir,
		filepath.Dir(cfg.Audit.FallbackPath),
	}
	var errs []error
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
