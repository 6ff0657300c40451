package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/rs/zerolog"
)

const bootstrapSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS store_heartbeat (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	beat_at TEXT NOT NULL
);
`

// Migration is one schema step. Up runs inside the same transaction that
// records Version, so a step is either fully applied and recorded or not at
// all.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// Statements returns an Up function that executes stmts in order
func Statements(stmts ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		return nil
	}
}

// AppliedMigration is a row of schema_migrations
type AppliedMigration struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

// Status describes the store's schema relative to the binary
type Status struct {
	Current int                `json:"current"`
	Target  int                `json:"target"`
	Applied []AppliedMigration `json:"applied"`
	Pending []string           `json:"pending"`
}

// UpToDate reports whether no migrations are pending
func (s Status) UpToDate() bool {
	return s.Current == s.Target
}

// Validator brings the store to the schema version this binary expects
type Validator struct {
	txn        *txn.Manager
	migrations []Migration
	retry      retry.Policy
	events     events.Publisher
	logger     zerolog.Logger
}

// NewValidator validates the migration registry and creates a validator.
// Transient failures of a step are retried with policy.
func NewValidator(t *txn.Manager, migrations []Migration, policy retry.Policy, pub events.Publisher) (*Validator, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	if err := ValidateRegistry(sorted); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Validator{
		txn:        t,
		migrations: sorted,
		retry:      policy,
		events:     pub,
		logger:     log.WithComponent("schema"),
	}, nil
}

// ValidateRegistry checks that migrations are numbered 1..N without gaps or
// duplicates, in order, and that each has a name and a body.
func ValidateRegistry(migrations []Migration) error {
	for i, m := range migrations {
		want := i + 1
		switch {
		case m.Version != want:
			return fmt.Errorf("migration at position %d has version %d, expected %d", i, m.Version, want)
		case m.Name == "":
			return fmt.Errorf("migration %d has no name", m.Version)
		case m.Up == nil:
			return fmt.Errorf("migration %d (%s) has no Up function", m.Version, m.Name)
		}
	}
	return nil
}

// Target returns the schema version this binary expects
func (v *Validator) Target() int {
	return len(v.migrations)
}

// Status reads the applied migrations and compares them with the registry
func (v *Validator) Status(ctx context.Context) (Status, error) {
	st := Status{Target: v.Target()}

	err := v.txn.View(ctx, func(ctx context.Context, q txn.Querier) error {
		var exists int
		err := q.QueryRowContext(ctx,
			`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&exists)
		if err != nil || exists == 0 {
			return err
		}

		rows, err := q.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var am AppliedMigration
			if err := rows.Scan(&am.Version, &am.Name, &am.AppliedAt); err != nil {
				return err
			}
			st.Applied = append(st.Applied, am)
		}
		return rows.Err()
	})
	if err != nil {
		return Status{}, err
	}

	if n := len(st.Applied); n > 0 {
		st.Current = st.Applied[n-1].Version
	}
	for _, m := range v.migrations {
		if m.Version > st.Current {
			st.Pending = append(st.Pending, fmt.Sprintf("%d_%s", m.Version, m.Name))
		}
	}
	return st, nil
}

// CurrentVersion returns the highest applied version, 0 for a new store
func (v *Validator) CurrentVersion(ctx context.Context) (int, error) {
	st, err := v.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.Current, nil
}

// ValidateAndMigrate applies every pending migration in order, each in its
// own transaction, and returns how many were applied. A failing step is
// rolled back and later steps are skipped; the returned error is Structural.
// A store already at the target version is left untouched.
func (v *Validator) ValidateAndMigrate(ctx context.Context) (int, error) {
	if err := v.withRetry(ctx, "bootstrap", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, bootstrapSchema)
		return err
	}); err != nil {
		return 0, dberr.New(dberr.Structural, dberr.CodeMigration, "schema.bootstrap",
			fmt.Errorf("%w: bootstrap: %w", dberr.ErrMigration, err))
	}

	st, err := v.Status(ctx)
	if err != nil {
		return 0, err
	}
	if err := v.checkApplied(st); err != nil {
		return 0, err
	}

	metrics.SchemaVersion.Set(float64(st.Current))
	if st.UpToDate() {
		v.logger.Debug().Int("version", st.Current).Msg("Schema up to date")
		return 0, nil
	}

	v.logger.Info().
		Int("current", st.Current).
		Int("target", st.Target).
		Msg("Applying migrations")

	applied := 0
	for _, m := range v.migrations[st.Current:] {
		if err := v.withRetry(ctx, m.Name, v.step(m)); err != nil {
			v.logger.Error().
				Int("version", m.Version).
				Str("name", m.Name).
				Object("error", dberr.Classify("schema.migrate", err).LogRecord()).
				Msg("Migration failed, rolled back")
			return applied, dberr.New(dberr.Structural, dberr.CodeMigration, "schema.migrate",
				fmt.Errorf("%w: version %d (%s): %w", dberr.ErrMigration, m.Version, m.Name, err))
		}

		applied++
		metrics.MigrationsApplied.Inc()
		metrics.SchemaVersion.Set(float64(m.Version))
		v.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("Migration applied")
		v.events.Publish(&events.Event{
			Type:     events.EventMigrationApplied,
			Message:  fmt.Sprintf("migration %d (%s) applied", m.Version, m.Name),
			Metadata: map[string]string{"version": fmt.Sprint(m.Version), "name": m.Name},
		})
	}
	return applied, nil
}

// checkApplied rejects a store that is ahead of this binary or whose history
// disagrees with the registry.
func (v *Validator) checkApplied(st Status) error {
	if st.Current > st.Target {
		return dberr.New(dberr.Structural, dberr.CodeSchema, "schema.validate",
			fmt.Errorf("%w: store is at version %d, this binary supports up to %d", dberr.ErrSchema, st.Current, st.Target))
	}
	for i, am := range st.Applied {
		want := v.migrations[i]
		if am.Version != want.Version || am.Name != want.Name {
			return dberr.New(dberr.Structural, dberr.CodeSchema, "schema.validate",
				fmt.Errorf("%w: applied migration %d (%s) does not match %d (%s)",
					dberr.ErrSchema, am.Version, am.Name, want.Version, want.Name))
		}
	}
	return nil
}

func (v *Validator) step(m Migration) txn.UnitOfWork {
	return func(ctx context.Context, tx *sql.Tx) error {
		var recorded int
		err := tx.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&recorded)
		if err != nil {
			return err
		}
		if recorded > 0 {
			return nil
		}

		if err := m.Up(ctx, tx); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	}
}

func (v *Validator) withRetry(ctx context.Context, name string, uow txn.UnitOfWork) error {
	_, err := retry.Do(ctx, v.retry, func(ctx context.Context, attempt int) error {
		return v.txn.RunAtomic(ctx, uow)
	}, func(attempt int, err error, delay time.Duration) {
		v.logger.Warn().
			Str("migration", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Migration step busy, retrying")
	})
	if errors.Is(err, txn.ErrNestedTransaction) {
		return fmt.Errorf("migrations cannot run inside a unit of work: %w", err)
	}
	return err
}
