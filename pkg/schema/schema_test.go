package schema

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	Multiplier:     2,
}

func setup(t *testing.T) *txn.Manager {
	t.Helper()
	cfg := conn.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "game.db")
	cfg.Retry = testPolicy

	c := conn.NewManager(cfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return txn.NewManager(c)
}

func gameMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "nations", Up: Statements(
			`CREATE TABLE nations (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
		)},
		{Version: 2, Name: "alliances", Up: Statements(
			`CREATE TABLE alliances (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		)},
		{Version: 3, Name: "wars", Up: Statements(
			`CREATE TABLE wars (id INTEGER PRIMARY KEY, attacker INTEGER NOT NULL REFERENCES nations(id))`,
		)},
	}
}

func tableExists(t *testing.T, tm *txn.Manager, name string) bool {
	t.Helper()
	var n int
	err := tm.View(context.Background(), func(ctx context.Context, q txn.Querier) error {
		return q.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	})
	require.NoError(t, err)
	return n == 1
}

func TestValidateAndMigrate_Fresh(t *testing.T) {
	tm := setup(t)
	v, err := NewValidator(tm, gameMigrations(), testPolicy, nil)
	require.NoError(t, err)

	applied, err := v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	version, err := v.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	for _, table := range []string{"nations", "alliances", "wars", "schema_migrations", "store_heartbeat"} {
		assert.True(t, tableExists(t, tm, table), table)
	}
}

func TestValidateAndMigrate_Idempotent(t *testing.T) {
	tm := setup(t)
	v, err := NewValidator(tm, gameMigrations(), testPolicy, nil)
	require.NoError(t, err)

	_, err = v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)
	before, err := v.Status(context.Background())
	require.NoError(t, err)

	applied, err := v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	after, err := v.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, after.Pending)
	assert.True(t, after.UpToDate())
}

func TestValidateAndMigrate_FailingStepRollsBack(t *testing.T) {
	tm := setup(t)

	broken := gameMigrations()
	broken[1].Up = Statements(
		`CREATE TABLE alliances (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO no_such_table VALUES (1)`,
	)

	v, err := NewValidator(tm, broken, testPolicy, nil)
	require.NoError(t, err)

	applied, err := v.ValidateAndMigrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, dberr.Structural, dberr.KindOf(err))
	assert.ErrorIs(t, err, dberr.ErrMigration)

	st, err := v.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Current)
	assert.Equal(t, []string{"2_alliances", "3_wars"}, st.Pending)
	assert.False(t, tableExists(t, tm, "alliances"), "partial step must be rolled back")
	assert.False(t, tableExists(t, tm, "wars"), "later steps must be skipped")

	// The fixed registry resumes from the failed step
	fixed, err := NewValidator(tm, gameMigrations(), testPolicy, nil)
	require.NoError(t, err)
	applied, err = fixed.ValidateAndMigrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.True(t, tableExists(t, tm, "wars"))
}

func TestValidateAndMigrate_RetriesTransientStep(t *testing.T) {
	tm := setup(t)

	calls := 0
	migrations := gameMigrations()
	migrations[0].Up = func(ctx context.Context, tx *sql.Tx) error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		_, err := tx.ExecContext(ctx, `CREATE TABLE nations (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`)
		return err
	}

	v, err := NewValidator(tm, migrations, testPolicy, nil)
	require.NoError(t, err)

	applied, err := v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 2, calls)
}

func TestValidateAndMigrate_StoreAhead(t *testing.T) {
	tm := setup(t)

	v, err := NewValidator(tm, gameMigrations(), testPolicy, nil)
	require.NoError(t, err)
	_, err = v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)

	older, err := NewValidator(tm, gameMigrations()[:2], testPolicy, nil)
	require.NoError(t, err)

	_, err = older.ValidateAndMigrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, dberr.Structural, dberr.KindOf(err))
	assert.ErrorIs(t, err, dberr.ErrSchema)
}

func TestValidateAndMigrate_HistoryMismatch(t *testing.T) {
	tm := setup(t)

	v, err := NewValidator(tm, gameMigrations()[:1], testPolicy, nil)
	require.NoError(t, err)
	_, err = v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)

	renamed := gameMigrations()
	renamed[0].Name = "countries"
	other, err := NewValidator(tm, renamed, testPolicy, nil)
	require.NoError(t, err)

	_, err = other.ValidateAndMigrate(context.Background())
	assert.ErrorIs(t, err, dberr.ErrSchema)
}

func TestValidateRegistry(t *testing.T) {
	up := Statements(`SELECT 1`)
	tests := []struct {
		name       string
		migrations []Migration
		wantErr    bool
	}{
		{name: "empty", migrations: nil},
		{name: "contiguous", migrations: []Migration{{1, "a", up}, {2, "b", up}}},
		{name: "gap", migrations: []Migration{{1, "a", up}, {3, "c", up}}, wantErr: true},
		{name: "duplicate", migrations: []Migration{{1, "a", up}, {1, "b", up}}, wantErr: true},
		{name: "starts at two", migrations: []Migration{{2, "a", up}}, wantErr: true},
		{name: "missing name", migrations: []Migration{{1, "", up}}, wantErr: true},
		{name: "missing body", migrations: []Migration{{1, "a", nil}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegistry(tt.migrations)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewValidator_SortsRegistry(t *testing.T) {
	tm := setup(t)
	m := gameMigrations()
	m[0], m[2] = m[2], m[0]

	v, err := NewValidator(tm, m, testPolicy, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Target())
}
