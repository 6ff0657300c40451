package txn

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*conn.Manager, *Manager) {
	t.Helper()
	cfg := conn.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "game.db")
	cfg.Retry = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	c := conn.NewManager(cfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	m := NewManager(c)
	err := m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE nations (name TEXT PRIMARY KEY, treasury INTEGER NOT NULL)`)
		return err
	})
	require.NoError(t, err)
	return c, m
}

func insert(name string, treasury int) UnitOfWork {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO nations (name, treasury) VALUES (?, ?)`, name, treasury)
		return err
	}
}

func count(t *testing.T, m *Manager) int {
	t.Helper()
	var n int
	err := m.View(context.Background(), func(ctx context.Context, q Querier) error {
		return q.QueryRowContext(ctx, `SELECT count(*) FROM nations`).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestRunAtomic_Commits(t *testing.T) {
	_, m := setup(t)

	err := m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if err := insert("Avalon", 100)(ctx, tx); err != nil {
			return err
		}
		return insert("Brigadoon", 50)(ctx, tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, m))
}

func TestRunAtomic_RollsBackOnError(t *testing.T) {
	_, m := setup(t)
	boom := errors.New("treasury underflow")

	err := m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if err := insert("Avalon", 100)(ctx, tx); err != nil {
			return err
		}
		if err := insert("Brigadoon", 50)(ctx, tx); err != nil {
			return err
		}
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(t, m), "no partial effects survive")
}

func TestRunAtomic_RollsBackOnPanic(t *testing.T) {
	_, m := setup(t)

	assert.PanicsWithValue(t, "handler bug", func() {
		_ = m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
			if err := insert("Avalon", 100)(ctx, tx); err != nil {
				return err
			}
			panic("handler bug")
		})
	})

	assert.Equal(t, 0, count(t, m))

	// The lease was released
	require.NoError(t, m.RunAtomic(context.Background(), insert("Camelot", 1)))
	assert.Equal(t, 1, count(t, m))
}

func TestRunAtomic_RejectsNesting(t *testing.T) {
	_, m := setup(t)

	var inner error
	err := m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if err := insert("Avalon", 100)(ctx, tx); err != nil {
			return err
		}
		inner = m.RunAtomic(ctx, insert("Brigadoon", 50))
		return inner
	})

	assert.ErrorIs(t, inner, ErrNestedTransaction)
	assert.ErrorIs(t, err, ErrNestedTransaction)
	assert.Equal(t, 0, count(t, m))
}

func TestRunAtomic_ConstraintDoesNotDegrade(t *testing.T) {
	c, m := setup(t)
	require.NoError(t, m.RunAtomic(context.Background(), insert("Avalon", 100)))

	err := m.RunAtomic(context.Background(), insert("Avalon", 5))
	require.Error(t, err)

	var ce *dberr.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, dberr.CodeConstraint, ce.Code)
	assert.Equal(t, conn.Connected, c.State())
}

func TestRunAtomic_ReadOnlyDegrades(t *testing.T) {
	c, m := setup(t)

	var observed []*dberr.ClassifiedError
	m.Observe(func(ce *dberr.ClassifiedError) { observed = append(observed, ce) })

	lease, err := c.Acquire(context.Background())
	require.NoError(t, err)
	_, err = lease.DB().Exec(`PRAGMA query_only = ON`)
	require.NoError(t, err)
	lease.Release()

	err = m.RunAtomic(context.Background(), insert("Avalon", 100))
	require.Error(t, err)
	assert.Equal(t, dberr.Fatal, dberr.KindOf(err))
	assert.Equal(t, conn.Degraded, c.State())
	require.Len(t, observed, 1)
	assert.Equal(t, dberr.CodeReadOnly, observed[0].Code)

	// Reads keep working while degraded
	assert.Equal(t, 0, count(t, m))
}

func TestRunAtomic_Serializes(t *testing.T) {
	_, m := setup(t)
	require.NoError(t, m.RunAtomic(context.Background(), insert("Avalon", 0)))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
				var treasury int
				if err := tx.QueryRowContext(ctx, `SELECT treasury FROM nations WHERE name = 'Avalon'`).Scan(&treasury); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `UPDATE nations SET treasury = ? WHERE name = 'Avalon'`, treasury+1)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var treasury int
	err := m.View(context.Background(), func(ctx context.Context, q Querier) error {
		return q.QueryRowContext(ctx, `SELECT treasury FROM nations WHERE name = 'Avalon'`).Scan(&treasury)
	})
	require.NoError(t, err)
	assert.Equal(t, workers, treasury)
}

func TestInTransaction(t *testing.T) {
	_, m := setup(t)
	assert.False(t, InTransaction(context.Background()))

	err := m.RunAtomic(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		assert.True(t, InTransaction(ctx))
		return nil
	})
	require.NoError(t, err)
}
