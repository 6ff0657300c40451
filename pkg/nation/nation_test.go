package nation

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/cuemby/bastion/pkg/schema"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *txn.Manager {
	t.Helper()
	policy := retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	cfg := conn.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "game.db")
	cfg.Retry = policy
	c := conn.NewManager(cfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	tm := txn.NewManager(c)
	v, err := schema.NewValidator(tm, Migrations(), policy, nil)
	require.NoError(t, err)
	_, err = v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)
	return tm
}

func TestMigrationsRegistry(t *testing.T) {
	require.NoError(t, schema.ValidateRegistry(Migrations()))
}

func TestInsertAndGet(t *testing.T) {
	tm := setup(t)
	ctx := context.Background()

	foo := &Nation{Name: " Foo ", LeaderID: "user-1", Treasury: 100, Population: 1000}
	require.NoError(t, tm.RunAtomic(ctx, InsertNation(foo)))
	assert.NotZero(t, foo.ID)
	assert.Equal(t, "Foo", foo.Name)

	var got *Nation
	err := tm.View(ctx, func(ctx context.Context, q txn.Querier) error {
		var err error
		got, err = GetByName(ctx, q, "foo")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, foo.ID, got.ID)
	assert.Equal(t, int64(100), got.Treasury)
	assert.WithinDuration(t, foo.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestInsert_Duplicate(t *testing.T) {
	tm := setup(t)
	ctx := context.Background()

	require.NoError(t, tm.RunAtomic(ctx, InsertNation(&Nation{Name: "Foo", LeaderID: "a"})))
	err := tm.RunAtomic(ctx, InsertNation(&Nation{Name: "FOO", LeaderID: "b"}))
	require.Error(t, err)

	var ce *dberr.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, dberr.CodeConstraint, ce.Code)
}

func TestInsert_InvalidName(t *testing.T) {
	tm := setup(t)
	err := tm.RunAtomic(context.Background(), InsertNation(&Nation{Name: "   "}))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestGetByName_NotFound(t *testing.T) {
	tm := setup(t)
	err := tm.View(context.Background(), func(ctx context.Context, q txn.Querier) error {
		_, err := GetByName(ctx, q, "Atlantis")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	tm := setup(t)
	ctx := context.Background()

	for _, name := range []string{"Zembla", "Avalon", "Lilliput"} {
		require.NoError(t, tm.RunAtomic(ctx, InsertNation(&Nation{Name: name, LeaderID: "x"})))
	}

	var names []string
	err := tm.View(ctx, func(ctx context.Context, q txn.Querier) error {
		nations, err := List(ctx, q)
		for _, n := range nations {
			names = append(names, n.Name)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Avalon", "Lilliput", "Zembla"}, names)

	var count int
	require.NoError(t, tm.View(ctx, func(ctx context.Context, q txn.Querier) error {
		var err error
		count, err = Count(ctx, q)
		return err
	}))
	assert.Equal(t, 3, count)
}

func TestTransfer(t *testing.T) {
	tm := setup(t)
	ctx := context.Background()

	require.NoError(t, tm.RunAtomic(ctx, InsertNation(&Nation{Name: "Avalon", LeaderID: "a", Treasury: 100})))
	require.NoError(t, tm.RunAtomic(ctx, InsertNation(&Nation{Name: "Lilliput", LeaderID: "b", Treasury: 10})))

	transfer := func(amount int64) error {
		return tm.RunAtomic(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return Transfer(ctx, tx, "Avalon", "Lilliput", amount)
		})
	}

	require.NoError(t, transfer(40))

	err := transfer(500)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	balances := map[string]int64{}
	err = tm.View(ctx, func(ctx context.Context, q txn.Querier) error {
		nations, err := List(ctx, q)
		for _, n := range nations {
			balances[n.Name] = n.Treasury
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Avalon": 60, "Lilliput": 50}, balances)
}
