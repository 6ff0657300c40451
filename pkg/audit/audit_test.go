package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/degrade"
	"github.com/cuemby/bastion/pkg/nation"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/cuemby/bastion/pkg/schema"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFunc func(degrade.Access) error

func (g gateFunc) Allow(a degrade.Access) error { return g(a) }

var closedGate = gateFunc(func(degrade.Access) error {
	return &degrade.UnavailableError{Access: degrade.Write, State: conn.Failed}
})

type fixture struct {
	conn  *conn.Manager
	txn   *txn.Manager
	audit *Logger
	cfg   Config
}

func setup(t *testing.T, gate Gate) *fixture {
	t.Helper()
	dir := t.TempDir()
	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}

	ccfg := conn.DefaultConfig()
	ccfg.Path = filepath.Join(dir, "game.db")
	ccfg.Retry = policy
	c := conn.NewManager(ccfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	tm := txn.NewManager(c)
	v, err := schema.NewValidator(tm, nation.Migrations(), policy, nil)
	require.NoError(t, err)
	_, err = v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)

	cfg := Config{FallbackPath: filepath.Join(dir, "audit", "fallback.jsonl"), Retry: policy}
	return &fixture{conn: c, txn: tm, audit: NewLogger(cfg, tm, gate, nil), cfg: cfg}
}

func (f *fixture) setQueryOnly(t *testing.T, on bool) {
	t.Helper()
	lease, err := f.conn.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	value := "OFF"
	if on {
		value = "ON"
	}
	_, err = lease.DB().Exec("PRAGMA query_only = " + value)
	require.NoError(t, err)
}

func (f *fixture) stored(t *testing.T) []Entry {
	t.Helper()
	var entries []Entry
	err := f.txn.View(context.Background(), func(ctx context.Context, q txn.Querier) error {
		var err error
		entries, err = List(ctx, q, 1000)
		return err
	})
	require.NoError(t, err)
	return entries
}

func entry(action string) Entry {
	return Entry{Actor: "admin#1", Action: action, Target: "Foo", Details: map[string]string{"reason": "test"}}
}

func TestRecord_Store(t *testing.T) {
	f := setup(t, nil)

	require.NoError(t, f.audit.Record(context.Background(), entry("nation.rename")))

	stored := f.stored(t)
	require.Len(t, stored, 1)
	assert.NotEqual(t, uuid.Nil, stored[0].ID)
	assert.Equal(t, "nation.rename", stored[0].Action)
	assert.Equal(t, "Foo", stored[0].Target)
	assert.Equal(t, map[string]string{"reason": "test"}, stored[0].Details)
	assert.NoFileExists(t, f.cfg.FallbackPath)
}

func TestRecord_RequiresActorAndAction(t *testing.T) {
	f := setup(t, nil)
	assert.Error(t, f.audit.Record(context.Background(), Entry{Action: "x"}))
	assert.Error(t, f.audit.Record(context.Background(), Entry{Actor: "x"}))
}

func TestRecord_FallbackOnReadOnlyStore(t *testing.T) {
	f := setup(t, nil)
	f.setQueryOnly(t, true)

	e := entry("treasury.adjust")
	e.ID = uuid.New()
	require.NoError(t, f.audit.Record(context.Background(), e))

	pending, err := f.audit.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e.ID, pending[0].ID)
	assert.Empty(t, f.stored(t))

	raw, err := os.ReadFile(f.cfg.FallbackPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"failure_kind":"fatal"`)
	assert.Contains(t, string(raw), `"failed_at"`)

	// Store comes back; replay moves the entry over and empties the file
	f.setQueryOnly(t, false)
	f.conn.MarkHealthy()
	n, err := f.audit.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := f.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].ID)

	pending, err = f.audit.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	info, err := os.Stat(f.cfg.FallbackPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestRecord_NoEntryLostWhileUnavailable(t *testing.T) {
	f := setup(t, closedGate)

	ids := make(map[uuid.UUID]bool)
	for i := 0; i < 25; i++ {
		e := entry("action")
		e.ID = uuid.New()
		ids[e.ID] = true
		require.NoError(t, f.audit.Record(context.Background(), e))
	}

	pending, err := f.audit.Pending()
	require.NoError(t, err)
	require.Len(t, pending, len(ids))
	for _, e := range pending {
		assert.True(t, ids[e.ID], "unexpected entry %s", e.ID)
		delete(ids, e.ID)
	}
	assert.Empty(t, ids, "every entry is in the fallback file")
	assert.Empty(t, f.stored(t))
}

func TestRecord_CanceledContextFallsBack(t *testing.T) {
	f := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.audit.Record(ctx, entry("x")))
	pending, err := f.audit.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRecord_BothSinksFail(t *testing.T) {
	f := setup(t, closedGate)

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	f.audit.cfg.FallbackPath = filepath.Join(blocker, "fallback.jsonl")

	err := f.audit.Record(context.Background(), entry("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, degrade.ErrStoreUnavailable)
}

func TestReplay_Idempotent(t *testing.T) {
	f := setup(t, nil)
	e := entry("x")
	e.ID = uuid.New()
	e.Time = time.Now().UTC()

	require.NoError(t, f.audit.Record(context.Background(), e))
	// The same entry also sits in the fallback file, as after a crash
	// between commit and truncate
	require.NoError(t, f.audit.fallback(e, dberr.New(dberr.Fatal, dberr.CodeIO, "test", os.ErrClosed)))

	n, err := f.audit.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.stored(t), 1)
}

func TestReplay_FailureKeepsFile(t *testing.T) {
	f := setup(t, closedGate)
	require.NoError(t, f.audit.Record(context.Background(), entry("a")))
	require.NoError(t, f.audit.Record(context.Background(), entry("b")))

	f.setQueryOnly(t, true)
	_, err := f.audit.Replay(context.Background())
	require.Error(t, err)

	pending, err := f.audit.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func tearFallback(t *testing.T, path string) {
	t.Helper()
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"entry":{"id":"`)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
}

func TestRecord_AfterTornLine(t *testing.T) {
	f := setup(t, closedGate)
	require.NoError(t, f.audit.Record(context.Background(), entry("a")))
	tearFallback(t, f.cfg.FallbackPath)

	require.NoError(t, f.audit.Record(context.Background(), entry("b")))

	pending, err := f.audit.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Action)
	assert.Equal(t, "b", pending[1].Action)

	f.audit.gate = nil
	n, err := f.audit.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.stored(t), 2)

	kept, err := os.ReadFile(f.audit.CorruptPath())
	require.NoError(t, err)
	assert.Equal(t, "{\"entry\":{\"id\":\"\n", string(kept))

	info, err := os.Stat(f.cfg.FallbackPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReplay_KeepsUnreadableLines(t *testing.T) {
	f := setup(t, closedGate)
	require.NoError(t, f.audit.Record(context.Background(), entry("a")))
	tearFallback(t, f.cfg.FallbackPath)

	f.audit.gate = nil
	n, err := f.audit.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.stored(t), 1)

	kept, err := os.ReadFile(f.audit.CorruptPath())
	require.NoError(t, err)
	assert.Contains(t, string(kept), `{"entry":{"id":"`)

	// A second torn line is added to the same sidecar
	tearFallback(t, f.cfg.FallbackPath)
	n, err = f.audit.Replay(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	kept, err = os.ReadFile(f.audit.CorruptPath())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(kept), "\n"))

	pending, err := f.audit.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplay_FailureKeepsUnreadableLines(t *testing.T) {
	f := setup(t, closedGate)
	require.NoError(t, f.audit.Record(context.Background(), entry("a")))
	tearFallback(t, f.cfg.FallbackPath)

	f.audit.gate = nil
	f.setQueryOnly(t, true)
	_, err := f.audit.Replay(context.Background())
	require.Error(t, err)

	raw, err := os.ReadFile(f.cfg.FallbackPath)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), `{"entry":{"id":"`))
	assert.NoFileExists(t, f.audit.CorruptPath())
}

func TestReplay_Empty(t *testing.T) {
	f := setup(t, nil)
	n, err := f.audit.Replay(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.FallbackPath = ""
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}
