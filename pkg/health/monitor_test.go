package health

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/cuemby/bastion/pkg/schema"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Interval:       10 * time.Millisecond,
		Timeout:        time.Second,
		IntegrityEvery: 1,
		HistorySize:    5,
		Retries:        1,
	}
}

func setup(t *testing.T, cfg Config, pub events.Publisher) (*conn.Manager, *Monitor) {
	t.Helper()
	policy := retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	ccfg := conn.DefaultConfig()
	ccfg.Path = filepath.Join(t.TempDir(), "game.db")
	ccfg.Retry = policy
	c := conn.NewManager(ccfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	tm := txn.NewManager(c)
	v, err := schema.NewValidator(tm, nil, policy, nil)
	require.NoError(t, err)
	_, err = v.ValidateAndMigrate(context.Background())
	require.NoError(t, err)

	m := NewMonitor(cfg, c, tm, pub)
	tm.Observe(m.Observe)
	return c, m
}

func setQueryOnly(t *testing.T, c *conn.Manager, on bool) {
	t.Helper()
	lease, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	value := "OFF"
	if on {
		value = "ON"
	}
	_, err = lease.DB().Exec("PRAGMA query_only = " + value)
	require.NoError(t, err)
}

type fakeChecker struct {
	typ CheckType
	fn  func() Result
}

func (f *fakeChecker) Type() CheckType                  { return f.typ }
func (f *fakeChecker) Check(ctx context.Context) Result { return f.fn() }

type fakeBackups struct{ success, failure time.Time }

func (f fakeBackups) LastSuccess() time.Time { return f.success }
func (f fakeBackups) LastFailure() time.Time { return f.failure }

func TestProbe_Healthy(t *testing.T) {
	_, m := setup(t, testConfig(), nil)
	success := time.Now().Add(-time.Hour)
	m.SetBackupStatus(fakeBackups{success: success})

	snap := m.Probe(context.Background())

	assert.Equal(t, conn.Connected, snap.State)
	assert.True(t, snap.Live)
	assert.True(t, snap.Writable)
	assert.True(t, snap.IntegrityOK)
	assert.False(t, snap.LastIntegrityCheck.IsZero())
	assert.Equal(t, success, snap.LastBackupSuccess)
	assert.Equal(t, 0, snap.ErrorCounts[dberr.Fatal])
	assert.Len(t, m.History(), 1)
}

func TestProbe_IntegrityEvery(t *testing.T) {
	cfg := testConfig()
	cfg.IntegrityEvery = 3
	_, m := setup(t, cfg, nil)

	var runs atomic.Int32
	m.integrity = &fakeChecker{typ: CheckTypeIntegrity, fn: func() Result {
		runs.Add(1)
		return Result{Healthy: true, CheckedAt: time.Now()}
	}}

	for i := 0; i < 7; i++ {
		m.Probe(context.Background())
	}
	// probes 1, 4 and 7
	assert.Equal(t, int32(3), runs.Load())
}

func TestProbe_HistoryIsBounded(t *testing.T) {
	_, m := setup(t, testConfig(), nil)

	for i := 0; i < 8; i++ {
		m.Probe(context.Background())
	}

	history := m.History()
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp), "history is oldest first")
	}
}

func TestProbe_ReadOnlyDegradesAndRecovers(t *testing.T) {
	c, m := setup(t, testConfig(), nil)
	require.True(t, m.Probe(context.Background()).IntegrityOK)

	setQueryOnly(t, c, true)
	snap := m.Probe(context.Background())
	assert.True(t, snap.Live)
	assert.False(t, snap.Writable)
	assert.Equal(t, conn.Degraded, snap.State)
	assert.Equal(t, 1, snap.ErrorCounts[dberr.Fatal])

	setQueryOnly(t, c, false)
	snap = m.Probe(context.Background())
	assert.True(t, snap.Writable)
	assert.Equal(t, conn.Connected, snap.State)
}

func TestProbe_IntegrityFailureDegrades(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	c, m := setup(t, testConfig(), broker)
	m.integrity = &fakeChecker{typ: CheckTypeIntegrity, fn: func() Result {
		return newResult(time.Now(), "health.integrity", dberr.ErrIntegrity)
	}}

	snap := m.Probe(context.Background())
	assert.Equal(t, conn.Degraded, c.State())
	assert.False(t, snap.IntegrityOK)
	assert.Equal(t, 1, snap.ErrorCounts[dberr.Structural])

	// Heartbeat passes but integrity does not, so the store stays degraded
	m.Probe(context.Background())
	assert.Equal(t, conn.Degraded, c.State())

	assert.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub:
				if ev.Type == events.EventIntegrityFailed {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestProbe_RecoversPanic(t *testing.T) {
	_, m := setup(t, testConfig(), nil)
	m.liveness = &fakeChecker{typ: CheckTypeLiveness, fn: func() Result { panic("driver bug") }}

	var snap Snapshot
	require.NotPanics(t, func() { snap = m.Probe(context.Background()) })
	assert.False(t, snap.Live)
	assert.Equal(t, 1, snap.ErrorCounts[dberr.Fatal])
	assert.Contains(t, snap.LastError, "driver bug")
}

func TestObserve_RollingCounts(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 2
	_, m := setup(t, cfg, nil)

	m.Observe(dberr.New(dberr.Transient, dberr.CodeBusy, "op", errors.New("database is locked")))
	m.Observe(nil)
	assert.Equal(t, 1, m.Current().ErrorCounts[dberr.Transient])

	m.Probe(context.Background())
	assert.Equal(t, 1, m.Current().ErrorCounts[dberr.Transient])

	// The bucket falls out of the window after HistorySize more probes
	m.Probe(context.Background())
	m.Probe(context.Background())
	assert.Equal(t, 0, m.Current().ErrorCounts[dberr.Transient])
}

func TestMonitor_StartStop(t *testing.T) {
	_, m := setup(t, testConfig(), nil)

	var hooked atomic.Int32
	m.OnProbe(func(Snapshot) { hooked.Add(1) })

	m.Start()
	m.Start()
	assert.Eventually(t, func() bool { return hooked.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()

	n := hooked.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, hooked.Load(), "no probes after Stop")
	assert.NotEmpty(t, m.History())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.IntegrityEvery = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HistorySize = 0
	assert.Error(t, cfg.Validate())
}
