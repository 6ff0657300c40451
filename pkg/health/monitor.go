package health

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/rs/zerolog"
)

// Snapshot is the store's health at one point in time
type Snapshot struct {
	Timestamp          time.Time          `json:"timestamp"`
	State              conn.State         `json:"state"`
	Reason             string             `json:"reason,omitempty"`
	Live               bool               `json:"live"`
	Writable           bool               `json:"writable"`
	LastIntegrityCheck time.Time          `json:"last_integrity_check,omitzero"`
	IntegrityOK        bool               `json:"integrity_ok"`
	ErrorCounts        map[dberr.Kind]int `json:"error_counts"`
	LastBackupSuccess  time.Time          `json:"last_backup_success,omitzero"`
	LastBackupFailure  time.Time          `json:"last_backup_failure,omitzero"`
	LastError          string             `json:"last_error,omitempty"`
}

// BackupStatus reports backup outcomes for snapshots
type BackupStatus interface {
	LastSuccess() time.Time
	LastFailure() time.Time
}

// ProbeHook is called after every probe with the recorded snapshot
type ProbeHook func(Snapshot)

// Monitor probes the store in the background and keeps a bounded history
// of snapshots.
type Monitor struct {
	cfg       Config
	conn      *conn.Manager
	liveness  Checker
	heartbeat Checker
	integrity Checker
	events    events.Publisher
	logger    zerolog.Logger

	mu        sync.RWMutex
	backups   BackupStatus
	hooks     []ProbeHook
	history   []Snapshot
	next      int
	probes    int
	status    *Status
	live      bool
	writable  bool

	lastIntegrity struct {
		ran bool
		ok  bool
		at  time.Time
	}
	// errors observed since the last probe, then one bucket per probe
	pending   map[dberr.Kind]int
	intervals []map[dberr.Kind]int
	lastError string

	probeMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor for the store behind c and t
func NewMonitor(cfg Config, c *conn.Manager, t *txn.Manager, pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Discard
	}
	return &Monitor{
		cfg:       cfg,
		conn:      c,
		liveness:  &LivenessChecker{Conn: c},
		heartbeat: &HeartbeatChecker{Txn: t},
		integrity: &IntegrityChecker{Conn: c},
		events:    pub,
		logger:    log.WithComponent("health"),
		status:    NewStatus(),
		pending:   make(map[dberr.Kind]int),
		stopCh:    make(chan struct{}),
	}
}

// SetBackupStatus sets the source of backup timestamps
func (m *Monitor) SetBackupStatus(b BackupStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = b
}

// OnProbe registers fn to run after every probe
func (m *Monitor) OnProbe(fn ProbeHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Observe counts a classified error in the rolling window. It is suitable as
// a txn.ErrorObserver.
func (m *Monitor) Observe(ce *dberr.ClassifiedError) {
	if ce == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[ce.Kind]++
	m.lastError = ce.Error()
}

// Start begins probing every Config.Interval
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Stop stops the probe loop and waits for an in-flight probe
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-m.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			m.Probe(ctx)
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Probe runs one liveness probe, and an integrity check on every
// Config.IntegrityEvery-th probe, records a snapshot and returns it. Failures
// are classified and recorded; a panic inside a check is recovered.
func (m *Monitor) Probe(ctx context.Context) (snap Snapshot) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			ce := dberr.New(dberr.Fatal, dberr.CodeUnknown, "health.probe", fmt.Errorf("probe panicked: %v", p))
			m.logger.Error().Object("error", ce.LogRecord()).Msg("Health probe panicked")
			m.Observe(ce)
			m.setLiveness(false, false)
			snap = m.record()
		}
	}()

	m.mu.Lock()
	m.probes++
	runIntegrity := (m.probes-1)%m.cfg.IntegrityEvery == 0
	m.mu.Unlock()

	live := m.liveness.Check(ctx)
	m.status.Update(live, m.cfg)
	if !live.Healthy {
		m.Observe(live.Err)
		m.logger.Warn().Object("error", live.Err.LogRecord()).Msg("Liveness probe failed")
		if !m.status.Healthy && m.conn.State().Reachable() && !live.Err.Retryable() {
			m.conn.Invalidate(live.Message)
		}
	}

	writable := false
	if live.Healthy {
		// Heartbeat failures reach Observe through the txn observer
		writable = m.heartbeat.Check(ctx).Healthy
		if runIntegrity {
			m.checkIntegrity(ctx)
		}
	}
	m.setLiveness(live.Healthy, writable)

	if writable && m.conn.State() == conn.Degraded && m.integrityOK() {
		if m.conn.MarkHealthy() {
			m.logger.Info().Msg("Store recovered")
		}
	}

	result := "healthy"
	if !live.Healthy {
		result = "unreachable"
	} else if !writable {
		result = "read_only"
	}
	metrics.HealthProbesTotal.WithLabelValues(result).Inc()

	return m.record()
}

func (m *Monitor) checkIntegrity(ctx context.Context) {
	res := m.integrity.Check(ctx)

	// A busy store is not a failed check
	if res.Err != nil && res.Err.Retryable() {
		m.logger.Debug().Object("error", res.Err.LogRecord()).Msg("Integrity check skipped, store busy")
		return
	}

	m.mu.Lock()
	wasOK := !m.lastIntegrity.ran || m.lastIntegrity.ok
	m.lastIntegrity.ran = true
	m.lastIntegrity.ok = res.Healthy
	m.lastIntegrity.at = res.CheckedAt
	m.mu.Unlock()

	if res.Healthy {
		metrics.IntegrityChecksTotal.WithLabelValues("passed").Inc()
		if !wasOK {
			m.events.Publish(&events.Event{
				Type:    events.EventIntegrityPassed,
				Message: "integrity check passed",
			})
		}
		return
	}

	metrics.IntegrityChecksTotal.WithLabelValues("failed").Inc()
	m.Observe(res.Err)
	m.logger.Error().Object("error", res.Err.LogRecord()).Msg("Integrity check failed")
	m.conn.MarkDegraded(res.Message)
	m.events.Publish(&events.Event{
		Type:     events.EventIntegrityFailed,
		Message:  res.Message,
		Metadata: map[string]string{events.KeyReason: res.Message},
	})
}

func (m *Monitor) integrityOK() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIntegrity.ran && m.lastIntegrity.ok
}

func (m *Monitor) setLiveness(live, writable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
	m.writable = writable
}

// record closes the current error bucket, stores a snapshot in the ring and
// runs the probe hooks.
func (m *Monitor) record() Snapshot {
	m.mu.Lock()
	m.intervals = append(m.intervals, m.pending)
	if len(m.intervals) > m.cfg.HistorySize {
		m.intervals = m.intervals[len(m.intervals)-m.cfg.HistorySize:]
	}
	m.pending = make(map[dberr.Kind]int)

	snap := m.snapshotLocked()
	if len(m.history) < m.cfg.HistorySize {
		m.history = append(m.history, snap)
	} else {
		m.history[m.next] = snap
	}
	m.next = (m.next + 1) % m.cfg.HistorySize
	hooks := m.hooks
	m.mu.Unlock()

	metrics.UpdateComponent(metrics.ComponentStore, snap.State == conn.Connected, snap.State.String())
	for _, fn := range hooks {
		fn(snap)
	}
	return snap
}

func (m *Monitor) snapshotLocked() Snapshot {
	counts := make(map[dberr.Kind]int, len(dberr.Kinds))
	for _, k := range dberr.Kinds {
		counts[k] = 0
	}
	for _, bucket := range m.intervals {
		for k, n := range bucket {
			counts[k] += n
		}
	}
	for k, n := range m.pending {
		counts[k] += n
	}

	snap := Snapshot{
		Timestamp:          time.Now(),
		State:              m.conn.State(),
		Reason:             m.conn.Reason(),
		Live:               m.live,
		Writable:           m.writable,
		LastIntegrityCheck: m.lastIntegrity.at,
		IntegrityOK:        m.lastIntegrity.ok,
		ErrorCounts:        counts,
		LastError:          m.lastError,
	}
	if m.backups != nil {
		snap.LastBackupSuccess = m.backups.LastSuccess()
		snap.LastBackupFailure = m.backups.LastFailure()
	}
	return snap
}

// Current returns the store's health from in-memory state. It performs no
// I/O.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// History returns the recorded snapshots, oldest first
func (m *Monitor) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.history))
	if len(m.history) < m.cfg.HistorySize {
		out = append(out, m.history...)
	} else {
		out = append(out, m.history[m.next:]...)
		out = append(out, m.history[:m.next]...)
	}
	for i := range out {
		out[i].ErrorCounts = maps.Clone(out[i].ErrorCounts)
	}
	return out
}
