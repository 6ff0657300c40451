package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=degraded, 4=failed)",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_reconnect_attempts_total",
			Help: "Total number of connection attempts made while reconnecting",
		},
	)

	ReconnectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_reconnect_failures_total",
			Help: "Total number of reconnects that exhausted their retry budget",
		},
	)

	LeaseWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_writer_lease_wait_seconds",
			Help:    "Time spent waiting for the writer lease in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transaction metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_transactions_total",
			Help: "Total number of transactions by result",
		},
		[]string{"result"},
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_transaction_duration_seconds",
			Help:    "Transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_errors_total",
			Help: "Total number of classified storage errors by kind and code",
		},
		[]string{"kind", "code"},
	)

	// Schema metrics
	SchemaVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_schema_version",
			Help: "Schema version of the open store",
		},
	)

	MigrationsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_migrations_applied_total",
			Help: "Total number of migrations applied",
		},
	)

	// Health metrics
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_health_probes_total",
			Help: "Total number of health probes by result",
		},
		[]string{"result"},
	)

	IntegrityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_integrity_checks_total",
			Help: "Total number of integrity checks by result",
		},
		[]string{"result"},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_backups_total",
			Help: "Total number of backups by kind and result",
		},
		[]string{"kind", "result"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_backup_duration_seconds",
			Help:    "Time taken to create and verify a backup in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackupLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_backup_last_success_timestamp_seconds",
			Help: "Unix time of the last verified backup",
		},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_restores_total",
			Help: "Total number of restores by result",
		},
		[]string{"result"},
	)

	// Degradation metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_degraded_queue_depth",
			Help: "Number of operations waiting for the store to recover",
		},
	)

	OperationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_operations_rejected_total",
			Help: "Total number of operations rejected while the store was unavailable, by access mode",
		},
		[]string{"access"},
	)

	OperationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_operations_dropped_total",
			Help: "Total number of queued operations dropped because the queue was full",
		},
	)

	OperationsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_operations_replayed_total",
			Help: "Total number of queued operations replayed by result",
		},
		[]string{"result"},
	)

	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_component_healthy",
			Help: "Whether a component reports healthy (1) or not (0)",
		},
		[]string{"component"},
	)

	// Store collector metrics
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_pool_connections",
			Help: "Open connections by pool (write, read) and state (in_use, idle)",
		},
		[]string{"pool", "state"},
	)

	PoolWaits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_pool_wait_count",
			Help: "Total number of connections waited for, by pool",
		},
		[]string{"pool"},
	)

	StoreFileBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_store_file_bytes",
			Help: "Size of the store files in bytes (db, wal)",
		},
		[]string{"file"},
	)

	NationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_nations_total",
			Help: "Number of nations in the store",
		},
	)

	// Audit metrics
	AuditPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_audit_pending_entries",
			Help: "Number of audit entries waiting in the fallback file",
		},
	)

	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_audit_entries_total",
			Help: "Total number of audit entries by destination (store or fallback)",
		},
		[]string{"destination"},
	)

	AuditReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_audit_replayed_total",
			Help: "Total number of fallback audit entries replayed into the store",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(ReconnectAttempts)
	prometheus.MustRegister(ReconnectFailures)
	prometheus.MustRegister(LeaseWait)
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionDuration)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(SchemaVersion)
	prometheus.MustRegister(MigrationsApplied)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(IntegrityChecksTotal)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(BackupLastSuccess)
	prometheus.MustRegister(RestoresTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(OperationsRejected)
	prometheus.MustRegister(OperationsDropped)
	prometheus.MustRegister(OperationsReplayed)
	prometheus.MustRegister(ComponentHealthy)
	prometheus.MustRegister(PoolConnections)
	prometheus.MustRegister(PoolWaits)
	prometheus.MustRegister(StoreFileBytes)
	prometheus.MustRegister(NationsTotal)
	prometheus.MustRegister(AuditPending)
	prometheus.MustRegister(AuditEntriesTotal)
	prometheus.MustRegister(AuditReplayed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
