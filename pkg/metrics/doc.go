/*
Package metrics provides Prometheus metrics and component health for bastion.

All collectors are package-level variables registered with the default
Prometheus registry at init, so components import the package and update
metrics directly. Handler exposes them for scraping on the admin listener.

# Metrics Catalog

Connection:

	bastion_connection_state                      gauge, numeric conn.State
	bastion_reconnect_attempts_total              counter
	bastion_reconnect_failures_total              counter, exhausted retry budgets
	bastion_writer_lease_wait_seconds             histogram

Transactions and schema:

	bastion_transactions_total{result}            counter, committed|rolled_back|rejected
	bastion_transaction_duration_seconds          histogram
	bastion_errors_total{kind,code}               counter, classified errors
	bastion_schema_version                        gauge
	bastion_migrations_applied_total              counter

Health and backups:

	bastion_health_probes_total{result}           counter
	bastion_integrity_checks_total{result}        counter
	bastion_backups_total{kind,result}            counter
	bastion_backup_duration_seconds               histogram
	bastion_backup_last_success_timestamp_seconds gauge
	bastion_restores_total{result}                counter
	bastion_component_healthy{component}          gauge, 1 healthy

Degradation and audit:

	bastion_degraded_queue_depth                  gauge
	bastion_operations_rejected_total{access}     counter
	bastion_operations_dropped_total              counter
	bastion_operations_replayed_total{result}     counter
	bastion_audit_entries_total{destination}      counter, store|fallback
	bastion_audit_replayed_total                  counter
	bastion_audit_pending_entries                 gauge

Sampled by the storage collector:

	bastion_pool_connections{pool,state}          gauge, write|read and in_use|idle
	bastion_pool_wait_count{pool}                 gauge
	bastion_store_file_bytes{file}                gauge, db|wal
	bastion_nations_total                         gauge

# Component Health

RegisterComponent and UpdateComponent record a healthy flag per component
(store, schema, backup, audit). GetReadiness is ready only when the schema and
store components are registered and healthy; GetHealth reports "degraded" when
a non-critical component is unhealthy.

# Usage

	timer := metrics.NewTimer()
	err := run()
	timer.ObserveDuration(metrics.TransactionDuration)

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
