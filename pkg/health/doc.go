/*
Package health monitors the embedded store and keeps a history of snapshots.

# Architecture

The monitor runs three checkers, each implementing the Checker interface:

	┌─────────────────────────────────────────────────────────────┐
	│                     Checker Interface                       │
	│  • Check(ctx) Result                                        │
	│  • Type() CheckType                                         │
	└────────┬───────────────────────────────────────────────────┘
	         │
	    ┌────┴───────┬─────────────┐
	    ▼            ▼             ▼
	┌──────────┐ ┌───────────┐ ┌───────────┐
	│ Liveness │ │ Heartbeat │ │ Integrity │
	└──────────┘ └───────────┘ └───────────┘
	     │             │              │
	     ▼             ▼              ▼
	 SELECT 1     upsert row     PRAGMA
	 read pool    RunAtomic      integrity_check
	                             writer lease

Liveness obtains a handle (reconnecting if needed) and runs SELECT 1 on the
read pool. Heartbeat upserts the single store_heartbeat row through
RunAtomic, proving the store is writable. Integrity runs PRAGMA
integrity_check under the writer lease and only on every IntegrityEvery-th
probe, since it reads the whole file.

Every Result carries a *dberr.ClassifiedError when the check failed, so the
monitor reasons about kinds (Transient, Structural, Fatal) rather than
SQLite messages.

## Probe Flow

 1. The probe context is bounded by Timeout
 2. Liveness runs and updates the consecutive failure Status
 3. If the store is live, Heartbeat runs
 4. If the store is live and this is an integrity round, Integrity runs
 5. A Degraded store that is writable and whose last integrity check
    passed is marked Connected again
 6. A Snapshot is recorded in the ring and the probe hooks run

Probes never overlap: Probe holds its own lock, so a probe run by a CLI
command waits for a scheduled one to finish.

# Probe Outcomes

  - Integrity failure: the connection is marked Degraded and a
    store.integrity_failed event is published.
  - Integrity pass after a failure: store.integrity_passed is published.
  - Integrity check on a busy store: skipped and logged at debug; a busy
    store is not a failed check and does not change the last result.
  - Liveness failing Retries times in a row with a non-transient error: the
    handle is discarded so the next caller reconnects.
  - Degraded store whose heartbeat succeeds and whose last integrity check
    passed: the connection is marked Connected again.

A panic inside a checker is recovered and recorded as a Fatal error with
live and writable both false.

## Hysteresis

Status counts consecutive liveness results. One failure is logged and
counted but changes nothing; only Retries failures in a row mark the store
unhealthy and discard the handle. A single success resets the streak. This
keeps a brief lock or a slow disk from tearing down a working connection.

	probe:    ✓  ✗  ✗  ✓  ✗  ✗  ✗
	failures: 0  1  2  0  1  2  3  → handle discarded (Retries = 3)

Transient failures never discard the handle, however long the streak.

# Snapshots

A Snapshot is the store's health at one moment:

	{
	  "timestamp": "2025-03-01T06:00:30Z",
	  "state": "connected",
	  "live": true,
	  "writable": true,
	  "last_integrity_check": "2025-03-01T06:00:00Z",
	  "integrity_ok": true,
	  "error_counts": {"transient": 2, "structural": 0, "fatal": 0},
	  "last_backup_success": "2025-03-01T06:00:01Z"
	}

ErrorCounts covers the errors observed during the last HistorySize probe
intervals. Errors reach it through Observe, which storage wires as the
transaction manager's error observer, so failures in bot commands count as
well as failures in the probes themselves.

History keeps the last HistorySize snapshots, oldest first. Current builds
a snapshot from memory without touching the store, so status commands stay
cheap and answer even when the store does not.

Every recorded snapshot also updates the store component in the metrics
registry, which drives /health and /ready.

# Failure Modes

## Store Unreachable

Liveness fails, Heartbeat and Integrity are skipped, and the snapshot shows
live false. The probe itself tried to reconnect through ReadHandle, so the
connection manager's state (Failed or Connected again) is already current
when the snapshot is taken.

## Read-Only Store

Liveness passes and Heartbeat fails with a readonly error. The snapshot
shows writable false and bastion_health_probes_total{result="read_only"}
is incremented. The storage level error degrades the connection through the
transaction manager's failure report.

## Corruption

Integrity reports problems and the connection becomes Degraded. It stays
there until a later integrity round passes; a passing heartbeat alone does
not clear it.

# Configuration

	health:
	  interval: 30s
	  timeout: 10s
	  integrity_every: 10
	  history_size: 120
	  retries: 3

# Monitoring Metrics

  - bastion_health_probes_total{result}: healthy, read_only or unreachable
  - bastion_integrity_checks_total{result}: passed or failed
  - bastion_component_healthy{component="store"}
*/
package health
