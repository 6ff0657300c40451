/*
Package conn owns the connection to the embedded SQLite store.

A Manager holds exactly one Handle: a write pool limited to a single
connection and a query-only read pool over the same WAL-mode file. Other
packages borrow it for one operation and never keep it.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                          Manager                             │
	│  state · reason · handle · writer token (1 slot)             │
	└──────┬───────────────────────────┬───────────────────────────┘
	       │ Acquire / Exclusive       │ Handle / ReadHandle
	       ▼                           ▼
	┌──────────────────┐        ┌──────────────────────┐
	│   Write pool     │        │      Read pool       │
	│ MaxOpenConns = 1 │        │ ReadPoolSize conns   │
	│ journal_mode WAL │        │ query_only(1)        │
	│ _txlock=immediate│        │                      │
	└────────┬─────────┘        └──────────┬───────────┘
	         └──────────────┬──────────────┘
	                        ▼
	                 data/bastion.db
	            (+ bastion.db-wal, -shm)

Both pools are opened by an Opener. SQLite is the production opener; tests
swap in an OpenerFunc to inject open failures. The write DSN begins every
transaction IMMEDIATE, so lock contention surfaces at BEGIN as SQLITE_BUSY
instead of half way through a transaction. Paths go through FileURI, which
percent-encodes '?', '#' and '%' so a directory name can never be read as
query parameters.

# States

	Disconnected ──► Connecting ──► Connected ◄──► Degraded
	     ▲               │              │              │
	     │               ▼              │              │
	     │            Failed            │              │
	     │     (retries exhausted)      │              │
	     └──────────────────────────────┴──────────────┘
	          Invalidate / Exclusive drop the handle

  - Disconnected: no handle. The initial state, and the state after
    Invalidate or while Exclusive holds the file.
  - Connecting: an open attempt is running under the reconnect lock.
  - Connected: the handle serves reads and writes.
  - Degraded: the handle exists and serves reads, but integrity or
    writability is suspect. Entered from Connected only, through
    ReportFailure with a storage level error or MarkDegraded.
  - Failed: the retry budget ran out. The next Handle call tries again.

Connected and Degraded are the Reachable states; only they hand out a
handle without reconnecting. Transitions publish a store.state_changed event
carrying from, to and reason, set the bastion_connection_state gauge and log
at info. A transition to the current state does neither.

## Reconnect Flow

 1. Handle finds no usable handle and the manager is not closed
 2. The context is bounded by HandleTimeout
 3. reconnect takes the reconnect lock and checks again, since another
    caller may have finished first
 4. The stale handle is closed and the state moves to Connecting
 5. Open is retried with the configured backoff while failures classify
    as Transient; every failed attempt is logged with its number and delay
 6. Success stores the handle and moves to Connected
 7. Exhaustion moves to Failed and returns an error wrapping ErrFailed;
    a canceled context moves back to Disconnected instead

A Transient failure that survives every attempt is reported as Fatal
unavailable, so callers above do not retry it again.

# Writer Lease

Acquire hands out the single writer lease. Transactions, integrity checks,
backup initiation and restore all take it, so two writers never interleave
on the handle. The lease is a one-slot channel: waiting respects the
context, and the wait is recorded in bastion_writer_lease_wait_seconds.

	lease, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	_, err = lease.DB().ExecContext(ctx, "UPDATE nations SET ...")

Release is idempotent. A lease must not be held across a call that takes it
again; the token is not reentrant.

## Exclusive Access

Exclusive takes the lease, checkpoints the WAL into the main file, closes
the handle and gives the caller the raw file path. Whatever the caller
returns, it reconnects afterwards and joins both errors. Restore uses it to
swap the live file; nothing else may touch the file while the handle is open.

# Failure Modes

## Directory Missing

SQLite creates a missing file but not a missing directory. The opener stats
the directory first, so the failure classifies as path_not_found rather than the
engine's generic cannot_open, and is not retried.

## File Is Not a Database

verifyWritePool reads sqlite_master before the handle is accepted, so a
garbage file fails at open with a Structural error instead of at the first
query. Structural errors are not retried; the manager ends in Failed.

## Lock Contention

busy_timeout makes SQLite wait before returning SQLITE_BUSY. Busy errors
classify as Transient and are retried by the caller's policy, not here.

## Shutdown

Shutdown waits for the writer lease so an in-flight transaction can commit,
then closes. If its context ends first it closes anyway and says so. Close
checkpoints, closes both pools and makes every later call return ErrClosed.

# Configuration

	connection:
	  path: data/bastion.db
	  busy_timeout: 5s
	  read_pool_size: 4
	  handle_timeout: 30s
	  retry:
	    max_attempts: 6
	    initial_backoff: 200ms
	    max_backoff: 5s
	    multiplier: 2
	    jitter: 0.1

# Monitoring Metrics

  - bastion_connection_state: current State as a number
  - bastion_reconnect_attempts_total: every open attempt
  - bastion_reconnect_failures_total: reconnects that ran out of attempts
  - bastion_writer_lease_wait_seconds: time spent waiting for the lease
  - bastion_pool_connections, bastion_pool_wait_count: from Stats
*/
package conn
