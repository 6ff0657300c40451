/*
Package degrade decides which operations the store can serve in its current
state and replays queued writes once it recovers.

The bot keeps answering while the store is in trouble. Instead of every
command failing with a raw SQLite error, the Controller refuses what the
store cannot serve with an *UnavailableError that carries a player-safe
message, and keeps writes marked Retryable for later.

# Access Matrix

	Connection state   Read          Write
	────────────────   ───────────   ───────────────────────
	Connected          served        served
	Disconnected       served        served (reconnects)
	Connecting         served        served (waits for open)
	Degraded           served        refused, queued if Retryable
	Failed             refused       refused, queued if Retryable

Disconnected and Connecting are not refused: the connection manager
reconnects synchronously inside Handle, bounded by its HandleTimeout. Only a
store known to be bad (Degraded) or out of retries (Failed) is refused.

Every refusal increments bastion_operations_rejected_total{access}. The
returned error matches ErrStoreUnavailable with errors.Is, and ErrQueued
too when the write was kept.

# Write Flow

	Do(ctx, uow, Retryable())
	      │
	      ├─ store refuses writes ──► queue ──► *UnavailableError{Queued}
	      │
	      ▼
	txn.RunAtomic(uow)
	      │
	      ├─ ok ──────────────────────────────► nil
	      │
	      ├─ failed and the store now refuses
	      │  writes (the failure degraded it) ─► queue ──► *UnavailableError{Queued, Cause}
	      │
	      └─ failed otherwise ────────────────► the classified error

A write without Retryable is never queued; the caller gets the refusal and
decides. Queue only work that is still correct when it runs minutes later,
such as an idempotent upsert. A unit of work that reads state and writes a
decision based on it should not be Retryable.

# Replay Queue

The queue is bounded by QueueSize. When it is full the oldest operation is
dropped, logged at warn with its name and enqueue time, counted in
bastion_operations_dropped_total and published as degrade.operation_dropped.
bastion_degraded_queue_depth follows the length.

## Replay Flow

 1. Replay runs only while the store is Connected
 2. Operations run oldest first, each in its own RunAtomic with
    ReplayTimeout
 3. A success removes the operation and publishes
    degrade.operation_replayed
 4. A failure caused by the store (the caller's context ended, the store
    refuses writes again, or the error is Transient) stops the replay and
    leaves that operation and everything after it queued
 5. Any other failure belongs to the operation: it is dropped and logged at
    error, and the replay continues

Only one replay runs at a time. Operations queued while a replay runs are
picked up by the same loop.

## What Triggers a Replay

  - Start subscribes to the event broker. A store.state_changed event to
    connected runs Reconcile; the change from degraded is also logged as
    writes enabled again.
  - storage.Store registers Reconcile as a health probe hook, so a queue
    left behind by an interrupted replay drains on the next probe.

# Failure Modes

## Store Stays Degraded

Writes are refused until the health monitor sees a writable store and a
passing integrity check and moves the connection back to Connected. Reads
keep working from the read pool.

## Queue Overflow

Under a long outage the newest QueueSize retryable writes survive. Dropped
operations are gone even though their callers were told the write was
queued; the warn log line is the only record of them.

## Process Restart

The queue is in memory. Operations still queued at shutdown are lost, and
storage.Store.Close logs how many. Anything that must survive a restart belongs in the
audit fallback file instead.

# Configuration

	degradation:
	  queue_size: 100
	  replay_timeout: 30s
*/
package degrade
