/*
Package backup takes, verifies, prunes and restores copies of the live store.

Backups are plain SQLite files in a single directory. Everything the package
knows about a backup comes from its file name and size:

	<prefix>_<kind>_<20060102T150405.000000000Z>.db

	bastion_scheduled_20250301T060000.000000000Z.db
	bastion_manual_20250301T091512.123456789Z.db
	bastion_pre-restore_20250301T101000.000000000Z.db

Files that do not parse under the configured prefix are ignored by List and
refused by Delete and Restore, so the directory may hold other files.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                      backup.Manager                      │
	│  op mutex (one backup or restore) · scheduler goroutine  │
	└──────┬───────────────────┬──────────────────────┬────────┘
	       │ Create            │ Restore              │ List / Delete
	       ▼                   ▼                      ▼
	┌──────────────┐   ┌────────────────────┐   ┌─────────────┐
	│ VACUUM INTO  │   │ conn.Exclusive     │   │ backup dir  │
	│ own conn     │   │ (handle closed)    │   │ (names only)│
	└──────┬───────┘   └─────────┬──────────┘   └─────────────┘
	       ▼                     ▼
	   Verify (.tmp)      copy aside · replace · reopen

One backup or restore runs at a time. A second request returns ErrBusy
immediately instead of waiting; the scheduler logs a skipped run at debug.

# Creating

## Create Flow

 1. The backup directory is created if missing
 2. Any leftover <name>.db.tmp from an earlier crash is removed
 3. The writer lease is taken only while a snapshot connection opens
 4. VACUUM INTO writes a compacted copy to the .tmp file; it reads one WAL
    snapshot and does not block writers
 5. Verify opens the copy query-only on its own connection and runs
    PRAGMA integrity_check
 6. Only a copy that passes is renamed to its final name and the directory
    is fsynced
 7. Scheduled backups then trigger retention

A failure at any step removes the .tmp file and its -wal, -shm and -journal
sidecars, so a failed backup never shows up in List. The error is returned
classified, LastFailure is set, bastion_backups_total{result="failed"} is
incremented, the backup component turns unhealthy and a backup.failed event
is published. A failed verification is a Structural error.

# Restoring

Restore accepts the bare name of a backup in Dir or a path to any SQLite
file. A bare name must parse as a bastion backup; anything with a path
separator is taken as given.

## Restore Sequence

	Verify(source) ── fail ──► return, live store untouched
	      │
	      ▼
	conn.Exclusive(live)
	  ├─ checkpoint WAL, close handle           state: Disconnected
	  ├─ copy live file to <prefix>_pre-restore_<ts>.db
	  ├─ replace live file with source
	  │    copy to live.restore.tmp, remove -wal/-shm, rename, fsync dir
	  │    └─ fail ──► put the pre-restore copy back
	  └─ reconnect                              state: Connected | Failed
	      │
	      ▼
	reconnect failed? ──► conn.Exclusive(live): pre-restore copy back, reopen

The source is verified before the handle is closed, so a corrupt source
costs nothing. After the handle is closed the pre-restore copy always exists
before the live file is touched. If the restored file does not open, the
original comes back from that copy and the store is reopened on it; the
returned error joins both failures when the rollback fails too.

The pre-restore copy is kept as a backup of its own kind and never pruned.

# Retention

After every successful scheduled backup, scheduled backups beyond MaxCount
are deleted oldest first. Manual and pre-restore backups are never pruned.
A prune failure is logged and does not fail the backup.

# Failure Modes

## Disk Full

VACUUM INTO fails with SQLITE_FULL and the .tmp file is removed. The error
is Fatal; the scheduler tries again at the next interval.

## Store Unreachable

The snapshot needs the writer lease and a usable handle. If the connection
manager cannot reconnect, Create fails with its error and no file is
written.

## Crash During Create

A crash leaves at most a .tmp file, which List ignores and the next Create
with the same timestamp removes. A file under its final name was verified.

## Crash During Restore

A crash after the copy aside leaves the pre-restore backup on disk, so the
original is never lost. The live file is replaced by rename, so it is either
the old or the new file, never a mix.

# Configuration

	backup:
	  dir: data/backups
	  prefix: bastion
	  interval: 6h
	  max_count: 14

The prefix may not contain '_' or a path separator. An interval of zero
turns the scheduler off; manual backups still work.

# Monitoring Metrics

  - bastion_backups_total{kind,result}
  - bastion_backup_duration_seconds
  - bastion_backup_last_success_timestamp_seconds
  - bastion_restores_total{result}
*/
package backup
