/*
Package storage is the persistence façade used by the bot's command handlers.

A Store wires the reliability components around one embedded SQLite file:

	                 ┌────────────────────────────┐
	 commands ──────▶│           Store            │
	                 └──┬──────────┬──────────┬───┘
	                    │          │          │
	          ┌─────────▼──┐  ┌────▼─────┐  ┌─▼──────────┐
	          │  degrade   │  │  backup  │  │   audit    │
	          │ Controller │  │ Manager  │  │   Logger   │
	          └─────┬──────┘  └────┬─────┘  └─┬──────────┘
	                │              │          │
	          ┌─────▼──────────────▼──────────▼─┐   ┌──────────┐
	          │      txn.Manager (RunAtomic)    │◀──│  health  │
	          └───────────────┬─────────────────┘   │ Monitor  │
	                          │                     └────┬─────┘
	          ┌───────────────▼─────────────────┐        │
	          │  conn.Manager (one live handle) │◀───────┘
	          └─────────────────────────────────┘

Open connects, validates and migrates the schema, and refuses to return a
Store whose schema is ahead of the binary or whose migrations failed. Start
runs a first probe and starts the background loops.

# Writes and reads

Every write goes through RunAtomic, which is refused with an error matching
degrade.ErrStoreUnavailable while the store is Degraded or Failed. Writes
passed degrade.Retryable() are queued instead and replayed in order once the
store is Connected again. View keeps working while the store is Degraded, so
read-only commands stay available.

	err := store.RunAtomic(ctx, nation.InsertNation(n), degrade.WithName("found nation"))
	if errors.Is(err, degrade.ErrStoreUnavailable) {
	    reply(dberr.UserMessage(err))
	}

# Metrics

A MetricsCollector samples pool statistics, file sizes, the nation count and
pending audit entries on the health interval.

# Shutdown

Close stops the health monitor, the backup scheduler, the degradation
controller and the metrics collector first, then waits for an in-flight transaction (bounded by the
context) and closes the connection.
*/
package storage
