/*
Package events provides an in-memory event broker for bastion store events.

Components that change or observe the store's condition publish events; the
degradation controller, the admin API and tests subscribe to them. Delivery is
asynchronous through buffered channels:

	Publisher → event channel (buffer 100) → broadcast loop → subscriber channels (buffer 50 each)

A subscriber whose buffer is full misses the event rather than blocking the
broadcast loop, so subscribers must not treat events as the only source of
truth. The degradation controller, for example, also reconciles against the
connection state whenever the health monitor finishes a probe.

# Event Types

	store.state_changed        connection state transition (metadata: from, to, reason)
	store.integrity_failed     integrity check reported problems
	store.integrity_passed     integrity check passed
	backup.created             verified backup written (metadata: path, kind)
	backup.failed              backup could not be created or verified
	backup.restored            live store replaced from a backup
	backup.restore_failed      restore rolled back to the original file
	schema.migration_applied   one migration committed
	audit.fallback             audit entry written to the fallback file
	degrade.operation_dropped  queued operation dropped because the queue was full
	degrade.operation_replayed queued operation replayed after recovery

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventStateChanged {
			fmt.Println(ev.Metadata[events.KeyFrom], "->", ev.Metadata[events.KeyTo])
		}
	}

Components accept the Publisher interface so tests can pass events.Discard.
*/
package events
