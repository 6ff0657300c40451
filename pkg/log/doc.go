/*
Package log provides structured logging for bastion using zerolog.

The package holds one global zerolog.Logger that every component derives a child
logger from. Child loggers carry a "component" field so that connection, backup,
health and audit output can be filtered independently:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	connLog := log.WithDatabase("conn", "/var/lib/bastion/nations.db")
	connLog.Warn().
		Int("attempt", 3).
		Dur("delay", 400*time.Millisecond).
		Msg("reconnect attempt failed")

# Levels

	debug  probe results, lease acquisition, replayed operations
	info   connect / close, migrations applied, backups created
	warn   reconnect attempts, dropped queue entries, audit fallback writes
	error  exhausted retries, failed integrity checks, failed restores

# Error records

Classified storage errors implement zerolog.LogObjectMarshaler through their log
record, so technical detail is always emitted as a nested object:

	logger.Error().Object("error", ce.LogRecord()).Msg("transaction failed")

The user-facing message is never logged on its own; it is a field of that record.

# Output

Console output (the default) is meant for operators running the bot by hand.
JSON output is meant for log shipping. Output defaults to stdout and can be any
io.Writer; tests pass io.Discard.
*/
package log
