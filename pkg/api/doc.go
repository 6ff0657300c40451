/*
Package api serves bastion's admin HTTP endpoints.

The bot itself talks to players over Discord; this listener is for operators
and for the process supervisor:

	GET /health    latest store snapshot plus component health, 503 once the
	               store has Failed
	GET /ready     200 only when the schema is current and the store is
	               Connected
	GET /live      200 while the process runs
	GET /metrics   Prometheus metrics

/health never touches the database. It returns the snapshot recorded by the
most recent health probe, so a wedged store cannot hang the endpoint.

# Configuration

	api:
	  addr: 127.0.0.1:9090
	  read_timeout: 5s
	  write_timeout: 10s

An empty addr disables the listener.
*/
package api
