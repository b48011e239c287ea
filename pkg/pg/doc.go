// Package pg owns the PostgreSQL lifecycle for the service: an explicitly
// constructed pgxpool.Pool opened at process start with retry, goose schema
// migrations applied before serving, a ping-based healthcheck closure, and
// driver error classification helpers used by the storage layers.
//
// The pool is injected into each storage rather than referenced globally, so
// components stay testable and shutdown order stays explicit.
package pg
