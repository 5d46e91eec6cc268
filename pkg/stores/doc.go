// Package stores provides the durable instance registry.
//
// SQLiteStore implements engine.Registry on SQLite (modernc.org/sqlite, pure Go)
// in WAL mode with schema migrations embedded and applied through golang-migrate.
// It holds instances, configurations and their variables, service profiles, and
// sealed provider credentials.
//
// Instance records carry a version column. UpdateInstance only writes when the
// caller's version matches and reports engine.ErrVersionConflict otherwise.
// ReserveInstance checks the per-tenant limit and inserts in one statement, so
// concurrent creations can never exceed the limit.
package stores
