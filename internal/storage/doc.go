// Package storage persists obligations, tenant plan state, contacts and the
// dispatch ledger.
//
// Drivers:
//   - "sqlite": single-node SQLite database file (default)
//   - "postgres": shared PostgreSQL database for multi-instance deployments
//   - "memory": process-local maps, for tests and dry runs
//
// Claims are atomic in every driver: the SQL drivers rely on the primary key
// of the dispatches table, the memory driver on its mutex.
package storage
