// Package store provides the SQLite file underneath a viewkv database.
//
// The file holds:
//   - kv_rows: the primary table, one row per (collection, key)
//   - kv_meta: engine bookkeeping, most importantly the committed snapshot
//   - kv_extensions: name, kind, version tag and fingerprint of every
//     registered extension
//
// Extensions create their own tables next to these (for example the view
// page and map tables) inside the same transactions as the primary table.
//
// # Snapshot Isolation
//
// Every caller works through a Conn, which pins one SQLite connection for its
// lifetime. WAL mode gives each read transaction a stable view of the last
// commit that finished before its first read, so readers never wait for the
// writer and never see a half-applied commit. Writers use BEGIN IMMEDIATE;
// the engine additionally serializes them with its own write slot.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL (configurable): balance durability/performance
//   - busy_timeout=5000 (configurable): wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Pragmas are passed in the DSN so every pooled connection receives them.
package store
