// Package engine implements the viewkv database: connections, snapshot
// isolated transactions, and the extension mechanism that views build on.
//
// ARCHITECTURE:
//
// Snapshots:
// Every committed read-write transaction increments a snapshot counter
// stored in the file. A read transaction pins the latest committed snapshot
// when it begins (SQLite WAL keeps the pages it needs) and never observes a
// later commit. Readers never wait for the writer.
//
// Single Writer:
// One read-write transaction runs at a time across all connections of a
// Database. The write slot is taken before BEGIN IMMEDIATE, so SQLite's
// busy handler is never the arbiter between two of our own writers.
//
// Commit Flow:
// 1. Each write runs sanitizer, codec, primary table, extension hooks
// 2. Extension writers flush their pending state inside the transaction
// 3. The snapshot counter is bumped and the changeset staged in history
// 4. SQLite COMMIT
// 5. Extension writers install their state; subscribers are notified
//
// Other connections apply retained changesets when their next transaction
// begins: cached objects are replaced or evicted, extension payloads are
// folded into per-connection extension state. A connection that fell behind
// the retained history resets instead.
//
// Failure:
// Any failed write poisons its transaction. The transaction rolls back when
// the caller's function returns and ReadWrite reports ErrCodeAborted even
// if the caller ignored the original error.
package engine
