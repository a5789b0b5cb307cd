package engine

import (
	"context"

	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

// Extension is a named, versioned persistent structure maintained alongside
// the primary table.
//
// The Database compares Kind, VersionTag and Fingerprint with what the file
// recorded at the last registration. Any difference drops the extension's
// tables and repopulates them from the primary table.
type Extension interface {
	// Kind names the implementation, e.g. "view".
	Kind() string
	// VersionTag is chosen by the caller; bump it when the extension's
	// strategies change behavior.
	VersionTag() string
	// Fingerprint covers the persisted configuration (page sizes, filters).
	Fingerprint() string
	// Tables lists the tables the extension owns under name.
	Tables(name string) []string
	// CreateTables creates the tables listed by Tables.
	CreateTables(ctx context.Context, q store.Querier, name string) error
	// NewConnection creates the per-connection state for this extension.
	NewConnection(name string, c *Connection) ExtensionConnection
}

// ExtensionConnection is an extension's state inside one Connection.
type ExtensionConnection interface {
	// Read returns the handle ReadTxn.Ext hands to callers.
	Read(t *ReadTxn) any
	// Write starts the extension's part of a read-write transaction.
	Write(t *ReadWriteTxn) ExtensionWriter
	// Apply folds in the payload of a commit made by another connection.
	Apply(payload any)
	// Reset drops all cached state; it is reloaded from disk on next use.
	Reset()
}

// RowRef identifies a row by rowid and key.
type RowRef struct {
	RowID int64
	Key   model.CollectionKey
}

// ExtensionWriter receives every mutation of a read-write transaction, in
// order, before the mutation is visible to the caller. A returned error
// aborts the whole transaction.
type ExtensionWriter interface {
	// Handle is what ReadWriteTxn.Ext returns.
	Handle() any

	// Populate rebuilds the extension from every row in the primary table.
	Populate(ctx context.Context) error

	DidInsert(ctx context.Context, rowid int64, row model.Row) error
	DidUpdate(ctx context.Context, rowid int64, row model.Row, changed model.RowParts) error
	DidRemove(ctx context.Context, ref RowRef) error
	DidRemoveAllInCollection(ctx context.Context, collection string, refs []RowRef) error
	DidRemoveAll(ctx context.Context, refs []RowRef) error

	// Flush persists pending state inside the transaction and returns the
	// payload other connections will Apply.
	Flush(ctx context.Context) (any, error)
	// Commit installs the transaction's state as the connection's state.
	Commit()
	// Rollback discards the transaction's state.
	Rollback()
}

// registered is one extension instance in a registry. gen distinguishes two
// registrations under the same name.
type registered struct {
	name string
	ext  Extension
	gen  uint64
}

// registry is an immutable snapshot of the registered extensions. Every
// change produces a new registry carried by the committing changeset.
type registry struct {
	order  []string
	byName map[string]registered
}

func emptyRegistry() *registry {
	return &registry{byName: map[string]registered{}}
}

func (r *registry) get(name string) (registered, bool) {
	e, ok := r.byName[name]
	return e, ok
}

func (r *registry) names() []string {
	return append([]string(nil), r.order...)
}

func (r *registry) with(name string, ext Extension, gen uint64) *registry {
	out := &registry{
		order:  append(r.names(), name),
		byName: make(map[string]registered, len(r.byName)+1),
	}
	for k, v := range r.byName {
		out.byName[k] = v
	}
	out.byName[name] = registered{name: name, ext: ext, gen: gen}
	return out
}

func (r *registry) without(name string) *registry {
	out := &registry{byName: make(map[string]registered, len(r.byName))}
	for _, n := range r.order {
		if n != name {
			out.order = append(out.order, n)
			out.byName[n] = r.byName[n]
		}
	}
	return out
}
