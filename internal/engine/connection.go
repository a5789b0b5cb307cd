package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/viewkv/internal/cache"
	"github.com/roach88/viewkv/internal/config"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

// Connection is one caller's handle on a Database.
//
// Each Connection owns a pinned SQLite connection, its own object, metadata
// and rowid caches, and its own state for every extension. Transactions on
// one Connection run one at a time; use several Connections for concurrency.
type Connection struct {
	db   *Database
	id   string
	conn *store.Conn

	mu        sync.Mutex
	closed    bool
	longLived bool
	snapshot  atomic.Uint64
	registry  *registry
	exts      map[string]*extSlot

	objects  *cache.LRU[model.CollectionKey, any]
	metadata *cache.LRU[model.CollectionKey, any]
	keys     *cache.BiLRU[int64, model.CollectionKey]
}

type extSlot struct {
	gen  uint64
	conn ExtensionConnection
}

func newConnection(db *Database, sc *store.Conn) *Connection {
	return &Connection{
		db:       db,
		id:       db.ids.Generate(),
		conn:     sc,
		exts:     map[string]*extSlot{},
		objects:  cache.New[model.CollectionKey, any](db.cfg.ObjectCacheSize),
		metadata: cache.New[model.CollectionKey, any](db.cfg.MetadataCacheSize),
		keys:     cache.NewBi[int64, model.CollectionKey](db.cfg.KeyCacheSize),
	}
}

// ID returns the connection's identifier, recorded in its changesets.
func (c *Connection) ID() string { return c.id }

// Database returns the owning database.
func (c *Connection) Database() *Database { return c.db }

// Config returns the database configuration.
func (c *Connection) Config() config.Config { return c.db.cfg }

// Logger returns the database logger tagged with the connection ID.
func (c *Connection) Logger() *slog.Logger { return c.db.log.With("conn", c.id) }

// Snapshot returns the last snapshot this connection applied.
func (c *Connection) Snapshot() uint64 { return c.snapshot.Load() }

// CacheStats reports the object, metadata and rowid cache counters.
func (c *Connection) CacheStats() (objects, metadata, keys cache.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects.Stats(), c.metadata.Stats(), c.keys.Stats()
}

// Read runs fn in a read transaction. It never waits for a writer: fn sees
// the latest snapshot committed when the transaction began and nothing
// committed after. Inside a long-lived read, fn sees the pinned snapshot.
func (c *Connection) Read(ctx context.Context, fn func(*ReadTxn) error) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError(ErrCodeClosed, "read", nil)
	}
	if c.longLived {
		return fn(c.newReadTxn(ctx))
	}

	if _, err := c.beginRead(ctx); err != nil {
		return err
	}
	defer func() {
		if endErr := c.conn.Commit(context.Background()); endErr != nil && err == nil {
			err = storeError("read", endErr)
		}
	}()
	return fn(c.newReadTxn(ctx))
}

// ReadWrite runs fn in a read-write transaction, waiting for the database
// write slot first.
//
// If fn returns an error the transaction is rolled back and the error
// returned. If any write inside fn failed (serializer, extension hook,
// storage) the transaction is rolled back even when fn ignored the error,
// and an *Error with ErrCodeAborted is returned. A panic in fn rolls back
// and is re-raised.
func (c *Connection) ReadWrite(ctx context.Context, fn func(*ReadWriteTxn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError(ErrCodeClosed, "read-write", nil)
	}
	if c.longLived {
		return newError(ErrCodeLongLivedRead, "read-write",
			errors.New("connection is in a long-lived read transaction"))
	}
	return c.write(ctx, "read-write", false, fn)
}

// BeginLongLivedRead starts a read transaction that stays open until
// EndLongLivedRead or the next BeginLongLivedRead. Every Read on this
// connection runs against it. If one was already open it is first ended,
// then the connection moves to the latest snapshot.
//
// The returned changesets are every commit between the previous position
// and the new one, oldest first. If some were no longer retained the list
// starts later than expected; callers detect the gap by snapshot numbers.
func (c *Connection) BeginLongLivedRead(ctx context.Context) ([]*Changeset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(ErrCodeClosed, "begin long-lived read", nil)
	}
	if c.longLived {
		c.longLived = false
		if err := c.conn.Commit(ctx); err != nil {
			return nil, storeError("begin long-lived read", err)
		}
	}
	changes, err := c.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	c.longLived = true
	return changes, nil
}

// EndLongLivedRead ends the long-lived read transaction, if any.
func (c *Connection) EndLongLivedRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLongLived()
}

func (c *Connection) endLongLived() error {
	if !c.longLived {
		return nil
	}
	c.longLived = false
	if err := c.conn.Commit(context.Background()); err != nil {
		return storeError("end long-lived read", err)
	}
	return nil
}

// IsInLongLivedRead reports whether a long-lived read is open.
func (c *Connection) IsInLongLivedRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.longLived
}

// Close ends any transaction and releases the connection. Close is
// idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	_ = c.endLongLived()
	c.closed = true
	clear(c.exts)
	c.objects.Clear()
	c.metadata.Clear()
	c.keys.Clear()
	c.db.forget(c)
	if err := c.conn.Close(); err != nil {
		return storeError("close", err)
	}
	return nil
}

func (c *Connection) newReadTxn(ctx context.Context) *ReadTxn {
	return &ReadTxn{ctx: ctx, c: c, snapshot: c.snapshot.Load()}
}

// beginRead opens a deferred transaction, pins the file snapshot with its
// first read, and brings caches and extensions up to that snapshot.
func (c *Connection) beginRead(ctx context.Context) ([]*Changeset, error) {
	if err := c.conn.BeginRead(ctx); err != nil {
		return nil, storeError("begin read", err)
	}
	snap, err := c.conn.Snapshot(ctx)
	if err != nil {
		_ = c.conn.Rollback(context.Background())
		return nil, storeError("begin read", err)
	}
	return c.catchUp(snap), nil
}

// catchUp applies every changeset between the connection's snapshot and
// target. When history no longer reaches back far enough the connection
// drops its cached state instead.
func (c *Connection) catchUp(target uint64) []*Changeset {
	cur := c.snapshot.Load()
	if target <= cur {
		return nil
	}
	changes, ok := c.db.changesetsBetween(cur, target)
	if ok {
		for _, cs := range changes {
			c.apply(cs)
		}
	} else {
		c.Logger().Debug("connection fell behind retained history, resetting",
			"from", cur, "to", target)
		c.reset(c.db.registryAt(target))
	}
	c.snapshot.Store(target)
	c.db.advanced(c, target)
	return changes
}

// apply updates caches and extension state with another connection's
// commit. Cached entries are replaced or evicted; nothing else is loaded.
func (c *Connection) apply(cs *Changeset) {
	if cs.registry != c.registry {
		c.setRegistry(cs.registry)
	}

	if cs.removedAll {
		c.objects.Clear()
		c.metadata.Clear()
		c.keys.Clear()
	}
	for col := range cs.removedCollections {
		inCollection := func(ck model.CollectionKey, _ any) bool { return ck.Collection == col }
		c.objects.RemoveFunc(inCollection)
		c.metadata.RemoveFunc(inCollection)
		c.keys.RemoveFunc(func(_ int64, ck model.CollectionKey) bool { return ck.Collection == col })
	}
	for ck := range cs.removed {
		c.objects.Remove(ck)
		c.metadata.Remove(ck)
	}
	for ck := range cs.rekeyed {
		c.keys.RemoveValue(ck)
	}
	for ck, v := range cs.objects {
		c.objects.Update(ck, v)
	}
	for ck, v := range cs.metadata {
		c.metadata.Update(ck, v)
	}

	for name, payload := range cs.extensions {
		if slot, ok := c.exts[name]; ok {
			slot.conn.Apply(payload)
		}
	}
}

// reset flushes every cache and all extension state, then adopts r.
func (c *Connection) reset(r *registry) {
	c.objects.Clear()
	c.metadata.Clear()
	c.keys.Clear()
	for _, slot := range c.exts {
		slot.conn.Reset()
	}
	c.setRegistry(r)
}

// setRegistry drops extension state for extensions that were unregistered
// or registered again.
func (c *Connection) setRegistry(r *registry) {
	for name, slot := range c.exts {
		if e, ok := r.get(name); !ok || e.gen != slot.gen {
			delete(c.exts, name)
		}
	}
	c.registry = r
}

func (c *Connection) extConn(e registered) ExtensionConnection {
	slot, ok := c.exts[e.name]
	if !ok || slot.gen != e.gen {
		slot = &extSlot{gen: e.gen, conn: e.ext.NewConnection(e.name, c)}
		c.exts[e.name] = slot
	}
	return slot.conn
}

// write runs fn in a read-write transaction. Caller holds c.mu.
func (c *Connection) write(ctx context.Context, op string, internal bool, fn func(*ReadWriteTxn) error) error {
	if err := c.db.acquireWrite(ctx); err != nil {
		return err
	}
	defer c.db.releaseWrite()

	if err := c.conn.BeginWrite(ctx); err != nil {
		return storeError(op, err)
	}
	snap, err := c.conn.Snapshot(ctx)
	if err != nil {
		_ = c.conn.Rollback(context.Background())
		return storeError(op, err)
	}
	c.catchUp(snap)

	t := newReadWriteTxn(ctx, c, snap)
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(t); err != nil {
		if t.err != nil {
			return &Error{Code: ErrCodeAborted, Op: op, Err: t.err}
		}
		return err
	}
	if t.err != nil {
		return &Error{Code: ErrCodeAborted, Op: op, Err: t.err}
	}

	if !internal && !t.cs.empty() {
		if err := t.dropOrphans(); err != nil {
			return &Error{Code: ErrCodeAborted, Op: op, Err: err}
		}
	}

	if err := t.commit(); err != nil {
		return &Error{Code: ErrCodeAborted, Op: op, Err: err}
	}
	committed = true
	return nil
}

// register implements Database.RegisterExtension.
func (c *Connection) register(ctx context.Context, name string, ext Extension) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError(ErrCodeClosed, "register", nil)
	}

	var rebuilt bool
	err := c.write(ctx, "register", true, func(t *ReadWriteTxn) error {
		if _, ok := t.registry.get(name); ok {
			return &Error{Code: ErrCodeExtensionExists, Op: "register", Extension: name}
		}

		stored, err := c.conn.ExtensionInfo(ctx, name)
		if err != nil {
			return t.fail(storeError("register", err))
		}
		want := map[string]string{
			store.PropKind:        ext.Kind(),
			store.PropVersionTag:  ext.VersionTag(),
			store.PropFingerprint: ext.Fingerprint(),
			store.PropTables:      strings.Join(ext.Tables(name), ","),
		}

		e := registered{name: name, ext: ext, gen: c.db.nextGen()}
		t.registry = t.registry.with(name, ext, e.gen)
		t.cs.registryChanged = true

		if sameInfo(stored, want) {
			return nil
		}
		rebuilt = true

		if err := c.conn.DropTables(ctx, splitTables(stored[store.PropTables])); err != nil {
			return t.fail(storeError("register", err))
		}
		if err := ext.CreateTables(ctx, c.conn, name); err != nil {
			return t.fail(&Error{Code: ErrCodeHook, Op: "create tables", Extension: name, Err: err})
		}
		if err := c.conn.PutExtensionInfo(ctx, name, want); err != nil {
			return t.fail(storeError("register", err))
		}
		if err := t.writer(e).Populate(ctx); err != nil {
			return t.fail(&Error{Code: ErrCodeHook, Op: "populate", Extension: name, Err: err})
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.db.log.Info("extension registered",
		"name", name,
		"kind", ext.Kind(),
		"version_tag", ext.VersionTag(),
		"rebuilt", rebuilt)
	return nil
}

// unregister implements Database.UnregisterExtension.
func (c *Connection) unregister(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError(ErrCodeClosed, "unregister", nil)
	}

	err := c.write(ctx, "unregister", true, func(t *ReadWriteTxn) error {
		stored, err := c.conn.ExtensionInfo(ctx, name)
		if err != nil {
			return t.fail(storeError("unregister", err))
		}
		e, live := t.registry.get(name)
		if !live && len(stored) == 0 {
			return &Error{Code: ErrCodeUnknownExtension, Op: "unregister", Extension: name}
		}

		tables := splitTables(stored[store.PropTables])
		if live {
			tables = append(tables, e.ext.Tables(name)...)
		}
		if err := c.conn.DropTables(ctx, tables); err != nil {
			return t.fail(storeError("unregister", err))
		}
		if err := c.conn.DeleteExtensionInfo(ctx, name); err != nil {
			return t.fail(storeError("unregister", err))
		}
		if live {
			t.registry = t.registry.without(name)
			t.cs.registryChanged = true
		}
		t.modified = true
		return nil
	})
	if err != nil {
		return err
	}
	c.db.log.Info("extension unregistered", "name", name)
	return nil
}

func sameInfo(stored, want map[string]string) bool {
	if len(stored) != len(want) {
		return false
	}
	for k, v := range want {
		if stored[k] != v {
			return false
		}
	}
	return true
}
