package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

// ReadWriteTxn is a read transaction that can also write. Reads observe the
// transaction's own writes.
//
// Every write runs: pre-sanitize, serialize, compare with the stored bytes
// (an identical row is a no-op), write the primary table, invoke every
// registered extension's hook in registration order, update the caches and
// the changeset, post-sanitize. Once any step fails the transaction is
// poisoned: later writes return the same error and the transaction rolls
// back when the function returns.
type ReadWriteTxn struct {
	*ReadTxn

	registry *registry
	cs       *Changeset
	writers  map[string]ExtensionWriter
	order    []string
	err      *Error
	// modified forces a commit for changes the changeset can't express,
	// such as dropping an unregistered extension's tables.
	modified bool
	// orphanCheck is set once dropOrphans ran in this transaction.
	orphanCheck bool
	orphans     []string
}

func newReadWriteTxn(ctx context.Context, c *Connection, snapshot uint64) *ReadWriteTxn {
	t := &ReadWriteTxn{
		ReadTxn:  &ReadTxn{ctx: ctx, c: c, snapshot: snapshot},
		registry: c.registry,
		cs:       newChangeset(),
		writers:  map[string]ExtensionWriter{},
	}
	t.ReadTxn.rw = t
	return t
}

// Ext returns the write-side handle of a registered extension, or nil.
func (t *ReadWriteTxn) Ext(name string) any {
	e, ok := t.registry.get(name)
	if !ok {
		return nil
	}
	return t.writer(e).Handle()
}

// Err returns the error that poisoned the transaction, if any.
func (t *ReadWriteTxn) Err() error {
	if t.err == nil {
		return nil
	}
	return t.err
}

// SetCustom attaches an opaque value to the changeset. A transaction with
// a custom value commits even if it wrote nothing.
func (t *ReadWriteTxn) SetCustom(v any) {
	t.cs.custom = v
}

// SetExtensionVersionTag records tag as the persisted version tag of the
// extension registered as name. An extension that rebuilt itself under a new
// configuration inside the transaction calls it, so the next registration
// with that tag reuses the tables. The transaction commits even if nothing
// else was written.
func (t *ReadWriteTxn) SetExtensionVersionTag(name, tag string) error {
	if t.err != nil {
		return t.err
	}
	if _, ok := t.registry.get(name); !ok {
		return &Error{Code: ErrCodeUnknownExtension, Op: "set version tag", Extension: name}
	}
	info, err := t.c.conn.ExtensionInfo(t.ctx, name)
	if err != nil {
		return t.fail(storeError("set version tag", err))
	}
	info[store.PropVersionTag] = tag
	if err := t.c.conn.PutExtensionInfo(t.ctx, name, info); err != nil {
		return t.fail(storeError("set version tag", err))
	}
	t.modified = true
	return nil
}

// Set stores object at (collection, key) with no metadata. A nil object
// removes the row.
func (t *ReadWriteTxn) Set(collection, key string, object any) error {
	return t.SetWithMetadata(collection, key, object, nil)
}

// SetWithMetadata stores object and metadata at (collection, key). A nil
// object removes the row.
func (t *ReadWriteTxn) SetWithMetadata(collection, key string, object, metadata any) error {
	if t.err != nil {
		return t.err
	}
	if object == nil {
		return t.Remove(collection, key)
	}
	const op = "set"
	db := t.c.db
	ck := model.CK(collection, key)

	object = sanitize(db.objectSanitizer.Pre, collection, key, object)
	metadata = sanitize(db.metadataSanitizer.Pre, collection, key, metadata)

	data, err := db.objectCodec.Encode(collection, key, object)
	if err != nil {
		return t.fail(newError(ErrCodeSerializer, op, err))
	}
	meta, err := db.metadataCodec.Encode(collection, key, metadata)
	if err != nil {
		return t.fail(newError(ErrCodeSerializer, op, err))
	}

	existing, found, err := t.c.conn.Get(t.ctx, collection, key)
	if err != nil {
		return t.fail(storeError(op, err))
	}
	row := model.Row{Collection: collection, Key: key, Object: object, Metadata: metadata}

	if found {
		var changed model.RowParts
		if !bytes.Equal(existing.Data, data) {
			changed |= model.PartObject
		}
		if !bytes.Equal(existing.Metadata, meta) {
			changed |= model.PartMetadata
		}
		if changed == 0 {
			return nil
		}
		if err := t.c.conn.Update(t.ctx, existing.RowID, data, meta); err != nil {
			return t.fail(storeError(op, err))
		}
		t.cacheRow(existing.RowID, row)
		if err := t.hooks(op, func(w ExtensionWriter) error {
			return w.DidUpdate(t.ctx, existing.RowID, row, changed)
		}); err != nil {
			return err
		}
	} else {
		rowid, err := t.c.conn.Insert(t.ctx, collection, key, data, meta)
		if err != nil {
			return t.fail(storeError(op, err))
		}
		t.cacheRow(rowid, row)
		if err := t.hooks(op, func(w ExtensionWriter) error {
			return w.DidInsert(t.ctx, rowid, row)
		}); err != nil {
			return err
		}
	}

	t.cs.setObject(ck, object)
	t.cs.setMetadata(ck, metadata)
	postSanitize(db.objectSanitizer.Post, collection, key, object)
	postSanitize(db.metadataSanitizer.Post, collection, key, metadata)
	return nil
}

// ReplaceObject replaces the object of an existing row and keeps its
// metadata. Missing rows are left alone. A nil object removes the row.
func (t *ReadWriteTxn) ReplaceObject(collection, key string, object any) error {
	if t.err != nil {
		return t.err
	}
	if object == nil {
		return t.Remove(collection, key)
	}
	const op = "replace object"
	db := t.c.db

	existing, found, err := t.c.conn.Get(t.ctx, collection, key)
	if err != nil {
		return t.fail(storeError(op, err))
	}
	if !found {
		return nil
	}

	object = sanitize(db.objectSanitizer.Pre, collection, key, object)
	data, err := db.objectCodec.Encode(collection, key, object)
	if err != nil {
		return t.fail(newError(ErrCodeSerializer, op, err))
	}
	if bytes.Equal(existing.Data, data) {
		return nil
	}
	metadata, err := t.cachedMetadata(existing)
	if err != nil {
		return t.fail(err)
	}

	if err := t.c.conn.UpdateData(t.ctx, existing.RowID, data); err != nil {
		return t.fail(storeError(op, err))
	}
	row := model.Row{Collection: collection, Key: key, Object: object, Metadata: metadata}
	t.cacheRow(existing.RowID, row)
	if err := t.hooks(op, func(w ExtensionWriter) error {
		return w.DidUpdate(t.ctx, existing.RowID, row, model.PartObject)
	}); err != nil {
		return err
	}

	t.cs.setObject(row.CollectionKey(), object)
	postSanitize(db.objectSanitizer.Post, collection, key, object)
	return nil
}

// ReplaceMetadata replaces the metadata of an existing row and keeps its
// object. Missing rows are left alone.
func (t *ReadWriteTxn) ReplaceMetadata(collection, key string, metadata any) error {
	if t.err != nil {
		return t.err
	}
	const op = "replace metadata"
	db := t.c.db

	existing, found, err := t.c.conn.Get(t.ctx, collection, key)
	if err != nil {
		return t.fail(storeError(op, err))
	}
	if !found {
		return nil
	}

	metadata = sanitize(db.metadataSanitizer.Pre, collection, key, metadata)
	meta, err := db.metadataCodec.Encode(collection, key, metadata)
	if err != nil {
		return t.fail(newError(ErrCodeSerializer, op, err))
	}
	if bytes.Equal(existing.Metadata, meta) {
		return nil
	}
	object, err := t.cachedObject(existing)
	if err != nil {
		return t.fail(err)
	}

	if err := t.c.conn.UpdateMetadata(t.ctx, existing.RowID, meta); err != nil {
		return t.fail(storeError(op, err))
	}
	row := model.Row{Collection: collection, Key: key, Object: object, Metadata: metadata}
	t.cacheRow(existing.RowID, row)
	if err := t.hooks(op, func(w ExtensionWriter) error {
		return w.DidUpdate(t.ctx, existing.RowID, row, model.PartMetadata)
	}); err != nil {
		return err
	}

	t.cs.setMetadata(row.CollectionKey(), metadata)
	postSanitize(db.metadataSanitizer.Post, collection, key, metadata)
	return nil
}

// Touch reports the row as changed to extensions and observers without
// writing it. parts says what to treat as changed; zero means the whole row.
func (t *ReadWriteTxn) Touch(collection, key string, parts model.RowParts) error {
	if t.err != nil {
		return t.err
	}
	const op = "touch"
	if parts == 0 {
		parts = model.PartRow
	}
	rowid, found, err := t.RowID(collection, key)
	if err != nil {
		return t.fail(err)
	}
	if !found {
		return nil
	}
	row, _, err := t.Row(collection, key)
	if err != nil {
		return t.fail(err)
	}
	if err := t.hooks(op, func(w ExtensionWriter) error {
		return w.DidUpdate(t.ctx, rowid, row, parts)
	}); err != nil {
		return err
	}
	t.cs.touch(row.CollectionKey())
	return nil
}

// Remove deletes the row at (collection, key). Missing rows are ignored.
func (t *ReadWriteTxn) Remove(collection, key string) error {
	if t.err != nil {
		return t.err
	}
	const op = "remove"
	ck := model.CK(collection, key)

	rowid, found, err := t.RowID(collection, key)
	if err != nil {
		return t.fail(err)
	}
	if !found {
		return nil
	}
	if err := t.c.conn.Delete(t.ctx, rowid); err != nil {
		return t.fail(storeError(op, err))
	}
	t.c.objects.Remove(ck)
	t.c.metadata.Remove(ck)
	t.c.keys.Remove(rowid)

	ref := RowRef{RowID: rowid, Key: ck}
	if err := t.hooks(op, func(w ExtensionWriter) error {
		return w.DidRemove(t.ctx, ref)
	}); err != nil {
		return err
	}
	t.cs.remove(ck)
	return nil
}

// RemoveKeys deletes several rows of one collection.
func (t *ReadWriteTxn) RemoveKeys(collection string, keys []string) error {
	for _, k := range keys {
		if err := t.Remove(collection, k); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllInCollection deletes every row of a collection.
func (t *ReadWriteTxn) RemoveAllInCollection(collection string) error {
	if t.err != nil {
		return t.err
	}
	const op = "remove collection"

	rowids, keys, err := t.c.conn.RowIDsInCollection(t.ctx, collection)
	if err != nil {
		return t.fail(storeError(op, err))
	}
	if len(rowids) == 0 {
		return nil
	}
	if err := t.c.conn.DeleteCollection(t.ctx, collection); err != nil {
		return t.fail(storeError(op, err))
	}

	refs := make([]RowRef, len(rowids))
	for i := range rowids {
		refs[i] = RowRef{RowID: rowids[i], Key: model.CK(collection, keys[i])}
	}
	inCollection := func(ck model.CollectionKey, _ any) bool { return ck.Collection == collection }
	t.c.objects.RemoveFunc(inCollection)
	t.c.metadata.RemoveFunc(inCollection)
	t.c.keys.RemoveFunc(func(_ int64, ck model.CollectionKey) bool { return ck.Collection == collection })

	if err := t.hooks(op, func(w ExtensionWriter) error {
		return w.DidRemoveAllInCollection(t.ctx, collection, refs)
	}); err != nil {
		return err
	}
	t.cs.removeCollection(collection)
	return nil
}

// RemoveAll deletes every row in every collection.
func (t *ReadWriteTxn) RemoveAll() error {
	if t.err != nil {
		return t.err
	}
	const op = "remove all"

	cols, err := t.c.conn.Collections(t.ctx)
	if err != nil {
		return t.fail(storeError(op, err))
	}
	var refs []RowRef
	for _, col := range cols {
		rowids, keys, err := t.c.conn.RowIDsInCollection(t.ctx, col)
		if err != nil {
			return t.fail(storeError(op, err))
		}
		for i := range rowids {
			refs = append(refs, RowRef{RowID: rowids[i], Key: model.CK(col, keys[i])})
		}
	}
	if len(refs) == 0 {
		return nil
	}
	if err := t.c.conn.DeleteAll(t.ctx); err != nil {
		return t.fail(storeError(op, err))
	}
	t.c.objects.Clear()
	t.c.metadata.Clear()
	t.c.keys.Clear()

	if err := t.hooks(op, func(w ExtensionWriter) error {
		return w.DidRemoveAll(t.ctx, refs)
	}); err != nil {
		return err
	}
	t.cs.removeAll()
	return nil
}

// fail poisons the transaction with err (keeping the first failure) and
// returns it.
func (t *ReadWriteTxn) fail(err error) error {
	if t.err == nil {
		var e *Error
		if !errors.As(err, &e) {
			e = newError(ErrCodeResource, "write", err)
		}
		t.err = e
	}
	return t.err
}

// hooks invokes fn for every registered extension in registration order.
func (t *ReadWriteTxn) hooks(op string, fn func(ExtensionWriter) error) error {
	for _, name := range t.registry.order {
		e, _ := t.registry.get(name)
		if err := fn(t.writer(e)); err != nil {
			return t.fail(&Error{Code: ErrCodeHook, Op: op, Extension: name, Err: err})
		}
	}
	return nil
}

func (t *ReadWriteTxn) writer(e registered) ExtensionWriter {
	if w, ok := t.writers[e.name]; ok {
		return w
	}
	w := t.c.extConn(e).Write(t)
	t.writers[e.name] = w
	t.order = append(t.order, e.name)
	return w
}

func (t *ReadWriteTxn) cacheRow(rowid int64, row model.Row) {
	ck := row.CollectionKey()
	t.c.objects.Put(ck, row.Object)
	t.c.metadata.Put(ck, row.Metadata)
	t.c.keys.Put(rowid, ck)
}

func (t *ReadWriteTxn) cachedObject(raw store.RawRow) (any, error) {
	if v, ok := t.c.objects.Peek(raw.CollectionKey()); ok {
		return v, nil
	}
	row, err := t.decode(raw)
	return row.Object, err
}

func (t *ReadWriteTxn) cachedMetadata(raw store.RawRow) (any, error) {
	if v, ok := t.c.metadata.Peek(raw.CollectionKey()); ok {
		return v, nil
	}
	row, err := t.decode(raw)
	return row.Metadata, err
}

// dropOrphans removes extensions left in the file by an earlier run that
// were not registered again. It runs once, inside the first read-write
// transaction that changes the database.
func (t *ReadWriteTxn) dropOrphans() *Error {
	names, pending := t.c.db.takeOrphans()
	if !pending {
		return nil
	}
	t.orphanCheck = true
	for _, name := range names {
		stored, err := t.c.conn.ExtensionInfo(t.ctx, name)
		if err != nil {
			return storeError("drop orphan", err)
		}
		if err := t.c.conn.DropTables(t.ctx, splitTables(stored[store.PropTables])); err != nil {
			return storeError("drop orphan", err)
		}
		if err := t.c.conn.DeleteExtensionInfo(t.ctx, name); err != nil {
			return storeError("drop orphan", err)
		}
	}
	t.orphans = names
	return nil
}

// commit flushes extensions, advances the snapshot and publishes the
// changeset. On error the caller rolls back.
func (t *ReadWriteTxn) commit() *Error {
	c, db := t.c, t.c.db

	if t.cs.empty() && !t.modified {
		for _, name := range t.order {
			t.writers[name].Rollback()
		}
		if err := c.conn.Commit(t.ctx); err != nil {
			return storeError("commit", err)
		}
		return nil
	}

	for _, name := range t.order {
		payload, err := t.writers[name].Flush(t.ctx)
		if err != nil {
			return &Error{Code: ErrCodeHook, Op: "flush", Extension: name, Err: err}
		}
		if payload != nil {
			t.cs.extensions[name] = payload
		}
	}

	// The write slot is held, so nothing can commit between the snapshot
	// read at BEGIN and the clock.
	next := db.clock.Next()
	if next != t.snapshot+1 {
		return storeError("commit", fmt.Errorf("file is at snapshot %d, clock expects %d", t.snapshot, next-1))
	}
	if err := c.conn.SetSnapshot(t.ctx, next); err != nil {
		return storeError("commit", err)
	}

	cs := t.cs
	cs.id = db.ids.Generate()
	cs.snapshot = next
	cs.connectionID = c.id
	cs.registry = t.registry

	db.stage(cs)
	if err := c.conn.Commit(t.ctx); err != nil {
		db.unstage(cs)
		return storeError("commit", err)
	}

	for _, name := range t.order {
		t.writers[name].Commit()
	}
	if cs.registryChanged {
		c.setRegistry(t.registry)
	}
	c.snapshot.Store(next)
	db.published(c, cs)

	if t.orphanCheck {
		for _, name := range t.orphans {
			db.log.Warn("dropped orphaned extension", "name", name)
		}
		db.orphansDropped()
	}

	db.log.Debug("commit",
		"snapshot", next,
		"conn", c.id,
		"keys", len(cs.Keys()),
		"extensions", len(cs.extensions))
	return nil
}

// rollback discards everything the transaction did. Caches are flushed
// whole since they may hold values that were never committed.
func (t *ReadWriteTxn) rollback() {
	for _, name := range t.order {
		t.writers[name].Rollback()
	}
	t.c.objects.Clear()
	t.c.metadata.Clear()
	t.c.keys.Clear()
	_ = t.c.conn.Rollback(context.Background())
}

func sanitize(fn func(collection, key string, v any) any, collection, key string, v any) any {
	if fn == nil || v == nil {
		return v
	}
	return fn(collection, key, v)
}

func postSanitize(fn func(collection, key string, v any), collection, key string, v any) {
	if fn != nil && v != nil {
		fn(collection, key, v)
	}
}
