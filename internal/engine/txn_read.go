package engine

import (
	"context"
	"errors"

	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

// ReadTxn reads one snapshot. It is only valid inside the function passed
// to Read or ReadWrite.
//
// Reads consult the connection's caches before decoding from storage.
type ReadTxn struct {
	ctx      context.Context
	c        *Connection
	snapshot uint64
	rw       *ReadWriteTxn
}

// Context returns the context the transaction was started with.
func (t *ReadTxn) Context() context.Context { return t.ctx }

// Snapshot returns the snapshot the transaction reads.
func (t *ReadTxn) Snapshot() uint64 { return t.snapshot }

// Connection returns the connection running the transaction.
func (t *ReadTxn) Connection() *Connection { return t.c }

// Querier exposes the transaction's SQLite connection to extensions.
func (t *ReadTxn) Querier() store.Querier { return t.c.conn }

// Ext returns the handle of a registered extension, or nil.
func (t *ReadTxn) Ext(name string) any {
	if t.rw != nil {
		return t.rw.Ext(name)
	}
	e, ok := t.c.registry.get(name)
	if !ok {
		return nil
	}
	return t.c.extConn(e).Read(t)
}

// Object returns the object stored at (collection, key).
func (t *ReadTxn) Object(collection, key string) (any, bool, error) {
	ck := model.CK(collection, key)
	if v, ok := t.c.objects.Get(ck); ok {
		return v, true, nil
	}
	row, _, ok, err := t.load(ck)
	return row.Object, ok, err
}

// Metadata returns the metadata stored at (collection, key).
func (t *ReadTxn) Metadata(collection, key string) (any, bool, error) {
	ck := model.CK(collection, key)
	if v, ok := t.c.metadata.Get(ck); ok {
		return v, true, nil
	}
	row, _, ok, err := t.load(ck)
	return row.Metadata, ok, err
}

// Row returns object and metadata together.
func (t *ReadTxn) Row(collection, key string) (model.Row, bool, error) {
	ck := model.CK(collection, key)
	obj, okObj := t.c.objects.Get(ck)
	meta, okMeta := t.c.metadata.Get(ck)
	if okObj && okMeta {
		return model.Row{Collection: collection, Key: key, Object: obj, Metadata: meta}, true, nil
	}
	row, _, ok, err := t.load(ck)
	return row, ok, err
}

// Has reports whether a row exists at (collection, key).
func (t *ReadTxn) Has(collection, key string) (bool, error) {
	ck := model.CK(collection, key)
	if t.c.objects.Contains(ck) {
		return true, nil
	}
	_, ok, err := t.RowID(collection, key)
	return ok, err
}

// RowID returns the rowid of (collection, key).
func (t *ReadTxn) RowID(collection, key string) (int64, bool, error) {
	ck := model.CK(collection, key)
	if rowid, ok := t.c.keys.GetKey(ck); ok {
		return rowid, true, nil
	}
	rowid, ok, err := t.c.conn.RowID(t.ctx, collection, key)
	if err != nil {
		return 0, false, storeError("rowid", err)
	}
	if ok {
		t.c.keys.Put(rowid, ck)
	}
	return rowid, ok, nil
}

// KeyForRowID returns the (collection, key) of a rowid.
func (t *ReadTxn) KeyForRowID(rowid int64) (model.CollectionKey, bool, error) {
	if ck, ok := t.c.keys.Get(rowid); ok {
		return ck, true, nil
	}
	ck, ok, err := t.c.conn.KeyForRowID(t.ctx, rowid)
	if err != nil {
		return ck, false, storeError("key for rowid", err)
	}
	if ok {
		t.c.keys.Put(rowid, ck)
	}
	return ck, ok, nil
}

// RowForRowID returns the row with the given rowid.
func (t *ReadTxn) RowForRowID(rowid int64) (model.Row, bool, error) {
	ck, ok, err := t.KeyForRowID(rowid)
	if err != nil || !ok {
		return model.Row{}, ok, err
	}
	return t.Row(ck.Collection, ck.Key)
}

// RawData returns the serialized object without decoding or caching it.
func (t *ReadTxn) RawData(collection, key string) ([]byte, bool, error) {
	raw, ok, err := t.c.conn.Get(t.ctx, collection, key)
	if err != nil {
		return nil, false, storeError("raw data", err)
	}
	return raw.Data, ok, nil
}

// RawMetadata returns the serialized metadata without decoding or caching it.
func (t *ReadTxn) RawMetadata(collection, key string) ([]byte, bool, error) {
	raw, ok, err := t.c.conn.Get(t.ctx, collection, key)
	if err != nil {
		return nil, false, storeError("raw metadata", err)
	}
	return raw.Metadata, ok, nil
}

// Count returns the number of rows in a collection.
func (t *ReadTxn) Count(collection string) (int, error) {
	n, err := t.c.conn.CountCollection(t.ctx, collection)
	if err != nil {
		return 0, storeError("count", err)
	}
	return n, nil
}

// CountAll returns the number of rows in every collection.
func (t *ReadTxn) CountAll() (int, error) {
	n, err := t.c.conn.CountAll(t.ctx)
	if err != nil {
		return 0, storeError("count", err)
	}
	return n, nil
}

// Collections lists the non-empty collections in byte order.
func (t *ReadTxn) Collections() ([]string, error) {
	cols, err := t.c.conn.Collections(t.ctx)
	if err != nil {
		return nil, storeError("collections", err)
	}
	return cols, nil
}

// Keys lists a collection's keys in byte order.
func (t *ReadTxn) Keys(collection string) ([]string, error) {
	keys, err := t.c.conn.Keys(t.ctx, collection)
	if err != nil {
		return nil, storeError("keys", err)
	}
	return keys, nil
}

// EnumerateKeys calls fn for each key of a collection, in byte order,
// until fn returns false.
func (t *ReadTxn) EnumerateKeys(collection string, fn func(key string) bool) error {
	keys, err := t.Keys(collection)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// EnumerateRows calls fn for each row of a collection, in insertion order,
// until fn returns false.
func (t *ReadTxn) EnumerateRows(collection string, fn func(model.Row) bool) error {
	err := t.c.conn.ScanCollection(t.ctx, collection, func(raw store.RawRow) (bool, error) {
		row, err := t.cached(raw)
		if err != nil {
			return false, err
		}
		return fn(row), nil
	})
	return t.scanError("enumerate", err)
}

// EnumerateAllRows calls fn for every row, in rowid order, until fn
// returns false.
func (t *ReadTxn) EnumerateAllRows(fn func(rowid int64, row model.Row) bool) error {
	err := t.c.conn.ScanAll(t.ctx, func(raw store.RawRow) (bool, error) {
		row, err := t.cached(raw)
		if err != nil {
			return false, err
		}
		return fn(raw.RowID, row), nil
	})
	return t.scanError("enumerate", err)
}

func (t *ReadTxn) scanError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return storeError(op, err)
}

// load reads a row from storage and fills the caches.
func (t *ReadTxn) load(ck model.CollectionKey) (model.Row, int64, bool, error) {
	raw, ok, err := t.c.conn.Get(t.ctx, ck.Collection, ck.Key)
	if err != nil {
		return model.Row{}, 0, false, storeError("get", err)
	}
	if !ok {
		return model.Row{}, 0, false, nil
	}
	row, err := t.decode(raw)
	if err != nil {
		return model.Row{}, 0, false, err
	}
	t.c.objects.Put(ck, row.Object)
	t.c.metadata.Put(ck, row.Metadata)
	t.c.keys.Put(raw.RowID, ck)
	return row, raw.RowID, true, nil
}

// cached returns the row for raw, preferring cached decoded values.
func (t *ReadTxn) cached(raw store.RawRow) (model.Row, error) {
	ck := raw.CollectionKey()
	obj, okObj := t.c.objects.Get(ck)
	meta, okMeta := t.c.metadata.Get(ck)
	if okObj && okMeta {
		return model.Row{Collection: ck.Collection, Key: ck.Key, Object: obj, Metadata: meta}, nil
	}
	row, err := t.decode(raw)
	if err != nil {
		return model.Row{}, err
	}
	t.c.objects.Put(ck, row.Object)
	t.c.metadata.Put(ck, row.Metadata)
	t.c.keys.Put(raw.RowID, ck)
	return row, nil
}

func (t *ReadTxn) decode(raw store.RawRow) (model.Row, error) {
	db := t.c.db
	obj, err := db.objectCodec.Decode(raw.Collection, raw.Key, raw.Data)
	if err != nil {
		return model.Row{}, newError(ErrCodeSerializer, "decode object", err)
	}
	meta, err := db.metadataCodec.Decode(raw.Collection, raw.Key, raw.Metadata)
	if err != nil {
		return model.Row{}, newError(ErrCodeSerializer, "decode metadata", err)
	}
	return model.Row{Collection: raw.Collection, Key: raw.Key, Object: obj, Metadata: meta}, nil
}
