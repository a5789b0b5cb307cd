package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/viewkv/internal/model"
)

// scanBatch bounds how many rows a scan holds open at once. Callbacks run
// between batches so they are free to issue their own queries.
const scanBatch = 256

// RawRow is one primary table row with its blobs still serialized.
type RawRow struct {
	RowID      int64
	Collection string
	Key        string
	Data       []byte
	Metadata   []byte
}

// CollectionKey returns the address of the row.
func (r RawRow) CollectionKey() model.CollectionKey {
	return model.CollectionKey{Collection: r.Collection, Key: r.Key}
}

// RowID returns the rowid for (collection, key).
func (c *Conn) RowID(ctx context.Context, collection, key string) (int64, bool, error) {
	var rowid int64
	err := c.QueryRowContext(ctx,
		`SELECT rowid FROM kv_rows WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read rowid: %w", wrapResource(err))
	}
	return rowid, true, nil
}

// Get returns the row stored at (collection, key).
func (c *Conn) Get(ctx context.Context, collection, key string) (RawRow, bool, error) {
	row := RawRow{Collection: collection, Key: key}
	err := c.QueryRowContext(ctx,
		`SELECT rowid, data, metadata FROM kv_rows WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&row.RowID, &row.Data, &row.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return RawRow{}, false, nil
	}
	if err != nil {
		return RawRow{}, false, fmt.Errorf("read row: %w", wrapResource(err))
	}
	return row, true, nil
}

// GetByRowID returns the row with the given rowid.
func (c *Conn) GetByRowID(ctx context.Context, rowid int64) (RawRow, bool, error) {
	row := RawRow{RowID: rowid}
	err := c.QueryRowContext(ctx,
		`SELECT collection, key, data, metadata FROM kv_rows WHERE rowid = ?`,
		rowid,
	).Scan(&row.Collection, &row.Key, &row.Data, &row.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return RawRow{}, false, nil
	}
	if err != nil {
		return RawRow{}, false, fmt.Errorf("read row %d: %w", rowid, wrapResource(err))
	}
	return row, true, nil
}

// KeyForRowID returns the (collection, key) of a rowid.
func (c *Conn) KeyForRowID(ctx context.Context, rowid int64) (model.CollectionKey, bool, error) {
	var ck model.CollectionKey
	err := c.QueryRowContext(ctx,
		`SELECT collection, key FROM kv_rows WHERE rowid = ?`,
		rowid,
	).Scan(&ck.Collection, &ck.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return ck, false, nil
	}
	if err != nil {
		return ck, false, fmt.Errorf("read key %d: %w", rowid, wrapResource(err))
	}
	return ck, true, nil
}

// Insert adds a new row and returns its rowid.
// Rowids are AUTOINCREMENT and never reused.
func (c *Conn) Insert(ctx context.Context, collection, key string, data, metadata []byte) (int64, error) {
	res, err := c.ExecContext(ctx,
		`INSERT INTO kv_rows (collection, key, data, metadata) VALUES (?, ?, ?, ?)`,
		collection, key, data, metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("insert row: %w", err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert row: last insert id: %w", err)
	}
	return rowid, nil
}

// Update replaces both blobs of an existing row.
func (c *Conn) Update(ctx context.Context, rowid int64, data, metadata []byte) error {
	if _, err := c.ExecContext(ctx,
		`UPDATE kv_rows SET data = ?, metadata = ? WHERE rowid = ?`,
		data, metadata, rowid,
	); err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	return nil
}

// UpdateData replaces the object blob of an existing row.
func (c *Conn) UpdateData(ctx context.Context, rowid int64, data []byte) error {
	if _, err := c.ExecContext(ctx, `UPDATE kv_rows SET data = ? WHERE rowid = ?`, data, rowid); err != nil {
		return fmt.Errorf("update data: %w", err)
	}
	return nil
}

// UpdateMetadata replaces the metadata blob of an existing row.
func (c *Conn) UpdateMetadata(ctx context.Context, rowid int64, metadata []byte) error {
	if _, err := c.ExecContext(ctx, `UPDATE kv_rows SET metadata = ? WHERE rowid = ?`, metadata, rowid); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// Delete removes one row.
func (c *Conn) Delete(ctx context.Context, rowid int64) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM kv_rows WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	return nil
}

// DeleteCollection removes every row in a collection.
func (c *Conn) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM kv_rows WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

// DeleteAll removes every row.
func (c *Conn) DeleteAll(ctx context.Context) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM kv_rows`); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

// CountCollection returns the number of rows in a collection.
func (c *Conn) CountCollection(ctx context.Context, collection string) (int, error) {
	var n int
	if err := c.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_rows WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count collection: %w", wrapResource(err))
	}
	return n, nil
}

// CountAll returns the number of rows in every collection.
func (c *Conn) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := c.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_rows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count all: %w", wrapResource(err))
	}
	return n, nil
}

// Collections returns the distinct collection names in byte order.
func (c *Conn) Collections(ctx context.Context) ([]string, error) {
	return c.queryStrings(ctx, "list collections",
		`SELECT DISTINCT collection FROM kv_rows ORDER BY collection COLLATE BINARY ASC`)
}

// Keys returns the keys of a collection in byte order.
func (c *Conn) Keys(ctx context.Context, collection string) ([]string, error) {
	return c.queryStrings(ctx, "list keys",
		`SELECT key FROM kv_rows WHERE collection = ? ORDER BY key COLLATE BINARY ASC`, collection)
}

// RowIDsInCollection returns rowid and key of every row in a collection,
// ordered by rowid.
func (c *Conn) RowIDsInCollection(ctx context.Context, collection string) ([]int64, []string, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT rowid, key FROM kv_rows WHERE collection = ? ORDER BY rowid ASC`, collection)
	if err != nil {
		return nil, nil, fmt.Errorf("list rowids: %w", err)
	}
	defer rows.Close()

	var rowids []int64
	var keys []string
	for rows.Next() {
		var rowid int64
		var key string
		if err := rows.Scan(&rowid, &key); err != nil {
			return nil, nil, fmt.Errorf("scan rowid: %w", err)
		}
		rowids = append(rowids, rowid)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rowids: %w", wrapResource(err))
	}
	return rowids, keys, nil
}

// ScanCollection calls fn for every row of a collection in rowid order
// until fn returns false or an error.
func (c *Conn) ScanCollection(ctx context.Context, collection string, fn func(RawRow) (bool, error)) error {
	return c.scan(ctx, fn,
		`SELECT rowid, collection, key, data, metadata FROM kv_rows
		WHERE collection = ? AND rowid > ? ORDER BY rowid ASC LIMIT ?`, collection)
}

// ScanAll calls fn for every row in rowid order until fn returns false or an error.
func (c *Conn) ScanAll(ctx context.Context, fn func(RawRow) (bool, error)) error {
	return c.scan(ctx, fn,
		`SELECT rowid, collection, key, data, metadata FROM kv_rows
		WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`)
}

// scan pages through query with keyset pagination on rowid. prefix holds the
// arguments that come before the (after, limit) pair.
func (c *Conn) scan(ctx context.Context, fn func(RawRow) (bool, error), query string, prefix ...any) error {
	var after int64
	for {
		args := append(append([]any{}, prefix...), after, scanBatch)
		batch, err := c.readBatch(ctx, query, args...)
		if err != nil {
			return err
		}
		for _, r := range batch {
			more, err := fn(r)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if len(batch) < scanBatch {
			return nil
		}
		after = batch[len(batch)-1].RowID
	}
}

func (c *Conn) readBatch(ctx context.Context, query string, args ...any) ([]RawRow, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	defer rows.Close()

	batch := make([]RawRow, 0, scanBatch)
	for rows.Next() {
		var r RawRow
		if err := rows.Scan(&r.RowID, &r.Collection, &r.Key, &r.Data, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", wrapResource(err))
	}
	return batch, nil
}

func (c *Conn) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, wrapResource(err))
	}
	return out, nil
}
