package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/viewkv/internal/config"
	"github.com/roach88/viewkv/internal/logging"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.ForPath(filepath.Join(t.TempDir(), "test.db"))
}

func openTestDB(t *testing.T, cfg config.Config) *Database {
	t.Helper()
	db, err := Open(cfg, WithLogger(logging.Discard()), WithIDs(NewSequenceGenerator("id")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestConn(t *testing.T, db *Database) *Connection {
	t.Helper()
	c, err := db.NewConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func mustSet(t *testing.T, c *Connection, collection, key string, obj any) {
	t.Helper()
	err := c.ReadWrite(context.Background(), func(tx *ReadWriteTxn) error {
		return tx.Set(collection, key, obj)
	})
	require.NoError(t, err)
}

func readObject(t *testing.T, c *Connection, collection, key string) (any, bool) {
	t.Helper()
	var (
		obj any
		ok  bool
	)
	err := c.Read(context.Background(), func(tx *ReadTxn) error {
		var err error
		obj, ok, err = tx.Object(collection, key)
		return err
	})
	require.NoError(t, err)
	return obj, ok
}

func tableExists(t *testing.T, c *Connection, table string) bool {
	t.Helper()
	var n int
	err := c.Read(context.Background(), func(tx *ReadTxn) error {
		return tx.Querier().QueryRowContext(tx.Context(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	})
	require.NoError(t, err)
	return n == 1
}

var errBoom = errors.New("boom")

// rowLog is a minimal extension mirroring rowids into its own table.
type rowLog struct {
	version   string
	failKey   string
	populates atomic.Int32
}

func (e *rowLog) Kind() string                { return "rowlog" }
func (e *rowLog) VersionTag() string          { return e.version }
func (e *rowLog) Fingerprint() string         { return "fp1" }
func (e *rowLog) Tables(name string) []string { return []string{name + "_rows"} }

func (e *rowLog) CreateTables(ctx context.Context, q store.Querier, name string) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE `+name+`_rows (
		rid INTEGER PRIMARY KEY,
		collection TEXT NOT NULL,
		key TEXT NOT NULL
	)`)
	return err
}

func (e *rowLog) NewConnection(name string, c *Connection) ExtensionConnection {
	return &rowLogConn{ext: e, table: name + "_rows"}
}

type rowLogConn struct {
	ext     *rowLog
	table   string
	applied []any
	resets  int
}

func (rc *rowLogConn) Read(t *ReadTxn) any {
	return &rowLogHandle{ctx: t.Context(), q: t.Querier(), table: rc.table}
}

func (rc *rowLogConn) Write(t *ReadWriteTxn) ExtensionWriter {
	return &rowLogWriter{rc: rc, t: t}
}

func (rc *rowLogConn) Apply(payload any) { rc.applied = append(rc.applied, payload) }
func (rc *rowLogConn) Reset()            { rc.resets++ }

type rowLogHandle struct {
	ctx   context.Context
	q     store.Querier
	table string
}

func (h *rowLogHandle) Count() (int, error) {
	var n int
	err := h.q.QueryRowContext(h.ctx, `SELECT COUNT(*) FROM `+h.table).Scan(&n)
	return n, err
}

type rowLogWriter struct {
	rc  *rowLogConn
	t   *ReadWriteTxn
	ops int
}

func (w *rowLogWriter) Handle() any {
	return &rowLogHandle{ctx: w.t.Context(), q: w.t.Querier(), table: w.rc.table}
}

func (w *rowLogWriter) exec(ctx context.Context, query string, args ...any) error {
	w.ops++
	_, err := w.t.Querier().ExecContext(ctx, query, args...)
	return err
}

func (w *rowLogWriter) Populate(ctx context.Context) error {
	w.rc.ext.populates.Add(1)
	var insertErr error
	err := w.t.EnumerateAllRows(func(rowid int64, row model.Row) bool {
		insertErr = w.exec(ctx, `INSERT INTO `+w.rc.table+` VALUES (?, ?, ?)`, rowid, row.Collection, row.Key)
		return insertErr == nil
	})
	if err != nil {
		return err
	}
	return insertErr
}

func (w *rowLogWriter) DidInsert(ctx context.Context, rowid int64, row model.Row) error {
	if row.Key == w.rc.ext.failKey {
		return errBoom
	}
	return w.exec(ctx, `INSERT INTO `+w.rc.table+` VALUES (?, ?, ?)`, rowid, row.Collection, row.Key)
}

func (w *rowLogWriter) DidUpdate(ctx context.Context, rowid int64, row model.Row, changed model.RowParts) error {
	w.ops++
	return nil
}

func (w *rowLogWriter) DidRemove(ctx context.Context, ref RowRef) error {
	return w.exec(ctx, `DELETE FROM `+w.rc.table+` WHERE rid = ?`, ref.RowID)
}

func (w *rowLogWriter) DidRemoveAllInCollection(ctx context.Context, collection string, refs []RowRef) error {
	return w.exec(ctx, `DELETE FROM `+w.rc.table+` WHERE collection = ?`, collection)
}

func (w *rowLogWriter) DidRemoveAll(ctx context.Context, refs []RowRef) error {
	return w.exec(ctx, `DELETE FROM `+w.rc.table)
}

func (w *rowLogWriter) Flush(ctx context.Context) (any, error) {
	if w.ops == 0 {
		return nil, nil
	}
	return w.ops, nil
}

func (w *rowLogWriter) Commit()   {}
func (w *rowLogWriter) Rollback() {}

func rowLogCount(t *testing.T, c *Connection, name string) int {
	t.Helper()
	var n int
	err := c.Read(context.Background(), func(tx *ReadTxn) error {
		h, ok := tx.Ext(name).(*rowLogHandle)
		require.True(t, ok, "extension %q not registered", name)
		var err error
		n, err = h.Count()
		return err
	})
	require.NoError(t, err)
	return n
}
