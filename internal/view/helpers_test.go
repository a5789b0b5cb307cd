package view

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/viewkv/internal/config"
	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/logging"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/testutil"
)

// Test rows hold "group:sort" strings. Anything else is left out of the
// slot view.

func slotOf(row model.Row) (group, sort string, ok bool) {
	s, isString := row.Object.(string)
	if !isString {
		return "", "", false
	}
	return strings.Cut(s, ":")
}

func slotGroup(row model.Row) (string, bool) {
	g, _, ok := slotOf(row)
	return g, ok
}

func slotCompare(_ string, a, b model.Row) int {
	_, x, _ := slotOf(a)
	_, y, _ := slotOf(b)
	return strings.Compare(x, y)
}

func slotConfig(opts Options) Config {
	return Config{
		Grouping:   GroupingFunc(model.PartObject, slotGroup),
		Sorting:    SortingFunc(model.PartObject, slotCompare),
		VersionTag: "1",
		Options:    opts,
	}
}

// parityConfig groups numeric keys into "odd" and "even", sorted by key.
func parityConfig() Config {
	return Config{
		Grouping: GroupingFunc(model.PartKey, func(row model.Row) (string, bool) {
			n, err := strconv.Atoi(row.Key)
			if err != nil {
				return "", false
			}
			if n%2 == 0 {
				return "even", true
			}
			return "odd", true
		}),
		Sorting:    SortByKey(),
		VersionTag: "1",
	}
}

var errBoom = errors.New("boom")

type fixture struct {
	t    *testing.T
	path string
	db   *engine.Database
	conn *engine.Connection
	keys *testutil.PageKeys
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		path: filepath.Join(t.TempDir(), "view.db"),
		keys: testutil.NewPageKeys(),
	}
	f.open()
	return f
}

func (f *fixture) open() {
	f.t.Helper()
	db, err := engine.Open(config.ForPath(f.path), engine.WithLogger(logging.Discard()))
	require.NoError(f.t, err)
	f.db = db
	f.t.Cleanup(func() { db.Close() })
	f.conn = f.newConn()
}

func (f *fixture) reopen() {
	f.t.Helper()
	require.NoError(f.t, f.db.Close())
	f.open()
}

func (f *fixture) newConn() *engine.Connection {
	f.t.Helper()
	c, err := f.db.NewConnection(context.Background())
	require.NoError(f.t, err)
	f.t.Cleanup(func() { c.Close() })
	return c
}

// register registers cfg under name with deterministic page keys.
func (f *fixture) register(name string, cfg Config) *View {
	f.t.Helper()
	if cfg.Options.PageKeys == nil {
		cfg.Options.PageKeys = f.keys
	}
	v, err := New(cfg)
	require.NoError(f.t, err)
	require.NoError(f.t, f.db.RegisterExtension(context.Background(), name, v))
	return v
}

func (f *fixture) write(fn func(tx *engine.ReadWriteTxn) error) {
	f.t.Helper()
	require.NoError(f.t, f.conn.ReadWrite(context.Background(), fn))
}

func (f *fixture) set(collection, key string, obj any) {
	f.t.Helper()
	f.write(func(tx *engine.ReadWriteTxn) error {
		return tx.Set(collection, key, obj)
	})
}

func (f *fixture) remove(collection, key string) {
	f.t.Helper()
	f.write(func(tx *engine.ReadWriteTxn) error {
		return tx.Remove(collection, key)
	})
}

func (f *fixture) read(name string, fn func(vt *Txn)) {
	f.t.Helper()
	readView(f.t, f.conn, name, fn)
}

func readView(t *testing.T, c *engine.Connection, name string, fn func(vt *Txn)) {
	t.Helper()
	err := c.Read(context.Background(), func(tx *engine.ReadTxn) error {
		vt, ok := From(tx, name)
		require.True(t, ok, "view %q not registered", name)
		fn(vt)
		return nil
	})
	require.NoError(t, err)
}

// groups returns every group of the view as keys in view order.
func (f *fixture) groups(name string) map[string][]model.CollectionKey {
	f.t.Helper()
	return groupsOf(f.t, f.conn, name)
}

func groupsOf(t *testing.T, c *engine.Connection, name string) map[string][]model.CollectionKey {
	t.Helper()
	out := map[string][]model.CollectionKey{}
	readView(t, c, name, func(vt *Txn) {
		groups, err := vt.Groups()
		require.NoError(t, err)
		for _, g := range groups {
			keys, err := vt.Keys(g)
			require.NoError(t, err)
			out[g] = keys
		}
	})
	return out
}

// checkPages verifies the page invariants of every group: no empty page,
// no page above max, counts matching the stored rowids.
func (f *fixture) checkPages(name string, maxSize int) {
	f.t.Helper()
	readView(f.t, f.conn, name, func(vt *Txn) {
		groups, err := vt.Groups()
		require.NoError(f.t, err)
		for _, g := range groups {
			infos, err := vt.PageInfo(g)
			require.NoError(f.t, err)
			total := 0
			for _, p := range infos {
				require.Positive(f.t, p.Count, "page %s of %q is empty", p.Key, g)
				require.LessOrEqual(f.t, p.Count, maxSize, "page %s of %q overflows", p.Key, g)
				rowids, err := vt.page(vt.ctx(), p.Key)
				require.NoError(f.t, err)
				require.Len(f.t, rowids, p.Count)
				total += p.Count
			}
			n, err := vt.Count(g)
			require.NoError(f.t, err)
			require.Equal(f.t, n, total)
		}
	})
}

func cks(collection string, keys ...string) []model.CollectionKey {
	out := make([]model.CollectionKey, len(keys))
	for i, k := range keys {
		out[i] = model.CK(collection, k)
	}
	return out
}
