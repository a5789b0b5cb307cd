package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/viewkv/internal/cache"
	"github.com/roach88/viewkv/internal/diff"
	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

// Kind is the extension kind recorded for views.
const Kind = "view"

// View is the extension registered with engine.Database.RegisterExtension.
type View struct {
	// cfg is replaced when a transaction reconfigures the view and commits.
	cfg atomic.Pointer[Config]
}

var _ engine.Extension = (*View)(nil)

// New validates cfg and returns a view ready to register.
func New(cfg Config) (*View, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("view config: %w", err)
	}
	v := &View{}
	v.cfg.Store(&cfg)
	return v, nil
}

func (v *View) config() Config { return *v.cfg.Load() }

// Kind implements engine.Extension.
func (v *View) Kind() string { return Kind }

// VersionTag implements engine.Extension.
func (v *View) VersionTag() string { return v.config().VersionTag }

// Fingerprint implements engine.Extension.
func (v *View) Fingerprint() string { return v.config().fingerprint() }

// Tables implements engine.Extension.
func (v *View) Tables(name string) []string { return tablesFor(name).list() }

// CreateTables implements engine.Extension.
func (v *View) CreateTables(ctx context.Context, q store.Querier, name string) error {
	return tablesFor(name).create(ctx, q)
}

// NewConnection implements engine.Extension.
func (v *View) NewConnection(name string, c *engine.Connection) engine.ExtensionConnection {
	size := c.Config().PageCacheSize
	return &viewConn{
		view:   v,
		name:   name,
		tables: tablesFor(name),
		log:    c.Logger().With("view", name),
		pages:  cache.New[string, []int64](size),
		rmap:   cache.New[int64, string](c.Config().KeyCacheSize),
	}
}

// Payload is what a view attaches to a changeset.
type Payload struct {
	// State is the view's state after the commit.
	State *State
	// Pages holds the new content of every page written by the commit.
	// Deleted pages map to nil.
	Pages map[string][]int64
	// Map holds rowid to page key changes; "" means the rowid left the view.
	Map map[int64]string
	// Changes are the raw mutations in the order they were applied.
	Changes []diff.Change[model.CollectionKey]
	// Reset is set when the view was rebuilt and Changes cannot be replayed
	// against an earlier state.
	Reset bool
	// Cleared is set when every page was dropped; cached pages and map
	// entries of other connections are stale.
	Cleared bool
}

// viewConn is a view's state inside one engine.Connection.
type viewConn struct {
	view   *View
	name   string
	tables tables
	log    *slog.Logger

	state *State
	pages *cache.LRU[string, []int64]
	rmap  *cache.LRU[int64, string]
}

// Read implements engine.ExtensionConnection.
func (vc *viewConn) Read(t *engine.ReadTxn) any {
	return &Txn{vc: vc, rt: t}
}

// Write implements engine.ExtensionConnection.
func (vc *viewConn) Write(t *engine.ReadWriteTxn) engine.ExtensionWriter {
	return newWriter(vc, t)
}

// Apply implements engine.ExtensionConnection.
func (vc *viewConn) Apply(payload any) {
	p, ok := payload.(*Payload)
	if !ok {
		return
	}
	if p.Reset || p.Cleared {
		vc.pages.Clear()
		vc.rmap.Clear()
	}
	vc.install(p)
}

// Reset implements engine.ExtensionConnection.
func (vc *viewConn) Reset() {
	vc.state = nil
	vc.pages.Clear()
	vc.rmap.Clear()
}

// install adopts a committed state and its page and map changes.
func (vc *viewConn) install(p *Payload) {
	vc.state = p.State
	for key, rowids := range p.Pages {
		if rowids == nil {
			vc.pages.Remove(key)
		} else {
			vc.pages.Update(key, rowids)
		}
	}
	for rowid, key := range p.Map {
		if key == "" {
			vc.rmap.Remove(rowid)
		} else {
			vc.rmap.Update(rowid, key)
		}
	}
}

func (vc *viewConn) loadState(ctx context.Context, q store.Querier) (*State, error) {
	if vc.state != nil {
		return vc.state, nil
	}
	st, err := vc.tables.loadState(ctx, q)
	if err != nil {
		return nil, err
	}
	vc.state = st
	vc.log.Debug("view state loaded", "groups", len(st.groups))
	return st, nil
}

func (vc *viewConn) page(ctx context.Context, q store.Querier, key string) ([]int64, error) {
	if rowids, ok := vc.pages.Get(key); ok {
		return rowids, nil
	}
	rowids, err := vc.tables.loadPage(ctx, q, key)
	if err != nil {
		return nil, err
	}
	vc.pages.Put(key, rowids)
	return rowids, nil
}

func (vc *viewConn) pageKeyOf(ctx context.Context, q store.Querier, rowid int64) (string, bool, error) {
	if key, ok := vc.rmap.Get(rowid); ok {
		return key, true, nil
	}
	key, ok, err := vc.tables.lookup(ctx, q, rowid)
	if err != nil || !ok {
		return "", false, err
	}
	vc.rmap.Put(rowid, key)
	return key, true, nil
}
