package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/viewkv/internal/config"
	"github.com/roach88/viewkv/internal/logging"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/store"
)

// Database owns one file, the committed snapshot counter and the extension
// registry. It is safe for concurrent use; all access goes through
// Connections.
//
// Exactly one read-write transaction runs at a time across every Connection
// of a Database (the write slot). Readers never wait for it: each read
// transaction runs against the snapshot that was committed when it began.
type Database struct {
	cfg   config.Config
	log   *slog.Logger
	store *store.Store
	ids   IDGenerator

	objectCodec       model.Codec
	metadataCodec     model.Codec
	objectSanitizer   model.Sanitizer
	metadataSanitizer model.Sanitizer

	// writeSlot has capacity one; holding a token is holding the slot.
	writeSlot chan struct{}
	clock     *Clock

	// sys runs registration and unregistration.
	sys *Connection

	mu       sync.Mutex
	registry *registry
	gen      uint64
	// history holds committed changesets in snapshot order that some open
	// connection has not applied yet. base is the registry in effect just
	// before history[0].
	history  []*Changeset
	base     *registry
	conns    map[*Connection]uint64 // connection -> applied snapshot
	subs     map[*Subscription]struct{}
	previous []string
	orphans  bool // orphan cleanup already ran
	closed   bool
}

// Open opens or creates the database at cfg.Path.
func Open(cfg config.Config, opts ...Option) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db := &Database{
		cfg:           cfg,
		ids:           UUIDv7Generator{},
		objectCodec:   model.JSONCodec{},
		metadataCodec: model.JSONCodec{},
		writeSlot:     make(chan struct{}, 1),
		registry:      emptyRegistry(),
		conns:         map[*Connection]uint64{},
		subs:          map[*Subscription]struct{}{},
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.log == nil {
		level, _ := cfg.SlogLevel()
		db.log = logging.Stderr(level, cfg.Log.Format)
	}
	db.base = db.registry

	s, err := store.Open(cfg.Path, store.Options{
		Synchronous: cfg.Synchronous,
		BusyTimeout: cfg.BusyTimeout(),
	})
	if err != nil {
		return nil, storeError("open", err)
	}
	db.store = s

	ctx := context.Background()
	snapshot, previous, err := db.loadState(ctx)
	if err != nil {
		s.Close()
		return nil, storeError("open", err)
	}
	db.clock = NewClockAt(snapshot)
	db.previous = previous

	sys, err := db.NewConnection(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	db.sys = sys
	// sys catches up when it is used; it must not hold history back.
	db.mu.Lock()
	delete(db.conns, sys)
	db.mu.Unlock()

	db.log.Info("database opened",
		"path", cfg.Path,
		"snapshot", snapshot,
		"previous_extensions", len(previous))
	return db, nil
}

func (db *Database) loadState(ctx context.Context) (uint64, []string, error) {
	c, err := db.store.Conn(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer c.Close()

	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		return 0, nil, err
	}
	names, err := c.ExtensionNames(ctx)
	if err != nil {
		return 0, nil, err
	}
	return snapshot, names, nil
}

// Config returns the configuration the database was opened with.
func (db *Database) Config() config.Config {
	return db.cfg
}

// Logger returns the database logger.
func (db *Database) Logger() *slog.Logger {
	return db.log
}

// Snapshot returns the latest committed snapshot.
func (db *Database) Snapshot() uint64 {
	return db.clock.Current()
}

// PreviouslyRegisteredExtensions lists the extensions the file knew about
// when it was opened. The list is cleared once orphan cleanup has run.
func (db *Database) PreviouslyRegisteredExtensions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.previous...)
}

// RegisteredExtensions lists the extensions registered in this process, in
// registration order.
func (db *Database) RegisteredExtensions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.registry.names()
}

// Extension returns a registered extension.
func (db *Database) Extension(name string) (Extension, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.registry.get(name)
	return e.ext, ok
}

// NewConnection creates a connection with its own caches and its own pinned
// SQLite connection. Close it when done.
func (db *Database) NewConnection(ctx context.Context) (*Connection, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, newError(ErrCodeClosed, "new connection", nil)
	}
	db.mu.Unlock()

	sc, err := db.store.Conn(ctx)
	if err != nil {
		return nil, storeError("new connection", err)
	}

	c := newConnection(db, sc)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		sc.Close()
		return nil, newError(ErrCodeClosed, "new connection", nil)
	}
	// The connection starts at the latest commit with the current registry;
	// anything committed after this point reaches it through history.
	c.snapshot.Store(db.clock.Current())
	c.registry = db.registry
	db.conns[c] = c.snapshot.Load()
	return c, nil
}

// Subscribe returns a subscription receiving every changeset committed
// from now on.
func (db *Database) Subscribe() *Subscription {
	s := &Subscription{db: db, q: newChangesetQueue()}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		s.q.close()
		return s
	}
	db.subs[s] = struct{}{}
	return s
}

func (db *Database) unsubscribe(s *Subscription) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.subs, s)
}

// RegisterExtension registers ext under name and makes it available to
// every connection. The call runs as a read-write transaction.
//
// If the file holds an extension of the same name with the same kind,
// version tag and fingerprint, its tables are reused as-is. Otherwise the
// old tables are dropped and the extension is populated from scratch.
func (db *Database) RegisterExtension(ctx context.Context, name string, ext Extension) error {
	if err := store.ValidateIdentifier(name); err != nil {
		return &Error{Code: ErrCodeInvalidName, Op: "register", Extension: name, Err: err}
	}
	return db.sys.register(ctx, name, ext)
}

// UnregisterExtension drops an extension's tables and removes it from the
// registry. Extensions left over from earlier runs can be unregistered
// without being registered first.
func (db *Database) UnregisterExtension(ctx context.Context, name string) error {
	return db.sys.unregister(ctx, name)
}

// Close closes every open connection and the file.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	conns := make([]*Connection, 0, len(db.conns))
	for c := range db.conns {
		conns = append(conns, c)
	}
	subs := make([]*Subscription, 0, len(db.subs))
	for s := range db.subs {
		subs = append(subs, s)
	}
	clear(db.subs)
	db.mu.Unlock()

	for _, s := range subs {
		s.q.close()
	}
	for _, c := range conns {
		c.Close()
	}
	db.sys.Close()
	db.log.Info("database closed", "path", db.cfg.Path, "snapshot", db.clock.Current())
	if err := db.store.Close(); err != nil {
		return storeError("close", err)
	}
	return nil
}

// acquireWrite takes the write slot.
func (db *Database) acquireWrite(ctx context.Context) error {
	select {
	case db.writeSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *Database) releaseWrite() {
	<-db.writeSlot
}

// stage publishes cs to history ahead of the SQLite commit, so a reader
// that sees the new snapshot in the file always finds its changeset.
func (db *Database) stage(cs *Changeset) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.history = append(db.history, cs)
}

// unstage removes a changeset whose commit failed.
func (db *Database) unstage(cs *Changeset) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if n := len(db.history); n > 0 && db.history[n-1] == cs {
		db.history[n-1] = nil
		db.history = db.history[:n-1]
	}
}

// published finishes a commit: advances the clock, installs the registry,
// and hands the changeset to subscribers. Called with the write slot held.
func (db *Database) published(c *Connection, cs *Changeset) {
	db.mu.Lock()
	db.clock.Advance(cs.snapshot)
	if cs.registryChanged {
		db.registry = cs.registry
	}
	if _, ok := db.conns[c]; ok {
		db.conns[c] = cs.snapshot
	}
	db.prune()
	subs := make([]*Subscription, 0, len(db.subs))
	for s := range db.subs {
		subs = append(subs, s)
	}
	db.mu.Unlock()

	for _, s := range subs {
		s.q.enqueue(cs)
	}
}

// advanced records that c applied everything up to snapshot.
func (db *Database) advanced(c *Connection, snapshot uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.conns[c]; ok {
		db.conns[c] = snapshot
	}
	db.prune()
}

func (db *Database) forget(c *Connection) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.conns, c)
	db.prune()
}

// prune drops changesets every open connection has applied, then caps the
// history. Must hold db.mu.
func (db *Database) prune() {
	oldest := db.clock.Current()
	for _, s := range db.conns {
		if s < oldest {
			oldest = s
		}
	}
	drop := 0
	for drop < len(db.history) && db.history[drop].snapshot <= oldest {
		drop++
	}
	if over := len(db.history) - drop - db.cfg.MaxRetainedChangesets; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	db.base = db.history[drop-1].registry
	for i := 0; i < drop; i++ {
		db.history[i] = nil
	}
	db.history = db.history[drop:]
}

// changesetsBetween returns the changesets with from < snapshot <= to. ok is
// false when some of them were already pruned.
func (db *Database) changesetsBetween(from, to uint64) ([]*Changeset, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if to <= from {
		return nil, true
	}
	var out []*Changeset
	for _, cs := range db.history {
		if cs.snapshot > from && cs.snapshot <= to {
			out = append(out, cs)
		}
	}
	ok := len(out) == int(to-from) && out[0].snapshot == from+1
	return out, ok
}

// registryAt returns the registry in effect at snapshot s.
func (db *Database) registryAt(s uint64) *registry {
	db.mu.Lock()
	defer db.mu.Unlock()
	r := db.base
	for _, cs := range db.history {
		if cs.snapshot > s {
			break
		}
		r = cs.registry
	}
	return r
}

// nextGen numbers registrations.
func (db *Database) nextGen() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.gen++
	return db.gen
}

// takeOrphans returns previously registered extensions that were not
// registered again. pending is false once a cleanup has committed.
func (db *Database) takeOrphans() (names []string, pending bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.orphans {
		return nil, false
	}
	for _, name := range db.previous {
		if _, ok := db.registry.get(name); !ok {
			names = append(names, name)
		}
	}
	return names, true
}

// orphansDropped clears the previous-extension list after a successful
// cleanup commit.
func (db *Database) orphansDropped() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.orphans = true
	db.previous = nil
}

func splitTables(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
