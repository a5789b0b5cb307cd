package engine

import (
	"sort"

	"github.com/roach88/viewkv/internal/model"
)

// Changeset describes one committed read-write transaction.
//
// Changesets are immutable once published. Object and metadata values are
// shared with every connection that applies the changeset and must be
// treated as read-only.
type Changeset struct {
	id           string
	snapshot     uint64
	connectionID string
	custom       any

	objects            map[model.CollectionKey]any
	metadata           map[model.CollectionKey]any
	touched            map[model.CollectionKey]struct{}
	removed            map[model.CollectionKey]struct{}
	removedCollections map[string]struct{}
	removedAll         bool

	// rekeyed holds every key removed individually by this commit, including
	// keys set again afterwards. Their old rowids are gone either way.
	rekeyed map[model.CollectionKey]struct{}

	extensions map[string]any
	registry   *registry
	// registryChanged marks registrations and unregistrations.
	registryChanged bool
}

func newChangeset() *Changeset {
	return &Changeset{
		objects:            map[model.CollectionKey]any{},
		metadata:           map[model.CollectionKey]any{},
		touched:            map[model.CollectionKey]struct{}{},
		removed:            map[model.CollectionKey]struct{}{},
		rekeyed:            map[model.CollectionKey]struct{}{},
		removedCollections: map[string]struct{}{},
		extensions:         map[string]any{},
	}
}

func (cs *Changeset) setObject(ck model.CollectionKey, v any) {
	delete(cs.removed, ck)
	cs.objects[ck] = v
}

func (cs *Changeset) setMetadata(ck model.CollectionKey, v any) {
	delete(cs.removed, ck)
	cs.metadata[ck] = v
}

func (cs *Changeset) touch(ck model.CollectionKey) {
	cs.touched[ck] = struct{}{}
}

func (cs *Changeset) remove(ck model.CollectionKey) {
	delete(cs.objects, ck)
	delete(cs.metadata, ck)
	delete(cs.touched, ck)
	cs.removed[ck] = struct{}{}
	cs.rekeyed[ck] = struct{}{}
}

func (cs *Changeset) removeCollection(collection string) {
	for ck := range cs.objects {
		if ck.Collection == collection {
			delete(cs.objects, ck)
		}
	}
	for ck := range cs.metadata {
		if ck.Collection == collection {
			delete(cs.metadata, ck)
		}
	}
	for ck := range cs.touched {
		if ck.Collection == collection {
			delete(cs.touched, ck)
		}
	}
	for ck := range cs.removed {
		if ck.Collection == collection {
			delete(cs.removed, ck)
		}
	}
	for ck := range cs.rekeyed {
		if ck.Collection == collection {
			delete(cs.rekeyed, ck)
		}
	}
	cs.removedCollections[collection] = struct{}{}
}

func (cs *Changeset) removeAll() {
	clear(cs.objects)
	clear(cs.metadata)
	clear(cs.touched)
	clear(cs.removed)
	clear(cs.rekeyed)
	clear(cs.removedCollections)
	cs.removedAll = true
}

func (cs *Changeset) empty() bool {
	return len(cs.objects) == 0 && len(cs.metadata) == 0 && len(cs.touched) == 0 &&
		len(cs.removed) == 0 && len(cs.removedCollections) == 0 && !cs.removedAll &&
		cs.custom == nil && !cs.registryChanged
}

// ID returns the changeset's unique identifier.
func (cs *Changeset) ID() string { return cs.id }

// Snapshot returns the snapshot this commit produced.
func (cs *Changeset) Snapshot() uint64 { return cs.snapshot }

// ConnectionID identifies the connection that committed.
func (cs *Changeset) ConnectionID() string { return cs.connectionID }

// Custom returns the value attached with ReadWriteTxn.SetCustom.
func (cs *Changeset) Custom() any { return cs.custom }

// RegistryChanged reports whether an extension was registered or
// unregistered by this commit.
func (cs *Changeset) RegistryChanged() bool { return cs.registryChanged }

// Extension returns the payload an extension attached to this commit.
func (cs *Changeset) Extension(name string) (any, bool) {
	p, ok := cs.extensions[name]
	return p, ok
}

// Object returns the new object for a key set by this commit.
func (cs *Changeset) Object(collection, key string) (any, bool) {
	v, ok := cs.objects[model.CK(collection, key)]
	return v, ok
}

// Metadata returns the new metadata for a key set by this commit.
func (cs *Changeset) Metadata(collection, key string) (any, bool) {
	v, ok := cs.metadata[model.CK(collection, key)]
	return v, ok
}

// Removed reports whether the key was removed, individually or as part of
// its collection or the whole database.
func (cs *Changeset) Removed(collection, key string) bool {
	if cs.removedAll {
		return true
	}
	if _, ok := cs.removedCollections[collection]; ok {
		return true
	}
	_, ok := cs.removed[model.CK(collection, key)]
	return ok
}

// HasChange reports whether the key was written, touched or removed.
func (cs *Changeset) HasChange(collection, key string) bool {
	ck := model.CK(collection, key)
	if _, ok := cs.objects[ck]; ok {
		return true
	}
	if _, ok := cs.metadata[ck]; ok {
		return true
	}
	if _, ok := cs.touched[ck]; ok {
		return true
	}
	return cs.Removed(collection, key)
}

// HasCollectionChange reports whether anything in the collection changed.
func (cs *Changeset) HasCollectionChange(collection string) bool {
	for _, c := range cs.Collections() {
		if c == collection {
			return true
		}
	}
	return cs.removedAll
}

// RemovedAll reports whether the commit removed every row.
func (cs *Changeset) RemovedAll() bool { return cs.removedAll }

// RemovedCollections lists collections removed wholesale, sorted.
func (cs *Changeset) RemovedCollections() []string {
	out := make([]string, 0, len(cs.removedCollections))
	for c := range cs.removedCollections {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Keys lists every individually changed key, sorted.
func (cs *Changeset) Keys() []model.CollectionKey {
	seen := map[model.CollectionKey]struct{}{}
	for _, m := range []map[model.CollectionKey]any{cs.objects, cs.metadata} {
		for ck := range m {
			seen[ck] = struct{}{}
		}
	}
	for _, m := range []map[model.CollectionKey]struct{}{cs.touched, cs.removed} {
		for ck := range m {
			seen[ck] = struct{}{}
		}
	}
	out := make([]model.CollectionKey, 0, len(seen))
	for ck := range seen {
		out = append(out, ck)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Collections lists every collection with a change, sorted.
func (cs *Changeset) Collections() []string {
	seen := map[string]struct{}{}
	for _, ck := range cs.Keys() {
		seen[ck.Collection] = struct{}{}
	}
	for c := range cs.removedCollections {
		seen[c] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
