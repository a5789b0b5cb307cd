package view

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/viewkv/internal/diff"
	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
)

// writer maintains a view inside one read-write transaction.
//
// Pages are never modified in place: the first change to a page copies it
// into pages, and the state is copied on write. Nothing reaches the
// connection until Commit, so Rollback only drops the writer.
type writer struct {
	vc  *viewConn
	t   *engine.ReadWriteTxn
	cfg Config

	cow    *cow
	loaded bool

	pages map[string][]int64 // written pages; nil marks a deleted page
	links map[string]bool    // groups whose page chain changed
	rmap  map[int64]string   // rowid -> page key; "" marks removal

	changes []diff.Change[model.CollectionKey]
	cleared bool // tables are emptied before flushing
	reset   bool // rebuilt; changes are not replayable
	dirty   bool

	// reconfigured is set once Reconfigure replaced cfg; the view adopts
	// it on Commit.
	reconfigured bool

	payload *Payload
}

func newWriter(vc *viewConn, t *engine.ReadWriteTxn) *writer {
	return &writer{
		vc:    vc,
		t:     t,
		cfg:   vc.view.config(),
		pages: map[string][]int64{},
		links: map[string]bool{},
		rmap:  map[int64]string{},
	}
}

// Handle implements engine.ExtensionWriter.
func (w *writer) Handle() any {
	return &Txn{vc: w.vc, rt: w.t.ReadTxn, w: w}
}

func (w *writer) load(ctx context.Context) error {
	if w.loaded {
		return nil
	}
	st, err := w.vc.loadState(ctx, w.t.Querier())
	if err != nil {
		return err
	}
	w.cow = newCOW(st)
	w.loaded = true
	return nil
}

func (w *writer) state() *State { return w.cow.st }

func (w *writer) page(ctx context.Context, key string) ([]int64, error) {
	if rowids, ok := w.pages[key]; ok {
		if rowids == nil {
			return nil, fmt.Errorf("%w: page %q used after delete", ErrCorrupt, key)
		}
		return rowids, nil
	}
	if w.cleared {
		return nil, fmt.Errorf("%w: page %q predates clear", ErrCorrupt, key)
	}
	return w.vc.page(ctx, w.t.Querier(), key)
}

func (w *writer) pageKeyOf(ctx context.Context, rowid int64) (string, bool, error) {
	if key, ok := w.rmap[rowid]; ok {
		return key, key != "", nil
	}
	if w.cleared {
		return "", false, nil
	}
	return w.vc.pageKeyOf(ctx, w.t.Querier(), rowid)
}

func (w *writer) row(rowid int64) (model.Row, error) {
	row, ok, err := w.t.RowForRowID(rowid)
	if err != nil {
		return model.Row{}, err
	}
	if !ok {
		return model.Row{}, fmt.Errorf("%w: rowid %d is in the view but not in the table", ErrCorrupt, rowid)
	}
	return row, nil
}

func (w *writer) rowAt(ctx context.Context, group string, i int) (int64, model.Row, error) {
	rowid, err := rowIDAt(ctx, w.state(), group, i, w.page)
	if err != nil {
		return 0, model.Row{}, err
	}
	row, err := w.row(rowid)
	return rowid, row, err
}

// compare orders a before b, breaking ties by rowid.
func (w *writer) compare(group string, a model.Row, aid int64, b model.Row, bid int64) int {
	if c := w.cfg.Sorting.Compare(group, a, b); c != 0 {
		return c
	}
	switch {
	case aid < bid:
		return -1
	case aid > bid:
		return 1
	}
	return 0
}

func (w *writer) record(c diff.Change[model.CollectionKey]) {
	w.dirty = true
	if !w.reset {
		w.changes = append(w.changes, c)
	}
}

// position returns where rowid currently sits.
func (w *writer) position(ctx context.Context, rowid int64) (group, key string, index int, ok bool, err error) {
	key, ok, err = w.pageKeyOf(ctx, rowid)
	if err != nil || !ok {
		return "", "", 0, false, err
	}
	st := w.state()
	group, known := st.pageGroup[key]
	if !known {
		return "", "", 0, false, fmt.Errorf("%w: rowid %d maps to unknown page %q", ErrCorrupt, rowid, key)
	}
	_, start, _ := st.pageStart(group, key)
	rowids, err := w.page(ctx, key)
	if err != nil {
		return "", "", 0, false, err
	}
	j := slices.Index(rowids, rowid)
	if j < 0 {
		return "", "", 0, false, fmt.Errorf("%w: rowid %d missing from page %q", ErrCorrupt, rowid, key)
	}
	return group, key, start + j, true, nil
}

// insert places rowid in group and returns its index. Appending and
// prepending are checked first; otherwise a binary search over the whole
// group needs O(log n) comparisons.
func (w *writer) insert(ctx context.Context, group string, rowid int64, row model.Row) (int, error) {
	n := w.state().Count(group)
	idx := 0
	if n > 0 {
		lastID, last, err := w.rowAt(ctx, group, n-1)
		if err != nil {
			return 0, err
		}
		if w.compare(group, row, rowid, last, lastID) > 0 {
			idx = n
		} else {
			firstID, first, err := w.rowAt(ctx, group, 0)
			if err != nil {
				return 0, err
			}
			if w.compare(group, row, rowid, first, firstID) > 0 {
				lo, hi := 1, n-1
				for lo < hi {
					mid := int(uint(lo+hi) >> 1)
					midID, midRow, err := w.rowAt(ctx, group, mid)
					if err != nil {
						return 0, err
					}
					if w.compare(group, row, rowid, midRow, midID) < 0 {
						hi = mid
					} else {
						lo = mid + 1
					}
				}
				idx = lo
			}
		}
	}
	return idx, w.insertAt(ctx, group, idx, rowid)
}

func (w *writer) newPage(group string) string {
	key := w.cfg.Options.PageKeys.Generate()
	w.cow.setPageGroup(key, group)
	w.links[group] = true
	return key
}

func (w *writer) insertAt(ctx context.Context, group string, idx int, rowid int64) error {
	pages := w.cow.group(group)
	if len(pages) == 0 {
		key := w.newPage(group)
		w.pages[key] = []int64{rowid}
		w.rmap[rowid] = key
		w.cow.setGroup(group, []pageMeta{{key: key, count: 1}})
		return nil
	}

	st := w.state()
	p, start, ok := st.locate(group, idx)
	switch {
	case !ok:
		p = len(pages) - 1
		start = st.Count(group) - pages[p].count
	case idx == start && p > 0 && pages[p-1].count < w.cfg.Options.MaxPageSize:
		// At a page boundary, fill the previous page before the next.
		p--
		start -= pages[p].count
	}

	key := pages[p].key
	cur, err := w.page(ctx, key)
	if err != nil {
		return err
	}
	rowids := slices.Insert(slices.Clone(cur), idx-start, rowid)
	pages[p].count++
	w.pages[key] = rowids
	w.rmap[rowid] = key

	if len(rowids) > w.cfg.Options.MaxPageSize {
		pages = w.split(group, pages, p, rowids)
	}
	w.cow.setGroup(group, pages)
	return nil
}

// split cuts page p in two halves and links the new page after it.
func (w *writer) split(group string, pages []pageMeta, p int, rowids []int64) []pageMeta {
	cut := (len(rowids) + 1) / 2
	left := rowids[:cut:cut]
	right := slices.Clone(rowids[cut:])

	key := w.newPage(group)
	w.pages[pages[p].key] = left
	pages[p].count = len(left)
	w.pages[key] = right
	for _, r := range right {
		w.rmap[r] = key
	}
	return slices.Insert(pages, p+1, pageMeta{key: key, count: len(right)})
}

// remove takes rowid out of the view and reports where it was.
func (w *writer) remove(ctx context.Context, rowid int64) (group string, index int, found bool, err error) {
	group, key, index, found, err := w.position(ctx, rowid)
	if err != nil || !found {
		return "", 0, false, err
	}

	pages := w.cow.group(group)
	p, start, _ := w.state().pageStart(group, key)
	cur, err := w.page(ctx, key)
	if err != nil {
		return "", 0, false, err
	}
	j := index - start
	rowids := slices.Delete(slices.Clone(cur), j, j+1)
	pages[p].count--
	w.rmap[rowid] = ""

	switch {
	case len(rowids) == 0:
		w.pages[key] = nil
		w.cow.setPageGroup(key, "")
		w.links[group] = true
		pages = slices.Delete(pages, p, p+1)
	case len(rowids) < w.cfg.Options.MinPageSize:
		w.pages[key] = rowids
		if pages, err = w.merge(ctx, group, pages, p); err != nil {
			return "", 0, false, err
		}
	default:
		w.pages[key] = rowids
	}
	w.cow.setGroup(group, pages)
	return group, index, true, nil
}

// merge folds page p into a neighbour when the two fit in one page.
func (w *writer) merge(ctx context.Context, group string, pages []pageMeta, p int) ([]pageMeta, error) {
	limit := w.cfg.Options.MaxPageSize
	into := -1
	switch {
	case p > 0 && pages[p-1].count+pages[p].count <= limit:
		into = p - 1
	case p+1 < len(pages) && pages[p].count+pages[p+1].count <= limit:
		into = p + 1
	default:
		return pages, nil
	}

	srcKey, dstKey := pages[p].key, pages[into].key
	src := w.pages[srcKey]
	cur, err := w.page(ctx, dstKey)
	if err != nil {
		return nil, err
	}
	var dst []int64
	if into < p {
		dst = append(slices.Clone(cur), src...)
	} else {
		dst = append(slices.Clone(src), cur...)
	}
	w.pages[dstKey] = dst
	pages[into].count = len(dst)
	for _, r := range src {
		w.rmap[r] = dstKey
	}

	w.pages[srcKey] = nil
	w.cow.setPageGroup(srcKey, "")
	w.links[group] = true
	return slices.Delete(pages, p, p+1), nil
}

// stillOrdered reports whether the row at index sits between its
// neighbours after its content changed.
func (w *writer) stillOrdered(ctx context.Context, group string, index int, rowid int64, row model.Row) (bool, error) {
	if index > 0 {
		prevID, prev, err := w.rowAt(ctx, group, index-1)
		if err != nil {
			return false, err
		}
		if w.compare(group, prev, prevID, row, rowid) >= 0 {
			return false, nil
		}
	}
	if index+1 < w.state().Count(group) {
		nextID, next, err := w.rowAt(ctx, group, index+1)
		if err != nil {
			return false, err
		}
		if w.compare(group, row, rowid, next, nextID) >= 0 {
			return false, nil
		}
	}
	return true, nil
}

// Populate implements engine.ExtensionWriter.
func (w *writer) Populate(ctx context.Context) error {
	w.cow = newCOW(nil)
	w.cow.reset()
	w.loaded = true
	w.cleared = true
	w.reset = true
	w.dirty = true
	clear(w.pages)
	clear(w.links)
	clear(w.rmap)
	w.changes = nil

	var insertErr error
	err := w.t.EnumerateAllRows(func(rowid int64, row model.Row) bool {
		group, ok := w.cfg.groupOf(row)
		if !ok {
			return true
		}
		_, insertErr = w.insert(ctx, group, rowid, row)
		return insertErr == nil
	})
	if err != nil {
		return err
	}
	if insertErr != nil {
		return insertErr
	}
	w.vc.log.Info("view populated",
		"rows", w.state().CountAll(),
		"groups", len(w.state().groups))
	return nil
}

// DidInsert implements engine.ExtensionWriter.
func (w *writer) DidInsert(ctx context.Context, rowid int64, row model.Row) error {
	group, ok := w.cfg.groupOf(row)
	if !ok {
		return nil
	}
	if err := w.load(ctx); err != nil {
		return err
	}
	idx, err := w.insert(ctx, group, rowid, row)
	if err != nil {
		return err
	}
	w.record(diff.Change[model.CollectionKey]{
		Kind: diff.Insert, Key: row.CollectionKey(), NewGroup: group, NewIndex: idx,
	})
	return nil
}

// DidUpdate implements engine.ExtensionWriter.
func (w *writer) DidUpdate(ctx context.Context, rowid int64, row model.Row, changed model.RowParts) error {
	if !w.cfg.allows(row.Collection) {
		return nil
	}
	if err := w.load(ctx); err != nil {
		return err
	}
	oldGroup, _, oldIdx, inView, err := w.position(ctx, rowid)
	if err != nil {
		return err
	}
	if !inView {
		if !changed.Intersects(w.cfg.placementParts()) {
			return nil
		}
		return w.DidInsert(ctx, rowid, row)
	}

	ck := row.CollectionKey()
	newGroup, ok := oldGroup, true
	if changed.Intersects(w.cfg.placementParts()) {
		newGroup, ok = w.cfg.groupOf(row)
	}
	if !ok {
		if _, _, _, err := w.remove(ctx, rowid); err != nil {
			return err
		}
		w.record(diff.Change[model.CollectionKey]{
			Kind: diff.Delete, Key: ck, OldGroup: oldGroup, OldIndex: oldIdx,
		})
		return nil
	}

	if newGroup == oldGroup {
		inPlace := !changed.Intersects(w.cfg.Sorting.Parts())
		if !inPlace {
			if inPlace, err = w.stillOrdered(ctx, oldGroup, oldIdx, rowid, row); err != nil {
				return err
			}
		}
		if inPlace {
			w.record(diff.Change[model.CollectionKey]{
				Kind: diff.Update, Key: ck,
				OldGroup: oldGroup, OldIndex: oldIdx, NewGroup: oldGroup, NewIndex: oldIdx,
			})
			return nil
		}
	}

	if _, _, _, err := w.remove(ctx, rowid); err != nil {
		return err
	}
	newIdx, err := w.insert(ctx, newGroup, rowid, row)
	if err != nil {
		return err
	}
	w.record(diff.Change[model.CollectionKey]{
		Kind: diff.Move, Key: ck,
		OldGroup: oldGroup, OldIndex: oldIdx, NewGroup: newGroup, NewIndex: newIdx,
	})
	return nil
}

// DidRemove implements engine.ExtensionWriter.
func (w *writer) DidRemove(ctx context.Context, ref engine.RowRef) error {
	if !w.cfg.allows(ref.Key.Collection) {
		return nil
	}
	if err := w.load(ctx); err != nil {
		return err
	}
	group, idx, found, err := w.remove(ctx, ref.RowID)
	if err != nil || !found {
		return err
	}
	w.record(diff.Change[model.CollectionKey]{
		Kind: diff.Delete, Key: ref.Key, OldGroup: group, OldIndex: idx,
	})
	return nil
}

// DidRemoveAllInCollection implements engine.ExtensionWriter.
func (w *writer) DidRemoveAllInCollection(ctx context.Context, collection string, refs []engine.RowRef) error {
	if !w.cfg.allows(collection) {
		return nil
	}
	for _, ref := range refs {
		if err := w.DidRemove(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// DidRemoveAll implements engine.ExtensionWriter. Every row is reported as
// a delete, back to front per group, before the tables are cleared.
func (w *writer) DidRemoveAll(ctx context.Context, refs []engine.RowRef) error {
	if err := w.load(ctx); err != nil {
		return err
	}
	keys := make(map[int64]model.CollectionKey, len(refs))
	for _, r := range refs {
		keys[r.RowID] = r.Key
	}

	st := w.state()
	for _, group := range st.Groups() {
		pages := st.groups[group]
		idx := st.Count(group)
		for p := len(pages) - 1; p >= 0; p-- {
			rowids, err := w.page(ctx, pages[p].key)
			if err != nil {
				return err
			}
			for j := len(rowids) - 1; j >= 0; j-- {
				idx--
				w.record(diff.Change[model.CollectionKey]{
					Kind: diff.Delete, Key: keys[rowids[j]], OldGroup: group, OldIndex: idx,
				})
			}
		}
	}

	w.cow.reset()
	w.cleared = true
	w.dirty = true
	clear(w.pages)
	clear(w.links)
	clear(w.rmap)
	return nil
}

// Flush implements engine.ExtensionWriter.
func (w *writer) Flush(ctx context.Context) (any, error) {
	if !w.dirty {
		return nil, nil
	}
	q := w.t.Querier()
	tb := w.vc.tables
	st := w.state()

	if w.cleared {
		if err := tb.clear(ctx, q); err != nil {
			return nil, err
		}
	}

	groups := maps.Clone(w.links)
	for _, key := range slices.Sorted(maps.Keys(w.pages)) {
		if w.pages[key] == nil {
			if !w.cleared {
				if err := tb.deletePage(ctx, q, key); err != nil {
					return nil, err
				}
			}
			continue
		}
		groups[st.pageGroup[key]] = true
	}
	for _, group := range slices.Sorted(maps.Keys(groups)) {
		pages := st.groups[group]
		for i, m := range pages {
			r := pageRow{key: m.key, group: group}
			if i > 0 {
				r.prev = pages[i-1].key
			}
			if i+1 < len(pages) {
				r.next = pages[i+1].key
			}
			var err error
			if rowids, written := w.pages[m.key]; written {
				err = tb.putPage(ctx, q, r, rowids)
			} else if w.links[group] {
				err = tb.putLinks(ctx, q, r)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	for _, rowid := range slices.Sorted(maps.Keys(w.rmap)) {
		key := w.rmap[rowid]
		if key == "" && w.cleared {
			continue
		}
		if err := tb.putMap(ctx, q, rowid, key); err != nil {
			return nil, err
		}
	}

	w.payload = &Payload{
		State:   st,
		Pages:   w.pages,
		Map:     w.rmap,
		Changes: w.changes,
		Reset:   w.reset,
		Cleared: w.cleared,
	}
	return w.payload, nil
}

// reconfigure swaps the grouping and sorting, records versionTag and
// rebuilds every group from the primary table.
func (w *writer) reconfigure(ctx context.Context, grouping Grouping, sorting Sorting, versionTag string) error {
	cfg := w.cfg
	cfg.Grouping, cfg.Sorting, cfg.VersionTag = grouping, sorting, versionTag
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("view config: %w", err)
	}
	if err := w.t.SetExtensionVersionTag(w.vc.name, versionTag); err != nil {
		return err
	}
	w.cfg = cfg
	w.reconfigured = true
	w.vc.log.Info("view reconfigured", "version_tag", versionTag)
	return w.Populate(ctx)
}

// Commit implements engine.ExtensionWriter.
func (w *writer) Commit() {
	if w.reconfigured {
		cfg := w.cfg
		w.vc.view.cfg.Store(&cfg)
	}
	if w.payload != nil {
		w.vc.Apply(w.payload)
	}
}

// Rollback implements engine.ExtensionWriter.
func (w *writer) Rollback() {
	w.payload = nil
}
