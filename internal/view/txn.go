package view

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
)

// ErrReadOnly is returned by operations that need a read-write transaction.
var ErrReadOnly = errors.New("view: read-only transaction")

// Txn reads a view inside an engine transaction. Inside a read-write
// transaction it observes the transaction's own changes.
type Txn struct {
	vc *viewConn
	rt *engine.ReadTxn
	w  *writer
}

// From returns the view registered as name, or false if no view has that
// name. Pass rw.ReadTxn for a read-write transaction.
func From(tx *engine.ReadTxn, name string) (*Txn, bool) {
	t, ok := tx.Ext(name).(*Txn)
	return t, ok
}

// Name returns the name the view is registered under.
func (t *Txn) Name() string { return t.vc.name }

// VersionTag returns the version tag of the registered view, or the tag
// set by Reconfigure earlier in the transaction.
func (t *Txn) VersionTag() string { return t.config().VersionTag }

func (t *Txn) config() Config {
	if t.w != nil {
		return t.w.cfg
	}
	return t.vc.view.config()
}

// Snapshot returns the snapshot the transaction reads.
func (t *Txn) Snapshot() uint64 { return t.rt.Snapshot() }

func (t *Txn) ctx() context.Context { return t.rt.Context() }

func (t *Txn) state() (*State, error) {
	if t.w != nil {
		if err := t.w.load(t.ctx()); err != nil {
			return nil, err
		}
		return t.w.state(), nil
	}
	return t.vc.loadState(t.ctx(), t.rt.Querier())
}

func (t *Txn) page(ctx context.Context, key string) ([]int64, error) {
	if t.w != nil {
		return t.w.page(ctx, key)
	}
	return t.vc.page(ctx, t.rt.Querier(), key)
}

func (t *Txn) pageKeyOf(rowid int64) (string, bool, error) {
	if t.w != nil {
		return t.w.pageKeyOf(t.ctx(), rowid)
	}
	return t.vc.pageKeyOf(t.ctx(), t.rt.Querier(), rowid)
}

// rowIDAt returns the rowid at index i of group.
func rowIDAt(ctx context.Context, st *State, group string, i int, page func(context.Context, string) ([]int64, error)) (int64, error) {
	p, start, ok := st.locate(group, i)
	if !ok {
		return 0, fmt.Errorf("index %d out of range for group %q", i, group)
	}
	rowids, err := page(ctx, st.groups[group][p].key)
	if err != nil {
		return 0, err
	}
	if i-start >= len(rowids) {
		return 0, fmt.Errorf("%w: page %q holds %d rows, state says more", ErrCorrupt, st.groups[group][p].key, len(rowids))
	}
	return rowids[i-start], nil
}

// Groups lists the non-empty groups in byte order.
func (t *Txn) Groups() ([]string, error) {
	st, err := t.state()
	if err != nil {
		return nil, err
	}
	return st.Groups(), nil
}

// HasGroup reports whether group has any rows.
func (t *Txn) HasGroup(group string) (bool, error) {
	st, err := t.state()
	if err != nil {
		return false, err
	}
	_, ok := st.groups[group]
	return ok, nil
}

// Count returns the number of rows in group.
func (t *Txn) Count(group string) (int, error) {
	st, err := t.state()
	if err != nil {
		return 0, err
	}
	return st.Count(group), nil
}

// CountAll returns the number of rows in the view.
func (t *Txn) CountAll() (int, error) {
	st, err := t.state()
	if err != nil {
		return 0, err
	}
	return st.CountAll(), nil
}

// IsEmpty reports whether the view has no rows.
func (t *Txn) IsEmpty() (bool, error) {
	st, err := t.state()
	if err != nil {
		return false, err
	}
	return len(st.groups) == 0, nil
}

// RowIDAt returns the rowid at index of group.
func (t *Txn) RowIDAt(group string, index int) (int64, bool, error) {
	st, err := t.state()
	if err != nil {
		return 0, false, err
	}
	if index < 0 || index >= st.Count(group) {
		return 0, false, nil
	}
	rowid, err := rowIDAt(t.ctx(), st, group, index, t.page)
	if err != nil {
		return 0, false, err
	}
	return rowid, true, nil
}

// KeyAt returns the key at index of group.
func (t *Txn) KeyAt(group string, index int) (model.CollectionKey, bool, error) {
	rowid, ok, err := t.RowIDAt(group, index)
	if err != nil || !ok {
		return model.CollectionKey{}, false, err
	}
	return t.keyFor(rowid)
}

func (t *Txn) keyFor(rowid int64) (model.CollectionKey, bool, error) {
	ck, ok, err := t.rt.KeyForRowID(rowid)
	if err != nil {
		return ck, false, err
	}
	if !ok {
		return ck, false, fmt.Errorf("%w: rowid %d is in the view but not in the table", ErrCorrupt, rowid)
	}
	return ck, true, nil
}

// RowAt returns the row at index of group.
func (t *Txn) RowAt(group string, index int) (model.Row, bool, error) {
	ck, ok, err := t.KeyAt(group, index)
	if err != nil || !ok {
		return model.Row{}, false, err
	}
	return t.rt.Row(ck.Collection, ck.Key)
}

// ObjectAt returns the object at index of group.
func (t *Txn) ObjectAt(group string, index int) (any, bool, error) {
	row, ok, err := t.RowAt(group, index)
	return row.Object, ok, err
}

// First returns the first key of group.
func (t *Txn) First(group string) (model.CollectionKey, bool, error) {
	return t.KeyAt(group, 0)
}

// Last returns the last key of group.
func (t *Txn) Last(group string) (model.CollectionKey, bool, error) {
	n, err := t.Count(group)
	if err != nil || n == 0 {
		return model.CollectionKey{}, false, err
	}
	return t.KeyAt(group, n-1)
}

// GroupOf returns the group of (collection, key), or false if the row is
// not in the view.
func (t *Txn) GroupOf(collection, key string) (string, bool, error) {
	group, _, ok, err := t.IndexOf(collection, key)
	return group, ok, err
}

// IndexOf returns the group and index of (collection, key).
func (t *Txn) IndexOf(collection, key string) (group string, index int, ok bool, err error) {
	if !t.config().allows(collection) {
		return "", 0, false, nil
	}
	rowid, ok, err := t.rt.RowID(collection, key)
	if err != nil || !ok {
		return "", 0, false, err
	}
	st, err := t.state()
	if err != nil {
		return "", 0, false, err
	}
	pageKey, ok, err := t.pageKeyOf(rowid)
	if err != nil || !ok {
		return "", 0, false, err
	}
	group, ok = st.pageGroup[pageKey]
	if !ok {
		return "", 0, false, fmt.Errorf("%w: rowid %d maps to unknown page %q", ErrCorrupt, rowid, pageKey)
	}
	_, start, _ := st.pageStart(group, pageKey)
	rowids, err := t.page(t.ctx(), pageKey)
	if err != nil {
		return "", 0, false, err
	}
	j := slices.Index(rowids, rowid)
	if j < 0 {
		return "", 0, false, fmt.Errorf("%w: rowid %d missing from page %q", ErrCorrupt, rowid, pageKey)
	}
	return group, start + j, true, nil
}

// EnumerateOptions select part of a group.
type EnumerateOptions struct {
	Reverse bool
	// Start and Length select a range of indexes; Length 0 means to the
	// end of the group. The range is clipped to the group.
	Start, Length int
}

func (o EnumerateOptions) bounds(n int) (from, to int) {
	from = max(o.Start, 0)
	to = n
	if o.Length > 0 {
		to = min(from+o.Length, n)
	}
	return min(from, n), to
}

// EnumerateRowIDs calls fn with each index and rowid of group until fn
// returns false. Pages are loaded one at a time.
func (t *Txn) EnumerateRowIDs(group string, opts EnumerateOptions, fn func(index int, rowid int64) bool) error {
	st, err := t.state()
	if err != nil {
		return err
	}
	pages := st.groups[group]
	from, to := opts.bounds(st.Count(group))
	if from >= to {
		return nil
	}

	type span struct {
		key   string
		start int
	}
	var spans []span
	start := 0
	for _, m := range pages {
		if start+m.count > from && start < to {
			spans = append(spans, span{key: m.key, start: start})
		}
		start += m.count
	}
	if opts.Reverse {
		slices.Reverse(spans)
	}

	for _, s := range spans {
		rowids, err := t.page(t.ctx(), s.key)
		if err != nil {
			return err
		}
		lo, hi := max(from-s.start, 0), min(to-s.start, len(rowids))
		if opts.Reverse {
			for j := hi - 1; j >= lo; j-- {
				if !fn(s.start+j, rowids[j]) {
					return nil
				}
			}
			continue
		}
		for j := lo; j < hi; j++ {
			if !fn(s.start+j, rowids[j]) {
				return nil
			}
		}
	}
	return nil
}

// Enumerate calls fn with each index and key of group until fn returns
// false.
func (t *Txn) Enumerate(group string, opts EnumerateOptions, fn func(index int, ck model.CollectionKey) bool) error {
	var inner error
	err := t.EnumerateRowIDs(group, opts, func(index int, rowid int64) bool {
		ck, _, err := t.keyFor(rowid)
		if err != nil {
			inner = err
			return false
		}
		return fn(index, ck)
	})
	if err != nil {
		return err
	}
	return inner
}

// EnumerateRows calls fn with each index and row of group until fn
// returns false.
func (t *Txn) EnumerateRows(group string, opts EnumerateOptions, fn func(index int, row model.Row) bool) error {
	var inner error
	err := t.Enumerate(group, opts, func(index int, ck model.CollectionKey) bool {
		row, _, err := t.rt.Row(ck.Collection, ck.Key)
		if err != nil {
			inner = err
			return false
		}
		return fn(index, row)
	})
	if err != nil {
		return err
	}
	return inner
}

// Keys returns the keys of group in order.
func (t *Txn) Keys(group string) ([]model.CollectionKey, error) {
	var out []model.CollectionKey
	err := t.Enumerate(group, EnumerateOptions{}, func(_ int, ck model.CollectionKey) bool {
		out = append(out, ck)
		return true
	})
	return out, err
}

// FindRange binary-searches group for the contiguous range of rows where
// find returns 0. find must return a negative number for rows before the
// range and a positive number for rows after it, consistently with the
// view's sort order.
func (t *Txn) FindRange(group string, find func(model.Row) int) (start, length int, err error) {
	n, err := t.Count(group)
	if err != nil {
		return 0, 0, err
	}
	// search returns the first index whose row satisfies pred.
	search := func(pred func(int) bool) (int, error) {
		lo, hi := 0, n
		for lo < hi {
			mid := int(uint(lo+hi) >> 1)
			row, _, err := t.RowAt(group, mid)
			if err != nil {
				return 0, err
			}
			if pred(find(row)) {
				hi = mid
			} else {
				lo = mid + 1
			}
		}
		return lo, nil
	}
	first, err := search(func(c int) bool { return c >= 0 })
	if err != nil {
		return 0, 0, err
	}
	end, err := search(func(c int) bool { return c > 0 })
	if err != nil {
		return 0, 0, err
	}
	return first, end - first, nil
}

// FindFirstMatch binary-searches group for the first row where find returns
// 0, under the same contract as FindRange. ok is false if no row matches.
func (t *Txn) FindFirstMatch(group string, find func(model.Row) int) (index int, ok bool, err error) {
	n, err := t.Count(group)
	if err != nil {
		return 0, false, err
	}
	lo, hi := 0, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		row, _, err := t.RowAt(group, mid)
		if err != nil {
			return 0, false, err
		}
		if find(row) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == n {
		return 0, false, nil
	}
	row, _, err := t.RowAt(group, lo)
	if err != nil {
		return 0, false, err
	}
	if find(row) != 0 {
		return 0, false, nil
	}
	return lo, true, nil
}

// Reconfigure replaces the view's grouping and sorting inside a read-write
// transaction and rebuilds the view from the primary table. versionTag is
// persisted, so registering a view with the same tag later reuses the
// rebuilt tables. Other connections and Mappings observe a reset. The
// change is dropped if the transaction rolls back; the caller must return
// a non-nil error from the transaction function when Reconfigure fails.
func (t *Txn) Reconfigure(grouping Grouping, sorting Sorting, versionTag string) error {
	if t.w == nil {
		return ErrReadOnly
	}
	return t.w.reconfigure(t.ctx(), grouping, sorting, versionTag)
}

// PageInfo describes one page, for debugging and tests.
type PageInfo struct {
	Key   string
	Count int
}

// PageInfo lists the pages of group in link order.
func (t *Txn) PageInfo(group string) ([]PageInfo, error) {
	st, err := t.state()
	if err != nil {
		return nil, err
	}
	var out []PageInfo
	for _, m := range st.groups[group] {
		out = append(out, PageInfo{Key: m.key, Count: m.count})
	}
	return out, nil
}
