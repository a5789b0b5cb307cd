package testutil

import (
	"maps"
	"slices"

	"github.com/roach88/viewkv/internal/model"
)

// Oracle is a brute-force model of a view: it keeps every row in a map and
// recomputes the groups by sorting from scratch.
//
// Rows get increasing ids on insert, like the rowids of the primary table,
// and keep them on update. Ties in compare are broken by id so the oracle
// orders rows exactly as the view does.
type Oracle struct {
	group   func(model.Row) (string, bool)
	compare func(group string, a, b model.Row) int

	rows map[model.CollectionKey]oracleRow
	next int64
}

type oracleRow struct {
	id  int64
	row model.Row
}

// NewOracle creates an empty oracle using the view's grouping and sorting.
func NewOracle(group func(model.Row) (string, bool), compare func(group string, a, b model.Row) int) *Oracle {
	return &Oracle{
		group:   group,
		compare: compare,
		rows:    map[model.CollectionKey]oracleRow{},
	}
}

// Set stores obj at (collection, key). A nil obj removes the row.
func (o *Oracle) Set(collection, key string, obj any) {
	ck := model.CK(collection, key)
	if obj == nil {
		delete(o.rows, ck)
		return
	}
	r, ok := o.rows[ck]
	if !ok {
		o.next++
		r.id = o.next
	}
	r.row = model.Row{Collection: collection, Key: key, Object: obj}
	o.rows[ck] = r
}

// Remove deletes (collection, key) if present.
func (o *Oracle) Remove(collection, key string) {
	delete(o.rows, model.CK(collection, key))
}

// RemoveCollection deletes every row of collection.
func (o *Oracle) RemoveCollection(collection string) {
	maps.DeleteFunc(o.rows, func(ck model.CollectionKey, _ oracleRow) bool {
		return ck.Collection == collection
	})
}

// RemoveAll deletes every row.
func (o *Oracle) RemoveAll() {
	clear(o.rows)
}

// Len returns the number of stored rows, grouped or not.
func (o *Oracle) Len() int { return len(o.rows) }

// Groups returns the expected content of every non-empty group.
func (o *Oracle) Groups() map[string][]model.CollectionKey {
	byGroup := map[string][]oracleRow{}
	for _, r := range o.rows {
		g, ok := o.group(r.row)
		if !ok {
			continue
		}
		byGroup[g] = append(byGroup[g], r)
	}

	out := make(map[string][]model.CollectionKey, len(byGroup))
	for g, rows := range byGroup {
		slices.SortFunc(rows, func(a, b oracleRow) int {
			if c := o.compare(g, a.row, b.row); c != 0 {
				return c
			}
			return int(a.id - b.id)
		})
		keys := make([]model.CollectionKey, len(rows))
		for i, r := range rows {
			keys[i] = r.row.CollectionKey()
		}
		out[g] = keys
	}
	return out
}
