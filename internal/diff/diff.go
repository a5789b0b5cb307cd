package diff

import (
	"fmt"
	"sort"
)

// Kind is the type of a raw change or a computed row change.
type Kind uint8

const (
	Insert Kind = iota + 1
	Delete
	Move
	Update
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Move:
		return "move"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Change is one raw mutation as a view applied it.
//
// Indices refer to the state at the moment the change was applied:
//   - Insert uses NewGroup/NewIndex.
//   - Delete uses OldGroup/OldIndex.
//   - Move removes at OldGroup/OldIndex, then inserts at NewGroup/NewIndex
//     counted after the removal.
//   - Update uses OldGroup/OldIndex and leaves the row in place.
type Change[K comparable] struct {
	Kind     Kind
	Key      K
	OldGroup string
	OldIndex int
	NewGroup string
	NewIndex int
}

// RowChange is one operation of a computed diff. Original fields are unset
// (empty group, index -1) for inserts, final fields for deletes.
type RowChange[K comparable] struct {
	Type          Kind
	Key           K
	OriginalGroup string
	OriginalIndex int
	FinalGroup    string
	FinalIndex    int
	// Updated marks a Move whose row content also changed.
	Updated bool
}

func (c RowChange[K]) String() string {
	switch c.Type {
	case Insert:
		return fmt.Sprintf("insert %v -> %s[%d]", c.Key, c.FinalGroup, c.FinalIndex)
	case Delete:
		return fmt.Sprintf("delete %v <- %s[%d]", c.Key, c.OriginalGroup, c.OriginalIndex)
	case Move:
		return fmt.Sprintf("move %v %s[%d] -> %s[%d]", c.Key, c.OriginalGroup, c.OriginalIndex, c.FinalGroup, c.FinalIndex)
	default:
		return fmt.Sprintf("update %v %s[%d] -> %s[%d]", c.Key, c.OriginalGroup, c.OriginalIndex, c.FinalGroup, c.FinalIndex)
	}
}

// token stands for one row while replaying. Rows of the prior state start as
// anonymous placeholders; they learn their key when a change touches them.
type token[K comparable] struct {
	key       K
	known     bool
	fresh     bool // inserted during the replay
	moved     bool
	updated   bool
	origGroup string
	origIndex int
}

type replay[K comparable] struct {
	prior   map[string]int
	groups  map[string][]*token[K]
	deleted []*token[K]
}

func (r *replay[K]) group(name string) []*token[K] {
	if g, ok := r.groups[name]; ok {
		return g
	}
	n := r.prior[name]
	g := make([]*token[K], n)
	for i := range g {
		g[i] = &token[K]{origGroup: name, origIndex: i}
	}
	r.groups[name] = g
	return g
}

func (r *replay[K]) take(name string, idx int, key K) (*token[K], error) {
	g := r.group(name)
	if idx < 0 || idx >= len(g) {
		return nil, fmt.Errorf("index %d out of range for group %q (len %d)", idx, name, len(g))
	}
	t := g[idx]
	r.groups[name] = append(g[:idx], g[idx+1:]...)
	if !t.fresh {
		t.key, t.known = key, true
	}
	return t, nil
}

func (r *replay[K]) put(name string, idx int, t *token[K]) error {
	g := r.group(name)
	if idx < 0 || idx > len(g) {
		return fmt.Errorf("insert index %d out of range for group %q (len %d)", idx, name, len(g))
	}
	g = append(g, nil)
	copy(g[idx+1:], g[idx:])
	g[idx] = t
	r.groups[name] = g
	return nil
}

func (r *replay[K]) apply(c Change[K]) error {
	switch c.Kind {
	case Insert:
		return r.put(c.NewGroup, c.NewIndex, &token[K]{key: c.Key, known: true, fresh: true})
	case Delete:
		t, err := r.take(c.OldGroup, c.OldIndex, c.Key)
		if err != nil {
			return err
		}
		if !t.fresh {
			r.deleted = append(r.deleted, t)
		}
		return nil
	case Move:
		t, err := r.take(c.OldGroup, c.OldIndex, c.Key)
		if err != nil {
			return err
		}
		t.moved = true
		return r.put(c.NewGroup, c.NewIndex, t)
	case Update:
		if c.NewGroup != c.OldGroup || c.NewIndex != c.OldIndex {
			t, err := r.take(c.OldGroup, c.OldIndex, c.Key)
			if err != nil {
				return err
			}
			t.moved, t.updated = true, true
			return r.put(c.NewGroup, c.NewIndex, t)
		}
		g := r.group(c.OldGroup)
		if c.OldIndex < 0 || c.OldIndex >= len(g) {
			return fmt.Errorf("update index %d out of range for group %q (len %d)", c.OldIndex, c.OldGroup, len(g))
		}
		t := g[c.OldIndex]
		if !t.fresh {
			t.key, t.known = c.Key, true
		}
		t.updated = true
		return nil
	default:
		return fmt.Errorf("unknown change kind %d", c.Kind)
	}
}

// rejoin turns a delete followed by a re-insert of the same key into a
// single surviving row.
func (r *replay[K]) rejoin() {
	if len(r.deleted) == 0 {
		return
	}
	byKey := make(map[K]*token[K], len(r.deleted))
	for _, t := range r.deleted {
		byKey[t.key] = t
	}
	for _, g := range r.groups {
		for i, t := range g {
			if !t.fresh {
				continue
			}
			orig, ok := byKey[t.key]
			if !ok {
				continue
			}
			delete(byKey, t.key)
			orig.moved, orig.updated = true, true
			g[i] = orig
		}
	}
	kept := r.deleted[:0]
	for _, t := range r.deleted {
		if _, ok := byKey[t.key]; ok {
			kept = append(kept, t)
		}
	}
	r.deleted = kept
}

// Compute reduces changes into row operations. prior holds the row count of
// every group before the first change; groups absent from it are empty.
// The result follows the two-pass contract described in the package doc.
func Compute[K comparable](prior map[string]int, changes []Change[K]) ([]RowChange[K], error) {
	r := &replay[K]{prior: prior, groups: map[string][]*token[K]{}}
	for i, c := range changes {
		if err := r.apply(c); err != nil {
			return nil, fmt.Errorf("change %d (%s %v): %w", i, c.Kind, c.Key, err)
		}
	}
	r.rejoin()

	var removals, inserts, updates []RowChange[K]
	for _, t := range r.deleted {
		removals = append(removals, RowChange[K]{
			Type:          Delete,
			Key:           t.key,
			OriginalGroup: t.origGroup,
			OriginalIndex: t.origIndex,
			FinalIndex:    -1,
		})
	}

	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g := r.groups[name]
		keep := stationary(name, g)
		for i, t := range g {
			switch {
			case t.fresh:
				inserts = append(inserts, RowChange[K]{
					Type:          Insert,
					Key:           t.key,
					OriginalIndex: -1,
					FinalGroup:    name,
					FinalIndex:    i,
				})
			case keep[i]:
				if t.updated {
					updates = append(updates, RowChange[K]{
						Type:          Update,
						Key:           t.key,
						OriginalGroup: t.origGroup,
						OriginalIndex: t.origIndex,
						FinalGroup:    name,
						FinalIndex:    i,
					})
				}
			default:
				mv := RowChange[K]{
					Type:          Move,
					Key:           t.key,
					OriginalGroup: t.origGroup,
					OriginalIndex: t.origIndex,
					FinalGroup:    name,
					FinalIndex:    i,
					Updated:       t.updated,
				}
				removals = append(removals, mv)
			}
		}
	}

	sort.SliceStable(removals, func(i, j int) bool {
		a, b := removals[i], removals[j]
		if a.OriginalGroup != b.OriginalGroup {
			return a.OriginalGroup < b.OriginalGroup
		}
		return a.OriginalIndex > b.OriginalIndex
	})

	// Groups are visited in name order and rows in index order, so inserts
	// are already ascending.
	out := make([]RowChange[K], 0, len(removals)+len(inserts)+len(updates))
	out = append(out, removals...)
	out = append(out, inserts...)
	out = append(out, updates...)
	return out, nil
}

// stationary marks the rows of one final group that keep their place: the
// heaviest subsequence of rows that started in this group with increasing
// original indices. Rows no change moved weigh more than all moved rows
// together, so they are always kept and never need a key.
func stationary[K comparable](name string, g []*token[K]) []bool {
	keep := make([]bool, len(g))
	var pos, orig, weight []int
	maxOrig := -1
	movedCount := 0
	for i, t := range g {
		if t.fresh || t.origGroup != name {
			continue
		}
		if t.moved {
			movedCount++
		}
		if t.origIndex > maxOrig {
			maxOrig = t.origIndex
		}
		pos = append(pos, i)
		orig = append(orig, t.origIndex)
	}
	if len(pos) == 0 {
		return keep
	}
	heavy := movedCount + 1
	weight = make([]int, len(pos))
	for i, p := range pos {
		if g[p].moved {
			weight[i] = 1
		} else {
			weight[i] = heavy
		}
	}
	for _, i := range heaviestIncreasing(orig, weight, maxOrig+1) {
		keep[pos[i]] = true
	}
	return keep
}
