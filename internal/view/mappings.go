package view

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/roach88/viewkv/internal/diff"
	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
)

// ErrReset is returned by Txn.Changes when the changes since the mappings'
// last update cannot be expressed as operations: the mappings were never
// updated, some changesets were not retained, or the view was rebuilt. The
// mappings are updated anyway; the caller reloads everything it shows.
var ErrReset = errors.New("view: mappings must be reloaded")

// Mappings present some groups of a view as ordered sections, the way a
// list UI consumes them. A Mappings value belongs to one reader and is not
// safe for concurrent use.
type Mappings struct {
	view string

	configured []string
	filter     func(group string) bool
	order      func(a, b string) int

	dynamic    map[string]bool
	allDynamic bool
	ranges     map[string]RangeOptions

	consolidateBelow int
	consolidatedName string

	cur      frame
	snapshot uint64
	ready    bool
}

// frame is what a Mappings shows at one snapshot. Every change builds new
// slices and maps, so a copy of an earlier frame stays valid.
type frame struct {
	groups       []string // mapped, visible or not
	visible      []string // groups with a section of their own
	sections     []string // visible, or the consolidated group
	counts       map[string]int
	windows      map[string]window // groups with range options
	reversed     map[string]bool
	consolidated bool
}

// NewMappings maps the given groups, in that order, to sections.
func NewMappings(view string, groups ...string) *Mappings {
	return &Mappings{
		view:       view,
		configured: slices.Clone(groups),
		dynamic:    map[string]bool{},
		ranges:     map[string]RangeOptions{},
		cur:        frame{reversed: map[string]bool{}, windows: map[string]window{}},
	}
}

// NewMappingsWithFilter maps every group of the view accepted by filter,
// ordered by order. The group list is recomputed on each Update.
func NewMappingsWithFilter(view string, filter func(group string) bool, order func(a, b string) int) *Mappings {
	m := NewMappings(view)
	m.filter = filter
	m.order = order
	return m
}

// View returns the registered view name.
func (m *Mappings) View() string { return m.view }

// AllGroups returns the mapped groups, visible or not.
func (m *Mappings) AllGroups() []string {
	if m.filter == nil {
		return slices.Clone(m.configured)
	}
	return slices.Clone(m.cur.groups)
}

// SetDynamicSection hides group while it is empty.
func (m *Mappings) SetDynamicSection(group string, dynamic bool) {
	m.dynamic[group] = dynamic
	m.refresh()
}

// SetDynamicSectionForAllGroups hides every empty group.
func (m *Mappings) SetDynamicSectionForAllGroups(dynamic bool) {
	m.allDynamic = dynamic
	clear(m.dynamic)
	m.refresh()
}

// IsDynamicSection reports whether group is hidden while empty.
func (m *Mappings) IsDynamicSection(group string) bool {
	if d, ok := m.dynamic[group]; ok {
		return d
	}
	return m.allDynamic
}

// SetReversed presents group last row first. Range options of the group
// count in the reversed order.
func (m *Mappings) SetReversed(group string, reversed bool) {
	r := maps.Clone(m.cur.reversed)
	r[group] = reversed
	m.cur.reversed = r
	m.rangesChanged(group)
}

// IsReversed reports whether group is presented last row first.
func (m *Mappings) IsReversed(group string) bool { return m.cur.reversed[group] }

// SetRangeOptions shows only a window of group. A flexible range starts
// from opts and then follows its rows as Txn.Changes reports them.
func (m *Mappings) SetRangeOptions(group string, opts RangeOptions) error {
	if err := opts.validate(); err != nil {
		return fmt.Errorf("range options for group %q: %w", group, err)
	}
	m.ranges[group] = opts
	m.rangesChanged(group)
	return nil
}

// RangeOptions returns the range options of group.
func (m *Mappings) RangeOptions(group string) (RangeOptions, bool) {
	o, ok := m.ranges[group]
	return o, ok
}

// RemoveRangeOptions shows the whole of group again.
func (m *Mappings) RemoveRangeOptions(group string) {
	delete(m.ranges, group)
	m.rangesChanged(group)
}

// rangesChanged places the window of group from scratch.
func (m *Mappings) rangesChanged(group string) {
	w := maps.Clone(m.cur.windows)
	if o, ok := m.ranges[group]; ok {
		w[group] = o.initial(m.cur.counts[group])
	} else {
		delete(w, group)
	}
	m.cur.windows = w
}

// RangePosition places the window shown for group inside the group. A group
// without range options, or while groups are consolidated, is shown whole.
func (m *Mappings) RangePosition(group string) RangePosition {
	n := m.cur.counts[group]
	w, ok := m.cur.windows[group]
	if !ok || m.cur.consolidated {
		w = window{length: n}
	}
	return RangePosition{OffsetFromBeginning: w.start, OffsetFromEnd: n - w.end(), Length: w.length}
}

// SetAutoConsolidateGroups shows every mapped group as a single section
// named name while the mapped groups hold fewer than threshold rows in
// total. Range options are ignored meanwhile. A threshold of 0 turns
// consolidation off.
func (m *Mappings) SetAutoConsolidateGroups(threshold int, name string) {
	m.consolidateBelow = max(threshold, 0)
	m.consolidatedName = name
	m.refresh()
}

// AutoConsolidateThreshold returns the threshold set by
// SetAutoConsolidateGroups.
func (m *Mappings) AutoConsolidateThreshold() int { return m.consolidateBelow }

// ConsolidatedGroupName returns the section name used while consolidated.
func (m *Mappings) ConsolidatedGroupName() string { return m.consolidatedName }

// IsUsingConsolidatedGroup reports whether every mapped group is currently
// shown as one section.
func (m *Mappings) IsUsingConsolidatedGroup() bool { return m.cur.consolidated }

// Update moves the mappings to the snapshot t reads.
func (m *Mappings) Update(t *Txn) error {
	if t.Name() != m.view {
		return fmt.Errorf("mappings for view %q updated with view %q", m.view, t.Name())
	}
	st, err := t.state()
	if err != nil {
		return err
	}
	prev := m.cur
	f := frame{
		counts:   make(map[string]int, len(st.groups)),
		windows:  make(map[string]window, len(m.ranges)),
		reversed: prev.reversed,
	}
	for g := range st.groups {
		f.counts[g] = st.Count(g)
	}

	if m.filter != nil {
		for _, g := range st.Groups() {
			if m.filter(g) {
				f.groups = append(f.groups, g)
			}
		}
		if m.order != nil {
			slices.SortStableFunc(f.groups, m.order)
		}
	} else {
		f.groups = slices.Clone(m.configured)
	}

	for g, o := range m.ranges {
		n := f.counts[g]
		pw, had := prev.windows[g]
		if !o.Flexible || !m.ready || !had {
			f.windows[g] = o.initial(n)
			continue
		}
		// Without row changes a flexible range keeps its distance from the
		// pinned end and its length.
		offset := pw.start
		if o.Pin == PinEnd {
			offset = prev.counts[g] - pw.end()
		}
		f.windows[g] = o.bound(place(n, pw.length, offset, o.Pin), n)
	}

	m.cur = f
	m.refresh()
	m.snapshot = t.Snapshot()
	m.ready = true
	return nil
}

// refresh recomputes which groups get sections.
func (m *Mappings) refresh() {
	f := &m.cur
	visible := make([]string, 0, len(f.groups))
	total, allDynamic := 0, true
	for _, g := range f.groups {
		total += f.counts[g]
		dynamic := m.IsDynamicSection(g)
		allDynamic = allDynamic && dynamic
		if f.counts[g] == 0 && dynamic {
			continue
		}
		visible = append(visible, g)
	}
	f.visible = visible
	f.consolidated = m.consolidateBelow > 0 && total < m.consolidateBelow
	switch {
	case !f.consolidated:
		f.sections = visible
	case total == 0 && allDynamic:
		f.sections = nil
	default:
		f.sections = []string{m.consolidatedName}
	}
}

func (f *frame) flip(group string, i, n int) int {
	if f.reversed[group] {
		return n - 1 - i
	}
	return i
}

func (f *frame) total() int {
	n := 0
	for _, g := range f.groups {
		n += f.counts[g]
	}
	return n
}

// locate finds the section and row showing index of group.
func (f *frame) locate(group string, index int) (section, row int, ok bool) {
	n := f.counts[group]
	if index < 0 || index >= n {
		return 0, 0, false
	}
	p := f.flip(group, index, n)
	if f.consolidated {
		if len(f.sections) == 0 {
			return 0, 0, false
		}
		base := 0
		for _, g := range f.groups {
			if g == group {
				return 0, base + p, true
			}
			base += f.counts[g]
		}
		return 0, 0, false
	}
	section = slices.Index(f.sections, group)
	if section < 0 {
		return 0, 0, false
	}
	if w, ranged := f.windows[group]; ranged {
		if p < w.start || p >= w.end() {
			return 0, 0, false
		}
		p -= w.start
	}
	return section, p, true
}

// index is the inverse of locate.
func (f *frame) index(row, section int) (group string, index int, ok bool) {
	if row < 0 || section < 0 || section >= len(f.sections) {
		return "", 0, false
	}
	if f.consolidated {
		for _, g := range f.groups {
			n := f.counts[g]
			if row < n {
				return g, f.flip(g, row, n), true
			}
			row -= n
		}
		return "", 0, false
	}
	group = f.sections[section]
	n := f.counts[group]
	if w, ranged := f.windows[group]; ranged {
		if row >= w.length {
			return "", 0, false
		}
		row += w.start
	} else if row >= n {
		return "", 0, false
	}
	return group, f.flip(group, row, n), true
}

func (f *frame) size(section int) int {
	if section < 0 || section >= len(f.sections) {
		return 0
	}
	if f.consolidated {
		return f.total()
	}
	g := f.sections[section]
	if w, ranged := f.windows[g]; ranged {
		return w.length
	}
	return f.counts[g]
}

// Snapshot returns the snapshot of the last Update.
func (m *Mappings) Snapshot() uint64 { return m.snapshot }

// NumberOfSections returns the number of sections shown.
func (m *Mappings) NumberOfSections() int { return len(m.cur.sections) }

// VisibleGroups returns the section names in section order: the visible
// groups, or the consolidated group name.
func (m *Mappings) VisibleGroups() []string { return slices.Clone(m.cur.sections) }

// NumberOfItemsInSection returns the row count of a section, which is the
// window length for a group with range options.
func (m *Mappings) NumberOfItemsInSection(section int) int { return m.cur.size(section) }

// NumberOfItemsInGroup returns the row count of a group.
func (m *Mappings) NumberOfItemsInGroup(group string) int { return m.cur.counts[group] }

// NumberOfItemsInAllGroups sums the rows of every mapped group.
func (m *Mappings) NumberOfItemsInAllGroups() int { return m.cur.total() }

// IsEmpty reports whether no mapped group has rows.
func (m *Mappings) IsEmpty() bool { return m.NumberOfItemsInAllGroups() == 0 }

// GroupForSection returns the group shown as section, or the consolidated
// group name.
func (m *Mappings) GroupForSection(section int) (string, bool) {
	if section < 0 || section >= len(m.cur.sections) {
		return "", false
	}
	return m.cur.sections[section], true
}

// SectionForGroup returns the section showing group. While consolidated,
// every mapped group is in section 0.
func (m *Mappings) SectionForGroup(group string) (int, bool) {
	if m.cur.consolidated && len(m.cur.sections) > 0 && slices.Contains(m.cur.groups, group) {
		return 0, true
	}
	i := slices.Index(m.cur.sections, group)
	return i, i >= 0
}

// IndexForRow converts a row of a section to an index in the view's group.
func (m *Mappings) IndexForRow(row, section int) (group string, index int, ok bool) {
	return m.cur.index(row, section)
}

// RowForIndex converts an index in a group to a section and row. ok is
// false when the row is outside the group's range.
func (m *Mappings) RowForIndex(index int, group string) (row, section int, ok bool) {
	section, row, ok = m.cur.locate(group, index)
	return row, section, ok
}

// RowChange is one row operation expressed in sections and rows.
// Original fields are -1 for inserts, final fields for deletes.
type RowChange struct {
	Type            diff.Kind
	Key             model.CollectionKey
	OriginalSection int
	OriginalRow     int
	FinalSection    int
	FinalRow        int
	Updated         bool
}

func (c RowChange) String() string {
	switch c.Type {
	case diff.Insert:
		return fmt.Sprintf("insert %v -> [%d,%d]", c.Key, c.FinalSection, c.FinalRow)
	case diff.Delete:
		return fmt.Sprintf("delete %v <- [%d,%d]", c.Key, c.OriginalSection, c.OriginalRow)
	default:
		return fmt.Sprintf("%s %v [%d,%d] -> [%d,%d]", c.Type, c.Key,
			c.OriginalSection, c.OriginalRow, c.FinalSection, c.FinalRow)
	}
}

// Changes computes the section and row operations that take m from its
// last update to the snapshot t reads, then updates m.
//
// changesets must include every commit after m.Snapshot() up to
// t.Snapshot(), as returned by Connection.BeginLongLivedRead; older ones
// are ignored. Row operations come as removals (deletes and moves, by
// section then descending original row), then inserts ascending, then
// updates. Rows of deleted or inserted sections are left to the section
// operations. A row sliding into or out of a range window is reported as
// an insert or delete, and switching consolidation on or off replaces the
// sections.
//
// The list is applied in two passes, as in diff.Apply: first remove every
// delete and move at its original position, then add every insert and move
// at its final position in ascending (section, row) order. A move's final
// row counts the inserts, so it cannot be placed while walking the list.
func (t *Txn) Changes(m *Mappings, changesets []*engine.Changeset) ([]diff.SectionChange, []RowChange, error) {
	if !m.ready {
		if err := m.Update(t); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrReset
	}

	raw, ok := t.collect(m.snapshot, changesets)
	prior := m.cur

	var rows []diff.RowChange[model.CollectionKey]
	if ok {
		var err error
		if rows, err = diff.Compute(prior.counts, raw); err != nil {
			ok = false
			t.vc.log.Warn("view changes could not be replayed", "err", err)
		}
	}
	if err := m.Update(t); err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrReset
	}

	tk, err := newTracker(&prior, &m.cur, rows)
	if err != nil {
		t.vc.log.Warn("view changes do not match the mapped groups", "err", err)
		return nil, nil, ErrReset
	}
	if !prior.consolidated && !m.cur.consolidated {
		for g, o := range m.ranges {
			_, had := prior.windows[g]
			if _, mapped := tk.after[g]; had && mapped && o.Flexible {
				m.cur.windows[g] = o.follow(g, &prior, &m.cur, tk)
			}
		}
	}

	sections := diff.Sections(prior.sections, m.cur.sections)
	deletedSec := map[string]bool{}
	insertedSec := map[string]bool{}
	for _, s := range sections {
		if s.Type == diff.Delete {
			deletedSec[s.Group] = true
		} else {
			insertedSec[s.Group] = true
		}
	}

	var removals, inserts, updates []RowChange
	for _, tr := range tk.tracks {
		out := RowChange{OriginalSection: -1, OriginalRow: -1, FinalSection: -1, FinalRow: -1}
		var rc diff.RowChange[model.CollectionKey]
		if tr.change >= 0 {
			rc = rows[tr.change]
			out.Type, out.Key, out.Updated = rc.Type, rc.Key, rc.Updated
		}

		hasFrom, hasTo := false, false
		if tr.from >= 0 {
			sec, row, found := prior.locate(tr.fromGroup, tr.from)
			if found && !deletedSec[prior.sections[sec]] {
				out.OriginalSection, out.OriginalRow, hasFrom = sec, row, true
			}
		}
		if tr.to >= 0 {
			sec, row, found := m.cur.locate(tr.toGroup, tr.to)
			if found && !insertedSec[m.cur.sections[sec]] {
				out.FinalSection, out.FinalRow, hasTo = sec, row, true
			}
		}
		if hasFrom == hasTo && (tr.change < 0 || !hasFrom) {
			continue
		}
		if tr.change < 0 {
			ck, found, err := t.KeyAt(tr.toGroup, tr.to)
			if err != nil {
				return nil, nil, err
			}
			if !found {
				return nil, nil, fmt.Errorf("%w: no row at %s[%d]", ErrCorrupt, tr.toGroup, tr.to)
			}
			out.Key = ck
		}

		switch {
		case hasFrom && hasTo && rc.Type == diff.Update:
			updates = append(updates, out)
		case hasFrom && hasTo:
			out.Type = diff.Move
			removals = append(removals, out)
		case hasFrom:
			out.Type = diff.Delete
			out.FinalSection, out.FinalRow = -1, -1
			removals = append(removals, out)
		default:
			out.Type = diff.Insert
			out.OriginalSection, out.OriginalRow = -1, -1
			inserts = append(inserts, out)
		}
	}

	sort.SliceStable(removals, func(i, j int) bool {
		a, b := removals[i], removals[j]
		if a.OriginalSection != b.OriginalSection {
			return a.OriginalSection < b.OriginalSection
		}
		return a.OriginalRow > b.OriginalRow
	})
	sort.SliceStable(inserts, func(i, j int) bool {
		a, b := inserts[i], inserts[j]
		if a.FinalSection != b.FinalSection {
			return a.FinalSection < b.FinalSection
		}
		return a.FinalRow < b.FinalRow
	})
	out := make([]RowChange, 0, len(removals)+len(inserts)+len(updates))
	out = append(out, removals...)
	out = append(out, inserts...)
	out = append(out, updates...)
	return sections, out, nil
}

// track follows one row of the mapped groups from the prior frame to the
// current one. from and to are group indices, -1 where the row is absent.
type track struct {
	change    int // index in the computed diff, -1 for an untouched row
	anchored  bool
	fromGroup string
	from      int
	toGroup   string
	to        int
}

// tracker pairs every row of the mapped groups before and after a diff.
// Untouched rows keep their relative order, so they pair up by rank.
type tracker struct {
	tracks []track
	before map[string][]int // group -> track per prior index
	after  map[string][]int
}

func newTracker(prior, cur *frame, rows []diff.RowChange[model.CollectionKey]) (*tracker, error) {
	tk := &tracker{before: map[string][]int{}, after: map[string][]int{}}
	for _, groups := range [][]string{prior.groups, cur.groups} {
		for _, g := range groups {
			if _, seen := tk.before[g]; seen {
				continue
			}
			tk.before[g] = filled(prior.counts[g])
			tk.after[g] = filled(cur.counts[g])
		}
	}

	claim := func(seq []int, i, id int, where string) error {
		if i < 0 || i >= len(seq) || seq[i] >= 0 {
			return fmt.Errorf("%s index %d is out of range or claimed twice", where, i)
		}
		seq[i] = id
		return nil
	}
	for i, rc := range rows {
		tr := track{change: i, anchored: rc.Type == diff.Update, from: -1, to: -1}
		id := len(tk.tracks)
		if seq, mapped := tk.before[rc.OriginalGroup]; mapped && rc.Type != diff.Insert {
			if err := claim(seq, rc.OriginalIndex, id, "original "+rc.OriginalGroup); err != nil {
				return nil, err
			}
			tr.fromGroup, tr.from = rc.OriginalGroup, rc.OriginalIndex
		}
		if seq, mapped := tk.after[rc.FinalGroup]; mapped && rc.Type != diff.Delete {
			if err := claim(seq, rc.FinalIndex, id, "final "+rc.FinalGroup); err != nil {
				return nil, err
			}
			tr.toGroup, tr.to = rc.FinalGroup, rc.FinalIndex
		}
		tk.tracks = append(tk.tracks, tr)
	}

	for g, before := range tk.before {
		after := tk.after[g]
		var free []int
		for i, id := range before {
			if id < 0 {
				free = append(free, i)
			}
		}
		k := 0
		for i, id := range after {
			if id >= 0 {
				continue
			}
			if k == len(free) {
				return nil, fmt.Errorf("group %q has more untouched rows after than before", g)
			}
			id = len(tk.tracks)
			tk.tracks = append(tk.tracks, track{change: -1, anchored: true, fromGroup: g, from: free[k], toGroup: g, to: i})
			before[free[k]] = id
			after[i] = id
			k++
		}
		if k != len(free) {
			return nil, fmt.Errorf("group %q has more untouched rows before than after", g)
		}
	}
	return tk, nil
}

func filled(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = -1
	}
	return s
}

// collect concatenates the view's raw changes of the commits after since.
// ok is false when a commit is missing or the view was rebuilt.
func (t *Txn) collect(since uint64, changesets []*engine.Changeset) (raw []diff.Change[model.CollectionKey], ok bool) {
	next := since + 1
	for _, cs := range changesets {
		if cs.Snapshot() <= since || cs.Snapshot() > t.Snapshot() {
			continue
		}
		if cs.Snapshot() != next {
			return nil, false
		}
		next++
		p, has := cs.Extension(t.Name())
		if !has {
			continue
		}
		payload, isView := p.(*Payload)
		if !isView || payload.Reset {
			return nil, false
		}
		raw = append(raw, payload.Changes...)
	}
	return raw, next == t.Snapshot()+1
}
