package view

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/viewkv/internal/diff"
	"github.com/roach88/viewkv/internal/engine"
	"github.com/roach88/viewkv/internal/model"
	"github.com/roach88/viewkv/internal/testutil"
)

// watcher follows a view from its own connection the way a UI does: one
// long-lived read, advanced after every batch of commits.
type watcher struct {
	t    *testing.T
	conn *engine.Connection
	name string
	m    *Mappings
}

func newWatcher(f *fixture, name string, m *Mappings) *watcher {
	w := &watcher{t: f.t, conn: f.newConn(), name: name, m: m}
	_, _, err := w.advance()
	require.ErrorIs(f.t, err, ErrReset, "first update has nothing to diff against")
	return w
}

func (w *watcher) advance() ([]diff.SectionChange, []RowChange, error) {
	w.t.Helper()
	changesets, err := w.conn.BeginLongLivedRead(context.Background())
	require.NoError(w.t, err)
	var (
		sections []diff.SectionChange
		rows     []RowChange
		changed  error
	)
	readView(w.t, w.conn, w.name, func(vt *Txn) {
		sections, rows, changed = vt.Changes(w.m, changesets)
	})
	return sections, rows, changed
}

func (w *watcher) mustAdvance() ([]diff.SectionChange, []RowChange) {
	w.t.Helper()
	sections, rows, err := w.advance()
	require.NoError(w.t, err)
	return sections, rows
}

func TestMappings_OddEvenDelete(t *testing.T) {
	f := newFixture(t)
	f.register("parity", parityConfig())
	f.set("n", "1", "A")
	f.set("n", "2", "B")
	f.set("n", "3", "C")

	w := newWatcher(f, "parity", NewMappings("parity", "odd", "even"))
	assert.Equal(t, 2, w.m.NumberOfSections())
	assert.Equal(t, 2, w.m.NumberOfItemsInSection(0))
	assert.Equal(t, 1, w.m.NumberOfItemsInSection(1))

	f.remove("n", "1")
	sections, rows := w.mustAdvance()
	assert.Empty(t, sections)
	assert.Equal(t, []RowChange{{
		Type: diff.Delete, Key: model.CK("n", "1"),
		OriginalSection: 0, OriginalRow: 0, FinalSection: -1, FinalRow: -1,
	}}, rows)
	assert.Equal(t, 1, w.m.NumberOfItemsInGroup("odd"))
	assert.Equal(t, f.db.Snapshot(), w.m.Snapshot())
}

func TestMappings_MoveBetweenSections(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "a:1")
	f.set("c", "y", "a:2")
	f.set("c", "z", "b:1")

	w := newWatcher(f, "slots", NewMappings("slots", "a", "b"))

	f.set("c", "x", "b:0")
	sections, rows := w.mustAdvance()
	assert.Empty(t, sections)
	require.Len(t, rows, 1)
	assert.Equal(t, diff.Move, rows[0].Type)
	assert.Equal(t, model.CK("c", "x"), rows[0].Key)
	assert.Equal(t, [4]int{0, 0, 1, 0},
		[4]int{rows[0].OriginalSection, rows[0].OriginalRow, rows[0].FinalSection, rows[0].FinalRow})
}

func TestMappings_UnmappedGroupsAreHidden(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "a:1")
	f.set("c", "z", "b:1")

	w := newWatcher(f, "slots", NewMappings("slots", "b"))

	// A move out of a hidden group shows up as an insert.
	f.set("c", "x", "b:2")
	sections, rows := w.mustAdvance()
	assert.Empty(t, sections)
	assert.Equal(t, []RowChange{{
		Type: diff.Insert, Key: model.CK("c", "x"),
		OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 1,
	}}, rows)

	// Changes only in hidden groups produce nothing.
	f.set("c", "w", "a:5")
	sections, rows = w.mustAdvance()
	assert.Empty(t, sections)
	assert.Empty(t, rows)
}

func TestMappings_Reversed(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "k1", "a:1")
	f.set("c", "k2", "a:2")
	f.set("c", "k3", "a:3")

	m := NewMappings("slots", "a")
	m.SetReversed("a", true)
	w := newWatcher(f, "slots", m)
	assert.True(t, m.IsReversed("a"))

	group, index, ok := m.IndexForRow(0, 0)
	require.True(t, ok)
	assert.Equal(t, "a", group)
	assert.Equal(t, 2, index)
	row, section, ok := m.RowForIndex(0, "a")
	require.True(t, ok)
	assert.Equal(t, 2, row)
	assert.Equal(t, 0, section)

	f.set("c", "k4", "a:4")
	f.remove("c", "k1")
	_, rows := w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Delete, Key: model.CK("c", "k1"), OriginalSection: 0, OriginalRow: 2, FinalSection: -1, FinalRow: -1},
		{Type: diff.Insert, Key: model.CK("c", "k4"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 0},
	}, rows)
}

func TestMappings_DynamicSections(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "a:1")

	m := NewMappings("slots", "a", "b")
	m.SetDynamicSectionForAllGroups(true)
	w := newWatcher(f, "slots", m)
	assert.Equal(t, []string{"a"}, m.VisibleGroups())
	assert.True(t, m.IsDynamicSection("b"))

	f.set("c", "y", "b:1")
	sections, rows := w.mustAdvance()
	assert.Equal(t, []diff.SectionChange{{Type: diff.Insert, Group: "b", Index: 1}}, sections)
	assert.Empty(t, rows, "rows of an inserted section come with the section")
	assert.Equal(t, []string{"a", "b"}, m.VisibleGroups())

	f.remove("c", "x")
	sections, rows = w.mustAdvance()
	assert.Equal(t, []diff.SectionChange{{Type: diff.Delete, Group: "a", Index: 0}}, sections)
	assert.Empty(t, rows)

	sec, ok := m.SectionForGroup("b")
	require.True(t, ok)
	assert.Equal(t, 0, sec)
	_, ok = m.GroupForSection(1)
	assert.False(t, ok)

	// A static section stays visible while empty.
	m.SetDynamicSection("a", false)
	assert.Equal(t, []string{"a", "b"}, m.VisibleGroups())
	assert.Equal(t, 0, m.NumberOfItemsInSection(0))
}

func TestMappings_Filter(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "ab:1")
	f.set("c", "y", "b:1")
	f.set("c", "z", "aa:1")

	m := NewMappingsWithFilter("slots",
		func(g string) bool { return strings.HasPrefix(g, "a") },
		func(a, b string) int { return strings.Compare(b, a) })
	newWatcher(f, "slots", m)

	assert.Equal(t, []string{"ab", "aa"}, m.VisibleGroups())
	assert.Equal(t, []string{"ab", "aa"}, m.AllGroups())
	assert.Equal(t, 2, m.NumberOfItemsInAllGroups())
	assert.False(t, m.IsEmpty())
}

func TestMappings_ResetOnGap(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "a:1")
	w := newWatcher(f, "slots", NewMappings("slots", "a"))

	f.set("c", "y", "a:2")
	f.set("c", "z", "a:3")

	// Dropping the first changeset leaves a gap.
	changesets, err := w.conn.BeginLongLivedRead(context.Background())
	require.NoError(t, err)
	require.Len(t, changesets, 2)
	readView(t, w.conn, "slots", func(vt *Txn) {
		_, _, err := vt.Changes(w.m, changesets[1:])
		assert.ErrorIs(t, err, ErrReset)
	})
	assert.Equal(t, 3, w.m.NumberOfItemsInGroup("a"), "mappings are updated even on reset")

	// Afterwards the watcher is back in step.
	f.set("c", "w", "a:0")
	_, rows := w.mustAdvance()
	require.Len(t, rows, 1)
	assert.Equal(t, diff.Insert, rows[0].Type)
	assert.Equal(t, 0, rows[0].FinalRow)
}

func TestMappings_ResetOnRebuild(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "a:1")
	w := newWatcher(f, "slots", NewMappings("slots", "a"))

	require.NoError(t, f.db.UnregisterExtension(context.Background(), "slots"))
	cfg := slotConfig(Options{})
	cfg.VersionTag = "2"
	f.register("slots", cfg)

	_, _, err := w.advance()
	assert.ErrorIs(t, err, ErrReset)
}

// TestMappings_ReplayMatchesView applies the reported operations to the
// rows a watcher showed and checks the result against the view.
func TestMappings_ReplayMatchesView(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{MaxPageSize: 3}))
	m := NewMappings("slots", "a", "b")
	w := newWatcher(f, "slots", m)
	shown := map[string][]model.CollectionKey{}

	steps := []func(tx *engine.ReadWriteTxn) error{
		func(tx *engine.ReadWriteTxn) error {
			for i := range 6 {
				if err := tx.Set("c", fmt.Sprintf("k%d", i), fmt.Sprintf("a:%d", i)); err != nil {
					return err
				}
			}
			return tx.Set("c", "k9", "b:5")
		},
		func(tx *engine.ReadWriteTxn) error {
			if err := tx.Set("c", "k0", "a:7"); err != nil {
				return err
			}
			if err := tx.Set("c", "k3", "b:1"); err != nil {
				return err
			}
			return tx.Remove("c", "k4")
		},
		func(tx *engine.ReadWriteTxn) error {
			if err := tx.Set("c", "k9", "a:3"); err != nil {
				return err
			}
			return tx.Set("c", "k5", "a:0")
		},
	}
	for i, step := range steps {
		f.write(step)
		_, rows := w.mustAdvance()
		shown = replayRows(t, m, shown, rows)
		require.Equal(t, f.groups("slots"), shown, "after step %d", i)
	}
}

// replayRows applies removals in list order, then inserts and move-ins by
// ascending final position.
func replayRows(t *testing.T, m *Mappings, shown map[string][]model.CollectionKey, rows []RowChange) map[string][]model.CollectionKey {
	t.Helper()
	sections := map[int][]model.CollectionKey{}
	for _, g := range []string{"a", "b"} {
		sec, ok := m.SectionForGroup(g)
		require.True(t, ok)
		sections[sec] = slices.Clone(shown[g])
	}
	for _, rc := range rows {
		if rc.Type == diff.Delete || rc.Type == diff.Move {
			s := sections[rc.OriginalSection]
			require.Less(t, rc.OriginalRow, len(s), "removal %v", rc)
			require.Equal(t, rc.Key, s[rc.OriginalRow], "removal %v", rc)
			sections[rc.OriginalSection] = slices.Delete(s, rc.OriginalRow, rc.OriginalRow+1)
		}
	}
	var adds []RowChange
	for _, rc := range rows {
		if rc.Type == diff.Insert || rc.Type == diff.Move {
			adds = append(adds, rc)
		}
	}
	slices.SortStableFunc(adds, func(a, b RowChange) int {
		if a.FinalSection != b.FinalSection {
			return a.FinalSection - b.FinalSection
		}
		return a.FinalRow - b.FinalRow
	})
	for _, rc := range adds {
		s := sections[rc.FinalSection]
		require.LessOrEqual(t, rc.FinalRow, len(s), "insert %v", rc)
		sections[rc.FinalSection] = slices.Insert(s, rc.FinalRow, rc.Key)
	}
	out := map[string][]model.CollectionKey{}
	for sec, keys := range sections {
		if len(keys) == 0 {
			continue
		}
		g, _ := m.GroupForSection(sec)
		out[g] = keys
	}
	return out
}

// shownSection is one section as a list UI holds it, rows in display order.
type shownSection struct {
	group string
	keys  []model.CollectionKey
}

// displayed reads what m's sections should show at c's snapshot, row by
// row through IndexForRow.
func displayed(t *testing.T, c *engine.Connection, name string, m *Mappings) []shownSection {
	t.Helper()
	groups := groupsOf(t, c, name)
	out := []shownSection{}
	for sec := range m.NumberOfSections() {
		g, ok := m.GroupForSection(sec)
		require.True(t, ok)
		keys := []model.CollectionKey{}
		for row := range m.NumberOfItemsInSection(sec) {
			group, index, ok := m.IndexForRow(row, sec)
			require.True(t, ok, "row %d of section %d", row, sec)
			require.Less(t, index, len(groups[group]))
			keys = append(keys, groups[group][index])
		}
		out = append(out, shownSection{group: g, keys: keys})
	}
	return out
}

// replayShown applies section and row operations to shown in two passes:
// row removals against the old sections, then section deletes and inserts,
// then row inserts and move-ins by ascending final position. Inserted
// sections take their rows from fresh, as a UI reloads a new section.
func replayShown(t *testing.T, shown []shownSection, sections []diff.SectionChange, rows []RowChange, fresh []shownSection) []shownSection {
	t.Helper()
	cur := make([]shownSection, len(shown))
	for i, s := range shown {
		cur[i] = shownSection{group: s.group, keys: append([]model.CollectionKey{}, s.keys...)}
	}

	for _, rc := range rows {
		if rc.Type != diff.Delete && rc.Type != diff.Move {
			continue
		}
		require.Less(t, rc.OriginalSection, len(cur), "removal %v", rc)
		s := cur[rc.OriginalSection].keys
		require.Less(t, rc.OriginalRow, len(s), "removal %v", rc)
		require.Equal(t, rc.Key, s[rc.OriginalRow], "removal %v", rc)
		cur[rc.OriginalSection].keys = slices.Delete(s, rc.OriginalRow, rc.OriginalRow+1)
	}

	for _, sc := range sections {
		switch sc.Type {
		case diff.Delete:
			require.Less(t, sc.Index, len(cur), "section %v", sc)
			require.Equal(t, sc.Group, cur[sc.Index].group, "section %v", sc)
			cur = slices.Delete(cur, sc.Index, sc.Index+1)
		case diff.Insert:
			require.LessOrEqual(t, sc.Index, len(cur), "section %v", sc)
			idx := slices.IndexFunc(fresh, func(s shownSection) bool { return s.group == sc.Group })
			require.GreaterOrEqual(t, idx, 0, "section %v", sc)
			keys := append([]model.CollectionKey{}, fresh[idx].keys...)
			cur = slices.Insert(cur, sc.Index, shownSection{group: sc.Group, keys: keys})
		}
	}

	var adds []RowChange
	for _, rc := range rows {
		if rc.Type == diff.Insert || rc.Type == diff.Move {
			adds = append(adds, rc)
		}
	}
	slices.SortStableFunc(adds, func(a, b RowChange) int {
		if a.FinalSection != b.FinalSection {
			return a.FinalSection - b.FinalSection
		}
		return a.FinalRow - b.FinalRow
	})
	for _, rc := range adds {
		require.Less(t, rc.FinalSection, len(cur), "insert %v", rc)
		s := cur[rc.FinalSection].keys
		require.LessOrEqual(t, rc.FinalRow, len(s), "insert %v", rc)
		cur[rc.FinalSection].keys = slices.Insert(s, rc.FinalRow, rc.Key)
	}

	for _, rc := range rows {
		if rc.Type != diff.Update {
			continue
		}
		s := cur[rc.FinalSection].keys
		require.Less(t, rc.FinalRow, len(s), "update %v", rc)
		require.Equal(t, rc.Key, s[rc.FinalRow], "update %v", rc)
	}
	return cur
}

// TestMappings_RandomReplayMatchesView follows seeded random workloads with
// a watcher that catches up over several commits at a time. Small pages
// split and merge constantly; sections are dynamic except "c", and "b" is
// shown reversed.
func TestMappings_RandomReplayMatchesView(t *testing.T) {
	for seed := uint64(1); seed <= 12; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			f := newFixture(t)
			opts := Options{MaxPageSize: 3, MinPageSize: 1}
			f.register("slots", slotConfig(opts))

			m := NewMappings("slots", "a", "b", "c")
			m.SetDynamicSectionForAllGroups(true)
			m.SetDynamicSection("c", false)
			m.SetReversed("b", true)
			w := newWatcher(f, "slots", m)
			shown := displayed(t, w.conn, "slots", m)

			ops := testutil.RandomOps(seed, 240, testutil.OpConfig{
				Keys:             12,
				Groups:           []string{"a", "b", "c"},
				RemoveAllPercent: 1,
			})
			for start, round := 0, 0; start < len(ops); round++ {
				for commit := 0; commit <= round%3 && start < len(ops); commit++ {
					size := (round+commit)%5 + 1
					batch := ops[start:min(start+size, len(ops))]
					start += len(batch)
					f.write(func(tx *engine.ReadWriteTxn) error {
						for _, op := range batch {
							if err := applyOp(tx, op); err != nil {
								return err
							}
						}
						return nil
					})
				}

				sections, rows := w.mustAdvance()
				fresh := displayed(t, w.conn, "slots", m)
				shown = replayShown(t, shown, sections, rows, fresh)
				require.Equal(t, fresh, shown, "round %d, after op %d", round, start)
			}
			f.checkPages("slots", opts.MaxPageSize)
		})
	}
}

func fillSlots(f *fixture, group string, from, to int) {
	f.write(func(tx *engine.ReadWriteTxn) error {
		for i := from; i <= to; i++ {
			if err := tx.Set("c", fmt.Sprintf("k%d", i), fmt.Sprintf("%s:%d", group, i)); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestMappings_FixedRange(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	fillSlots(f, "a", 1, 6)

	m := NewMappings("slots", "a")
	require.NoError(t, m.SetRangeOptions("a", FixedRange(3, 0, PinBeginning)))
	w := newWatcher(f, "slots", m)
	assert.Equal(t, 3, m.NumberOfItemsInSection(0))
	assert.Equal(t, 6, m.NumberOfItemsInGroup("a"))
	assert.Equal(t, RangePosition{OffsetFromBeginning: 0, OffsetFromEnd: 3, Length: 3}, m.RangePosition("a"))
	group, index, ok := m.IndexForRow(2, 0)
	require.True(t, ok)
	assert.Equal(t, "a", group)
	assert.Equal(t, 2, index)
	_, _, ok = m.IndexForRow(3, 0)
	assert.False(t, ok)
	_, _, ok = m.RowForIndex(4, "a")
	assert.False(t, ok, "index 4 is outside the range")

	// A row inserted on top pushes the last shown row out.
	f.set("c", "k0", "a:0")
	_, rows := w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Delete, Key: model.CK("c", "k3"), OriginalSection: 0, OriginalRow: 2, FinalSection: -1, FinalRow: -1},
		{Type: diff.Insert, Key: model.CK("c", "k0"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 0},
	}, rows)

	// Changes below the range are invisible.
	f.remove("c", "k5")
	_, rows = w.mustAdvance()
	assert.Empty(t, rows)
}

func TestMappings_FixedRangePinnedToEnd(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	fillSlots(f, "a", 1, 4)

	m := NewMappings("slots", "a")
	require.NoError(t, m.SetRangeOptions("a", FixedRange(2, 0, PinEnd)))
	w := newWatcher(f, "slots", m)
	assert.Equal(t, RangePosition{OffsetFromBeginning: 2, OffsetFromEnd: 0, Length: 2}, m.RangePosition("a"))

	f.set("c", "k5", "a:5")
	_, rows := w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Delete, Key: model.CK("c", "k3"), OriginalSection: 0, OriginalRow: 0, FinalSection: -1, FinalRow: -1},
		{Type: diff.Insert, Key: model.CK("c", "k5"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 1},
	}, rows)
	assert.Equal(t, cks("c", "k4", "k5"), displayed(t, w.conn, "slots", m)[0].keys)
}

func TestMappings_RangeCountsInReversedOrder(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	fillSlots(f, "a", 1, 4)

	m := NewMappings("slots", "a")
	m.SetReversed("a", true)
	require.NoError(t, m.SetRangeOptions("a", FixedRange(2, 0, PinBeginning)))
	w := newWatcher(f, "slots", m)

	assert.Equal(t, cks("c", "k4", "k3"), displayed(t, w.conn, "slots", m)[0].keys)
	_, index, ok := m.IndexForRow(0, 0)
	require.True(t, ok)
	assert.Equal(t, 3, index)
}

func TestMappings_FlexibleRangeFollowsRows(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	fillSlots(f, "a", 1, 4)

	m := NewMappings("slots", "a")
	require.NoError(t, m.SetRangeOptions("a", FlexibleRange(2, 0, PinEnd)))
	w := newWatcher(f, "slots", m)

	// Rows appended on the pinned side join the range.
	f.set("c", "k5", "a:5")
	_, rows := w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Insert, Key: model.CK("c", "k5"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 2},
	}, rows)
	assert.Equal(t, RangePosition{OffsetFromBeginning: 2, OffsetFromEnd: 0, Length: 3}, m.RangePosition("a"))

	// Rows inserted on the other side shift the offset only.
	f.set("c", "k0", "a:0")
	_, rows = w.mustAdvance()
	assert.Empty(t, rows)
	assert.Equal(t, RangePosition{OffsetFromBeginning: 3, OffsetFromEnd: 0, Length: 3}, m.RangePosition("a"))

	// Deletes inside shrink it.
	f.remove("c", "k4")
	_, rows = w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Delete, Key: model.CK("c", "k4"), OriginalSection: 0, OriginalRow: 1, FinalSection: -1, FinalRow: -1},
	}, rows)
	assert.Equal(t, cks("c", "k3", "k5"), displayed(t, w.conn, "slots", m)[0].keys)
}

func TestMappings_FlexibleRangeLimits(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	fillSlots(f, "a", 1, 4)

	opts := FlexibleRange(2, 0, PinEnd)
	opts.MaxLength = 3
	opts.MinLength = 2
	m := NewMappings("slots", "a")
	require.NoError(t, m.SetRangeOptions("a", opts))
	w := newWatcher(f, "slots", m)

	fillSlots(f, "a", 5, 5)
	w.mustAdvance()

	// Past the cap the rows farthest from the pin drop out.
	fillSlots(f, "a", 6, 6)
	_, rows := w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Delete, Key: model.CK("c", "k3"), OriginalSection: 0, OriginalRow: 0, FinalSection: -1, FinalRow: -1},
		{Type: diff.Insert, Key: model.CK("c", "k6"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 2},
	}, rows)

	// Below the minimum the range takes rows back in, away from the pin.
	f.write(func(tx *engine.ReadWriteTxn) error {
		return tx.RemoveKeys("c", []string{"k5", "k6"})
	})
	_, rows = w.mustAdvance()
	assert.Equal(t, []RowChange{
		{Type: diff.Delete, Key: model.CK("c", "k6"), OriginalSection: 0, OriginalRow: 2, FinalSection: -1, FinalRow: -1},
		{Type: diff.Delete, Key: model.CK("c", "k5"), OriginalSection: 0, OriginalRow: 1, FinalSection: -1, FinalRow: -1},
		{Type: diff.Insert, Key: model.CK("c", "k3"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 0},
	}, rows)
	assert.Equal(t, RangePosition{OffsetFromBeginning: 2, OffsetFromEnd: 0, Length: 2}, m.RangePosition("a"))
}

func TestMappings_RangeOptionsValidation(t *testing.T) {
	m := NewMappings("slots", "a")
	assert.Error(t, m.SetRangeOptions("a", FixedRange(-1, 0, PinBeginning)))
	bad := FlexibleRange(2, 0, PinEnd)
	bad.MinLength, bad.MaxLength = 5, 3
	assert.ErrorContains(t, m.SetRangeOptions("a", bad), "exceeds max length")
	_, ok := m.RangeOptions("a")
	assert.False(t, ok)

	require.NoError(t, m.SetRangeOptions("a", FixedRange(2, 1, PinEnd)))
	o, ok := m.RangeOptions("a")
	require.True(t, ok)
	assert.Equal(t, PinEnd, o.Pin)
	m.RemoveRangeOptions("a")
	_, ok = m.RangeOptions("a")
	assert.False(t, ok)
}

func TestMappings_AutoConsolidateGroups(t *testing.T) {
	f := newFixture(t)
	f.register("slots", slotConfig(Options{}))
	f.set("c", "x", "a:1")
	f.set("c", "y", "b:1")

	m := NewMappings("slots", "a", "b")
	m.SetAutoConsolidateGroups(4, "all")
	w := newWatcher(f, "slots", m)
	assert.True(t, m.IsUsingConsolidatedGroup())
	assert.Equal(t, 4, m.AutoConsolidateThreshold())
	assert.Equal(t, "all", m.ConsolidatedGroupName())
	assert.Equal(t, []string{"all"}, m.VisibleGroups())
	assert.Equal(t, 2, m.NumberOfItemsInSection(0))
	group, index, ok := m.IndexForRow(1, 0)
	require.True(t, ok)
	assert.Equal(t, "b", group)
	assert.Equal(t, 0, index)
	row, section, ok := m.RowForIndex(0, "b")
	require.True(t, ok)
	assert.Equal(t, [2]int{0, 1}, [2]int{section, row})
	sec, ok := m.SectionForGroup("b")
	require.True(t, ok)
	assert.Equal(t, 0, sec)

	f.set("c", "w", "b:0")
	sections, rows := w.mustAdvance()
	assert.Empty(t, sections)
	assert.Equal(t, []RowChange{
		{Type: diff.Insert, Key: model.CK("c", "w"), OriginalSection: -1, OriginalRow: -1, FinalSection: 0, FinalRow: 1},
	}, rows)

	// Reaching the threshold splits the groups into their own sections.
	f.set("c", "z", "a:2")
	sections, rows = w.mustAdvance()
	assert.Equal(t, []diff.SectionChange{
		{Type: diff.Delete, Group: "all", Index: 0},
		{Type: diff.Insert, Group: "a", Index: 0},
		{Type: diff.Insert, Group: "b", Index: 1},
	}, sections)
	assert.Empty(t, rows)
	assert.False(t, m.IsUsingConsolidatedGroup())

	f.remove("c", "z")
	sections, rows = w.mustAdvance()
	assert.Equal(t, []diff.SectionChange{
		{Type: diff.Delete, Group: "b", Index: 1},
		{Type: diff.Delete, Group: "a", Index: 0},
		{Type: diff.Insert, Group: "all", Index: 0},
	}, sections)
	assert.Empty(t, rows)

	m.SetAutoConsolidateGroups(0, "all")
	assert.False(t, m.IsUsingConsolidatedGroup())
	assert.Equal(t, []string{"a", "b"}, m.VisibleGroups())
}

// TestMappings_RandomReplayWithRangesAndConsolidation runs seeded random
// workloads against sections limited by fixed and flexible ranges, with
// consolidation switching on and off as the row count crosses the
// threshold.
func TestMappings_RandomReplayWithRangesAndConsolidation(t *testing.T) {
	for seed := uint64(1); seed <= 12; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			f := newFixture(t)
			f.register("slots", slotConfig(Options{MaxPageSize: 3, MinPageSize: 1}))

			m := NewMappings("slots", "a", "b", "c")
			m.SetDynamicSection("a", true)
			m.SetReversed("b", true)
			require.NoError(t, m.SetRangeOptions("a", FixedRange(3, 1, PinBeginning)))
			flex := FlexibleRange(2, 1, PinEnd)
			flex.Grow = GrowOnBothSides
			flex.MaxLength, flex.MinLength = 5, 1
			require.NoError(t, m.SetRangeOptions("b", flex))
			c := FlexibleRange(3, 0, PinBeginning)
			c.Grow = GrowInRangeOnly
			require.NoError(t, m.SetRangeOptions("c", c))
			m.SetAutoConsolidateGroups(5, "all")
			w := newWatcher(f, "slots", m)
			shown := displayed(t, w.conn, "slots", m)

			ops := testutil.RandomOps(seed, 200, testutil.OpConfig{
				Keys:             10,
				Groups:           []string{"a", "b", "c"},
				RemoveAllPercent: 2,
			})
			for start, round := 0, 0; start < len(ops); round++ {
				for commit := 0; commit <= round%2 && start < len(ops); commit++ {
					size := (round*3+commit)%4 + 1
					batch := ops[start:min(start+size, len(ops))]
					start += len(batch)
					f.write(func(tx *engine.ReadWriteTxn) error {
						for _, op := range batch {
							if err := applyOp(tx, op); err != nil {
								return err
							}
						}
						return nil
					})
				}

				sections, rows := w.mustAdvance()
				fresh := displayed(t, w.conn, "slots", m)
				shown = replayShown(t, shown, sections, rows, fresh)
				require.Equal(t, fresh, shown, "round %d, after op %d", round, start)
				for _, g := range []string{"b", "c"} {
					pos := m.RangePosition(g)
					require.GreaterOrEqual(t, pos.OffsetFromBeginning, 0, "group %s", g)
					require.GreaterOrEqual(t, pos.OffsetFromEnd, 0, "group %s", g)
				}
			}
		})
	}
}
