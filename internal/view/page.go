package view

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// pageMeta is what the state keeps per page; the rowids live in the page
// table and the page cache.
type pageMeta struct {
	key   string
	count int
}

// State is the shape of a view at one snapshot: the ordered pages of every
// group. A State is immutable once published; writers copy what they
// change.
type State struct {
	groups    map[string][]pageMeta
	pageGroup map[string]string
}

func emptyState() *State {
	return &State{groups: map[string][]pageMeta{}, pageGroup: map[string]string{}}
}

// Groups lists the non-empty groups in byte order.
func (s *State) Groups() []string {
	return slices.Sorted(maps.Keys(s.groups))
}

// Count returns the number of rows in group.
func (s *State) Count(group string) int {
	n := 0
	for _, m := range s.groups[group] {
		n += m.count
	}
	return n
}

// CountAll returns the number of rows in the view.
func (s *State) CountAll() int {
	n := 0
	for g := range s.groups {
		n += s.Count(g)
	}
	return n
}

// locate finds the page holding index i of group. It returns the page's
// position in the group and the index of its first row.
func (s *State) locate(group string, i int) (page, start int, ok bool) {
	for p, m := range s.groups[group] {
		if i < start+m.count {
			return p, start, i >= 0
		}
		start += m.count
	}
	return 0, 0, false
}

// pageStart returns the index of the first row of page key in its group.
func (s *State) pageStart(group, key string) (page, start int, ok bool) {
	for p, m := range s.groups[group] {
		if m.key == key {
			return p, start, true
		}
		start += m.count
	}
	return 0, 0, false
}

// cow tracks which parts of a State a writer already copied.
type cow struct {
	st         *State
	ownMaps    bool
	ownedGroup map[string]bool
}

func newCOW(base *State) *cow {
	return &cow{st: base, ownedGroup: map[string]bool{}}
}

func (c *cow) own() {
	if c.ownMaps {
		return
	}
	c.st = &State{
		groups:    maps.Clone(c.st.groups),
		pageGroup: maps.Clone(c.st.pageGroup),
	}
	c.ownMaps = true
}

// group returns a mutable copy of group's pages.
func (c *cow) group(name string) []pageMeta {
	c.own()
	if !c.ownedGroup[name] {
		if pages, ok := c.st.groups[name]; ok {
			c.st.groups[name] = slices.Clone(pages)
		}
		c.ownedGroup[name] = true
	}
	return c.st.groups[name]
}

func (c *cow) setGroup(name string, pages []pageMeta) {
	c.own()
	c.ownedGroup[name] = true
	if len(pages) == 0 {
		delete(c.st.groups, name)
		return
	}
	c.st.groups[name] = pages
}

func (c *cow) setPageGroup(key, group string) {
	c.own()
	if group == "" {
		delete(c.st.pageGroup, key)
		return
	}
	c.st.pageGroup[key] = group
}

func (c *cow) reset() {
	c.st = emptyState()
	c.ownMaps = true
	clear(c.ownedGroup)
}

// Page data is the uvarint row count followed by each rowid as a varint
// delta from the previous one.

func encodePage(rowids []int64) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*(len(rowids)+1))
	buf = binary.AppendUvarint(buf, uint64(len(rowids)))
	var prev int64
	for _, r := range rowids {
		buf = binary.AppendVarint(buf, r-prev)
		prev = r
	}
	return buf
}

var errPageData = errors.New("malformed page data")

func decodePage(data []byte) ([]int64, error) {
	n, k := binary.Uvarint(data)
	if k <= 0 {
		return nil, errPageData
	}
	data = data[k:]
	if n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: count %d exceeds %d bytes", errPageData, n, len(data))
	}
	out := make([]int64, 0, n)
	var prev int64
	for i := uint64(0); i < n; i++ {
		d, k := binary.Varint(data)
		if k <= 0 {
			return nil, fmt.Errorf("%w: truncated at row %d", errPageData, i)
		}
		data = data[k:]
		prev += d
		out = append(out, prev)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errPageData, len(data))
	}
	return out, nil
}
