package view

import (
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/viewkv/internal/model"
)

// Grouping assigns a row to a group. ok=false leaves the row out of the
// view.
//
// Implementations must be pure: the same row always maps to the same group.
type Grouping interface {
	Group(row model.Row) (group string, ok bool)
	// Parts lists the row parts Group reads.
	Parts() model.RowParts
}

// Sorting orders two rows of the same group. Rows comparing equal are
// ordered by ascending rowid, i.e. by insertion into the primary table.
type Sorting interface {
	Compare(group string, a, b model.Row) int
	Parts() model.RowParts
}

// Filtering optionally removes grouped rows from the view.
type Filtering interface {
	Include(group string, row model.Row) bool
	Parts() model.RowParts
}

type groupingFunc struct {
	parts model.RowParts
	fn    func(model.Row) (string, bool)
}

func (g groupingFunc) Group(row model.Row) (string, bool) { return g.fn(row) }
func (g groupingFunc) Parts() model.RowParts              { return g.parts }

// GroupingFunc adapts a function reading parts of a row.
func GroupingFunc(parts model.RowParts, fn func(model.Row) (string, bool)) Grouping {
	return groupingFunc{parts: parts, fn: fn}
}

type sortingFunc struct {
	parts model.RowParts
	fn    func(group string, a, b model.Row) int
}

func (s sortingFunc) Compare(group string, a, b model.Row) int { return s.fn(group, a, b) }
func (s sortingFunc) Parts() model.RowParts                    { return s.parts }

// SortingFunc adapts a comparison function reading parts of a row.
func SortingFunc(parts model.RowParts, fn func(group string, a, b model.Row) int) Sorting {
	return sortingFunc{parts: parts, fn: fn}
}

type filteringFunc struct {
	parts model.RowParts
	fn    func(group string, row model.Row) bool
}

func (f filteringFunc) Include(group string, row model.Row) bool { return f.fn(group, row) }
func (f filteringFunc) Parts() model.RowParts                    { return f.parts }

// FilteringFunc adapts a predicate reading parts of a row.
func FilteringFunc(parts model.RowParts, fn func(group string, row model.Row) bool) Filtering {
	return filteringFunc{parts: parts, fn: fn}
}

// SortByKey orders rows by collection, then key.
func SortByKey() Sorting {
	return SortingFunc(model.PartKey, func(_ string, a, b model.Row) int {
		return a.CollectionKey().Compare(b.CollectionKey())
	})
}

// collatedSorting compares strings extracted from rows with a
// locale-aware collator. A Collator keeps scratch buffers, so calls are
// serialized.
type collatedSorting struct {
	mu      sync.Mutex
	col     *collate.Collator
	parts   model.RowParts
	extract func(model.Row) string
}

// CollatedStringSorting orders rows by the string extract returns, using
// the collation rules of tag. Case and accents are ignored at the primary
// level; ties fall back to byte order.
func CollatedStringSorting(tag language.Tag, parts model.RowParts, extract func(model.Row) string) Sorting {
	return &collatedSorting{
		col:     collate.New(tag, collate.IgnoreCase, collate.IgnoreDiacritics),
		parts:   parts,
		extract: extract,
	}
}

func (s *collatedSorting) Compare(_ string, a, b model.Row) int {
	sa, sb := s.extract(a), s.extract(b)
	s.mu.Lock()
	c := s.col.CompareString(sa, sb)
	s.mu.Unlock()
	if c != 0 {
		return c
	}
	return strings.Compare(sa, sb)
}

func (s *collatedSorting) Parts() model.RowParts { return s.parts }
