// Package view implements views: persistent, incrementally maintained,
// grouped and sorted indexes over the primary table.
//
// A view is an engine extension. Each row is assigned to at most one group
// by a Grouping strategy and ordered within the group by a Sorting strategy;
// rows the grouping rejects are not in the view. Every group is stored as a
// chain of pages, each holding a bounded, ordered run of rowids and the keys
// of its neighbours. A map table resolves a rowid to its page.
//
// DATA FLOW:
//
// 1. A write hook recomputes the row's group and position
// 2. Pages are copied on write into the transaction's working state
// 3. Every mutation is recorded as a raw diff.Change
// 4. Flush persists dirty pages, links and map entries
// 5. Commit installs the working state; other connections adopt it from the
//    changeset payload and evict the pages it replaced
//
// Mappings turn the raw changes of a run of changesets into section and row
// operations for a presentation layer.
package view
