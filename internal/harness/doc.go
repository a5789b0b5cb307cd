// Package harness replays view scenarios against a real database.
//
// A scenario declares a view, the sections a watcher maps, and a list of
// steps. Every step commits its writes in one read-write transaction; a
// second connection holding a long-lived read then advances and records
// the section and row changes the view reports. The recorded trace is
// compared against golden files.
//
// # Scenario Format
//
//	name: odd_even
//	description: "Removing the first odd row"
//	view:
//	  name: parity
//	  group_by: key_parity
//	  sort_by: key
//	mappings:
//	  groups: [odd, even]
//	setup:
//	  - set: { collection: n, key: "1", value: A }
//	  - set: { collection: n, key: "2", value: B }
//	  - set: { collection: n, key: "3", value: C }
//	steps:
//	  - name: remove first
//	    ops:
//	      - remove: { collection: n, key: "1" }
//	    expect:
//	      rows: ["delete n/1 <- [0,0]"]
//	assertions:
//	  - type: groups
//	    groups: { odd: [n/3], even: [n/2] }
//
// # Strategies
//
// Views are built from named strategies so scenarios stay data:
//
//   - group_by: key_parity, object_prefix ("group:sort" values), collection
//   - sort_by: key, object, object_suffix, object_suffix_desc, collated
//
// Mappings take groups, dynamic and reversed, plus range windows per group
// and a consolidation threshold:
//
//	mappings:
//	  groups: [a, b]
//	  ranges:
//	    a: { length: 2, pin: end, flexible: true, grow: both, max_length: 5 }
//	  consolidate_below: 3
//	  consolidated: all
//
// # Assertion Types
//
//   - groups: the final content of every group, exactly
//   - group_keys: the final content of one group
//   - page_counts: the row count of each page of one group, in link order
//   - row_count: the number of rows in one group
//   - reset_count: how many steps could not be expressed as changes
//
// # Deterministic Testing
//
// Page keys come from testutil.PageKeys and every scenario runs against a
// fresh database in a temporary directory, so the same scenario always
// produces the same trace.
package harness
