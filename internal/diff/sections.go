package diff

// SectionChange reports a group appearing or disappearing from the list of
// visible sections.
type SectionChange struct {
	Type  Kind // Insert or Delete
	Group string
	Index int
}

// Sections compares two ordered lists of visible groups. Deletes carry the
// index in before and come first in descending order; inserts carry the index
// in after and follow in ascending order.
func Sections(before, after []string) []SectionChange {
	inAfter := make(map[string]bool, len(after))
	for _, g := range after {
		inAfter[g] = true
	}
	inBefore := make(map[string]bool, len(before))
	for _, g := range before {
		inBefore[g] = true
	}

	var out []SectionChange
	for i := len(before) - 1; i >= 0; i-- {
		if !inAfter[before[i]] {
			out = append(out, SectionChange{Type: Delete, Group: before[i], Index: i})
		}
	}
	for i, g := range after {
		if !inBefore[g] {
			out = append(out, SectionChange{Type: Insert, Group: g, Index: i})
		}
	}
	return out
}
