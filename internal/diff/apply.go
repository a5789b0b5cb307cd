package diff

import (
	"fmt"
	"sort"
)

// Apply replays computed row changes onto prior, a materialized copy of each
// group's keys, and returns the resulting groups. prior is not modified.
//
// Pass 1 removes deletes and move-outs in list order. Pass 2 inserts inserts
// and move-ins by ascending final index within each group. Updates only
// check that the key sits where the change says. Empty groups are dropped
// from the result.
func Apply[K comparable](prior map[string][]K, changes []RowChange[K]) (map[string][]K, error) {
	out := make(map[string][]K, len(prior))
	for g, keys := range prior {
		out[g] = append([]K(nil), keys...)
	}

	var adds []RowChange[K]
	for _, c := range changes {
		switch c.Type {
		case Delete, Move:
			keys := out[c.OriginalGroup]
			i := c.OriginalIndex
			if i < 0 || i >= len(keys) {
				return nil, fmt.Errorf("%s: original index out of range (len %d)", c, len(keys))
			}
			if keys[i] != c.Key {
				return nil, fmt.Errorf("%s: found %v at original index", c, keys[i])
			}
			out[c.OriginalGroup] = append(keys[:i], keys[i+1:]...)
			if c.Type == Move {
				adds = append(adds, c)
			}
		case Insert:
			adds = append(adds, c)
		}
	}

	sort.SliceStable(adds, func(i, j int) bool {
		a, b := adds[i], adds[j]
		if a.FinalGroup != b.FinalGroup {
			return a.FinalGroup < b.FinalGroup
		}
		return a.FinalIndex < b.FinalIndex
	})
	for _, c := range adds {
		keys := out[c.FinalGroup]
		i := c.FinalIndex
		if i < 0 || i > len(keys) {
			return nil, fmt.Errorf("%s: final index out of range (len %d)", c, len(keys))
		}
		keys = append(keys, c.Key)
		copy(keys[i+1:], keys[i:])
		keys[i] = c.Key
		out[c.FinalGroup] = keys
	}

	for _, c := range changes {
		if c.Type != Update {
			continue
		}
		keys := out[c.FinalGroup]
		if c.FinalIndex < 0 || c.FinalIndex >= len(keys) || keys[c.FinalIndex] != c.Key {
			return nil, fmt.Errorf("%s: key not at final index", c)
		}
	}

	for g, keys := range out {
		if len(keys) == 0 {
			delete(out, g)
		}
	}
	return out, nil
}
