package diff

// best is a Fenwick tree node: the heaviest chain ending at or below an index.
type best struct {
	sum int
	at  int // position in the input, -1 when empty
}

// heaviestIncreasing returns the positions of a maximum-weight strictly
// increasing subsequence of vals, in order. vals are distinct and lie in
// [0, size). Runs in O(n log size).
func heaviestIncreasing(vals, weights []int, size int) []int {
	tree := make([]best, size+1)
	for i := range tree {
		tree[i].at = -1
	}
	query := func(i int) best { // max over values [0, i)
		b := best{at: -1}
		for ; i > 0; i -= i & -i {
			if tree[i].sum > b.sum {
				b = tree[i]
			}
		}
		return b
	}
	update := func(i int, b best) { // value i
		for i++; i <= size; i += i & -i {
			if b.sum > tree[i].sum {
				tree[i] = b
			}
		}
	}

	prev := make([]int, len(vals))
	total := make([]int, len(vals))
	top := best{at: -1}
	for i, v := range vals {
		q := query(v)
		total[i] = q.sum + weights[i]
		prev[i] = q.at
		b := best{sum: total[i], at: i}
		update(v, b)
		if b.sum > top.sum {
			top = b
		}
	}

	var chain []int
	for i := top.at; i >= 0; i = prev[i] {
		chain = append(chain, i)
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain
}
