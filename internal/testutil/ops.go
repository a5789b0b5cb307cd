package testutil

import (
	"fmt"
	"math/rand/v2"
)

// OpKind names a generated write.
type OpKind int

const (
	OpSet OpKind = iota
	OpRemove
	OpRemoveCollection
	OpRemoveAll
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpRemoveCollection:
		return "remove_collection"
	case OpRemoveAll:
		return "remove_all"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is one generated write. Object is "group:sort" for rows that belong to
// a view, or "-" for rows no grouping accepts.
type Op struct {
	Kind       OpKind
	Collection string
	Key        string
	Object     string
}

func (op Op) String() string {
	switch op.Kind {
	case OpSet:
		return fmt.Sprintf("set %s/%s=%s", op.Collection, op.Key, op.Object)
	case OpRemove:
		return fmt.Sprintf("remove %s/%s", op.Collection, op.Key)
	case OpRemoveCollection:
		return "remove_collection " + op.Collection
	}
	return op.Kind.String()
}

// OpConfig shapes the generated workload.
type OpConfig struct {
	Collections []string // default ["c"]
	Keys        int      // distinct keys per collection, default 20
	Groups      []string // default ["a", "b"]
	SortValues  int      // distinct sort values, default 10
	// RemoveAllPercent is the chance, in percent, of a RemoveAll.
	// RemoveCollection gets the same chance. Default 0.
	RemoveAllPercent int
}

func (c *OpConfig) defaults() {
	if len(c.Collections) == 0 {
		c.Collections = []string{"c"}
	}
	if c.Keys == 0 {
		c.Keys = 20
	}
	if len(c.Groups) == 0 {
		c.Groups = []string{"a", "b"}
	}
	if c.SortValues == 0 {
		c.SortValues = 10
	}
}

// RandomOps generates n writes from seed. The same seed and config always
// produce the same operations.
func RandomOps(seed uint64, n int, cfg OpConfig) []Op {
	cfg.defaults()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	ops := make([]Op, 0, n)
	for range n {
		coll := cfg.Collections[r.IntN(len(cfg.Collections))]
		key := fmt.Sprintf("k%03d", r.IntN(cfg.Keys))
		roll := r.IntN(100)
		switch {
		case roll < cfg.RemoveAllPercent:
			ops = append(ops, Op{Kind: OpRemoveAll})
		case roll < 2*cfg.RemoveAllPercent:
			ops = append(ops, Op{Kind: OpRemoveCollection, Collection: coll})
		case roll < 2*cfg.RemoveAllPercent+20:
			ops = append(ops, Op{Kind: OpRemove, Collection: coll, Key: key})
		case roll < 2*cfg.RemoveAllPercent+28:
			ops = append(ops, Op{Kind: OpSet, Collection: coll, Key: key, Object: "-"})
		default:
			obj := fmt.Sprintf("%s:%02d", cfg.Groups[r.IntN(len(cfg.Groups))], r.IntN(cfg.SortValues))
			ops = append(ops, Op{Kind: OpSet, Collection: coll, Key: key, Object: obj})
		}
	}
	return ops
}

// ApplyTo replays op on the oracle.
func (op Op) ApplyTo(o *Oracle) {
	switch op.Kind {
	case OpSet:
		o.Set(op.Collection, op.Key, op.Object)
	case OpRemove:
		o.Remove(op.Collection, op.Key)
	case OpRemoveCollection:
		o.RemoveCollection(op.Collection)
	case OpRemoveAll:
		o.RemoveAll()
	}
}
