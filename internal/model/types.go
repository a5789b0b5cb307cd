package model

import "strings"

// CollectionKey addresses one row in the primary table.
type CollectionKey struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

// CK is shorthand for building a CollectionKey.
func CK(collection, key string) CollectionKey {
	return CollectionKey{Collection: collection, Key: key}
}

// String renders the key as "collection/key" for logs and traces.
func (ck CollectionKey) String() string {
	return ck.Collection + "/" + ck.Key
}

// Less orders keys by collection, then key, using byte-wise comparison.
func (ck CollectionKey) Less(other CollectionKey) bool {
	if ck.Collection != other.Collection {
		return ck.Collection < other.Collection
	}
	return ck.Key < other.Key
}

// Compare returns -1, 0 or +1 following the same order as Less.
func (ck CollectionKey) Compare(other CollectionKey) int {
	if c := strings.Compare(ck.Collection, other.Collection); c != 0 {
		return c
	}
	return strings.Compare(ck.Key, other.Key)
}

// Row is the deserialized content stored at a (collection, key).
type Row struct {
	Collection string
	Key        string
	Object     any
	Metadata   any
}

// CollectionKey returns the address of the row.
func (r Row) CollectionKey() CollectionKey {
	return CollectionKey{Collection: r.Collection, Key: r.Key}
}

// RowParts is a bit set naming the parts of a row.
//
// Strategies use it to declare what they read; write hooks use it to report
// what changed. A strategy that does not read any changed part can skip
// recomputation.
type RowParts uint8

const (
	// PartKey covers the collection and key.
	PartKey RowParts = 1 << iota
	// PartObject covers the object value.
	PartObject
	// PartMetadata covers the metadata value.
	PartMetadata

	// PartRow covers everything.
	PartRow = PartKey | PartObject | PartMetadata
)

// Has reports whether every bit in p is set.
func (r RowParts) Has(p RowParts) bool {
	return r&p == p
}

// Intersects reports whether any bit in p is set.
func (r RowParts) Intersects(p RowParts) bool {
	return r&p != 0
}

// String renders the set as "key|object|metadata".
func (r RowParts) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	if r.Has(PartKey) {
		parts = append(parts, "key")
	}
	if r.Has(PartObject) {
		parts = append(parts, "object")
	}
	if r.Has(PartMetadata) {
		parts = append(parts, "metadata")
	}
	return strings.Join(parts, "|")
}
