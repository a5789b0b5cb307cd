package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionKey_Order(t *testing.T) {
	a := CK("albums", "z")
	b := CK("songs", "a")
	c := CK("songs", "b")

	assert.True(t, a.Less(b), "collection compares first")
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(b))
	assert.Equal(t, 0, b.Compare(CK("songs", "a")))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(b))
	assert.Equal(t, "songs/a", b.String())
}

func TestRow_CollectionKey(t *testing.T) {
	r := Row{Collection: "c", Key: "k", Object: 1}
	assert.Equal(t, CK("c", "k"), r.CollectionKey())
}

func TestRowParts(t *testing.T) {
	assert.True(t, PartRow.Has(PartObject|PartMetadata))
	assert.False(t, PartKey.Has(PartObject))
	assert.True(t, (PartKey | PartObject).Intersects(PartObject|PartMetadata))
	assert.False(t, PartKey.Intersects(PartMetadata))

	assert.Equal(t, "none", RowParts(0).String())
	assert.Equal(t, "key|object|metadata", PartRow.String())
	assert.Equal(t, "object|metadata", (PartObject | PartMetadata).String())
}
