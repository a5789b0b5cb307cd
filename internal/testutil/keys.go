package testutil

import (
	"fmt"
	"sync"
)

// PageKeys hands out predictable page keys ("page-0001", "page-0002", ...).
//
// Views generate UUIDv7 page keys by default. Tests that compare page
// layouts or golden traces use PageKeys so the same run produces the same
// keys.
//
// Thread-safety: All methods are safe for concurrent use.
type PageKeys struct {
	mu  sync.Mutex
	seq int
}

// NewPageKeys creates a generator whose first key is "page-0001".
func NewPageKeys() *PageKeys {
	return &PageKeys{}
}

// Generate returns the next key. Implements engine.IDGenerator.
func (g *PageKeys) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("page-%04d", g.seq)
}

// Issued returns how many keys were generated since the last Reset.
func (g *PageKeys) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. After Reset the next key is "page-0001".
func (g *PageKeys) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
