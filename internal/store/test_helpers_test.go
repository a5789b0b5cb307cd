package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestConn pins a connection on s and closes it at cleanup.
func createTestConn(t *testing.T, s *Store) *Conn {
	t.Helper()
	c, err := s.Conn(context.Background())
	if err != nil {
		t.Fatalf("Conn() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// mustInsert inserts a row inside its own write transaction.
func mustInsert(t *testing.T, c *Conn, collection, key, data string) int64 {
	t.Helper()
	ctx := context.Background()
	if err := c.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	rowid, err := c.Insert(ctx, collection, key, []byte(data), nil)
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return rowid
}
