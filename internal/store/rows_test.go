package store

import (
	"context"
	"fmt"
	"testing"
)

func TestInsert_AssignsIncreasingRowIDs(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)

	r1 := mustInsert(t, c, "c", "a", "1")
	r2 := mustInsert(t, c, "c", "b", "2")
	if r2 <= r1 {
		t.Errorf("rowids not increasing: %d then %d", r1, r2)
	}
}

func TestInsert_RowIDsNotReused(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	r1 := mustInsert(t, c, "c", "a", "1")

	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, r1); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	r2 := mustInsert(t, c, "c", "a", "1")
	if r2 == r1 {
		t.Errorf("rowid %d reused after delete", r1)
	}
}

func TestInsert_DuplicateKeyFails(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	mustInsert(t, c, "c", "a", "1")

	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Rollback(ctx)
	if _, err := c.Insert(ctx, "c", "a", []byte("2"), nil); err == nil {
		t.Error("expected unique constraint error, got nil")
	}
}

func TestGet_ByKeyAndRowID(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	rowid := mustInsert(t, c, "people", "ada", "lovelace")

	row, ok, err := c.Get(ctx, "people", "ada")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if row.RowID != rowid || string(row.Data) != "lovelace" {
		t.Errorf("Get() = %+v", row)
	}

	byID, ok, err := c.GetByRowID(ctx, rowid)
	if err != nil || !ok {
		t.Fatalf("GetByRowID() = %v, %v", ok, err)
	}
	if byID.Collection != "people" || byID.Key != "ada" {
		t.Errorf("GetByRowID() = %+v", byID)
	}

	ck, ok, err := c.KeyForRowID(ctx, rowid)
	if err != nil || !ok {
		t.Fatalf("KeyForRowID() = %v, %v", ok, err)
	}
	if ck.String() != "people/ada" {
		t.Errorf("KeyForRowID() = %s", ck)
	}

	id, ok, err := c.RowID(ctx, "people", "ada")
	if err != nil || !ok || id != rowid {
		t.Errorf("RowID() = %d, %v, %v", id, ok, err)
	}
}

func TestGet_Missing(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "c", "nope"); err != nil || ok {
		t.Errorf("Get() = %v, %v; want false, nil", ok, err)
	}
	if _, ok, err := c.GetByRowID(ctx, 42); err != nil || ok {
		t.Errorf("GetByRowID() = %v, %v; want false, nil", ok, err)
	}
	if _, ok, err := c.RowID(ctx, "c", "nope"); err != nil || ok {
		t.Errorf("RowID() = %v, %v; want false, nil", ok, err)
	}
}

func TestUpdate_PartialColumns(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	rowid := mustInsert(t, c, "c", "k", "v1")

	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.UpdateMetadata(ctx, rowid, []byte("m1")); err != nil {
		t.Fatalf("UpdateMetadata() failed: %v", err)
	}
	if err := c.UpdateData(ctx, rowid, []byte("v2")); err != nil {
		t.Fatalf("UpdateData() failed: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	row, _, err := c.Get(ctx, "c", "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(row.Data) != "v2" || string(row.Metadata) != "m1" {
		t.Errorf("row = %q/%q, want v2/m1", row.Data, row.Metadata)
	}

	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(ctx, rowid, []byte("v3"), nil); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	row, _, _ = c.Get(ctx, "c", "k")
	if string(row.Data) != "v3" || row.Metadata != nil {
		t.Errorf("row = %q/%v, want v3/nil", row.Data, row.Metadata)
	}
}

func TestDeleteCollectionAndAll(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	mustInsert(t, c, "a", "1", "x")
	mustInsert(t, c, "a", "2", "x")
	mustInsert(t, c, "b", "1", "x")

	if n, _ := c.CountAll(ctx); n != 3 {
		t.Fatalf("CountAll() = %d, want 3", n)
	}

	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteCollection(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if n, _ := c.CountCollection(ctx, "a"); n != 0 {
		t.Errorf("CountCollection(a) = %d, want 0", n)
	}
	if n, _ := c.CountCollection(ctx, "b"); n != 1 {
		t.Errorf("CountCollection(b) = %d, want 1", n)
	}

	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.CountAll(ctx); n != 0 {
		t.Errorf("CountAll() = %d, want 0", n)
	}
}

func TestCollectionsAndKeys_ByteOrder(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	mustInsert(t, c, "b", "z", "")
	mustInsert(t, c, "a", "Z", "")
	mustInsert(t, c, "a", "a", "")
	mustInsert(t, c, "B", "k", "")

	cols, err := c.Collections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"B", "a", "b"}
	if len(cols) != len(want) {
		t.Fatalf("Collections() = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("Collections()[%d] = %q, want %q", i, cols[i], want[i])
		}
	}

	keys, err := c.Keys(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "Z" || keys[1] != "a" {
		t.Errorf("Keys(a) = %v, want [Z a]", keys)
	}

	empty, err := c.Keys(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Keys(missing) = %#v, want empty non-nil", empty)
	}
}

func TestScanAll_PagesAcrossBatches(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	total := scanBatch*2 + 7
	if err := c.BeginWrite(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < total; i++ {
		col := "even"
		if i%2 == 1 {
			col = "odd"
		}
		if _, err := c.Insert(ctx, col, fmt.Sprintf("k%05d", i), nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	var seen int
	var last int64
	err := c.ScanAll(ctx, func(r RawRow) (bool, error) {
		if r.RowID <= last {
			t.Errorf("rowid %d after %d", r.RowID, last)
		}
		last = r.RowID
		seen++
		// Nested query on the same connection between rows.
		if _, _, err := c.Get(ctx, r.Collection, r.Key); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("ScanAll() failed: %v", err)
	}
	if seen != total {
		t.Errorf("ScanAll() saw %d rows, want %d", seen, total)
	}

	var odd int
	err = c.ScanCollection(ctx, "odd", func(r RawRow) (bool, error) {
		if r.Collection != "odd" {
			t.Errorf("unexpected collection %q", r.Collection)
		}
		odd++
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if odd != total/2 {
		t.Errorf("ScanCollection(odd) saw %d rows, want %d", odd, total/2)
	}

	var stopped int
	_ = c.ScanAll(ctx, func(RawRow) (bool, error) {
		stopped++
		return stopped < 3, nil
	})
	if stopped != 3 {
		t.Errorf("early stop saw %d rows, want 3", stopped)
	}
}

func TestRowIDsInCollection(t *testing.T) {
	s := createTestStore(t)
	c := createTestConn(t, s)
	ctx := context.Background()

	r1 := mustInsert(t, c, "c", "x", "")
	mustInsert(t, c, "other", "y", "")
	r2 := mustInsert(t, c, "c", "a", "")

	rowids, keys, err := c.RowIDsInCollection(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(rowids) != 2 || rowids[0] != r1 || rowids[1] != r2 {
		t.Errorf("rowids = %v, want [%d %d]", rowids, r1, r2)
	}
	if keys[0] != "x" || keys[1] != "a" {
		t.Errorf("keys = %v, want [x a]", keys)
	}
}
