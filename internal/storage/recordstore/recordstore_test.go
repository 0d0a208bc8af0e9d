package recordstore

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

type fakeMeta struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadRecord(t *testing.T) {
	rs := New(t.TempDir(), "task")
	if err := rs.EnsureBaseDir(); err != nil {
		t.Fatalf("EnsureBaseDir: %v", err)
	}

	in := fakeMeta{Name: "alpha", Count: 3}
	if err := rs.WriteRecord("task_abc", in); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	var out fakeMeta
	if err := rs.ReadRecord("task_abc", &out); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if out != in {
		t.Errorf("round-trip: got %+v, want %+v", out, in)
	}
}

func TestReadRecordMissing(t *testing.T) {
	rs := New(t.TempDir(), "task")

	var out fakeMeta
	err := rs.ReadRecord("nope", &out)
	if err == nil {
		t.Fatal("expected error for missing record")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	rs := New(t.TempDir(), "task")
	if err := rs.EnsureBaseDir(); err != nil {
		t.Fatalf("EnsureBaseDir: %v", err)
	}

	if err := rs.WriteRecord("task_abc", fakeMeta{Name: "x"}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := rs.Remove("task_abc"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Second removal of the same record must not fail.
	if err := rs.Remove("task_abc"); err != nil {
		t.Fatalf("Remove again: %v", err)
	}
}

func TestListIDsSkipsIndexAndTemp(t *testing.T) {
	dir := t.TempDir()
	rs := New(dir, "task")
	if err := rs.EnsureBaseDir(); err != nil {
		t.Fatalf("EnsureBaseDir: %v", err)
	}

	for _, id := range []string{"task_a", "task_b"} {
		if err := rs.WriteRecord(id, fakeMeta{Name: id}); err != nil {
			t.Fatalf("WriteRecord %s: %v", id, err)
		}
	}
	if err := rs.WriteIndex(map[string]string{"task_a": "pending"}); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "task_c.json.tmp"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}

	ids, err := rs.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	sort.Strings(ids)
	want := []string{"task_a", "task_b"}
	if len(ids) != len(want) {
		t.Fatalf("ListIDs: got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ListIDs[%d]: got %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestIndexRoundTrip(t *testing.T) {
	rs := New(t.TempDir(), "task")
	if err := rs.EnsureBaseDir(); err != nil {
		t.Fatalf("EnsureBaseDir: %v", err)
	}

	var missing map[string]string
	if err := rs.ReadIndex(&missing); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist for missing index, got %v", err)
	}

	in := map[string]string{"task_a": "running", "task_b": "completed"}
	if err := rs.WriteIndex(in); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}

	var out map[string]string
	if err := rs.ReadIndex(&out); err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(out) != 2 || out["task_a"] != "running" {
		t.Errorf("index round-trip: got %v", out)
	}
}
