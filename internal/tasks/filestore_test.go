package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestStore(t *testing.T, maxHistory int) *FileStore {
	t.Helper()
	store, err := NewFileStore(FileStoreConfig{
		Dir:            t.TempDir(),
		MaxTaskHistory: maxHistory,
	})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStoreSaveGetRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)

	r := &Record{
		Description: "summarize repo",
		Status:      StatusCreated,
		Messages: []Message{
			{ID: "msg_1", Role: "assistant", Content: "starting", Ts: time.Now().Truncate(time.Millisecond)},
		},
		Todos: map[string]Todo{
			"todo_1": {Title: "read files", State: TodoOpen},
		},
	}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if r.ID == "" {
		t.Fatal("expected assigned task ID")
	}

	got, ok, err := store.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to exist")
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreGetUnknownIsNotError(t *testing.T) {
	store := newTestStore(t, 0)

	got, ok, err := store.Get("task_missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || got != nil {
		t.Errorf("expected absence, got %+v", got)
	}
}

func TestFileStoreStatusStateMachine(t *testing.T) {
	store := newTestStore(t, 0)

	r := &Record{Description: "t", Status: StatusCreated}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, st := range []Status{StatusPending, StatusRunning} {
		if _, err := store.UpdateStatus(r.ID, st, ""); err != nil {
			t.Fatalf("UpdateStatus %s: %v", st, err)
		}
	}

	// paused is reversible back to running only
	if _, err := store.UpdateStatus(r.ID, StatusPaused, ""); err != nil {
		t.Fatalf("UpdateStatus paused: %v", err)
	}
	if _, err := store.UpdateStatus(r.ID, StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("paused -> completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.UpdateStatus(r.ID, StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus resume: %v", err)
	}

	got, err := store.UpdateStatus(r.ID, StatusCompleted, "")
	if err != nil {
		t.Fatalf("UpdateStatus completed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt on terminal status")
	}
	if !got.CompletedAt.Equal(got.UpdatedAt) {
		t.Errorf("CompletedAt %v should equal UpdatedAt %v of the terminal call", got.CompletedAt, got.UpdatedAt)
	}

	// no transitions out of a terminal status
	if _, err := store.UpdateStatus(r.ID, StatusRunning, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> running: expected ErrInvalidTransition, got %v", err)
	}
}

func TestFileStoreUpdateStatusNotFound(t *testing.T) {
	store := newTestStore(t, 0)

	if _, err := store.UpdateStatus("task_missing", StatusPending, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreFailedAttachesError(t *testing.T) {
	store := newTestStore(t, 0)

	r := &Record{Description: "t", Status: StatusRunning}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.UpdateStatus(r.ID, StatusFailed, "tool exploded")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if got.Error != "tool exploded" {
		t.Errorf("Error: got %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on failed status")
	}
}

func TestFileStoreUpdateMessagesAndTodos(t *testing.T) {
	store := newTestStore(t, 0)

	r := &Record{Description: "t", Status: StatusRunning}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before := r.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	msgs := []Message{
		{ID: "msg_1", Role: "assistant", Content: "one", Ts: time.Now()},
		{ID: "msg_2", Role: "assistant", Content: "two", Ts: time.Now()},
	}
	got, err := store.UpdateMessages(r.ID, msgs)
	if err != nil {
		t.Fatalf("UpdateMessages: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].ID != "msg_1" {
		t.Errorf("messages not replaced in order: %+v", got.Messages)
	}
	if !got.UpdatedAt.After(before) {
		t.Error("UpdatedAt not restamped")
	}

	if _, err := store.UpdateMessages("task_missing", msgs); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	todos := map[string]Todo{
		"todo_1": {Title: "a", State: TodoDone},
		"todo_2": {Title: "b", State: TodoOpen},
	}
	got, err = store.UpdateTodos(r.ID, todos)
	if err != nil {
		t.Fatalf("UpdateTodos: %v", err)
	}
	if len(got.Todos) != 2 || got.Todos["todo_1"].State != TodoDone {
		t.Errorf("todos not replaced: %+v", got.Todos)
	}
}

func TestFileStoreQueryFilterAndOrder(t *testing.T) {
	store := newTestStore(t, 0)

	base := time.Now().Add(-time.Hour)
	seed := []struct {
		id     string
		status Status
		age    time.Duration
	}{
		{"task_a", StatusCompleted, 0},
		{"task_b", StatusRunning, 10 * time.Minute},
		{"task_c", StatusCompleted, 20 * time.Minute},
		{"task_d", StatusFailed, 30 * time.Minute},
	}
	for _, s := range seed {
		r := &Record{ID: s.id, Description: s.id, Status: s.status, CreatedAt: base.Add(s.age)}
		if err := store.Save(r); err != nil {
			t.Fatalf("Save %s: %v", s.id, err)
		}
	}

	completed, err := store.Query(Filter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("Query completed: got %d, want 2", len(completed))
	}
	// createdAt descending: task_c (newest of the two) first
	if completed[0].ID != "task_c" || completed[1].ID != "task_a" {
		t.Errorf("ordering: got [%s %s], want [task_c task_a]", completed[0].ID, completed[1].ID)
	}

	cutoff := base.Add(15 * time.Minute)
	recent, err := store.Query(Filter{CreatedAfter: &cutoff})
	if err != nil {
		t.Fatalf("Query after: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Query after cutoff: got %d, want 2", len(recent))
	}

	paged, err := store.Query(Filter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Query paged: %v", err)
	}
	if len(paged) != 2 || paged[0].ID != "task_c" || paged[1].ID != "task_b" {
		t.Errorf("pagination: got %v", []string{paged[0].ID, paged[1].ID})
	}

	none, err := store.Query(Filter{Offset: 10})
	if err != nil {
		t.Fatalf("Query big offset: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty page, got %d", len(none))
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	store := newTestStore(t, 0)

	r := &Record{Description: "t"}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Delete(r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(r.ID); ok {
		t.Fatal("record survived delete")
	}
	// deleting again is a no-op, not an error
	if err := store.Delete(r.ID); err != nil {
		t.Fatalf("Delete again: %v", err)
	}
}

func TestFileStoreCleanupRetention(t *testing.T) {
	store := newTestStore(t, 2)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"task_1", "task_2", "task_3"} {
		r := &Record{ID: id, Description: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.Save(r); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	deleted, err := store.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Cleanup: deleted %d, want 1", deleted)
	}

	remaining, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(remaining) != 2 || remaining[0].ID != "task_3" || remaining[1].ID != "task_2" {
		ids := make([]string, len(remaining))
		for i, r := range remaining {
			ids[i] = r.ID
		}
		t.Errorf("survivors: got %v, want [task_3 task_2]", ids)
	}
}

func TestFileStoreCleanupUnderBound(t *testing.T) {
	store := newTestStore(t, 10)

	if err := store.Save(&Record{Description: "t"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	deleted, err := store.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Cleanup under bound: deleted %d, want 0", deleted)
	}
}

func TestFileStoreStats(t *testing.T) {
	store := newTestStore(t, 0)

	base := time.Now().Add(-time.Hour)
	for i, st := range []Status{StatusRunning, StatusRunning, StatusCompleted} {
		r := &Record{Description: "t", Status: st, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.Save(r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total: got %d, want 3", stats.Total)
	}
	if stats.ByStatus[StatusRunning] != 2 || stats.ByStatus[StatusCompleted] != 1 {
		t.Errorf("ByStatus: got %v", stats.ByStatus)
	}
	if stats.OldestCreatedAt == nil || stats.NewestCreatedAt == nil {
		t.Fatal("expected creation-time bounds")
	}
	if !stats.OldestCreatedAt.Before(*stats.NewestCreatedAt) {
		t.Errorf("bounds inverted: oldest %v newest %v", stats.OldestCreatedAt, stats.NewestCreatedAt)
	}
	if stats.DiskBytes <= 0 {
		t.Errorf("DiskBytes: got %d", stats.DiskBytes)
	}
}

// A corrupt or missing index must not lose records: the record files are
// authoritative and the index is rebuilt from them.
func TestFileStoreRebuildFromRecordFiles(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(FileStoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	r := &Record{Description: "survivor", Status: StatusRunning}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the index file; the record file stays intact.
	if err := os.WriteFile(filepath.Join(dir, "index.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}

	reopened, err := NewFileStore(FileStoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	if err := reopened.Initialize(); err != nil {
		t.Fatalf("Initialize reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Get(r.ID)
	if err != nil {
		t.Fatalf("Get after rebuild: %v", err)
	}
	if !ok || got.Description != "survivor" {
		t.Fatalf("record lost after index corruption: %+v", got)
	}
}

// A record written after the last index flush (missing from index.json)
// must still be picked up on restart.
func TestFileStoreRebuildPicksUpUnindexedRecords(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(FileStoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := store.Save(&Record{ID: "task_indexed", Description: "indexed"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a record written without an index flush.
	orphan := []byte(`{"id":"task_orphan","description":"orphan","status":"pending","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`)
	if err := os.WriteFile(filepath.Join(dir, "task_orphan.json"), orphan, 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	reopened, err := NewFileStore(FileStoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	if err := reopened.Initialize(); err != nil {
		t.Fatalf("Initialize reopen: %v", err)
	}
	defer reopened.Close()

	if _, ok, _ := reopened.Get("task_orphan"); !ok {
		t.Fatal("orphan record not recovered")
	}
	all, err := reopened.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 records after rebuild, got %d", len(all))
	}
}

func TestFileStoreNotifyOnSave(t *testing.T) {
	var notified []string
	store, err := NewFileStore(FileStoreConfig{
		Dir:    t.TempDir(),
		Notify: func(r *Record) { notified = append(notified, r.ID) },
	})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer store.Close()

	r := &Record{ID: "task_n", Description: "t"}
	if err := store.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.UpdateStatus(r.ID, StatusPending, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if len(notified) != 2 || notified[0] != "task_n" {
		t.Errorf("notify calls: got %v", notified)
	}
}

func TestFileStoreClosedOps(t *testing.T) {
	store, err := NewFileStore(FileStoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := store.Save(&Record{Description: "t"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save after close: got %v", err)
	}
	if _, _, err := store.Get("task_x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get after close: got %v", err)
	}
}

func TestFileStoreConcurrentClose(t *testing.T) {
	store, err := NewFileStore(FileStoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()
}
