package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tmcfarlane/taskhub/internal/storage/recordstore"
)

// indexEntry is the per-record summary kept in index.json. The record
// files are the source of truth; the index is a derived, rebuildable cache.
type indexEntry struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FileStoreConfig holds construction parameters for a FileStore.
type FileStoreConfig struct {
	Dir             string
	MaxTaskHistory  int            // retention bound; 0 = unlimited
	CleanupSchedule string         // cron expression; "" disables the timer
	Notify          func(*Record)  // record-saved notification, may be nil
}

// FileStore persists one <id>.json snapshot per task plus an index.json
// listing all retained records. Both files are rewritten in full on every
// mutating operation.
type FileStore struct {
	rs      *recordstore.RecordStore
	cfg     FileStoreConfig
	sched   cron.Schedule
	index   map[string]*Record // guarded by rs lock
	closed  bool               // guarded by rs lock
	started bool               // cleanup loop running, guarded by rs lock
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at cfg.Dir. Call Initialize
// before use.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	fs := &FileStore{
		rs:    recordstore.New(cfg.Dir, "task"),
		cfg:   cfg,
		index: make(map[string]*Record),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	if cfg.CleanupSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(cfg.CleanupSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		fs.sched = sched
	}

	return fs, nil
}

// Initialize prepares the base directory and rebuilds the in-memory index.
// The individual record files are authoritative: a corrupt or missing
// index.json is treated as empty and the directory scan reconstructs the
// full pre-crash view, including records written after the last index
// flush. Corrupt record files are skipped with a warning.
func (fs *FileStore) Initialize() error {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}

	if err := fs.rs.EnsureBaseDir(); err != nil {
		return err
	}

	var stale []indexEntry
	if err := fs.rs.ReadIndex(&stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("task index unreadable, rebuilding from record files", "error", err)
	}

	ids, err := fs.rs.ListIDs()
	if err != nil {
		return fmt.Errorf("scan task records: %w", err)
	}

	fs.index = make(map[string]*Record, len(ids))
	for _, id := range ids {
		var r Record
		if err := fs.rs.ReadRecord(id, &r); err != nil {
			slog.Warn("skipping corrupt task record", "id", id, "error", err)
			continue
		}
		fs.index[r.ID] = &r
	}

	if err := fs.writeIndexLocked(); err != nil {
		return err
	}

	if fs.sched != nil && fs.cfg.MaxTaskHistory > 0 && !fs.started {
		fs.started = true
		go fs.cleanupLoop()
	}

	slog.Info("task store initialized", "dir", fs.cfg.Dir, "records", len(fs.index))
	return nil
}

// cleanupLoop runs Cleanup on the configured cron cadence until Close.
// A failed pass is logged and simply retried on the next activation.
func (fs *FileStore) cleanupLoop() {
	defer close(fs.done)
	for {
		next := fs.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			if n, err := fs.Cleanup(); err != nil {
				slog.Warn("task retention cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("task retention cleanup", "deleted", n)
			}
		case <-fs.stop:
			timer.Stop()
			return
		}
	}
}

// Save upserts a record keyed by its ID. Missing identifiers and creation
// timestamps are assigned here; UpdatedAt is restamped on every save. The
// terminal-status/CompletedAt invariant is normalized before the write.
func (fs *FileStore) Save(r *Record) error {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}

	if r.ID == "" {
		r.ID = GenerateTaskID()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = StatusCreated
	}
	r.UpdatedAt = now

	if r.Status.IsTerminal() {
		if r.CompletedAt == nil {
			r.CompletedAt = &now
		}
	} else {
		r.CompletedAt = nil
	}

	return fs.persistLocked(r)
}

// persistLocked writes the record file, updates the in-memory index, then
// rewrites index.json. A failed index write fails the call; the record
// write is idempotent so the caller may retry safely.
func (fs *FileStore) persistLocked(r *Record) error {
	if err := fs.rs.WriteRecord(r.ID, r); err != nil {
		return err
	}

	fs.index[r.ID] = r.Clone()

	if err := fs.rs.WriteIndex(fs.indexEntriesLocked()); err != nil {
		return err
	}

	if fs.cfg.Notify != nil {
		fs.cfg.Notify(r.Clone())
	}
	return nil
}

// Get returns the record by ID. An index miss falls back to a disk read
// and lazily repopulates the index.
func (fs *FileStore) Get(id string) (*Record, bool, error) {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return nil, false, ErrStoreClosed
	}

	if r, ok := fs.index[id]; ok {
		return r.Clone(), true, nil
	}

	var r Record
	if err := fs.rs.ReadRecord(id, &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	fs.index[r.ID] = &r
	return r.Clone(), true, nil
}

// UpdateStatus applies a checked status transition and persists the result.
func (fs *FileStore) UpdateStatus(id string, status Status, taskErr string) (*Record, error) {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	r, ok := fs.index[id]
	if !ok {
		return nil, notFound(id)
	}
	if !ValidTransition(r.Status, status) {
		return nil, invalidTransition(r.Status, status)
	}

	updated := r.Clone()
	now := time.Now()
	updated.Status = status
	updated.UpdatedAt = now
	if status.IsTerminal() {
		updated.CompletedAt = &now
	}
	if taskErr != "" {
		updated.Error = taskErr
	}

	if err := fs.persistLocked(updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// UpdateMessages replaces the record's message log.
func (fs *FileStore) UpdateMessages(id string, messages []Message) (*Record, error) {
	return fs.updateCollection(id, func(r *Record) {
		r.Messages = messages
	})
}

// UpdateTodos replaces the record's todo collection.
func (fs *FileStore) UpdateTodos(id string, todos map[string]Todo) (*Record, error) {
	return fs.updateCollection(id, func(r *Record) {
		r.Todos = todos
	})
}

func (fs *FileStore) updateCollection(id string, apply func(*Record)) (*Record, error) {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	r, ok := fs.index[id]
	if !ok {
		return nil, notFound(id)
	}

	updated := r.Clone()
	apply(updated)
	updated.UpdatedAt = time.Now()

	if err := fs.persistLocked(updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Query returns matching records, most recently created first.
func (fs *FileStore) Query(f Filter) ([]*Record, error) {
	fs.rs.RLock()
	defer fs.rs.RUnlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	var result []*Record
	for _, r := range fs.index {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CreatedAfter != nil && !r.CreatedAt.After(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}

	return result, nil
}

// Delete removes a record from both the index and the backing medium.
func (fs *FileStore) Delete(id string) error {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}

	if _, ok := fs.index[id]; !ok {
		// Still remove any orphan file so delete stays idempotent.
		return fs.rs.Remove(id)
	}

	if err := fs.rs.Remove(id); err != nil {
		return err
	}
	delete(fs.index, id)
	return fs.writeIndexLocked()
}

// Stats aggregates the retained records.
func (fs *FileStore) Stats() (*Stats, error) {
	fs.rs.RLock()
	defer fs.rs.RUnlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		Total:    len(fs.index),
		ByStatus: make(map[Status]int),
	}
	for _, r := range fs.index {
		stats.ByStatus[r.Status]++
		if stats.OldestCreatedAt == nil || r.CreatedAt.Before(*stats.OldestCreatedAt) {
			t := r.CreatedAt
			stats.OldestCreatedAt = &t
		}
		if stats.NewestCreatedAt == nil || r.CreatedAt.After(*stats.NewestCreatedAt) {
			t := r.CreatedAt
			stats.NewestCreatedAt = &t
		}
		stats.DiskBytes += fs.rs.Size(r.ID)
	}

	return stats, nil
}

// Cleanup deletes the oldest records beyond the retention bound. The
// MaxTaskHistory most recently created records survive.
func (fs *FileStore) Cleanup() (int, error) {
	fs.rs.Lock()
	defer fs.rs.Unlock()

	if fs.closed {
		return 0, ErrStoreClosed
	}

	max := fs.cfg.MaxTaskHistory
	if max <= 0 || len(fs.index) <= max {
		return 0, nil
	}

	records := make([]*Record, 0, len(fs.index))
	for _, r := range fs.index {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	excess := len(records) - max
	deleted := 0
	for _, r := range records[:excess] {
		if err := fs.rs.Remove(r.ID); err != nil {
			slog.Warn("evict task record", "id", r.ID, "error", err)
			continue
		}
		delete(fs.index, r.ID)
		deleted++
	}

	if err := fs.writeIndexLocked(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Close stops the retention timer, flushes the index, and marks the store
// closed, in that order. Only the first call tears down; later calls
// return nil.
func (fs *FileStore) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		fs.rs.Lock()
		started := fs.started
		fs.rs.Unlock()

		close(fs.stop)
		if started {
			<-fs.done
		}

		fs.rs.Lock()
		defer fs.rs.Unlock()
		err = fs.writeIndexLocked()
		fs.closed = true
	})
	return err
}

func (fs *FileStore) indexEntriesLocked() []indexEntry {
	entries := make([]indexEntry, 0, len(fs.index))
	for _, r := range fs.index {
		entries = append(entries, indexEntry{
			ID:          r.ID,
			Status:      r.Status,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries
}

func (fs *FileStore) writeIndexLocked() error {
	return fs.rs.WriteIndex(fs.indexEntriesLocked())
}
