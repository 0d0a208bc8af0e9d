package tasks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig holds construction parameters for a SQLiteStore.
type SQLiteStoreConfig struct {
	Path            string        // database file path, or ":memory:"
	MaxTaskHistory  int           // retention bound; 0 = unlimited
	CleanupSchedule string        // cron expression; "" disables the timer
	Notify          func(*Record) // record-saved notification, may be nil
}

// SQLiteStore is an alternative Store backend on a single tasks table.
// Message and todo collections are stored as JSON columns.
type SQLiteStore struct {
	db        *sql.DB
	cfg       SQLiteStoreConfig
	sched     cron.Schedule
	started   bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// mu serializes writes: the read-modify-write in the Update methods must
	// not interleave with Delete or Cleanup, or the upsert in Save would
	// resurrect a record deleted in between.
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at cfg.Path. Call Initialize before use.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// The driver is not safe for concurrent writers on one connection pool
	// beyond SQLite's own locking; a single connection keeps writes serial.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.CleanupSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(cfg.CleanupSchedule)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		s.sched = sched
	}

	return s, nil
}

// Initialize creates the schema and starts the retention timer.
func (s *SQLiteStore) Initialize() error {
	stmt := `CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		description  TEXT NOT NULL,
		status       TEXT NOT NULL,
		messages     TEXT NOT NULL DEFAULT '[]',
		todos        TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		completed_at INTEGER,
		error        TEXT NOT NULL DEFAULT '',
		result       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("ensure tasks schema: %w", err)
	}

	if s.sched != nil && s.cfg.MaxTaskHistory > 0 && !s.started {
		s.started = true
		go s.cleanupLoop()
	}

	slog.Info("task store initialized", "backend", "sqlite", "path", s.cfg.Path)
	return nil
}

func (s *SQLiteStore) cleanupLoop() {
	defer close(s.done)
	for {
		next := s.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			if n, err := s.Cleanup(); err != nil {
				slog.Warn("task retention cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("task retention cleanup", "deleted", n)
			}
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// Save upserts a record keyed by its ID.
func (s *SQLiteStore) Save(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *SQLiteStore) saveLocked(r *Record) error {
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

	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	todos, err := json.Marshal(r.Todos)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}

	var completedAt sql.NullInt64
	if r.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: r.CompletedAt.UnixNano(), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks(id, description, status, messages, todos, created_at, updated_at, completed_at, error, result)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			status = excluded.status,
			messages = excluded.messages,
			todos = excluded.todos,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			result = excluded.result;`,
		r.ID, r.Description, string(r.Status), string(messages), string(todos),
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), completedAt, r.Error, r.Result)
	if err != nil {
		return fmt.Errorf("save task %s: %w", r.ID, err)
	}

	if s.cfg.Notify != nil {
		s.cfg.Notify(r.Clone())
	}
	return nil
}

// Get returns the record by ID; absence is not an error.
func (s *SQLiteStore) Get(id string) (*Record, bool, error) {
	row := s.db.QueryRow(`SELECT id, description, status, messages, todos, created_at, updated_at, completed_at, error, result FROM tasks WHERE id = ?;`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get task %s: %w", id, err)
	}
	return r, true, nil
}

// UpdateStatus applies a checked status transition; the read and write are
// serialized with Delete and Cleanup under the store's write lock.
func (s *SQLiteStore) UpdateStatus(id string, status Status, taskErr string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}
	if !ValidTransition(r.Status, status) {
		return nil, invalidTransition(r.Status, status)
	}

	now := time.Now()
	r.Status = status
	r.UpdatedAt = now
	if status.IsTerminal() {
		r.CompletedAt = &now
	}
	if taskErr != "" {
		r.Error = taskErr
	}

	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// UpdateMessages replaces the record's message log.
func (s *SQLiteStore) UpdateMessages(id string, messages []Message) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}
	r.Messages = messages
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// UpdateTodos replaces the record's todo collection.
func (s *SQLiteStore) UpdateTodos(id string, todos map[string]Todo) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}
	r.Todos = todos
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Query returns matching records, most recently created first.
func (s *SQLiteStore) Query(f Filter) ([]*Record, error) {
	query := `SELECT id, description, status, messages, todos, created_at, updated_at, completed_at, error, result FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.CreatedAfter != nil {
		query += ` AND created_at > ?`
		args = append(args, f.CreatedAfter.UnixNano())
	}
	if f.CreatedBefore != nil {
		query += ` AND created_at < ?`
		args = append(args, f.CreatedBefore.UnixNano())
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		query += ` LIMIT -1`
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Delete removes a record; deleting an absent record is a no-op.
func (s *SQLiteStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Stats aggregates the retained records.
func (s *SQLiteStore) Stats() (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int)}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByStatus[Status(st)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(created_at), MAX(created_at) FROM tasks;`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("stats bounds: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64)
		stats.OldestCreatedAt = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64)
		stats.NewestCreatedAt = &t
	}

	if s.cfg.Path != ":memory:" {
		if info, err := os.Stat(s.cfg.Path); err == nil {
			stats.DiskBytes = info.Size()
		}
	}

	return stats, nil
}

// Cleanup evicts the oldest records beyond the retention bound.
func (s *SQLiteStore) Cleanup() (int, error) {
	max := s.cfg.MaxTaskHistory
	if max <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM tasks WHERE id IN (
			SELECT id FROM tasks ORDER BY created_at ASC
			LIMIT CASE WHEN (SELECT COUNT(*) FROM tasks) > ? THEN (SELECT COUNT(*) FROM tasks) - ? ELSE 0 END
		);`, max, max)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close stops the retention timer and releases the database. Only the first
// call tears down; later calls return nil.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.started {
			<-s.done
		}
		err = s.db.Close()
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var status, messages, todos string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&r.ID, &r.Description, &status, &messages, &todos,
		&createdAt, &updatedAt, &completedAt, &r.Error, &r.Result); err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		r.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(messages), &r.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(todos), &r.Todos); err != nil {
		return nil, fmt.Errorf("unmarshal todos: %w", err)
	}

	return &r, nil
}
