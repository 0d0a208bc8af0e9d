// Package recordstore provides primitives for flat-file JSON stores.
// Each entity is a single <id>.json snapshot next to one index.json file;
// every write is a full rewrite through a temp file + rename.
package recordstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const indexFile = "index.json"

// RecordStore provides common primitives for flat-file JSON stores.
type RecordStore struct {
	mu         sync.RWMutex
	baseDir    string
	entityName string // for error messages: "task"
}

// New creates a RecordStore rooted at baseDir.
func New(baseDir, entityName string) *RecordStore {
	return &RecordStore{baseDir: baseDir, entityName: entityName}
}

// Lock acquires an exclusive lock.
func (rs *RecordStore) Lock() { rs.mu.Lock() }

// Unlock releases an exclusive lock.
func (rs *RecordStore) Unlock() { rs.mu.Unlock() }

// RLock acquires a shared read lock.
func (rs *RecordStore) RLock() { rs.mu.RLock() }

// RUnlock releases a shared read lock.
func (rs *RecordStore) RUnlock() { rs.mu.RUnlock() }

// BaseDir returns the root directory of the store.
func (rs *RecordStore) BaseDir() string { return rs.baseDir }

// Path returns the record file path for a given entity ID.
func (rs *RecordStore) Path(id string) string {
	return filepath.Join(rs.baseDir, id+".json")
}

// IndexPath returns the path of the index file.
func (rs *RecordStore) IndexPath() string {
	return filepath.Join(rs.baseDir, indexFile)
}

// EnsureBaseDir creates the base directory if it doesn't exist.
func (rs *RecordStore) EnsureBaseDir() error {
	if err := os.MkdirAll(rs.baseDir, 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", rs.entityName, err)
	}
	return nil
}

// WriteRecord atomically writes an entity snapshot using a temp file + rename.
func (rs *RecordStore) WriteRecord(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rs.entityName, err)
	}
	return rs.writeAtomic(rs.Path(id), data)
}

// ReadRecord reads and unmarshals an entity snapshot into out. A missing
// file surfaces as os.ErrNotExist via errors.Is.
func (rs *RecordStore) ReadRecord(id string, out any) error {
	data, err := os.ReadFile(rs.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", rs.entityName, id, os.ErrNotExist)
		}
		return fmt.Errorf("read %s %s: %w", rs.entityName, id, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", rs.entityName, id, err)
	}

	return nil
}

// Remove deletes an entity's record file. Removing an absent record is a no-op.
func (rs *RecordStore) Remove(id string) error {
	if err := os.Remove(rs.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s %s: %w", rs.entityName, id, err)
	}
	return nil
}

// ListIDs returns the IDs of all record files in the base directory,
// skipping the index file and leftover temp files.
func (rs *RecordStore) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(rs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", rs.entityName, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Size returns the on-disk size of an entity's record file, 0 if absent.
func (rs *RecordStore) Size(id string) int64 {
	info, err := os.Stat(rs.Path(id))
	if err != nil {
		return 0
	}
	return info.Size()
}

// WriteIndex atomically rewrites the index file.
func (rs *RecordStore) WriteIndex(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return rs.writeAtomic(rs.IndexPath(), data)
}

// ReadIndex reads and unmarshals the index file into out. A missing index
// surfaces as os.ErrNotExist via errors.Is.
func (rs *RecordStore) ReadIndex(out any) error {
	data, err := os.ReadFile(rs.IndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("index: %w", os.ErrNotExist)
		}
		return fmt.Errorf("read index: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal index: %w", err)
	}

	return nil
}

func (rs *RecordStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	return nil
}
