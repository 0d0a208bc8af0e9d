package commands

import (
	"fmt"

	"github.com/tmcfarlane/taskhub/internal/config"
	"github.com/tmcfarlane/taskhub/internal/tasks"
)

// newStore builds the configured persistence backend. The store is not yet
// initialized; callers own Initialize and Close.
func newStore(cfg *config.Config, notify func(*tasks.Record)) (tasks.Store, error) {
	switch cfg.Storage.Backend {
	case "file":
		return tasks.NewFileStore(tasks.FileStoreConfig{
			Dir:             cfg.Storage.Dir,
			MaxTaskHistory:  cfg.Storage.MaxTaskHistory,
			CleanupSchedule: cfg.Storage.CleanupSchedule,
			Notify:          notify,
		})
	case "sqlite":
		return tasks.NewSQLiteStore(tasks.SQLiteStoreConfig{
			Path:            cfg.Storage.SQLitePath,
			MaxTaskHistory:  cfg.Storage.MaxTaskHistory,
			CleanupSchedule: cfg.Storage.CleanupSchedule,
			Notify:          notify,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
