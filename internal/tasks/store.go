package tasks

import "time"

// Filter defines criteria for querying task records.
type Filter struct {
	Status        Status     `json:"status,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Offset        int        `json:"offset,omitempty"`
	Limit         int        `json:"limit,omitempty"` // 0 = no limit
}

// Stats aggregates the retained records of a store.
type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	OldestCreatedAt *time.Time     `json:"oldest_created_at,omitempty"`
	NewestCreatedAt *time.Time     `json:"newest_created_at,omitempty"`
	DiskBytes       int64          `json:"disk_bytes"`
}

// Store is the persistence contract for task records. The file-backed
// implementation is the reference; backends are swappable at configuration
// time.
type Store interface {
	// Initialize prepares backing storage and rebuilds the in-memory
	// index. A failure here is fatal to the caller.
	Initialize() error

	// Save is an idempotent upsert keyed by record ID. The index is
	// updated synchronously with the write; readers observe a consistent
	// view as soon as the call returns.
	Save(r *Record) error

	// Get returns the record and true, or nil and false when unknown.
	// Absence is not an error.
	Get(id string) (*Record, bool, error)

	// UpdateStatus applies a state-machine-checked status change, stamps
	// UpdatedAt, stamps CompletedAt on entering a terminal status, and
	// attaches taskErr when non-empty. Fails with ErrNotFound or
	// ErrInvalidTransition.
	UpdateStatus(id string, status Status, taskErr string) (*Record, error)

	// UpdateMessages replaces the message log wholesale.
	UpdateMessages(id string, messages []Message) (*Record, error)

	// UpdateTodos replaces the todo collection wholesale.
	UpdateTodos(id string, todos map[string]Todo) (*Record, error)

	// Query returns matching records ordered by CreatedAt descending.
	// The ordering is part of the contract.
	Query(f Filter) ([]*Record, error)

	// Delete removes a record. Deleting an absent record is a no-op.
	Delete(id string) error

	// Stats aggregates counts, creation-time bounds and storage footprint.
	Stats() (*Stats, error)

	// Cleanup evicts the oldest records beyond the retention bound and
	// returns how many were deleted.
	Cleanup() (int, error)

	// Close stops the retention timer, flushes pending index writes and
	// releases the backing medium — in that order.
	Close() error
}
