package ws

import "sync"

// SubscriptionTable maintains the many-to-many relation between task
// identifiers and live connection identifiers. Entries live only as long
// as the process and the connection; the table is bounded by the number of
// currently-watched tasks, never by historical task count.
type SubscriptionTable struct {
	mu     sync.RWMutex
	byTask map[string]map[string]struct{} // taskID -> connection IDs
	byConn map[string]map[string]struct{} // connID -> task IDs
}

// NewSubscriptionTable creates an empty subscription table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		byTask: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the connection to the task's subscriber set. Re-subscribing
// is a no-op, not an error.
func (t *SubscriptionTable) Subscribe(connID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byTask[taskID] == nil {
		t.byTask[taskID] = make(map[string]struct{})
	}
	t.byTask[taskID][connID] = struct{}{}

	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]struct{})
	}
	t.byConn[connID][taskID] = struct{}{}
}

// Unsubscribe removes the connection from the task's subscriber set,
// pruning the task entry when the set becomes empty.
func (t *SubscriptionTable) Unsubscribe(connID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if subs := t.byTask[taskID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(t.byTask, taskID)
		}
	}
	if watched := t.byConn[connID]; watched != nil {
		delete(watched, taskID)
		if len(watched) == 0 {
			delete(t.byConn, connID)
		}
	}
}

// DropConnection removes the connection from every subscriber set it
// belongs to. Safe to call for a connection that never subscribed, and
// safe to call more than once.
func (t *SubscriptionTable) DropConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for taskID := range t.byConn[connID] {
		if subs := t.byTask[taskID]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(t.byTask, taskID)
			}
		}
	}
	delete(t.byConn, connID)
}

// Subscribers returns a snapshot of the task's subscriber set.
func (t *SubscriptionTable) Subscribers(taskID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.byTask[taskID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// WatchedTasks returns the number of tasks with at least one subscriber.
func (t *SubscriptionTable) WatchedTasks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byTask)
}
