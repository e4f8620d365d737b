package journal

import "sync"

// Window is the in-memory duplicate filter consulted before the database.
// It remembers the last capacity job ids in arrival order and evicts the
// oldest once full, matching the bounded window the bus contract assumes.
type Window struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Window{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Observe records jobID and reports whether it was already in the window.
func (w *Window) Observe(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[jobID]; dup {
		return true
	}
	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, jobID)
	w.seen[jobID] = struct{}{}
	return false
}

// Len reports how many ids the window currently holds.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}
