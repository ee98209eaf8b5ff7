package progress

import "sync"

// In-memory thread-safe storage of the latest progress snapshot per
// session. Each key has a single writer (the fetch engine) and a single
// reader (the SSE publisher).
type Store struct {
	table map[string]Snapshot
	mu    sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		table: make(map[string]Snapshot),
	}
}

// Get the latest snapshot for a session id.
func (m *Store) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.table[id]
	return entry, ok
}

// Set publishes a new snapshot. Percent is clamped to [0, 100] and may
// never decrease while the session keeps downloading.
func (m *Store) Set(id string, s Snapshot) {
	if s.Percent < 0 {
		s.Percent = 0
	}
	if s.Percent > 100 {
		s.Percent = 100
	}

	m.mu.Lock()
	if prev, ok := m.table[id]; ok &&
		prev.Status == StatusDownloading && s.Status == StatusDownloading &&
		s.Percent < prev.Percent {
		s.Percent = prev.Percent
	}
	m.table[id] = s
	m.mu.Unlock()
}

// Delete removes a session's progress. Removal is the terminal signal
// for the publisher.
func (m *Store) Delete(id string) {
	m.mu.Lock()
	delete(m.table, id)
	m.mu.Unlock()
}
