package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound reports an unknown or already consumed session id. The
// REST layer maps it to a 404 so client replays are distinguishable
// from server faults.
var ErrNotFound = errors.New("download session not found")

// Payload links a client's format choice to the byte source the fetch
// engine will consume. Never mutated after creation: URL refreshes act
// on a copy built by the engine.
type Payload struct {
	SourceURL string
	DirectURL string
	FormatID  string
	Filename  string
	Platform  string
}

// Registry holds pending download sessions keyed by an opaque id.
type Registry struct {
	table map[string]Payload
	mu    sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		table: make(map[string]Payload),
	}
}

// Create stores the payload under a fresh id and returns it.
func (r *Registry) Create(p Payload) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.table[id] = p
	r.mu.Unlock()

	return id
}

// Put stores the payload under a caller-supplied id (proxy-download
// lets the client pick the id its progress stream is watching).
// Duplicate ids overwrite: concurrent resubmissions collapse onto one
// slot, and a single Consume decides which request runs the transfer.
func (r *Registry) Put(id string, p Payload) {
	r.mu.Lock()
	r.table[id] = p
	r.mu.Unlock()
}

// Consume looks up and removes a session in one guarded step. A session
// is consumable at most once; a second call reports ErrNotFound.
func (r *Registry) Consume(id string) (Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.table[id]
	if !ok {
		return Payload{}, ErrNotFound
	}
	delete(r.table, id)

	return p, nil
}
