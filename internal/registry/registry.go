// Package registry implements the client registry (C6, spec.md §4.6):
// one row per clientId tracking identity attributes and the last
// acknowledged LSN used to resume catch-up after a reconnect.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vibestack/syncd/internal/lsn"
)

// Client is one client registry record.
type Client struct {
	ClientID    string
	ProfileID   string
	SubjectID   string
	LastAckLSN  lsn.LSN
	UpdatedAt   time.Time
}

// Registry is the C6 contract.
type Registry interface {
	// Get returns the record for clientID, or ok=false if unknown.
	Get(ctx context.Context, clientID string) (Client, bool, error)
	// Upsert creates or updates identity attributes for clientID,
	// leaving LastAckLSN untouched if the record already exists.
	Upsert(ctx context.Context, clientID, profileID, subjectID string) (Client, error)
	// UpdateLastAckLSN advances the stored ack LSN to at, silently
	// ignoring the call when at is not strictly greater than the
	// currently stored value (spec.md §4.6: "silently ignore lower").
	UpdateLastAckLSN(ctx context.Context, clientID string, at lsn.LSN) error
	// List returns all registered clients, order unspecified.
	List(ctx context.Context) ([]Client, error)
}

// MemRegistry is an in-process Registry used by tests and the
// in-memory engine harness. Safe for concurrent use.
type MemRegistry struct {
	mu      sync.Mutex
	clients map[string]Client
}

// NewMemRegistry returns an empty in-memory registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{clients: map[string]Client{}}
}

func (r *MemRegistry) Get(_ context.Context, clientID string) (Client, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	return c, ok, nil
}

func (r *MemRegistry) Upsert(_ context.Context, clientID, profileID, subjectID string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		c = Client{ClientID: clientID, LastAckLSN: lsn.Zero}
	}
	c.ProfileID = profileID
	c.SubjectID = subjectID
	c.UpdatedAt = time.Now()
	r.clients[clientID] = c
	return c, nil
}

func (r *MemRegistry) UpdateLastAckLSN(_ context.Context, clientID string, at lsn.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		c = Client{ClientID: clientID, LastAckLSN: lsn.Zero}
	}
	if lsn.Less(c.LastAckLSN, at) {
		c.LastAckLSN = at
		c.UpdatedAt = time.Now()
	}
	r.clients[clientID] = c
	return nil
}

func (r *MemRegistry) List(_ context.Context) ([]Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out, nil
}
