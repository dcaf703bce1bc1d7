package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/interaction"
)

// ErasureRequest is the durable record of an erasure in progress. It is
// written before anything is deleted so an interrupted erasure can be
// finished by Sweep.
type ErasureRequest struct {
	CustomerID  string   // Canonical id at request time
	Aliases     []string // Every id erased with it
	RequestedAt time.Time
	CompletedAt time.Time // Zero while pending
	Attempts    int
	LastError   string
}

// Done reports whether the erasure finished.
func (r ErasureRequest) Done() bool {
	return !r.CompletedAt.IsZero()
}

// Checkpoint is the resume position of a retention purge.
type Checkpoint struct {
	After     interaction.Cursor
	UpdatedAt time.Time
}

// Store persists erasure requests and purge checkpoints.
// Implementations: MemoryStore, sqlite.LifecycleStore.
type Store interface {
	// PutErasure inserts or replaces the request for req.CustomerID.
	PutErasure(ctx context.Context, req ErasureRequest) error
	GetErasure(ctx context.Context, customerID string) (*ErasureRequest, error)
	// PendingErasures lists incomplete requests, oldest first.
	PendingErasures(ctx context.Context) ([]ErasureRequest, error)

	Checkpoint(ctx context.Context, name string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, name string, cp Checkpoint) error
	ClearCheckpoint(ctx context.Context, name string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu          sync.Mutex
	erasures    map[string]ErasureRequest
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		erasures:    make(map[string]ErasureRequest),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (s *MemoryStore) PutErasure(_ context.Context, req ErasureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Aliases = append([]string(nil), req.Aliases...)
	s.erasures[req.CustomerID] = req
	return nil
}

func (s *MemoryStore) GetErasure(_ context.Context, customerID string) (*ErasureRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.erasures[customerID]
	if !ok {
		return nil, core.ErrNotFound
	}
	req.Aliases = append([]string(nil), req.Aliases...)
	return &req, nil
}

func (s *MemoryStore) PendingErasures(_ context.Context) ([]ErasureRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ErasureRequest
	for _, req := range s.erasures {
		if !req.Done() {
			req.Aliases = append([]string(nil), req.Aliases...)
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out, nil
}

func (s *MemoryStore) Checkpoint(_ context.Context, name string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[name]
	return cp, ok, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, name string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[name] = cp
	return nil
}

func (s *MemoryStore) ClearCheckpoint(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, name)
	return nil
}

var _ Store = (*MemoryStore)(nil)
