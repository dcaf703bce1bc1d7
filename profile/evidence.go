package profile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Evidence is one observation supporting a preference value. Evidence is
// append-only; preferences are recomputed from it on read.
type Evidence struct {
	ID            string // Deterministic per (interaction, key) so replays are no-ops
	CustomerID    string // Customer id the interaction was recorded under
	InteractionID string
	Key           string
	Value         string
	Weight        float64
	ObservedAt    time.Time
}

// Store persists evidence.
// Implementations: MemoryStore, sqlite.EvidenceStore.
type Store interface {
	// Append stores evidence, ignoring ids already present.
	Append(ctx context.Context, ev ...Evidence) error

	// List returns all evidence recorded under the given customer ids.
	List(ctx context.Context, customerIDs []string) ([]Evidence, error)

	// DeleteByCustomer removes the customers' evidence and returns the count.
	DeleteByCustomer(ctx context.Context, customerIDs []string) (int, error)

	// DeleteOlderThan removes up to limit pieces of evidence observed before
	// cutoff, oldest first, and returns the count.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byCustomer map[string][]Evidence
	seen       map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCustomer: make(map[string][]Evidence),
		seen:       make(map[string]bool),
	}
}

func (s *MemoryStore) Append(_ context.Context, ev ...Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range ev {
		if s.seen[e.ID] {
			continue
		}
		s.seen[e.ID] = true
		s.byCustomer[e.CustomerID] = append(s.byCustomer[e.CustomerID], e)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, customerIDs []string) ([]Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Evidence
	for _, id := range customerIDs {
		out = append(out, s.byCustomer[id]...)
	}
	return out, nil
}

func (s *MemoryStore) DeleteByCustomer(_ context.Context, customerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range customerIDs {
		for _, e := range s.byCustomer[id] {
			delete(s.seen, e.ID)
		}
		n += len(s.byCustomer[id])
		delete(s.byCustomer, id)
	}
	return n, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old []Evidence
	for _, list := range s.byCustomer {
		for _, e := range list {
			if e.ObservedAt.Before(cutoff) {
				old = append(old, e)
			}
		}
	}
	sort.Slice(old, func(i, j int) bool {
		if !old[i].ObservedAt.Equal(old[j].ObservedAt) {
			return old[i].ObservedAt.Before(old[j].ObservedAt)
		}
		return old[i].ID < old[j].ID
	})
	if limit > 0 && len(old) > limit {
		old = old[:limit]
	}

	drop := make(map[string]bool, len(old))
	for _, e := range old {
		drop[e.ID] = true
		delete(s.seen, e.ID)
	}
	for id, list := range s.byCustomer {
		kept := list[:0]
		for _, e := range list {
			if !drop[e.ID] {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.byCustomer, id)
		} else {
			s.byCustomer[id] = kept
		}
	}
	return len(old), nil
}

var _ Store = (*MemoryStore)(nil)
