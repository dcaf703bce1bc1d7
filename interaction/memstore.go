package interaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*core.Interaction
	dedup map[string]string // dedup key -> id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*core.Interaction),
		dedup: make(map[string]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, rec *core.Interaction) (*core.Interaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.DedupKey != "" {
		if id, ok := s.dedup[rec.DedupKey]; ok {
			return s.byID[id].Clone(), false, nil
		}
		s.dedup[rec.DedupKey] = rec.ID
	}
	s.byID[rec.ID] = rec.Clone()
	return rec.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*core.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) SetEmbedding(_ context.Context, id string, vec []float32, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return core.ErrNotFound
	}
	rec.Embedding = append([]float32(nil), vec...)
	rec.EmbeddingVersion = version
	return nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*core.Interaction, error) {
	owners := make(map[string]bool, len(opts.CustomerIDs))
	for _, id := range opts.CustomerIDs {
		owners[id] = true
	}

	s.mu.RLock()
	var out []*core.Interaction
	for _, rec := range s.byID {
		switch {
		case !owners[rec.CustomerID]:
		case opts.Channel != "" && rec.Channel != opts.Channel:
		case !opts.From.IsZero() && rec.Timestamp.Before(opts.From):
		case !opts.To.IsZero() && !rec.Timestamp.Before(opts.To):
		case !opts.Before.IsZero() && !opts.Before.Earlier(rec):
		default:
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]*core.Interaction, error) {
	s.mu.RLock()
	var out []*core.Interaction
	for _, rec := range s.byID {
		if !rec.Retrievable() {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OlderThan(_ context.Context, cutoff time.Time, after Cursor, limit int) ([]*core.Interaction, error) {
	s.mu.RLock()
	var out []*core.Interaction
	for _, rec := range s.byID {
		if rec.Timestamp.Before(cutoff) && (after.IsZero() || after.Later(rec)) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.remove(id)
	}
	return nil
}

func (s *MemoryStore) DeleteByCustomer(_ context.Context, customerIDs []string) (int, error) {
	owners := make(map[string]bool, len(customerIDs))
	for _, id := range customerIDs {
		owners[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.byID {
		if owners[rec.CustomerID] {
			s.remove(id)
			n++
		}
	}
	return n, nil
}

// remove must be called with mu held.
func (s *MemoryStore) remove(id string) {
	rec, ok := s.byID[id]
	if !ok {
		return
	}
	if rec.DedupKey != "" && s.dedup[rec.DedupKey] == id {
		delete(s.dedup, rec.DedupKey)
	}
	delete(s.byID, id)
}

func sortNewestFirst(recs []*core.Interaction) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
		return recs[i].ID > recs[j].ID
	})
}

func sortOldestFirst(recs []*core.Interaction) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].ID < recs[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
