package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// MemoryStore is a process-local Store.
//
// Concurrency: the signal index is a sync.Map so claims on different signals
// never contend; customers, merges and links share one RWMutex held only for
// single-record reads and writes.
type MemoryStore struct {
	signals sync.Map // signal key -> customer id

	mu         sync.RWMutex
	names      map[string]map[string]bool // name -> customer ids
	customers  map[string]*core.Customer
	redirects  map[string]string   // loser -> winner
	absorbed   map[string][]string // winner -> losers
	merges     []core.IdentityMerge
	tombstones map[string]core.Tombstone
	links      map[string]*LinkCandidate
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		names:      make(map[string]map[string]bool),
		customers:  make(map[string]*core.Customer),
		redirects:  make(map[string]string),
		absorbed:   make(map[string][]string),
		tombstones: make(map[string]core.Tombstone),
		links:      make(map[string]*LinkCandidate),
	}
}

func (s *MemoryStore) ClaimSignal(_ context.Context, sig core.Signal, customerID string) (string, error) {
	actual, _ := s.signals.LoadOrStore(sig.Key(), customerID)
	return actual.(string), nil
}

func (s *MemoryStore) LookupSignal(_ context.Context, sig core.Signal) (string, error) {
	v, ok := s.signals.Load(sig.Key())
	if !ok {
		return "", core.ErrNotFound
	}
	return v.(string), nil
}

func (s *MemoryStore) ReassignSignal(_ context.Context, sig core.Signal, from, to string) (bool, error) {
	return s.signals.CompareAndSwap(sig.Key(), from, to), nil
}

func (s *MemoryStore) ReleaseSignal(_ context.Context, sig core.Signal, owner string) error {
	s.signals.CompareAndDelete(sig.Key(), owner)
	return nil
}

func (s *MemoryStore) SignalsOfType(_ context.Context, t core.SignalType) ([]SignalOwner, error) {
	prefix := string(t) + ":"
	var out []SignalOwner
	s.signals.Range(func(k, v any) bool {
		key := k.(string)
		if strings.HasPrefix(key, prefix) {
			out = append(out, SignalOwner{
				Signal:     core.Signal{Type: t, Value: strings.TrimPrefix(key, prefix)},
				CustomerID: v.(string),
			})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Signal.Value < out[j].Signal.Value })
	return out, nil
}

func (s *MemoryStore) AddName(_ context.Context, name, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners, ok := s.names[name]
	if !ok {
		owners = make(map[string]bool)
		s.names[name] = owners
	}
	owners[customerID] = true
	return nil
}

func (s *MemoryStore) Names(_ context.Context) ([]SignalOwner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SignalOwner
	for name, owners := range s.names {
		for id := range owners {
			out = append(out, SignalOwner{
				Signal:     core.Signal{Type: core.SignalName, Value: name},
				CustomerID: id,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Signal.Value != out[j].Signal.Value {
			return out[i].Signal.Value < out[j].Signal.Value
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out, nil
}

func (s *MemoryStore) RemoveNames(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, owners := range s.names {
		delete(owners, customerID)
		if len(owners) == 0 {
			delete(s.names, name)
		}
	}
	return nil
}

func (s *MemoryStore) CreateCustomer(_ context.Context, c *core.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (*core.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateCustomer(_ context.Context, id string, fn func(*core.Customer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return core.ErrNotFound
	}
	cp := c.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	s.customers[id] = cp
	return nil
}

func (s *MemoryStore) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.customers, id)
	return nil
}

func (s *MemoryStore) RecordMerge(_ context.Context, m core.IdentityMerge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.redirects[m.Loser]; ok {
		if w == m.Winner {
			return nil
		}
		return ErrMergeConflict
	}
	s.redirects[m.Loser] = m.Winner
	s.absorbed[m.Winner] = append(s.absorbed[m.Winner], m.Loser)
	s.merges = append(s.merges, m)
	if c, ok := s.customers[m.Loser]; ok {
		c.MergedInto = m.Winner
		c.UpdatedAt = m.MergedAt
	}
	return nil
}

func (s *MemoryStore) Redirect(_ context.Context, id string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.redirects[id]
	return w, ok, nil
}

func (s *MemoryStore) Absorbed(_ context.Context, winner string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.absorbed[winner]...), nil
}

func (s *MemoryStore) Merges(_ context.Context, id string) ([]core.IdentityMerge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.IdentityMerge
	for _, m := range s.merges {
		if m.Loser == id || m.Winner == id {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutTombstone(_ context.Context, t core.Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[t.CustomerID] = t
	return nil
}

func (s *MemoryStore) Tombstoned(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstones[id]
	return ok, nil
}

func (s *MemoryStore) PutLink(_ context.Context, l LinkCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[l.ID] = &l
	return nil
}

func (s *MemoryStore) GetLink(_ context.Context, id string) (*LinkCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) Links(_ context.Context, id string) ([]LinkCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LinkCandidate
	for _, l := range s.links {
		if l.CustomerID == id || l.CandidateID == id {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateLink(_ context.Context, id string, status LinkStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return core.ErrNotFound
	}
	l.Status = status
	l.DecidedAt = at
	return nil
}

func (s *MemoryStore) DeleteLinks(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.links {
		if l.CustomerID == customerID || l.CandidateID == customerID {
			delete(s.links, id)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
