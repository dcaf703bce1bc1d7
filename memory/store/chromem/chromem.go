// Package chromem implements memory.Index on chromem-go, a pure Go embedded
// vector database.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
)

// Config configures the store.
type Config struct {
	// Path persists the database to disk. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection is the base collection name (default "interactions").
	// The embedding version is appended so versions never share a collection.
	Collection string

	// Version is the embedding version this index accepts.
	Version string

	// Dimensions rejects vectors of another length when > 0.
	Dimensions int
}

// ChromemStore wraps a chromem-go collection for one embedding version.
type ChromemStore struct {
	db      *chromem.DB
	col     *chromem.Collection
	version string
	dims    int
	log     *slog.Logger

	// chromem's QueryEmbedding rejects nResults larger than the collection,
	// so queries read the count and query under the same read lock.
	mu sync.RWMutex
}

// Option configures a ChromemStore.
type Option func(*ChromemStore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *ChromemStore) {
		s.log = logging.Component(l, "index")
	}
}

// New opens (or creates) the collection for cfg.Version.
func New(cfg Config, opts ...Option) (*ChromemStore, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("%w: embedding version is required", core.ErrInvalidInput)
	}
	if cfg.Collection == "" {
		cfg.Collection = "interactions"
	}

	var db *chromem.DB
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open persistent db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(collectionName(cfg.Collection, cfg.Version), map[string]string{
		memory.MetaEmbeddingVersion: cfg.Version,
	}, nil) // No embedding func: vectors are always supplied
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s := &ChromemStore{
		db:      db,
		col:     col,
		version: cfg.Version,
		dims:    cfg.Dimensions,
		log:     logging.Component(nil, "index"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func collectionName(base, version string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, version)
	return base + "_" + clean
}

// Version returns the embedding version served by the store.
func (s *ChromemStore) Version() string {
	return s.version
}

// Count returns the number of stored vectors.
func (s *ChromemStore) Count() int {
	return s.col.Count()
}

func (s *ChromemStore) check(vec memory.Vector) error {
	if vec.Version != s.version {
		return fmt.Errorf("%w: index serves %q, got %q", core.ErrVersionMismatch, s.version, vec.Version)
	}
	if len(vec.Values) == 0 {
		return fmt.Errorf("%w: empty vector", core.ErrInvalidInput)
	}
	if s.dims > 0 && len(vec.Values) != s.dims {
		return fmt.Errorf("%w: vector has %d dimensions, index expects %d", core.ErrInvalidInput, len(vec.Values), s.dims)
	}
	return nil
}

// Upsert saves a vector with its metadata, replacing any previous document
// with the same id.
func (s *ChromemStore) Upsert(ctx context.Context, id string, vec memory.Vector, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", core.ErrInvalidInput)
	}
	if err := s.check(vec); err != nil {
		return err
	}
	values := memory.Normalize(vec.Values)
	if memory.CosineSimilarity(values, values) == 0 {
		return fmt.Errorf("%w: zero vector", core.ErrInvalidInput)
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[memory.MetaEmbeddingVersion] = s.version

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: values,
		Metadata:  meta,
	})
	if err != nil {
		return core.Transient(fmt.Errorf("add document: %w", err))
	}
	s.log.Debug("stored vector", "id", id, "customer_id", meta[memory.MetaCustomerID])
	return nil
}

// Query retrieves the k nearest vectors matching filter.
func (s *ChromemStore) Query(ctx context.Context, vec memory.Vector, k int, filter memory.Filter) ([]memory.Hit, error) {
	if err := s.check(vec); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	wheres := expand(filter)
	if len(wheres) == 0 {
		// A key with no allowed values matches nothing.
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	n := k
	if n > count {
		n = count
	}

	seen := make(map[string]bool)
	var hits []memory.Hit
	for _, where := range wheres {
		results, err := s.col.QueryEmbedding(ctx, vec.Values, n, where, nil)
		if err != nil {
			if isInsufficientDocsError(err) {
				continue
			}
			// Unavailable index degrades to no semantic signal.
			s.log.Warn("query failed", "error", err)
			return nil, nil
		}
		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			hits = append(hits, memory.Hit{
				ID:       r.ID,
				Distance: 1 - float64(r.Similarity),
				Metadata: r.Metadata,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes vectors by id.
func (s *ChromemStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return core.Transient(fmt.Errorf("delete documents: %w", err))
	}
	return nil
}

// DeleteWhere removes every vector matching filter.
func (s *ChromemStore) DeleteWhere(ctx context.Context, filter memory.Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("%w: refusing to delete without a filter", core.ErrInvalidInput)
	}
	wheres := expand(filter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, where := range wheres {
		if err := s.col.Delete(ctx, where, nil); err != nil {
			return core.Transient(fmt.Errorf("delete where %v: %w", where, err))
		}
	}
	return nil
}

// Close releases resources. Persistent databases write on every change, so
// there is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

// expand turns an any-of filter into the list of exact-match where clauses
// chromem understands (the cartesian product of the allowed values).
func expand(filter memory.Filter) []map[string]string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	wheres := []map[string]string{nil}
	for _, k := range keys {
		values := dedupe(filter[k])
		if len(values) == 0 {
			return nil
		}
		next := make([]map[string]string, 0, len(wheres)*len(values))
		for _, w := range wheres {
			for _, v := range values {
				clause := make(map[string]string, len(w)+1)
				for wk, wv := range w {
					clause[wk] = wv
				}
				clause[k] = v
				next = append(next, clause)
			}
		}
		wheres = next
	}
	return wheres
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

var _ memory.Index = (*ChromemStore)(nil)
