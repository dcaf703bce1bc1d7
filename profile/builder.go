// Package profile learns per-customer preferences from the interaction
// stream.
//
// Extractors turn each interaction into evidence, which is appended to a
// store and never updated. Preferences are a pure aggregation of the
// evidence, computed on read and cached until new evidence arrives.
// Observation runs on a bounded worker queue off the request path.
//
// Profiles never settle low-confidence identity links. A pending link is
// confirmed by a later strong-signal merge or by link review.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
)

// Identities resolves customer ids across merges.
type Identities interface {
	Canonical(ctx context.Context, id string) (string, error)
	Aliases(ctx context.Context, id string) ([]string, error)
}

// Config sizes the builder.
type Config struct {
	Workers   int   `yaml:"workers"`    // Default 2
	QueueSize int   `yaml:"queue_size"` // Default 1024
	CacheSize int64 `yaml:"cache_size"` // Cached profiles, default 10000
}

// cached is a profile computed at a given evidence generation and purge
// epoch over a given number of merged ids.
type cached struct {
	gen     int64
	epoch   int64
	aliases int
	prefs   core.Preferences
}

// Builder is the profile builder.
type Builder struct {
	store      Store
	ids        Identities
	extractors []Extractor
	log        *slog.Logger

	queue    chan *core.Interaction
	workers  sync.WaitGroup
	inFlight atomic.Int64
	closeMu  sync.RWMutex
	closed   bool

	cache *ristretto.Cache
	gens  sync.Map // canonical id -> *atomic.Int64
	epoch atomic.Int64

	dropped atomic.Int64
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		b.log = logging.Component(l, "profile")
	}
}

// WithExtractors replaces the built-in extractors.
func WithExtractors(ex ...Extractor) Option {
	return func(b *Builder) {
		b.extractors = ex
	}
}

// NewBuilder creates a builder and starts its workers. Close stops them.
func NewBuilder(store Store, ids Identities, cfg Config, opts ...Option) (*Builder, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.CacheSize * 10,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}

	b := &Builder{
		store:      store,
		ids:        ids,
		extractors: DefaultExtractors(),
		log:        logging.Component(nil, "profile"),
		queue:      make(chan *core.Interaction, cfg.QueueSize),
		cache:      cache,
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := 0; i < cfg.Workers; i++ {
		b.workers.Add(1)
		go b.work()
	}
	return b, nil
}

func (b *Builder) work() {
	defer b.workers.Done()
	for rec := range b.queue {
		if err := b.ObserveSync(context.Background(), rec); err != nil {
			b.log.Warn("observation failed", "interaction_id", rec.ID, "error", err)
		}
		b.inFlight.Add(-1)
	}
}

// Observe queues rec for profiling and returns immediately. When the queue
// is full the observation is dropped.
func (b *Builder) Observe(rec *core.Interaction) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	b.inFlight.Add(1)
	select {
	case b.queue <- rec.Clone():
	default:
		b.inFlight.Add(-1)
		b.dropped.Add(1)
		b.log.Warn("observation queue full, dropping", "interaction_id", rec.ID, "customer_id", rec.CustomerID)
	}
}

// Dropped returns how many observations were dropped on a full queue.
func (b *Builder) Dropped() int64 {
	return b.dropped.Load()
}

// ObserveSync extracts and stores evidence from rec. Interactions of erased
// customers are ignored.
func (b *Builder) ObserveSync(ctx context.Context, rec *core.Interaction) error {
	var evidence []Evidence
	for _, extract := range b.extractors {
		for _, o := range extract(rec) {
			evidence = append(evidence, Evidence{
				ID:            rec.ID + "/" + o.Key,
				CustomerID:    rec.CustomerID,
				InteractionID: rec.ID,
				Key:           o.Key,
				Value:         o.Value,
				Weight:        o.Weight,
				ObservedAt:    rec.Timestamp,
			})
		}
	}
	if len(evidence) == 0 {
		return nil
	}
	if _, err := b.ids.Canonical(ctx, rec.CustomerID); err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := b.store.Append(ctx, evidence...); err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}
	canon, err := b.ids.Canonical(ctx, rec.CustomerID)
	if core.IsNotFound(err) {
		// Erased while we were appending.
		_, err = b.store.DeleteByCustomer(ctx, []string{rec.CustomerID})
		return err
	}
	if err != nil {
		return err
	}
	b.bump(canon)
	b.log.Debug("observed", "interaction_id", rec.ID, "customer_id", canon, "evidence", len(evidence))
	return nil
}

func (b *Builder) generation(id string) *atomic.Int64 {
	v, _ := b.gens.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (b *Builder) bump(id string) {
	b.generation(id).Add(1)
	b.cache.Del(id)
}

// Preferences returns the customer's learned preferences, including
// evidence recorded under ids since merged into it.
func (b *Builder) Preferences(ctx context.Context, customerID string) (core.Preferences, error) {
	aliases, err := b.ids.Aliases(ctx, customerID)
	if err != nil {
		return nil, err
	}
	canon := aliases[0]
	gen := b.generation(canon).Load()
	epoch := b.epoch.Load()
	if v, ok := b.cache.Get(canon); ok {
		if c := v.(*cached); c.gen == gen && c.epoch == epoch && c.aliases == len(aliases) {
			return copyPrefs(c.prefs), nil
		}
	}

	evidence, err := b.store.List(ctx, aliases)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	prefs := Aggregate(evidence)
	b.cache.Set(canon, &cached{gen: gen, epoch: epoch, aliases: len(aliases), prefs: copyPrefs(prefs)}, 1)
	return prefs, nil
}

// Forget drops cached profiles of the given ids.
func (b *Builder) Forget(ids ...string) {
	for _, id := range ids {
		b.bump(id)
	}
}

// Invalidate drops every cached profile. Retention purges call it since they
// remove evidence of customers they do not enumerate.
func (b *Builder) Invalidate() {
	b.epoch.Add(1)
	b.cache.Clear()
}

// Flush waits until every queued observation has been processed.
func (b *Builder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.inFlight.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains the queue, stops the workers and releases the cache.
func (b *Builder) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.closeMu.Unlock()

	b.workers.Wait()
	b.cache.Close()
	return nil
}

func copyPrefs(p core.Preferences) core.Preferences {
	out := make(core.Preferences, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
