// Package interaction records customer interactions and keeps them in step
// with the embedding index.
//
// Recording is a two-phase write: the raw record is persisted first, then the
// text is embedded and the vector attached. A record without a vector is
// simply not yet retrievable. If the embedding function is down the record
// stays pending and RetryPendingEmbeddings finishes it later.
package interaction

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultPageSize is the ListByCustomer page size.
const DefaultPageSize = 50

// Filter narrows ListByCustomer.
type Filter struct {
	Channel core.Channel
	From    time.Time // Inclusive
	To      time.Time // Exclusive
}

// Service is the interaction store.
type Service struct {
	store    Store
	index    memory.Index
	embedder memory.Embedder
	ids      memory.Identities
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	pageSize int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.log = logging.Component(l, "interactions")
	}
}

// WithClock overrides time.Now for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator overrides interaction id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// WithPageSize sets how many records ListByCustomer reads per page.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewService creates the interaction store. ids resolves merged customers so
// listings include interactions recorded under retired ids.
func NewService(store Store, index memory.Index, embedder memory.Embedder, ids memory.Identities, opts ...Option) *Service {
	s := &Service{
		store:    store,
		index:    index,
		embedder: embedder,
		ids:      ids,
		log:      logging.Component(nil, "interactions"),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the backing store.
func (s *Service) Store() Store {
	return s.store
}

func validate(rec *core.Interaction) error {
	switch {
	case rec.CustomerID == "":
		return fmt.Errorf("%w: missing customer id", core.ErrInvalidInput)
	case !rec.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", core.ErrInvalidInput, rec.Channel)
	case !rec.Direction.Valid():
		return fmt.Errorf("%w: unknown direction %q", core.ErrInvalidInput, rec.Direction)
	case strings.TrimSpace(rec.Text) == "":
		return fmt.Errorf("%w: empty text", core.ErrInvalidInput)
	case rec.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", core.ErrInvalidInput)
	}
	return nil
}

// Record stores rec and attaches its vector. It is idempotent on DedupKey:
// a repeat returns the stored record with created false, finishing its
// embedding if an earlier call could not.
//
// Embedding failures never fail Record; the record is returned without a
// vector.
func (s *Service) Record(ctx context.Context, rec *core.Interaction) (*core.Interaction, bool, error) {
	if err := validate(rec); err != nil {
		return nil, false, err
	}
	rec = rec.Clone()
	rec.ID = s.newID()
	rec.RecordedAt = s.now()
	rec.Embedding, rec.EmbeddingVersion = nil, ""

	stored, created, err := s.store.Put(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("persist interaction: %w", err)
	}
	if !created {
		s.log.Debug("duplicate delivery", "dedup_key", rec.DedupKey, "interaction_id", stored.ID)
	}
	if !stored.Retrievable() {
		s.attach(ctx, stored)
	}
	return stored, created, nil
}

// attach embeds rec and publishes the vector, index first, so a record that
// carries a vector is always findable. Failures leave rec pending.
func (s *Service) attach(ctx context.Context, rec *core.Interaction) bool {
	vec, err := memory.EmbedVector(ctx, s.embedder, rec.Text)
	if err != nil {
		s.log.Warn("embedding unavailable, record left pending", "interaction_id", rec.ID, "error", err)
		return false
	}
	meta := map[string]string{
		memory.MetaCustomerID: rec.CustomerID,
		memory.MetaChannel:    string(rec.Channel),
	}
	if err := s.index.Upsert(ctx, rec.ID, vec, meta); err != nil {
		s.log.Warn("index rejected vector, record left pending", "interaction_id", rec.ID, "error", err)
		return false
	}
	if err := s.store.SetEmbedding(ctx, rec.ID, vec.Values, vec.Version); err != nil {
		s.log.Warn("could not attach vector", "interaction_id", rec.ID, "error", err)
		return false
	}
	rec.Embedding, rec.EmbeddingVersion = vec.Values, vec.Version
	return true
}

// RetryPendingEmbeddings re-embeds up to limit records stored without a
// vector, oldest first, and returns how many became retrievable.
func (s *Service) RetryPendingEmbeddings(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	done := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if s.attach(ctx, rec) {
			done++
		}
	}
	if len(pending) > 0 {
		s.log.Info("retried pending embeddings", "pending", len(pending), "attached", done)
	}
	return done, nil
}

// Get returns one interaction.
func (s *Service) Get(ctx context.Context, id string) (*core.Interaction, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("interaction %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns up to limit interactions of the given customer ids, newest
// first.
func (s *Service) Recent(ctx context.Context, customerIDs []string, limit int) ([]*core.Interaction, error) {
	return s.store.List(ctx, ListOptions{CustomerIDs: customerIDs, Limit: limit})
}

// ListByCustomer lazily yields a customer's interactions newest first,
// including those recorded under ids later merged into it. Pages are read
// on demand, so stopping early reads no further.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, f Filter) iter.Seq2[*core.Interaction, error] {
	return func(yield func(*core.Interaction, error) bool) {
		aliases, err := s.ids.Aliases(ctx, customerID)
		if err != nil {
			yield(nil, err)
			return
		}
		opts := ListOptions{
			CustomerIDs: aliases,
			Channel:     f.Channel,
			From:        f.From,
			To:          f.To,
			Limit:       s.pageSize,
		}
		for {
			page, err := s.store.List(ctx, opts)
			if err != nil {
				yield(nil, fmt.Errorf("list interactions: %w", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < opts.Limit {
				return
			}
			opts.Before = Of(page[len(page)-1])
		}
	}
}
