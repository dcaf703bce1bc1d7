// Package engine is the entry point collaborators call: ingestion pipelines
// record interactions, response generators retrieve ranked context and
// learned preferences, admin tooling erases and purges.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/identity"
	"github.com/becomeliminal/nim-recall/interaction"
	"github.com/becomeliminal/nim-recall/lifecycle"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/profile"
)

// Stores are the persistence backends the engine runs on.
type Stores struct {
	Identities   identity.Store
	Interactions interaction.Store
	Evidence     profile.Store
	Lifecycle    lifecycle.Store
	Index        memory.Index
	Embedder     memory.Embedder
}

// MemoryStores returns process-local stores around index and embedder.
func MemoryStores(index memory.Index, embedder memory.Embedder) Stores {
	return Stores{
		Identities:   identity.NewMemoryStore(),
		Interactions: interaction.NewMemoryStore(),
		Evidence:     profile.NewMemoryStore(),
		Lifecycle:    lifecycle.NewMemoryStore(),
		Index:        index,
		Embedder:     embedder,
	}
}

// Config tunes every component.
type Config struct {
	Identity  identity.Config
	Ranking   memory.RankingConfig
	Profile   profile.Config
	Lifecycle lifecycle.Config
	Retry     core.RetryPolicy
	PageSize  int
}

// DefaultConfig returns the default policy for every component.
func DefaultConfig() Config {
	return Config{
		Identity:  identity.DefaultConfig,
		Ranking:   memory.DefaultRankingConfig(),
		Retry:     core.DefaultRetryPolicy,
		PageSize:  interaction.DefaultPageSize,
		Lifecycle: lifecycle.Config{BatchSize: 500},
	}
}

// Engine wires the identity resolver, interaction store, retriever, profile
// builder and lifecycle manager together.
type Engine struct {
	resolver     *identity.Resolver
	interactions *interaction.Service
	retriever    *memory.Retriever
	profiles     *profile.Builder
	lifecycle    *lifecycle.Manager
	retry        core.RetryPolicy
	log          *slog.Logger
	now          func() time.Time
	newID        func() string
	extractors   []profile.Extractor
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithClock overrides time.Now everywhere.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides id generation for customers and interactions.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// WithExtractors replaces the profile evidence extractors.
func WithExtractors(ex ...profile.Extractor) Option {
	return func(e *Engine) {
		e.extractors = ex
	}
}

// New creates an engine. Close stops its background profile workers.
func New(stores Stores, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		retry: cfg.Retry,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.Attempts == 0 {
		e.retry = core.DefaultRetryPolicy
	}

	idOpts := []identity.Option{identity.WithLogger(e.log), identity.WithClock(e.now)}
	recOpts := []interaction.Option{
		interaction.WithLogger(e.log),
		interaction.WithClock(e.now),
		interaction.WithPageSize(cfg.PageSize),
	}
	if e.newID != nil {
		idOpts = append(idOpts, identity.WithIDGenerator(e.newID))
		recOpts = append(recOpts, interaction.WithIDGenerator(e.newID))
	}
	e.resolver = identity.NewResolver(stores.Identities, cfg.Identity, idOpts...)
	e.interactions = interaction.NewService(stores.Interactions, stores.Index, stores.Embedder, e.resolver, recOpts...)

	ranking := cfg.Ranking
	if ranking.Candidates == 0 {
		ranking = memory.DefaultRankingConfig()
	}
	retriever, err := memory.NewRetriever(stores.Index, stores.Embedder, e.interactions, e.resolver, ranking,
		memory.WithLogger(e.log), memory.WithClock(e.now))
	if err != nil {
		return nil, fmt.Errorf("create retriever: %w", err)
	}
	e.retriever = retriever

	profOpts := []profile.Option{profile.WithLogger(e.log)}
	if e.extractors != nil {
		profOpts = append(profOpts, profile.WithExtractors(e.extractors...))
	}
	profiles, err := profile.NewBuilder(stores.Evidence, e.resolver, cfg.Profile, profOpts...)
	if err != nil {
		return nil, fmt.Errorf("create profile builder: %w", err)
	}
	e.profiles = profiles

	e.lifecycle = lifecycle.NewManager(stores.Lifecycle, e.resolver, stores.Interactions, stores.Index, stores.Evidence,
		cfg.Lifecycle,
		lifecycle.WithLogger(e.log),
		lifecycle.WithClock(e.now),
		lifecycle.WithProfiles(profiles),
	)
	e.log = logging.Component(e.log, "engine")
	return e, nil
}

// IngestRequest is one interaction delivered by a channel collaborator.
// Text is already normalized and Attributes already classified upstream.
type IngestRequest struct {
	Text       string
	Channel    core.Channel
	Direction  core.Direction
	Signals    []core.Signal
	Timestamp  time.Time // Zero means now
	DedupKey   string
	Attributes map[string]string
}

// IngestResult identifies what an ingest stored.
type IngestResult struct {
	CustomerID    string
	InteractionID string

	// Created is false when DedupKey matched an earlier delivery.
	Created bool

	// Identity is the resolver's verdict, including low-confidence and
	// ambiguity flags.
	Identity *identity.Resolution
}

func (r *IngestRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Text) == "":
		return fmt.Errorf("%w: empty text", core.ErrInvalidInput)
	case !r.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", core.ErrInvalidInput, r.Channel)
	case !r.Direction.Valid():
		return fmt.Errorf("%w: unknown direction %q", core.ErrInvalidInput, r.Direction)
	case len(r.Signals) == 0:
		return fmt.Errorf("%w: at least one contact signal is required", core.ErrInvalidInput)
	}
	return nil
}

// Ingest resolves the sender, records the interaction and queues it for
// profiling. Repeating an ingest with the same DedupKey stores nothing new.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = e.now()
	}

	var res *identity.Resolution
	err := core.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		res, err = e.resolver.Resolve(ctx, req.Signals)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	var (
		stored  *core.Interaction
		created bool
	)
	err = core.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		stored, created, err = e.interactions.Record(ctx, &core.Interaction{
			CustomerID: res.CustomerID,
			Channel:    req.Channel,
			Direction:  req.Direction,
			Text:       req.Text,
			Timestamp:  req.Timestamp,
			DedupKey:   req.DedupKey,
			Attributes: req.Attributes,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record interaction: %w", err)
	}
	if created {
		e.profiles.Observe(stored)
	}

	e.log.Debug("ingested",
		"customer_id", res.CustomerID,
		"interaction_id", stored.ID,
		"channel", req.Channel,
		"created", created,
		"low_confidence", res.LowConfidence,
	)
	return &IngestResult{
		CustomerID:    res.CustomerID,
		InteractionID: stored.ID,
		Created:       created,
		Identity:      res,
	}, nil
}

// RetrieveRequest asks for context relevant to the message being answered.
type RetrieveRequest struct {
	CustomerID string
	Text       string
	Channel    core.Channel
	Now        time.Time // Zero means now
	Exclude    []string  // Interaction ids to leave out
}

// Retrieve returns the customer's prior interactions ranked against the
// current message. Unknown and erased customers yield core.ErrNotFound.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) (*memory.Result, error) {
	if req.CustomerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", core.ErrInvalidInput)
	}
	var res *memory.Result
	err := core.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		res, err = e.retriever.Retrieve(ctx, memory.Query{
			CustomerID: req.CustomerID,
			Text:       req.Text,
			Channel:    req.Channel,
			Now:        req.Now,
			Exclude:    req.Exclude,
		})
		return err
	})
	return res, err
}

// IngestAndRetrieve ingests req and returns context for answering it,
// leaving the new interaction out of its own context.
func (e *Engine) IngestAndRetrieve(ctx context.Context, req IngestRequest) (*IngestResult, *memory.Result, error) {
	ing, err := e.Ingest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	res, err := e.Retrieve(ctx, RetrieveRequest{
		CustomerID: ing.CustomerID,
		Text:       req.Text,
		Channel:    req.Channel,
		Now:        req.Timestamp,
		Exclude:    []string{ing.InteractionID},
	})
	if err != nil {
		return ing, nil, err
	}
	return ing, res, nil
}

// CustomerPreferences returns the customer's learned preferences.
func (e *Engine) CustomerPreferences(ctx context.Context, customerID string) (core.Preferences, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", core.ErrInvalidInput)
	}
	var prefs core.Preferences
	err := core.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		prefs, err = e.profiles.Preferences(ctx, customerID)
		return err
	})
	return prefs, err
}

// PendingLinks lists the unreviewed name-only link candidates touching the
// customer or any id merged into it.
func (e *Engine) PendingLinks(ctx context.Context, customerID string) ([]identity.LinkCandidate, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", core.ErrInvalidInput)
	}
	var links []identity.LinkCandidate
	err := core.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		links, err = e.resolver.PendingLinks(ctx, customerID)
		return err
	})
	return links, err
}

// ConfirmLink accepts a pending link and merges its two customers. It
// returns the surviving customer id.
func (e *Engine) ConfirmLink(ctx context.Context, linkID string) (string, error) {
	if linkID == "" {
		return "", fmt.Errorf("%w: missing link id", core.ErrInvalidInput)
	}
	var winner string
	err := core.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		winner, err = e.resolver.ConfirmLink(ctx, linkID)
		return err
	})
	if err != nil {
		return "", err
	}
	e.log.Info("link confirmed", "link_id", linkID, "customer_id", winner)
	return winner, nil
}

// RejectLink records that a pending link joins two different people.
func (e *Engine) RejectLink(ctx context.Context, linkID string) error {
	if linkID == "" {
		return fmt.Errorf("%w: missing link id", core.ErrInvalidInput)
	}
	return core.Retry(ctx, e.retry, func(ctx context.Context) error {
		return e.resolver.RejectLink(ctx, linkID)
	})
}

// EraseCustomer removes the customer and every id merged into it. Queued
// profile observations are drained first so none lands after the erasure.
func (e *Engine) EraseCustomer(ctx context.Context, customerID string) (bool, error) {
	if customerID == "" {
		return false, fmt.Errorf("%w: missing customer id", core.ErrInvalidInput)
	}
	if err := e.profiles.Flush(ctx); err != nil {
		return false, err
	}
	ok, err := e.lifecycle.EraseCustomer(ctx, customerID)
	if err != nil {
		return false, err
	}
	e.log.Info("customer erased", "customer_id", customerID)
	return ok, nil
}

// PurgeOlderThan deletes interactions and evidence older than age. Queued
// observations are drained first so their evidence is purged too.
func (e *Engine) PurgeOlderThan(ctx context.Context, age time.Duration) (*lifecycle.PurgeReport, error) {
	if err := e.profiles.Flush(ctx); err != nil {
		return nil, err
	}
	return e.lifecycle.PurgeOlderThan(ctx, age)
}

// Sweep finishes interrupted erasures.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.lifecycle.Sweep(ctx)
}

// RetryPendingEmbeddings attaches vectors to records stored while the
// embedding function was unavailable.
func (e *Engine) RetryPendingEmbeddings(ctx context.Context, limit int) (int, error) {
	return e.interactions.RetryPendingEmbeddings(ctx, limit)
}

// Interactions returns the interaction service for history listing.
func (e *Engine) Interactions() *interaction.Service {
	return e.interactions
}

// Lifecycle returns the lifecycle manager for scheduled maintenance.
func (e *Engine) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}

// Flush waits for queued profile observations.
func (e *Engine) Flush(ctx context.Context) error {
	return e.profiles.Flush(ctx)
}

// Close stops the profile workers.
func (e *Engine) Close() error {
	return e.profiles.Close()
}
