package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/logging"
)

// Identities resolves a customer id to every id recorded for that person,
// canonical first.
type Identities interface {
	Aliases(ctx context.Context, customerID string) ([]string, error)
}

// Interactions is the read side of the interaction store used by retrieval.
type Interactions interface {
	Get(ctx context.Context, id string) (*core.Interaction, error)

	// Recent returns up to limit interactions of the given ids, newest first.
	Recent(ctx context.Context, customerIDs []string, limit int) ([]*core.Interaction, error)
}

// Weights combines the four sub-scores. They need not sum to 1.
type Weights struct {
	Similarity float64 `yaml:"similarity"`
	Recency    float64 `yaml:"recency"`
	Importance float64 `yaml:"importance"`
	Channel    float64 `yaml:"channel"`
}

// RankingConfig tunes retrieval. Every field is policy, not invariant.
type RankingConfig struct {
	Candidates        int                `yaml:"candidates"`  // k for the index query
	MaxItems          int                `yaml:"max_items"`   // N
	CharBudget        int                `yaml:"char_budget"` // Total runes of returned text
	HalfLife          time.Duration      `yaml:"half_life"`
	Weights           Weights            `yaml:"weights"`
	Importance        map[string]float64 `yaml:"importance"` // urgency attribute -> score
	DefaultImportance float64            `yaml:"default_importance"`
	MismatchAffinity  float64            `yaml:"mismatch_affinity"` // channel_affinity when channels differ
}

// DefaultRankingConfig returns the default ranking policy.
func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		Candidates: 30,
		MaxItems:   8,
		CharBudget: 2000,
		HalfLife:   14 * 24 * time.Hour,
		Weights: Weights{
			Similarity: 0.4,
			Recency:    0.3,
			Importance: 0.2,
			Channel:    0.1,
		},
		Importance: map[string]float64{
			"critical": 1.0,
			"high":     1.0,
			"medium":   0.6,
			"low":      0.2,
		},
		DefaultImportance: 0.4,
		MismatchAffinity:  0.5,
	}
}

// Validate rejects configurations that cannot rank.
func (c RankingConfig) Validate() error {
	w := c.Weights
	switch {
	case c.Candidates <= 0 || c.MaxItems <= 0 || c.CharBudget <= 0:
		return fmt.Errorf("%w: candidates, max_items and char_budget must be positive", core.ErrInvalidInput)
	case c.HalfLife <= 0:
		return fmt.Errorf("%w: half_life must be positive", core.ErrInvalidInput)
	case w.Similarity < 0 || w.Recency < 0 || w.Importance < 0 || w.Channel < 0:
		return fmt.Errorf("%w: negative ranking weight", core.ErrInvalidInput)
	case w.Similarity+w.Recency+w.Importance+w.Channel == 0:
		return fmt.Errorf("%w: ranking weights sum to zero", core.ErrInvalidInput)
	case !unit(c.DefaultImportance) || !unit(c.MismatchAffinity):
		return fmt.Errorf("%w: default_importance and mismatch_affinity must be in [0,1]", core.ErrInvalidInput)
	}
	for k, v := range c.Importance {
		if !unit(v) {
			return fmt.Errorf("%w: importance %q must be in [0,1]", core.ErrInvalidInput, k)
		}
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

// Query is one retrieval request.
type Query struct {
	CustomerID string
	Text       string
	Channel    core.Channel
	Now        time.Time // Zero means the retriever's clock
	Exclude    []string  // Interaction ids never returned, e.g. the one being answered
}

// Scored is a ranked interaction with its sub-scores.
type Scored struct {
	Interaction     *core.Interaction
	Score           float64
	Similarity      float64
	Recency         float64
	Importance      float64
	ChannelAffinity float64
}

// Result is a ranked, bounded context list.
type Result struct {
	CustomerID string // Canonical id
	Items      []Scored

	// Degraded is set when the embedding function or index could not be used
	// and similarity was scored as zero.
	Degraded bool

	// Candidates is how many interactions were scored before truncation.
	Candidates int
}

// Chars returns the total rune count of the returned texts.
func (r *Result) Chars() int {
	n := 0
	for _, it := range r.Items {
		n += utf8.RuneCountInString(it.Interaction.Text)
	}
	return n
}

// Retriever is the context retrieval engine. It is read-only and safe for
// concurrent use.
type Retriever struct {
	index        Index
	embedder     Embedder
	interactions Interactions
	ids          Identities
	cfg          RankingConfig
	log          *slog.Logger
	now          func() time.Time
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		r.log = logging.Component(l, "retrieval")
	}
}

// WithClock sets the clock used when a query carries no Now.
func WithClock(now func() time.Time) RetrieverOption {
	return func(r *Retriever) {
		r.now = now
	}
}

// NewRetriever creates a retriever.
func NewRetriever(index Index, embedder Embedder, interactions Interactions, ids Identities, cfg RankingConfig, opts ...RetrieverOption) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Retriever{
		index:        index,
		embedder:     embedder,
		interactions: interactions,
		ids:          ids,
		cfg:          cfg,
		log:          logging.Component(nil, "retrieval"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the ranking policy in use.
func (r *Retriever) Config() RankingConfig {
	return r.cfg
}

// Retrieve ranks the customer's prior interactions against q.
//
// Unknown or erased customers yield core.ErrNotFound. An unavailable
// embedding function or index is not an error: similarity scores zero and
// Result.Degraded is set.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	aliases, err := r.ids.Aliases(ctx, q.CustomerID)
	if err != nil {
		return nil, err
	}
	now := q.Now
	if now.IsZero() {
		now = r.now()
	}
	res := &Result{CustomerID: aliases[0]}

	vec, hits, err := r.semantic(ctx, q.Text, aliases)
	if err != nil {
		res.Degraded = true
		r.log.Warn("retrieval degraded to recency, importance and channel scoring",
			"customer_id", res.CustomerID, "error", err)
	}

	recent, err := r.interactions.Recent(ctx, aliases, r.cfg.Candidates+1)
	if err != nil {
		return nil, fmt.Errorf("list recent interactions: %w", err)
	}

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}
	cands := make(map[string]*core.Interaction)
	dist := make(map[string]float64, len(hits))
	for _, h := range hits {
		if excluded[h.ID] {
			continue
		}
		rec, err := r.interactions.Get(ctx, h.ID)
		if core.IsNotFound(err) {
			continue // Erased or purged after the index answered
		}
		if err != nil {
			return nil, fmt.Errorf("load candidate %s: %w", h.ID, err)
		}
		cands[rec.ID] = rec
		dist[rec.ID] = h.Distance
	}
	// Small histories are scored in full; large ones in degraded mode fall
	// back to the most recent k.
	if len(recent) <= r.cfg.Candidates || res.Degraded {
		for i, rec := range recent {
			if i == r.cfg.Candidates {
				break
			}
			if !excluded[rec.ID] {
				cands[rec.ID] = rec
			}
		}
	}

	items := make([]Scored, 0, len(cands))
	for id, rec := range cands {
		if !rec.Retrievable() {
			continue
		}
		s := Scored{
			Interaction:     rec,
			Recency:         r.recency(rec.Timestamp, now),
			Importance:      r.importance(rec),
			ChannelAffinity: r.affinity(rec.Channel, q.Channel),
		}
		if !res.Degraded {
			if d, ok := dist[id]; ok {
				s.Similarity = clamp01(1 - d)
			} else if rec.EmbeddingVersion == vec.Version {
				s.Similarity = clamp01(CosineSimilarity(vec.Values, rec.Embedding))
			}
		}
		s.Score = r.combine(s)
		items = append(items, s)
	}
	res.Candidates = len(items)

	rank(items)
	res.Items = r.bound(items)

	r.log.Debug("retrieved context",
		"customer_id", res.CustomerID,
		"candidates", res.Candidates,
		"returned", len(res.Items),
		"degraded", res.Degraded,
	)
	return res, nil
}

// semantic embeds text and queries the index for the customer's nearest
// interactions.
func (r *Retriever) semantic(ctx context.Context, text string, aliases []string) (Vector, []Hit, error) {
	vec, err := EmbedVector(ctx, r.embedder, text)
	if err != nil {
		return Vector{}, nil, err
	}
	if vec.Version != r.index.Version() {
		return Vector{}, nil, fmt.Errorf("%w: embedder %s, index %s", core.ErrVersionMismatch, vec.Version, r.index.Version())
	}
	hits, err := r.index.Query(ctx, vec, r.cfg.Candidates, Filter{MetaCustomerID: aliases})
	if err != nil {
		return Vector{}, nil, err
	}
	return vec, hits, nil
}

func (r *Retriever) recency(ts, now time.Time) float64 {
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(r.cfg.HalfLife))
}

func (r *Retriever) importance(rec *core.Interaction) float64 {
	if v, ok := r.cfg.Importance[rec.Attribute(core.AttrUrgency)]; ok {
		return v
	}
	return r.cfg.DefaultImportance
}

func (r *Retriever) affinity(candidate, current core.Channel) float64 {
	if current == "" || candidate == current {
		return 1
	}
	return r.cfg.MismatchAffinity
}

func (r *Retriever) combine(s Scored) float64 {
	w := r.cfg.Weights
	return w.Similarity*s.Similarity +
		w.Recency*s.Recency +
		w.Importance*s.Importance +
		w.Channel*s.ChannelAffinity
}

// rank sorts by score, then newer first, then id.
func rank(items []Scored) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Interaction.Timestamp.Equal(b.Interaction.Timestamp) {
			return a.Interaction.Timestamp.After(b.Interaction.Timestamp)
		}
		return a.Interaction.ID < b.Interaction.ID
	})
}

// bound truncates ranked items to MaxItems, then drops the lowest ranked
// until the texts fit the character budget.
func (r *Retriever) bound(items []Scored) []Scored {
	if len(items) > r.cfg.MaxItems {
		items = items[:r.cfg.MaxItems]
	}
	total := 0
	for _, it := range items {
		total += utf8.RuneCountInString(it.Interaction.Text)
	}
	for len(items) > 0 && total > r.cfg.CharBudget {
		last := items[len(items)-1]
		total -= utf8.RuneCountInString(last.Interaction.Text)
		items = items[:len(items)-1]
	}
	return items
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
