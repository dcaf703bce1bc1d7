package memory_test

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
)

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

// tableEmbedder returns fixed vectors per text.
type tableEmbedder struct {
	vecs map[string][]float32
	down bool
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.down {
		return nil, core.ErrEmbeddingUnavailable
	}
	v, ok := e.vecs[text]
	if !ok {
		return []float32{0, 0, 1}, nil
	}
	return v, nil
}

func (e *tableEmbedder) Dimensions() int { return 3 }
func (e *tableEmbedder) Version() string { return "table-v1" }

type fakeIdentities map[string][]string

func (f fakeIdentities) Aliases(_ context.Context, id string) ([]string, error) {
	for canon, aliases := range f {
		for _, a := range aliases {
			if a == id {
				return append([]string{canon}, aliases[1:]...), nil
			}
		}
	}
	return nil, core.ErrNotFound
}

type fakeInteractions map[string]*core.Interaction

func (f fakeInteractions) Get(_ context.Context, id string) (*core.Interaction, error) {
	rec, ok := f[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f fakeInteractions) Recent(_ context.Context, ids []string, limit int) ([]*core.Interaction, error) {
	owners := make(map[string]bool)
	for _, id := range ids {
		owners[id] = true
	}
	var out []*core.Interaction
	for _, rec := range f {
		if owners[rec.CustomerID] {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fixture struct {
	t        *testing.T
	index    *chromem.ChromemStore
	embedder memory.Embedder
	recs     fakeInteractions
	ids      fakeIdentities
}

func newFixture(t *testing.T, e memory.Embedder) *fixture {
	t.Helper()
	index, err := chromem.New(chromem.Config{Version: e.Version(), Dimensions: e.Dimensions()})
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	return &fixture{
		t:        t,
		index:    index,
		embedder: e,
		recs:     make(fakeInteractions),
		ids:      fakeIdentities{"alice": {"alice"}},
	}
}

func (f *fixture) retriever(cfg memory.RankingConfig) *memory.Retriever {
	f.t.Helper()
	r, err := memory.NewRetriever(f.index, f.embedder, f.recs, f.ids, cfg, memory.WithClock(func() time.Time { return now }))
	require.NoError(f.t, err)
	return r
}

// add stores an interaction; embedded controls whether the second write
// phase happened.
func (f *fixture) add(rec *core.Interaction, embedded bool) {
	f.t.Helper()
	if rec.Direction == "" {
		rec.Direction = core.Inbound
	}
	if embedded {
		vec, err := memory.EmbedVector(context.Background(), f.embedder, rec.Text)
		require.NoError(f.t, err)
		require.NoError(f.t, f.index.Upsert(context.Background(), rec.ID, vec, map[string]string{
			memory.MetaCustomerID: rec.CustomerID,
			memory.MetaChannel:    string(rec.Channel),
		}))
		rec.Embedding, rec.EmbeddingVersion = vec.Values, vec.Version
	}
	f.recs[rec.ID] = rec
}

func ids(res *memory.Result) []string {
	out := make([]string, len(res.Items))
	for i, it := range res.Items {
		out[i] = it.Interaction.ID
	}
	return out
}

func TestRetrieve_Bounds(t *testing.T) {
	f := newFixture(t, mock.New())
	for i := 0; i < 25; i++ {
		f.add(&core.Interaction{
			ID:         fmt.Sprintf("i%02d", i),
			CustomerID: "alice",
			Channel:    core.ChannelEmail,
			Text:       fmt.Sprintf("message %d about the water heater %s", i, strings.Repeat("detail ", i%7*10)),
			Timestamp:  now.Add(-time.Duration(i) * time.Hour),
		}, true)
	}

	cfg := memory.DefaultRankingConfig()
	unbounded := cfg
	unbounded.CharBudget = math.MaxInt32
	full, err := f.retriever(unbounded).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "water heater", Channel: core.ChannelEmail})
	require.NoError(t, err)
	require.Len(t, full.Items, cfg.MaxItems)

	for _, budget := range []int{50, 300, 800, 2000} {
		cfg.CharBudget = budget
		res, err := f.retriever(cfg).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "water heater", Channel: core.ChannelEmail})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Items), cfg.MaxItems)
		assert.LessOrEqual(t, res.Chars(), budget)
		// Budget trimming drops from the bottom, so the result is a prefix.
		assert.Equal(t, ids(full)[:len(res.Items)], ids(res), "budget %d", budget)
	}
}

func TestRetrieve_MonotonicInSimilarity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		e := &tableEmbedder{vecs: map[string][]float32{"query": {1, 0, 0}}}
		f := newFixture(t, e)
		for i := 0; i < 8; i++ {
			theta := rng.Float64() * math.Pi / 2
			text := fmt.Sprintf("candidate %d", i)
			e.vecs[text] = []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0}
			f.add(&core.Interaction{
				ID:         fmt.Sprintf("c%d", i),
				CustomerID: "alice",
				Channel:    core.ChannelSMS,
				Text:       text,
				Timestamp:  now.Add(-48 * time.Hour),
			}, true)
		}

		res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "query", Channel: core.ChannelSMS})
		require.NoError(t, err)
		require.Len(t, res.Items, 8)
		for i := 1; i < len(res.Items); i++ {
			prev, cur := res.Items[i-1], res.Items[i]
			assert.GreaterOrEqual(t, prev.Similarity, cur.Similarity-1e-6)
			assert.GreaterOrEqual(t, prev.Score, cur.Score)
		}
	}
}

func TestRetrieve_SubScores(t *testing.T) {
	e := &tableEmbedder{vecs: map[string][]float32{"query": {1, 0, 0}, "same": {1, 0, 0}}}
	f := newFixture(t, e)
	f.add(&core.Interaction{
		ID: "urgent", CustomerID: "alice", Channel: core.ChannelEmail, Text: "same",
		Timestamp:  now.Add(-14 * 24 * time.Hour),
		Attributes: map[string]string{core.AttrUrgency: "high"},
	}, true)

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "query", Channel: core.ChannelSMS})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	it := res.Items[0]
	assert.InDelta(t, 1.0, it.Similarity, 1e-5)
	assert.InDelta(t, 0.5, it.Recency, 1e-9, "one half-life old")
	assert.Equal(t, 1.0, it.Importance)
	assert.Equal(t, 0.5, it.ChannelAffinity)
	assert.InDelta(t, 0.4*1+0.3*0.5+0.2*1+0.1*0.5, it.Score, 1e-5)
}

func TestRetrieve_WeightsAreConfigurable(t *testing.T) {
	e := &tableEmbedder{vecs: map[string][]float32{"query": {1, 0, 0}, "similar old": {1, 0, 0}, "unrelated new": {0, 1, 0}}}
	f := newFixture(t, e)
	f.add(&core.Interaction{ID: "old", CustomerID: "alice", Channel: core.ChannelSMS, Text: "similar old", Timestamp: now.Add(-60 * 24 * time.Hour)}, true)
	f.add(&core.Interaction{ID: "new", CustomerID: "alice", Channel: core.ChannelSMS, Text: "unrelated new", Timestamp: now}, true)

	q := memory.Query{CustomerID: "alice", Text: "query", Channel: core.ChannelSMS}

	cfg := memory.DefaultRankingConfig()
	res, err := f.retriever(cfg).Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, ids(res))

	cfg.Weights = memory.Weights{Recency: 1}
	res, err = f.retriever(cfg).Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(res))
}

func TestRetrieve_Degraded(t *testing.T) {
	e := &tableEmbedder{vecs: map[string][]float32{}}
	f := newFixture(t, e)
	f.add(&core.Interaction{ID: "older", CustomerID: "alice", Channel: core.ChannelSMS, Text: "a", Timestamp: now.Add(-72 * time.Hour)}, true)
	f.add(&core.Interaction{ID: "newer", CustomerID: "alice", Channel: core.ChannelSMS, Text: "b", Timestamp: now.Add(-1 * time.Hour)}, true)
	e.down = true

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "query", Channel: core.ChannelSMS})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"newer", "older"}, ids(res))
	for _, it := range res.Items {
		assert.Zero(t, it.Similarity)
	}
	assert.Contains(t, memory.Render(res), "Semantic search unavailable")
}

func TestRetrieve_DegradedLargeHistoryUsesRecent(t *testing.T) {
	e := &tableEmbedder{vecs: map[string][]float32{}}
	f := newFixture(t, e)
	for i := 0; i < 40; i++ {
		f.add(&core.Interaction{ID: fmt.Sprintf("i%02d", i), CustomerID: "alice", Channel: core.ChannelSMS, Text: "x", Timestamp: now.Add(-time.Duration(i) * time.Hour)}, true)
	}
	e.down = true

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "query"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 30, res.Candidates)
	assert.Equal(t, "i00", res.Items[0].Interaction.ID)
}

func TestRetrieve_PartiallyPopulatedIndex(t *testing.T) {
	f := newFixture(t, mock.New())
	f.add(&core.Interaction{ID: "embedded", CustomerID: "alice", Channel: core.ChannelEmail, Text: "furnace makes a rattling noise", Timestamp: now.Add(-time.Hour)}, true)
	f.add(&core.Interaction{ID: "pending", CustomerID: "alice", Channel: core.ChannelEmail, Text: "furnace rattling again", Timestamp: now}, false)

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "furnace rattling", Channel: core.ChannelEmail})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"embedded"}, ids(res))
}

func TestRetrieve_EmptyHistory(t *testing.T) {
	f := newFixture(t, mock.New())

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "alice", Text: "hello"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.False(t, res.Degraded)
	assert.Equal(t, "No prior interactions with this customer.", memory.Render(res))
}

func TestRetrieve_UnknownCustomer(t *testing.T) {
	f := newFixture(t, mock.New())

	_, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{CustomerID: "nobody", Text: "hello"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRetrieve_ExcludeAndAliases(t *testing.T) {
	f := newFixture(t, mock.New())
	f.ids = fakeIdentities{"alice": {"alice", "alice-old"}}
	f.add(&core.Interaction{ID: "before-merge", CustomerID: "alice-old", Channel: core.ChannelVoice, Text: "garage door opener broken", Timestamp: now.Add(-5 * 24 * time.Hour)}, true)
	f.add(&core.Interaction{ID: "current", CustomerID: "alice", Channel: core.ChannelSMS, Text: "garage door still broken", Timestamp: now}, true)
	f.add(&core.Interaction{ID: "someone-else", CustomerID: "bob", Channel: core.ChannelSMS, Text: "garage door broken", Timestamp: now}, true)

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{
		CustomerID: "alice-old",
		Text:       "garage door still broken",
		Channel:    core.ChannelSMS,
		Exclude:    []string{"current"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.CustomerID)
	assert.Equal(t, []string{"before-merge"}, ids(res))
}

func TestRetrieve_FaucetScenario(t *testing.T) {
	f := newFixture(t, mock.New())
	t0 := now.Add(-2 * 24 * time.Hour)
	f.add(&core.Interaction{ID: "email", CustomerID: "alice", Channel: core.ChannelEmail, Text: "There is a kitchen faucet leak, water everywhere", Timestamp: t0}, true)
	f.add(&core.Interaction{ID: "sms-old", CustomerID: "alice", Channel: core.ChannelSMS, Text: "Thanks, invoice paid", Timestamp: t0.Add(-20 * 24 * time.Hour)}, true)

	res, err := f.retriever(memory.DefaultRankingConfig()).Retrieve(context.Background(), memory.Query{
		CustomerID: "alice",
		Text:       "is anyone coming for the faucet",
		Channel:    core.ChannelSMS,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "email", res.Items[0].Interaction.ID)
	assert.Equal(t, 0.5, res.Items[0].ChannelAffinity)
}

func TestRankingConfig_Validate(t *testing.T) {
	require.NoError(t, memory.DefaultRankingConfig().Validate())

	bad := []func(*memory.RankingConfig){
		func(c *memory.RankingConfig) { c.Weights = memory.Weights{} },
		func(c *memory.RankingConfig) { c.Weights.Recency = -1 },
		func(c *memory.RankingConfig) { c.MaxItems = 0 },
		func(c *memory.RankingConfig) { c.HalfLife = 0 },
		func(c *memory.RankingConfig) { c.MismatchAffinity = 2 },
		func(c *memory.RankingConfig) { c.Importance["high"] = 1.5 },
	}
	for i, mutate := range bad {
		cfg := memory.DefaultRankingConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), core.ErrInvalidInput, "case %d", i)
	}
}

func TestRender(t *testing.T) {
	res := &memory.Result{
		CustomerID: "alice",
		Items: []memory.Scored{{
			Interaction: &core.Interaction{
				ID: "i1", Channel: core.ChannelEmail, Direction: core.Inbound,
				Text:       "Kitchen faucet leak\nplease help",
				Timestamp:  now,
				Attributes: map[string]string{core.AttrUrgency: "high"},
			},
			Score: 0.91,
		}},
	}
	out := memory.Render(res)
	assert.Contains(t, out, "customer alice")
	assert.Contains(t, out, "1. [2026-05-20 12:00 email inbound, relevance 0.91] urgency=high")
	assert.Contains(t, out, "   Kitchen faucet leak\n   please help")
}
