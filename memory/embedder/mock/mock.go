package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Version identifies the mock embedding function.
const Version = "mock-bow-v1"

// MockEmbedder is a deterministic embedder for tests and offline demos.
// Every token maps to a pseudo-random unit direction derived from its hash;
// a text embeds to the normalized sum of its token directions, so texts that
// share words have positive cosine similarity and unrelated texts sit near 0.
type MockEmbedder struct {
	dimensions  int
	unavailable atomic.Bool
	calls       atomic.Int64
}

// New creates a new mock embedder.
func New() *MockEmbedder {
	return NewWithDimensions(384) // Match all-MiniLM-L6-v2 dimensions
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *MockEmbedder {
	return &MockEmbedder{dimensions: dims}
}

// SetUnavailable simulates an outage of the embedding function.
func (m *MockEmbedder) SetUnavailable(down bool) {
	m.unavailable.Store(down)
}

// Calls returns how many times Embed ran.
func (m *MockEmbedder) Calls() int64 {
	return m.calls.Load()
}

// Embed creates a deterministic embedding from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	if m.unavailable.Load() {
		return nil, fmt.Errorf("mock embedder: %w", core.ErrEmbeddingUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, m.dimensions)
	tokens := Tokens(text)
	if len(tokens) == 0 {
		// Still return a valid unit vector for empty text.
		tokens = []string{"\x00empty"}
	}
	for _, tok := range tokens {
		m.addToken(embedding, tok)
	}
	return memory.Normalize(embedding), nil
}

func (m *MockEmbedder) addToken(embedding []float32, tok string) {
	h := fnv.New64a()
	h.Write([]byte(tok))
	seed := h.Sum64()
	for i := 0; i < m.dimensions; i++ {
		// Simple LCG (Linear Congruential Generator)
		seed = seed*6364136223846793005 + 1442695040888963407
		// Convert to [-1, 1] range
		embedding[i] += float32(int64(seed)) / float32(math.MaxInt64)
	}
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// Version returns the embedding version.
func (m *MockEmbedder) Version() string {
	return fmt.Sprintf("%s-%d", Version, m.dimensions)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "for": true,
	"to": true, "of": true, "and": true, "or": true, "in": true, "on": true,
	"at": true, "it": true, "my": true, "me": true, "i": true, "you": true,
	"anyone": true, "be": true, "this": true, "that": true, "with": true,
}

// Tokens lower-cases text, splits on non-alphanumerics and drops stopwords.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

var _ memory.Embedder = (*MockEmbedder)(nil)
