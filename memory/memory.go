package memory

import (
	"context"
	"fmt"
	"math"

	"github.com/becomeliminal/nim-recall/core"
)

// Metadata keys the retrieval engine pushes down to the index.
const (
	MetaCustomerID       = "customer_id"
	MetaChannel          = "channel"
	MetaEmbeddingVersion = "embedding_version"
)

// Vector is an embedding tagged with the version of the function that
// produced it. Vectors of different versions are never compared.
type Vector struct {
	Values  []float32
	Version string
}

// Filter restricts a query to documents whose metadata value for each key is
// one of the listed values.
type Filter map[string][]string

// Hit is one query result. Distance is 1 - cosine similarity.
type Hit struct {
	ID       string
	Distance float64
	Metadata map[string]string
}

// Index is the embedding index contract.
// Implementations: ChromemStore (local and persistent).
type Index interface {
	// Upsert stores or replaces the vector for id.
	Upsert(ctx context.Context, id string, vec Vector, metadata map[string]string) error

	// Query returns up to k hits ordered by ascending distance. An empty or
	// unavailable index yields an empty result, not an error. A vector of a
	// different version yields ErrVersionMismatch.
	Query(ctx context.Context, vec Vector, k int, filter Filter) ([]Hit, error)

	// Delete removes vectors by id. Missing ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// DeleteWhere removes every vector matching filter.
	DeleteWhere(ctx context.Context, filter Filter) error

	// Version is the embedding version this index serves.
	Version() string

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: MockEmbedder (testing), ONNXEmbedder (local), OpenAIEmbedder (remote).
//
// Changing the model behind an Embedder requires a new Version and a full
// re-embed of the corpus.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	// Returns an error wrapping core.ErrEmbeddingUnavailable when the function
	// cannot be reached.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int

	// Version identifies the embedding function.
	Version() string
}

// EmbedVector embeds text and tags the result with the embedder's version.
func EmbedVector(ctx context.Context, e Embedder, text string) (Vector, error) {
	values, err := e.Embed(ctx, text)
	if err != nil {
		return Vector{}, err
	}
	if len(values) != e.Dimensions() {
		return Vector{}, fmt.Errorf("%w: got %d dimensions, want %d", core.ErrEmbeddingUnavailable, len(values), e.Dimensions())
	}
	return Vector{Values: values, Version: e.Version()}, nil
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when either
// is empty, zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize returns vec scaled to unit length. Zero vectors are returned as is.
func Normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
