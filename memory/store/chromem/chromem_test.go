package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

const testVersion = "test-v1"

func vec(values ...float32) memory.Vector {
	return memory.Vector{Values: values, Version: testVersion}
}

func newStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := New(Config{Version: testVersion, Dimensions: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChromemStore_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Upsert(ctx, "a", vec(1, 0, 0), map[string]string{memory.MetaCustomerID: "c1"}))
	require.NoError(t, s.Upsert(ctx, "b", vec(0.9, 0.1, 0), map[string]string{memory.MetaCustomerID: "c1"}))
	require.NoError(t, s.Upsert(ctx, "c", vec(0, 1, 0), map[string]string{memory.MetaCustomerID: "c1"}))

	hits, err := s.Query(ctx, vec(1, 0, 0), 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-5)
	assert.Equal(t, testVersion, hits[0].Metadata[memory.MetaEmbeddingVersion])
	assert.Equal(t, 3, s.Count())
}

func TestChromemStore_QueryLargerThanCollection(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, "a", vec(1, 0, 0), nil))

	hits, err := s.Query(ctx, vec(1, 0, 0), 30, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemStore_EmptyIndexReturnsNothing(t *testing.T) {
	s := newStore(t)
	hits, err := s.Query(context.Background(), vec(1, 0, 0), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemStore_FilterAnyOf(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, "a", vec(1, 0, 0), map[string]string{memory.MetaCustomerID: "c1"}))
	require.NoError(t, s.Upsert(ctx, "b", vec(1, 0.1, 0), map[string]string{memory.MetaCustomerID: "c2"}))
	require.NoError(t, s.Upsert(ctx, "c", vec(1, 0.2, 0), map[string]string{memory.MetaCustomerID: "c3"}))

	hits, err := s.Query(ctx, vec(1, 0, 0), 10, memory.Filter{memory.MetaCustomerID: {"c1", "c3"}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)

	hits, err = s.Query(ctx, vec(1, 0, 0), 10, memory.Filter{memory.MetaCustomerID: {}})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemStore_RefusesMixedVersions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.Upsert(ctx, "a", memory.Vector{Values: []float32{1, 0, 0}, Version: "other"}, nil)
	assert.ErrorIs(t, err, core.ErrVersionMismatch)

	_, err = s.Query(ctx, memory.Vector{Values: []float32{1, 0, 0}, Version: "other"}, 5, nil)
	assert.ErrorIs(t, err, core.ErrVersionMismatch)
}

func TestChromemStore_RejectsBadVectors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	assert.ErrorIs(t, s.Upsert(ctx, "a", vec(1, 0), nil), core.ErrInvalidInput)
	assert.ErrorIs(t, s.Upsert(ctx, "a", vec(0, 0, 0), nil), core.ErrInvalidInput)
	assert.ErrorIs(t, s.Upsert(ctx, "", vec(1, 0, 0), nil), core.ErrInvalidInput)
}

func TestChromemStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, "a", vec(1, 0, 0), map[string]string{memory.MetaCustomerID: "c1"}))
	require.NoError(t, s.Upsert(ctx, "b", vec(0, 1, 0), map[string]string{memory.MetaCustomerID: "c1"}))
	require.NoError(t, s.Upsert(ctx, "c", vec(0, 0, 1), map[string]string{memory.MetaCustomerID: "c2"}))

	require.NoError(t, s.Delete(ctx, "a"))
	assert.Equal(t, 2, s.Count())

	require.NoError(t, s.DeleteWhere(ctx, memory.Filter{memory.MetaCustomerID: {"c1"}}))
	assert.Equal(t, 1, s.Count())

	assert.ErrorIs(t, s.DeleteWhere(ctx, nil), core.ErrInvalidInput)
	require.NoError(t, s.Delete(ctx))
}

func TestChromemStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, "a", vec(1, 0, 0), nil))
	require.NoError(t, s.Upsert(ctx, "a", vec(0, 1, 0), nil))
	assert.Equal(t, 1, s.Count())

	hits, err := s.Query(ctx, vec(0, 1, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0, hits[0].Distance, 1e-5)
}

func TestChromemStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(Config{Path: dir, Version: testVersion})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "a", vec(1, 0, 0), map[string]string{memory.MetaCustomerID: "c1"}))

	reopened, err := New(Config{Path: dir, Version: testVersion})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())

	// A new embedding version gets its own, empty collection.
	next, err := New(Config{Path: dir, Version: "test-v2"})
	require.NoError(t, err)
	assert.Equal(t, 0, next.Count())
}

func TestExpand(t *testing.T) {
	wheres := expand(memory.Filter{"a": {"1", "2", "1"}, "b": {"x"}})
	assert.Equal(t, []map[string]string{
		{"a": "1", "b": "x"},
		{"a": "2", "b": "x"},
	}, wheres)
	assert.Equal(t, []map[string]string{nil}, expand(nil))
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "interactions_all-MiniLM-L6-v2_1", collectionName("interactions", "all-MiniLM-L6-v2@1"))
}
