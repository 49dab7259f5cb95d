package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/cybersentinel/internal/knowledge"
)

func chunk(id, docID string, vec []float32, meta knowledge.Metadata) knowledge.DocumentChunk {
	return knowledge.DocumentChunk{
		ID:        id,
		DocID:     docID,
		Title:     "Title " + docID,
		Content:   "Content for " + id,
		ChunkType: "overview",
		Metadata:  meta,
		Embedding: vec,
	}
}

func newTestStore(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir(), 3)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestLocalUpsertAndQueryRanksByCosine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{1, 0, 0}, knowledge.Metadata{"doc_type": "attack_technique"}),
		chunk("b::overview", "b", []float32{0.9, 0.1, 0}, knowledge.Metadata{"doc_type": "attack_technique"}),
		chunk("c::overview", "c", []float32{0, 0, 1}, knowledge.Metadata{"doc_type": "cve"}),
	}))

	got, err := s.Query(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a::overview", got[0].ChunkID)
	assert.Equal(t, "b::overview", got[1].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestLocalQueryAppliesFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{1, 0, 0}, knowledge.Metadata{
			"doc_type":  "attack_technique",
			"platforms": []string{"Linux", "Windows"},
		}),
		chunk("c::overview", "c", []float32{1, 0, 0}, knowledge.Metadata{
			"doc_type": "cve",
		}),
	}))

	got, err := s.Query(ctx, []float32{1, 0, 0}, 10, Filters{"doc_type": "cve"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c::overview", got[0].ChunkID)

	got, err = s.Query(ctx, []float32{1, 0, 0}, 10, Filters{"platforms": "Linux"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a::overview", got[0].ChunkID)

	got, err = s.Query(ctx, []float32{1, 0, 0}, 10, Filters{"doc_type": "sigma_rule"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalUpsertReplacesByChunkID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{1, 0, 0}, nil),
	}))
	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{0, 1, 0}, nil),
	}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalVectors)

	got, err := s.Query(ctx, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestLocalDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{1, 0}, nil),
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.Query(ctx, []float32{1, 0, 0, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLocalDeleteUpsertSaveLoadSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir, 3)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))

	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{1, 0, 0}, knowledge.Metadata{"doc_type": "attack_technique"}),
		chunk("a::detection", "a", []float32{0.8, 0.2, 0}, knowledge.Metadata{"doc_type": "attack_technique"}),
		chunk("b::overview", "b", []float32{0, 1, 0}, knowledge.Metadata{"doc_type": "cve"}),
	}))

	removed, err := s.DeleteByDocIDs(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("d::overview", "d", []float32{0, 0, 1}, knowledge.Metadata{"doc_type": "sigma_rule"}),
	}))
	require.NoError(t, s.Save(ctx))

	reopened, err := NewLocal(dir, 3)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))

	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalVectors)
	assert.Equal(t, 1, st.ByDocType["cve"])
	assert.Equal(t, 1, st.ByDocType["sigma_rule"])

	got, err := reopened.Query(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, "a", r.DocID)
	}

	got, err = reopened.Query(ctx, []float32{0, 0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d::overview", got[0].ChunkID)
}

func TestLocalLoadMissingSnapshotIsEmpty(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir(), 3)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalVectors)
}

func TestLocalLoadRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir, 3)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, []knowledge.DocumentChunk{
		chunk("a::overview", "a", []float32{1, 0, 0}, nil),
	}))
	require.NoError(t, s.Save(ctx))

	wrong, err := NewLocal(dir, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, wrong.Load(ctx), ErrDimensionMismatch)
}

func TestNormalizeAndDot(t *testing.T) {
	n := Normalize([]float32{3, 4, 0})
	assert.InDelta(t, 1.0, Dot(n, n), 1e-6)
	assert.InDelta(t, 0.6, float64(n[0]), 1e-6)

	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}
