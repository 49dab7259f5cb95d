package embed

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

func TestMockIsDeterministic(t *testing.T) {
	ctx := context.Background()
	m := NewMock(64)

	a, err := m.Embed(ctx, []string{"brute force", "lateral movement"})
	require.NoError(t, err)
	b, err := m.Embed(ctx, []string{"brute force", "lateral movement"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)
	assert.NotEqual(t, a[0], a[1])

	var norm float64
	for _, x := range a[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

type countingEmbedder struct {
	*Mock
	calls atomic.Int64
	texts atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int64(len(texts)))
	return c.Mock.Embed(ctx, texts)
}

func TestCacheServesHitsAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")
	inner := &countingEmbedder{Mock: NewMock(16)}

	c, err := NewCache(inner, path)
	require.NoError(t, err)

	first, err := c.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.texts.Load())

	// Second call mixes a hit with a miss; only the miss reaches the inner
	// embedder.
	second, err := c.Embed(ctx, []string{"alpha", "gamma"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, inner.texts.Load())
	assert.Equal(t, first[0], second[0])

	require.NoError(t, c.Flush())

	reopened, err := NewCache(&countingEmbedder{Mock: NewMock(16)}, path)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())
	third, err := reopened.Embed(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, first[0], third[0])
	assert.Equal(t, first[1], third[1])
}

func TestCacheFlushWithoutChangesIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := NewCache(NewMock(8), path)
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	// No file is created when nothing was embedded.
	_, err = NewCache(NewMock(8), path)
	require.NoError(t, err)
}

func TestNewEmbedderResolution(t *testing.T) {
	log := slog.Default()

	t.Run("explicit mock", func(t *testing.T) {
		e, err := NewEmbedder(config.KnowledgeConfig{EmbedProvider: config.EmbedMock, Dimension: 384}, log)
		require.NoError(t, err)
		assert.Equal(t, "mock", e.ModelName())
	})
	t.Run("api key selects openai", func(t *testing.T) {
		e, err := NewEmbedder(config.KnowledgeConfig{EmbedAPIKey: "sk-test", Dimension: 1536}, log)
		require.NoError(t, err)
		assert.Equal(t, "openai/text-embedding-3-small", e.ModelName())
	})
	t.Run("base url selects sidecar", func(t *testing.T) {
		e, err := NewEmbedder(config.KnowledgeConfig{EmbedBaseURL: "http://localhost:8001", Dimension: 384}, log)
		require.NoError(t, err)
		assert.Equal(t, "sentence_transformers/all-MiniLM-L6-v2", e.ModelName())
	})
	t.Run("nothing configured falls back to mock", func(t *testing.T) {
		e, err := NewEmbedder(config.KnowledgeConfig{Dimension: 384}, log)
		require.NoError(t, err)
		assert.Equal(t, "mock", e.ModelName())
	})
	t.Run("openai without key rejected", func(t *testing.T) {
		_, err := NewEmbedder(config.KnowledgeConfig{EmbedProvider: config.EmbedOpenAI}, log)
		assert.ErrorIs(t, err, config.ErrBadConfig)
	})
}

func TestOverlapRerankerOrdersByTokenOverlap(t *testing.T) {
	ctx := context.Background()
	r := overlapReranker{}

	in := []vectorstore.Result{
		{ChunkID: "weak", Score: 0.9, Content: "unrelated persistence mechanism"},
		{ChunkID: "strong", Score: 0.5, Content: "ssh brute force against login services"},
	}
	out, err := r.Rerank(ctx, "ssh brute force", in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "strong", out[0].ChunkID)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)

	// Retrieval scores survive in metadata.
	orig, ok := out[0].Metadata.Float("original_retrieval_score")
	require.True(t, ok)
	assert.InDelta(t, 0.5, orig, 1e-9)
}

func TestPassthroughRerankerKeepsOrder(t *testing.T) {
	ctx := context.Background()
	r, err := NewReranker(config.KnowledgeConfig{Reranker: config.RerankNone})
	require.NoError(t, err)

	in := []vectorstore.Result{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.5},
	}
	out, err := r.Rerank(ctx, "anything", in)
	require.NoError(t, err)
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, "b", out[1].ChunkID)
	orig, ok := out[1].Metadata.Float("original_retrieval_score")
	require.True(t, ok)
	assert.InDelta(t, 0.5, orig, 1e-9)
}

func TestNewRerankerRejectsUnknown(t *testing.T) {
	_, err := NewReranker(config.KnowledgeConfig{Reranker: "colbert"})
	assert.ErrorIs(t, err, config.ErrBadConfig)
	_, err = NewReranker(config.KnowledgeConfig{Reranker: config.RerankCrossEncoder})
	assert.ErrorIs(t, err, config.ErrBadConfig)
}
