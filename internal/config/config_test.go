package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cs", cfg.Bus.StreamPrefix)
	assert.Equal(t, 5, cfg.Bus.MaxDeliver)
	assert.Equal(t, 384, cfg.Knowledge.Dimension)
	assert.Equal(t, time.Hour, cfg.Triage.DedupeWindow)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  redis_addr: redis.internal:6380
  max_deliver: 3
knowledge:
  vector_store: pinecone
  dimension: 1536
retrieval:
  default_k: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Bus.RedisAddr)
	assert.Equal(t, 3, cfg.Bus.MaxDeliver)
	assert.Equal(t, StorePinecone, cfg.Knowledge.VectorStore)
	assert.Equal(t, 1536, cfg.Knowledge.Dimension)
	assert.Equal(t, 8, cfg.Retrieval.DefaultK)
	// Untouched sections keep their defaults.
	assert.Equal(t, "cs", cfg.Bus.StreamPrefix)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("VECTOR_STORE", "pinecone")
	t.Setenv("EMBEDDINGS_PROVIDER", "mock")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StorePinecone, cfg.Knowledge.VectorStore)
	assert.Equal(t, EmbedMock, cfg.Knowledge.EmbedProvider)
}

func TestUnknownProvidersRejected(t *testing.T) {
	t.Run("vector store", func(t *testing.T) {
		t.Setenv("VECTOR_STORE", "chroma")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrBadConfig)
	})
	t.Run("embeddings provider", func(t *testing.T) {
		t.Setenv("EMBEDDINGS_PROVIDER", "cohere")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrBadConfig)
	})
	t.Run("reranker", func(t *testing.T) {
		t.Setenv("RERANKER", "colbert")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrBadConfig)
	})
}

func TestMalformedYAMLRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus: ["), 0o644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrBadConfig)
}
