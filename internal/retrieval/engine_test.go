package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/embed"
	"github.com/sentinelops/cybersentinel/internal/knowledge"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

// stubEmbedder maps keyword families onto orthogonal axes so test queries
// land near the chunks they should.
type stubEmbedder struct{}

func (stubEmbedder) Dimension() int    { return 3 }
func (stubEmbedder) ModelName() string { return "stub" }

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		switch {
		case strings.Contains(lower, "t1110") || strings.Contains(lower, "brute"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(lower, "t1021") || strings.Contains(lower, "lateral") ||
			strings.Contains(lower, "credential access techniques"):
			out[i] = []float32{0.7, 0.7, 0}
		case strings.Contains(lower, "cve") || strings.Contains(lower, "vulnerab"):
			out[i] = []float32{0, 0, 1}
		default:
			out[i] = []float32{0.5, 0.5, 0.5}
		}
	}
	return out, nil
}

func seededEngine(t *testing.T, cfg config.RetrievalConfig) *Engine {
	t.Helper()
	ctx := context.Background()
	store, err := vectorstore.NewLocal(t.TempDir(), 3)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, []knowledge.DocumentChunk{
		{
			ID: "attack-T1110::overview", DocID: "attack-T1110",
			Title: "Brute Force", Content: "Adversaries attempt many passwords against ssh brute force targets.",
			ChunkType: "overview",
			Metadata: knowledge.Metadata{
				"doc_type": "attack_technique", "attack_id": "T1110", "tactic": "Credential Access",
			},
			Embedding: []float32{1, 0, 0},
		},
		{
			ID: "attack-T1003::overview", DocID: "attack-T1003",
			Title: "OS Credential Dumping", Content: "Adversaries dump credentials from operating system stores.",
			ChunkType: "overview",
			Metadata: knowledge.Metadata{
				"doc_type": "attack_technique", "attack_id": "T1003", "tactic": "Credential Access",
			},
			Embedding: []float32{0.9, 0.3, 0},
		},
		{
			ID: "attack-T1021::overview", DocID: "attack-T1021",
			Title: "Remote Services", Content: "Adversaries use remote services for lateral movement.",
			ChunkType: "overview",
			Metadata: knowledge.Metadata{
				"doc_type": "attack_technique", "attack_id": "T1021", "tactic": "Lateral Movement",
			},
			Embedding: []float32{0, 1, 0},
		},
		{
			ID: "cve-2024-6387::summary", DocID: "cve-2024-6387",
			Title: "CVE-2024-6387", Content: "A race condition in sshd allows remote code execution.",
			ChunkType: "summary",
			Metadata: knowledge.Metadata{
				"doc_type": "cve", "cve_id": "CVE-2024-6387", "severity": "High",
			},
			Embedding: []float32{0, 0, 1},
		},
	}))

	reranker, err := embed.NewReranker(config.KnowledgeConfig{Reranker: config.RerankNone})
	require.NoError(t, err)
	return NewEngine(stubEmbedder{}, store, reranker, cfg, slog.Default())
}

func TestQueryReturnsTopKWithProvenance(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50})

	res, err := e.Query(context.Background(), "ssh brute force attempts", 2, nil)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "attack-T1110::overview", res.Chunks[0].ChunkID)
	assert.Equal(t, "stub", res.Model)
	assert.Equal(t, "none", res.Reranker)
	assert.GreaterOrEqual(t, res.Retrieved, 2)
	assert.Greater(t, res.Chunks[0].Score, res.Chunks[1].Score)
}

func TestQueryDropsBelowMinScore(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50, MinScore: 0.99})

	res, err := e.Query(context.Background(), "ssh brute force attempts", 4, nil)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "attack-T1110::overview", res.Chunks[0].ChunkID)
}

func TestQueryByAttackTechniqueStrictFilter(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50})

	res, err := e.QueryByAttackTechnique(context.Background(), "T1110", 3)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "attack-T1110", res.Chunks[0].DocID)
}

func TestQueryByAttackTechniqueWidensWhenUnknown(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50})

	// T1566 is not indexed; the widened pass still returns technique docs.
	res, err := e.QueryByAttackTechnique(context.Background(), "T1566", 2)
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		assert.Equal(t, "attack_technique", c.Metadata["doc_type"])
	}
}

func TestQueryByCVE(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50})

	res, err := e.QueryByCVE(context.Background(), "CVE-2024-6387", 2)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "cve-2024-6387", res.Chunks[0].DocID)
}

func TestFindRelatedTechniquesExcludesAnchor(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50})

	res, err := e.FindRelatedTechniques(context.Background(), "T1110", 3)
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		assert.NotEqual(t, "T1110", c.Metadata["attack_id"])
		assert.Equal(t, "Credential Access", c.Metadata["tactic"])
	}
}

func TestExplainAttackChainDeduplicates(t *testing.T) {
	e := seededEngine(t, config.RetrievalConfig{DefaultK: 5, MaxResults: 50})

	res, err := e.ExplainAttackChain(context.Background(), []string{"T1110", "T1110", "T1021"}, 2)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, c := range res.Chunks {
		assert.False(t, seen[c.ChunkID], "duplicate chunk %s", c.ChunkID)
		seen[c.ChunkID] = true
	}
	assert.Contains(t, res.Query, "T1110 -> T1110 -> T1021")
}

func TestRerankerPromotesOverlapMatches(t *testing.T) {
	ctx := context.Background()
	store, err := vectorstore.NewLocal(t.TempDir(), 3)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, []knowledge.DocumentChunk{
		{
			ID: "a::overview", DocID: "a", Title: "Noise",
			Content:   "persistence registry autorun keys",
			ChunkType: "overview", Embedding: []float32{1, 0, 0},
		},
		{
			ID: "b::overview", DocID: "b", Title: "Signal",
			Content:   "ssh brute force password guessing",
			ChunkType: "overview", Embedding: []float32{0.95, 0.3, 0},
		},
	}))

	reranker, err := embed.NewReranker(config.KnowledgeConfig{Reranker: config.RerankMock})
	require.NoError(t, err)
	e := NewEngine(stubEmbedder{}, store, reranker,
		config.RetrievalConfig{DefaultK: 5, MaxResults: 50}, slog.Default())

	res, err := e.Query(ctx, "ssh brute force", 2, nil)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	// Vector order alone would put the noise chunk first; the reranker
	// promotes the lexical match.
	assert.Equal(t, "b::overview", res.Chunks[0].ChunkID)
	assert.Contains(t, res.Chunks[0].Metadata, "original_retrieval_score")
}
