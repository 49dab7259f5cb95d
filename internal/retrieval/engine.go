// Package retrieval answers natural-language and structured queries over the
// knowledge index: embed the query, over-retrieve from the vector store,
// filter by score, then rerank down to the requested k.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/embed"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

// RetrievedChunk is one scored chunk with its provenance.
type RetrievedChunk struct {
	Score     float64                `json:"score"`
	ChunkID   string                 `json:"chunk_id"`
	DocID     string                 `json:"doc_id"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	ChunkType string                 `json:"chunk_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RAGResult is the full answer to one query, carrying enough provenance to
// audit why each chunk was returned.
type RAGResult struct {
	Query     string           `json:"query"`
	Chunks    []RetrievedChunk `json:"chunks"`
	Retrieved int              `json:"retrieved"`
	Reranker  string           `json:"reranker"`
	Model     string           `json:"model"`
	Elapsed   time.Duration    `json:"elapsed"`
}

// Engine wires embedder, store and reranker into one query path.
type Engine struct {
	embedder embed.Embedder
	store    vectorstore.Store
	reranker embed.Reranker
	cfg      config.RetrievalConfig
	log      *slog.Logger
}

// NewEngine builds a retrieval engine over an already-loaded store.
func NewEngine(embedder embed.Embedder, store vectorstore.Store, reranker embed.Reranker,
	cfg config.RetrievalConfig, log *slog.Logger) *Engine {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	return &Engine{embedder: embedder, store: store, reranker: reranker, cfg: cfg, log: log}
}

// Query runs the full pipeline for the top-k chunks matching the filters.
// Zero k means the configured default. The store is asked for twice k (at
// least the default, at most max_results) so the reranker has candidates to
// promote; results below min_score are dropped before reranking.
func (e *Engine) Query(ctx context.Context, query string, k int, filters vectorstore.Filters) (*RAGResult, error) {
	start := time.Now()
	if k <= 0 {
		k = e.cfg.DefaultK
	}
	retrieveK := 2 * k
	if retrieveK < e.cfg.DefaultK {
		retrieveK = e.cfg.DefaultK
	}
	if retrieveK > e.cfg.MaxResults {
		retrieveK = e.cfg.MaxResults
	}

	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	raw, err := e.store.Query(ctx, vecs[0], retrieveK, filters)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	retrieved := len(raw)

	if e.cfg.MinScore > 0 {
		kept := raw[:0]
		for _, r := range raw {
			if r.Score >= e.cfg.MinScore {
				kept = append(kept, r)
			}
		}
		raw = kept
	}

	ranked, err := e.reranker.Rerank(ctx, query, raw)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	chunks := make([]RetrievedChunk, len(ranked))
	for i, r := range ranked {
		chunks[i] = RetrievedChunk{
			Score:     r.Score,
			ChunkID:   r.ChunkID,
			DocID:     r.DocID,
			Title:     r.Title,
			Content:   r.Content,
			ChunkType: r.ChunkType,
			Metadata:  r.Metadata,
		}
	}

	res := &RAGResult{
		Query:     query,
		Chunks:    chunks,
		Retrieved: retrieved,
		Reranker:  e.reranker.Name(),
		Model:     e.embedder.ModelName(),
		Elapsed:   time.Since(start),
	}
	e.log.Debug("retrieval query",
		"query", query, "k", k, "retrieved", retrieved, "returned", len(chunks))
	return res, nil
}
