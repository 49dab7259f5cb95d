package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/resilience"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

// Reranker reorders retrieval candidates by query relevance. The retrieval
// score each candidate arrived with is preserved in its metadata under
// original_retrieval_score.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []vectorstore.Result) ([]vectorstore.Result, error)
	Name() string
}

// NewReranker resolves the configured reranker; empty means none.
func NewReranker(cfg config.KnowledgeConfig) (Reranker, error) {
	switch cfg.Reranker {
	case "", config.RerankNone:
		return passthroughReranker{}, nil
	case config.RerankMock:
		return overlapReranker{}, nil
	case config.RerankCrossEncoder:
		if cfg.RerankerURL == "" {
			return nil, fmt.Errorf("%w: cross_encoder reranker needs a url", config.ErrBadConfig)
		}
		return &crossEncoderReranker{
			baseURL: cfg.RerankerURL,
			client:  &http.Client{Timeout: 60 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown reranker %q", config.ErrBadConfig, cfg.Reranker)
	}
}

// stampOriginal records the incoming retrieval score before it is replaced.
func stampOriginal(results []vectorstore.Result) []vectorstore.Result {
	out := make([]vectorstore.Result, len(results))
	for i, r := range results {
		meta := r.Metadata.Clone()
		meta["original_retrieval_score"] = r.Score
		r.Metadata = meta
		out[i] = r
	}
	return out
}

// ============================================================================
// PASSTHROUGH
// ============================================================================

type passthroughReranker struct{}

func (passthroughReranker) Name() string { return "none" }

func (passthroughReranker) Rerank(ctx context.Context, query string, results []vectorstore.Result) ([]vectorstore.Result, error) {
	return stampOriginal(results), nil
}

// ============================================================================
// TOKEN OVERLAP (MOCK)
// ============================================================================

// overlapReranker scores each candidate by the fraction of query tokens its
// content contains. Deterministic and dependency-free, for tests and offline
// runs.
type overlapReranker struct{}

func (overlapReranker) Name() string { return "mock" }

func (overlapReranker) Rerank(ctx context.Context, query string, results []vectorstore.Result) ([]vectorstore.Result, error) {
	tokens := tokenize(query)
	out := stampOriginal(results)
	for i := range out {
		out[i].Score = overlapScore(tokens, out[i].Content+" "+out[i].Title)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func overlapScore(queryTokens []string, doc string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	lower := strings.ToLower(doc)
	hits := 0
	for _, tok := range queryTokens {
		if strings.Contains(lower, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// ============================================================================
// CROSS ENCODER
// ============================================================================

// crossEncoderReranker calls a scoring sidecar exposing
// POST /rerank {"query": ..., "documents": [...]} -> {"scores": [...]}.
type crossEncoderReranker struct {
	baseURL string
	client  *http.Client
}

func (*crossEncoderReranker) Name() string { return "cross_encoder" }

func (r *crossEncoderReranker) Rerank(ctx context.Context, query string, results []vectorstore.Result) ([]vectorstore.Result, error) {
	if len(results) == 0 {
		return nil, nil
	}
	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Content
	}
	payload, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"documents": docs,
	})
	if err != nil {
		return nil, err
	}

	var scores []float64
	err = resilience.Retry(ctx,
		resilience.Policy{Attempts: 3, Base: time.Second, Factor: 2, Cap: 10 * time.Second},
		func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				r.baseURL+"/rerank", bytes.NewReader(payload))
			if err != nil {
				return resilience.NonRetryable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := r.client.Do(req)
			if err != nil {
				return fmt.Errorf("rerank request: %w", err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode >= 500 {
				return fmt.Errorf("reranker returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return resilience.NonRetryable(fmt.Errorf("reranker returned %d: %s", resp.StatusCode, data))
			}
			var body struct {
				Scores []float64 `json:"scores"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return resilience.NonRetryable(fmt.Errorf("parse rerank response: %w", err))
			}
			if len(body.Scores) != len(docs) {
				return resilience.NonRetryable(fmt.Errorf(
					"reranker returned %d scores for %d documents", len(body.Scores), len(docs)))
			}
			scores = body.Scores
			return nil
		})
	if err != nil {
		return nil, err
	}

	out := stampOriginal(results)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

var (
	_ Reranker = passthroughReranker{}
	_ Reranker = overlapReranker{}
	_ Reranker = (*crossEncoderReranker)(nil)
)
