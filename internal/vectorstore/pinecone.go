package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelops/cybersentinel/internal/knowledge"
	"github.com/sentinelops/cybersentinel/internal/resilience"
)

// Pinecone is the managed-service backend. It talks to an existing index
// over the REST data plane; Save and Load are no-ops because the service is
// the durable copy.
type Pinecone struct {
	host      string // index host, e.g. https://cs-knowledge-xxxx.svc.pinecone.io
	apiKey    string
	namespace string
	dim       int
	client    *http.Client
}

// NewPinecone builds the managed backend against an index host.
func NewPinecone(host, apiKey, namespace string, dim int) (*Pinecone, error) {
	if host == "" || apiKey == "" {
		return nil, fmt.Errorf("%w: pinecone host and api key are required", ErrBackendFailure)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	return &Pinecone{
		host:      host,
		apiKey:    apiKey,
		namespace: namespace,
		dim:       dim,
		client:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *Pinecone) Dimension() int { return p.dim }

// Initialize, Load and Save are no-ops: the managed index owns durability.
func (p *Pinecone) Initialize(ctx context.Context) error { return nil }
func (p *Pinecone) Load(ctx context.Context) error       { return nil }
func (p *Pinecone) Save(ctx context.Context) error       { return nil }

type pineconeVector struct {
	ID       string                 `json:"id"`
	Values   []float32              `json:"values"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Upsert pushes chunks in batches of 100, the service's documented sweet
// spot.
func (p *Pinecone) Upsert(ctx context.Context, chunks []knowledge.DocumentChunk) error {
	const batchSize = 100
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		vectors := make([]pineconeVector, 0, end-start)
		for _, c := range chunks[start:end] {
			if len(c.Embedding) != p.dim {
				return fmt.Errorf("%w: chunk %s has %d dims, store has %d",
					ErrDimensionMismatch, c.ID, len(c.Embedding), p.dim)
			}
			meta := map[string]interface{}{
				"doc_id":     c.DocID,
				"title":      c.Title,
				"content":    c.Content,
				"chunk_type": c.ChunkType,
			}
			for k, v := range c.Metadata {
				meta[k] = v
			}
			vectors = append(vectors, pineconeVector{
				ID:       c.ID,
				Values:   Normalize(c.Embedding),
				Metadata: meta,
			})
		}
		body := map[string]interface{}{"vectors": vectors, "namespace": p.namespace}
		if err := p.post(ctx, "/vectors/upsert", body, nil); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a filtered top-k similarity search.
func (p *Pinecone) Query(ctx context.Context, vec []float32, k int, filters Filters) ([]Result, error) {
	if len(vec) != p.dim {
		return nil, fmt.Errorf("%w: query has %d dims, store has %d",
			ErrDimensionMismatch, len(vec), p.dim)
	}
	body := map[string]interface{}{
		"vector":          Normalize(vec),
		"topK":            k,
		"namespace":       p.namespace,
		"includeMetadata": true,
	}
	if len(filters) > 0 {
		filter := make(map[string]interface{}, len(filters))
		for key, val := range filters {
			filter[key] = map[string]interface{}{"$eq": val}
		}
		body["filter"] = filter
	}

	var resp struct {
		Matches []struct {
			ID       string             `json:"id"`
			Score    float64            `json:"score"`
			Metadata knowledge.Metadata `json:"metadata"`
		} `json:"matches"`
	}
	if err := p.post(ctx, "/query", body, &resp); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		results = append(results, Result{
			Score:     m.Score,
			ChunkID:   m.ID,
			DocID:     m.Metadata.String("doc_id"),
			Title:     m.Metadata.String("title"),
			Content:   m.Metadata.String("content"),
			ChunkType: m.Metadata.String("chunk_type"),
			Metadata:  m.Metadata,
		})
	}
	return results, nil
}

// DeleteByDocIDs deletes by metadata filter. The service does not report a
// removal count, so it is derived from the vector count before and after.
func (p *Pinecone) DeleteByDocIDs(ctx context.Context, docIDs []string) (int, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}
	before, err := p.Stats(ctx)
	if err != nil {
		return 0, err
	}
	body := map[string]interface{}{
		"namespace": p.namespace,
		"filter":    map[string]interface{}{"doc_id": map[string]interface{}{"$in": docIDs}},
	}
	if err := p.post(ctx, "/vectors/delete", body, nil); err != nil {
		return 0, err
	}
	after, err := p.Stats(ctx)
	if err != nil {
		return 0, err
	}
	removed := before.TotalVectors - after.TotalVectors
	if removed < 0 {
		removed = 0
	}
	return removed, nil
}

// Stats reads the index description. Per-type breakdowns are not available
// from the service and stay empty.
func (p *Pinecone) Stats(ctx context.Context) (Stats, error) {
	var resp struct {
		TotalVectorCount int `json:"totalVectorCount"`
		Dimension        int `json:"dimension"`
		Namespaces       map[string]struct {
			VectorCount int `json:"vectorCount"`
		} `json:"namespaces"`
	}
	if err := p.post(ctx, "/describe_index_stats", map[string]interface{}{}, &resp); err != nil {
		return Stats{}, err
	}
	total := resp.TotalVectorCount
	if ns, ok := resp.Namespaces[p.namespace]; ok {
		total = ns.VectorCount
	}
	return Stats{
		TotalVectors: total,
		Dimension:    p.dim,
		ByDocType:    map[string]int{},
		BySource:     map[string]int{},
	}, nil
}

// post issues one JSON request with bounded retry on transport errors.
func (p *Pinecone) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return resilience.Retry(ctx,
		resilience.Policy{Attempts: 3, Base: 200 * time.Millisecond, Factor: 2, Cap: 2 * time.Second},
		func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+path, bytes.NewReader(payload))
			if err != nil {
				return resilience.NonRetryable(err)
			}
			req.Header.Set("Api-Key", p.apiKey)
			req.Header.Set("Content-Type", "application/json")
			resp, err := p.client.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBackendFailure, err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: %s returned %d", ErrBackendFailure, path, resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return resilience.NonRetryable(fmt.Errorf("%w: %s returned %d: %s",
					ErrBackendFailure, path, resp.StatusCode, data))
			}
			if out != nil {
				if err := json.Unmarshal(data, out); err != nil {
					return resilience.NonRetryable(fmt.Errorf("parse %s response: %w", path, err))
				}
			}
			return nil
		})
}

var _ Store = (*Pinecone)(nil)
