// Package vectorstore provides the dense ANN index behind retrieval. Two
// backends implement the contract: a local file-backed inner-product index
// and a managed Pinecone index. Embeddings are L2-normalized on insert so
// inner product equals cosine similarity on every backend.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/sentinelops/cybersentinel/internal/knowledge"
)

// Store errors.
var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrBackendFailure    = errors.New("vector store backend failure")
)

// Filters are conjunctive metadata equality predicates: every key must match
// the chunk's metadata for the chunk to qualify.
type Filters map[string]string

// Result is one scored match.
type Result struct {
	Score     float64
	ChunkID   string
	DocID     string
	Title     string
	Content   string
	ChunkType string
	Metadata  knowledge.Metadata
}

// Stats describes the index contents.
type Stats struct {
	TotalVectors int
	Dimension    int
	ByDocType    map[string]int
	BySource     map[string]int
}

// Store is the vector index contract. All vectors share one fixed dimension.
type Store interface {
	// Initialize creates an empty index.
	Initialize(ctx context.Context) error
	// Load restores a durable snapshot; a no-op for stateless backends.
	Load(ctx context.Context) error
	// Save persists a durable snapshot; a no-op for stateless backends.
	Save(ctx context.Context) error
	// Upsert inserts or replaces chunks by chunk ID. Each chunk must carry
	// an embedding of the store dimension.
	Upsert(ctx context.Context, chunks []knowledge.DocumentChunk) error
	// Query returns the top-k chunks by descending score under the filters.
	Query(ctx context.Context, vec []float32, k int, filters Filters) ([]Result, error)
	// DeleteByDocIDs removes every chunk of the given documents and reports
	// how many vectors were removed.
	DeleteByDocIDs(ctx context.Context, docIDs []string) (int, error)
	// Stats reports index contents.
	Stats(ctx context.Context) (Stats, error)
	// Dimension is the fixed vector dimension.
	Dimension() int
}

// Normalize L2-normalizes a vector in a fresh slice. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Dot computes the inner product of two equal-length vectors.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// MatchFilters evaluates conjunctive equality filters against chunk
// metadata. String fields compare directly; list fields match when they
// contain the value; numeric fields compare by decimal rendering.
func MatchFilters(meta knowledge.Metadata, filters Filters) bool {
	for key, want := range filters {
		val, ok := meta[key]
		if !ok {
			return false
		}
		switch v := val.(type) {
		case string:
			if v != want {
				return false
			}
		case []string:
			if !containsString(v, want) {
				return false
			}
		case []interface{}:
			if !containsString(meta.Strings(key), want) {
				return false
			}
		case float64:
			if strconv.FormatFloat(v, 'f', -1, 64) != want {
				return false
			}
		default:
			if fmt.Sprintf("%v", v) != want {
				return false
			}
		}
	}
	return true
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
