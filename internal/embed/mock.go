package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
)

// Mock is a deterministic offline embedder. Each text's vector is seeded
// from its SHA-256, so equal texts embed identically across processes and
// the vectors are stable fixtures for tests.
type Mock struct {
	dim int
}

// NewMock builds a mock embedder of the given dimension (384 when zero, the
// MiniLM default).
func NewMock(dim int) *Mock {
	if dim <= 0 {
		dim = 384
	}
	return &Mock{dim: dim}
}

func (m *Mock) Dimension() int    { return m.dim }
func (m *Mock) ModelName() string { return "mock" }

func (m *Mock) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vector(text)
	}
	return out, nil
}

func (m *Mock) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, m.dim)
	var norm float64
	for i := range vec {
		x := rng.NormFloat64()
		vec[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

var _ Embedder = (*Mock)(nil)
