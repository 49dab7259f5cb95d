// Package embed turns text into dense vectors. It supports a remote OpenAI
// provider, a local sentence-transformers sidecar, and a deterministic mock,
// plus a content-addressed cache and the rerankers used after retrieval.
package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentinelops/cybersentinel/internal/config"
)

// Embedder produces one vector per input text. Implementations are safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// NewEmbedder resolves the provider. Resolution order: the explicitly
// configured provider wins; with no explicit choice, an OpenAI key selects
// the remote provider and a base URL selects the local sidecar; otherwise
// the mock is used and a warning is logged, since mock vectors are only
// useful for tests and offline development.
func NewEmbedder(cfg config.KnowledgeConfig, log *slog.Logger) (Embedder, error) {
	provider := cfg.EmbedProvider
	if provider == "" {
		switch {
		case cfg.EmbedAPIKey != "":
			provider = config.EmbedOpenAI
		case cfg.EmbedBaseURL != "":
			provider = config.EmbedSentenceTransformers
		default:
			provider = config.EmbedMock
			log.Warn("no embeddings provider configured, falling back to mock vectors")
		}
	}

	switch provider {
	case config.EmbedOpenAI:
		return newOpenAI(cfg)
	case config.EmbedSentenceTransformers:
		return newLocal(cfg)
	case config.EmbedMock:
		return NewMock(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown embeddings provider %q", config.ErrBadConfig, provider)
	}
}
