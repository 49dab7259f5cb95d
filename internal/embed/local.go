package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/resilience"
)

// localEmbedder talks to a sentence-transformers HTTP sidecar exposing
// POST /embed {"texts": [...]} -> {"embeddings": [[...], ...]}.
type localEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func newLocal(cfg config.KnowledgeConfig) (*localEmbedder, error) {
	if cfg.EmbedBaseURL == "" {
		return nil, fmt.Errorf("%w: sentence_transformers embeddings need a base url", config.ErrBadConfig)
	}
	model := cfg.EmbedModel
	if model == "" {
		model = "all-MiniLM-L6-v2"
	}
	return &localEmbedder{
		baseURL: cfg.EmbedBaseURL,
		model:   model,
		dim:     cfg.Dimension,
		client:  &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (e *localEmbedder) Dimension() int    { return e.dim }
func (e *localEmbedder) ModelName() string { return "sentence_transformers/" + e.model }

func (e *localEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"model": e.model,
		"texts": texts,
	})
	if err != nil {
		return nil, err
	}

	var out [][]float32
	err = resilience.Retry(ctx,
		resilience.Policy{Attempts: 3, Base: time.Second, Factor: 2, Cap: 10 * time.Second},
		func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				e.baseURL+"/embed", bytes.NewReader(payload))
			if err != nil {
				return resilience.NonRetryable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := e.client.Do(req)
			if err != nil {
				return fmt.Errorf("embed sidecar request: %w", err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode >= 500 {
				return fmt.Errorf("embed sidecar returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return resilience.NonRetryable(
					fmt.Errorf("embed sidecar returned %d: %s", resp.StatusCode, data))
			}

			var body struct {
				Embeddings [][]float32 `json:"embeddings"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return resilience.NonRetryable(fmt.Errorf("parse sidecar response: %w", err))
			}
			if len(body.Embeddings) != len(texts) {
				return resilience.NonRetryable(fmt.Errorf(
					"sidecar returned %d vectors for %d inputs", len(body.Embeddings), len(texts)))
			}
			out = body.Embeddings
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Embedder = (*localEmbedder)(nil)
