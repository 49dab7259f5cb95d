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

const defaultOpenAIBase = "https://api.openai.com"

// openAIEmbedder calls the hosted embeddings endpoint. Requests batch all
// texts in one call; the endpoint returns one vector per input, indexed.
type openAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

func newOpenAI(cfg config.KnowledgeConfig) (*openAIEmbedder, error) {
	if cfg.EmbedAPIKey == "" {
		return nil, fmt.Errorf("%w: openai embeddings need an api key", config.ErrBadConfig)
	}
	base := cfg.EmbedBaseURL
	if base == "" {
		base = defaultOpenAIBase
	}
	model := cfg.EmbedModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openAIEmbedder{
		baseURL: base,
		apiKey:  cfg.EmbedAPIKey,
		model:   model,
		dim:     cfg.Dimension,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (e *openAIEmbedder) Dimension() int    { return e.dim }
func (e *openAIEmbedder) ModelName() string { return "openai/" + e.model }

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"model":      e.model,
		"input":      texts,
		"dimensions": e.dim,
	})
	if err != nil {
		return nil, err
	}

	var out [][]float32
	err = resilience.Retry(ctx,
		resilience.Policy{Attempts: 3, Base: time.Second, Factor: 2, Cap: 10 * time.Second},
		func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
			if err != nil {
				return resilience.NonRetryable(err)
			}
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
			req.Header.Set("Content-Type", "application/json")
			resp, err := e.client.Do(req)
			if err != nil {
				return fmt.Errorf("embeddings request: %w", err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("embeddings endpoint returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return resilience.NonRetryable(
					fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, data))
			}

			var body struct {
				Data []struct {
					Index     int       `json:"index"`
					Embedding []float32 `json:"embedding"`
				} `json:"data"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return resilience.NonRetryable(fmt.Errorf("parse embeddings response: %w", err))
			}
			if len(body.Data) != len(texts) {
				return resilience.NonRetryable(fmt.Errorf(
					"embeddings response has %d vectors for %d inputs", len(body.Data), len(texts)))
			}
			out = make([][]float32, len(texts))
			for _, d := range body.Data {
				if d.Index < 0 || d.Index >= len(out) {
					return resilience.NonRetryable(fmt.Errorf("embedding index %d out of range", d.Index))
				}
				out[d.Index] = d.Embedding
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Embedder = (*openAIEmbedder)(nil)
