package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Cache wraps an Embedder with a content-addressed cache persisted as one
// JSON file. Keys are the SHA-256 of the text, namespaced by model name so
// switching providers never serves stale vectors.
type Cache struct {
	inner Embedder
	path  string

	mu      sync.Mutex
	entries map[string][]float32 // "model\x00hash" → vector
	dirty   bool
}

// NewCache loads (or initializes) the cache file at path.
func NewCache(inner Embedder, path string) (*Cache, error) {
	c := &Cache{inner: inner, path: path, entries: make(map[string][]float32)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read embed cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse embed cache %s: %w", path, err)
	}
	return c, nil
}

func (c *Cache) Dimension() int    { return c.inner.Dimension() }
func (c *Cache) ModelName() string { return c.inner.ModelName() }

// Embed serves cached vectors and embeds only the misses, in their original
// positions.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	c.mu.Lock()
	for i, text := range texts {
		if vec, ok := c.entries[c.key(text)]; ok {
			out[i] = vec
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), len(missTexts))
	}

	c.mu.Lock()
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		c.entries[c.key(missTexts[j])] = vec
	}
	c.dirty = true
	c.mu.Unlock()
	return out, nil
}

// Flush persists the cache when it changed since the last flush, writing a
// temp file and renaming over the target.
func (c *Cache) Flush() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(c.entries)
	c.dirty = false
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal embed cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".embed-cache-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write embed cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace embed cache: %w", err)
	}
	return nil
}

// Len is the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.inner.ModelName() + "\x00" + hex.EncodeToString(sum[:])
}

var _ Embedder = (*Cache)(nil)
