package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ManifestEntry records what the index currently holds for one document.
type ManifestEntry struct {
	ContentHash    string    `json:"content_hash"`
	SourceRevision string    `json:"source_revision"`
	ChunkIDs       []string  `json:"chunk_ids"`
	IndexedAt      time.Time `json:"indexed_at"`
	Metadata       Metadata  `json:"metadata,omitempty"`
}

// Manifest is the authoritative doc_id → entry mapping for the vector index,
// persisted as a single JSON file and rewritten atomically on every update.
// The index builder is its only writer.
type Manifest struct {
	mu      sync.RWMutex
	path    string
	entries map[string]ManifestEntry
}

// LoadManifest reads the manifest file, returning an empty manifest when the
// file does not exist yet.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, entries: make(map[string]ManifestEntry)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Save writes the manifest atomically: full serialize to a temp file in the
// same directory, then rename over the target.
func (m *Manifest) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.entries, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create manifest temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Get returns the entry for a document.
func (m *Manifest) Get(docID string) (ManifestEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[docID]
	return e, ok
}

// Set records or replaces the entry for a document.
func (m *Manifest) Set(docID string, e ManifestEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[docID] = e
}

// Delete removes a document's entry.
func (m *Manifest) Delete(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, docID)
}

// DocIDs returns all indexed document ids, sorted for stable iteration.
func (m *Manifest) DocIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of indexed documents.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
