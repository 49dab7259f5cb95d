package vectorstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sentinelops/cybersentinel/internal/knowledge"
)

// Snapshot file names inside the store directory.
const (
	vectorsFile  = "vectors.bin"
	metadataFile = "metadata.json"
)

// Vector file header: magic, version, dimension, row count.
const (
	localMagic   uint32 = 0x43535658 // "CSVX"
	localVersion uint32 = 1
)

// Local is a file-backed exact inner-product index. Vectors live in memory;
// Save/Load snapshot them to a directory holding a binary vector file and a
// JSON metadata sidecar. The index has no in-place deletion: DeleteByDocIDs
// rebuilds the row set from the survivors, which keeps subsequent queries
// exact.
//
// Writes are serialized by the index builder (single writer); reads take the
// read lock and may run concurrently.
type Local struct {
	dir string
	dim int

	mu   sync.RWMutex
	rows []localRow
	byID map[string]int // chunk id → row index
}

type localRow struct {
	ChunkID   string             `json:"id"`
	DocID     string             `json:"doc_id"`
	Title     string             `json:"title"`
	Content   string             `json:"content"`
	ChunkType string             `json:"chunk_type"`
	Metadata  knowledge.Metadata `json:"metadata"`
	vec       []float32
}

// NewLocal builds a local store persisting under dir with the given
// dimension.
func NewLocal(dir string, dim int) (*Local, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	return &Local{dir: dir, dim: dim, byID: make(map[string]int)}, nil
}

func (s *Local) Dimension() int { return s.dim }

// Initialize resets the index to empty.
func (s *Local) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.byID = make(map[string]int)
	return nil
}

// Upsert inserts or replaces chunks by chunk ID, normalizing embeddings.
func (s *Local) Upsert(ctx context.Context, chunks []knowledge.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("%w: chunk %s has %d dims, store has %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), s.dim)
		}
		row := localRow{
			ChunkID:   c.ID,
			DocID:     c.DocID,
			Title:     c.Title,
			Content:   c.Content,
			ChunkType: c.ChunkType,
			Metadata:  c.Metadata,
			vec:       Normalize(c.Embedding),
		}
		if idx, ok := s.byID[c.ID]; ok {
			s.rows[idx] = row
		} else {
			s.byID[c.ID] = len(s.rows)
			s.rows = append(s.rows, row)
		}
	}
	return nil
}

// Query scans all rows under the filters and returns the top-k by inner
// product. The query vector is normalized first, so scores are cosine
// similarities.
func (s *Local) Query(ctx context.Context, vec []float32, k int, filters Filters) ([]Result, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, store has %d",
			ErrDimensionMismatch, len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	q := Normalize(vec)

	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]Result, 0, k)
	for _, row := range s.rows {
		if len(filters) > 0 && !MatchFilters(row.Metadata, filters) {
			continue
		}
		results = append(results, Result{
			Score:     Dot(q, row.vec),
			ChunkID:   row.ChunkID,
			DocID:     row.DocID,
			Title:     row.Title,
			Content:   row.Content,
			ChunkType: row.ChunkType,
			Metadata:  row.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DeleteByDocIDs rebuilds the row set without the given documents.
func (s *Local) DeleteByDocIDs(ctx context.Context, docIDs []string) (int, error) {
	drop := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0:0]
	byID := make(map[string]int)
	removed := 0
	for _, row := range s.rows {
		if drop[row.DocID] {
			removed++
			continue
		}
		byID[row.ChunkID] = len(kept)
		kept = append(kept, row)
	}
	s.rows = kept
	s.byID = byID
	return removed, nil
}

// Stats reports row counts by doc_type and source.
func (s *Local) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		TotalVectors: len(s.rows),
		Dimension:    s.dim,
		ByDocType:    make(map[string]int),
		BySource:     make(map[string]int),
	}
	for _, row := range s.rows {
		st.ByDocType[row.Metadata.String("doc_type")]++
		st.BySource[row.Metadata.String("source")]++
	}
	return st, nil
}

// ============================================================================
// SNAPSHOT
// ============================================================================

// Save writes the vector file and metadata sidecar atomically (temp files,
// then rename).
func (s *Local) Save(ctx context.Context) error {
	s.mu.RLock()
	vecBuf := &bytes.Buffer{}
	for _, h := range []uint32{localMagic, localVersion, uint32(s.dim), uint32(len(s.rows))} {
		binary.Write(vecBuf, binary.BigEndian, h)
	}
	for _, row := range s.rows {
		for _, x := range row.vec {
			binary.Write(vecBuf, binary.BigEndian, x)
		}
	}
	metaData, err := json.Marshal(s.rows)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal vector metadata: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.dir, vectorsFile), vecBuf.Bytes()); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, metadataFile), metaData)
}

// Load restores a snapshot. A missing snapshot leaves the index empty.
func (s *Local) Load(ctx context.Context) error {
	vecData, err := os.ReadFile(filepath.Join(s.dir, vectorsFile))
	if errors.Is(err, os.ErrNotExist) {
		return s.Initialize(ctx)
	}
	if err != nil {
		return fmt.Errorf("read vector file: %w", err)
	}
	metaData, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return fmt.Errorf("read metadata sidecar: %w", err)
	}

	r := bytes.NewReader(vecData)
	var magic, version, dim, count uint32
	for _, p := range []*uint32{&magic, &version, &dim, &count} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return fmt.Errorf("read vector header: %w", err)
		}
	}
	if magic != localMagic {
		return fmt.Errorf("bad vector file magic %08x", magic)
	}
	if version != localVersion {
		return fmt.Errorf("unsupported vector file version %d", version)
	}
	if int(dim) != s.dim {
		return fmt.Errorf("%w: snapshot has %d dims, store expects %d",
			ErrDimensionMismatch, dim, s.dim)
	}

	var rows []localRow
	if err := json.Unmarshal(metaData, &rows); err != nil {
		return fmt.Errorf("parse metadata sidecar: %w", err)
	}
	if len(rows) != int(count) {
		return fmt.Errorf("snapshot mismatch: %d vectors, %d metadata rows", count, len(rows))
	}
	for i := range rows {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return fmt.Errorf("read vector %d: %w", i, err)
		}
		rows[i].vec = vec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
	s.byID = make(map[string]int, len(rows))
	for i, row := range rows {
		s.byID[row.ChunkID] = i
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

var _ Store = (*Local)(nil)
