// Package index builds and incrementally maintains the vector index from
// the document corpus. The manifest records what is indexed; rebuilds are
// idempotent because diffing runs on content hashes, not timestamps.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelops/cybersentinel/internal/embed"
	"github.com/sentinelops/cybersentinel/internal/knowledge"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

// Result summarizes one build or update pass.
type Result struct {
	Added          int
	Updated        int
	Unchanged      int
	Removed        int
	ChunksUpserted int
	VectorsDeleted int
	Elapsed        time.Duration
}

// Builder wires chunker, embedder, store and manifest into one writer.
// There must be exactly one Builder per index directory.
type Builder struct {
	store    vectorstore.Store
	embedder embed.Embedder
	manifest *knowledge.Manifest
	log      *slog.Logger
}

// NewBuilder validates that embedder and store agree on dimension before
// any document is touched.
func NewBuilder(store vectorstore.Store, embedder embed.Embedder,
	manifest *knowledge.Manifest, log *slog.Logger) (*Builder, error) {
	if embedder.Dimension() != store.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d dims, store expects %d",
			vectorstore.ErrDimensionMismatch, embedder.Dimension(), store.Dimension())
	}
	return &Builder{store: store, embedder: embedder, manifest: manifest, log: log}, nil
}

// BuildIndex indexes the full corpus, pruning documents that disappeared
// from it.
func (b *Builder) BuildIndex(ctx context.Context, docs []*knowledge.KnowledgeDocument) (Result, error) {
	return b.sync(ctx, docs, true)
}

// UpdateDocuments indexes only the given documents, leaving the rest of the
// index alone.
func (b *Builder) UpdateDocuments(ctx context.Context, docs []*knowledge.KnowledgeDocument) (Result, error) {
	return b.sync(ctx, docs, false)
}

// RemoveDocuments deletes documents from index and manifest.
func (b *Builder) RemoveDocuments(ctx context.Context, docIDs []string) (Result, error) {
	start := time.Now()
	var res Result
	deleted, err := b.store.DeleteByDocIDs(ctx, docIDs)
	if err != nil {
		return res, fmt.Errorf("delete documents: %w", err)
	}
	res.VectorsDeleted = deleted
	for _, id := range docIDs {
		if _, ok := b.manifest.Get(id); ok {
			b.manifest.Delete(id)
			res.Removed++
		}
	}
	if err := b.persist(ctx); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func (b *Builder) sync(ctx context.Context, docs []*knowledge.KnowledgeDocument, prune bool) (Result, error) {
	start := time.Now()
	var res Result

	present := make(map[string]bool, len(docs))
	var toIndex []*knowledge.KnowledgeDocument
	var toReplace []string

	for _, doc := range docs {
		present[doc.ID] = true
		entry, ok := b.manifest.Get(doc.ID)
		switch {
		case !ok:
			res.Added++
			toIndex = append(toIndex, doc)
		case entry.ContentHash != doc.ContentHash():
			res.Updated++
			toReplace = append(toReplace, doc.ID)
			toIndex = append(toIndex, doc)
		default:
			res.Unchanged++
		}
	}

	if prune {
		for _, id := range b.manifest.DocIDs() {
			if !present[id] {
				toReplace = append(toReplace, id)
				b.manifest.Delete(id)
				res.Removed++
			}
		}
	}

	if len(toReplace) > 0 {
		deleted, err := b.store.DeleteByDocIDs(ctx, toReplace)
		if err != nil {
			return res, fmt.Errorf("delete stale vectors: %w", err)
		}
		res.VectorsDeleted = deleted
	}

	for _, doc := range toIndex {
		upserted, err := b.indexOne(ctx, doc)
		if err != nil {
			return res, fmt.Errorf("index %s: %w", doc.ID, err)
		}
		res.ChunksUpserted += upserted
	}

	if len(toIndex) > 0 || res.Removed > 0 {
		if err := b.persist(ctx); err != nil {
			return res, err
		}
	}

	res.Elapsed = time.Since(start)
	b.log.Info("index sync",
		"added", res.Added, "updated", res.Updated, "unchanged", res.Unchanged,
		"removed", res.Removed, "chunks", res.ChunksUpserted)
	return res, nil
}

// indexOne chunks, embeds and upserts a single document, then records it in
// the manifest.
func (b *Builder) indexOne(ctx context.Context, doc *knowledge.KnowledgeDocument) (int, error) {
	chunks := knowledge.ChunkDocument(doc)
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Title + "\n" + c.Content
	}
	vecs, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	chunkIDs := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
		chunkIDs[i] = chunks[i].ID
	}
	if err := b.store.Upsert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	b.manifest.Set(doc.ID, knowledge.ManifestEntry{
		ContentHash:    doc.ContentHash(),
		SourceRevision: doc.Metadata.String("source_revision"),
		ChunkIDs:       chunkIDs,
		IndexedAt:      time.Now().UTC(),
		Metadata: knowledge.Metadata{
			"doc_type": string(doc.DocType),
			"source":   doc.Source,
		},
	})
	return len(chunks), nil
}

// persist saves the store snapshot first, then the manifest. A crash between
// the two leaves extra vectors in the store that the next sync re-replaces;
// the reverse order would record documents the store does not hold.
func (b *Builder) persist(ctx context.Context) error {
	if err := b.store.Save(ctx); err != nil {
		return fmt.Errorf("save vector store: %w", err)
	}
	if flusher, ok := b.embedder.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return fmt.Errorf("flush embed cache: %w", err)
		}
	}
	if err := b.manifest.Save(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}
