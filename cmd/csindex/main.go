// csindex builds and maintains the knowledge index consumed by the retrieval
// engine: ATT&CK techniques, CVE advisories and detection rules as JSON
// documents in a corpus directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/embed"
	"github.com/sentinelops/cybersentinel/internal/index"
	"github.com/sentinelops/cybersentinel/internal/knowledge"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "csindex:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		corpusDir = flag.String("corpus", "", "directory of knowledge document JSON files")
		mode      = flag.String("mode", "build", "build (full sync, prunes removed docs) or update (additive)")
		remove    = flag.String("remove", "", "comma-separated doc ids to remove instead of indexing")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	ctx := context.Background()

	builder, err := buildIndexer(ctx, cfg, log)
	if err != nil {
		return err
	}

	if *remove != "" {
		ids := strings.Split(*remove, ",")
		res, err := builder.RemoveDocuments(ctx, ids)
		if err != nil {
			return err
		}
		log.Info("documents removed",
			"removed", res.Removed, "vectors_deleted", res.VectorsDeleted,
			"elapsed", res.Elapsed)
		return nil
	}

	if *corpusDir == "" {
		return fmt.Errorf("-corpus is required unless -remove is given")
	}
	docs, err := loadCorpus(*corpusDir)
	if err != nil {
		return err
	}
	log.Info("corpus loaded", "documents", len(docs), "dir", *corpusDir)

	var res index.Result
	switch *mode {
	case "build":
		res, err = builder.BuildIndex(ctx, docs)
	case "update":
		res, err = builder.UpdateDocuments(ctx, docs)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		return err
	}
	log.Info("index synced",
		"mode", *mode,
		"added", res.Added, "updated", res.Updated, "unchanged", res.Unchanged,
		"removed", res.Removed, "chunks_upserted", res.ChunksUpserted,
		"vectors_deleted", res.VectorsDeleted, "elapsed", res.Elapsed)
	return nil
}

func buildIndexer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*index.Builder, error) {
	embedder, err := embed.NewEmbedder(cfg.Knowledge, log)
	if err != nil {
		return nil, err
	}
	if cfg.Knowledge.CachePath != "" {
		cached, err := embed.NewCache(embedder, cfg.Knowledge.CachePath)
		if err != nil {
			return nil, err
		}
		embedder = cached
	}

	var store vectorstore.Store
	switch cfg.Knowledge.VectorStore {
	case config.StorePinecone:
		store, err = vectorstore.NewPinecone(cfg.Knowledge.PineconeHost,
			cfg.Knowledge.PineconeAPIKey, cfg.Knowledge.PineconeNamespace,
			cfg.Knowledge.Dimension)
		if err != nil {
			return nil, err
		}
	default:
		local, err := vectorstore.NewLocal(cfg.Knowledge.DataDir, cfg.Knowledge.Dimension)
		if err != nil {
			return nil, err
		}
		if err := local.Load(ctx); err != nil {
			return nil, fmt.Errorf("load vector index: %w", err)
		}
		store = local
	}

	manifest, err := knowledge.LoadManifest(cfg.Knowledge.ManifestPath)
	if err != nil {
		return nil, err
	}
	return index.NewBuilder(store, embedder, manifest, log)
}

// loadCorpus reads every *.json file under dir. A file may hold one document
// or an array of documents.
func loadCorpus(dir string) ([]*knowledge.KnowledgeDocument, error) {
	var docs []*knowledge.KnowledgeDocument
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var many []*knowledge.KnowledgeDocument
		if err := json.Unmarshal(data, &many); err == nil {
			docs = append(docs, many...)
			return nil
		}
		var one knowledge.KnowledgeDocument
		if err := json.Unmarshal(data, &one); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		docs = append(docs, &one)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("document with empty id in corpus %s", dir)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}
