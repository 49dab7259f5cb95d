// sentineld is the incident core daemon: it consumes alert frames from the
// bus, drives each incident through triage, analysis, planning and gated
// response, archives every frame, and serves the ops API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelops/cybersentinel/internal/bus"
	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/database"
	"github.com/sentinelops/cybersentinel/internal/embed"
	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/hypothesis"
	"github.com/sentinelops/cybersentinel/internal/ops"
	"github.com/sentinelops/cybersentinel/internal/orchestrator"
	"github.com/sentinelops/cybersentinel/internal/planner"
	"github.com/sentinelops/cybersentinel/internal/playbook"
	"github.com/sentinelops/cybersentinel/internal/policy"
	"github.com/sentinelops/cybersentinel/internal/retrieval"
	"github.com/sentinelops/cybersentinel/internal/triage"
	"github.com/sentinelops/cybersentinel/internal/vectorstore"
	"github.com/sentinelops/cybersentinel/internal/websocket"
)

const checkpointRetention = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	log := newLogger()
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := bus.NewMetrics(registry)

	// ------------------------------------------------------------------
	// Bus and incident state backends. "memory" runs everything in-process
	// for development and tabletop exercises.
	// ------------------------------------------------------------------
	opts := bus.Options{
		StreamPrefix:  cfg.Bus.StreamPrefix,
		MaxAckPending: cfg.Bus.MaxAckPending,
		MaxDeliver:    cfg.Bus.MaxDeliver,
		AckWait:       cfg.Bus.AckWait,
		Codec:         codecFor(cfg.Bus.Codec),
	}

	var (
		frameBus    bus.Bus
		checkpoints orchestrator.CheckpointStore
		leases      orchestrator.Lease
	)
	if strings.EqualFold(cfg.Bus.RedisAddr, "memory") {
		log.Warn("running on the in-memory bus, state will not survive restarts")
		frameBus = bus.NewMemoryBus(opts, metrics)
		checkpoints = orchestrator.NewMemoryCheckpoints()
		leases = orchestrator.NewMemoryLease()
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.RedisAddr,
			Password: cfg.Bus.RedisPassword,
			DB:       cfg.Bus.RedisDB,
		})
		frameBus = bus.NewRedisBus(rdb, opts, metrics)
		checkpoints = orchestrator.NewRedisCheckpoints(rdb, "", checkpointRetention)
		leases = orchestrator.NewRedisLease(rdb, "")
	}
	if err := frameBus.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer frameBus.Disconnect(context.Background())

	// ------------------------------------------------------------------
	// Knowledge and retrieval stack.
	// ------------------------------------------------------------------
	engine, err := buildRetrieval(ctx, cfg, log)
	if err != nil {
		return err
	}

	// ------------------------------------------------------------------
	// Orchestration pipeline.
	// ------------------------------------------------------------------
	streamer := websocket.NewStreamer(log)
	go streamer.Run(ctx)

	catalog := planner.BuiltinCatalog()
	orch := orchestrator.New(orchestrator.Deps{
		Bus:         frameBus,
		Triager:     triage.New(engine, cfg.Triage.DedupeWindow, log),
		Hypotheses:  hypothesis.NewBuilder(engine, log),
		Planner:     planner.New(catalog, log),
		Gate:        buildGate(cfg, log),
		Runner:      playbook.NewRunner(&playbook.SimulatedExecutor{Log: log}, log),
		Catalog:     catalog,
		Checkpoints: checkpoints,
		Leases:      leases,
		Budget: orchestrator.Budget{
			MaxSteps:    cfg.Orchestrator.MaxSteps,
			MaxWallTime: cfg.Orchestrator.MaxWallTime,
		},
		LeaseTTL: cfg.Orchestrator.LeaseTTL,
		Log:      log,
		OnDecision: func(incidentID string, d orchestrator.Decision) {
			streamer.StreamDecision(incidentID, d)
		},
	})
	orchSub, err := orch.Start(ctx)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// ------------------------------------------------------------------
	// Frame archive (optional, needs a Postgres DSN).
	// ------------------------------------------------------------------
	var archive *database.Archive
	var archiveSubs []bus.Subscription
	if cfg.Archive.PostgresDSN != "" {
		archive, err = database.Open(ctx, cfg.Archive.PostgresDSN, log)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer archive.Close()
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		archiveSubs, err = archive.Attach(ctx, frameBus, []string{
			orchestrator.TopicAlerts, orchestrator.TopicFindings,
			orchestrator.TopicPlans, orchestrator.TopicRuns,
		})
		if err != nil {
			return fmt.Errorf("attach archive: %w", err)
		}
	}

	// ------------------------------------------------------------------
	// Ops surface.
	// ------------------------------------------------------------------
	srv := ops.NewServer(ops.Deps{
		Addr:        cfg.Ops.ListenAddr,
		Bus:         frameBus,
		Checkpoints: checkpoints,
		Streamer:    streamer,
		Archive:     archive,
		Registry:    registry,
		Log:         log,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info("sentineld up",
		"bus", cfg.Bus.RedisAddr, "ops", cfg.Ops.ListenAddr,
		"archive", cfg.Archive.PostgresDSN != "")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = orchSub.Drain(shutdownCtx)
	for _, sub := range archiveSubs {
		_ = sub.Drain(shutdownCtx)
	}
	return nil
}

// buildRetrieval assembles embedder, vector store and reranker into the
// retrieval engine used by triage and hypothesis building.
func buildRetrieval(ctx context.Context, cfg *config.Config, log *slog.Logger) (*retrieval.Engine, error) {
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

	reranker, err := embed.NewReranker(cfg.Knowledge)
	if err != nil {
		return nil, err
	}
	return retrieval.NewEngine(embedder, store, reranker, cfg.Retrieval, log), nil
}

// buildGate prefers the external policy engine, guarded by the deterministic
// fallback; without an endpoint the fallback gates alone.
func buildGate(cfg *config.Config, log *slog.Logger) policy.Gate {
	if cfg.Policy.Endpoint == "" {
		log.Warn("no policy engine configured, using built-in fallback rules")
		return policy.FallbackGate{}
	}
	engine, err := policy.NewEngineGate(cfg.Policy)
	if err != nil {
		log.Warn("policy engine misconfigured, using built-in fallback rules", "error", err)
		return policy.FallbackGate{}
	}
	return policy.NewGuardedGate(engine, log)
}

func codecFor(name string) frame.Codec {
	if strings.EqualFold(name, "binary") {
		return frame.BinaryCodec{}
	}
	return frame.JSONCodec{}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}
