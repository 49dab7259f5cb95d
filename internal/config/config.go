// Package config loads platform configuration from YAML and resolves
// environment overrides on top of it. It is a leaf package so provider
// factories can report ErrBadConfig without import cycles.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrBadConfig marks configuration that names an unknown provider or backend
// or fails validation.
var ErrBadConfig = errors.New("bad configuration")

// Provider and backend names accepted by the factories.
const (
	EmbedOpenAI               = "openai"
	EmbedSentenceTransformers = "sentence_transformers"
	EmbedMock                 = "mock"

	StoreFAISS    = "faiss"
	StorePinecone = "pinecone"

	RerankCrossEncoder = "cross_encoder"
	RerankMock         = "mock"
	RerankNone         = "none"
)

type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Triage       TriageConfig       `yaml:"triage"`
	Policy       PolicyConfig       `yaml:"policy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Ops          OpsConfig          `yaml:"ops"`
}

type BusConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	StreamPrefix  string        `yaml:"stream_prefix"`
	Codec         string        `yaml:"codec"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
}

type KnowledgeConfig struct {
	VectorStore   string `yaml:"vector_store"`
	DataDir       string `yaml:"data_dir"`
	ManifestPath  string `yaml:"manifest_path"`
	EmbedProvider string `yaml:"embed_provider"`
	EmbedModel    string `yaml:"embed_model"`
	EmbedBaseURL  string `yaml:"embed_base_url"`
	EmbedAPIKey   string `yaml:"embed_api_key"`
	Dimension     int    `yaml:"dimension"`
	CachePath     string `yaml:"cache_path"`
	Reranker      string `yaml:"reranker"`
	RerankerURL   string `yaml:"reranker_url"`

	PineconeHost      string `yaml:"pinecone_host"`
	PineconeAPIKey    string `yaml:"pinecone_api_key"`
	PineconeNamespace string `yaml:"pinecone_namespace"`
}

type RetrievalConfig struct {
	DefaultK   int     `yaml:"default_k"`
	MaxResults int     `yaml:"max_results"`
	MinScore   float64 `yaml:"min_score"`
}

type TriageConfig struct {
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

type PolicyConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	PolicyPath string        `yaml:"policy_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

type OrchestratorConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	MaxWallTime time.Duration `yaml:"max_wall_time"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
}

type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			RedisAddr:     "localhost:6379",
			StreamPrefix:  "cs",
			Codec:         "json",
			MaxAckPending: 256,
			MaxDeliver:    5,
			AckWait:       30 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			VectorStore:   StoreFAISS,
			DataDir:       "data/index",
			ManifestPath:  "data/index/manifest.json",
			EmbedProvider: "",
			EmbedModel:    "all-MiniLM-L6-v2",
			Dimension:     384,
			CachePath:     "data/embed_cache.json",
			Reranker:      RerankNone,
		},
		Retrieval: RetrievalConfig{
			DefaultK:   5,
			MaxResults: 50,
			MinScore:   0.0,
		},
		Triage: TriageConfig{
			DedupeWindow: time.Hour,
		},
		Policy: PolicyConfig{
			PolicyPath: "cybersentinel/response",
			Timeout:    5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps:    25,
			MaxWallTime: 10 * time.Minute,
			LeaseTTL:    2 * time.Minute,
		},
		Ops: OpsConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads a YAML file on top of the defaults, applies environment
// overrides, then validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrBadConfig, path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv resolves environment overrides on top of the file values.
func (c *Config) applyEnv() {
	setString(&c.Bus.RedisAddr, "REDIS_ADDR")
	setString(&c.Bus.RedisPassword, "REDIS_PASSWORD")
	setString(&c.Knowledge.VectorStore, "VECTOR_STORE")
	setString(&c.Knowledge.EmbedProvider, "EMBEDDINGS_PROVIDER")
	setString(&c.Knowledge.EmbedAPIKey, "OPENAI_API_KEY")
	setString(&c.Knowledge.EmbedBaseURL, "EMBEDDINGS_BASE_URL")
	setString(&c.Knowledge.Reranker, "RERANKER")
	setString(&c.Knowledge.RerankerURL, "RERANKER_URL")
	setString(&c.Knowledge.PineconeHost, "PINECONE_HOST")
	setString(&c.Knowledge.PineconeAPIKey, "PINECONE_API_KEY")
	setString(&c.Policy.Endpoint, "OPA_URL")
	setString(&c.Archive.PostgresDSN, "DATABASE_URL")
	setString(&c.Ops.ListenAddr, "OPS_ADDR")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate rejects unknown provider and backend names. Empty embed provider
// is allowed and means "resolve by availability".
func (c *Config) Validate() error {
	switch c.Knowledge.VectorStore {
	case StoreFAISS, StorePinecone:
	default:
		return fmt.Errorf("%w: unknown vector store %q", ErrBadConfig, c.Knowledge.VectorStore)
	}
	switch c.Knowledge.EmbedProvider {
	case "", EmbedOpenAI, EmbedSentenceTransformers, EmbedMock:
	default:
		return fmt.Errorf("%w: unknown embeddings provider %q", ErrBadConfig, c.Knowledge.EmbedProvider)
	}
	switch c.Knowledge.Reranker {
	case "", RerankCrossEncoder, RerankMock, RerankNone:
	default:
		return fmt.Errorf("%w: unknown reranker %q", ErrBadConfig, c.Knowledge.Reranker)
	}
	if c.Knowledge.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", ErrBadConfig)
	}
	if c.Bus.MaxDeliver < 1 {
		return fmt.Errorf("%w: bus max_deliver must be at least 1", ErrBadConfig)
	}
	if c.Retrieval.DefaultK < 1 {
		return fmt.Errorf("%w: retrieval default_k must be at least 1", ErrBadConfig)
	}
	return nil
}
