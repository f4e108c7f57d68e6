package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch t := v.(type) {
	case float64:
		d.Duration = time.Duration(t) * time.Millisecond
		return nil
	case int:
		d.Duration = time.Duration(t) * time.Millisecond
		return nil
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", t, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func dur(d time.Duration) Duration { return Duration{Duration: d} }

// Default returns the built-in configuration. Stage timeouts follow the
// budget of the 45s request deadline: embed 5s, vector 5s, keyword 3s,
// rerank 10s, section 2s, synthesis 25s.
func Default() Config {
	return Config{
		Env: "dev",
		HTTP: HTTPConfig{
			Addr:                  ":8080",
			ReadHeaderTimeout:     dur(5 * time.Second),
			IdleTimeout:           dur(60 * time.Second),
			ShutdownTimeout:       dur(15 * time.Second),
			MaxRequestBytes:       1 << 20,
			MaxConcurrentRequests: 64,
			MaxQueueDepth:         128,
		},
		Auth: AuthConfig{Mode: "jwt"},
		Store: StoreConfig{
			Provider: "qdrant",
			Qdrant: QdrantConfig{
				URL:        "http://localhost:6333",
				Collection: "qb_chunks",
				VectorDim:  1024,
			},
			PgTable: "qb_chunks",
		},
		Embedding: EmbeddingConfig{
			Path:       "/v1/embeddings",
			Model:      "bge-m3",
			VectorDim:  1024,
			Timeout:    dur(5 * time.Second),
			MaxRetries: 2,
			CacheTTL:   dur(10 * time.Minute),
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Path:        "/v1/chat/completions",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.1,
			Timeout:     dur(25 * time.Second),
		},
		Stats: StatsConfig{
			RefreshInterval: dur(15 * time.Minute),
			SampleLimit:     2000,
		},
		Pipeline: DefaultPipeline(),
	}
}

// DefaultPipeline is the base for every tenant overlay.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Retrieval: RetrievalConfig{
			TopK:                 20,
			HeadroomTopK:         50,
			VectorSearchTimeout:  dur(5 * time.Second),
			KeywordSearchTimeout: dur(3 * time.Second),
		},
		Fusion: FusionConfig{
			Strategy:      FusionWeightedAverage,
			KParam:        5,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		},
		Kwrank: KwrankConfig{
			Lambda:    0.25,
			IDFGamma:  1.0,
			RankDecay: 0.85,
			FieldWeights: KwFieldWeights{
				Body:        3.0,
				Title:       2.2,
				Header:      1.8,
				SectionPath: 1.3,
				DocID:       1.1,
			},
			BodySatC:         0.6,
			EarlyPosTokens:   250,
			EarlyPosNudge:    1.08,
			ProxWin:          30,
			ProximityBeta:    0.3,
			CoverageAlpha:    0.25,
			ExclusivityGamma: 0.3,
			ClampKwNorm:      2.0,
			TopkCoverage:     3,
		},
		Rerank: RerankConfig{
			Path:    "/v1/rerank",
			Model:   "bge-reranker-v2-m3",
			Timeout: dur(10 * time.Second),
			TopIn:   20,
			TopOut:  8,
		},
		Section: SectionConfig{
			MaxSectionsPerQuery:  2,
			MaxParts:             12,
			CompletionTimeout:    dur(2 * time.Second),
			MergeStrategy:        MergeInterleave,
			MinTriggerConfidence: 0.7,
			MinCompleteness:      0.3,
		},
		Packer: PackerConfig{
			MaxContextTokens: 8000,
			Tokenizer:        "heuristic",
			NoveltyFloor:     0.15,
			BonusConfidence:  0.75,
		},
		Confidence: ConfidenceConfig{
			MaxConfidenceThreshold: 0.8,
			DegradationThreshold:   0.3,
			VectorWeight:           0.4,
			KeywordWeight:          0.2,
			FusionWeight:           0.2,
			RerankWeight:           0.2,
		},
		Guardrail: GuardrailConfig{
			Preset:         "moderate",
			MinTopScore:    0.35,
			MinMeanScore:   0.15,
			MaxStdDev:      0.4,
			MinResultCount: 1,
		},
		Timeouts: TimeoutsConfig{
			Overall:   dur(45 * time.Second),
			Embedding: dur(5 * time.Second),
		},
	}
}

// defaultConfigPath is consulted when QB_CONFIG_PATH is unset. Its absence
// is not an error; the defaults plus env overrides stand on their own.
const defaultConfigPath = "config/config.json"

// Load builds the effective configuration: defaults, then the file named by
// QB_CONFIG_PATH (JSON or YAML, unknown fields rejected) or config/config.json
// when present, then environment overrides, then validation.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("QB_CONFIG_PATH")); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	} else if _, err := os.Stat(defaultConfigPath); err == nil {
		if err := loadFile(&cfg, defaultConfigPath); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	return nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Env, "QB_ENV")
	setStr(&cfg.HTTP.Addr, "QB_HTTP_ADDR")
	setStr(&cfg.Auth.Mode, "QB_AUTH_MODE")
	setStr(&cfg.Auth.JWTSecret, "QB_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.IngestToken, "QB_INGEST_TOKEN")
	setStr(&cfg.Store.Provider, "QB_STORE_PROVIDER")
	setStr(&cfg.Store.Qdrant.URL, "QDRANT_URL")
	setStr(&cfg.Store.Qdrant.APIKey, "QDRANT_API_KEY")
	setStr(&cfg.Store.Qdrant.Collection, "QDRANT_COLLECTION")
	setStr(&cfg.PostgresDSN, "POSTGRES_DSN")
	setStr(&cfg.RedisAddr, "REDIS_ADDR")
	setStr(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setStr(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	setStr(&cfg.Pipeline.Rerank.BaseURL, "RERANKER_BASE_URL")
	setStr(&cfg.Pipeline.Rerank.APIKey, "RERANKER_API_KEY")
	setStr(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.LLM.APIKey, "LLM_API_KEY")
	setStr(&cfg.LLM.Model, "LLM_MODEL")

	if v := strings.TrimSpace(os.Getenv("QB_MAX_CONCURRENT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTP.MaxConcurrentRequests = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Store.Qdrant.VectorDim = n
			cfg.Embedding.VectorDim = n
		}
	}
}

// Validate rejects configurations the engine cannot run with. Zero-valued
// tunables inherited from overlays are normalized here, not rejected.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.mode=jwt")
		}
	case "api_key":
		if len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("auth.api_keys is required when auth.mode=api_key")
		}
	case "trust":
	default:
		return fmt.Errorf("auth.mode must be jwt, api_key, or trust (got %q)", c.Auth.Mode)
	}
	switch c.Store.Provider {
	case "qdrant":
		if c.Store.Qdrant.URL == "" {
			return fmt.Errorf("store.qdrant.url is required")
		}
		if c.Store.Qdrant.Collection == "" {
			return fmt.Errorf("store.qdrant.collection is required")
		}
	case "pgvector":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when store.provider=pgvector")
		}
	default:
		return fmt.Errorf("store.provider must be qdrant or pgvector (got %q)", c.Store.Provider)
	}
	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base_url is required")
	}
	if c.Embedding.VectorDim <= 0 {
		return fmt.Errorf("embedding.vector_dim must be positive")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if err := validatePipeline("pipeline", c.Pipeline); err != nil {
		return err
	}
	for id, ov := range c.Tenants {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("tenants: empty tenant id")
		}
		if err := validatePipeline("tenants."+id, ResolvePipeline(c.Pipeline, &ov)); err != nil {
			return err
		}
	}
	return nil
}

func validatePipeline(scope string, p Pipeline) error {
	switch p.Fusion.Strategy {
	case FusionWeightedAverage, FusionScoreWeightedRRF, FusionMaxConfidence, FusionBordaRank:
	default:
		return fmt.Errorf("%s.fusion.strategy %q is not a known strategy", scope, p.Fusion.Strategy)
	}
	if p.Fusion.VectorWeight < 0 || p.Fusion.KeywordWeight < 0 {
		return fmt.Errorf("%s.fusion weights must be non-negative", scope)
	}
	if p.Fusion.VectorWeight+p.Fusion.KeywordWeight == 0 {
		return fmt.Errorf("%s.fusion weights must not both be zero", scope)
	}
	switch p.Section.MergeStrategy {
	case MergeReplace, MergeAppend, MergeInterleave:
	default:
		return fmt.Errorf("%s.section.merge_strategy %q is not a known strategy", scope, p.Section.MergeStrategy)
	}
	if p.Packer.MaxContextTokens <= 0 {
		return fmt.Errorf("%s.packer.max_context_tokens must be positive", scope)
	}
	if p.Kwrank.ClampKwNorm <= 0 {
		return fmt.Errorf("%s.kwrank.clamp_kw_norm must be positive", scope)
	}
	if min := p.GuardrailMinConfidence(); min < 0 || min > 1 {
		return fmt.Errorf("%s.guardrail threshold %v out of [0,1]", scope, min)
	}
	if p.Timeouts.Overall.Duration <= 0 {
		return fmt.Errorf("%s.timeouts.overall must be positive", scope)
	}
	return nil
}
