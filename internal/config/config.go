package config

import "time"

// Duration wraps time.Duration so config files can spell timeouts as "5s".
type Duration struct {
	Duration time.Duration
}

type HTTPConfig struct {
	Addr              string   `json:"addr" yaml:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxRequestBytes   int64    `json:"max_request_bytes" yaml:"max_request_bytes"`
	CORSAllowOrigins  []string `json:"cors_allow_origins,omitempty" yaml:"cors_allow_origins,omitempty"`

	// MaxConcurrentRequests bounds in-flight /ask requests; MaxQueueDepth is
	// the admission queue beyond which new requests are rejected as
	// overloaded.
	MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	MaxQueueDepth         int `json:"max_queue_depth" yaml:"max_queue_depth"`
}

// AuthMode selects how callers are identified.
//   - "jwt": Authorization bearer token, HMAC-signed claims carry identity.
//   - "api_key": X-Api-Key matched against bcrypt-hashed registry entries.
//   - "trust": the request body's userContext is taken as-is (development).
type AuthConfig struct {
	Mode        string        `json:"mode" yaml:"mode"`
	JWTSecret   string        `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	APIKeys     []APIKeyEntry `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	IngestToken string        `json:"ingest_token,omitempty" yaml:"ingest_token,omitempty"`
}

// APIKeyEntry maps a bcrypt-hashed API key to a fixed caller identity.
type APIKeyEntry struct {
	KeyHash  string   `json:"key_hash" yaml:"key_hash"`
	UserID   string   `json:"user_id" yaml:"user_id"`
	TenantID string   `json:"tenant_id" yaml:"tenant_id"`
	GroupIDs []string `json:"group_ids,omitempty" yaml:"group_ids,omitempty"`
}

type EmbeddingConfig struct {
	BaseURL    string   `json:"base_url" yaml:"base_url"`
	Path       string   `json:"path,omitempty" yaml:"path,omitempty"`
	APIKey     string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model      string   `json:"model,omitempty" yaml:"model,omitempty"`
	VectorDim  int      `json:"vector_dim" yaml:"vector_dim"`
	Timeout    Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries"`
	CacheTTL   Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type LLMConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Path        string   `json:"path,omitempty" yaml:"path,omitempty"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model       string   `json:"model" yaml:"model"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	Stream      bool     `json:"stream,omitempty" yaml:"stream,omitempty"`
}

type StoreConfig struct {
	// Provider is "qdrant" or "pgvector".
	Provider string       `json:"provider" yaml:"provider"`
	Qdrant   QdrantConfig `json:"qdrant,omitempty" yaml:"qdrant,omitempty"`
	// Pgvector reuses the process-wide Postgres DSN (PostgresDSN below).
	PgTable string `json:"pg_table,omitempty" yaml:"pg_table,omitempty"`
}

type QdrantConfig struct {
	URL        string `json:"url" yaml:"url"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Collection string `json:"collection" yaml:"collection"`
	VectorDim  int    `json:"vector_dim" yaml:"vector_dim"`
}

type RetrievalConfig struct {
	TopK int `json:"top_k" yaml:"top_k"`
	// HeadroomTopK is used instead of TopK while the domain-less reranker is
	// enabled, so it has enough candidates to rescore.
	HeadroomTopK         int      `json:"headroom_top_k" yaml:"headroom_top_k"`
	VectorSearchTimeout  Duration `json:"vector_search_timeout" yaml:"vector_search_timeout"`
	KeywordSearchTimeout Duration `json:"keyword_search_timeout" yaml:"keyword_search_timeout"`
}

type FusionConfig struct {
	Strategy      string  `json:"strategy" yaml:"strategy"`
	KParam        int     `json:"k_param" yaml:"k_param"`
	VectorWeight  float64 `json:"vector_weight" yaml:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight" yaml:"keyword_weight"`
}

// Fusion strategy names.
const (
	FusionWeightedAverage  = "weighted_average"
	FusionScoreWeightedRRF = "score_weighted_rrf"
	FusionMaxConfidence    = "max_confidence"
	FusionBordaRank        = "borda_rank"
)

type KwFieldWeights struct {
	Body        float64 `json:"body" yaml:"body"`
	Title       float64 `json:"title" yaml:"title"`
	Header      float64 `json:"header" yaml:"header"`
	SectionPath float64 `json:"section_path" yaml:"section_path"`
	DocID       float64 `json:"doc_id" yaml:"doc_id"`
}

type KwrankConfig struct {
	Enabled          *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Lambda           float64        `json:"lambda" yaml:"lambda"`
	IDFGamma         float64        `json:"idf_gamma" yaml:"idf_gamma"`
	RankDecay        float64        `json:"rank_decay" yaml:"rank_decay"`
	FieldWeights     KwFieldWeights `json:"field_weights" yaml:"field_weights"`
	BodySatC         float64        `json:"body_sat_c" yaml:"body_sat_c"`
	EarlyPosTokens   int            `json:"early_pos_tokens" yaml:"early_pos_tokens"`
	EarlyPosNudge    float64        `json:"early_pos_nudge" yaml:"early_pos_nudge"`
	ProxWin          int            `json:"prox_win" yaml:"prox_win"`
	ProximityBeta    float64        `json:"proximity_beta" yaml:"proximity_beta"`
	CoverageAlpha    float64        `json:"coverage_alpha" yaml:"coverage_alpha"`
	ExclusivityGamma float64        `json:"exclusivity_gamma" yaml:"exclusivity_gamma"`
	ClampKwNorm      float64        `json:"clamp_kw_norm" yaml:"clamp_kw_norm"`
	TopkCoverage     int            `json:"topk_coverage" yaml:"topk_coverage"`
}

type RerankConfig struct {
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	BaseURL         string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Path            string   `json:"path,omitempty" yaml:"path,omitempty"`
	APIKey          string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model           string   `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	FallbackEnabled *bool    `json:"fallback_enabled,omitempty" yaml:"fallback_enabled,omitempty"`
	TopIn           int      `json:"top_in" yaml:"top_in"`
	TopOut          int      `json:"top_out" yaml:"top_out"`
}

type SectionConfig struct {
	Enabled              *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxSectionsPerQuery  int      `json:"max_sections_per_query" yaml:"max_sections_per_query"`
	MaxParts             int      `json:"max_parts" yaml:"max_parts"`
	CompletionTimeout    Duration `json:"completion_timeout" yaml:"completion_timeout"`
	MergeStrategy        string   `json:"merge_strategy" yaml:"merge_strategy"`
	MinTriggerConfidence float64  `json:"min_trigger_confidence" yaml:"min_trigger_confidence"`
	MinCompleteness      float64  `json:"min_completeness" yaml:"min_completeness"`
}

// Section merge policies into the result set.
const (
	MergeReplace    = "replace"
	MergeAppend     = "append"
	MergeInterleave = "interleave"
)

type PackerConfig struct {
	Enabled          *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	Tokenizer        string  `json:"tokenizer" yaml:"tokenizer"`
	NoveltyFloor     float64 `json:"novelty_floor" yaml:"novelty_floor"`
	BonusConfidence  float64 `json:"bonus_confidence" yaml:"bonus_confidence"`
}

type ConfidenceConfig struct {
	MaxConfidenceThreshold float64 `json:"max_confidence_threshold" yaml:"max_confidence_threshold"`
	DegradationThreshold   float64 `json:"degradation_threshold" yaml:"degradation_threshold"`
	VectorWeight           float64 `json:"vector_weight" yaml:"vector_weight"`
	KeywordWeight          float64 `json:"keyword_weight" yaml:"keyword_weight"`
	FusionWeight           float64 `json:"fusion_weight" yaml:"fusion_weight"`
	RerankWeight           float64 `json:"rerank_weight" yaml:"rerank_weight"`
}

type GuardrailConfig struct {
	// Preset names a canonical threshold; Threshold overrides it when >0.
	Preset              string  `json:"preset,omitempty" yaml:"preset,omitempty"`
	Threshold           float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MinTopScore         float64 `json:"min_top_score" yaml:"min_top_score"`
	MinMeanScore        float64 `json:"min_mean_score" yaml:"min_mean_score"`
	MaxStdDev           float64 `json:"max_std_dev" yaml:"max_std_dev"`
	MinResultCount      int     `json:"min_result_count" yaml:"min_result_count"`
	AuditEnabled        *bool   `json:"audit_enabled,omitempty" yaml:"audit_enabled,omitempty"`
	IdkTemplatesEnabled *bool   `json:"idk_templates_enabled,omitempty" yaml:"idk_templates_enabled,omitempty"`
	Bypass              bool    `json:"bypass,omitempty" yaml:"bypass,omitempty"`
}

type StatsConfig struct {
	RefreshInterval Duration `json:"refresh_interval" yaml:"refresh_interval"`
	SampleLimit     int      `json:"sample_limit" yaml:"sample_limit"`
}

type TimeoutsConfig struct {
	Overall   Duration `json:"overall" yaml:"overall"`
	Embedding Duration `json:"embedding" yaml:"embedding"`
}

// Pipeline groups every per-tenant tunable of the query path.
type Pipeline struct {
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	Fusion     FusionConfig     `json:"fusion" yaml:"fusion"`
	Kwrank     KwrankConfig     `json:"kwrank" yaml:"kwrank"`
	Rerank     RerankConfig     `json:"rerank" yaml:"rerank"`
	Section    SectionConfig    `json:"section" yaml:"section"`
	Packer     PackerConfig     `json:"packer" yaml:"packer"`
	Confidence ConfidenceConfig `json:"confidence" yaml:"confidence"`
	Guardrail  GuardrailConfig  `json:"guardrail" yaml:"guardrail"`
	Timeouts   TimeoutsConfig   `json:"timeouts" yaml:"timeouts"`

	// SystemPrompts resolves tenant → language → global when assembling the
	// synthesis prompt; key "" or "default" is the fallback.
	SystemPrompts map[string]string `json:"system_prompts,omitempty" yaml:"system_prompts,omitempty"`

	// LLMMaxTokensOverride is request-scoped only: when >0 it caps synthesis
	// output tokens for that request. Never read from config files.
	LLMMaxTokensOverride int `json:"-" yaml:"-"`
}

// TenantOverlay is a partial Pipeline: nil/zero fields inherit the base.
type TenantOverlay struct {
	Retrieval  *RetrievalConfig  `json:"retrieval,omitempty" yaml:"retrieval,omitempty"`
	Fusion     *FusionConfig     `json:"fusion,omitempty" yaml:"fusion,omitempty"`
	Kwrank     *KwrankConfig     `json:"kwrank,omitempty" yaml:"kwrank,omitempty"`
	Rerank     *RerankConfig     `json:"rerank,omitempty" yaml:"rerank,omitempty"`
	Section    *SectionConfig    `json:"section,omitempty" yaml:"section,omitempty"`
	Packer     *PackerConfig     `json:"packer,omitempty" yaml:"packer,omitempty"`
	Confidence *ConfidenceConfig `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Guardrail  *GuardrailConfig  `json:"guardrail,omitempty" yaml:"guardrail,omitempty"`
	Timeouts   *TimeoutsConfig   `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	SystemPrompts map[string]string `json:"system_prompts,omitempty" yaml:"system_prompts,omitempty"`
}

type Config struct {
	Env         string          `json:"env" yaml:"env"`
	HTTP        HTTPConfig      `json:"http" yaml:"http"`
	Auth        AuthConfig      `json:"auth" yaml:"auth"`
	Store       StoreConfig     `json:"store" yaml:"store"`
	PostgresDSN string          `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	RedisAddr   string          `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	Embedding   EmbeddingConfig `json:"embedding" yaml:"embedding"`
	LLM         LLMConfig       `json:"llm" yaml:"llm"`
	Stats       StatsConfig     `json:"stats" yaml:"stats"`
	Pipeline    Pipeline        `json:"pipeline" yaml:"pipeline"`

	Tenants map[string]TenantOverlay `json:"tenants,omitempty" yaml:"tenants,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func boolPtr(v bool) *bool { return &v }

// KwrankEnabled reports whether the domain-less reranker runs.
func (p Pipeline) KwrankEnabled() bool { return boolOr(p.Kwrank.Enabled, true) }

// RerankEnabled reports whether the cross-encoder stage runs.
func (p Pipeline) RerankEnabled() bool { return boolOr(p.Rerank.Enabled, true) }

// RerankFallbackEnabled reports whether rerank failures fall back to the
// fusion ordering. When false a rerank failure aborts the request.
func (p Pipeline) RerankFallbackEnabled() bool { return boolOr(p.Rerank.FallbackEnabled, true) }

func (p Pipeline) SectionEnabled() bool { return boolOr(p.Section.Enabled, true) }

func (p Pipeline) PackingEnabled() bool { return boolOr(p.Packer.Enabled, true) }

func (p Pipeline) AuditEnabled() bool { return boolOr(p.Guardrail.AuditEnabled, true) }

func (p Pipeline) IdkTemplatesEnabled() bool { return boolOr(p.Guardrail.IdkTemplatesEnabled, true) }

// EffectiveTopK is the per-branch search depth, with headroom while the
// domain-less reranker is active.
func (p Pipeline) EffectiveTopK() int {
	if p.KwrankEnabled() && p.Retrieval.HeadroomTopK > 0 {
		return p.Retrieval.HeadroomTopK
	}
	if p.Retrieval.TopK > 0 {
		return p.Retrieval.TopK
	}
	return 20
}

// GuardrailMinConfidence resolves preset/threshold to the effective floor.
func (p Pipeline) GuardrailMinConfidence() float64 {
	if p.Guardrail.Threshold > 0 {
		return p.Guardrail.Threshold
	}
	switch p.Guardrail.Preset {
	case "permissive":
		return 0.2
	case "strict":
		return 0.5
	case "paranoid":
		return 0.7
	case "moderate", "":
		return 0.3
	default:
		return 0.3
	}
}
