package config

import (
	"fmt"
	"time"
)

// PipelineFor resolves the effective pipeline for a tenant: the base
// pipeline with the tenant's overlay merged on top. Unknown tenants get the
// base unchanged.
func (c *Config) PipelineFor(tenantID string) Pipeline {
	ov, ok := c.Tenants[tenantID]
	if !ok {
		return c.Pipeline
	}
	return ResolvePipeline(c.Pipeline, &ov)
}

// ResolvePipeline merges an overlay onto a base pipeline. Zero-valued
// overlay fields inherit the base; explicit booleans use pointers so that
// "false" survives the merge.
func ResolvePipeline(base Pipeline, ov *TenantOverlay) Pipeline {
	out := base
	if ov == nil {
		return out
	}
	if ov.Retrieval != nil {
		mergeRetrieval(&out.Retrieval, ov.Retrieval)
	}
	if ov.Fusion != nil {
		mergeFusion(&out.Fusion, ov.Fusion)
	}
	if ov.Kwrank != nil {
		mergeKwrank(&out.Kwrank, ov.Kwrank)
	}
	if ov.Rerank != nil {
		mergeRerank(&out.Rerank, ov.Rerank)
	}
	if ov.Section != nil {
		mergeSection(&out.Section, ov.Section)
	}
	if ov.Packer != nil {
		mergePacker(&out.Packer, ov.Packer)
	}
	if ov.Confidence != nil {
		mergeConfidence(&out.Confidence, ov.Confidence)
	}
	if ov.Guardrail != nil {
		mergeGuardrail(&out.Guardrail, ov.Guardrail)
	}
	if ov.Timeouts != nil {
		mergeTimeouts(&out.Timeouts, ov.Timeouts)
	}
	if len(ov.SystemPrompts) > 0 {
		merged := make(map[string]string, len(base.SystemPrompts)+len(ov.SystemPrompts))
		for k, v := range base.SystemPrompts {
			merged[k] = v
		}
		for k, v := range ov.SystemPrompts {
			merged[k] = v
		}
		out.SystemPrompts = merged
	}
	return out
}

func mergeRetrieval(dst *RetrievalConfig, src *RetrievalConfig) {
	if src.TopK > 0 {
		dst.TopK = src.TopK
	}
	if src.HeadroomTopK > 0 {
		dst.HeadroomTopK = src.HeadroomTopK
	}
	if src.VectorSearchTimeout.Duration > 0 {
		dst.VectorSearchTimeout = src.VectorSearchTimeout
	}
	if src.KeywordSearchTimeout.Duration > 0 {
		dst.KeywordSearchTimeout = src.KeywordSearchTimeout
	}
}

func mergeFusion(dst *FusionConfig, src *FusionConfig) {
	if src.Strategy != "" {
		dst.Strategy = src.Strategy
	}
	if src.KParam > 0 {
		dst.KParam = src.KParam
	}
	if src.VectorWeight > 0 {
		dst.VectorWeight = src.VectorWeight
	}
	if src.KeywordWeight > 0 {
		dst.KeywordWeight = src.KeywordWeight
	}
}

func mergeKwrank(dst *KwrankConfig, src *KwrankConfig) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.Lambda > 0 {
		dst.Lambda = src.Lambda
	}
	if src.IDFGamma > 0 {
		dst.IDFGamma = src.IDFGamma
	}
	if src.RankDecay > 0 {
		dst.RankDecay = src.RankDecay
	}
	if src.FieldWeights.Body > 0 {
		dst.FieldWeights.Body = src.FieldWeights.Body
	}
	if src.FieldWeights.Title > 0 {
		dst.FieldWeights.Title = src.FieldWeights.Title
	}
	if src.FieldWeights.Header > 0 {
		dst.FieldWeights.Header = src.FieldWeights.Header
	}
	if src.FieldWeights.SectionPath > 0 {
		dst.FieldWeights.SectionPath = src.FieldWeights.SectionPath
	}
	if src.FieldWeights.DocID > 0 {
		dst.FieldWeights.DocID = src.FieldWeights.DocID
	}
	if src.BodySatC > 0 {
		dst.BodySatC = src.BodySatC
	}
	if src.EarlyPosTokens > 0 {
		dst.EarlyPosTokens = src.EarlyPosTokens
	}
	if src.EarlyPosNudge > 0 {
		dst.EarlyPosNudge = src.EarlyPosNudge
	}
	if src.ProxWin > 0 {
		dst.ProxWin = src.ProxWin
	}
	if src.ProximityBeta > 0 {
		dst.ProximityBeta = src.ProximityBeta
	}
	if src.CoverageAlpha > 0 {
		dst.CoverageAlpha = src.CoverageAlpha
	}
	if src.ExclusivityGamma > 0 {
		dst.ExclusivityGamma = src.ExclusivityGamma
	}
	if src.ClampKwNorm > 0 {
		dst.ClampKwNorm = src.ClampKwNorm
	}
	if src.TopkCoverage > 0 {
		dst.TopkCoverage = src.TopkCoverage
	}
}

func mergeRerank(dst *RerankConfig, src *RerankConfig) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Path != "" {
		dst.Path = src.Path
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Timeout.Duration > 0 {
		dst.Timeout = src.Timeout
	}
	if src.FallbackEnabled != nil {
		dst.FallbackEnabled = src.FallbackEnabled
	}
	if src.TopIn > 0 {
		dst.TopIn = src.TopIn
	}
	if src.TopOut > 0 {
		dst.TopOut = src.TopOut
	}
}

func mergeSection(dst *SectionConfig, src *SectionConfig) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.MaxSectionsPerQuery > 0 {
		dst.MaxSectionsPerQuery = src.MaxSectionsPerQuery
	}
	if src.MaxParts > 0 {
		dst.MaxParts = src.MaxParts
	}
	if src.CompletionTimeout.Duration > 0 {
		dst.CompletionTimeout = src.CompletionTimeout
	}
	if src.MergeStrategy != "" {
		dst.MergeStrategy = src.MergeStrategy
	}
	if src.MinTriggerConfidence > 0 {
		dst.MinTriggerConfidence = src.MinTriggerConfidence
	}
	if src.MinCompleteness > 0 {
		dst.MinCompleteness = src.MinCompleteness
	}
}

func mergePacker(dst *PackerConfig, src *PackerConfig) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.MaxContextTokens > 0 {
		dst.MaxContextTokens = src.MaxContextTokens
	}
	if src.Tokenizer != "" {
		dst.Tokenizer = src.Tokenizer
	}
	if src.NoveltyFloor > 0 {
		dst.NoveltyFloor = src.NoveltyFloor
	}
	if src.BonusConfidence > 0 {
		dst.BonusConfidence = src.BonusConfidence
	}
}

func mergeConfidence(dst *ConfidenceConfig, src *ConfidenceConfig) {
	if src.MaxConfidenceThreshold > 0 {
		dst.MaxConfidenceThreshold = src.MaxConfidenceThreshold
	}
	if src.DegradationThreshold > 0 {
		dst.DegradationThreshold = src.DegradationThreshold
	}
	if src.VectorWeight > 0 {
		dst.VectorWeight = src.VectorWeight
	}
	if src.KeywordWeight > 0 {
		dst.KeywordWeight = src.KeywordWeight
	}
	if src.FusionWeight > 0 {
		dst.FusionWeight = src.FusionWeight
	}
	if src.RerankWeight > 0 {
		dst.RerankWeight = src.RerankWeight
	}
}

func mergeGuardrail(dst *GuardrailConfig, src *GuardrailConfig) {
	if src.Preset != "" {
		dst.Preset = src.Preset
		dst.Threshold = 0
	}
	if src.Threshold > 0 {
		dst.Threshold = src.Threshold
	}
	if src.MinTopScore > 0 {
		dst.MinTopScore = src.MinTopScore
	}
	if src.MinMeanScore > 0 {
		dst.MinMeanScore = src.MinMeanScore
	}
	if src.MaxStdDev > 0 {
		dst.MaxStdDev = src.MaxStdDev
	}
	if src.MinResultCount > 0 {
		dst.MinResultCount = src.MinResultCount
	}
	if src.AuditEnabled != nil {
		dst.AuditEnabled = src.AuditEnabled
	}
	if src.IdkTemplatesEnabled != nil {
		dst.IdkTemplatesEnabled = src.IdkTemplatesEnabled
	}
	if src.Bypass {
		dst.Bypass = true
	}
}

func mergeTimeouts(dst *TimeoutsConfig, src *TimeoutsConfig) {
	if src.Overall.Duration > 0 {
		dst.Overall = src.Overall
	}
	if src.Embedding.Duration > 0 {
		dst.Embedding = src.Embedding
	}
}

// Per-query override keys accepted on the /ask request. Anything else is an
// invalid request; callers never get to touch auth, store, or audit knobs.
var overrideKeys = map[string]struct{}{
	"fusionStrategy":         {},
	"fusionKParam":           {},
	"hybridVectorWeight":     {},
	"hybridKeywordWeight":    {},
	"kwPointsEnabled":        {},
	"kwLambda":               {},
	"rerankerEnabled":        {},
	"sectionAwareEnabled":    {},
	"sectionMergeStrategy":   {},
	"contextPackingEnabled":  {},
	"maxContextTokens":       {},
	"guardrailPreset":        {},
	"guardrailMinConfidence": {},
	"answerabilityBonus":     {},
	"synthesisMaxTokens":     {},
	"overallTimeoutMs":       {},
}

// ApplyOverrides layers request-scoped overrides onto an already-resolved
// pipeline. It returns an error naming the first unknown or ill-typed key so
// the handler can fail the request as invalid.
func ApplyOverrides(p Pipeline, overrides map[string]any) (Pipeline, error) {
	if len(overrides) == 0 {
		return p, nil
	}
	out := p
	for key, raw := range overrides {
		if _, ok := overrideKeys[key]; !ok {
			return p, fmt.Errorf("unknown override %q", key)
		}
		switch key {
		case "fusionStrategy":
			s, ok := raw.(string)
			if !ok {
				return p, fmt.Errorf("override %q must be a string", key)
			}
			switch s {
			case FusionWeightedAverage, FusionScoreWeightedRRF, FusionMaxConfidence, FusionBordaRank:
				out.Fusion.Strategy = s
			default:
				return p, fmt.Errorf("override fusionStrategy %q is not a known strategy", s)
			}
		case "fusionKParam":
			n, err := asPositiveInt(key, raw)
			if err != nil {
				return p, err
			}
			out.Fusion.KParam = n
		case "hybridVectorWeight":
			f, err := asUnitFloat(key, raw)
			if err != nil {
				return p, err
			}
			out.Fusion.VectorWeight = f
		case "hybridKeywordWeight":
			f, err := asUnitFloat(key, raw)
			if err != nil {
				return p, err
			}
			out.Fusion.KeywordWeight = f
		case "kwPointsEnabled":
			b, err := asBool(key, raw)
			if err != nil {
				return p, err
			}
			out.Kwrank.Enabled = boolPtr(b)
		case "kwLambda":
			f, err := asUnitFloat(key, raw)
			if err != nil {
				return p, err
			}
			out.Kwrank.Lambda = f
		case "rerankerEnabled":
			b, err := asBool(key, raw)
			if err != nil {
				return p, err
			}
			out.Rerank.Enabled = boolPtr(b)
		case "sectionAwareEnabled":
			b, err := asBool(key, raw)
			if err != nil {
				return p, err
			}
			out.Section.Enabled = boolPtr(b)
		case "sectionMergeStrategy":
			s, ok := raw.(string)
			if !ok {
				return p, fmt.Errorf("override %q must be a string", key)
			}
			switch s {
			case MergeReplace, MergeAppend, MergeInterleave:
				out.Section.MergeStrategy = s
			default:
				return p, fmt.Errorf("override sectionMergeStrategy %q is not a known strategy", s)
			}
		case "contextPackingEnabled":
			b, err := asBool(key, raw)
			if err != nil {
				return p, err
			}
			out.Packer.Enabled = boolPtr(b)
		case "maxContextTokens":
			n, err := asPositiveInt(key, raw)
			if err != nil {
				return p, err
			}
			out.Packer.MaxContextTokens = n
		case "guardrailPreset":
			s, ok := raw.(string)
			if !ok {
				return p, fmt.Errorf("override %q must be a string", key)
			}
			switch s {
			case "permissive", "moderate", "strict", "paranoid":
				out.Guardrail.Preset = s
				out.Guardrail.Threshold = 0
			default:
				return p, fmt.Errorf("override guardrailPreset %q is not a known preset", s)
			}
		case "guardrailMinConfidence":
			f, err := asUnitFloat(key, raw)
			if err != nil {
				return p, err
			}
			out.Guardrail.Threshold = f
		case "answerabilityBonus":
			f, err := asUnitFloat(key, raw)
			if err != nil {
				return p, err
			}
			out.Packer.BonusConfidence = f
		case "synthesisMaxTokens":
			n, err := asPositiveInt(key, raw)
			if err != nil {
				return p, err
			}
			out.LLMMaxTokensOverride = n
		case "overallTimeoutMs":
			n, err := asPositiveInt(key, raw)
			if err != nil {
				return p, err
			}
			d := time.Duration(n) * time.Millisecond
			if d > p.Timeouts.Overall.Duration {
				return p, fmt.Errorf("override overallTimeoutMs may only shorten the deadline")
			}
			out.Timeouts.Overall = dur(d)
		}
	}
	return out, nil
}

func asBool(key string, raw any) (bool, error) {
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("override %q must be a boolean", key)
	}
	return b, nil
}

func asPositiveInt(key string, raw any) (int, error) {
	switch t := raw.(type) {
	case float64:
		if t <= 0 || t != float64(int(t)) {
			return 0, fmt.Errorf("override %q must be a positive integer", key)
		}
		return int(t), nil
	case int:
		if t <= 0 {
			return 0, fmt.Errorf("override %q must be a positive integer", key)
		}
		return t, nil
	default:
		return 0, fmt.Errorf("override %q must be a positive integer", key)
	}
}

func asUnitFloat(key string, raw any) (float64, error) {
	f, ok := raw.(float64)
	if !ok {
		if n, isInt := raw.(int); isInt {
			f = float64(n)
			ok = true
		}
	}
	if !ok || f < 0 || f > 1 {
		return 0, fmt.Errorf("override %q must be a number in [0,1]", key)
	}
	return f, nil
}
