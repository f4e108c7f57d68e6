package domain

// ReasonCode explains a guardrail refusal.
type ReasonCode string

const (
	ReasonLowConfidence ReasonCode = "low_confidence"
	ReasonNoResults     ReasonCode = "no_results"
	ReasonOffDomain     ReasonCode = "off_domain"
	ReasonPolicy        ReasonCode = "policy"
)

// FreshnessBucket classifies a source document's age.
type FreshnessBucket string

const (
	FreshnessFresh  FreshnessBucket = "Fresh"
	FreshnessRecent FreshnessBucket = "Recent"
	FreshnessStale  FreshnessBucket = "Stale"
)

type Freshness struct {
	Bucket  FreshnessBucket `json:"bucket"`
	AgeDays int             `json:"ageDays"`
}

// Citation links a span of the answer back to a packed context candidate.
// Numbers are 1-based and contiguous after extraction.
type Citation struct {
	Number    int       `json:"number"`
	DocID     string    `json:"docId"`
	Excerpt   string    `json:"excerpt"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	Freshness Freshness `json:"freshness"`
	Score     float64   `json:"score"`
}

// IdkResponse is a principled refusal returned in lieu of an answer.
type IdkResponse struct {
	Message     string     `json:"message"`
	ReasonCode  ReasonCode `json:"reasonCode"`
	Suggestions []string   `json:"suggestions,omitempty"`
}

type GuardrailResult struct {
	Decision   string     `json:"decision"`
	ReasonCode ReasonCode `json:"reasonCode,omitempty"`
	Confidence float64    `json:"confidence"`
}

const (
	DecisionAnswerable = "answerable"
	DecisionRefused    = "refused"
)

// RetrievedItem is the caller-visible view of a packed context candidate.
type RetrievedItem struct {
	ID          string  `json:"id"`
	DocID       string  `json:"docId"`
	SectionPath string  `json:"sectionPath,omitempty"`
	URL         string  `json:"url,omitempty"`
	Score       float64 `json:"score"`
	IsSection   bool    `json:"isSection,omitempty"`
}

// AnswerEnvelope is the /ask response body. Exactly one of Answer or Idk is
// set.
type AnswerEnvelope struct {
	Answer            string                 `json:"answer,omitempty"`
	Idk               *IdkResponse           `json:"idk,omitempty"`
	Citations         []Citation             `json:"citations"`
	Retrieved         []RetrievedItem        `json:"retrieved"`
	Guardrail         GuardrailResult        `json:"guardrail"`
	StageMetrics      map[string]StageMetric `json:"stageMetrics"`
	DegradationAlerts []DegradationAlert     `json:"degradationAlerts,omitempty"`
}
