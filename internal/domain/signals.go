package domain

// Stage names used in signals, metrics, and traces.
type Stage string

const (
	StageVector  Stage = "vector"
	StageKeyword Stage = "keyword"
	StageFusion  Stage = "fusion"
	StageRerank  Stage = "rerank"
)

// StageSignal summarizes one retrieval stage's output for the confidence
// model. Signals are attached in pipeline order and never mutated afterwards.
type StageSignal struct {
	Stage               Stage   `json:"stage"`
	Confidence          float64 `json:"confidence"`
	Quality             float64 `json:"quality"`
	Top                 float64 `json:"top"`
	Mean                float64 `json:"mean"`
	StdDev              float64 `json:"stdDev"`
	Count               int     `json:"count"`
	QualityPreservation float64 `json:"qualityPreservation"`
	Degraded            bool    `json:"degraded,omitempty"`
	Reason              string  `json:"reason,omitempty"`
}

// DegradationAlert reports a stage that destroyed upstream quality beyond
// the configured threshold.
type DegradationAlert struct {
	Stage    Stage   `json:"stage"`
	Severity string  `json:"severity"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
}

// StageMetric is the per-stage entry of the response's stageMetrics block.
type StageMetric struct {
	DurationMs int64   `json:"durationMs"`
	Count      int     `json:"count"`
	Top        float64 `json:"top,omitempty"`
	Mean       float64 `json:"mean,omitempty"`
	Degraded   bool    `json:"degraded,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}
