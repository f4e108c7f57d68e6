package domain

// ErrorKind is the request-path error taxonomy. Soft kinds are recorded in
// stage signals and the pipeline proceeds; hard kinds abort the request.
type ErrorKind string

const (
	KindInvalidCaller            ErrorKind = "InvalidCaller"
	KindInvalidRequest           ErrorKind = "InvalidRequest"
	KindEmbeddingUnavailable     ErrorKind = "EmbeddingUnavailable"
	KindRetrievalUnavailable     ErrorKind = "RetrievalUnavailable"
	KindRerankDegraded           ErrorKind = "RerankDegraded"
	KindSectionCompletionTimeout ErrorKind = "SectionCompletionTimeout"
	KindGuardrailRefused         ErrorKind = "GuardrailRefused"
	KindSynthesisUnavailable     ErrorKind = "SynthesisUnavailable"
	KindOverloaded               ErrorKind = "Overloaded"
	KindDeadlineExceeded         ErrorKind = "DeadlineExceeded"
	KindInternalInvariant        ErrorKind = "InternalInvariantViolation"
)

func (k ErrorKind) Soft() bool {
	switch k {
	case KindRerankDegraded, KindSectionCompletionTimeout:
		return true
	default:
		return false
	}
}

// OutcomeState tags a stage result: the pipeline does not use panics or
// sentinel errors for control flow.
type OutcomeState int

const (
	OutcomeOk OutcomeState = iota
	OutcomeDegraded
	OutcomeFailed
)

// Outcome is the tagged result of one pipeline stage.
type Outcome struct {
	State  OutcomeState
	Reason string
	Kind   ErrorKind
	Err    error
}

func Ok() Outcome { return Outcome{State: OutcomeOk} }

func Degraded(reason string) Outcome {
	return Outcome{State: OutcomeDegraded, Reason: reason}
}

func Failed(kind ErrorKind, err error) Outcome {
	return Outcome{State: OutcomeFailed, Kind: kind, Err: err}
}

func (o Outcome) Failed() bool   { return o.State == OutcomeFailed }
func (o Outcome) Degraded() bool { return o.State == OutcomeDegraded }
