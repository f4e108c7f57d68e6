// Package response renders the wire bodies shared by every handler. Errors
// are flat {error, code} objects so callers never parse nested envelopes or
// stack traces.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
)

type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SynthesisFailureBody is the 503 returned when retrieval succeeded but the
// answer could not be generated. The retrieved context rides along so a
// caller can still show sources or retry synthesis on its side.
type SynthesisFailureBody struct {
	ErrorBody
	Retrieved    []domain.RetrievedItem        `json:"retrieved"`
	Guardrail    domain.GuardrailResult        `json:"guardrail"`
	StageMetrics map[string]domain.StageMetric `json:"stageMetrics"`
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorBody{Error: msg, Code: code})
}

// RespondAPIError unwraps the typed error carried up from the query path and
// renders its status and code. Anything untyped becomes a 500.
func RespondAPIError(c *gin.Context, err error) {
	ae := apierr.From(err)
	RespondError(c, ae.Status, ae.Code, ae)
}

func RespondSynthesisFailure(c *gin.Context, err error, env *domain.AnswerEnvelope) {
	ae := apierr.From(err)
	c.JSON(ae.Status, SynthesisFailureBody{
		ErrorBody:    ErrorBody{Error: ae.Error(), Code: ae.Code},
		Retrieved:    env.Retrieved,
		Guardrail:    env.Guardrail,
		StageMetrics: env.StageMetrics,
	})
}
