// Package handlers holds the gin handlers for the public query surface and
// the internal ingest surface.
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/http/middleware"
	"github.com/yungbote/querybridge-backend/internal/http/response"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/pipeline"
)

type askRequest struct {
	Query       string                 `json:"query"`
	UserContext *domain.CallerContext  `json:"userContext"`
	K           int                    `json:"k,omitempty"`
	Overrides   map[string]interface{} `json:"overrides,omitempty"`
}

type AskHandler struct {
	log      *logger.Logger
	pipe     *pipeline.Pipeline
	maxBytes int64
}

func NewAskHandler(log *logger.Logger, pipe *pipeline.Pipeline, maxBytes int64) *AskHandler {
	return &AskHandler{
		log:      log.With("Handler", "AskHandler"),
		pipe:     pipe,
		maxBytes: maxBytes,
	}
}

func (h *AskHandler) Ask(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RespondError(c, http.StatusRequestEntityTooLarge, apierr.CodeInvalidRequest,
				fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}

	authenticated := middleware.Principal(c)
	var caller domain.CallerContext
	switch {
	case req.UserContext != nil:
		caller = *req.UserContext
	case authenticated != nil:
		// No userContext in the body: the credential's identity stands alone.
		caller = *authenticated
	}

	env, err := h.pipe.Run(c.Request.Context(), pipeline.Request{
		Route:         c.FullPath(),
		Authenticated: authenticated,
		Caller:        caller,
		Query: domain.Query{
			Text:      req.Query,
			K:         req.K,
			Overrides: req.Overrides,
		},
	})
	if err != nil {
		if env != nil {
			// Retrieval succeeded, synthesis did not: attach what was found.
			response.RespondSynthesisFailure(c, err, env)
			return
		}
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, env)
}
