package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/http/response"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// AdminHandler serves the internal operational surface.
type AdminHandler struct {
	log *logger.Logger
	cfg *config.Provider
}

func NewAdminHandler(log *logger.Logger, cfg *config.Provider) *AdminHandler {
	return &AdminHandler{log: log.With("Handler", "AdminHandler"), cfg: cfg}
}

// ReloadConfig rebuilds the configuration snapshot from its original sources.
// In-flight requests keep the snapshot they entered with; a reload that fails
// to load leaves the running configuration untouched.
func (h *AdminHandler) ReloadConfig(c *gin.Context) {
	if err := h.cfg.Reload(); err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok", "tenantOverlays": len(h.cfg.Current().Tenants)})
}
