package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/http/response"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
	"github.com/yungbote/querybridge-backend/internal/platform/embedding"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/stats"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// maxIngestBatch caps one upsert call; callers split larger loads.
const maxIngestBatch = 1000

type ingestChunk struct {
	ID          string   `json:"id,omitempty"`
	Tenant      string   `json:"tenant"`
	ACL         []string `json:"acl"`
	Lang        string   `json:"lang"`
	DocID       string   `json:"docId"`
	SectionPath string   `json:"sectionPath"`
	Headers     []string `json:"headers,omitempty"`
	URL         string   `json:"url,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Seq         int      `json:"seq,omitempty"`
	PartTotal   int      `json:"partTotal,omitempty"`
	Content     string   `json:"content"`
	CoreTokens  []string `json:"coreTokens,omitempty"`

	Custom map[string]any `json:"custom,omitempty"`
}

type ingestRequest struct {
	Chunks []ingestChunk `json:"chunks"`
}

// IngestHandler serves the internal ingest surface: pre-chunked content in,
// embedded and indexed points out. Chunking itself happens upstream.
type IngestHandler struct {
	log      *logger.Logger
	st       store.Store
	embed    embedding.Embedder
	stats    *stats.Provider
	maxBytes int64
}

func NewIngestHandler(log *logger.Logger, st store.Store, embed embedding.Embedder, stats *stats.Provider, maxBytes int64) *IngestHandler {
	return &IngestHandler{
		log:      log.With("Handler", "IngestHandler"),
		st:       st,
		embed:    embed,
		stats:    stats,
		maxBytes: maxBytes,
	}
}

func (h *IngestHandler) UpsertChunks(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	if len(req.Chunks) == 0 {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest,
			fmt.Errorf("chunks is empty"))
		return
	}
	if len(req.Chunks) > maxIngestBatch {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest,
			fmt.Errorf("batch of %d exceeds the %d chunk limit", len(req.Chunks), maxIngestBatch))
		return
	}
	for i, ch := range req.Chunks {
		if strings.TrimSpace(ch.Tenant) == "" || strings.TrimSpace(ch.DocID) == "" || strings.TrimSpace(ch.Content) == "" {
			response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest,
				fmt.Errorf("chunk %d: tenant, docId, and content are required", i))
			return
		}
	}

	texts := make([]string, len(req.Chunks))
	for i, ch := range req.Chunks {
		texts[i] = ch.Content
	}
	vecs, err := h.embed.Embed(c.Request.Context(), texts)
	if err != nil {
		observability.Current().AddIngestedChunks("error", len(req.Chunks))
		response.RespondAPIError(c, apierr.EmbeddingUnavailable(err))
		return
	}
	if len(vecs) != len(req.Chunks) {
		observability.Current().AddIngestedChunks("error", len(req.Chunks))
		response.RespondAPIError(c, apierr.InternalInvariant(
			fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(req.Chunks))))
		return
	}

	chunks := make([]store.Chunk, len(req.Chunks))
	for i, ch := range req.Chunks {
		chunks[i] = store.Chunk{
			ID:      ch.ID,
			Content: ch.Content,
			Vector:  vecs[i],
			Payload: domain.Payload{
				Tenant:      ch.Tenant,
				ACL:         ch.ACL,
				Lang:        ch.Lang,
				DocID:       ch.DocID,
				SectionPath: ch.SectionPath,
				Headers:     ch.Headers,
				URL:         ch.URL,
				Timestamp:   ch.Timestamp,
				Seq:         ch.Seq,
				PartTotal:   ch.PartTotal,
				CoreTokens:  ch.CoreTokens,
				Custom:      ch.Custom,
			},
		}
	}
	if err := h.st.UpsertChunks(c.Request.Context(), chunks); err != nil {
		observability.Current().AddIngestedChunks("error", len(chunks))
		response.RespondAPIError(c, apierr.RetrievalUnavailable(fmt.Errorf("upsert chunks: %w", err)))
		return
	}
	observability.Current().AddIngestedChunks("ok", len(chunks))
	h.log.Info("chunks ingested", "count", len(chunks))
	response.RespondOK(c, gin.H{"upserted": len(chunks)})
}

func (h *IngestHandler) DeleteDoc(c *gin.Context) {
	docID := strings.TrimSpace(c.Param("docId"))
	tenant := strings.TrimSpace(c.Query("tenant"))
	if docID == "" || tenant == "" {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest,
			fmt.Errorf("docId path param and tenant query param are required"))
		return
	}
	n, err := h.st.DeleteByDocID(c.Request.Context(), tenant, docID)
	if err != nil {
		response.RespondAPIError(c, apierr.RetrievalUnavailable(fmt.Errorf("delete doc: %w", err)))
		return
	}
	h.log.Info("document deleted", "tenant_id", tenant, "doc_id", docID, "chunks", n)
	response.RespondOK(c, gin.H{"deleted": n})
}

// RefreshStats rebuilds the corpus statistics snapshot on demand, typically
// right after a bulk ingest.
func (h *IngestHandler) RefreshStats(c *gin.Context) {
	if err := h.stats.Refresh(c.Request.Context()); err != nil {
		response.RespondAPIError(c, apierr.RetrievalUnavailable(fmt.Errorf("refresh stats: %w", err)))
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}
