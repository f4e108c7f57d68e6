package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/langpack"
	"github.com/yungbote/querybridge-backend/internal/store"
)

const maxErrorBodyBytes = 1024

// scrollHeadroom is how many times topK the keyword scroll fetches before
// lexical scoring truncates. Scroll does not rank, so the provider needs
// slack to avoid dropping good matches.
const scrollHeadroom = 4

// Store talks to Qdrant over its REST API. Keyword search is a filtered
// scroll with full-text match conditions; the lexical ranking happens
// client-side with the analyzer-provided term weights, because scroll does
// not score.
type Store struct {
	log      *logger.Logger
	cfg      config.QdrantConfig
	baseURL  string
	httpc    *http.Client
	distance string
	pack     *langpack.Pack
}

func New(log *logger.Logger, cfg config.QdrantConfig) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant url required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("qdrant collection required")
	}
	return &Store{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		pack:    langpack.For("en"),
	}, nil
}

func (s *Store) Name() string { return "qdrant" }

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type scrollResult struct {
	Points []searchResultItem `json:"points"`
}

// EnsureSchema creates the collection and payload indexes if missing. Safe
// to run on every boot; existing schema objects are tolerated.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const op = "ensure_schema"

	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, &info)
	if err != nil {
		var opErrTyped *OperationError
		if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
			return err
		}
		create := map[string]any{
			"vectors": map[string]any{
				"size":     s.cfg.VectorDim,
				"distance": "Cosine",
			},
		}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), create, nil); err != nil {
			return err
		}
		s.distance = "Cosine"
	} else {
		if size := info.Config.Params.Vectors.Size; size != 0 && size != s.cfg.VectorDim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d",
					s.cfg.Collection, s.cfg.VectorDim, size), nil)
		}
		s.distance = strings.TrimSpace(info.Config.Params.Vectors.Distance)
	}

	for _, field := range []string{"tenant", "acl", "lang", "docId", "sectionPath"} {
		req := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := s.ensureIndex(ctx, req); err != nil {
			return err
		}
	}
	contentIdx := map[string]any{
		"field_name": "content",
		"field_schema": map[string]any{
			"type":      "text",
			"tokenizer": "word",
			"lowercase": true,
		},
	}
	if err := s.ensureIndex(ctx, contentIdx); err != nil {
		return err
	}
	return nil
}

func (s *Store) ensureIndex(ctx context.Context, req map[string]any) error {
	err := s.doJSON(ctx, "ensure_index", http.MethodPut, s.collectionPath("/index?wait=true"), req, nil)
	if err == nil {
		return nil
	}
	// Re-creating an existing index is a conflict, not a failure.
	var opErrTyped *OperationError
	if errors.As(err, &opErrTyped) && (opErrTyped.StatusCode == http.StatusConflict ||
		strings.Contains(strings.ToLower(opErrTyped.Message), "already exists")) {
		return nil
	}
	return err
}

func (s *Store) VectorSearch(ctx context.Context, vector []float32, f store.Filter, topK int) ([]store.Hit, error) {
	const op = "vector_search"
	if err := f.Validate(); err != nil {
		return nil, opErr(op, OperationErrorValidation, err.Error(), nil)
	}
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if s.cfg.VectorDim > 0 && len(vector) != s.cfg.VectorDim {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)), nil)
	}
	if topK <= 0 {
		topK = 20
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
		"filter":       s.translateFilter(f, nil),
	}
	var raw []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}

	hits := make([]store.Hit, 0, len(raw))
	for _, item := range raw {
		hit, ok := s.toHit(item, f)
		if !ok {
			continue
		}
		hit.Score = s.normalizeScore(item.Score)
		hits = append(hits, hit)
	}
	sortHits(hits)
	return hits, nil
}

func (s *Store) KeywordSearch(ctx context.Context, terms []store.QueryTerm, f store.Filter, topK int) ([]store.Hit, error) {
	const op = "keyword_search"
	if err := f.Validate(); err != nil {
		return nil, opErr(op, OperationErrorValidation, err.Error(), nil)
	}
	if len(terms) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 20
	}

	should := make([]any, 0, len(terms))
	for _, t := range terms {
		term := strings.TrimSpace(t.Term)
		if term == "" {
			continue
		}
		should = append(should, map[string]any{
			"key":   "content",
			"match": map[string]any{"text": term},
		})
	}
	if len(should) == 0 {
		return nil, nil
	}

	limit := topK * scrollHeadroom
	if limit > 256 {
		limit = 256
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
		"filter":       s.translateFilter(f, should),
	}
	var result scrollResult
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, err
	}

	hits := make([]store.Hit, 0, len(result.Points))
	for _, item := range result.Points {
		hit, ok := s.toHit(item, f)
		if !ok {
			continue
		}
		hit.Score = s.lexicalScore(hit.Content, terms)
		if hit.Score <= 0 {
			continue
		}
		hits = append(hits, hit)
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// lexicalScore ranks a scrolled chunk by the analyzer's term weights:
// sum of weight * (1+ln tf) over matched lemmas, squashed into (0,1).
// Phrase terms carry a space-joined lemma; they count as the rarest of
// their parts and only when every part is present.
func (s *Store) lexicalScore(content string, terms []store.QueryTerm) float64 {
	toks := s.pack.ContentTokens(content)
	if len(toks) == 0 {
		return 0
	}
	tf := make(map[string]int, len(toks))
	for _, tok := range toks {
		tf[s.pack.Lemma(tok)]++
	}
	raw := 0.0
	for _, t := range terms {
		lemma := t.Lemma
		if lemma == "" {
			lemma = s.pack.Lemma(strings.ToLower(t.Term))
		}
		n := 0
		for i, part := range strings.Fields(lemma) {
			pn := tf[part]
			if pn == 0 {
				n = 0
				break
			}
			if i == 0 || pn < n {
				n = pn
			}
		}
		if n == 0 {
			continue
		}
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		raw += w * (1 + math.Log(float64(n)))
	}
	if raw <= 0 {
		return 0
	}
	return raw / (1 + raw)
}

func (s *Store) FetchByIDs(ctx context.Context, ids []string, f store.Filter) ([]store.Hit, error) {
	const op = "fetch_ids"
	if err := f.Validate(); err != nil {
		return nil, opErr(op, OperationErrorValidation, err.Error(), nil)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	req := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  false,
	}
	var raw []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points"), req, &raw); err != nil {
		return nil, err
	}
	hits := make([]store.Hit, 0, len(raw))
	for _, item := range raw {
		if hit, ok := s.toHit(item, f); ok {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// FetchSection returns the subtree of (docID, sectionPath): the exact path
// plus materialized child paths like base/part_3. Qdrant keyword matches are
// exact, so the scroll is scoped to the document and the path prefix is
// applied client-side.
func (s *Store) FetchSection(ctx context.Context, docID, sectionPath string, f store.Filter, limit int) ([]store.Hit, error) {
	const op = "fetch_section"
	scoped := f
	scoped.DocID = docID
	if err := scoped.Validate(); err != nil {
		return nil, opErr(op, OperationErrorValidation, err.Error(), nil)
	}
	if limit <= 0 {
		limit = 32
	}

	req := map[string]any{
		"limit":        limit * 4,
		"with_payload": true,
		"with_vector":  false,
		"filter":       s.translateFilter(scoped, nil),
	}
	var result scrollResult
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, err
	}
	prefix := sectionPath + "/"
	hits := make([]store.Hit, 0, len(result.Points))
	for _, item := range result.Points {
		hit, ok := s.toHit(item, scoped)
		if !ok {
			continue
		}
		if hit.Payload.SectionPath != sectionPath && !strings.HasPrefix(hit.Payload.SectionPath, prefix) {
			continue
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Payload.Seq != hits[j].Payload.Seq {
			return hits[i].Payload.Seq < hits[j].Payload.Seq
		}
		if hits[i].Payload.SectionPath != hits[j].Payload.SectionPath {
			return hits[i].Payload.SectionPath < hits[j].Payload.SectionPath
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) UpsertChunks(ctx context.Context, chunks []store.Chunk) error {
	const op = "upsert"
	if len(chunks) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("chunk for doc %q has no vector", c.Payload.DocID), nil)
		}
		if s.cfg.VectorDim > 0 && len(c.Vector) != s.cfg.VectorDim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("chunk dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(c.Vector)), nil)
		}
		if c.Payload.Tenant == "" || c.Payload.DocID == "" {
			return opErr(op, OperationErrorValidation, "chunk payload requires tenant and docId", nil)
		}
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = store.ChunkID(c.Payload)
		}
		points = append(points, map[string]any{
			"id":      id,
			"vector":  c.Vector,
			"payload": payloadToMap(c.Payload, c.Content),
		})
	}
	req := map[string]any{"points": points}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

func (s *Store) DeleteByDocID(ctx context.Context, tenant, docID string) (int, error) {
	const op = "delete_doc"
	if tenant == "" || docID == "" {
		return 0, opErr(op, OperationErrorValidation, "tenant and docId required", nil)
	}
	filter := map[string]any{
		"must": []any{
			matchCondition("tenant", tenant),
			matchCondition("docId", docID),
		},
	}

	var counted struct {
		Count int `json:"count"`
	}
	countReq := map[string]any{"filter": filter, "exact": true}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/count"), countReq, &counted); err != nil {
		return 0, err
	}
	if counted.Count == 0 {
		return 0, nil
	}

	delReq := map[string]any{"filter": filter}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), delReq, nil); err != nil {
		return 0, err
	}
	return counted.Count, nil
}

func (s *Store) SampleChunks(ctx context.Context, limit int) ([]domain.ChunkSample, error) {
	const op = "sample"
	if limit <= 0 {
		limit = 2000
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	var result scrollResult
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, err
	}
	out := make([]domain.ChunkSample, 0, len(result.Points))
	for _, item := range result.Points {
		p, content := payloadFromMap(item.Payload)
		title := ""
		if len(p.Headers) > 0 {
			title = p.Headers[0]
		}
		out = append(out, domain.ChunkSample{DocID: p.DocID, Title: title, Content: content})
	}
	return out, nil
}

func (s *Store) Ready(ctx context.Context) error {
	const op = "ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	s.authorize(req)
	resp, err := s.httpc.Do(req)
	if err != nil {
		return classifyCallError(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode),
		}
	}
	return s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, nil)
}

func (s *Store) translateFilter(f store.Filter, should []any) map[string]any {
	must := []any{
		matchCondition("tenant", f.Tenant),
		matchAnyCondition("acl", f.Principals),
	}
	if len(f.Langs) > 0 {
		must = append(must, matchAnyCondition("lang", f.Langs))
	}
	if f.DocID != "" {
		must = append(must, matchCondition("docId", f.DocID))
	}
	if f.SectionPath != "" {
		must = append(must, matchCondition("sectionPath", f.SectionPath))
	}
	out := map[string]any{"must": must}
	if len(should) > 0 {
		out["should"] = should
	}
	return out
}

func matchCondition(key, value string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func matchAnyCondition(key string, values []string) map[string]any {
	anyVals := make([]any, 0, len(values))
	for _, v := range values {
		anyVals = append(anyVals, v)
	}
	return map[string]any{"key": key, "match": map[string]any{"any": anyVals}}
}

func (s *Store) toHit(item searchResultItem, f store.Filter) (store.Hit, bool) {
	p, content := payloadFromMap(item.Payload)
	if !f.Allows(p) {
		return store.Hit{}, false
	}
	id := decodePointID(item.ID)
	if id == "" {
		return store.Hit{}, false
	}
	return store.Hit{
		ID:      id,
		DocID:   p.DocID,
		Content: content,
		Payload: p,
	}, true
}

// reservedPayloadKeys are the point payload keys owned by the fixed schema.
// Custom metadata lives alongside them, so both directions of the mapping
// must skip this set.
var reservedPayloadKeys = map[string]struct{}{
	"tenant": {}, "acl": {}, "lang": {}, "docId": {}, "sectionPath": {},
	"headers": {}, "url": {}, "timestamp": {}, "seq": {}, "partTotal": {},
	"coreTokens": {}, "content": {},
}

func payloadToMap(p domain.Payload, content string) map[string]any {
	out := map[string]any{
		"tenant":      p.Tenant,
		"acl":         p.ACL,
		"lang":        p.Lang,
		"docId":       p.DocID,
		"sectionPath": p.SectionPath,
		"content":     content,
	}
	if len(p.Headers) > 0 {
		out["headers"] = p.Headers
	}
	if p.URL != "" {
		out["url"] = p.URL
	}
	if p.Timestamp > 0 {
		out["timestamp"] = p.Timestamp
	}
	if p.Seq > 0 {
		out["seq"] = p.Seq
	}
	if p.PartTotal > 0 {
		out["partTotal"] = p.PartTotal
	}
	if len(p.CoreTokens) > 0 {
		out["coreTokens"] = p.CoreTokens
	}
	for k, v := range p.Custom {
		if _, reserved := reservedPayloadKeys[k]; !reserved {
			out[k] = v
		}
	}
	return out
}

func payloadFromMap(m map[string]any) (domain.Payload, string) {
	p := domain.Payload{
		Tenant:      asString(m["tenant"]),
		ACL:         asStringSlice(m["acl"]),
		Lang:        asString(m["lang"]),
		DocID:       asString(m["docId"]),
		SectionPath: asString(m["sectionPath"]),
		Headers:     asStringSlice(m["headers"]),
		URL:         asString(m["url"]),
		Timestamp:   asInt64(m["timestamp"]),
		Seq:         int(asInt64(m["seq"])),
		PartTotal:   int(asInt64(m["partTotal"])),
		CoreTokens:  asStringSlice(m["coreTokens"]),
	}
	for k, v := range m {
		if _, reserved := reservedPayloadKeys[k]; reserved {
			continue
		}
		if p.Custom == nil {
			p.Custom = make(map[string]any)
		}
		p.Custom[k] = v
	}
	return p, asString(m["content"])
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

func (s *Store) normalizeScore(score float64) float64 {
	switch strings.ToLower(strings.TrimSpace(s.distance)) {
	case "euclid", "manhattan":
		if score < 0 {
			score = -score
		}
		return 1.0 / (1.0 + score)
	default:
		return score
	}
}

func sortHits(hits []store.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
}

func (s *Store) authorize(req *http.Request) {
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *Store) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}

func (s *Store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return classifyCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}
	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
