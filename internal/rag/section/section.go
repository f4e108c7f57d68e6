// Package section reassembles structured sections whose parts were split
// across chunks at ingest time. When a high-scoring candidate looks like one
// part of a table, list, or other ordered structure, the stage fetches its
// siblings and emits a single reconstructed candidate in their place. The
// constituent chunks are consumed: they never reappear downstream.
package section

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// fetchFanout bounds concurrent sibling fetches for one request.
const fetchFanout = 4

var sectionIDNamespace = uuid.MustParse("c2a7f7d4-9e63-49b2-8f0d-2ab1be60c9d7")

// partPath matches materialized part suffixes like block_9/part_3,
// spec/row_12, or a bare trailing index segment.
var partPath = regexp.MustCompile(`^(.*?)[/_](?:part|row|item|step)_?(\d+)$|^(.+)/(\d+)$`)

type Stage struct {
	log   *logger.Logger
	store store.Store
	cfg   config.SectionConfig
}

func New(log *logger.Logger, st store.Store, cfg config.SectionConfig) *Stage {
	return &Stage{log: log, store: st, cfg: cfg}
}

type Result struct {
	IDs      []string
	Sections int
	TimedOut bool
}

// target is one section chosen for reconstruction. TriggerID is the ranked
// candidate that selected it; Expected is the part count when known.
type target struct {
	docID     string
	path      string
	expected  int
	triggerID string
	rank      int
}

// Run inspects the ranked candidates, fetches siblings for up to
// MaxSectionsPerQuery structured sections, and merges them. On fetch timeout
// the original candidates pass through unchanged and the outcome is degraded.
func (s *Stage) Run(ctx context.Context, arena *domain.Arena, ids []string, f store.Filter) (Result, domain.Outcome) {
	if len(ids) == 0 {
		return Result{IDs: ids}, domain.Ok()
	}

	targets := s.selectTargets(arena, ids)
	if len(targets) == 0 {
		return Result{IDs: ids}, domain.Ok()
	}

	timeout := s.cfg.CompletionTimeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	built := make([]*domain.Candidate, len(targets))
	g, gctx := errgroup.WithContext(fctx)
	g.SetLimit(fetchFanout)
	for i, t := range targets {
		g.Go(func() error {
			cand, err := s.reconstruct(gctx, arena, t, f)
			if err != nil {
				return err
			}
			built[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		timedOut := fctx.Err() == context.DeadlineExceeded
		reason := "error"
		if timedOut {
			reason = "timeout"
		}
		s.log.Warn("section reconstruction abandoned, keeping original candidates",
			"reason", reason,
			"error", err.Error(),
			"sections", len(targets))
		return Result{IDs: ids, TimedOut: timedOut},
			domain.Degraded("section completion " + reason)
	}

	out := ids
	emitted := 0
	for i, cand := range built {
		if cand == nil {
			continue
		}
		arena.Put(cand)
		out = s.mergeIntoResults(arena, out, cand, targets[i].triggerID)
		emitted++
	}
	return Result{IDs: out, Sections: emitted}, domain.Ok()
}

// selectTargets picks the sections worth reconstructing: candidates whose
// best score clears the trigger threshold and whose payload marks them as one
// part of a larger section. One target per (docId, path), best rank wins.
func (s *Stage) selectTargets(arena *domain.Arena, ids []string) []target {
	maxSections := s.cfg.MaxSectionsPerQuery
	if maxSections <= 0 {
		maxSections = 2
	}
	trigger := s.cfg.MinTriggerConfidence

	seen := make(map[string]struct{})
	var out []target
	for rank, id := range ids {
		if len(out) == maxSections {
			break
		}
		c := arena.Get(id)
		if c == nil || c.IsSection() {
			continue
		}
		if c.BestScore() < trigger {
			continue
		}
		path, expected, ok := sectionOf(c.Payload)
		if !ok {
			continue
		}
		key := c.DocID + "\x00" + path
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, target{
			docID:     c.DocID,
			path:      path,
			expected:  expected,
			triggerID: id,
			rank:      rank,
		})
	}
	return out
}

// sectionOf decides whether a payload is one part of a multi-part section
// and returns the section path to fetch. Chunker metadata (PartTotal) wins;
// otherwise the path itself must carry a recognizable part suffix.
func sectionOf(p domain.Payload) (path string, expected int, ok bool) {
	if p.PartTotal > 1 {
		if base, _, split := splitPartPath(p.SectionPath); split {
			return base, p.PartTotal, true
		}
		return p.SectionPath, p.PartTotal, true
	}
	if base, _, split := splitPartPath(p.SectionPath); split {
		return base, 0, true
	}
	return "", 0, false
}

// splitPartPath strips a trailing part designator, returning the section base
// and the part index.
func splitPartPath(path string) (base string, idx int, ok bool) {
	m := partPath.FindStringSubmatch(path)
	if m == nil {
		return "", 0, false
	}
	if m[1] != "" || m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil || m[1] == "" {
			return "", 0, false
		}
		return m[1], n, true
	}
	n, err := strconv.Atoi(m[4])
	if err != nil || m[3] == "" {
		return "", 0, false
	}
	return m[3], n, true
}

// reconstruct fetches the siblings of one section and merges them. A nil
// candidate with nil error means the section was rejected (too sparse, too
// large) and the originals stand.
func (s *Stage) reconstruct(ctx context.Context, arena *domain.Arena, t target, f store.Filter) (*domain.Candidate, error) {
	maxParts := s.cfg.MaxParts
	if maxParts <= 0 {
		maxParts = 12
	}
	hits, err := s.store.FetchSection(ctx, t.docID, t.path, f, maxParts+1)
	if err != nil {
		return nil, fmt.Errorf("fetch section %s: %w", t.path, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	if len(hits) > maxParts {
		s.log.Debug("section exceeds part budget, skipping reconstruction",
			"doc_id", t.docID, "parts", len(hits), "max_parts", maxParts)
		return nil, nil
	}

	parts := orderParts(hits)
	expected := expectedParts(parts, t.expected)
	completeness := float64(len(parts)) / float64(expected)
	if completeness > 1 {
		completeness = 1
	}
	minCompleteness := s.cfg.MinCompleteness
	if minCompleteness <= 0 {
		minCompleteness = 0.3
	}
	if completeness < minCompleteness {
		s.log.Debug("section too incomplete, skipping reconstruction",
			"doc_id", t.docID, "retrieved", len(parts), "expected", expected)
		return nil, nil
	}

	structure := classify(parts)
	merged := merge(structure, parts)

	trigger := arena.Get(t.triggerID)
	constituents := make([]string, 0, len(parts))
	for _, h := range parts {
		constituents = append(constituents, h.ID)
	}

	cand := &domain.Candidate{
		ID:      sectionID(f.Tenant, t.docID, t.path),
		DocID:   t.docID,
		Content: merged,
		Payload: sectionPayload(t.path, parts),
		Section: &domain.ReconstructedSection{
			SectionPath:      t.path,
			StructureType:    structure,
			OriginalChunkIDs: constituents,
			MergedContent:    merged,
			Completeness:     completeness,
		},
	}
	if trigger != nil {
		cand.Scores = trigger.Scores
		cand.VectorRank = trigger.VectorRank
		cand.KeywordRank = trigger.KeywordRank
	}
	return cand, nil
}

// mergeIntoResults applies the configured merge policy. Constituents are
// always removed; the policy only decides where the section lands.
func (s *Stage) mergeIntoResults(arena *domain.Arena, ids []string, cand *domain.Candidate, triggerID string) []string {
	consumed := make(map[string]struct{}, len(cand.Section.OriginalChunkIDs))
	for _, id := range cand.Section.OriginalChunkIDs {
		consumed[id] = struct{}{}
	}

	out := make([]string, 0, len(ids)+1)
	inserted := false
	for _, id := range ids {
		if _, gone := consumed[id]; gone {
			if id == triggerID && !inserted {
				out = append(out, cand.ID)
				inserted = true
			}
			continue
		}
		out = append(out, id)
	}
	if !inserted {
		out = append(out, cand.ID)
	}

	switch s.cfg.MergeStrategy {
	case config.MergeReplace, config.MergeAppend:
		if s.cfg.MergeStrategy == config.MergeAppend && inserted {
			out = moveToEnd(out, cand.ID)
		}
		return out
	default: // interleave
		sort.SliceStable(out, func(i, j int) bool {
			return arena.Get(out[i]).BestScore() > arena.Get(out[j]).BestScore()
		})
		return out
	}
}

func moveToEnd(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return append(out, id)
}

// orderParts sorts siblings by ingest sequence, then by the part index
// encoded in the path, then by id, and drops duplicate part slots.
func orderParts(hits []store.Hit) []store.Hit {
	type keyed struct {
		hit store.Hit
		idx int
	}
	out := make([]keyed, 0, len(hits))
	for _, h := range hits {
		idx := h.Payload.Seq
		if _, n, ok := splitPartPath(h.Payload.SectionPath); ok {
			idx = n
		}
		out = append(out, keyed{hit: h, idx: idx})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].idx != out[j].idx {
			return out[i].idx < out[j].idx
		}
		return out[i].hit.ID < out[j].hit.ID
	})
	parts := make([]store.Hit, 0, len(out))
	lastIdx := -1
	for _, k := range out {
		if k.idx == lastIdx && len(parts) > 0 {
			continue
		}
		parts = append(parts, k.hit)
		lastIdx = k.idx
	}
	return parts
}

// expectedParts derives the denominator for completeness: chunker metadata,
// then the highest part index seen, then the retrieved count.
func expectedParts(parts []store.Hit, declared int) int {
	expected := declared
	maxIdx := -1
	for _, h := range parts {
		if h.Payload.PartTotal > expected {
			expected = h.Payload.PartTotal
		}
		idx := h.Payload.Seq
		if _, n, ok := splitPartPath(h.Payload.SectionPath); ok {
			idx = n
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	if expected < maxIdx+1 {
		expected = maxIdx + 1
	}
	if expected < len(parts) {
		expected = len(parts)
	}
	if expected == 0 {
		expected = 1
	}
	return expected
}

// classify infers the structure type from headers and content shape.
func classify(parts []store.Hit) domain.StructureType {
	tableLines, listLines, totalLines := 0, 0, 0
	maxDepth := 0
	for _, h := range parts {
		if d := len(h.Payload.Headers); d > maxDepth {
			maxDepth = d
		}
		for _, header := range h.Payload.Headers {
			lower := strings.ToLower(header)
			if strings.Contains(lower, "table") {
				return domain.StructureTable
			}
		}
		for _, line := range strings.Split(h.Content, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			totalLines++
			if strings.Count(line, "|") >= 2 || strings.Contains(line, "\t") {
				tableLines++
			}
			if isListLine(line) {
				listLines++
			}
		}
	}
	if totalLines == 0 {
		return domain.StructureSequence
	}
	if tableLines*2 >= totalLines {
		return domain.StructureTable
	}
	if listLines*2 >= totalLines {
		return domain.StructureList
	}
	if maxDepth >= 3 {
		return domain.StructureHierarchy
	}
	return domain.StructureSequence
}

func isListLine(line string) bool {
	if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "•") {
		return true
	}
	for i, r := range line {
		if r >= '0' && r <= '9' {
			continue
		}
		return i > 0 && (r == '.' || r == ')')
	}
	return false
}

// merge joins ordered parts according to the structure type.
func merge(structure domain.StructureType, parts []store.Hit) string {
	switch structure {
	case domain.StructureTable:
		return mergeTable(parts)
	case domain.StructureList:
		return mergeLines(parts, true)
	case domain.StructureHierarchy:
		return mergeHierarchy(parts)
	default:
		return mergeSequential(parts)
	}
}

// mergeTable keeps the first part's header rows and appends data rows from
// the rest, dropping header repeats the chunker duplicated into each part.
func mergeTable(parts []store.Hit) string {
	var out []string
	headerSeen := make(map[string]struct{})
	for i, h := range parts {
		for _, line := range strings.Split(h.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if i > 0 {
				if _, dup := headerSeen[trimmed]; dup {
					continue
				}
			} else {
				headerSeen[trimmed] = struct{}{}
			}
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}

// mergeLines concatenates parts line by line; dedupe drops lines repeated at
// part boundaries.
func mergeLines(parts []store.Hit, dedupe bool) string {
	var out []string
	seen := make(map[string]struct{})
	for _, h := range parts {
		for _, line := range strings.Split(h.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if dedupe {
				if _, dup := seen[trimmed]; dup {
					continue
				}
				seen[trimmed] = struct{}{}
			}
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}

// mergeHierarchy prefixes each part with the header levels not shared with
// the previous part, preserving the nesting a reader would see.
func mergeHierarchy(parts []store.Hit) string {
	var b strings.Builder
	var prev []string
	for i, h := range parts {
		fresh := h.Payload.Headers[commonPrefix(h.Payload.Headers, prev):]
		if i > 0 {
			b.WriteString("\n\n")
		}
		for _, header := range fresh {
			b.WriteString(header)
			b.WriteString("\n")
		}
		b.WriteString(strings.TrimSpace(h.Content))
		prev = h.Payload.Headers
	}
	return b.String()
}

func commonPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func mergeSequential(parts []store.Hit) string {
	texts := make([]string, 0, len(parts))
	for _, h := range parts {
		if t := strings.TrimSpace(h.Content); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

// sectionPayload carries the access fields of the constituents onto the
// reconstructed candidate so downstream filter checks keep holding.
func sectionPayload(path string, parts []store.Hit) domain.Payload {
	first := parts[0].Payload
	p := domain.Payload{
		Tenant:      first.Tenant,
		ACL:         first.ACL,
		Lang:        first.Lang,
		DocID:       first.DocID,
		SectionPath: path,
		Headers:     first.Headers,
		URL:         first.URL,
		Timestamp:   first.Timestamp,
		PartTotal:   len(parts),
	}
	for _, h := range parts[1:] {
		if h.Payload.Timestamp > p.Timestamp {
			p.Timestamp = h.Payload.Timestamp
		}
	}
	return p
}

func sectionID(tenant, docID, path string) string {
	key := fmt.Sprintf("%s|%s|%s", tenant, docID, path)
	return uuid.NewSHA1(sectionIDNamespace, []byte(key)).String()
}
