// Package citations resolves the footnote markers in a synthesized answer
// against the packed context and emits the caller-visible citation list.
// Markers that point at nothing are removed; surviving ones are renumbered
// so the answer always carries a contiguous [1..N].
package citations

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/domain"
)

var markerRe = regexp.MustCompile(`\[\^(\d+)\]`)

const (
	freshMaxDays  = 30
	recentMaxDays = 180
	excerptRunes  = 200
)

// Source is one context block the model was shown, keyed by the footnote
// ref it was presented under.
type Source struct {
	Ref       int
	DocID     string
	URL       string
	Content   string
	Score     float64
	Timestamp int64
}

// Extract rewrites the answer's citation markers and returns the citation
// list. Two markers resolving to the same document share one number; the
// numbering follows first occurrence in the text.
func Extract(answer string, sources []Source, now time.Time) (string, []domain.Citation) {
	byRef := make(map[int]Source, len(sources))
	for _, s := range sources {
		byRef[s.Ref] = s
	}

	byDoc := make(map[string]int)
	renumbered := make(map[int]int)
	citations := make([]domain.Citation, 0, len(sources))

	text := markerRe.ReplaceAllStringFunc(answer, func(m string) string {
		ref, err := strconv.Atoi(markerRe.FindStringSubmatch(m)[1])
		if err != nil {
			return ""
		}
		if n, seen := renumbered[ref]; seen {
			if n == 0 {
				return ""
			}
			return marker(n)
		}
		src, ok := byRef[ref]
		if !ok {
			renumbered[ref] = 0
			return ""
		}
		if n, dup := byDoc[src.DocID]; dup {
			renumbered[ref] = n
			return marker(n)
		}
		n := len(citations) + 1
		byDoc[src.DocID] = n
		renumbered[ref] = n
		citations = append(citations, domain.Citation{
			Number:    n,
			DocID:     src.DocID,
			Excerpt:   excerpt(src.Content),
			SourceURL: src.URL,
			Freshness: bucket(src.Timestamp, now),
			Score:     src.Score,
		})
		return marker(n)
	})

	return tidy(text), citations
}

func marker(n int) string { return fmt.Sprintf("[^%d]", n) }

// bucket classifies document age. An unknown timestamp is treated as Stale
// with AgeDays -1 so callers can tell "old" from "unknown".
func bucket(ts int64, now time.Time) domain.Freshness {
	if ts <= 0 {
		return domain.Freshness{Bucket: domain.FreshnessStale, AgeDays: -1}
	}
	age := int(now.Sub(time.Unix(ts, 0).UTC()).Hours() / 24)
	if age < 0 {
		age = 0
	}
	switch {
	case age <= freshMaxDays:
		return domain.Freshness{Bucket: domain.FreshnessFresh, AgeDays: age}
	case age <= recentMaxDays:
		return domain.Freshness{Bucket: domain.FreshnessRecent, AgeDays: age}
	default:
		return domain.Freshness{Bucket: domain.FreshnessStale, AgeDays: age}
	}
}

// excerpt trims the cited block to a preview, cutting on a word boundary.
func excerpt(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= excerptRunes {
		return content
	}
	cut := string(runes[:excerptRunes])
	if i := strings.LastIndexByte(cut, ' '); i > excerptRunes/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

// tidy repairs the seams left by removed markers.
func tidy(text string) string {
	for strings.Contains(text, "  ") {
		text = strings.ReplaceAll(text, "  ", " ")
	}
	text = strings.ReplaceAll(text, " .", ".")
	text = strings.ReplaceAll(text, " ,", ",")
	return strings.TrimSpace(text)
}
