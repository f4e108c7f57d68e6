package citations

import (
	"strings"
	"testing"
	"time"

	"github.com/yungbote/querybridge-backend/internal/domain"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func daysAgo(d int) int64 { return testNow.Add(-time.Duration(d) * 24 * time.Hour).Unix() }

func testSources() []Source {
	return []Source{
		{Ref: 1, DocID: "doc-a", URL: "https://kb/a", Content: "Alpha block.", Score: 0.9, Timestamp: daysAgo(10)},
		{Ref: 2, DocID: "doc-b", Content: "Beta block.", Score: 0.8, Timestamp: daysAgo(100)},
		{Ref: 3, DocID: "doc-c", Content: "Gamma block.", Score: 0.7, Timestamp: daysAgo(400)},
	}
}

func TestExtractBasic(t *testing.T) {
	text, cites := Extract("Alpha [^1] and beta [^2].", testSources(), testNow)
	if text != "Alpha [^1] and beta [^2]." {
		t.Fatalf("text: %q", text)
	}
	if len(cites) != 2 {
		t.Fatalf("citations: %d", len(cites))
	}
	if cites[0].Number != 1 || cites[0].DocID != "doc-a" || cites[0].SourceURL != "https://kb/a" {
		t.Fatalf("first citation: %+v", cites[0])
	}
	if cites[1].Number != 2 || cites[1].DocID != "doc-b" {
		t.Fatalf("second citation: %+v", cites[1])
	}
	if cites[0].Score != 0.9 {
		t.Fatalf("score: %v", cites[0].Score)
	}
}

func TestExtractDropsUnresolvableMarkers(t *testing.T) {
	text, cites := Extract("Known [^1] but phantom [^9] remains.", testSources(), testNow)
	if strings.Contains(text, "[^9]") {
		t.Fatalf("phantom marker kept: %q", text)
	}
	if text != "Known [^1] but phantom remains." {
		t.Fatalf("text not tidied: %q", text)
	}
	if len(cites) != 1 || cites[0].DocID != "doc-a" {
		t.Fatalf("citations: %+v", cites)
	}
}

func TestExtractRenumbersByFirstOccurrence(t *testing.T) {
	text, cites := Extract("Gamma first [^3], alpha second [^1], gamma again [^3].", testSources(), testNow)
	if text != "Gamma first [^1], alpha second [^2], gamma again [^1]." {
		t.Fatalf("text: %q", text)
	}
	if len(cites) != 2 {
		t.Fatalf("citations: %d", len(cites))
	}
	if cites[0].DocID != "doc-c" || cites[0].Number != 1 {
		t.Fatalf("first: %+v", cites[0])
	}
	if cites[1].DocID != "doc-a" || cites[1].Number != 2 {
		t.Fatalf("second: %+v", cites[1])
	}
}

func TestExtractDedupesByDocID(t *testing.T) {
	sources := []Source{
		{Ref: 1, DocID: "doc-a", Content: "First half.", Score: 0.9},
		{Ref: 2, DocID: "doc-a", Content: "Second half.", Score: 0.85},
	}
	text, cites := Extract("Claim [^1] and more [^2].", sources, testNow)
	if text != "Claim [^1] and more [^1]." {
		t.Fatalf("same doc should share a number: %q", text)
	}
	if len(cites) != 1 {
		t.Fatalf("citations: %+v", cites)
	}
	if cites[0].Excerpt != "First half." {
		t.Fatalf("first occurrence should win: %q", cites[0].Excerpt)
	}
}

func TestExtractNoMarkers(t *testing.T) {
	text, cites := Extract("No citations here.", testSources(), testNow)
	if text != "No citations here." {
		t.Fatalf("text: %q", text)
	}
	if len(cites) != 0 {
		t.Fatalf("citations: %+v", cites)
	}
}

func TestFreshnessBuckets(t *testing.T) {
	cases := []struct {
		ts     int64
		bucket domain.FreshnessBucket
		age    int
	}{
		{daysAgo(10), domain.FreshnessFresh, 10},
		{daysAgo(30), domain.FreshnessFresh, 30},
		{daysAgo(31), domain.FreshnessRecent, 31},
		{daysAgo(180), domain.FreshnessRecent, 180},
		{daysAgo(400), domain.FreshnessStale, 400},
		{0, domain.FreshnessStale, -1},
	}
	for _, tc := range cases {
		got := bucket(tc.ts, testNow)
		if got.Bucket != tc.bucket || got.AgeDays != tc.age {
			t.Fatalf("ts=%d: got %+v want bucket=%s age=%d", tc.ts, got, tc.bucket, tc.age)
		}
	}
}

func TestExcerptCutsOnWordBoundary(t *testing.T) {
	long := strings.Repeat("lorem ipsum ", 40)
	got := excerpt(long)
	if len([]rune(got)) > excerptRunes+1 {
		t.Fatalf("excerpt too long: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis: %q", got)
	}
	trimmed := strings.TrimSuffix(got, "…")
	if !strings.HasSuffix(trimmed, "lorem") && !strings.HasSuffix(trimmed, "ipsum") {
		t.Fatalf("cut mid-word: %q", got)
	}
	short := "short text"
	if excerpt(short) != short {
		t.Fatalf("short content should pass through")
	}
}
