package filters

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var (
	isoDateRe  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	yearRe     = regexp.MustCompile(`\b(20\d{2})\b`)
	lastDaysRe = regexp.MustCompile(`\blast (\d{1,4}) days?\b`)
	monthRe    = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
)

var monthNumbers = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4,
	"may": 5, "june": 6, "july": 7, "august": 8,
	"september": 9, "october": 10, "november": 11, "december": 12,
}

type keyword struct {
	match string
	value string
}

// First match in table order wins.
var (
	environmentKeywords = []keyword{
		{"production", "production"},
		{"development", "development"},
		{"staging", "staging"},
		{"test", "test"},
	}
	statusKeywords = []keyword{
		{"success", "success"},
		{"fail", "failed"},
		{"error", "error"},
		{"pending", "pending"},
	}
)

// PatternExtractor recognizes filters with fixed keyword tables and regular
// expressions. It never rewrites the query.
type PatternExtractor struct {
	now func() time.Time
}

// NewPatternExtractor returns a PatternExtractor that resolves relative
// dates against the wall clock.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{now: time.Now}
}

// NewPatternExtractorAt returns a PatternExtractor with a fixed clock.
func NewPatternExtractorAt(now func() time.Time) *PatternExtractor {
	return &PatternExtractor{now: now}
}

func (p *PatternExtractor) Extract(_ context.Context, query string) Extraction {
	return Extraction{
		Date:     p.ExtractDate(query),
		Metadata: ExtractMetadata(query),
		Query:    query,
	}
}

// ExtractDate returns the first date filter found, trying exact dates,
// relative days, ranges, month names and bare years in that order.
func (p *PatternExtractor) ExtractDate(query string) *DateFilter {
	q := strings.ToLower(query)

	for _, m := range isoDateRe.FindAllStringSubmatch(q, -1) {
		if _, err := time.Parse(dateLayout, m[1]); err == nil {
			return &DateFilter{DateStr: m[1]}
		}
	}

	today := p.today()
	switch {
	case strings.Contains(q, "today"):
		return &DateFilter{DateStr: today.Format(dateLayout)}
	case strings.Contains(q, "yesterday"):
		return &DateFilter{DateStr: today.AddDate(0, 0, -1).Format(dateLayout)}
	}

	if start, end, ok := matchRange(q, today); ok {
		return &DateFilter{StartDate: start.Format(dateLayout), EndDate: end.Format(dateLayout)}
	}

	if m := monthRe.FindStringSubmatch(q); m != nil {
		f := &DateFilter{Month: monthNumbers[m[1]]}
		if y := yearRe.FindStringSubmatch(q); y != nil {
			f.Year, _ = strconv.Atoi(y[1])
		}
		return f
	}

	if y := yearRe.FindStringSubmatch(q); y != nil {
		year, _ := strconv.Atoi(y[1])
		return &DateFilter{Year: year}
	}
	return nil
}

func (p *PatternExtractor) today() time.Time {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	t := now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// matchRange resolves range keywords relative to today. Ranges are
// inclusive on both ends.
func matchRange(q string, today time.Time) (start, end time.Time, ok bool) {
	firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	switch {
	case strings.Contains(q, "last week"):
		return today.AddDate(0, 0, -7), today, true
	case strings.Contains(q, "this week"):
		// Weeks start on Monday.
		offset := (int(today.Weekday()) + 6) % 7
		return today.AddDate(0, 0, -offset), today, true
	case strings.Contains(q, "last month"):
		return firstOfMonth.AddDate(0, -1, 0), firstOfMonth.AddDate(0, 0, -1), true
	case strings.Contains(q, "this month"):
		return firstOfMonth, today, true
	}
	if m := lastDaysRe.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return today.AddDate(0, 0, -n), today, true
		}
	}
	return time.Time{}, time.Time{}, false
}

// ExtractMetadata matches environment, status and correctness keywords.
// It returns nil when nothing matched.
func ExtractMetadata(query string) *MetadataFilter {
	q := strings.ToLower(query)
	f := &MetadataFilter{
		Environment: firstKeyword(q, environmentKeywords),
		Status:      firstKeyword(q, statusKeywords),
	}
	switch {
	case strings.Contains(q, "incorrect"), strings.Contains(q, "wrong"):
		v := false
		f.IsCorrect = &v
	case strings.Contains(q, "correct"):
		v := true
		f.IsCorrect = &v
	}
	if f.IsZero() {
		return nil
	}
	return f
}

func firstKeyword(q string, table []keyword) string {
	for _, k := range table {
		if strings.Contains(q, k.match) {
			return k.value
		}
	}
	return ""
}
