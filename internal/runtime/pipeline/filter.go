package pipeline

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Predicate is an additional per-result check, typically a compiled expression.
type Predicate func(SearchResult) (bool, error)

// ContentLength counts characters, not bytes.
func ContentLength(content string) int { return utf8.RuneCountInString(content) }

// Match reports whether r passes the structural filters. A nil filter set
// matches everything. Timestamps that fail to parse never exclude a result.
func (f *SearchFilters) Match(r SearchResult) bool {
	if f == nil {
		return true
	}
	if len(f.FileTypes) > 0 {
		ext := sourceExtension(r.Metadata.Source)
		if ext == "" || !slices.ContainsFunc(f.FileTypes, func(want string) bool {
			return strings.TrimPrefix(strings.ToLower(want), ".") == ext
		}) {
			return false
		}
	}
	if f.DateRange != nil && r.Metadata.Timestamp != "" {
		if ts, ok := ParseTimestamp(r.Metadata.Timestamp); ok {
			if start, ok := ParseTimestamp(f.DateRange.Start); ok && ts.Before(start) {
				return false
			}
			if end, ok := ParseTimestamp(f.DateRange.End); ok && ts.After(end) {
				return false
			}
		}
	}
	if f.ContentLength != nil {
		n := ContentLength(r.Content)
		if f.ContentLength.Min > 0 && n < f.ContentLength.Min {
			return false
		}
		if f.ContentLength.Max > 0 && n > f.ContentLength.Max {
			return false
		}
	}
	return true
}

// Filter keeps the results that pass filters and, when set, extra.
func Filter(results []SearchResult, filters *SearchFilters, extra Predicate) ([]SearchResult, error) {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if !filters.Match(r) {
			continue
		}
		if extra != nil {
			ok, err := extra(r)
			if err != nil {
				return nil, fmt.Errorf("pipeline: filter expression: %w", err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// SortResults orders results in place. Unknown sort keys leave the order
// untouched; the default order is descending.
func SortResults(results []SearchResult, by, order string) {
	var key func(SearchResult) float64
	switch by {
	case "", SortRelevance:
		key = func(r SearchResult) float64 { return r.Score }
	case SortDate:
		key = func(r SearchResult) float64 {
			ts, ok := ParseTimestamp(r.Metadata.Timestamp)
			if !ok {
				return 0
			}
			return float64(ts.UnixMilli())
		}
	case SortContentLength, SortFileSize:
		// Chunks have no file size of their own; content length stands in.
		key = func(r SearchResult) float64 { return float64(ContentLength(r.Content)) }
	default:
		return
	}
	desc := order != OrderAsc
	slices.SortStableFunc(results, func(a, b SearchResult) int {
		if desc {
			return cmp.Compare(key(b), key(a))
		}
		return cmp.Compare(key(a), key(b))
	})
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseTimestamp accepts RFC 3339 timestamps and the common date-only and
// zone-less forms.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// sourceExtension mirrors "text after the last dot, lower-cased"; a source
// without a dot yields the whole lower-cased name.
func sourceExtension(source string) string {
	if source == "" {
		return ""
	}
	if i := strings.LastIndex(source, "."); i >= 0 {
		source = source[i+1:]
	}
	return strings.ToLower(source)
}
