package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/l0p7/bankbridge/internal/metrics"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

// AllBanks marks an entry produced by a search over every registered bank.
// Such entries are dropped by any bank invalidation, since a newly created
// bank changes what "every bank" means.
const AllBanks = "*"

// Query holds the parameters that identify a search.
type Query struct {
	Text      string
	Banks     []string
	Filters   any
	SortBy    string
	SortOrder string
	TopK      int
	MinScore  float64
}

// Key derives the cache key for q. Text is trimmed and lower-cased and the
// bank list sorted; everything else is used verbatim.
func Key(q Query) string {
	banks := slices.Clone(q.Banks)
	slices.Sort(banks)
	normalized := struct {
		Query     string   `json:"query"`
		Banks     []string `json:"memory_banks,omitempty"`
		Filters   any      `json:"filters,omitempty"`
		SortBy    string   `json:"sort_by,omitempty"`
		SortOrder string   `json:"sort_order,omitempty"`
		TopK      int      `json:"top_k,omitempty"`
		MinScore  float64  `json:"min_score,omitempty"`
	}{
		Query:     strings.ToLower(strings.TrimSpace(q.Text)),
		Banks:     banks,
		Filters:   q.Filters,
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
		TopK:      q.TopK,
		MinScore:  q.MinScore,
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		// Filters that cannot be encoded still need a stable key.
		normalized.Filters = nil
		payload, _ = json.Marshal(normalized)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Entry is a cached search outcome.
type Entry struct {
	Key          string                  `json:"key"`
	Results      []pipeline.SearchResult `json:"results"`
	TotalResults int                     `json:"totalResults"`
	Banks        []string                `json:"banks"`
	CreatedAt    time.Time               `json:"createdAt"`
	HitCount     int                     `json:"hitCount"`
}

// EntryPreview is the redacted view of an entry reported by Stats.
type EntryPreview struct {
	QueryHash    string `json:"queryHash"`
	ResultsCount int    `json:"resultsCount"`
	HitCount     int    `json:"hitCount"`
	AgeMinutes   int    `json:"ageMinutes"`
}

// Stats summarizes cache usage.
type Stats struct {
	Backend    string         `json:"backend"`
	Size       int            `json:"size"`
	MaxSize    int            `json:"maxSize"`
	TTLMinutes float64        `json:"ttlMinutes"`
	HitCount   int64          `json:"hitCount"`
	MissCount  int64          `json:"missCount"`
	HitRate    float64        `json:"hitRate"`
	Entries    []EntryPreview `json:"entries"`
}

// OptimizeResult reports what an Optimize pass removed.
type OptimizeResult struct {
	Removed   int `json:"removedCount"`
	Remaining int `json:"remainingCount"`
}

// SearchCache memoizes search results by normalized query key.
type SearchCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, results []pipeline.SearchResult, banks []string) error
	Invalidate(ctx context.Context, banks []string) (int, error)
	Optimize(ctx context.Context) (OptimizeResult, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}

// Options configures either backend.
type Options struct {
	MaxSize int
	TTL     time.Duration
	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (o Options) normalize() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = 100
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With(slog.String("agent", "search_cache"))
	return o
}

// evictionScore ranks entries for eviction; the lowest score goes first.
// Age increases the score, so older entries outlive younger ones with the
// same hit count.
func evictionScore(hits int, createdAt, now time.Time) float64 {
	return float64(hits)*1000 + now.Sub(createdAt).Minutes()
}

func expired(createdAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(createdAt) > ttl
}

// touchesBanks reports whether an entry recorded for entryBanks must be
// dropped when banks change.
func touchesBanks(entryBanks, banks []string) bool {
	for _, b := range entryBanks {
		if b == AllBanks || slices.Contains(banks, b) {
			return true
		}
	}
	return false
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return math.Round(float64(hits)/float64(total)*100*100) / 100
}

func preview(e Entry, now time.Time) EntryPreview {
	hash := e.Key
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return EntryPreview{
		QueryHash:    hash + "...",
		ResultsCount: len(e.Results),
		HitCount:     e.HitCount,
		AgeMinutes:   int(math.Round(now.Sub(e.CreatedAt).Minutes())),
	}
}

func cloneEntry(in Entry) Entry {
	out := in
	out.Results = slices.Clone(in.Results)
	out.Banks = slices.Clone(in.Banks)
	return out
}
