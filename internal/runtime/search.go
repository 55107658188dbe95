package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/bankbridge/internal/runtime/cache"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

const (
	noContextFound  = "No relevant context found."
	contextSep      = "\n\n---\n\n"
	previewRunes    = 100
	tokensPerChunk  = 200
	maxContextHits  = 20
	charsPerToken   = 4
	defaultContextK = 10
)

type searchParams struct {
	VideoPath string  `json:"video_path"`
	IndexPath string  `json:"index_path"`
	Query     string  `json:"query"`
	TopK      int     `json:"top_k"`
	MinScore  float64 `json:"min_score"`
}

type searchHit struct {
	Content  string                   `json:"content"`
	Score    float64                  `json:"score"`
	Source   string                   `json:"source"`
	Metadata pipeline.ContentMetadata `json:"metadata"`
}

type searchReply struct {
	Success bool        `json:"success"`
	Results []searchHit `json:"results"`
	Error   string      `json:"error,omitempty"`
}

// Search runs the query against the requested banks, or every registered bank
// matching the tag filter, and returns the filtered, sorted top results.
// Banks that are not ready are skipped. When some banks fail the response
// lists the failures and is not cached; when all of them fail the first
// failure is returned.
func (s *Service) Search(ctx context.Context, req pipeline.SearchRequest) (pipeline.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return pipeline.SearchResponse{}, resilience.InvalidParameters("Query cannot be empty", "Provide search text")
	}
	if err := checkSort(req.SortBy, req.SortOrder); err != nil {
		return pipeline.SearchResponse{}, err
	}
	var predicate pipeline.Predicate
	if req.Filters != nil && strings.TrimSpace(req.Filters.Expression) != "" {
		p, err := s.exprs.Predicate(req.Filters.Expression)
		if err != nil {
			return pipeline.SearchResponse{}, resilience.Wrap(resilience.KindInvalidParameters, resilience.SeverityLow,
				"Filter expression is invalid", "Check the expression syntax and field names", err).
				WithContext("expression", req.Filters.Expression)
		}
		predicate = p
	}

	key := cache.Key(cache.Query{
		Text:      req.Query,
		Banks:     req.Banks,
		Filters:   req.Filters,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		TopK:      req.TopK,
		MinScore:  req.MinScore,
	})
	state := pipeline.NewState(req, key, CorrelationID(ctx))
	logger := s.requestLogger(ctx, slog.String("cache_key", key[:12]))
	s.logDebugSearchSnapshot(ctx, logger, req)

	entry, hit, err := s.cache.Lookup(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "search cache lookup failed", slog.Any("error", err))
	}
	if hit {
		logger.InfoContext(ctx, "search served from cache", slog.Int("results", len(entry.Results)))
		return pipeline.SearchResponse{
			Results:       entry.Results,
			TotalResults:  entry.TotalResults,
			Query:         req.Query,
			BanksSearched: searchedBanks(entry.Banks),
			FromCache:     true,
		}, nil
	}

	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return pipeline.SearchResponse{}, err
	}
	state.Candidates = candidates
	if len(candidates) == 0 {
		return pipeline.SearchResponse{Results: []pipeline.SearchResult{}, Query: req.Query, BanksSearched: []string{}}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.search.DefaultTopK
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = s.search.MinScore
	}

	var (
		errMu    sync.Mutex
		firstErr *resilience.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.search.MaxConcurrentSearches)
	for _, bank := range candidates {
		g.Go(func() error {
			results, err := s.searchBank(gctx, state, bank, topK, minScore, predicate)
			if err != nil {
				classified := resilience.Classify(err)
				state.RecordFailure(bank, string(classified.Kind), classified.UserMessage)
				logger.WarnContext(gctx, "bank search failed", slog.String("bank", bank), slog.Any("error", classified))
				errMu.Lock()
				if firstErr == nil {
					firstErr = classified
				}
				errMu.Unlock()
				return nil
			}
			if results != nil {
				state.RecordResults(bank, results)
			}
			return nil
		})
	}
	_ = g.Wait()

	failures := state.Failures()
	searched := state.Searched()
	if firstErr != nil && len(searched) == 0 {
		return pipeline.SearchResponse{}, firstErr
	}

	results := state.Results()
	if results == nil {
		results = []pipeline.SearchResult{}
	}
	pipeline.SortResults(results, req.SortBy, req.SortOrder)
	if len(results) > topK {
		results = results[:topK]
	}

	// Explicit bank lists with skipped banks are not cached: the entry could
	// not be invalidated when a skipped bank becomes ready.
	skipped := state.Skipped()
	if len(failures) == 0 && (len(req.Banks) == 0 || len(skipped) == 0) {
		banks := searched
		if len(req.Banks) == 0 {
			banks = append([]string{cache.AllBanks}, searched...)
		}
		if err := s.cache.Store(ctx, key, results, banks); err != nil {
			logger.WarnContext(ctx, "search cache store failed", slog.Any("error", err))
		}
	}

	logger.InfoContext(ctx, "search complete",
		slog.Int("results", len(results)),
		slog.Int("searched", len(searched)),
		slog.Int("skipped", len(skipped)),
		slog.Int("failed", len(failures)),
		slog.Duration("elapsed", state.Elapsed()),
	)
	return pipeline.SearchResponse{
		Results:       results,
		TotalResults:  len(results),
		Query:         req.Query,
		BanksSearched: searched,
		Failures:      failures,
	}, nil
}

// candidates resolves the banks to search. Explicit names are de-duplicated
// in order; otherwise every registered bank sharing a tag with the filter.
func (s *Service) candidates(ctx context.Context, req pipeline.SearchRequest) ([]string, error) {
	if len(req.Banks) > 0 {
		out := make([]string, 0, len(req.Banks))
		for _, name := range req.Banks {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
		return out, nil
	}
	entries, err := s.registry.List(ctx)
	if err != nil {
		return nil, resilience.Classify(err)
	}
	var tags []string
	if req.Filters != nil {
		tags = req.Filters.Tags
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if len(tags) > 0 && !slices.ContainsFunc(tags, func(t string) bool { return slices.Contains(entry.Tags, t) }) {
			continue
		}
		out = append(out, entry.Name)
	}
	return out, nil
}

// searchBank searches one bank. A nil result with a nil error means the bank
// was skipped.
func (s *Service) searchBank(ctx context.Context, state *pipeline.State, bank string, topK int, minScore float64, predicate pipeline.Predicate) ([]pipeline.SearchResult, error) {
	ready, err := s.validator.IsReady(ctx, bank, validator.IntentSearch)
	if err != nil {
		return nil, err
	}
	if !ready {
		state.RecordSkip(bank, "not ready for search")
		return nil, nil
	}
	if _, err := s.registry.Get(ctx, bank); err != nil {
		state.RecordSkip(bank, "not registered")
		return nil, nil
	}
	paths, err := s.validator.Layout().Paths(bank)
	if err != nil {
		state.RecordSkip(bank, "invalid name")
		return nil, nil
	}

	params := searchParams{
		VideoPath: paths.Primary,
		IndexPath: paths.Metadata,
		Query:     state.Request.Query,
		TopK:      topK,
		MinScore:  minScore,
	}
	reply, err := call(ctx, s, "search", params, func(r searchReply) error {
		if !r.Success {
			return fmt.Errorf("worker search of bank %s failed: %s", bank, r.Error)
		}
		return nil
	}, resilience.WithFields(map[string]any{"bank": bank}))
	if err != nil {
		return nil, err
	}

	hits := make([]pipeline.SearchResult, 0, len(reply.Results))
	for _, h := range reply.Results {
		source := h.Source
		if source == "" {
			source = "Unknown"
		}
		hits = append(hits, pipeline.SearchResult{
			Content:  h.Content,
			Score:    h.Score,
			Source:   source,
			Metadata: h.Metadata,
			BankName: bank,
		})
	}
	return pipeline.Filter(hits, state.Request.Filters, predicate)
}

// GetContext assembles search results into one token-bounded text block.
// Tokens are estimated at four characters each.
func (s *Service) GetContext(ctx context.Context, req pipeline.ContextRequest) (pipeline.ContextResponse, error) {
	// A budget below one chunk yields zero, which Search treats as its default.
	topK := defaultContextK
	if req.MaxTokens > 0 {
		topK = req.MaxTokens / tokensPerChunk
	}
	topK = min(topK, maxContextHits)

	found, err := s.Search(ctx, pipeline.SearchRequest{
		Query:    req.Query,
		Banks:    req.Banks,
		TopK:     topK,
		MinScore: s.search.MinScore,
	})
	if err != nil {
		return pipeline.ContextResponse{}, err
	}
	if len(found.Results) == 0 {
		return pipeline.ContextResponse{Context: noContextFound, Sources: []pipeline.ContextSource{}}, nil
	}

	budget := req.MaxTokens
	if budget <= 0 {
		budget = s.search.MaxContextTokens
	}
	var (
		b       strings.Builder
		tokens  int
		sources = []pipeline.ContextSource{}
	)
	for i, r := range found.Results {
		cost := estimateTokens(r.Content)
		if tokens+cost > budget {
			break
		}
		block, err := s.block.Render(r.TemplateContext(i, req.IncludeMetadata))
		if err != nil {
			return pipeline.ContextResponse{}, resilience.Wrap(resilience.KindInvalidConfiguration, resilience.SeverityMedium,
				"Context template failed to render", "Check search.contextTemplate", err)
		}
		if b.Len() > 0 {
			b.WriteString(contextSep)
		}
		b.WriteString(block)
		tokens += cost
		sources = append(sources, pipeline.ContextSource{
			BankName:       r.BankName,
			ContentPreview: previewContent(r.Content),
			Score:          r.Score,
		})
	}

	s.requestLogger(ctx).InfoContext(ctx, "context assembled", slog.Int("tokens", tokens), slog.Int("sources", len(sources)))
	return pipeline.ContextResponse{Context: b.String(), Sources: sources, TotalTokens: tokens}, nil
}

// searchedBanks strips the all-banks marker from a cache entry's bank list.
func searchedBanks(banks []string) []string {
	out := make([]string, 0, len(banks))
	for _, b := range banks {
		if b != cache.AllBanks {
			out = append(out, b)
		}
	}
	return out
}

func estimateTokens(content string) int {
	return int(math.Ceil(float64(pipeline.ContentLength(content)) / charsPerToken))
}

func previewContent(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "..."
}

func checkSort(by, order string) error {
	switch by {
	case "", pipeline.SortRelevance, pipeline.SortDate, pipeline.SortFileSize, pipeline.SortContentLength:
	default:
		return resilience.InvalidParameters(fmt.Sprintf("Unsupported sort_by value '%s'", by),
			"Use relevance, date, file_size or content_length")
	}
	switch order {
	case "", pipeline.OrderAsc, pipeline.OrderDesc:
	default:
		return resilience.InvalidParameters(fmt.Sprintf("Unsupported sort_order value '%s'", order), "Use asc or desc")
	}
	return nil
}

func (s *Service) logDebugSearchSnapshot(ctx context.Context, logger *slog.Logger, req pipeline.SearchRequest) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.Int("query_length", pipeline.ContentLength(req.Query)),
		slog.Any("banks", req.Banks),
		slog.Int("top_k", req.TopK),
		slog.Float64("min_score", req.MinScore),
	}
	if req.SortBy != "" {
		attrs = append(attrs, slog.String("sort_by", req.SortBy), slog.String("sort_order", req.SortOrder))
	}
	if req.Filters != nil {
		attrs = append(attrs, slog.String("filters", rawJSON(req.Filters)))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "search request snapshot", attrs...)
}
