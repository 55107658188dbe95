package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
)

func contents(results []pipeline.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	return out
}

func TestSearchAggregatesRanksAndCaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createBank(t, "notes", "docs")
	env.createBank(t, "code", "src")
	env.worker.set(func(w *fakeWorker) {
		w.hits["notes"] = []searchHit{{Content: "alpha", Score: 0.9}, {Content: "beta", Score: 0.4}}
		w.hits["code"] = []searchHit{{Content: "gamma", Score: 0.7, Source: "main.go"}}
	})

	resp, err := env.svc.Search(ctx, pipeline.SearchRequest{Query: "find", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "gamma"}, contents(resp.Results))
	assert.Equal(t, 2, resp.TotalResults)
	assert.ElementsMatch(t, []string{"notes", "code"}, resp.BanksSearched)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "Unknown", resp.Results[0].Source)
	assert.Equal(t, "main.go", resp.Results[1].Source)
	assert.Equal(t, "notes", resp.Results[0].BankName)

	env.worker.set(func(w *fakeWorker) {
		require.Len(t, w.lastSearch, 2)
		for _, p := range w.lastSearch {
			assert.Equal(t, 2, p.TopK)
			assert.InDelta(t, 0.3, p.MinScore, 1e-9)
			assert.True(t, strings.HasSuffix(p.IndexPath, ".json"))
		}
	})

	cached, err := env.svc.Search(ctx, pipeline.SearchRequest{Query: "  FIND ", TopK: 2})
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, contents(resp.Results), contents(cached.Results))
	assert.ElementsMatch(t, []string{"notes", "code"}, cached.BanksSearched)
	assert.Equal(t, 2, env.worker.count("search"))

	_, err = env.svc.AddContent(ctx, pipeline.AddContentRequest{Bank: "notes", Content: "delta"})
	require.NoError(t, err)
	fresh, err := env.svc.Search(ctx, pipeline.SearchRequest{Query: "find", TopK: 2})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache, "adding content must invalidate cached searches")
}

func TestSearchTagFilterSelectsBanks(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes", "docs")
	env.createBank(t, "code", "src")
	env.worker.set(func(w *fakeWorker) {
		w.hits["notes"] = []searchHit{{Content: "alpha", Score: 0.9}}
		w.hits["code"] = []searchHit{{Content: "gamma", Score: 0.7}}
	})

	resp, err := env.svc.Search(context.Background(), pipeline.SearchRequest{
		Query:   "find",
		Filters: &pipeline.SearchFilters{Tags: []string{"src"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"code"}, resp.BanksSearched)
	assert.Equal(t, []string{"gamma"}, contents(resp.Results))
}

func TestSearchAppliesFilterExpression(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")
	env.worker.set(func(w *fakeWorker) {
		w.hits["notes"] = []searchHit{
			{Content: "short", Score: 0.9},
			{Content: "a much longer chunk", Score: 0.8},
		}
	})

	resp, err := env.svc.Search(context.Background(), pipeline.SearchRequest{
		Query:   "find",
		Filters: &pipeline.SearchFilters{Expression: "content_length > 10"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a much longer chunk"}, contents(resp.Results))
}

func TestSearchSkipsBanksThatAreNotReady(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")
	env.worker.set(func(w *fakeWorker) { w.hits["notes"] = []searchHit{{Content: "alpha", Score: 0.9}} })

	req := pipeline.SearchRequest{Query: "find", Banks: []string{"notes", "ghost", "notes"}}
	resp, err := env.svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, resp.BanksSearched)
	assert.Empty(t, resp.Failures)
	assert.Equal(t, 1, env.worker.count("search"))

	again, err := env.svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.FromCache, "searches that skipped a bank are not cached")
}

func TestSearchPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")
	env.createBank(t, "code")
	env.worker.set(func(w *fakeWorker) {
		w.searchFail["notes"] = "index mismatch"
		w.hits["code"] = []searchHit{{Content: "gamma", Score: 0.7}}
	})

	resp, err := env.svc.Search(context.Background(), pipeline.SearchRequest{Query: "find"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma"}, contents(resp.Results))
	assert.Equal(t, []string{"code"}, resp.BanksSearched)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "notes", resp.Failures[0].Bank)

	again, err := env.svc.Search(context.Background(), pipeline.SearchRequest{Query: "find"})
	require.NoError(t, err)
	assert.False(t, again.FromCache, "partial results are not cached")
}

func TestSearchAllBanksFailing(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")
	env.worker.set(func(w *fakeWorker) { w.searchFail["notes"] = "index mismatch" })

	_, err := env.svc.Search(context.Background(), pipeline.SearchRequest{Query: "find"})
	require.Error(t, err)
	var classified *resilience.Error
	require.ErrorAs(t, err, &classified)
	assert.Contains(t, classified.TechnicalDetail, "index mismatch")
}

func TestSearchWithoutBanksReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.svc.Search(context.Background(), pipeline.SearchRequest{Query: "find"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.BanksSearched)
}

func TestSearchValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Search(ctx, pipeline.SearchRequest{Query: "   "})
	requireKind(t, err, resilience.KindInvalidParameters)

	_, err = env.svc.Search(ctx, pipeline.SearchRequest{Query: "q", SortBy: "popularity"})
	requireKind(t, err, resilience.KindInvalidParameters)

	_, err = env.svc.Search(ctx, pipeline.SearchRequest{Query: "q", SortOrder: "sideways"})
	requireKind(t, err, resilience.KindInvalidParameters)

	_, err = env.svc.Search(ctx, pipeline.SearchRequest{Query: "q", Filters: &pipeline.SearchFilters{Expression: "score >"}})
	requireKind(t, err, resilience.KindInvalidParameters)
	assert.Zero(t, env.worker.count("search"))
}

func TestGetContextRespectsTokenBudget(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")
	first := strings.Repeat("a", 40)
	second := strings.Repeat("b", 40)
	env.worker.set(func(w *fakeWorker) {
		w.hits["notes"] = []searchHit{
			{Content: first, Score: 0.9, Metadata: pipeline.ContentMetadata{Source: "a.md"}},
			{Content: second, Score: 0.8},
		}
	})

	resp, err := env.svc.GetContext(context.Background(), pipeline.ContextRequest{Query: "find", MaxTokens: 15})
	require.NoError(t, err)
	assert.Equal(t, first, resp.Context)
	assert.Equal(t, 10, resp.TotalTokens)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, pipeline.ContextSource{BankName: "notes", ContentPreview: first, Score: 0.9}, resp.Sources[0])
}

func TestGetContextJoinsBlocksWithMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")
	long := strings.Repeat("z", 120)
	env.worker.set(func(w *fakeWorker) {
		w.hits["notes"] = []searchHit{
			{Content: "first chunk", Score: 0.9, Metadata: pipeline.ContentMetadata{Source: "a.md"}},
			{Content: long, Score: 0.8},
		}
	})

	resp, err := env.svc.GetContext(context.Background(), pipeline.ContextRequest{Query: "find", IncludeMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, "[Source: notes - a.md]\nfirst chunk\n\n---\n\n"+long, resp.Context)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, strings.Repeat("z", 100)+"...", resp.Sources[1].ContentPreview)
	assert.Equal(t, 3+30, resp.TotalTokens)
}

func TestGetContextWithoutResults(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")

	resp, err := env.svc.GetContext(context.Background(), pipeline.ContextRequest{Query: "find"})
	require.NoError(t, err)
	assert.Equal(t, "No relevant context found.", resp.Context)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, resp.TotalTokens)
}
