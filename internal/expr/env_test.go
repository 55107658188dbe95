package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

func sample() pipeline.SearchResult {
	return pipeline.SearchResult{
		Content:  "vector databases store embeddings",
		Score:    0.82,
		BankName: "research",
		Metadata: pipeline.ContentMetadata{
			Source:   "papers/Survey.PDF",
			Category: "papers",
			Tags:     []string{"ml", "storage"},
		},
	}
}

func TestPredicateMatchesResultFields(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	cases := map[string]bool{
		`score > 0.8 && bank == "research"`:   true,
		`"ml" in tags`:                        true,
		`"ops" in tags`:                       false,
		`ext(source) == "pdf"`:                true,
		`content.contains("embeddings")`:      true,
		`content_length < 10`:                 false,
		`category.startsWith("pap") || false`: true,
	}
	for expression, want := range cases {
		pred, err := env.Predicate(expression)
		require.NoError(t, err, expression)
		got, err := pred(sample())
		require.NoError(t, err, expression)
		require.Equal(t, want, got, expression)
	}
}

func TestPredicateWithoutTags(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	pred, err := env.Predicate(`size(tags) == 0`)
	require.NoError(t, err)
	ok, err := pred(pipeline.SearchResult{Content: "x"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)
	_, err = env.Compile(`score +`)
	require.Error(t, err)
	_, err = env.Compile(`score * 2.0`)
	require.Error(t, err, "non-boolean expressions are rejected")
	_, err = env.Compile(`unknown_field == 1`)
	require.Error(t, err)
}

func TestCompileReusesPrograms(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	first, err := env.Compile(`  score > 0.5 `)
	require.NoError(t, err)
	require.Equal(t, "score > 0.5", first.Source())
	_, err = env.Compile(`score > 0.5`)
	require.NoError(t, err)
	require.Len(t, env.programs, 1)
}

func TestEvalBoolUninitialized(t *testing.T) {
	_, err := Program{}.EvalBool(nil)
	require.Error(t, err)
}
