package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

func result(source string) pipeline.SearchResult {
	r := pipeline.SearchResult{Content: "chunk body", Score: 0.9, BankName: "notes"}
	r.Metadata.Source = source
	return r
}

func TestDefaultContextBlock(t *testing.T) {
	tmpl, err := NewRenderer(nil).ContextBlock("", "")
	require.NoError(t, err)
	require.Equal(t, "context", tmpl.Name())

	tests := []struct {
		name            string
		result          pipeline.SearchResult
		includeMetadata bool
		want            string
	}{
		{name: "content only", result: result("a.md"), want: "chunk body"},
		{name: "source header", result: result("a.md"), includeMetadata: true, want: "[Source: notes - a.md]\nchunk body"},
		{name: "header without source", result: func() pipeline.SearchResult {
			r := result("")
			r.Metadata.Category = "docs"
			return r
		}(), includeMetadata: true, want: "[Source: notes]\nchunk body"},
		{name: "no metadata no header", result: result(""), includeMetadata: true, want: "chunk body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tmpl.Render(tc.result.TemplateContext(0, tc.includeMetadata))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestContextBlockInlineUsesSprig(t *testing.T) {
	tmpl, err := NewRenderer(nil).ContextBlock(`{{ .index }}: {{ .content | upper }} ({{ printf "%.1f" .score }})`, "")
	require.NoError(t, err)
	got, err := tmpl.Render(result("a.md").TemplateContext(2, false))
	require.NoError(t, err)
	require.Equal(t, "2: CHUNK BODY (0.9)", got)

	_, err = NewRenderer(nil).ContextBlock(`{{ .content `, "")
	require.Error(t, err)
}

func TestContextBlockFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "block.tmpl"), []byte("{{ .bank }}/{{ .source }}"), 0o600))
	sandbox, err := NewSandbox(dir)
	require.NoError(t, err)
	renderer := NewRenderer(sandbox)
	require.Equal(t, sandbox, renderer.Sandbox())

	tmpl, err := renderer.ContextBlock("ignored", "block.tmpl")
	require.NoError(t, err)
	require.Equal(t, "block.tmpl", tmpl.Name())
	got, err := tmpl.Render(result("a.md").TemplateContext(0, false))
	require.NoError(t, err)
	require.Equal(t, "notes/a.md", got)

	_, err = renderer.ContextBlock("", "../outside.tmpl")
	require.ErrorContains(t, err, "escapes")

	_, err = NewRenderer(nil).ContextBlock("", "block.tmpl")
	require.ErrorContains(t, err, "require a sandbox")
}

func TestRendererBlocksEnvironmentAndFileHelpers(t *testing.T) {
	renderer := NewRenderer(nil)
	for _, name := range blockedFuncs {
		t.Run(name, func(t *testing.T) {
			_, ok := renderer.funcs[name]
			require.False(t, ok)
			_, err := renderer.CompileInline("inline", "{{ "+name+" \"x\" }}")
			require.Error(t, err)
		})
	}
}

func TestCompileInlineBlankAndNilRender(t *testing.T) {
	tmpl, err := NewRenderer(nil).CompileInline("", "  \n")
	require.NoError(t, err)
	require.Nil(t, tmpl)
	require.Empty(t, tmpl.Name())
	_, err = tmpl.Render(nil)
	require.Error(t, err)
}
