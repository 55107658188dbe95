package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// DefaultContextBlock renders one search result inside an assembled context.
// The source header only appears when metadata was requested and the result
// carries any.
const DefaultContextBlock = `{{ if and .includeMetadata .hasMetadata }}[Source: {{ .bank }}{{ with .source }} - {{ . }}{{ end }}]
{{ end }}{{ .content }}`

// blockedFuncs are sprig helpers that read the process environment or the
// filesystem outside the sandbox.
var blockedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles context block templates with the sprig function set.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer. A nil sandbox disables file templates.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range blockedFuncs {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: template.FuncMap(funcs)}
}

// Sandbox returns the sandbox file templates resolve against.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. Blank sources yield a nil template.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads a template from inside the sandbox.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// ContextBlock selects the per-result context template: a file inside the
// sandbox, then an inline source, then DefaultContextBlock.
func (r *Renderer) ContextBlock(inline, file string) (*Template, error) {
	if strings.TrimSpace(file) != "" {
		tmpl, err := r.CompileFile(file)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			return tmpl, nil
		}
	}
	if tmpl, err := r.CompileInline("context", inline); err != nil || tmpl != nil {
		return tmpl, err
	}
	return r.CompileInline("context", DefaultContextBlock)
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name returns the template name used in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
