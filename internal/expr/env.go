package expr

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
)

// maxCachedPrograms bounds the compiled program cache.
const maxCachedPrograms = 128

// Environment compiles CEL filter expressions over search results.
type Environment struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]Program
}

// NewEnvironment declares the variables a filter expression can read. Every
// key of pipeline.SearchResult.Activation is available.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("bank", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("timestamp", cel.StringType),
		cel.Variable("content_length", cel.IntType),
		cel.Function("ext",
			cel.Overload("ext_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(extension),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env, programs: make(map[string]Program)}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the expression for execution, ensuring it yields a
// boolean. Compiled programs are reused for identical expressions.
func (e *Environment) Compile(expression string) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	e.mu.Lock()
	if p, ok := e.programs[source]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	p := Program{source: source, program: program}

	e.mu.Lock()
	if len(e.programs) >= maxCachedPrograms {
		clear(e.programs)
	}
	e.programs[source] = p
	e.mu.Unlock()
	return p, nil
}

// Predicate compiles expression into a result filter.
func (e *Environment) Predicate(expression string) (pipeline.Predicate, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return func(r pipeline.SearchResult) (bool, error) {
		return p.EvalBool(r.Activation())
	}, nil
}

// EvalBool executes the program against vars and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the trimmed expression for logging.
func (p Program) Source() string { return p.source }

// extension returns the lower-cased file extension of a source path without
// the leading dot.
func extension(v ref.Val) ref.Val {
	s, ok := v.Value().(string)
	if !ok {
		return types.NewErr("expr: ext expects a string")
	}
	return types.String(strings.ToLower(strings.TrimPrefix(path.Ext(s), ".")))
}
