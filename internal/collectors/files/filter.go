package files

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL expression deciding whether a file is collected.
// The expression sees path, name, size (int) and mtime (timestamp).
type Filter struct {
	expr    string
	program cel.Program
}

func NewFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("mtime", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q must evaluate to a bool, got %s", expr, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter program: %w", err)
	}

	return &Filter{expr: expr, program: program}, nil
}

func (f *Filter) Match(path, name string, size int64, mtime time.Time) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{
		"path":  path,
		"name":  name,
		"size":  size,
		"mtime": mtime,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter %q on %s: %w", f.expr, path, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T", f.expr, out.Value())
	}
	return matched, nil
}
