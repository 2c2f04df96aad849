// Package sandbox executes generated Go analysis programs inside a yaegi
// interpreter instead of compiling and exec'ing them. The interpreter gets
// the stdlib plus a small query bridge to the SQL executor; imports are
// whitelisted before evaluation and execution is bounded by the caller's
// context.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/DataWeave/TaskPipe/internal/sqlexec"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultExecuteTimeout bounds one program run when the caller sets no deadline.
const DefaultExecuteTimeout = 300 * time.Second

// Typed sentinels for the failure classifier.
var (
	// ErrParse means the program did not parse or type-check.
	ErrParse = errors.New("program failed to parse")
	// ErrNoRunFunc means the program defines no Run function.
	ErrNoRunFunc = errors.New("program defines no Run function")
	// ErrBadSignature means Run has the wrong signature.
	ErrBadSignature = errors.New("Run has the wrong signature")
	// ErrPanic means the program panicked while running.
	ErrPanic = errors.New("program panicked")
	// ErrBadShape means the program returned a result shape outside the closed set.
	ErrBadShape = errors.New("program returned an unknown result shape")
	// ErrForbiddenImport means the program imports a package outside the whitelist.
	ErrForbiddenImport = errors.New("program imports a forbidden package")
)

// allowedImports is the stdlib whitelist for generated programs.
var allowedImports = map[string]bool{
	"fmt":           true,
	"strings":       true,
	"strconv":       true,
	"sort":          true,
	"math":          true,
	"time":          true,
	"encoding/json": true,
}

// Query is the bridge generated programs use to reach the data source.
type Query struct {
	ctx  context.Context
	exec sqlexec.Executor
}

// SQL runs a read-only query and returns rows as column-keyed maps.
func (q Query) SQL(query string) ([]map[string]any, error) {
	rows, err := q.exec.Run(q.ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return out, nil
}

// Result is what a generated program returns.
type Result struct {
	Shape string
	Rows  []map[string]any
}

// NewResult builds a program result.
func NewResult(shape string, rows []map[string]any) Result {
	return Result{Shape: shape, Rows: rows}
}

// Symbols exposes the bridge to interpreted programs under the "taskpipe" import path.
var Symbols = interp.Exports{
	"taskpipe/taskpipe": {
		"Query":     reflect.ValueOf((*Query)(nil)),
		"Result":    reflect.ValueOf((*Result)(nil)),
		"NewResult": reflect.ValueOf(NewResult),
	},
}

// Output is the typed success crossing back to the router.
type Output struct {
	Shape models.ResultShape
	Rows  []models.Row
}

// Interpreter runs generated programs against one SQL executor.
type Interpreter struct {
	exec    sqlexec.Executor
	timeout time.Duration
}

// New creates an interpreter bound to the given SQL executor.
func New(exec sqlexec.Executor) *Interpreter {
	return &Interpreter{exec: exec, timeout: DefaultExecuteTimeout}
}

// Execute runs the program and returns its output. All failure modes come
// back as errors wrapping the package sentinels (or the raw bridge error);
// nothing panics past this boundary.
func (s *Interpreter) Execute(ctx context.Context, program string) (*Output, error) {
	if strings.TrimSpace(program) == "" {
		return nil, fmt.Errorf("%w: empty program", ErrParse)
	}
	src := wrapProgram(program)
	if err := validateImports(src); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("failed to load bridge symbols: %w", err)
	}

	if _, err := i.Eval(src); err != nil {
		slog.Debug("sandbox.Execute: program failed to evaluate", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	runVal, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRunFunc, err)
	}
	run, ok := runVal.Interface().(func(Query) (Result, error))
	if !ok {
		return nil, fmt.Errorf("%w: expected func(Query) (Result, error)", ErrBadSignature)
	}

	type runResult struct {
		res Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		res, err := run(Query{ctx: ctx, exec: s.exec})
		done <- runResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		slog.Warn("sandbox.Execute: program timed out")
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		shape, ok := models.ShapeByName(r.res.Shape)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadShape, r.res.Shape)
		}
		rows := make([]models.Row, len(r.res.Rows))
		for i, row := range r.res.Rows {
			rows[i] = models.Row(row)
		}
		slog.Debug("sandbox.Execute: program succeeded", "shape", shape, "rows", len(rows))
		return &Output{Shape: shape, Rows: rows}, nil
	}
}

// validateImports rejects programs importing outside the whitelist. The
// source is parsed rather than scanned so string literals that merely look
// like import lines cannot trip the check. The bridge path "taskpipe" is
// always allowed.
func validateImports(src string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "program.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		if path == "taskpipe" {
			continue
		}
		if !allowedImports[path] {
			return fmt.Errorf("%w: %q", ErrForbiddenImport, path)
		}
	}
	return nil
}

// wrapProgram normalizes a generated snippet into an interpretable file with
// the bridge dot-imported so Query, Result and NewResult resolve bare.
func wrapProgram(program string) string {
	src := strings.TrimSpace(program)
	if !strings.HasPrefix(src, "package ") {
		src = "package main\n\n" + src
	}
	// Insert the bridge import right after the package clause.
	if idx := strings.Index(src, "\n"); idx >= 0 {
		src = src[:idx+1] + "\nimport . \"taskpipe\"\n" + src[idx+1:]
	}
	return src
}
