// Package sandbox evaluates the pure code_exec tasks the DAG builder
// extracts: whitelisted array/string/object/JSON operations and the
// statement sequences sequential fusion stitches them into. It never runs
// arbitrary source; every program is compiled through expr-lang/expr with
// an AST guard restricting calls to the whitelisted operation set, plus a
// static pattern check that rejects anything resembling host access before
// compilation is even attempted.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// opWhitelist mirrors the DAG builder's methodWhitelist: the only operation
// names a compiled program may call, whether as a builtin or as a bound
// environment function.
var opWhitelist = map[string]bool{
	"filter": true, "map": true, "reduce": true, "flatMap": true,
	"find": true, "findIndex": true, "some": true, "every": true,
	"any": true, "all": true, // expr-lang's native spellings of some/every
	"sort": true, "slice": true, "take": true, "concat": true, "join": true,
	"split": true, "replace": true, "trim": true,
	"toLowerCase": true, "toUpperCase": true, "lower": true, "upper": true,
	"keys": true, "values": true, "entries": true,
	"parse": true, "stringify": true, "fromJSON": true, "toJSON": true,
	"len": true, "first": true, "last": true, "reverse": true,
	// arithmetic/comparison helpers commonly needed by fused reduce chains
	"abs": true, "ceil": true, "floor": true, "round": true, "max": true, "min": true,
}

// Program is a compiled, sandboxed code_exec body ready to run.
type Program struct {
	source  string
	program *vm.Program
}

// Source returns the original code text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Sandbox compiles and runs code_exec task bodies under the whitelisted
// operation set. It holds no mutable state and is safe for concurrent use.
type Sandbox struct {
	// Timeout bounds a single Run call; zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds a single sandboxed evaluation absent an explicit
// override; pure operations are expected to be cheap and this generously
// covers fused chains over realistic payloads.
const DefaultTimeout = 2 * time.Second

// Compile statically checks code for forbidden host-access patterns, then
// compiles it as an expr-lang program restricted to the whitelisted
// operation set. env supplies the variable names (and example values, for
// expr's type inference) the program may reference; it is not the runtime
// environment, only its shape.
func Compile(code string, env map[string]any) (p *Program, err error) {
	if cerr := staticCheck(code); cerr != nil {
		return nil, cerr
	}

	// guard.Visit panics rather than returning an error, since ast.Visitor
	// has no error channel; recover it here and surface it as a normal
	// compile error.
	defer func() {
		if r := recover(); r != nil {
			if sbErr, ok := r.(*Error); ok {
				err = sbErr
				return
			}
			err = &Error{Code: ErrCodeForbidden, Message: fmt.Sprintf("%v", r)}
		}
	}()

	// Rather than disable every expr-lang builtin (which would also take
	// down the closure-style filter/map/find/all/any that operation code
	// relies on), enforcement is the guard patcher below plus registering
	// JS-spelled aliases for the operations expr-lang names differently.
	opts := []expr.Option{
		expr.Env(env),
		expr.Patch(&guard{}),
		expr.AllowUndefinedVariables(),
	}
	for name, fn := range allowedFunctions() {
		opts = append(opts, expr.Function(name, fn))
	}

	compiled, cerr := expr.Compile(code, opts...)
	if cerr != nil {
		return nil, &Error{Code: ErrCodeCompile, Message: cerr.Error()}
	}
	return &Program{source: code, program: compiled}, nil
}

// Run executes a compiled program against env, the bindings visible to the
// task (its resolved argument values and, for a fused chain, nothing beyond
// its own locals since deps are resolved before fusion's code is built).
func (s *Sandbox) Run(ctx context.Context, p *Program, env map[string]any) (any, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan runResult, 1)
	go func() {
		out, err := expr.Run(p.program, env)
		resultCh <- runResult{out, err}
	}()

	select {
	case <-runCtx.Done():
		return nil, &Error{Code: ErrCodeTimeout, Message: fmt.Sprintf("sandbox evaluation exceeded %s", timeout)}
	case r := <-resultCh:
		if r.err != nil {
			return nil, &Error{Code: ErrCodeRuntime, Message: r.err.Error()}
		}
		return r.out, nil
	}
}

type runResult struct {
	out any
	err error
}

// guard is an expr-lang AST patcher rejecting any call node whose function
// name is not in opWhitelist, the second line of defense behind the
// pre-compile static check.
type guard struct{}

func (g *guard) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.CallNode:
		if ident, ok := n.Callee.(*ast.IdentifierNode); ok && !opWhitelist[ident.Value] {
			panic(&Error{Code: ErrCodeForbidden, Message: "call to disallowed operation: " + ident.Value})
		}
	case *ast.BuiltinNode:
		if !opWhitelist[n.Name] {
			panic(&Error{Code: ErrCodeForbidden, Message: "call to disallowed builtin: " + n.Name})
		}
	}
}
