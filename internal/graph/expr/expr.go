// Package expr compiles and evaluates CONDITIONAL edge expressions.
//
// The language is deliberately small: boolean combinations of comparisons
// and equality over shared-memory keys, with string, number, boolean and
// null literals. No function calls, no side effects. A compile error at
// graph load is fatal; an evaluation error (for example a missing key)
// yields false.
package expr

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// nullLiteral rewrites the null spellings accepted in edge conditions to
// the evaluator's nil keyword.
var nullLiteral = regexp.MustCompile(`\b(?:null|None)\b`)

// Program is a compiled edge condition.
type Program struct {
	src  string
	prog *vm.Program
}

// Source returns the original expression text.
func (p *Program) Source() string {
	return p.src
}

// Compile parses and compiles an edge condition. Function calls and
// builtins are rejected at compile time.
func Compile(src string) (*Program, error) {
	normalized := nullLiteral.ReplaceAllString(src, "nil")

	tree, err := parser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", src, err)
	}
	checker := &callChecker{}
	ast.Walk(&tree.Node, checker)
	if checker.err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", src, checker.err)
	}

	prog, err := expr.Compile(normalized,
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, err)
	}
	return &Program{src: src, prog: prog}, nil
}

// Eval runs the condition against a shared-memory snapshot. Any runtime
// error (missing key, type mismatch, non-boolean result) yields false.
func (p *Program) Eval(memory map[string]any) bool {
	env := memory
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(p.prog, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// callChecker rejects AST nodes outside the audited subset.
type callChecker struct {
	err error
}

func (c *callChecker) Visit(node *ast.Node) {
	if c.err != nil {
		return
	}
	switch (*node).(type) {
	case *ast.CallNode:
		c.err = fmt.Errorf("function calls are not allowed")
	case *ast.BuiltinNode:
		c.err = fmt.Errorf("builtin calls are not allowed")
	case *ast.ClosureNode:
		c.err = fmt.Errorf("closures are not allowed")
	}
}
