package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates expressions inside node configs and edge guards.
// Three implementations: CEL (conditionals, guards), GoJQ and Expr (transforms).
type Engine interface {
	Name() string
	// Check compiles expression without evaluating it.
	Check(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set holds one instance of every engine, keyed by name.
type Set struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewSet builds all engines.
func NewSet() (*Set, error) {
	c, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{CEL: c, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// Get returns the engine registered under name. An empty name selects jq.
func (s *Set) Get(name string) (Engine, error) {
	switch name {
	case "", "jq":
		return s.JQ, nil
	case "expr":
		return s.Expr, nil
	case "cel":
		return s.CEL, nil
	}
	return nil, fmt.Errorf("unknown expression engine %q", name)
}
