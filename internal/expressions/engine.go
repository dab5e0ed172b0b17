package expressions

import "context"

// Engine evaluates expressions inside built-in tools.
// Three implementations: CEL (assertions), GoJQ (transforms), Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
