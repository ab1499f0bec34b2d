package expressions

import (
	"context"

	"github.com/emanders/ecrnow/pkg/schema"
)

// Engine evaluates action condition expressions.
// Three implementations: CEL (default), Expr (logic), GoJQ (JSON probing).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator bundles the available engines and dispatches by condition language.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator constructs an Evaluator with all three engines registered.
func NewEvaluator() (*Evaluator, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	ev := &Evaluator{engines: map[string]Engine{}}
	for _, e := range []Engine{celEng, NewExprEngine(), NewGoJQEngine()} {
		ev.engines[e.Name()] = e
	}
	return ev, nil
}

// EvalCondition evaluates a condition and coerces the result to a boolean.
// An empty language selects CEL. Unknown languages are a validation error.
func (v *Evaluator) EvalCondition(ctx context.Context, cond schema.Condition, data map[string]any) (bool, error) {
	lang := cond.Language
	if lang == "" {
		lang = "cel"
	}
	eng, ok := v.engines[lang]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", lang)
	}
	out, err := eng.Evaluate(ctx, cond.Expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Compiles reports whether the expression compiles in its declared language.
// Used by plan validation at load time.
func (v *Evaluator) Compiles(ctx context.Context, cond schema.Condition) error {
	_, err := v.EvalCondition(ctx, cond, map[string]any{})
	if err != nil && schema.IsCode(err, schema.ErrCodeValidation) {
		return err
	}
	// Runtime errors against empty data are fine; only compile errors matter here.
	return nil
}

// Truthy coerces an expression result to a boolean: false for nil, false,
// zero numbers, empty strings, empty slices and empty maps.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
