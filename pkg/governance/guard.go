package governance

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// GuardInput is the evaluation context for a trigger guard expression.
type GuardInput struct {
	Asset     string
	Price     float64
	Baseline  float64
	Deviation float64
	Severity  string
}

// TriggerGuard evaluates a configured CEL expression before a market
// signal is allowed to create a proposal. The expression is compiled
// once at construction; an empty expression admits everything.
//
// Example: `deviation < 0.5 && asset != "USDC"` suppresses proposals
// for implausible price jumps and for the stable leg.
type TriggerGuard struct {
	program cel.Program
}

func NewTriggerGuard(expression string) (*TriggerGuard, error) {
	if expression == "" {
		return &TriggerGuard{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("asset", cel.StringType),
		cel.Variable("price", cel.DoubleType),
		cel.Variable("baseline", cel.DoubleType),
		cel.Variable("deviation", cel.DoubleType),
		cel.Variable("severity", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: guard env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("governance: compile guard %q: %w", expression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("governance: guard %q must evaluate to bool, got %s", expression, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("governance: guard program: %w", err)
	}
	return &TriggerGuard{program: program}, nil
}

// Allow reports whether the signal may proceed to proposal creation.
// Evaluation errors fail closed.
func (g *TriggerGuard) Allow(in GuardInput) (bool, error) {
	if g.program == nil {
		return true, nil
	}
	out, _, err := g.program.Eval(map[string]any{
		"asset":     in.Asset,
		"price":     in.Price,
		"baseline":  in.Baseline,
		"deviation": in.Deviation,
		"severity":  in.Severity,
	})
	if err != nil {
		return false, fmt.Errorf("governance: eval guard: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("governance: guard returned %T, want bool", out.Value())
	}
	return allowed, nil
}
