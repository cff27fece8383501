package notify

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultTrigger fires on a deny or any critical or high finding.
const DefaultTrigger = `!allowed || critical > 0 || high > 0`

// Trigger decides whether an outcome is worth a notification. The
// expression sees allowed, critical, high, medium, low, total, risk_tier,
// environment and application.
type Trigger struct {
	expr string
	prg  cel.Program
}

// NewTrigger compiles expr. An empty expr means DefaultTrigger.
func NewTrigger(expr string) (*Trigger, error) {
	if expr == "" {
		expr = DefaultTrigger
	}
	env, err := cel.NewEnv(
		cel.Variable("allowed", cel.BoolType),
		cel.Variable("critical", cel.IntType),
		cel.Variable("high", cel.IntType),
		cel.Variable("medium", cel.IntType),
		cel.Variable("low", cel.IntType),
		cel.Variable("total", cel.IntType),
		cel.Variable("risk_tier", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("application", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("notify trigger environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile notify trigger %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("notify trigger %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("notify trigger program: %w", err)
	}
	return &Trigger{expr: expr, prg: prg}, nil
}

// MustTrigger is NewTrigger for expressions known at compile time.
func MustTrigger(expr string) *Trigger {
	t, err := NewTrigger(expr)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Trigger) String() string { return t.expr }

// Match evaluates the trigger against n.
func (t *Trigger) Match(n Notification) (bool, error) {
	out, _, err := t.prg.Eval(map[string]any{
		"allowed":     n.Allowed,
		"critical":    int64(n.Counts.Critical),
		"high":        int64(n.Counts.High),
		"medium":      int64(n.Counts.Medium),
		"low":         int64(n.Counts.Low),
		"total":       int64(n.Counts.Total),
		"risk_tier":   n.RiskTier,
		"environment": n.Environment,
		"application": n.ApplicationName,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate notify trigger: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("notify trigger returned %T", out.Value())
	}
	return b, nil
}
