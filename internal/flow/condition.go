package flow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// EvaluateCondition reports whether the condition holds for the session variables.
//
// EQUALS compares numerically when both sides are numbers, otherwise case-insensitively as text.
// CONTAINS tests list membership or a case-insensitive substring. GT coerces both sides to numbers;
// a non-numeric side is false. HAS_VALUE is false for absent, empty, zero and false values.
// EXPR runs an expr-lang expression over the variables; errors and non-bool results are false.
func EvaluateCondition(c models.ConditionContent, vars map[string]any) bool {
	v := vars[c.Variable]
	switch c.Operator {
	case models.OperatorEquals:
		a, aok := toNumber(v)
		b, bok := toNumber(c.Value)
		if aok && bok {
			return a == b
		}
		return strings.EqualFold(strings.TrimSpace(models.StringifyValue(v)), strings.TrimSpace(c.Value))
	case models.OperatorContains:
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if strings.EqualFold(models.StringifyValue(item), c.Value) {
					return true
				}
			}
			return false
		}
		if v == nil {
			return false
		}
		return strings.Contains(strings.ToLower(models.StringifyValue(v)), strings.ToLower(c.Value))
	case models.OperatorGT:
		a, aok := toNumber(v)
		b, bok := toNumber(c.Value)
		return aok && bok && a > b
	case models.OperatorHasValue:
		return hasValue(v)
	case models.OperatorExpr:
		return evalExpr(c.Value, vars)
	default:
		return false
	}
}

func evalExpr(code string, vars map[string]any) bool {
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		slog.Warn("EvaluateCondition: expression compile failed", "expr", code, "error", err)
		return false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		slog.Debug("EvaluateCondition: expression run failed", "expr", code, "error", err)
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func hasValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return false
		}
		if n, ok := toNumber(s); ok {
			return n != 0
		}
		return true
	case bool:
		return val
	case []any:
		return len(val) > 0
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

// toNumber coerces numbers and numeric strings. Spaces and underscores inside strings are ignored
// so "15 000" parses.
func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case string:
		s := strings.NewReplacer(" ", "", "_", "", "\u00a0", "").Replace(strings.TrimSpace(val))
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
