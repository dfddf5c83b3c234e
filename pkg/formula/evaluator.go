// Package formula evaluates the arithmetic expressions configured on
// calculator nodes against previously collected numeric inputs.
package formula

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/expr-lang/expr"
)

// EvaluationError reports why a formula could not produce a number. The
// execution it belongs to is left unchanged and may be retried.
type EvaluationError struct {
	Expression string
	Reason     string
	Err        error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluate %q: %s: %v", e.Expression, e.Reason, e.Err)
	}

	return fmt.Sprintf("evaluate %q: %s", e.Expression, e.Reason)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluate substitutes each declared field name in the expression with its
// bound numeric value and evaluates the resulting arithmetic expression
// (+ - * / ^, parentheses, decimal literals).
//
// Substitution is whole-token: names are matched on word boundaries, longest
// name first, so a field that is a prefix of another (peso vs peso_total)
// never corrupts the longer token.
func Evaluate(expression string, fields []string, bindings map[string]float64) (float64, error) {
	substituted := expression

	ordered := make([]string, len(fields))
	copy(ordered, fields)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})

	for _, field := range ordered {
		if field == "" {
			continue
		}

		pattern, err := regexp.Compile(`\b` + regexp.QuoteMeta(field) + `\b`)
		if err != nil {
			return 0, &EvaluationError{Expression: expression, Reason: "invalid field name " + field, Err: err}
		}

		if !pattern.MatchString(substituted) {
			continue
		}

		value, ok := bindings[field]
		if !ok {
			return 0, &EvaluationError{Expression: expression, Reason: "no value bound for " + field}
		}

		substituted = pattern.ReplaceAllString(substituted, strconv.FormatFloat(value, 'f', -1, 64))
	}

	program, err := expr.Compile(substituted)
	if err != nil {
		return 0, &EvaluationError{Expression: expression, Reason: "malformed after substitution", Err: err}
	}

	out, err := expr.Run(program, nil)
	if err != nil {
		return 0, &EvaluationError{Expression: expression, Reason: "evaluation failed", Err: err}
	}

	result, ok := toFloat(out)
	if !ok {
		return 0, &EvaluationError{Expression: expression, Reason: fmt.Sprintf("non-numeric result %T", out)}
	}

	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, &EvaluationError{Expression: expression, Reason: "non-finite result"}
	}

	return result, nil
}

// Round2 rounds to two decimal places, the precision calculator results are
// displayed and stored with.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
