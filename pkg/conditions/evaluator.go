// Package conditions evaluates the branching rules of conditions and
// specialConditions nodes. Evaluation is pure and deterministic: first match
// wins, top to bottom, and a value that fails numeric coercion simply makes
// that comparison not match instead of failing the whole node.
package conditions

import (
	"strconv"
	"strings"

	"github.com/trilhacare/trilha/pkg/models"
)

// Logic values accepted on composite conditions.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Bindings carries the named values an execution has accumulated so far.
// LastResult is the value produced by the step immediately before the
// branching node; legacy conditions without an explicit campo compare
// against it.
type Bindings struct {
	Calculations map[string]float64
	Questions    map[string]string
	LastResult   *float64
}

// Numeric resolves a field to a number, preferring calculator results and
// falling back to question answers that parse as numbers.
func (b Bindings) Numeric(field string) (float64, bool) {
	if v, ok := b.Calculations[field]; ok {
		return v, true
	}

	if s, ok := b.Questions[field]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}

	return 0, false
}

// Text resolves a field to its string form.
func (b Bindings) Text(field string) (string, bool) {
	if s, ok := b.Questions[field]; ok {
		return s, true
	}

	if v, ok := b.Calculations[field]; ok {
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}

	return "", false
}

// Match identifies the first satisfied rule entry. Handle is the source
// handle of the outgoing edge the match selects, when the node wires one
// edge per entry.
type Match struct {
	Index  int
	Label  string
	Handle string
}

// EvaluateEntries walks the ordered entries of a conditions node and returns
// the first match, or nil when no entry is satisfied.
func EvaluateEntries(entries []models.ConditionEntry, b Bindings) *Match {
	for i, entry := range entries {
		matched := false

		switch {
		case entry.Legacy != nil:
			matched = evaluateLegacy(entry.Legacy, b)
		case entry.Composite != nil:
			matched = evaluateComposite(entry.Composite, b)
		}

		if matched {
			return &Match{
				Index:  i,
				Label:  entry.LabelText(),
				Handle: models.ConditionHandle(i),
			}
		}
	}

	return nil
}

// EvaluateSpecial walks the flat ordered list of a specialConditions node.
// The matched entry does not select its own edge; the node has at most one.
func EvaluateSpecial(conds []models.SpecialCondition, b Bindings) *Match {
	for i, c := range conds {
		matched := false

		switch c.Kind {
		case "numerico":
			if lhs, ok := b.Numeric(c.Field); ok {
				matched = compareNumeric(lhs, c.Operator, c.Value, c.ValueEnd)
			}
		case "pergunta":
			if lhs, ok := b.Text(c.Field); ok {
				matched = compareText(lhs, c.Operator, c.Value)
			}
		}

		if matched {
			return &Match{Index: i, Label: c.Label}
		}
	}

	return nil
}

func evaluateLegacy(c *models.Condition, b Bindings) bool {
	var (
		lhs float64
		ok  bool
	)

	if c.Field != "" {
		lhs, ok = b.Numeric(c.Field)
	} else if b.LastResult != nil {
		lhs, ok = *b.LastResult, true
	}

	if !ok {
		return false
	}

	return compareNumeric(lhs, c.Operator, c.Value, c.ValueEnd)
}

func evaluateComposite(c *models.CompositeCondition, b Bindings) bool {
	if len(c.Rules) == 0 {
		return false
	}

	logic := strings.ToUpper(c.Logic)

	for _, rule := range c.Rules {
		matched := evaluateRule(rule, b)

		if logic == LogicOr && matched {
			return true
		}

		if logic != LogicOr && !matched {
			return false
		}
	}

	// AND saw every rule hold; OR saw none.
	return logic != LogicOr
}

func evaluateRule(r models.Rule, b Bindings) bool {
	switch r.Operator {
	case "equal":
		return ruleEquals(r, b)
	case "not_equal":
		return !ruleEquals(r, b)
	case "greater", "less", "greater_equal", "less_equal", "between":
		lhs, ok := ruleNumeric(r, b)
		if !ok {
			return false
		}

		return compareNumeric(lhs, r.Operator, r.Value, r.ValueEnd)
	case "contains":
		lhs, ok := ruleText(r, b)
		if !ok {
			return false
		}

		want, ok := toText(r.Value)
		if !ok {
			return false
		}

		return strings.Contains(strings.ToLower(lhs), strings.ToLower(want))
	case "in":
		lhs, ok := ruleText(r, b)
		if !ok {
			return false
		}

		values, ok := r.Value.([]any)
		if !ok {
			return false
		}

		for _, v := range values {
			if s, ok := toText(v); ok && valuesEqual(lhs, s) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func ruleNumeric(r models.Rule, b Bindings) (float64, bool) {
	if r.SourceType == "question" {
		s, ok := b.Questions[r.SourceField]
		if !ok {
			return 0, false
		}

		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)

		return v, err == nil
	}

	return b.Numeric(r.SourceField)
}

func ruleText(r models.Rule, b Bindings) (string, bool) {
	if r.SourceType == "calculation" {
		v, ok := b.Calculations[r.SourceField]
		if !ok {
			return "", false
		}

		return strconv.FormatFloat(v, 'f', -1, 64), true
	}

	return b.Text(r.SourceField)
}

func ruleEquals(r models.Rule, b Bindings) bool {
	if lhs, ok := ruleNumeric(r, b); ok {
		if rhs, ok := toFloat(r.Value); ok {
			return lhs == rhs
		}
	}

	lhs, ok := ruleText(r, b)
	if !ok {
		return false
	}

	rhs, ok := toText(r.Value)
	if !ok {
		return false
	}

	return valuesEqual(lhs, rhs)
}

// compareNumeric applies both the legacy Portuguese operators and the
// composite rule operators over coerced floats. Both bounds of entre/between
// are inclusive.
func compareNumeric(lhs float64, operator string, value, valueEnd any) bool {
	rhs, ok := toFloat(value)
	if !ok {
		return false
	}

	switch operator {
	case "igual", "equal":
		return lhs == rhs
	case "diferente", "not_equal":
		return lhs != rhs
	case "maior", "greater":
		return lhs > rhs
	case "menor", "less":
		return lhs < rhs
	case "maior_igual", "greater_equal":
		return lhs >= rhs
	case "menor_igual", "less_equal":
		return lhs <= rhs
	case "entre", "between":
		end, ok := toFloat(valueEnd)
		if !ok {
			return false
		}

		return lhs >= rhs && lhs <= end
	default:
		return false
	}
}

// compareText applies the pergunta operators, case-insensitively.
func compareText(lhs, operator string, value any) bool {
	rhs, ok := toText(value)
	if !ok {
		return false
	}

	switch operator {
	case "igual":
		return strings.EqualFold(strings.TrimSpace(lhs), strings.TrimSpace(rhs))
	case "diferente":
		return !strings.EqualFold(strings.TrimSpace(lhs), strings.TrimSpace(rhs))
	case "contem":
		return strings.Contains(strings.ToLower(lhs), strings.ToLower(rhs))
	default:
		return false
	}
}

func valuesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func toText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}
