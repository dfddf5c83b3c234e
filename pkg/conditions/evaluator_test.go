package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilhacare/trilha/pkg/models"
)

func floatPtr(v float64) *float64 {
	return &v
}

func TestEvaluateEntries_FirstMatchWins(t *testing.T) {
	entries := []models.ConditionEntry{
		{Legacy: &models.Condition{Field: "imc", Operator: "menor", Value: 18.5, Label: "abaixo"}},
		{Legacy: &models.Condition{Field: "imc", Operator: "menor", Value: 25.0, Label: "normal"}},
		{Legacy: &models.Condition{Field: "imc", Operator: "maior_igual", Value: 25.0, Label: "acima"}},
	}

	b := Bindings{Calculations: map[string]float64{"imc": 22.86}}

	match := EvaluateEntries(entries, b)
	require.NotNil(t, match)
	assert.Equal(t, 1, match.Index)
	assert.Equal(t, "normal", match.Label)
	assert.Equal(t, "condition-1", match.Handle)
}

func TestEvaluateEntries_NoMatch(t *testing.T) {
	entries := []models.ConditionEntry{
		{Legacy: &models.Condition{Field: "imc", Operator: "maior", Value: 30.0}},
	}

	b := Bindings{Calculations: map[string]float64{"imc": 22.0}}

	assert.Nil(t, EvaluateEntries(entries, b))
}

// Legacy conditions without a campo compare against the previous step's
// result.
func TestEvaluateEntries_LegacyFallsBackToLastResult(t *testing.T) {
	entries := []models.ConditionEntry{
		{Legacy: &models.Condition{Operator: "entre", Value: 18.5, ValueEnd: 24.9, Label: "normal"}},
	}

	match := EvaluateEntries(entries, Bindings{LastResult: floatPtr(22.86)})
	require.NotNil(t, match)
	assert.Equal(t, "normal", match.Label)

	assert.Nil(t, EvaluateEntries(entries, Bindings{}))
}

func TestEvaluateEntries_CompositeLogic(t *testing.T) {
	tests := []struct {
		name    string
		logic   string
		rules   []models.Rule
		matched bool
	}{
		{
			name:  "AND all rules hold",
			logic: "AND",
			rules: []models.Rule{
				{SourceType: "calculation", SourceField: "imc", Operator: "greater", Value: 18.5},
				{SourceType: "question", SourceField: "fumante", Operator: "equal", Value: "nao"},
			},
			matched: true,
		},
		{
			name:  "AND one rule fails",
			logic: "AND",
			rules: []models.Rule{
				{SourceType: "calculation", SourceField: "imc", Operator: "greater", Value: 18.5},
				{SourceType: "question", SourceField: "fumante", Operator: "equal", Value: "sim"},
			},
			matched: false,
		},
		{
			name:  "OR one rule holds",
			logic: "OR",
			rules: []models.Rule{
				{SourceType: "calculation", SourceField: "imc", Operator: "greater", Value: 40.0},
				{SourceType: "question", SourceField: "fumante", Operator: "equal", Value: "nao"},
			},
			matched: true,
		},
		{
			name:  "OR no rule holds",
			logic: "OR",
			rules: []models.Rule{
				{SourceType: "calculation", SourceField: "imc", Operator: "greater", Value: 40.0},
				{SourceType: "question", SourceField: "fumante", Operator: "equal", Value: "sim"},
			},
			matched: false,
		},
		{
			name:    "empty rules never match",
			logic:   "AND",
			rules:   nil,
			matched: false,
		},
	}

	b := Bindings{
		Calculations: map[string]float64{"imc": 22.86},
		Questions:    map[string]string{"fumante": "nao"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := []models.ConditionEntry{
				{Composite: &models.CompositeCondition{ID: "c1", Label: "risco", Logic: tt.logic, Rules: tt.rules}},
			}

			match := EvaluateEntries(entries, b)
			if tt.matched {
				require.NotNil(t, match)
				assert.Equal(t, "risco", match.Label)
			} else {
				assert.Nil(t, match)
			}
		})
	}
}

func TestCompareNumeric_BetweenInclusive(t *testing.T) {
	tests := []struct {
		name    string
		lhs     float64
		matched bool
	}{
		{name: "below lower bound", lhs: 18.49, matched: false},
		{name: "exactly lower bound", lhs: 18.5, matched: true},
		{name: "inside range", lhs: 22.0, matched: true},
		{name: "exactly upper bound", lhs: 24.9, matched: true},
		{name: "above upper bound", lhs: 24.91, matched: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matched, compareNumeric(tt.lhs, "entre", 18.5, 24.9))
			assert.Equal(t, tt.matched, compareNumeric(tt.lhs, "between", 18.5, 24.9))
		})
	}
}

func TestCompareNumeric_OperatorAliases(t *testing.T) {
	assert.True(t, compareNumeric(10, "igual", 10, nil))
	assert.True(t, compareNumeric(10, "equal", "10", nil))
	assert.True(t, compareNumeric(11, "diferente", 10, nil))
	assert.True(t, compareNumeric(11, "maior", 10, nil))
	assert.True(t, compareNumeric(9, "menor", 10, nil))
	assert.True(t, compareNumeric(10, "maior_igual", 10, nil))
	assert.True(t, compareNumeric(10, "menor_igual", 10, nil))
	assert.False(t, compareNumeric(10, "desconhecido", 10, nil))
}

// Values that fail numeric coercion make the comparison not match, they never
// error out.
func TestCoercionFailureMeansNoMatch(t *testing.T) {
	entries := []models.ConditionEntry{
		{Legacy: &models.Condition{Field: "imc", Operator: "maior", Value: "nao-numerico"}},
	}

	b := Bindings{Calculations: map[string]float64{"imc": 22.0}}
	assert.Nil(t, EvaluateEntries(entries, b))

	// between with a bad upper bound
	assert.False(t, compareNumeric(20, "entre", 10, "abc"))
}

func TestEvaluateSpecial(t *testing.T) {
	b := Bindings{
		Calculations: map[string]float64{"imc": 31.2},
		Questions:    map[string]string{"dor": "Sim", "idade": "44"},
	}

	t.Run("numeric condition over calculation", func(t *testing.T) {
		match := EvaluateSpecial([]models.SpecialCondition{
			{Kind: "numerico", Field: "imc", Operator: "maior", Value: 30.0, Label: "obeso"},
		}, b)
		require.NotNil(t, match)
		assert.Equal(t, "obeso", match.Label)
	})

	t.Run("numeric condition over numeric question answer", func(t *testing.T) {
		match := EvaluateSpecial([]models.SpecialCondition{
			{Kind: "numerico", Field: "idade", Operator: "maior_igual", Value: 40, Label: "quarenta+"},
		}, b)
		require.NotNil(t, match)
		assert.Equal(t, 0, match.Index)
	})

	t.Run("question condition is case-insensitive", func(t *testing.T) {
		match := EvaluateSpecial([]models.SpecialCondition{
			{Kind: "pergunta", Field: "dor", Operator: "igual", Value: "sim", Label: "com dor"},
		}, b)
		require.NotNil(t, match)
		assert.Equal(t, "com dor", match.Label)
	})

	t.Run("first match wins across kinds", func(t *testing.T) {
		match := EvaluateSpecial([]models.SpecialCondition{
			{Kind: "numerico", Field: "imc", Operator: "menor", Value: 18.5, Label: "abaixo"},
			{Kind: "pergunta", Field: "dor", Operator: "igual", Value: "sim", Label: "com dor"},
		}, b)
		require.NotNil(t, match)
		assert.Equal(t, 1, match.Index)
	})

	t.Run("unknown kind never matches", func(t *testing.T) {
		assert.Nil(t, EvaluateSpecial([]models.SpecialCondition{
			{Kind: "texto", Field: "dor", Operator: "igual", Value: "sim"},
		}, b))
	})
}

func TestEvaluateRule_TextOperators(t *testing.T) {
	b := Bindings{Questions: map[string]string{"sintoma": "Dor de cabeca intensa"}}

	assert.True(t, evaluateRule(models.Rule{
		SourceType: "question", SourceField: "sintoma", Operator: "contains", Value: "cabeca",
	}, b))

	assert.True(t, evaluateRule(models.Rule{
		SourceType: "question", SourceField: "sintoma", Operator: "in",
		Value: []any{"febre", "Dor de cabeca intensa"},
	}, b))

	assert.False(t, evaluateRule(models.Rule{
		SourceType: "question", SourceField: "sintoma", Operator: "in", Value: "febre",
	}, b))
}
