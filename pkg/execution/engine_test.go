package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/trilhacare/trilha/pkg/log"
	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/notification"
	"github.com/trilhacare/trilha/pkg/otelhelper"
	"github.com/trilhacare/trilha/pkg/persistence"
	"github.com/trilhacare/trilha/pkg/persistence/file"
)

func newTestEngine(t *testing.T) (*Engine, persistence.Persistence) {
	t.Helper()

	logger := log.WithModule("test")
	store := file.NewPersistence(t.TempDir())

	return NewEngine(store, notification.NewLogNotifier(logger), nil, logger), store
}

// start -> peso -> altura -> imc -> cond -> (abaixo | normal | acima)
func bmiFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:   "flow-imc",
		Name: "Avaliacao IMC",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "peso", Type: models.NodeTypeNumber, Data: map[string]any{"nomenclatura": "peso", "tipoNumero": "decimal"}},
			{ID: "altura", Type: models.NodeTypeNumber, Data: map[string]any{"nomenclatura": "altura", "tipoNumero": "decimal"}},
			{ID: "imc", Type: models.NodeTypeCalculator, Data: map[string]any{
				"operacao":            "peso / (altura * altura)",
				"camposReferenciados": []any{"peso", "altura"},
				"resultLabel":         "imc",
			}},
			{ID: "cond", Type: models.NodeTypeConditions, Data: map[string]any{
				"condicoes": []any{
					map[string]any{"campo": "imc", "operador": "menor", "valor": 18.5, "label": "abaixo"},
					map[string]any{"campo": "imc", "operador": "menor", "valor": 25.0, "label": "normal"},
					map[string]any{"campo": "imc", "operador": "maior_igual", "valor": 25.0, "label": "acima"},
				},
			}},
			{ID: "fim-abaixo", Type: models.NodeTypeEnd},
			{ID: "fim-normal", Type: models.NodeTypeEnd},
			{ID: "fim-acima", Type: models.NodeTypeEnd},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "peso"},
			{ID: "e2", Source: "peso", Target: "altura"},
			{ID: "e3", Source: "altura", Target: "imc"},
			{ID: "e4", Source: "imc", Target: "cond"},
			{ID: "e5", Source: "cond", Target: "fim-abaixo", SourceHandle: "condition-0"},
			{ID: "e6", Source: "cond", Target: "fim-normal", SourceHandle: "condition-1"},
			{ID: "e7", Source: "cond", Target: "fim-acima", SourceHandle: "condition-2"},
		},
		IsActive: true,
	}
}

// start -> pergunta -> espera (30 min) -> retorno -> fim
func delayFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:   "flow-delay",
		Name: "Acompanhamento",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "pergunta", Type: models.NodeTypeQuestion, Data: map[string]any{"nomenclatura": "dor", "titulo": "Sente dor?"}},
			{ID: "espera", Type: models.NodeTypeDelay, Data: map[string]any{"valor": 30, "unidade": "minutos"}},
			{ID: "retorno", Type: models.NodeTypeQuestion, Data: map[string]any{"nomenclatura": "dor_retorno", "titulo": "E agora?"}},
			{ID: "fim", Type: models.NodeTypeEnd},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "pergunta"},
			{ID: "e2", Source: "pergunta", Target: "espera"},
			{ID: "e3", Source: "espera", Target: "retorno"},
			{ID: "e4", Source: "retorno", Target: "fim"},
		},
		IsActive: true,
	}
}

func TestStartExecution(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	flow := bmiFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	assert.Contains(t, exec.ID, "exec-")
	assert.Equal(t, models.ExecutionStatusInProgress, exec.Status)
	assert.Equal(t, "peso", exec.CurrentNode)
	assert.Equal(t, 7, exec.TotalSteps)
	assert.Equal(t, 0, exec.CompletedSteps)
	require.NotNil(t, exec.CurrentStep)
	assert.Equal(t, models.NodeTypeNumber, exec.CurrentStep.Type)

	stored, err := store.Executions().ExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "peso", stored.CurrentNode)
}

func TestStartExecution_InvalidFlow(t *testing.T) {
	engine, _ := newTestEngine(t)

	flow := bmiFlow()
	flow.Nodes[0].Type = models.NodeTypeQuestion // no start node left

	_, err := engine.StartExecution(context.Background(), flow, "pat-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start node")
}

func TestCompleteStep_BMIFlow(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	flow := bmiFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, 70.0)
	require.NoError(t, err)
	assert.Equal(t, "altura", exec.CurrentNode)
	assert.InDelta(t, 70, exec.CalculatorResults["peso"], 1e-9)

	exec, err = engine.CompleteStep(ctx, flow, exec, 1.75)
	require.NoError(t, err)
	assert.Equal(t, "imc", exec.CurrentNode)

	exec, err = engine.CompleteStep(ctx, flow, exec, nil)
	require.NoError(t, err)
	assert.Equal(t, "cond", exec.CurrentNode)
	assert.InDelta(t, 22.86, exec.CalculatorResults["imc"], 1e-9)
	require.NotNil(t, exec.LastResult)
	assert.InDelta(t, 22.86, *exec.LastResult, 1e-9)

	exec, err = engine.CompleteStep(ctx, flow, exec, nil)
	require.NoError(t, err)
	assert.Equal(t, "fim-normal", exec.CurrentNode)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, exec.TotalSteps, exec.CompletedSteps)
	assert.Equal(t, 100, exec.Progress)
	assert.Equal(t, "normal", exec.QuestionResponses["cond"])
}

func TestCompleteStep_IntegerKindTruncates(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	flow := bmiFlow()
	flow.Nodes[1].Data["tipoNumero"] = "integer"

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, 70.9)
	require.NoError(t, err)
	assert.InDelta(t, 70, exec.CalculatorResults["peso"], 1e-9)
}

// A failed formula evaluation must leave the stored execution untouched and
// retryable.
func TestCompleteStep_FormulaFailureLeavesExecutionUnchanged(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	flow := bmiFlow()
	// imc references a field no prior node collected
	flow.Nodes[3].Data["operacao"] = "peso / (cintura * cintura)"
	flow.Nodes[3].Data["camposReferenciados"] = []any{"peso", "cintura"}

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, 70.0)
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, 1.75)
	require.NoError(t, err)
	require.Equal(t, "imc", exec.CurrentNode)

	_, err = engine.CompleteStep(ctx, flow, exec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no value bound for cintura")

	stored, err := store.Executions().ExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "imc", stored.CurrentNode)
	assert.Equal(t, models.ExecutionStatusInProgress, stored.Status)
	assert.NotContains(t, stored.CalculatorResults, "imc")
	assert.Equal(t, 2, stored.CompletedSteps)
}

// A conditions node where no entry matches ends the journey successfully
// instead of erroring.
func TestCompleteStep_NoMatchCompletes(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	flow := bmiFlow()
	// all conditions impossible for the collected value
	flow.Nodes[4].Data["condicoes"] = []any{
		map[string]any{"campo": "imc", "operador": "maior", "valor": 1000.0, "label": "impossivel"},
	}
	flow.Edges = []*models.Edge{
		{ID: "e1", Source: "start", Target: "peso"},
		{ID: "e2", Source: "peso", Target: "altura"},
		{ID: "e3", Source: "altura", Target: "imc"},
		{ID: "e4", Source: "imc", Target: "cond"},
		{ID: "e5", Source: "cond", Target: "fim-normal", SourceHandle: "condition-0"},
	}

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, 70.0)
	require.NoError(t, err)
	exec, err = engine.CompleteStep(ctx, flow, exec, 1.75)
	require.NoError(t, err)
	exec, err = engine.CompleteStep(ctx, flow, exec, nil)
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 100, exec.Progress)
}

func TestCompleteStep_Guards(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	flow := bmiFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	t.Run("flow mismatch", func(t *testing.T) {
		other := bmiFlow()
		other.ID = "outro-flow"

		_, err := engine.CompleteStep(ctx, other, exec, 70.0)
		assert.ErrorIs(t, err, ErrFlowMismatch)
	})

	t.Run("terminal execution", func(t *testing.T) {
		done := exec.Clone()
		done.Status = models.ExecutionStatusCompleted

		_, err := engine.CompleteStep(ctx, flow, done, 70.0)
		assert.ErrorIs(t, err, ErrExecutionTerminal)
	})

	t.Run("parked execution", func(t *testing.T) {
		at := time.Now().Add(time.Hour)
		parked := exec.Clone()
		parked.NextStepAvailableAt = &at

		_, err := engine.CompleteStep(ctx, flow, parked, 70.0)
		assert.ErrorIs(t, err, ErrExecutionParked)
	})
}

func TestCompleteStep_StaleCopyRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	flow := bmiFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	stale := exec.Clone()

	_, err = engine.CompleteStep(ctx, flow, exec, 70.0)
	require.NoError(t, err)

	_, err = engine.CompleteStep(ctx, flow, stale, 80.0)
	assert.ErrorIs(t, err, persistence.ErrStaleExecution)
}

func TestCompleteStep_ParksOnDelay(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	engine, store := newTestEngine(t)
	engine.WithClock(func() time.Time { return now })

	ctx := context.Background()
	flow := delayFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)
	require.Equal(t, "pergunta", exec.CurrentNode)

	exec, err = engine.CompleteStep(ctx, flow, exec, "sim")
	require.NoError(t, err)

	// parked: position unchanged, wait recorded
	assert.Equal(t, "pergunta", exec.CurrentNode)
	require.NotNil(t, exec.NextStepAvailableAt)
	assert.True(t, exec.NextStepAvailableAt.Equal(now.Add(30*time.Minute)))
	require.NotNil(t, exec.CurrentStep)
	assert.Equal(t, models.NodeTypeDelay, exec.CurrentStep.Type)
	assert.Equal(t, "sim", exec.QuestionResponses["dor"])

	task, err := store.DelayTasks().TaskByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "retorno", task.NextNodeID)
	assert.True(t, task.TriggerAt.Equal(now.Add(30*time.Minute)))
	assert.False(t, task.Processed)

	_, err = engine.CompleteStep(ctx, flow, exec, "cedo demais")
	assert.ErrorIs(t, err, ErrExecutionParked)
}

func TestAdvanceAfterDelay(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	flow := delayFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, "sim")
	require.NoError(t, err)
	require.True(t, exec.IsParked())

	task, err := store.DelayTasks().TaskByExecution(ctx, exec.ID)
	require.NoError(t, err)

	resumed, err := engine.AdvanceAfterDelay(ctx, flow, exec, task)
	require.NoError(t, err)
	assert.Equal(t, "retorno", resumed.CurrentNode)
	assert.Nil(t, resumed.NextStepAvailableAt)
	assert.False(t, resumed.IsParked())

	// advancing again is a no-op, not a double move
	again, err := engine.AdvanceAfterDelay(ctx, flow, resumed, task)
	require.NoError(t, err)
	assert.Equal(t, "retorno", again.CurrentNode)
	assert.Equal(t, resumed.CompletedSteps, again.CompletedSteps)

	// and the journey continues normally afterwards
	final, err := engine.CompleteStep(ctx, flow, resumed, "nao")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
}

func TestAdvanceAfterDelay_ChainedDelays(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	engine, store := newTestEngine(t)
	engine.WithClock(func() time.Time { return now })

	ctx := context.Background()

	flow := delayFlow()
	flow.Nodes = append(flow.Nodes, &models.Node{
		ID: "espera2", Type: models.NodeTypeDelay,
		Data: map[string]any{"valor": 1, "unidade": "dias"},
	})
	flow.Edges = []*models.Edge{
		{ID: "e1", Source: "start", Target: "pergunta"},
		{ID: "e2", Source: "pergunta", Target: "espera"},
		{ID: "e3", Source: "espera", Target: "espera2"},
		{ID: "e4", Source: "espera2", Target: "retorno"},
		{ID: "e5", Source: "retorno", Target: "fim"},
	}

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, "sim")
	require.NoError(t, err)

	task, err := store.DelayTasks().TaskByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, "espera2", task.NextNodeID)

	claimed, err := store.DelayTasks().Claim(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	exec, err = engine.AdvanceAfterDelay(ctx, flow, exec, task)
	require.NoError(t, err)

	// still parked, now on the second delay
	require.True(t, exec.IsParked())
	assert.True(t, exec.NextStepAvailableAt.Equal(now.Add(24*time.Hour)))

	next, err := store.DelayTasks().TaskByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "retorno", next.NextNodeID)
	assert.False(t, next.Processed)
}

func TestCancelExecution(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	flow := delayFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	exec, err = engine.CompleteStep(ctx, flow, exec, "sim")
	require.NoError(t, err)
	require.True(t, exec.IsParked())

	cancelled, err := engine.CancelExecution(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NextStepAvailableAt)

	// the pending delay task was invalidated
	task, err := store.DelayTasks().TaskByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, task.Processed)

	_, err = engine.CancelExecution(ctx, cancelled)
	assert.ErrorIs(t, err, ErrExecutionTerminal)

	_, err = engine.CompleteStep(ctx, flow, cancelled, "tarde")
	assert.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestCompleteStep_SpecialConditions(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	flow := &models.FlowDefinition{
		ID:   "flow-especial",
		Name: "Triagem especial",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "idade", Type: models.NodeTypeNumber, Data: map[string]any{"nomenclatura": "idade", "tipoNumero": "integer"}},
			{ID: "triagem", Type: models.NodeTypeSpecialConditions, Data: map[string]any{
				"condicoes": []any{
					map[string]any{"tipo": "numerico", "campo": "idade", "operador": "maior_igual", "valor": 60.0, "label": "idoso"},
				},
			}},
			{ID: "acompanhamento", Type: models.NodeTypeQuestion, Data: map[string]any{"titulo": "Acompanhante?"}},
			{ID: "fim", Type: models.NodeTypeEnd},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "idade"},
			{ID: "e2", Source: "idade", Target: "triagem"},
			{ID: "e3", Source: "triagem", Target: "acompanhamento"},
			{ID: "e4", Source: "acompanhamento", Target: "fim"},
		},
	}

	t.Run("matched condition follows the edge", func(t *testing.T) {
		exec, err := engine.StartExecution(ctx, flow, "pat-1")
		require.NoError(t, err)

		exec, err = engine.CompleteStep(ctx, flow, exec, 65)
		require.NoError(t, err)
		require.Equal(t, "triagem", exec.CurrentNode)

		exec, err = engine.CompleteStep(ctx, flow, exec, nil)
		require.NoError(t, err)
		assert.Equal(t, "acompanhamento", exec.CurrentNode)
		assert.Equal(t, "idoso", exec.QuestionResponses["triagem"])
	})

	t.Run("no match ends the journey", func(t *testing.T) {
		exec, err := engine.StartExecution(ctx, flow, "pat-2")
		require.NoError(t, err)

		exec, err = engine.CompleteStep(ctx, flow, exec, 30)
		require.NoError(t, err)

		exec, err = engine.CompleteStep(ctx, flow, exec, nil)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	})
}

func TestCompleteStep_ScheduleFailureLeavesExecutionLive(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	flow := delayFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	// A pending task for this execution makes the park's schedule step fail.
	require.NoError(t, store.DelayTasks().Schedule(ctx, &models.DelayTask{
		ExecutionID: exec.ID,
		TriggerAt:   time.Now().UTC().Add(time.Hour),
		NextNodeID:  "retorno",
	}))

	_, err = engine.CompleteStep(ctx, flow, exec, "sim")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrDelayTaskExists)

	// The stored record is not parked and still accepts the live step.
	stored, err := store.Executions().ExecutionByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "pergunta", stored.CurrentNode)
	assert.False(t, stored.IsParked())
	assert.Equal(t, 0, stored.CompletedSteps)
	assert.NotContains(t, stored.QuestionResponses, "dor")
}

func TestEngineTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	engine, _ := newTestEngine(t)
	engine.WithTracer(tracer)

	ctx := context.Background()
	flow := bmiFlow()

	exec, err := engine.StartExecution(ctx, flow, "pat-1")
	require.NoError(t, err)

	stale := exec.Clone()

	_, err = engine.CompleteStep(ctx, flow, exec, 70.0)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine.start_execution", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String(otelhelper.FlowIDKey, "flow-imc"))
	assert.Contains(t, spans[0].Attributes(), attribute.String(otelhelper.PatientIDKey, "pat-1"))
	assert.Equal(t, "engine.complete_step", spans[1].Name())
	assert.Contains(t, spans[1].Attributes(), attribute.String(otelhelper.NodeIDKey, "peso"))

	// A failed step ends its span with an error status.
	_, err = engine.CompleteStep(ctx, flow, stale, 80.0)
	require.ErrorIs(t, err, persistence.ErrStaleExecution)

	spans = recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "engine.complete_step", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}
