package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trilhacare/trilha/pkg/conditions"
	"github.com/trilhacare/trilha/pkg/eventbus"
	"github.com/trilhacare/trilha/pkg/events"
	"github.com/trilhacare/trilha/pkg/formula"
	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/notification"
	"github.com/trilhacare/trilha/pkg/otelhelper"
	"github.com/trilhacare/trilha/pkg/persistence"
)

// Engine advances patient executions through flow graphs. It is stateless:
// every operation takes the flow and execution explicitly, evaluates in
// memory, and persists only after evaluation succeeded, so a failed step
// leaves the stored record untouched and retryable.
type Engine struct {
	persistence persistence.Persistence
	notifier    notification.Notifier
	bus         eventbus.EventBus
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEngine creates an engine. The event bus is optional; a nil bus disables
// lifecycle event publication.
func NewEngine(p persistence.Persistence, notifier notification.Notifier, bus eventbus.EventBus, logger *slog.Logger) *Engine {
	return &Engine{
		persistence: p,
		notifier:    notifier,
		bus:         bus,
		logger:      logger.With("module", "execution_engine"),
		tracer:      otel.Tracer("execution_engine"),
		now:         time.Now,
	}
}

// WithClock overrides the engine's time source. Tests use it to control
// delay arithmetic.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now

	return e
}

// WithTracer overrides the tracer resolved from the global provider.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer

	return e
}

// StartExecution creates a new execution for the patient, positioned at the
// start node's target.
func (e *Engine) StartExecution(ctx context.Context, flow *models.FlowDefinition, patientID string) (result *models.FlowExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start_execution",
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.String(otelhelper.FlowNameKey, flow.Name),
		attribute.String(otelhelper.PatientIDKey, patientID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if err := flow.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow %s: %w", flow.ID, err)
	}

	start := flow.StartNode()

	edge, err := flow.OutgoingEdge(start.ID, "")
	if err != nil {
		return nil, &MissingEdgeError{NodeID: start.ID, Err: err}
	}

	if edge == nil {
		return nil, &MissingEdgeError{NodeID: start.ID}
	}

	first := flow.Node(edge.Target)
	if first == nil {
		return nil, &MissingNodeError{NodeID: edge.Target}
	}

	now := e.now().UTC()
	execution := &models.FlowExecution{
		ID:                generateExecutionID(),
		FlowID:            flow.ID,
		PatientID:         patientID,
		Status:            models.ExecutionStatusInProgress,
		CurrentNode:       first.ID,
		CurrentStep:       snapshot(first, nil),
		TotalSteps:        flow.TotalSteps(),
		CalculatorResults: make(map[string]float64),
		QuestionResponses: make(map[string]string),
		CreatedAt:         now,
	}

	if err := e.persistence.Executions().CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	e.logger.InfoContext(ctx, "Started execution",
		"execution_id", execution.ID,
		"flow_id", flow.ID,
		"patient_id", patientID,
		"first_node", first.ID,
	)

	e.publish(ctx, execution, events.ExecutionStarted{
		BaseEvent:   e.baseEvent(events.ExecutionStartedEvent, execution),
		FirstNodeID: first.ID,
		TotalSteps:  execution.TotalSteps,
	})

	if first.Type == models.NodeTypeFormStart {
		e.notifyFormStart(ctx, execution, first)
	}

	return execution, nil
}

// CompleteStep is the live-interaction entry point: it records the patient's
// response for the current node, resolves the outgoing edge, and advances.
func (e *Engine) CompleteStep(ctx context.Context, flow *models.FlowDefinition, execution *models.FlowExecution, response any) (result *models.FlowExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.complete_step",
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.NodeIDKey, execution.CurrentNode),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if execution.FlowID != flow.ID {
		return nil, ErrFlowMismatch
	}

	if execution.IsTerminal() {
		return nil, ErrExecutionTerminal
	}

	if execution.IsParked() {
		return nil, ErrExecutionParked
	}

	clone := execution.Clone()
	prevNode := clone.CurrentNode

	node := flow.Node(prevNode)
	if node == nil {
		return nil, &MissingNodeError{NodeID: prevNode}
	}

	span.SetAttributes(attribute.String(otelhelper.NodeTypeKey, string(node.Type)))

	if err := e.recordResponse(clone, node, response); err != nil {
		return nil, err
	}

	edge, matchedLabel, err := e.resolveEdge(flow, clone, node)
	if err != nil {
		return nil, err
	}

	if edge == nil {
		// Terminal success: nothing left to walk.
		completeTerminal(clone)

		if err := e.persistence.Executions().UpdateExecution(ctx, clone, prevNode); err != nil {
			return nil, err
		}

		e.publish(ctx, clone, events.ExecutionCompleted{
			BaseEvent:      e.baseEvent(events.ExecutionCompletedEvent, clone),
			FinalNodeID:    prevNode,
			CompletedSteps: clone.CompletedSteps,
		})

		return clone, nil
	}

	next := flow.Node(edge.Target)
	if next == nil {
		return nil, &MissingNodeError{NodeID: edge.Target}
	}

	if next.Type == models.NodeTypeDelay {
		return e.parkOnDelay(ctx, flow, clone, prevNode, next)
	}

	e.advanceTo(clone, next)

	if err := e.persistence.Executions().UpdateExecution(ctx, clone, prevNode); err != nil {
		return nil, err
	}

	e.publish(ctx, clone, events.ExecutionStepCompleted{
		BaseEvent:      e.baseEvent(events.ExecutionStepCompletedEvent, clone),
		NodeID:         prevNode,
		NodeType:       node.Type,
		NextNodeID:     next.ID,
		MatchedLabel:   matchedLabel,
		CompletedSteps: clone.CompletedSteps,
		Progress:       clone.Progress,
	})

	if clone.Status == models.ExecutionStatusCompleted {
		e.publish(ctx, clone, events.ExecutionCompleted{
			BaseEvent:      e.baseEvent(events.ExecutionCompletedEvent, clone),
			FinalNodeID:    next.ID,
			CompletedSteps: clone.CompletedSteps,
		})
	}

	if next.Type == models.NodeTypeFormStart {
		e.notifyFormStart(ctx, clone, next)
	}

	return clone, nil
}

// AdvanceAfterDelay is the scheduler-driven entry point: it moves a parked
// execution onto the node recorded in its delay task. Invoking it on an
// execution that is no longer parked is a no-op, which keeps the advance
// effective exactly once however many times the trigger fires.
func (e *Engine) AdvanceAfterDelay(ctx context.Context, flow *models.FlowDefinition, execution *models.FlowExecution, task *models.DelayTask) (result *models.FlowExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.advance_after_delay",
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.NodeIDKey, task.NextNodeID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if execution.FlowID != flow.ID {
		return nil, ErrFlowMismatch
	}

	if execution.IsTerminal() || !execution.IsParked() {
		return execution, nil
	}

	clone := execution.Clone()
	prevNode := clone.CurrentNode
	clone.NextStepAvailableAt = nil

	next := flow.Node(task.NextNodeID)
	if next == nil {
		return nil, &MissingNodeError{NodeID: task.NextNodeID}
	}

	delayNodeID := ""
	if clone.CurrentStep != nil {
		delayNodeID = clone.CurrentStep.NodeID
	}

	if next.Type == models.NodeTypeDelay {
		// Back-to-back delays: park again on the chained node.
		return e.parkOnDelay(ctx, flow, clone, prevNode, next)
	}

	e.advanceTo(clone, next)

	if err := e.persistence.Executions().UpdateExecution(ctx, clone, prevNode); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Resumed execution after delay",
		"execution_id", clone.ID,
		"node_id", next.ID,
	)

	e.publish(ctx, clone, events.ExecutionResumed{
		BaseEvent:   e.baseEvent(events.ExecutionResumedEvent, clone),
		DelayNodeID: delayNodeID,
		NodeID:      next.ID,
	})

	if clone.Status == models.ExecutionStatusCompleted {
		e.publish(ctx, clone, events.ExecutionCompleted{
			BaseEvent:      e.baseEvent(events.ExecutionCompletedEvent, clone),
			FinalNodeID:    next.ID,
			CompletedSteps: clone.CompletedSteps,
		})
	}

	if next.Type == models.NodeTypeFormStart {
		e.notifyFormStart(ctx, clone, next)
	}

	return clone, nil
}

// CancelExecution marks the execution cancelled and invalidates any pending
// delay task so the scheduler skips it.
func (e *Engine) CancelExecution(ctx context.Context, execution *models.FlowExecution) (result *models.FlowExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.cancel_execution",
		attribute.String(otelhelper.FlowIDKey, execution.FlowID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if execution.IsTerminal() {
		return nil, ErrExecutionTerminal
	}

	clone := execution.Clone()
	prevNode := clone.CurrentNode
	clone.Status = models.ExecutionStatusCancelled
	clone.NextStepAvailableAt = nil

	if err := e.persistence.Executions().UpdateExecution(ctx, clone, prevNode); err != nil {
		return nil, err
	}

	if err := e.persistence.DelayTasks().Invalidate(ctx, clone.ID); err != nil {
		e.logger.WarnContext(ctx, "Failed to invalidate delay task on cancel",
			"execution_id", clone.ID,
			"error", err,
		)
	}

	e.publish(ctx, clone, events.ExecutionCancelled{
		BaseEvent: e.baseEvent(events.ExecutionCancelledEvent, clone),
	})

	return clone, nil
}

// recordResponse folds the completed node's outcome into the execution's
// accumulated context. Calculator evaluation happens here, before any write.
func (e *Engine) recordResponse(execution *models.FlowExecution, node *models.Node, response any) error {
	switch node.Type {
	case models.NodeTypeNumber:
		cfg, err := node.NumberConfig()
		if err != nil {
			return err
		}

		value, err := numericResponse(response)
		if err != nil {
			return fmt.Errorf("number node %s: %w", node.ID, err)
		}

		if cfg.Kind == models.NumberKindInteger {
			value = float64(int64(value))
		}

		execution.CalculatorResults[cfg.Name] = value
		execution.LastResult = &value
	case models.NodeTypeCalculator, models.NodeTypeSimpleCalculator:
		cfg, err := node.CalculatorConfig()
		if err != nil {
			return err
		}

		result, err := formula.Evaluate(cfg.Expression, cfg.ReferencedFields, execution.CalculatorResults)
		if err != nil {
			return err
		}

		rounded := formula.Round2(result)
		execution.CalculatorResults[cfg.ResultLabel] = rounded
		execution.LastResult = &rounded
	case models.NodeTypeQuestion:
		cfg, err := node.QuestionConfig()
		if err != nil {
			return err
		}

		answer, ok := textResponse(response)
		if !ok {
			return fmt.Errorf("question node %s requires a response", node.ID)
		}

		execution.QuestionResponses[cfg.ResponseKey(node.ID)] = answer
	}

	return nil
}

// resolveEdge picks the outgoing edge for the node being completed. Branching
// nodes consult the condition evaluator; everything else takes its single
// default edge. A nil edge with a nil error means the walk ends here. The
// returned label is the matched condition's, for audit.
func (e *Engine) resolveEdge(flow *models.FlowDefinition, execution *models.FlowExecution, node *models.Node) (*models.Edge, string, error) {
	bindings := conditions.Bindings{
		Calculations: execution.CalculatorResults,
		Questions:    execution.QuestionResponses,
		LastResult:   execution.LastResult,
	}

	switch node.Type {
	case models.NodeTypeConditions:
		cfg, err := node.ConditionsConfig()
		if err != nil {
			return nil, "", err
		}

		match := conditions.EvaluateEntries(cfg.Entries(), bindings)
		if match == nil {
			e.logger.Warn("Conditions node matched no rule, treating as terminal",
				"execution_id", execution.ID,
				"node_id", node.ID,
			)

			return nil, "", nil
		}

		execution.QuestionResponses[node.ID] = match.Label

		edge, err := flow.OutgoingEdge(node.ID, match.Handle)
		if err != nil {
			return nil, "", &MissingEdgeError{NodeID: node.ID, Err: err}
		}

		if edge == nil {
			return nil, "", &MissingEdgeError{NodeID: node.ID, Handle: match.Handle}
		}

		return edge, match.Label, nil
	case models.NodeTypeSpecialConditions:
		cfg, err := node.SpecialConditionsConfig()
		if err != nil {
			return nil, "", err
		}

		match := conditions.EvaluateSpecial(cfg.Conditions, bindings)
		if match == nil {
			return nil, "", nil
		}

		execution.QuestionResponses[node.ID] = match.Label

		edge, err := flow.OutgoingEdge(node.ID, "")
		if err != nil {
			return nil, "", &MissingEdgeError{NodeID: node.ID, Err: err}
		}

		return edge, match.Label, nil
	default:
		edge, err := flow.OutgoingEdge(node.ID, "")
		if err != nil {
			return nil, "", &MissingEdgeError{NodeID: node.ID, Err: err}
		}

		return edge, "", nil
	}
}

// parkOnDelay completes the current step but leaves the execution waiting on
// the delay node: current_node does not move, a delay task is scheduled, and
// only the scheduler advances past it.
func (e *Engine) parkOnDelay(ctx context.Context, flow *models.FlowDefinition, execution *models.FlowExecution, prevNode string, delayNode *models.Node) (*models.FlowExecution, error) {
	cfg, err := delayNode.DelayConfig()
	if err != nil {
		return nil, err
	}

	afterEdge, err := flow.OutgoingEdge(delayNode.ID, "")
	if err != nil {
		return nil, &MissingEdgeError{NodeID: delayNode.ID, Err: err}
	}

	if afterEdge == nil {
		return nil, &MissingEdgeError{NodeID: delayNode.ID}
	}

	nextAfter := flow.Node(afterEdge.Target)
	if nextAfter == nil {
		return nil, &MissingNodeError{NodeID: afterEdge.Target}
	}

	availableAt := e.now().UTC().Add(cfg.Duration())
	execution.NextStepAvailableAt = &availableAt
	execution.CurrentStep = snapshot(delayNode, &availableAt)
	execution.CompletedSteps++
	execution.Progress = progress(execution.CompletedSteps, execution.TotalSteps)

	task := &models.DelayTask{
		ExecutionID:  execution.ID,
		TriggerAt:    availableAt,
		NextNodeID:   nextAfter.ID,
		NextNodeType: nextAfter.Type,
	}

	// Task first, parked record second. A record parked without a task has no
	// resume path; a task without a parked record is a no-op for the scheduler
	// and gets invalidated below.
	if err := e.persistence.DelayTasks().Schedule(ctx, task); err != nil {
		return nil, fmt.Errorf("schedule delay task: %w", err)
	}

	if err := e.persistence.Executions().UpdateExecution(ctx, execution, prevNode); err != nil {
		if invErr := e.persistence.DelayTasks().Invalidate(ctx, execution.ID); invErr != nil {
			e.logger.WarnContext(ctx, "Failed to invalidate delay task after park rollback",
				"execution_id", execution.ID,
				"error", invErr,
			)
		}

		return nil, err
	}

	e.logger.InfoContext(ctx, "Parked execution on delay",
		"execution_id", execution.ID,
		"delay_node", delayNode.ID,
		"available_at", availableAt,
	)

	e.publish(ctx, execution, events.ExecutionDelayed{
		BaseEvent:   e.baseEvent(events.ExecutionDelayedEvent, execution),
		DelayNodeID: delayNode.ID,
		NextNodeID:  nextAfter.ID,
		AvailableAt: availableAt,
	})

	return execution, nil
}

// advanceTo moves the execution onto the next node and refreshes its
// counters. Landing on an end node is terminal immediately; nothing awaits a
// patient there.
func (e *Engine) advanceTo(execution *models.FlowExecution, next *models.Node) {
	execution.CurrentNode = next.ID
	execution.CurrentStep = snapshot(next, nil)
	execution.CompletedSteps++
	execution.Progress = progress(execution.CompletedSteps, execution.TotalSteps)

	if next.Type == models.NodeTypeEnd {
		completeTerminal(execution)
	}
}

func (e *Engine) notifyFormStart(ctx context.Context, execution *models.FlowExecution, node *models.Node) {
	cfg, err := node.FormConfig()
	if err != nil {
		e.logger.ErrorContext(ctx, "Invalid form node config", "node_id", node.ID, "error", err)

		return
	}

	payload := notification.Payload{
		PatientID:   execution.PatientID,
		FormName:    cfg.FormName,
		ExecutionID: execution.ID,
	}

	if err := e.notifier.Send(ctx, notification.TemplateFormInvite, payload); err != nil {
		// Fire-and-forget: the advance already happened and stands.
		e.logger.ErrorContext(ctx, "Failed to send form notification",
			"execution_id", execution.ID,
			"node_id", node.ID,
			"error", err,
		)
	}

	e.publish(ctx, execution, events.NotificationRequested{
		BaseEvent: e.baseEvent(events.NotificationRequestedEvent, execution),
		Template:  notification.TemplateFormInvite,
		FormName:  cfg.FormName,
	})
}

func (e *Engine) baseEvent(eventType events.EventType, execution *models.FlowExecution) events.BaseEvent {
	return events.BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   e.now().UTC(),
		FlowID:      execution.FlowID,
		ExecutionID: execution.ID,
		PatientID:   execution.PatientID,
	}
}

func (e *Engine) publish(ctx context.Context, execution *models.FlowExecution, event events.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, execution.ID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"execution_id", execution.ID,
			"error", err,
		)
	}
}

func completeTerminal(execution *models.FlowExecution) {
	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedSteps = execution.TotalSteps
	execution.Progress = 100
	execution.NextStepAvailableAt = nil
}

func snapshot(node *models.Node, availableAt *time.Time) *models.StepSnapshot {
	return &models.StepSnapshot{
		NodeID:      node.ID,
		Type:        node.Type,
		Title:       node.Title(),
		AvailableAt: availableAt,
	}
}

func progress(completed, total int) int {
	if total <= 0 {
		return 100
	}

	p := completed * 100 / total
	if p > 100 {
		return 100
	}

	return p
}

func numericResponse(response any) (float64, error) {
	switch v := response.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("response %q is not numeric", v)
		}

		return parsed, nil
	default:
		return 0, fmt.Errorf("response of type %T is not numeric", response)
	}
}

func textResponse(response any) (string, bool) {
	switch v := response.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func generateExecutionID() string {
	return fmt.Sprintf("exec-%s", uuid.New().String()[:8])
}
