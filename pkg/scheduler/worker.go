// Package scheduler resumes executions parked on delay nodes. It polls for
// due delay tasks instead of arming in-process timers: polling survives
// restarts and redeployments and tolerates clock drift, at the cost of up to
// one poll interval of resume latency.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trilhacare/trilha/pkg/execution"
	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/otelhelper"
	"github.com/trilhacare/trilha/pkg/persistence"
)

const DefaultPollInterval = time.Minute

// Worker is the recurring job that claims due delay tasks and advances their
// executions. Claims are exclusive: overlapping runs (cron overlap, multiple
// replicas) each see at most one winner per task, so an execution is never
// double-advanced past a delay.
type Worker struct {
	persistence persistence.Persistence
	engine      *execution.Engine
	logger      *slog.Logger
	tracer      trace.Tracer
	interval    time.Duration
	cron        *cron.Cron
	now         func() time.Time
}

func NewWorker(p persistence.Persistence, engine *execution.Engine, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Worker{
		persistence: p,
		engine:      engine,
		logger:      logger.With("module", "delay_scheduler"),
		tracer:      otel.Tracer("delay_scheduler"),
		interval:    interval,
		now:         time.Now,
	}
}

// WithClock overrides the worker's time source for tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now

	return w
}

// WithTracer overrides the tracer resolved from the global provider.
func (w *Worker) WithTracer(tracer trace.Tracer) *Worker {
	w.tracer = tracer

	return w
}

// Start begins the poll loop. SkipIfStillRunning keeps a slow sweep from
// overlapping the next one in-process; cross-replica overlap is handled by
// the claim discipline.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting delay scheduler", "interval", w.interval.String())

	w.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.interval), func() {
		w.Tick(context.Background())
	})
	if err != nil {
		return fmt.Errorf("add scheduler job: %w", err)
	}

	w.cron.Start()

	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Stopping delay scheduler")

	if w.cron != nil {
		stopCtx := w.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	return nil
}

// Tick runs one sweep: query due tasks, claim each, advance the claimed ones.
// Exported so tests and one-shot tooling can drive the sweep directly.
func (w *Worker) Tick(ctx context.Context) {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "scheduler.tick")
	defer span.End()

	now := w.now().UTC()

	due, err := w.persistence.DelayTasks().Due(ctx, now)
	if err != nil {
		otelhelper.SetError(span, err)
		w.logger.ErrorContext(ctx, "Failed to query due delay tasks", "error", err)

		return
	}

	span.SetAttributes(attribute.Int("trilha.due_tasks", len(due)))

	if len(due) == 0 {
		return
	}

	w.logger.InfoContext(ctx, "Processing due delay tasks", "count", len(due))

	for _, task := range due {
		claimed, err := w.persistence.DelayTasks().Claim(ctx, task.ExecutionID)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to claim delay task",
				"execution_id", task.ExecutionID,
				"error", err,
			)

			continue
		}

		if !claimed {
			// Another run won the race; nothing to do.
			continue
		}

		w.process(ctx, task)
	}
}

// process advances one claimed task. Failures past this point are logged and
// the task stays processed: the execution stalls rather than retry-storming,
// and operators alert on the log.
func (w *Worker) process(ctx context.Context, task *models.DelayTask) {
	logger := w.logger.With("execution_id", task.ExecutionID, "next_node", task.NextNodeID)

	exec, err := w.persistence.Executions().ExecutionByID(ctx, task.ExecutionID)
	if err != nil {
		logger.ErrorContext(ctx, "Claimed delay task has no execution", "error", err)

		return
	}

	if exec.Status == models.ExecutionStatusCancelled {
		logger.InfoContext(ctx, "Skipping delay task for cancelled execution")

		return
	}

	flow, err := w.persistence.Flows().FlowByID(ctx, exec.FlowID)
	if err != nil {
		logger.ErrorContext(ctx, "Claimed delay task has no flow", "flow_id", exec.FlowID, "error", err)

		return
	}

	if _, err := w.engine.AdvanceAfterDelay(ctx, flow, exec, task); err != nil {
		if errors.Is(err, persistence.ErrStaleExecution) {
			logger.WarnContext(ctx, "Execution moved while advancing after delay")

			return
		}

		logger.ErrorContext(ctx, "Failed to advance execution after delay", "error", err)

		return
	}

	logger.InfoContext(ctx, "Advanced execution after delay")
}
