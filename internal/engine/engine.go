package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/lease"
	"github.com/shaiso/Conveyor/internal/outbox"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// defaultMaxAttempts — бюджет crash-retry попыток execution.
const defaultMaxAttempts = 5

// ExecutionStore — персистентный слой executions. Update обусловлен
// lease_owner = owner; потеря гонки за lease — repo.ErrLeaseLost.
type ExecutionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	Update(ctx context.Context, exec *domain.Execution, owner string) error
}

// StepStore — персистентный слой step runs.
type StepStore interface {
	GetOrCreate(ctx context.Context, executionID uuid.UUID, nodeKey string, input map[string]any) (*domain.StepRun, error)
	Update(ctx context.Context, step *domain.StepRun) error
}

// WorkflowSource отдаёт зафиксированные версии графов workflow.
type WorkflowSource interface {
	GetVersion(ctx context.Context, automationID uuid.UUID, version int) (*domain.WorkflowVersion, error)
}

// EventStore двигает статус исходного события вслед за его execution:
// PROCESSING при старте, DONE/FAILED на терминальном переходе.
type EventStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EventStatus, processedAt *time.Time) error
}

// Enqueuer вставляет outbox-тикеты (для retry-перезапуска execution).
type Enqueuer interface {
	Enqueue(ctx context.Context, item *domain.OutboxItem) error
}

// Engine выполняет executions: возобновляемый обход графа с lease,
// exactly-once side effects и crash-retry через outbox.
//
// Инварианты RunExecution:
//   - повторная доставка завершённого execution — no-op;
//   - занятый чужим живым lease execution — молчаливый no-op;
//   - узлы выполняются в порядке списка, SUCCESS-шаги пропускаются;
//   - внешний вызов каждого шага идёт через реестр side effects:
//     повтор шага получает закэшированный ответ, а не второй вызов;
//   - падение шага инкрементирует attempt и либо пере-ставит execution
//     в очередь через outbox (с backoff), либо, при исчерпании бюджета,
//     фиксирует FAILED с последней ошибкой в context.
type Engine struct {
	executions ExecutionStore
	steps      StepStore
	workflows  WorkflowSource
	events     EventStore
	enqueuer   Enqueuer
	ledger     *Ledger
	registry   *Registry
	leases     *lease.Manager
	backoff    *outbox.Backoff
	chaos      *Chaos

	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// Config — конфигурация Engine.
type Config struct {
	Executions ExecutionStore
	Steps      StepStore
	Workflows  WorkflowSource
	Enqueuer   Enqueuer

	// Events — опциональный стор для продвижения статуса исходного
	// события. Nil — статус события не ведётся.
	Events EventStore
	Ledger     *Ledger
	Leases     *lease.Manager

	// Registry — реестр действий (default: DefaultRegistry()).
	Registry *Registry

	// Backoff для расчёта задержки перезапуска (default: NewBackoff()).
	Backoff *outbox.Backoff

	// Chaos — инъекция отказов (default: выключен).
	Chaos *Chaos

	// MaxAttempts — бюджет crash-retry попыток (default: 5).
	MaxAttempts int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Engine.
func New(cfg Config) *Engine {
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = outbox.NewBackoff()
	}

	chaos := cfg.Chaos
	if chaos == nil {
		chaos = NewChaos()
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		executions:  cfg.Executions,
		steps:       cfg.Steps,
		workflows:   cfg.Workflows,
		events:      cfg.Events,
		enqueuer:    cfg.Enqueuer,
		ledger:      cfg.Ledger,
		registry:    registry,
		leases:      cfg.Leases,
		backoff:     backoff,
		chaos:       chaos,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// RunExecution выполняет execution по ID. Вызывается обработчиком
// outbox-тикетов kind=execution.queued; безопасен при повторной
// доставке и конкурентных вызовах.
func (e *Engine) RunExecution(ctx context.Context, executionID uuid.UUID) error {
	acquired, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return fmt.Errorf("acquire execution lease: %w", err)
	}
	if !acquired {
		e.logger.Debug("execution leased by another worker, skipping",
			"execution_id", executionID)
		return nil
	}
	defer func() {
		if err := e.leases.Release(context.WithoutCancel(ctx), executionID); err != nil {
			e.logger.Warn("failed to release execution lease",
				"execution_id", executionID, "error", err)
		}
	}()

	// Загрузка только после захвата lease: терминальность проверяется
	// по состоянию, которое никто другой уже не меняет, а не по
	// снапшоту времён доставки тикета.
	exec, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	logger := telemetry.WithExecutionID(
		telemetry.WithCorrelationID(
			telemetry.WithTenant(e.logger, exec.TenantID),
			exec.CorrelationID.String(),
		),
		exec.ID.String(),
	)

	if exec.IsFinished() {
		logger.Debug("execution already finished, skipping", "status", exec.Status)
		return nil
	}

	if err := e.chaos.Inject(ChaosExecutionStart); err != nil {
		return e.handleFailure(ctx, logger, exec, err, "")
	}

	wv, err := e.workflows.GetVersion(ctx, exec.AutomationID, exec.WorkflowVersion)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Невосстановимо: граф этой версии исчез, retry не поможет.
			return e.failPermanently(ctx, logger, exec, ErrWorkflowVersionMissing.Error(), "")
		}
		return fmt.Errorf("load workflow version: %w", err)
	}

	exec.MarkRunning()
	if err := e.executions.Update(ctx, exec, e.leases.Owner()); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	e.markEventStatus(ctx, logger, exec.EventID, domain.EventStatusProcessing, false)

	logger.Info("execution started",
		"attempt", exec.Attempt,
		"workflow_version", exec.WorkflowVersion,
		"nodes", len(wv.Nodes),
	)

	outputs := make(map[string]any)
	for i := range wv.Nodes {
		node := &wv.Nodes[i]
		done, stepOutput, err := e.runNode(ctx, logger, exec, node, outputs)
		if err != nil {
			return err
		}
		if !done {
			// Падение шага уже обработано (retry или FAILED).
			return nil
		}
		outputs[node.Key] = stepOutput
	}

	exec.MarkSuccess()
	if err := e.executions.Update(ctx, exec, e.leases.Owner()); err != nil {
		return fmt.Errorf("mark execution success: %w", err)
	}
	e.markEventStatus(ctx, logger, exec.EventID, domain.EventStatusDone, true)
	telemetry.ExecutionsFinished.WithLabelValues(string(domain.ExecutionStatusSuccess)).Inc()
	logger.Info("execution succeeded", "attempt", exec.Attempt)
	return nil
}

// markEventStatus двигает статус исходного события. Best-effort:
// статус события — наблюдаемость, ошибка записи не валит execution.
func (e *Engine) markEventStatus(ctx context.Context, logger *slog.Logger, eventID uuid.UUID, status domain.EventStatus, final bool) {
	if e.events == nil || eventID == uuid.Nil {
		return
	}
	var processedAt *time.Time
	if final {
		now := e.now()
		processedAt = &now
	}
	if err := e.events.UpdateStatus(ctx, eventID, status, processedAt); err != nil {
		logger.Warn("failed to update event status",
			"event_id", eventID, "status", status, "error", err)
	}
}

// runNode выполняет один узел графа. Возвращает done=false, если шаг
// упал и execution уже переведён на retry/FAILED.
func (e *Engine) runNode(ctx context.Context, logger *slog.Logger, exec *domain.Execution, node *domain.NodeDef, outputs map[string]any) (bool, map[string]any, error) {
	input := map[string]any{
		"context": exec.Context,
		"steps":   outputs,
	}

	step, err := e.steps.GetOrCreate(ctx, exec.ID, node.Key, input)
	if err != nil {
		return false, nil, fmt.Errorf("get or create step %s: %w", node.Key, err)
	}

	// Resume: завершённый шаг не выполняется повторно.
	if step.Status == domain.StepRunStatusSuccess {
		logger.Debug("step already succeeded, skipping", "node_key", node.Key)
		return true, step.OutputData, nil
	}

	if err := e.chaos.Inject(ChaosStepPre); err != nil {
		return false, nil, e.failStep(ctx, logger, exec, step, err)
	}

	output, err := e.executeNode(ctx, logger, exec, node, input)
	if err != nil {
		return false, nil, e.failStep(ctx, logger, exec, step, err)
	}

	if err := e.chaos.Inject(ChaosStepPost); err != nil {
		// Краш между внешним вызовом и фиксацией шага: при retry
		// результат вернётся из реестра side effects без второго вызова.
		return false, nil, e.failStep(ctx, logger, exec, step, err)
	}

	step.MarkSuccess(output)
	if err := e.steps.Update(ctx, step); err != nil {
		return false, nil, fmt.Errorf("persist step %s: %w", node.Key, err)
	}
	logger.Debug("step succeeded", "node_key", node.Key, "action", node.Action)
	return true, output, nil
}

// executeNode выполняет действие узла через реестр side effects.
func (e *Engine) executeNode(ctx context.Context, logger *slog.Logger, exec *domain.Execution, node *domain.NodeDef, input map[string]any) (output map[string]any, err error) {
	action, err := e.registry.Get(node.Action)
	if err != nil {
		return nil, err
	}

	key, err := ComputeKey(exec.ID, node.Key, node.Action, node.Config)
	if err != nil {
		return nil, err
	}

	if entry, checkErr := e.ledger.Check(ctx, exec.TenantID, key); checkErr == nil {
		telemetry.SideEffectsReplayed.Inc()
		logger.Debug("side effect replayed from ledger",
			"node_key", node.Key,
			"external_id", entry.ExternalID,
		)
		return entry.ResponsePayload, nil
	} else if !errors.Is(checkErr, repo.ErrNotFound) {
		return nil, fmt.Errorf("check side effect ledger: %w", checkErr)
	}

	if err := e.chaos.Inject(ChaosProviderCall); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in action %s: %v\n%s", node.Action, r, debug.Stack())
		}
	}()
	output, err = action.Execute(ctx, node.Config, input)
	if err != nil {
		return nil, err
	}

	externalID, _ := output["external_id"].(string)
	winner, err := e.ledger.Record(ctx, exec.TenantID, key, externalID, output)
	if err != nil {
		return nil, fmt.Errorf("record side effect: %w", err)
	}
	// При гонке выход шага — ответ победителя, наш вызов отбрасывается.
	return winner.ResponsePayload, nil
}

// failStep фиксирует ошибку шага и переводит execution на retry/FAILED.
func (e *Engine) failStep(ctx context.Context, logger *slog.Logger, exec *domain.Execution, step *domain.StepRun, cause error) error {
	step.MarkFailed(cause.Error())
	if err := e.steps.Update(ctx, step); err != nil {
		return fmt.Errorf("persist failed step %s: %w", step.NodeKey, err)
	}
	logger.Warn("step failed", "node_key", step.NodeKey, "error", cause)
	return e.handleFailure(ctx, logger, exec, cause, "")
}

// handleFailure решает судьбу упавшего execution: retry через outbox
// или терминальный FAILED при исчерпании бюджета попыток.
func (e *Engine) handleFailure(ctx context.Context, logger *slog.Logger, exec *domain.Execution, cause error, stack string) error {
	exec.Attempt++
	if exec.Attempt > e.maxAttempts {
		return e.failPermanently(ctx, logger, exec, cause.Error(), stack)
	}

	exec.MarkQueuedForRetry(cause.Error())
	if err := e.executions.Update(ctx, exec, e.leases.Owner()); err != nil {
		return fmt.Errorf("mark execution queued for retry: %w", err)
	}

	item := domain.NewOutboxItem(exec.TenantID, domain.OutboxKindExecutionQueued, map[string]any{
		"execution_id": exec.ID.String(),
	})
	item.NextAttemptAt = e.now().Add(e.backoff.Delay(exec.Attempt))
	if err := e.enqueuer.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue execution retry: %w", err)
	}

	logger.Warn("execution scheduled for retry",
		"attempt", exec.Attempt,
		"next_attempt_at", item.NextAttemptAt,
		"error", cause,
	)
	return nil
}

// failPermanently фиксирует терминальный FAILED.
func (e *Engine) failPermanently(ctx context.Context, logger *slog.Logger, exec *domain.Execution, lastError, stack string) error {
	exec.MarkFailed(lastError, stack)
	if err := e.executions.Update(ctx, exec, e.leases.Owner()); err != nil {
		return fmt.Errorf("mark execution failed: %w", err)
	}
	e.markEventStatus(ctx, logger, exec.EventID, domain.EventStatusFailed, true)
	telemetry.ExecutionsFinished.WithLabelValues(string(domain.ExecutionStatusFailed)).Inc()
	logger.Error("execution failed permanently",
		"attempt", exec.Attempt,
		"error", lastError,
	)
	return nil
}
