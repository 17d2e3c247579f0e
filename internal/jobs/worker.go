package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/lease"
	"github.com/shaiso/Conveyor/internal/outbox"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultJobPollInterval  = 2 * time.Second
	defaultJobBatchSize     = 20
	defaultJobLeaseDuration = 60 * time.Second
)

// Store — персистентный слой jobs.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	// Update обусловлен lease_owner = owner; потеря гонки за lease —
	// repo.ErrLeaseLost, исход попытки отбрасывается.
	Update(ctx context.Context, job *domain.Job, owner string) error
	ClaimBatch(ctx context.Context, owner string, limit int, leaseDuration time.Duration, now time.Time) ([]domain.Job, error)
	RequeueDue(ctx context.Context, now time.Time) (int, error)
	AppendEvent(ctx context.Context, jobID uuid.UUID, eventType domain.JobEventType, data map[string]any) (*domain.JobEvent, error)
	ListEventsSince(ctx context.Context, jobID uuid.UUID, afterSeq int) ([]domain.JobEvent, error)
}

// EmitFunc пишет событие прогресса в поток job'а. Ошибки записи прогресса
// не валят попытку.
type EmitFunc func(eventType domain.JobEventType, data map[string]any)

// Handler выполняет job одного topic'а. Возвращённая map попадает
// в result_summary. Ошибка классифицируется через NewPermanent /
// NewTransient; без маркера — transient.
type Handler func(ctx context.Context, job *domain.Job, emit EmitFunc) (map[string]any, error)

// Worker выполняет jobs: захватывает QUEUED батчами, ведёт жизненный
// цикл попытки и пишет append-only поток событий прогресса.
//
// Ровно один терминальный исход на попытку:
// SUCCEEDED, FAILED (permanent), RETRY_SCHEDULED или DLQ.
type Worker struct {
	store    Store
	backoff  *outbox.Backoff
	leases   *lease.Manager
	handlers map[string]Handler
	onEvent  func(*domain.JobEvent)

	owner         string
	pollInterval  time.Duration
	batchSize     int
	leaseDuration time.Duration

	nudge chan struct{}
	now   func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// WorkerConfig — конфигурация Worker.
type WorkerConfig struct {
	Store Store

	// Owner — идентификатор воркера для lease.
	Owner string

	// Leases — менеджер lease jobs (для heartbeat долгих handler'ов).
	Leases *lease.Manager

	// Backoff для RETRY_SCHEDULED (default: NewBackoff()).
	Backoff *outbox.Backoff

	// OnEvent вызывается после записи каждого события прогресса
	// (например, для публикации в MQ). Может быть nil.
	OnEvent func(*domain.JobEvent)

	// Polling configuration
	PollInterval  time.Duration // интервал polling (default: 2s)
	BatchSize     int           // jobs за один claim (default: 20)
	LeaseDuration time.Duration // TTL lease job'а (default: 60s)

	// Logger
	Logger *slog.Logger
}

// NewWorker создаёт новый Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultJobPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultJobBatchSize
	}

	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = defaultJobLeaseDuration
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = outbox.NewBackoff()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		store:         cfg.Store,
		backoff:       backoff,
		leases:        cfg.Leases,
		handlers:      make(map[string]Handler),
		onEvent:       cfg.OnEvent,
		owner:         cfg.Owner,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		leaseDuration: leaseDuration,
		nudge:         make(chan struct{}, 1),
		now:           time.Now,
		logger:        logger,
	}
}

// Register регистрирует handler для topic'а.
func (w *Worker) Register(topic string, handler Handler) {
	w.handlers[topic] = handler
}

// Submit создаёт job и сразу ставит его в очередь.
func (w *Worker) Submit(ctx context.Context, tenantID, topic string, payload map[string]any) (*domain.Job, error) {
	job := domain.NewJob(tenantID, topic, payload)
	job.MarkQueued()
	if err := w.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	w.Nudge()
	return job, nil
}

// EventsSince возвращает события job'а после курсора afterSeq.
func (w *Worker) EventsSince(ctx context.Context, jobID uuid.UUID, afterSeq int) ([]domain.JobEvent, error) {
	return w.store.ListEventsSince(ctx, jobID, afterSeq)
}

// Start запускает цикл воркера.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting job worker",
		"owner", w.owner,
		"poll_interval", w.pollInterval,
		"topics", len(w.handlers),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	return nil
}

// Stop останавливает Worker и ждёт завершения текущего batch'а.
func (w *Worker) Stop() {
	w.logger.Info("stopping job worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()

	w.logger.Info("job worker stopped")
}

// Nudge будит цикл воркера немедленно.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		case <-w.nudge:
			w.Tick(ctx)
		}
	}
}

// Tick выполняет один проход: возвращает дозревшие retry в очередь
// и обрабатывает захваченный batch.
func (w *Worker) Tick(ctx context.Context) {
	requeued, err := w.store.RequeueDue(ctx, w.now())
	if err != nil {
		w.logger.Error("failed to requeue due jobs", "error", err)
	} else if requeued > 0 {
		w.logger.Debug("requeued due jobs", "count", requeued)
	}

	jobs, err := w.store.ClaimBatch(ctx, w.owner, w.batchSize, w.leaseDuration, w.now())
	if err != nil {
		w.logger.Error("failed to claim jobs", "error", err)
		return
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		w.ExecuteJob(ctx, &jobs[i])
	}
}

// ExecuteJob выполняет одну попытку job'а. Job должен быть захвачен
// вызывающим (RUNNING, lease наш); чужие и завершённые jobs — no-op.
func (w *Worker) ExecuteJob(ctx context.Context, job *domain.Job) {
	logger := telemetry.WithJobID(
		telemetry.WithCorrelationID(
			telemetry.WithTenant(w.logger, job.TenantID),
			job.CorrelationID.String(),
		),
		job.ID.String(),
	)

	if job.IsFinished() {
		logger.Debug("job already finished, skipping", "status", job.Status)
		return
	}
	if job.LeaseOwner != w.owner {
		logger.Debug("job leased by another worker, skipping", "lease_owner", job.LeaseOwner)
		return
	}

	emit := func(eventType domain.JobEventType, data map[string]any) {
		ev, err := w.store.AppendEvent(ctx, job.ID, eventType, data)
		if err != nil {
			logger.Warn("failed to append job event", "event_type", eventType, "error", err)
			return
		}
		if w.onEvent != nil {
			w.onEvent(ev)
		}
	}

	job.Attempts++
	emit(domain.JobEventTypeProgress, map[string]any{
		"message": "attempt started",
		"attempt": job.Attempts,
	})

	result, err := w.runHandler(ctx, job, emit)
	if err == nil {
		job.MarkSucceeded(result)
		if updErr := w.store.Update(ctx, job, w.owner); updErr != nil {
			if errors.Is(updErr, repo.ErrLeaseLost) {
				logger.Warn("job lease lost during attempt, success discarded")
			} else {
				logger.Error("failed to persist job success", "error", updErr)
			}
			return
		}
		emit(domain.JobEventTypeFinal, map[string]any{"status": string(domain.JobStatusSucceeded)})
		telemetry.JobAttempts.WithLabelValues("succeeded").Inc()
		logger.Info("job succeeded", "topic", job.Topic, "attempt", job.Attempts)
		return
	}

	errData := map[string]any{
		"message": err.Error(),
		"attempt": job.Attempts,
	}
	emit(domain.JobEventTypeError, errData)

	switch {
	case IsPermanent(err):
		job.MarkFailed(errData)
		telemetry.JobAttempts.WithLabelValues("failed").Inc()
		logger.Error("job failed permanently", "topic", job.Topic, "error", err)
	case job.AttemptsExhausted():
		job.MarkDLQ(errData)
		telemetry.JobAttempts.WithLabelValues("dlq").Inc()
		logger.Error("job moved to DLQ", "topic", job.Topic, "attempts", job.Attempts, "error", err)
	default:
		nextAttemptAt := w.now().Add(w.backoff.Delay(job.Attempts))
		job.MarkRetryScheduled(nextAttemptAt, errData)
		telemetry.JobAttempts.WithLabelValues("retried").Inc()
		logger.Warn("job scheduled for retry",
			"topic", job.Topic,
			"attempt", job.Attempts,
			"next_attempt_at", nextAttemptAt,
			"error", err,
		)
	}

	if updErr := w.store.Update(ctx, job, w.owner); updErr != nil {
		if errors.Is(updErr, repo.ErrLeaseLost) {
			logger.Warn("job lease lost during attempt, outcome discarded")
		} else {
			logger.Error("failed to persist job outcome", "error", updErr)
		}
		return
	}
	if job.Status.IsTerminal() {
		emit(domain.JobEventTypeFinal, map[string]any{"status": string(job.Status)})
	}
}

// runHandler вызывает handler с перехватом panic.
func (w *Worker) runHandler(ctx context.Context, job *domain.Job, emit EmitFunc) (result map[string]any, err error) {
	handler, ok := w.handlers[job.Topic]
	if !ok {
		return nil, NewPermanentf("%w: %s", ErrUnknownTopic, job.Topic)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job, emit)
}

// Heartbeat продлевает lease job'а из долгого handler'а.
// false — lease потерян, handler должен прерваться.
func (w *Worker) Heartbeat(ctx context.Context, jobID uuid.UUID) (bool, error) {
	if w.leases == nil {
		return true, nil
	}
	return w.leases.Heartbeat(ctx, jobID)
}
