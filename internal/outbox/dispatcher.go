package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval  = 2 * time.Second
	defaultBatchSize     = 50
	defaultLeaseDuration = 60 * time.Second
)

// ProcessFunc обрабатывает одну захваченную запись. Ошибка или panic
// приводят к retry (или DLQ при исчерпании бюджета попыток).
type ProcessFunc func(ctx context.Context, item *domain.OutboxItem) error

// Dispatcher вытягивает готовые outbox-записи и доставляет их обработчику.
//
// Dispatcher — ядро надёжной доставки:
//   - Периодически захватывает batch готовых записей (polling)
//   - Просыпается немедленно по nudge от MQ (event-driven fast path)
//   - Пропускает записи через per-tenant admission control
//   - Гарантирует ровно один терминальный переход на захват:
//     DONE, RETRY, DLQ или Release
//
// Корректность не зависит от MQ: polling подберёт всё и без nudge'ей.
type Dispatcher struct {
	store      Store
	backoff    *Backoff
	throughput *Throughput
	process    ProcessFunc

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

// Config — конфигурация Dispatcher.
type Config struct {
	Store   Store
	Process ProcessFunc

	// Owner — идентификатор воркера для lease (обычно hostname+pid).
	Owner string

	// Backoff для расчёта next_attempt_at (default: NewBackoff()).
	Backoff *Backoff

	// MaxInFlightPerTenant — лимит одновременной обработки на tenant
	// (default: 0, без лимита).
	MaxInFlightPerTenant int

	// Polling configuration
	PollInterval  time.Duration // интервал polling (default: 2s)
	BatchSize     int           // записей за один claim (default: 50)
	LeaseDuration time.Duration // TTL lease записи (default: 60s)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:         cfg.Store,
		backoff:       backoff,
		throughput:    NewThroughput(cfg.MaxInFlightPerTenant),
		process:       cfg.Process,
		owner:         cfg.Owner,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		leaseDuration: leaseDuration,
		nudge:         make(chan struct{}, 1),
		now:           time.Now,
		logger:        logger,
	}
}

// Start запускает цикл диспетчеризации.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	d.logger.Info("starting dispatcher",
		"owner", d.owner,
		"poll_interval", d.pollInterval,
		"batch_size", d.batchSize,
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pollLoop(ctx)
	}()

	return nil
}

// Stop останавливает Dispatcher и ждёт завершения текущего batch'а.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")

	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	d.wg.Wait()

	d.logger.Info("dispatcher stopped")
}

// Nudge будит цикл диспетчеризации немедленно (fast path от MQ).
// Неблокирующий: уже ожидающий nudge покрывает и этот.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// pollLoop — основной цикл: тикер + nudge.
func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Первый проход сразу при старте (подхватываем накопившееся пока были выключены)
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.nudge:
			d.Tick(ctx)
		}
	}
}

// Tick выполняет один проход: claim batch и обработка каждой записи.
func (d *Dispatcher) Tick(ctx context.Context) {
	items, err := d.store.ClaimBatch(ctx, d.owner, d.batchSize, d.now())
	if err != nil {
		d.logger.Error("failed to claim outbox batch", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	d.logger.Debug("claimed outbox batch", "count", len(items))

	for i := range items {
		item := &items[i]

		if ctx.Err() != nil {
			// Shutdown посреди batch'а: возвращаем незатронутые записи.
			if err := d.store.Release(context.WithoutCancel(ctx), item.ID, d.owner); err != nil {
				d.logger.Warn("failed to release item on shutdown", "item_id", item.ID, "error", err)
			}
			continue
		}

		if !d.throughput.Admit(item.TenantID) {
			telemetry.OutboxThrottled.Inc()
			if err := d.store.Release(ctx, item.ID, d.owner); err != nil {
				d.logger.Warn("failed to release throttled item", "item_id", item.ID, "error", err)
			}
			continue
		}

		d.processOne(ctx, item)
		d.throughput.Done(item.TenantID)
	}
}

// processOne обрабатывает одну запись и выполняет ровно один
// терминальный переход.
func (d *Dispatcher) processOne(ctx context.Context, item *domain.OutboxItem) {
	logger := d.logger.With(
		"item_id", item.ID,
		"kind", item.Kind,
		"tenant_id", item.TenantID,
		"attempt", item.AttemptCount,
	)

	err := d.safeProcess(ctx, item)
	if err == nil {
		if markErr := d.store.MarkDone(ctx, item.ID, d.owner); markErr != nil {
			logger.Warn("failed to mark item done", "error", markErr)
			return
		}
		telemetry.OutboxDispatched.Inc()
		logger.Debug("outbox item done")
		return
	}

	errCode, errMsg := "PROCESS_ERROR", err.Error()

	// Бюджет сверяется с количеством уже выполненных попыток: запись
	// с max_attempts=N получает N retry и уходит в DLQ на попытке N+1.
	if item.AttemptsExhausted() {
		if markErr := d.store.MarkDLQ(ctx, item.ID, d.owner, errCode, errMsg); markErr != nil {
			logger.Warn("failed to mark item dlq", "error", markErr)
			return
		}
		telemetry.OutboxDeadLetter.Inc()
		logger.Error("outbox item moved to DLQ", "error", err)
		return
	}

	nextAttemptAt := d.now().Add(d.backoff.Delay(item.AttemptCount + 1))
	if markErr := d.store.MarkRetry(ctx, item.ID, d.owner, nextAttemptAt, errCode, errMsg); markErr != nil {
		logger.Warn("failed to mark item retry", "error", markErr)
		return
	}
	telemetry.OutboxRetried.Inc()
	logger.Warn("outbox item scheduled for retry",
		"next_attempt_at", nextAttemptAt,
		"error", err,
	)
}

// safeProcess вызывает ProcessFunc с перехватом panic: паника
// обработчика — ошибка записи, а не падение всего dispatcher'а.
func (d *Dispatcher) safeProcess(ctx context.Context, item *domain.OutboxItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return d.process(ctx, item)
}
