package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default параметры reaper'а.
const (
	defaultReapInterval   = 30 * time.Second
	defaultReapBatchSize  = 200
	defaultStaleThreshold = 5 * time.Minute
	defaultRetryDelay     = 60 * time.Second
)

// cronParser — парсер cron-выражений каденции reaper'а.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Reaper возвращает в оборот записи, брошенные упавшими воркерами:
// RUNNING с истёкшим lease переводятся в RETRY с немедленным
// next_attempt_at. Код ошибки сохраняет прежнего владельца.
//
// Reaper конкурентно-безопасен: несколько экземпляров делят работу
// через skip-locked внутри ReapStale.
type Reaper struct {
	store Store

	interval       time.Duration
	cronSched      cron.Schedule
	batchSize      int
	staleThreshold time.Duration
	retryDelay     time.Duration
	now            func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ReaperConfig — конфигурация Reaper.
type ReaperConfig struct {
	Store Store

	// Interval — период запуска (default: 30s). Игнорируется при CronExpr.
	Interval time.Duration

	// CronExpr — каденция в формате cron (минутное разрешение).
	// Пустая строка — тикер по Interval.
	CronExpr string

	// BatchSize — записей за один проход (default: 200).
	BatchSize int

	// StaleThreshold — запас сверх истечения lease, после которого
	// запись считается брошенной (default: 5m). Даёт живому, но
	// медленному воркеру время доехать до терминального перехода.
	StaleThreshold time.Duration

	// RetryDelay — отступ next_attempt_at возвращённой записи
	// (default: 60s), чтобы reaped-записи не штурмовали очередь разом.
	RetryDelay time.Duration

	// Logger
	Logger *slog.Logger
}

// NewReaper создаёт новый Reaper. Невалидный CronExpr — ошибка.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReapInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReapBatchSize
	}

	staleThreshold := cfg.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = defaultStaleThreshold
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cronSched cron.Schedule
	if cfg.CronExpr != "" {
		sched, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse reaper cron expression %q: %w", cfg.CronExpr, err)
		}
		cronSched = sched
	}

	return &Reaper{
		store:          cfg.Store,
		interval:       interval,
		cronSched:      cronSched,
		batchSize:      batchSize,
		staleThreshold: staleThreshold,
		retryDelay:     retryDelay,
		now:            time.Now,
		logger:         logger,
	}, nil
}

// Start запускает цикл reaper'а.
func (r *Reaper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	r.logger.Info("starting reaper",
		"interval", r.interval,
		"batch_size", r.batchSize,
		"stale_threshold", r.staleThreshold,
		"retry_delay", r.retryDelay,
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.cronSched != nil {
			r.cronLoop(ctx)
		} else {
			r.tickerLoop(ctx)
		}
	}()

	return nil
}

// Stop останавливает Reaper.
func (r *Reaper) Stop() {
	r.logger.Info("stopping reaper...")

	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.wg.Wait()

	r.logger.Info("reaper stopped")
}

func (r *Reaper) tickerLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reap(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

func (r *Reaper) cronLoop(ctx context.Context) {
	for {
		next := r.cronSched.Next(r.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Reap(ctx)
		}
	}
}

// Reap выполняет один проход: возвращает протухшие записи в RETRY,
// пока batch'и не опустеют, и обновляет stale-метрику. Протухшей
// считается запись, чей lease истёк раньше now - staleThreshold;
// next_attempt_at отодвигается на retryDelay вперёд.
func (r *Reaper) Reap(ctx context.Context) {
	now := r.now()
	cutoff := now.Add(-r.staleThreshold)
	nextAttemptAt := now.Add(r.retryDelay)

	for {
		items, err := r.store.ReapStale(ctx, cutoff, r.batchSize, nextAttemptAt)
		if err != nil {
			r.logger.Error("failed to reap stale items", "error", err)
			return
		}
		if len(items) == 0 {
			break
		}

		telemetry.OutboxReaped.Add(float64(len(items)))
		for i := range items {
			r.logger.Warn("reaped stale outbox item",
				"item_id", items[i].ID,
				"kind", items[i].Kind,
				"last_error_code", items[i].LastErrorCode,
			)
		}
		if len(items) < r.batchSize {
			break
		}
	}

	stale, err := r.store.StaleCount(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		r.logger.Error("failed to count stale items", "error", err)
		return
	}
	telemetry.OutboxStaleGauge.Set(float64(stale))
}
