// Conveyor Reaper — возвращает зависшую работу в оборот.
//
// Reaper:
//   - Находит RUNNING outbox-билеты с истёкшим lease и возвращает их в RETRY
//   - Возвращает RUNNING jobs с истёкшим lease обратно в QUEUED
//   - Публикует gauge зависших билетов для алёртинга
//
// Каденция: тикер по REAPER_INTERVAL или cron-выражение REAPER_CRON.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shaiso/Conveyor/internal/outbox"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-reaper")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	interval := durationEnv("REAPER_INTERVAL", 30*time.Second)
	batchSize := intEnv("REAPER_BATCH_SIZE", 200)
	staleThreshold := durationEnv("REAPER_STALE_THRESHOLD", 5*time.Minute)
	retryDelay := durationEnv("REAPER_RETRY_DELAY", time.Minute)

	reaper, err := outbox.NewReaper(outbox.ReaperConfig{
		Store:          repo.NewSkipLockedOutboxRepo(pool, time.Minute),
		Interval:       interval,
		CronExpr:       os.Getenv("REAPER_CRON"),
		BatchSize:      batchSize,
		StaleThreshold: staleThreshold,
		RetryDelay:     retryDelay,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create reaper", "error", err)
		os.Exit(1)
	}

	if err := reaper.Start(ctx); err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}

	// Jobs с истёкшим lease возвращаем в QUEUED тем же темпом.
	jobRepo := repo.NewJobRepo(pool)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Тот же запас сверх истечения lease, что и у outbox-билетов.
				reaped, err := jobRepo.ReapStale(ctx, time.Now().Add(-staleThreshold), batchSize)
				if err != nil {
					logger.Error("failed to reap stale jobs", "error", err)
					continue
				}
				if reaped > 0 {
					logger.Warn("requeued stale jobs", "count", reaped)
				}
			}
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", telemetry.Handler())

	port := ":8082"
	if v := os.Getenv("REAPER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	reaper.Stop()
	logger.Info("conveyor-reaper stopped")
}

func intEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func durationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
