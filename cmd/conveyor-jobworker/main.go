// Conveyor Job Worker — выполняет ad-hoc jobs.
//
// Worker:
//   - Захватывает QUEUED jobs батчами (lease-based claim)
//   - Маршрутизирует job по topic в зарегистрированный handler
//   - Классифицирует ошибки (transient/permanent), ведёт retry и DLQ
//   - Пишет append-only поток событий прогресса и публикует его в MQ
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/lease"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-jobworker")

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

	// Owner для lease: hostname + pid
	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	jobRepo := repo.NewJobRepo(pool)
	leaseDuration := durationEnv("JOBWORKER_LEASE_DURATION", 60*time.Second)

	// RabbitMQ — быстрый путь и публикация событий прогресса.
	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	var onEvent func(*domain.JobEvent)
	if publisher != nil {
		onEvent = func(ev *domain.JobEvent) {
			err := publisher.PublishJobEvent(context.WithoutCancel(ctx), mq.JobEventPayload{
				JobID:     ev.JobID,
				Seq:       ev.Seq,
				EventType: string(ev.Type),
				Data:      ev.Data,
			})
			if err != nil {
				logger.Warn("failed to publish job event", "job_id", ev.JobID, "error", err)
			}
		}
	}

	worker := jobs.NewWorker(jobs.WorkerConfig{
		Store:         jobRepo,
		Owner:         owner,
		Leases:        lease.NewManager(jobRepo, owner, leaseDuration),
		OnEvent:       onEvent,
		PollInterval:  durationEnv("JOBWORKER_POLL_INTERVAL", 2*time.Second),
		BatchSize:     intEnv("JOBWORKER_BATCH_SIZE", 20),
		LeaseDuration: leaseDuration,
		Logger:        logger,
	})

	registerHandlers(worker, logger)

	if mqConn != nil {
		nudgeConsumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue: string(mq.QueueJobsQueued),
			Handler: func(_ context.Context, _ *mq.Delivery) error {
				worker.Nudge()
				return nil
			},
		})
		go func() {
			if err := nudgeConsumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("nudge consumer stopped", "error", err)
			}
		}()
		defer nudgeConsumer.Stop()
	}

	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", telemetry.Handler())

	port := ":8083"
	if v := os.Getenv("JOBWORKER_PORT"); v != "" {
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

	worker.Stop()
	logger.Info("conveyor-jobworker stopped")
}

// registerHandlers регистрирует встроенные topic'и.
func registerHandlers(worker *jobs.Worker, logger *slog.Logger) {
	httpAction := &engine.HTTPAction{Client: http.DefaultClient}

	// http.request — исходящий HTTP вызов.
	// payload: url, method, headers, body, timeout_sec.
	worker.Register("http.request", func(ctx context.Context, job *domain.Job, emit jobs.EmitFunc) (map[string]any, error) {
		emit(domain.JobEventTypeLog, map[string]any{"message": "issuing http request"})
		out, err := httpAction.Execute(ctx, job.Payload, nil)
		if err != nil {
			if code, ok := out["status_code"].(int); ok && code >= 400 && code < 500 {
				return nil, jobs.NewPermanent(err)
			}
			return nil, jobs.NewTransient(err)
		}
		return out, nil
	})

	// echo — отдаёт payload обратно; полезен для smoke-тестов пайплайна.
	worker.Register("echo", func(_ context.Context, job *domain.Job, emit jobs.EmitFunc) (map[string]any, error) {
		emit(domain.JobEventTypeLog, map[string]any{"message": "echoing payload"})
		return job.Payload, nil
	})

	logger.Info("registered job handlers", "topics", []string{"http.request", "echo"})
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
