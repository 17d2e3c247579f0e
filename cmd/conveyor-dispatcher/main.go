// Conveyor Dispatcher — выполняет работу из outbox.
//
// Dispatcher:
//   - Захватывает PENDING/RETRY билеты из outbox (lease-based claim)
//   - Маршрутизирует execution.queued в Engine (возобновляемый обход графа)
//   - Доставляет webhook-билеты по HTTP
//   - Ведёт retry с backoff и переводит исчерпанные билеты в DLQ
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
	"github.com/shaiso/Conveyor/internal/lease"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/outbox"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-dispatcher")

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

	leaseDuration := durationEnv("DISPATCHER_LEASE_DURATION", 60*time.Second)

	// Стратегия захвата: skip_locked (default) или optimistic
	var store outbox.Store
	strategy := os.Getenv("OUTBOX_CLAIM_STRATEGY")
	switch strategy {
	case "optimistic":
		store = repo.NewOptimisticOutboxRepo(pool, leaseDuration)
	case "", "skip_locked":
		strategy = "skip_locked"
		store = repo.NewSkipLockedOutboxRepo(pool, leaseDuration)
	default:
		logger.Error("unknown claim strategy", "strategy", strategy)
		os.Exit(1)
	}
	logger.Info("outbox claim strategy selected", "strategy", strategy)

	// Репозитории engine
	execRepo := repo.NewExecutionRepo(pool)
	stepRepo := repo.NewStepRunRepo(pool)
	workflowRepo := repo.NewWorkflowRepo(pool)
	sideEffectRepo := repo.NewSideEffectRepo(pool)
	outboxRepo := repo.NewOutboxRepo(pool)

	eng := engine.New(engine.Config{
		Executions: execRepo,
		Steps:      stepRepo,
		Workflows:  workflowRepo,
		Events:     repo.NewEventRepo(pool),
		Enqueuer:   outboxRepo,
		Ledger:     engine.NewLedger(sideEffectRepo),
		Leases:     lease.NewManager(execRepo, owner, leaseDuration),
		Chaos:      chaosFromEnv(logger),
		Logger:     logger,
	})

	webhook := &engine.HTTPAction{Client: http.DefaultClient}

	disp := outbox.New(outbox.Config{
		Store:                store,
		Process:              routeItem(eng, webhook),
		Owner:                owner,
		MaxInFlightPerTenant: intEnv("DISPATCHER_MAX_IN_FLIGHT_PER_TENANT", 0),
		PollInterval:         durationEnv("DISPATCHER_POLL_INTERVAL", 2*time.Second),
		BatchSize:            intEnv("DISPATCHER_BATCH_SIZE", 50),
		LeaseDuration:        leaseDuration,
		Logger:               logger,
	})

	// RabbitMQ — быстрый путь: consumer на outbox.enqueued будит dispatcher
	// раньше очередного poll-тика. Без MQ работаем в polling-only режиме.
	mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		nudgeConsumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue: string(mq.QueueOutboxEnqueued),
			Handler: func(_ context.Context, _ *mq.Delivery) error {
				disp.Nudge()
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

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", telemetry.Handler())

	port := ":8081"
	if v := os.Getenv("DISPATCHER_PORT"); v != "" {
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

	disp.Stop()
	logger.Info("conveyor-dispatcher stopped")
}

// routeItem маршрутизирует захваченный билет по Kind.
func routeItem(eng *engine.Engine, webhook *engine.HTTPAction) outbox.ProcessFunc {
	return func(ctx context.Context, item *domain.OutboxItem) error {
		switch item.Kind {
		case domain.OutboxKindExecutionQueued:
			executionID, ok := item.ExecutionID()
			if !ok {
				return fmt.Errorf("malformed payload: missing execution_id")
			}
			return eng.RunExecution(ctx, executionID)

		case domain.OutboxKindWebhook:
			// payload: url, method, headers, body — контракт HTTPAction
			_, err := webhook.Execute(ctx, item.Payload, nil)
			return err

		default:
			return fmt.Errorf("no handler for kind %q", item.Kind)
		}
	}
}

// chaosFromEnv включает инъекцию отказов по CHAOS_FAIL_PCT (0–100).
// Только для стендов: роняет шаги с заданной вероятностью.
func chaosFromEnv(logger *slog.Logger) *engine.Chaos {
	chaos := engine.NewChaos()

	pct := intEnv("CHAOS_FAIL_PCT", 0)
	if pct <= 0 {
		return chaos
	}

	point := os.Getenv("CHAOS_POINT")
	if point == "" {
		point = engine.ChaosStepPre
	}

	logger.Warn("chaos injection enabled", "point", point, "fail_pct", pct)
	chaos.Enable(point, engine.ChaosPoint{FailureProbability: float64(pct) / 100})
	return chaos
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
