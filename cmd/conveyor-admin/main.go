// Conveyor Admin — инструмент командной строки для эксплуатации
// пайплайна: миграции, триаж outbox/DLQ, управление jobs и ручной
// ingest событий.
//
// Использование:
//
//	conveyor-admin <command> <subcommand> [flags]
//
// Команды:
//
//	migrate   Применение схемы БД
//	event     Ручной ingest событий
//	outbox    Триаж outbox и DLQ
//	job       Управление jobs
//
// Подключение к БД задаётся через DB_URL, как и у остальных бинарей.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/ingest"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "conveyor-admin",
		Short:         "Conveyor Admin — pipeline operations tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newMigrateCmd(),
		newEventCmd(),
		newOutboxCmd(),
		newJobCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withPool открывает pool, выполняет fn и закрывает pool.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, pool)
}

// printJSON печатает значение как отформатированный JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := repo.Migrate(ctx, pool); err != nil {
					return err
				}
				fmt.Println("schema applied")
				return nil
			})
		},
	}
}

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Manage events",
	}

	var tenant, eventType, source, key, payloadJSON string

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an event (creates executions and outbox tickets atomically)",
		RunE: func(_ *cobra.Command, _ []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				logger := telemetry.SetupLogger()

				// MQ fast path опционален: без брокера dispatcher
				// подберёт билеты на очередном poll-тике.
				var notifier ingest.Notifier
				if mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger); err == nil {
					defer mqConn.Close()
					notifier = mq.NewPublisher(mqConn, logger)
				}

				ing := ingest.New(ingest.Config{
					Store:    repo.NewEventRepo(pool),
					Triggers: repo.NewWorkflowRepo(pool),
					Notifier: notifier,
					Logger:   logger,
				})

				ev, created, err := ing.Ingest(ctx, ingest.Request{
					TenantID:       tenant,
					EventType:      eventType,
					Source:         source,
					Payload:        payload,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}

				fmt.Printf("event %s (created=%v)\n", ev.ID, created)
				return nil
			})
		},
	}
	ingestCmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	ingestCmd.Flags().StringVar(&eventType, "type", "", "event type (required)")
	ingestCmd.Flags().StringVar(&source, "source", "cli", "event source")
	ingestCmd.Flags().StringVar(&key, "key", "", "idempotency key")
	ingestCmd.Flags().StringVar(&payloadJSON, "payload", "", "payload as JSON")
	ingestCmd.MarkFlagRequired("tenant")
	ingestCmd.MarkFlagRequired("type")

	cmd.AddCommand(ingestCmd)
	return cmd
}

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox and DLQ triage",
	}

	staleCountCmd := &cobra.Command{
		Use:   "stale-count",
		Short: "Count RUNNING items with expired leases",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := repo.NewOutboxRepo(pool).StaleCount(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(count)
				return nil
			})
		},
	}

	var reapBatch int
	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Return items with expired leases to RETRY",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				now := time.Now()
				items, err := repo.NewOutboxRepo(pool).ReapStale(ctx, now, reapBatch, now)
				if err != nil {
					return err
				}
				for _, item := range items {
					fmt.Printf("reaped %s (kind=%s tenant=%s attempts=%d)\n",
						item.ID, item.Kind, item.TenantID, item.AttemptCount)
				}
				fmt.Printf("total: %d\n", len(items))
				return nil
			})
		},
	}
	reapCmd.Flags().IntVar(&reapBatch, "batch", 200, "max items per pass")

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a PENDING or RETRY item",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse id: %w", err)
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := repo.NewOutboxRepo(pool).Cancel(ctx, id); err != nil {
					return err
				}
				fmt.Println("cancelled", id)
				return nil
			})
		},
	}

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead letter queue operations",
	}

	var dlqTenant string
	var dlqLimit int
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List DLQ items",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				items, err := repo.NewOutboxRepo(pool).ListDLQ(ctx, dlqTenant, dlqLimit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	dlqListCmd.Flags().StringVar(&dlqTenant, "tenant", "", "filter by tenant")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "max items")

	dlqRequeueCmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a DLQ item to PENDING with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse id: %w", err)
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := repo.NewOutboxRepo(pool).RequeueDLQ(ctx, id); err != nil {
					return err
				}
				fmt.Println("requeued", id)
				return nil
			})
		},
	}

	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)
	cmd.AddCommand(staleCountCmd, reapCmd, cancelCmd, dlqCmd)
	return cmd
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse id: %w", err)
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				job, err := repo.NewJobRepo(pool).Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}

	var afterSeq int
	eventsCmd := &cobra.Command{
		Use:   "events <id>",
		Short: "List job progress events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse id: %w", err)
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				events, err := repo.NewJobRepo(pool).ListEventsSince(ctx, id, afterSeq)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	eventsCmd.Flags().IntVar(&afterSeq, "after", 0, "cursor: only events with seq > after")

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an unfinished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse id: %w", err)
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				jobRepo := repo.NewJobRepo(pool)
				job, err := jobRepo.Get(ctx, id)
				if err != nil {
					return err
				}
				if job.IsFinished() {
					return fmt.Errorf("job %s already finished (%s)", id, job.Status)
				}
				// Compare-and-swap по владельцу из только что прочитанной
				// строки: отмена снимает lease, и поздний write воркера
				// упрётся в ErrLeaseLost вместо воскрешения job'а.
				owner := job.LeaseOwner
				job.MarkCanceled()
				if err := jobRepo.Update(ctx, job, owner); err != nil {
					if errors.Is(err, repo.ErrLeaseLost) {
						return fmt.Errorf("job %s is being worked on, lease moved; retry later", id)
					}
					return err
				}
				fmt.Println("cancelled", id)
				return nil
			})
		},
	}

	var tenant, topic, payloadJSON string
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job (picked up by the next worker poll)",
		RunE: func(_ *cobra.Command, _ []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				job := domain.NewJob(tenant, topic, payload)
				job.MarkQueued()
				if err := repo.NewJobRepo(pool).Create(ctx, job); err != nil {
					return err
				}

				// Будим воркера, если брокер доступен; иначе job
				// подберёт очередной poll-тик.
				logger := telemetry.SetupLogger()
				if mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger); err == nil {
					defer mqConn.Close()
					publisher := mq.NewPublisher(mqConn, logger)
					if err := publisher.PublishJobQueued(ctx, job.ID, job.Topic); err != nil {
						logger.Warn("failed to publish job.queued", "error", err)
					}
				}

				fmt.Println("submitted", job.ID)
				return nil
			})
		},
	}
	submitCmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	submitCmd.Flags().StringVar(&topic, "topic", "", "job topic (required)")
	submitCmd.Flags().StringVar(&payloadJSON, "payload", "", "payload as JSON")
	submitCmd.MarkFlagRequired("tenant")
	submitCmd.MarkFlagRequired("topic")

	cmd.AddCommand(showCmd, eventsCmd, cancelCmd, submitCmd)
	return cmd
}
