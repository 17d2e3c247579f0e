package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsIngested     = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_events_ingested_total", Help: "Events accepted by the ingestor"})
	EventsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_events_deduplicated_total", Help: "Ingest calls resolved to an existing event by idempotency key"})

	OutboxDispatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_outbox_dispatched_total", Help: "Outbox items processed to DONE"})
	OutboxRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_outbox_retried_total", Help: "Outbox items scheduled for retry"})
	OutboxDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_outbox_dlq_total", Help: "Outbox items moved to DLQ"})
	OutboxReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_outbox_reaped_total", Help: "Stale RUNNING outbox items returned to RETRY by the reaper"})
	OutboxThrottled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_outbox_throttled_total", Help: "Claimed items released back due to per-tenant in-flight cap"})
	OutboxStaleGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conveyor_outbox_stale", Help: "RUNNING outbox items with an expired lease"})

	ExecutionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "conveyor_executions_finished_total", Help: "Executions by terminal status"},
		[]string{"status"},
	)
	SideEffectsReplayed = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_side_effects_replayed_total", Help: "Side effects answered from the ledger without an external call"})

	JobAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "conveyor_job_attempts_total", Help: "Job attempts by outcome"},
		[]string{"outcome"},
	)
)

// Handler возвращает /metrics handler с singleton-регистрацией метрик.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsIngested,
			EventsDeduplicated,
			OutboxDispatched,
			OutboxRetried,
			OutboxDeadLetter,
			OutboxReaped,
			OutboxThrottled,
			OutboxStaleGauge,
			ExecutionsFinished,
			SideEffectsReplayed,
			JobAttempts,
		)
	})
	return promhttp.Handler()
}
