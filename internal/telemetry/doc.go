// Package telemetry содержит настройку структурного логирования (slog)
// и Prometheus-метрики pipeline.
package telemetry
