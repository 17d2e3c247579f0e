// Package jobs реализует выполнение ad-hoc задач: lease-захват QUEUED
// jobs, классификацию ошибок (transient/permanent), retry с backoff,
// DLQ и append-only поток событий прогресса с монотонным seq.
package jobs
