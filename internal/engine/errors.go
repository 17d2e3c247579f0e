package engine

import "errors"

// Ошибки движка.
var (
	// ErrUnknownAction — тип действия не зарегистрирован в Registry.
	ErrUnknownAction = errors.New("unknown action type")

	// ErrWorkflowVersionMissing — зафиксированная версия графа не найдена.
	// Невосстановимо: execution падает в FAILED без retry.
	ErrWorkflowVersionMissing = errors.New("workflow version missing")
)
