package jobs

import (
	"errors"
	"fmt"
)

// Классификация ошибок handler'ов.
//
// Transient — временный сбой (сеть, 5xx, блокировка): попытка
// повторяется в рамках бюджета. Permanent — ошибка, которую повтор
// не исправит (невалидный payload, 4xx): job падает сразу.
// Неклассифицированная ошибка считается transient.

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// NewPermanent помечает ошибку как невосстановимую.
func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// NewPermanentf форматирует невосстановимую ошибку.
func NewPermanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// NewTransient помечает ошибку как временную (поведение по умолчанию,
// маркер полезен для явности на границах handler'ов).
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsPermanent возвращает true для ошибок, помеченных NewPermanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrUnknownTopic — для topic job'а нет зарегистрированного handler'а.
var ErrUnknownTopic = errors.New("unknown job topic")
