package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrLeaseLost — мутация отклонена: lease принадлежит другому воркеру
	// или уже снят. Не ошибка инфраструктуры, а сигнал отступить.
	ErrLeaseLost = errors.New("lease lost")
)

// isUniqueViolation проверяет, является ли ошибка нарушением
// уникального ограничения Postgres (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
