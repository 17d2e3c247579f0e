// Package repo реализует слой доступа к Postgres: пул соединений,
// DDL-миграции и репозитории всех таблиц pipeline.
//
// Конкурентность решается на уровне строк БД, а не приложения:
// claim-запросы используют FOR UPDATE SKIP LOCKED (или optimistic
// compare-and-update), а все мутации захваченных записей обусловлены
// lease_owner = self. Ноль затронутых строк означает потерю lease
// (ErrLeaseLost), а не ошибку инфраструктуры.
package repo
