// Package lease реализует кооперативное владение записями через
// DB-lease: захват, heartbeat и освобождение обусловлены полем
// lease_owner самой записи. Краш владельца не требует уборки —
// истёкший lease делает запись доступной следующему воркеру.
package lease
