package ingest

import "errors"

// ErrInvalidRequest — запрос без обязательных полей
// (tenant_id, event_type, source).
var ErrInvalidRequest = errors.New("invalid ingest request")
