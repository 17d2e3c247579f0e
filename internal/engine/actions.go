package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// Action — реализация одного типа узла workflow.
//
// Config приходит из определения узла в зафиксированной версии графа,
// input — из payload события и выходов предыдущих шагов.
type Action interface {
	// Type возвращает тип действия ("http", "log", "noop").
	Type() string

	// Execute выполняет действие и возвращает его выход.
	// Выход с ключом "external_id" попадает в реестр side effects
	// как внешняя ссылка.
	Execute(ctx context.Context, config, input map[string]any) (map[string]any, error)
}

// Registry — реестр действий по типу. Закрытый: неизвестный тип
// узла — ошибка шага, а не тихий пропуск.
type Registry struct {
	actions map[string]Action
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// DefaultRegistry создаёт реестр со стандартными действиями.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&HTTPAction{})
	r.Register(&LogAction{})
	r.Register(&NoopAction{})
	return r
}

// Register добавляет действие в реестр.
func (r *Registry) Register(action Action) {
	r.actions[action.Type()] = action
}

// Get возвращает действие по типу.
func (r *Registry) Get(actionType string) (Action, error) {
	action, ok := r.actions[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
	}
	return action, nil
}

// HTTPAction — действие типа "http": исходящий HTTP-запрос к провайдеру.
//
// Config:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map[string]any): заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут. Default: 30
//
// Выход:
//   - status_code (int), headers (map[string]string), body (any)
//   - external_id (string): значение заголовка X-Request-Id ответа, если есть
type HTTPAction struct {
	// Client позволяет подменить транспорт в тестах (default: http.DefaultClient).
	Client *http.Client
}

// Type возвращает "http".
func (a *HTTPAction) Type() string { return "http" }

// Execute выполняет HTTP-запрос.
func (a *HTTPAction) Execute(ctx context.Context, config, _ map[string]any) (map[string]any, error) {
	method := getString(config, "method", http.MethodGet)
	url := getString(config, "url", "")
	if url == "" {
		return nil, fmt.Errorf("http action: url is required")
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout(config))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := config["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("http action: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("http action: create request: %w", err)
	}
	setHeaders(req, config)
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http action: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http action: read response: %w", err)
	}

	output := buildHTTPOutput(resp, respBody)

	if resp.StatusCode >= 400 {
		return output, fmt.Errorf("http action: HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return output, nil
}

// buildHTTPOutput формирует выход шага из HTTP-ответа.
func buildHTTPOutput(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка.
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
	if reqID := resp.Header.Get("X-Request-Id"); reqID != "" {
		output["external_id"] = reqID
	}
	return output
}

// LogAction — действие типа "log": пишет сообщение в структурный лог.
//
// Config:
//   - message (string): текст сообщения. Default: "log step"
type LogAction struct{}

// Type возвращает "log".
func (a *LogAction) Type() string { return "log" }

// Execute пишет сообщение в лог и возвращает его в выходе.
func (a *LogAction) Execute(_ context.Context, config, input map[string]any) (map[string]any, error) {
	message := getString(config, "message", "log step")
	slog.Info(message, "input", input)
	return map[string]any{"message": message}, nil
}

// NoopAction — действие типа "noop": ничего не делает. Используется
// как заглушка узла и в тестах.
type NoopAction struct{}

// Type возвращает "noop".
func (a *NoopAction) Type() string { return "noop" }

// Execute возвращает пустой выход.
func (a *NoopAction) Execute(context.Context, map[string]any, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

// --- Config helpers ---

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getTimeout извлекает таймаут из config.
func getTimeout(config map[string]any) time.Duration {
	if val, ok := config["timeout_sec"]; ok {
		switch v := val.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		}
	}
	return defaultHTTPTimeout
}

// setHeaders устанавливает заголовки из config.
func setHeaders(req *http.Request, config map[string]any) {
	headers, ok := config["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
