package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Ключ-тип вместо голой строки: ключи контекста не должны
// конфликтовать между пакетами
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TracingMiddleware — сквозной идентификатор запроса. Клиентский
// X-Trace-ID уважаем, если агент его прислал, иначе выдаем свой;
// ID кладется в контекст и дублируется в заголовок ответа.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), traceIDKey, traceID)))
	})
}

// TraceID достает идентификатор запроса из контекста. Вне HTTP-цепочки
// возвращает нулевой UUID: поле в логах всегда заполнено.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000"
}

// RateLimitMiddleware — общий потолок входящего трафика шлюза.
// Без ожидания: перегруженный шлюз отвечает 429 сразу, агент сам
// решает, когда повторить.
func RateLimitMiddleware(rps float64, burst int, logger *zap.Logger) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("gateway rate limit exceeded",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
				)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
