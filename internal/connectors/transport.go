package connectors

import (
	"context"
	"strings"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// Transport доставляет один конверт получателю и ждёт подтверждения приёма.
// Возврат nil - получатель принял конверт (ack). Ошибка интерпретируется
// ретраером: ThrottleError задаёт паузу, PermanentError обрывает попытки,
// всё остальное ретраится с бэкоффом.
type Transport interface {
	Deliver(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) error
}

// Selector выбирает транспорт по endpoint-у записи реестра: агенты без
// адреса (или с loopback-схемой) живут в этом же процессе, остальные - за HTTP.
type Selector struct {
	loopback Transport
	http     Transport
}

func NewSelector(loopback, http Transport) *Selector {
	return &Selector{loopback: loopback, http: http}
}

func (s *Selector) Deliver(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) error {
	if rec.Endpoint == "" || strings.HasPrefix(rec.Endpoint, "loopback") {
		return s.loopback.Deliver(ctx, rec, env)
	}
	return s.http.Deliver(ctx, rec, env)
}
