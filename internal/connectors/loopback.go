package connectors

import (
	"context"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// InboundSink - приёмная сторона маршрутизатора: сюда попадают конверты
// и от локального транспорта, и от HTTP-ящика. recipient - ящик-адресат,
// при веерной рассылке конверт каждой пары свой.
type InboundSink interface {
	Receive(ctx context.Context, recipient string, env *domain.Envelope) error
}

// Loopback доставляет конверты агентам этого же процесса, минуя сеть.
// Подтверждение приёма - принятие конверта приёмной стороной.
type Loopback struct {
	sink InboundSink
}

func NewLoopback(sink InboundSink) *Loopback {
	return &Loopback{sink: sink}
}

func (t *Loopback) Deliver(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) error {
	return t.sink.Receive(ctx, rec.ID, env)
}
