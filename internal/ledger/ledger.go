package ledger

import (
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

// Recorder - то, что нужно маршрутизатору от журнала: зафиксировать событие.
type Recorder interface {
	Append(eventType, source, entity string, payload []byte) domain.AuditEntry
}

// Ledger объединяет RAM-цепочку (источник истины для проверок) и асинхронный
// архиватор в Postgres. Архиватор опционален: nil означает работу без персистентности.
type Ledger struct {
	chain   *Chain
	arch    *Archiver
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewLedger(chain *Chain, arch *Archiver, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{
		chain:   chain,
		arch:    arch,
		metrics: m,
		logger:  logger.With(zap.String("mod", "ledger")),
	}
}

// Append фиксирует событие: сцепляет в RAM-цепочке и ставит в очередь архиватора.
func (l *Ledger) Append(eventType, source, entity string, payload []byte) domain.AuditEntry {
	entry := l.chain.Append(eventType, source, entity, payload)
	l.metrics.LedgerAppends.Inc()

	if l.arch != nil {
		l.arch.Archive(entry)
	}
	return entry
}

// VerifyChain проверяет целостность диапазона записей. (true, 0) - цепочка цела.
func (l *Ledger) VerifyChain(from, to uint64) (bool, uint64) {
	ok, brokenAt := l.chain.VerifyChain(from, to)
	if !ok {
		// Нарушение целостности - фатальный инцидент, он должен быть виден сразу
		l.logger.Error("chain integrity violation detected",
			zap.Uint64("broken_at", brokenAt),
			zap.Uint64("from", from),
			zap.Uint64("to", to),
		)
	}
	return ok, brokenAt
}

func (l *Ledger) Query(filter domain.AuditFilter) []domain.AuditEntry {
	return l.chain.Query(filter)
}

func (l *Ledger) Head() (string, uint64) {
	return l.chain.Head()
}

func (l *Ledger) Len() int {
	return l.chain.Len()
}
