package ledger

/*
Файл archiver.go — асинхронная запись журнала аудита в Postgres.

Hot path маршрутизатора не должен ждать БД: Archive кладет запись в
буферный канал и сразу возвращается, отдельный воркер копит пачку и
пишет ее Bulk Insert-ом по размеру либо по таймеру. Остановка — через
закрытие канала: воркер дочитывает остаток и делает финальный flush,
так что при штатном перезапуске записи не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

// Store — куда физически уезжают записи журнала
type Store interface {
	WriteBatch(ctx context.Context, entries []domain.AuditEntry) error
}

type Archiver struct {
	ch      chan domain.AuditEntry // буфер между hot path и БД
	repo    Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	// Флаг закрытия: Archive после Stop не имеет права писать
	// в закрытый канал
	isClosed int32
}

func NewArchiver(repo Store, cfg infra.LedgerConfig, m *metrics.Metrics, logger *zap.Logger) *Archiver {
	a := &Archiver{
		ch:            make(chan domain.AuditEntry, cfg.BufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "archiver")),
		metrics:       m,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		wg:            sync.WaitGroup{},
	}
	return a
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop запрещает новые записи и дожидается, пока воркер допишет хвост.
func (a *Archiver) Stop() {
	atomic.StoreInt32(&a.isClosed, 1)

	// Пауза, чтобы Archive, уже прошедшие проверку флага,
	// успели положить свои записи до close
	time.Sleep(10 * time.Millisecond)

	a.logger.Info("stopping archiver: closing channel and flushing buffer...")
	close(a.ch)
	a.wg.Wait()
	a.logger.Info("archiver stopped gracefully")
}

// Archive ставит запись в очередь на сохранение. Никогда не блокирует вызывающего.
func (a *Archiver) Archive(entry domain.AuditEntry) {
	if atomic.LoadInt32(&a.isClosed) == 1 {
		a.logger.Warn("ledger entry dropped: archiver is stopping", zap.Uint64("seq", entry.Seq))
		return
	}

	select {
	case a.ch <- entry:
		a.metrics.ArchiverBufferFill.Set(float64(len(a.ch)))
	default:
		// Буфер полон. Запись не пропадает молча: контент уходит
		// в структурированный лог, откуда цепочку можно восстановить
		a.logger.Error("ledger_buffer_overflow",
			zap.Uint64("seq", entry.Seq),
			zap.String("event_type", entry.EventType),
			zap.String("hash", entry.Hash),
		)
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	batch := make([]domain.AuditEntry, 0, a.batchSize)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Родительский контекст к этому моменту может быть
			// отменен, финальная запись идет на Background
			if err := a.repo.WriteBatch(context.Background(), batch); err != nil {
				a.logger.Error("ledger flush failed", zap.Error(err), zap.Int("batch", len(batch)))
			}
			batch = batch[:0]
		}
		a.metrics.ArchiverBufferFill.Set(float64(len(a.ch)))
	}

	for {
		select {
		case entry, ok := <-a.ch:
			if !ok {
				// close(a.ch) в Stop: канал сперва отдает все
				// накопленное и только потом ok == false.
				// Дописываем хвост и выходим.
				flush()
				a.logger.Info("archiver worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
