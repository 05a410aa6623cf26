package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// restorePageSize ограничивает размер одной выборки из архива.
const restorePageSize = 500

// ReadStore загружает ранее сохранённую цепочку при старте сервиса.
type ReadStore interface {
	// LoadChain отдает сегмент архива начиная с fromSeq по возрастанию.
	LoadChain(ctx context.Context, fromSeq uint64, limit int) ([]domain.AuditEntry, error)
}

// RestoreFromStore восстанавливает RAM-цепочку из Postgres после рестарта.
// Архив вычитывается постранично с первой записи, новые записи продолжают
// нумерацию и сцепление с вершины восстановленной цепочки. Битая
// сохранённая цепочка означает вмешательство в хранилище - запуск прерывается.
func RestoreFromStore(ctx context.Context, chain *Chain, store ReadStore, logger *zap.Logger) error {
	var entries []domain.AuditEntry

	next := uint64(1)
	for {
		page, err := store.LoadChain(ctx, next, restorePageSize)
		if err != nil {
			return fmt.Errorf("ledger: failed to load persisted chain: %w", err)
		}
		if len(page) == 0 {
			break
		}

		entries = append(entries, page...)
		next = page[len(page)-1].Seq + 1

		if len(page) < restorePageSize {
			break
		}
	}

	if len(entries) == 0 {
		logger.Info("ledger starting from genesis: no persisted entries")
		return nil
	}

	if err := chain.Restore(entries); err != nil {
		return err
	}

	head, nextSeq := chain.Head()
	logger.Info("ledger chain restored",
		zap.Int("entries", len(entries)),
		zap.Uint64("next_seq", nextSeq),
		zap.String("head", head),
	)
	return nil
}
