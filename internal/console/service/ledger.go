package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/ledger"
)

// LedgerArchive описывает требования сервиса к выгрузке журнала.
type LedgerArchive interface {
	QueryEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
	// LoadChain отдает непрерывный сегмент [fromSeq, fromSeq+limit) по возрастанию
	LoadChain(ctx context.Context, fromSeq uint64, limit int) ([]domain.AuditEntry, error)
}

// VerifyReport - итог сверки архивной цепочки.
type VerifyReport struct {
	OK         bool      `json:"ok"`
	Checked    int       `json:"checked"`
	HeadSeq    uint64    `json:"head_seq"`
	BrokenAt   uint64    `json:"broken_at,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// LedgerService читает архив журнала и охраняет решения HITL: вердикты
// разрешены только поверх целой hash-цепочки.
type LedgerService struct {
	repo   LedgerArchive
	logger *zap.Logger

	// Кэш последней сверки: полный проход по архиву на каждом decide
	// слишком дорог, верим результату в пределах TTL
	mu         sync.Mutex
	lastReport *VerifyReport
	cacheTTL   time.Duration

	clock func() time.Time
}

const verifyPageSize = 500

func NewLedgerService(repo LedgerArchive, cacheTTL time.Duration, logger *zap.Logger) *LedgerService {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &LedgerService{
		repo:     repo,
		cacheTTL: cacheTTL,
		logger:   logger.Named("ledger-view"),
		clock:    time.Now,
	}
}

// FetchEntries возвращает записи журнала по фильтру.
func (s *LedgerService) FetchEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 200
	}

	entries, err := s.repo.QueryEntries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: failed to fetch entries: %w", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

// VerifyArchive сверяет весь архив постранично, перенося хэш хвоста
// страницы на следующую. Пропуск номера виден как битая ссылка PrevHash.
func (s *LedgerService) VerifyArchive(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{OK: true, VerifiedAt: s.clock().UTC()}

	prevHash := ledger.GenesisHash
	nextSeq := uint64(1)

	for {
		page, err := s.repo.LoadChain(ctx, nextSeq, verifyPageSize)
		if err != nil {
			return nil, fmt.Errorf("ledger_service: failed to load chain segment: %w", err)
		}
		if len(page) == 0 {
			break
		}

		// Дыра в нумерации ломает цепочку так же, как подмена записи
		if page[0].Seq != nextSeq {
			report.OK = false
			report.BrokenAt = nextSeq
			break
		}

		ok, brokenAt := ledger.VerifyEntries(page, prevHash)
		report.Checked += len(page)
		report.HeadSeq = page[len(page)-1].Seq

		if !ok {
			report.OK = false
			report.BrokenAt = brokenAt
			break
		}

		prevHash = page[len(page)-1].Hash
		nextSeq = page[len(page)-1].Seq + 1

		if len(page) < verifyPageSize {
			break
		}
	}

	if !report.OK {
		s.logger.Error("ledger archive verification FAILED",
			zap.Uint64("broken_at", report.BrokenAt),
			zap.Int("checked", report.Checked))
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	return report, nil
}

// Gate реализует ChainGate: решение HITL допустимо только при целом журнале.
func (s *LedgerService) Gate(ctx context.Context) error {
	s.mu.Lock()
	cached := s.lastReport
	s.mu.Unlock()

	if cached == nil || s.clock().Sub(cached.VerifiedAt) > s.cacheTTL {
		fresh, err := s.VerifyArchive(ctx)
		if err != nil {
			return fmt.Errorf("ledger_service: integrity check unavailable: %w", err)
		}
		cached = fresh
	}

	if !cached.OK {
		return fmt.Errorf("%w: archive broken at seq=%d", domain.ErrChainIntegrity, cached.BrokenAt)
	}
	return nil
}
