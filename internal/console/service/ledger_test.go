package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/ledger"
)

// fakeArchive отдает цепочку из памяти так же, как это делает Postgres-репозиторий.
type fakeArchive struct {
	entries    []domain.AuditEntry
	loadCalls  int
	lastFilter domain.AuditFilter
	err        error
}

func (f *fakeArchive) QueryEntries(_ context.Context, flt domain.AuditFilter) ([]domain.AuditEntry, error) {
	f.lastFilter = flt
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.AuditEntry, 0)
	for i := range f.entries {
		if flt.Match(&f.entries[i]) {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeArchive) LoadChain(_ context.Context, fromSeq uint64, limit int) ([]domain.AuditEntry, error) {
	f.loadCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.AuditEntry, 0, limit)
	for _, e := range f.entries {
		if e.Seq >= fromSeq {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// chainOf строит честную цепочку нужной длины через рабочий журнал.
func chainOf(t *testing.T, n int) []domain.AuditEntry {
	t.Helper()
	c := ledger.NewChain()
	for i := 0; i < n; i++ {
		c.Append("DECISION", "agent-a", fmt.Sprintf("msg-%d", i), []byte(`{"n":1}`))
	}
	return c.Query(domain.AuditFilter{})
}

func TestVerifyArchiveCleanChain(t *testing.T) {
	// Три страницы: перенос хэша хвоста через границы страниц
	repo := &fakeArchive{entries: chainOf(t, 1200)}
	s := NewLedgerService(repo, time.Minute, zap.NewNop())

	report, err := s.VerifyArchive(context.Background())
	require.NoError(t, err)

	assert.True(t, report.OK)
	assert.Equal(t, 1200, report.Checked)
	assert.Equal(t, uint64(1200), report.HeadSeq)
	assert.Zero(t, report.BrokenAt)
	assert.Equal(t, 3, repo.loadCalls)
}

func TestVerifyArchiveEmpty(t *testing.T) {
	s := NewLedgerService(&fakeArchive{}, time.Minute, zap.NewNop())

	report, err := s.VerifyArchive(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Zero(t, report.Checked)
}

func TestVerifyArchiveDetectsTamper(t *testing.T) {
	entries := chainOf(t, 5)
	entries[2].PayloadDigest = "sha256:forged"
	s := NewLedgerService(&fakeArchive{entries: entries}, time.Minute, zap.NewNop())

	report, err := s.VerifyArchive(context.Background())
	require.NoError(t, err)

	assert.False(t, report.OK)
	assert.Equal(t, uint64(3), report.BrokenAt)
}

func TestVerifyArchiveDetectsGap(t *testing.T) {
	entries := chainOf(t, 5)

	t.Run("hole inside a page", func(t *testing.T) {
		// Выпала запись 2: у записи 3 битая ссылка PrevHash
		withHole := append([]domain.AuditEntry{entries[0]}, entries[2:]...)
		s := NewLedgerService(&fakeArchive{entries: withHole}, time.Minute, zap.NewNop())

		report, err := s.VerifyArchive(context.Background())
		require.NoError(t, err)
		assert.False(t, report.OK)
		assert.Equal(t, uint64(3), report.BrokenAt)
	})

	t.Run("archive starts past genesis", func(t *testing.T) {
		s := NewLedgerService(&fakeArchive{entries: entries[1:]}, time.Minute, zap.NewNop())

		report, err := s.VerifyArchive(context.Background())
		require.NoError(t, err)
		assert.False(t, report.OK)
		assert.Equal(t, uint64(1), report.BrokenAt)
	})
}

func TestGateCachesVerdict(t *testing.T) {
	repo := &fakeArchive{entries: chainOf(t, 5)}
	s := NewLedgerService(repo, 30*time.Second, zap.NewNop())

	now := time.Unix(1700000000, 0)
	s.clock = func() time.Time { return now }

	require.NoError(t, s.Gate(context.Background()))
	assert.Equal(t, 1, repo.loadCalls)

	// Повторный вызов в пределах TTL верит кэшу
	require.NoError(t, s.Gate(context.Background()))
	assert.Equal(t, 1, repo.loadCalls)

	now = now.Add(31 * time.Second)
	require.NoError(t, s.Gate(context.Background()))
	assert.Equal(t, 2, repo.loadCalls)
}

func TestGateRefusesBrokenArchive(t *testing.T) {
	entries := chainOf(t, 3)
	entries[1].Hash = "forged"
	s := NewLedgerService(&fakeArchive{entries: entries}, time.Minute, zap.NewNop())

	err := s.Gate(context.Background())
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
}

func TestGateUnavailableOnRepoError(t *testing.T) {
	s := NewLedgerService(&fakeArchive{err: assert.AnError}, time.Minute, zap.NewNop())

	err := s.Gate(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFetchEntriesNormalizesLimit(t *testing.T) {
	repo := &fakeArchive{}
	s := NewLedgerService(repo, time.Minute, zap.NewNop())

	entries, err := s.FetchEntries(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)

	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	assert.Equal(t, 200, repo.lastFilter.Limit)

	_, err = s.FetchEntries(context.Background(), domain.AuditFilter{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 200, repo.lastFilter.Limit)
}
