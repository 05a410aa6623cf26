package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

func TestChainAppendLinksEntries(t *testing.T) {
	c := NewChain()

	e1 := c.Append("EVENT", "agent-a", "msg-1", []byte(`{"v":1}`))
	e2 := c.Append("EVENT", "agent-a", "msg-2", []byte(`{"v":2}`))
	e3 := c.Append("DECISION", "agent-b", "msg-3", []byte(`{"v":3}`))

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(3), e3.Seq)

	assert.Equal(t, GenesisHash, e1.PrevHash)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.Equal(t, e2.Hash, e3.PrevHash)

	// Хэш пересчитывается из дайджеста и хэша предшественника
	assert.Equal(t, EntryHash(e2.PayloadDigest, e2.PrevHash), e2.Hash)

	head, nextSeq := c.Head()
	assert.Equal(t, e3.Hash, head)
	assert.Equal(t, uint64(4), nextSeq)
}

func TestChainPayloadDigestFormat(t *testing.T) {
	c := NewChain()
	e := c.Append("EVENT", "agent-a", "msg-1", []byte("payload"))

	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, e.PayloadDigest)
	// Сам payload в запись не попадает - только дайджест
	assert.Equal(t, PayloadDigest([]byte("payload")), e.PayloadDigest)
}

func TestChainVerifyDetectsTampering(t *testing.T) {
	c := NewChain()
	for i := 0; i < 5; i++ {
		c.Append("EVENT", "agent-a", fmt.Sprintf("msg-%d", i), []byte{byte(i)})
	}

	ok, brokenAt := c.VerifyChain(0, 0)
	require.True(t, ok)
	assert.Zero(t, brokenAt)

	// Подмена дайджеста третьей записи ломает проверку ровно на ней
	c.entries[2].PayloadDigest = PayloadDigest([]byte("forged"))

	ok, brokenAt = c.VerifyChain(0, 0)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), brokenAt)

	// Диапазон до повреждения остаётся валидным
	ok, brokenAt = c.VerifyChain(1, 2)
	assert.True(t, ok)
	assert.Zero(t, brokenAt)

	// Диапазон, начинающийся с битой записи, тоже её находит
	ok, brokenAt = c.VerifyChain(3, 5)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), brokenAt)
}

func TestChainVerifyDetectsBrokenLink(t *testing.T) {
	c := NewChain()
	for i := 0; i < 4; i++ {
		c.Append("EVENT", "agent-a", fmt.Sprintf("msg-%d", i), []byte{byte(i)})
	}

	// Разрыв сцепления: prev_hash четвёртой записи больше не указывает на третью
	c.entries[3].PrevHash = "0000"

	ok, brokenAt := c.VerifyChain(0, 0)
	assert.False(t, ok)
	assert.Equal(t, uint64(4), brokenAt)
}

func TestChainVerifyEmptyAndOutOfRange(t *testing.T) {
	c := NewChain()

	ok, brokenAt := c.VerifyChain(0, 0)
	assert.True(t, ok)
	assert.Zero(t, brokenAt)

	c.Append("EVENT", "agent-a", "msg-1", nil)

	// Запрошенный диапазон за пределами журнала не считается нарушением
	ok, _ = c.VerifyChain(10, 20)
	assert.True(t, ok)
}

func TestChainQueryFilters(t *testing.T) {
	c := NewChain()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	c.clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	c.Append("EVENT", "agent-a", "msg-1", nil)
	c.Append("DECISION", "agent-b", "msg-2", nil)
	c.Append("EVENT", "agent-b", "msg-3", nil)
	c.Append("DELIVERY_FAILED", "agent-a", "msg-4", nil)

	t.Run("by source", func(t *testing.T) {
		got := c.Query(domain.AuditFilter{Source: "agent-b"})
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Seq)
		assert.Equal(t, uint64(3), got[1].Seq)
	})

	t.Run("by event type", func(t *testing.T) {
		got := c.Query(domain.AuditFilter{EventType: "EVENT"})
		require.Len(t, got, 2)
	})

	t.Run("by time window", func(t *testing.T) {
		from := base.Add(90 * time.Second)
		to := base.Add(3 * time.Minute)
		got := c.Query(domain.AuditFilter{From: &from, To: &to})
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Seq)
		assert.Equal(t, uint64(3), got[1].Seq)
	})

	t.Run("by seq range with limit", func(t *testing.T) {
		got := c.Query(domain.AuditFilter{FromSeq: 2, ToSeq: 4, Limit: 2})
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Seq)
		assert.Equal(t, uint64(3), got[1].Seq)
	})

	t.Run("no match is empty not nil", func(t *testing.T) {
		got := c.Query(domain.AuditFilter{Source: "ghost"})
		require.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestChainRestoreContinuesNumbering(t *testing.T) {
	first := NewChain()
	for i := 0; i < 3; i++ {
		first.Append("EVENT", "agent-a", fmt.Sprintf("msg-%d", i), []byte{byte(i)})
	}
	persisted := first.Query(domain.AuditFilter{})

	second := NewChain()
	require.NoError(t, second.Restore(persisted))

	head, nextSeq := second.Head()
	assert.Equal(t, persisted[2].Hash, head)
	assert.Equal(t, uint64(4), nextSeq)

	// Новая запись сцепляется с восстановленной вершиной
	e := second.Append("EVENT", "agent-a", "msg-3", nil)
	assert.Equal(t, uint64(4), e.Seq)
	assert.Equal(t, persisted[2].Hash, e.PrevHash)

	ok, _ := second.VerifyChain(0, 0)
	assert.True(t, ok)
}

func TestChainRestoreRejectsTamperedChain(t *testing.T) {
	first := NewChain()
	first.Append("EVENT", "agent-a", "msg-1", []byte("a"))
	first.Append("EVENT", "agent-a", "msg-2", []byte("b"))
	persisted := first.Query(domain.AuditFilter{})

	persisted[1].PayloadDigest = PayloadDigest([]byte("forged"))

	second := NewChain()
	err := second.Restore(persisted)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
	assert.Zero(t, second.Len())
}

func TestChainConcurrentAppendsHaveNoGaps(t *testing.T) {
	c := NewChain()

	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 50

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				c.Append("EVENT", fmt.Sprintf("agent-%d", w), "msg", []byte{byte(i)})
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, writers*perWriter, c.Len())

	ok, brokenAt := c.VerifyChain(0, 0)
	assert.True(t, ok, "broken at seq %d", brokenAt)

	// Номера строго последовательны, без пропусков и дублей
	entries := c.Query(domain.AuditFilter{})
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}
