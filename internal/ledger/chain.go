package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// GenesisHash - затравка цепочки. Первая запись ссылается на неё вместо хэша предшественника.
const GenesisHash = "genesis"

// Chain - журнал аудита с хэш-сцеплением (append-only).
// Каждая запись включает хэш предыдущей, поэтому подмена или выпадение
// любой записи ломает все последующие хэши и детектируется проверкой.
type Chain struct {
	mu       sync.RWMutex
	entries  []domain.AuditEntry
	headHash string
	nextSeq  uint64

	// Подменяется в тестах для детерминированных временных меток
	clock func() time.Time
}

func NewChain() *Chain {
	return &Chain{
		headHash: GenesisHash,
		nextSeq:  1,
		clock:    time.Now,
	}
}

// Append фиксирует событие в журнале и возвращает готовую запись.
// Потокобезопасен: сериализует конкурентные записи, номера не имеют пропусков.
func (c *Chain) Append(eventType, source, entity string, payload []byte) domain.AuditEntry {
	digest := PayloadDigest(payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := domain.AuditEntry{
		Seq:           c.nextSeq,
		EventType:     eventType,
		Source:        source,
		Entity:        entity,
		PayloadDigest: digest,
		PrevHash:      c.headHash,
		Timestamp:     c.clock().UTC(),
	}
	entry.Hash = EntryHash(entry.PayloadDigest, entry.PrevHash)

	c.entries = append(c.entries, entry)
	c.headHash = entry.Hash
	c.nextSeq++

	return entry
}

// VerifyChain проверяет целостность диапазона [from, to] включительно.
// Возвращает (true, 0) если цепочка цела, иначе (false, seq) первой битой записи.
// Нулевые границы означают весь журнал.
func (c *Chain) VerifyChain(from, to uint64) (bool, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return true, 0
	}

	first := c.entries[0].Seq
	last := c.entries[len(c.entries)-1].Seq
	if from == 0 {
		from = first
	}
	if to == 0 {
		to = last
	}
	if from < first || to > last || from > to {
		return true, 0
	}

	// Индекс опирается на непрерывность номеров: entries[i].Seq == first+i
	segment := c.entries[from-first : to-first+1]

	var prevHash string
	if from == first {
		prevHash = GenesisHash
	} else {
		prevHash = c.entries[from-first-1].Hash
	}

	return VerifyEntries(segment, prevHash)
}

// VerifyEntries - чистая проверка сегмента цепочки против известного хэша предшественника.
// Используется и для RAM-журнала, и для выгрузки из Postgres на стороне консоли.
func VerifyEntries(entries []domain.AuditEntry, prevHash string) (bool, uint64) {
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prevHash {
			return false, e.Seq
		}
		if EntryHash(e.PayloadDigest, e.PrevHash) != e.Hash {
			return false, e.Seq
		}
		prevHash = e.Hash
	}
	return true, 0
}

// Query возвращает записи, прошедшие фильтр, в порядке возрастания номеров.
// Гарантия для JSON: всегда "[] not null".
func (c *Chain) Query(filter domain.AuditFilter) []domain.AuditEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.AuditEntry, 0, 16)
	for i := range c.entries {
		if !filter.Match(&c.entries[i]) {
			continue
		}
		result = append(result, c.entries[i])
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result
}

// Head возвращает хэш вершины цепочки и номер следующей записи.
func (c *Chain) Head() (string, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash, c.nextSeq
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Restore загружает ранее сохранённую цепочку (восстановление после рестарта).
// Перед принятием сегмент проверяется; битая цепочка - фатальная ошибка запуска.
func (c *Chain) Restore(entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if ok, brokenAt := VerifyEntries(entries, GenesisHash); !ok {
		return fmt.Errorf("ledger: %w: entry seq=%d", domain.ErrChainIntegrity, brokenAt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		return fmt.Errorf("ledger: restore into non-empty chain (len=%d)", len(c.entries))
	}

	c.entries = append(c.entries, entries...)
	c.headHash = entries[len(entries)-1].Hash
	c.nextSeq = entries[len(entries)-1].Seq + 1
	return nil
}

// PayloadDigest считает дайджест полезной нагрузки. Сам payload в журнал не попадает.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// EntryHash сцепляет запись с предшественником: H(дайджест || хэш предыдущей).
func EntryHash(payloadDigest, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(payloadDigest))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}
