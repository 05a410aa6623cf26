package router

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

type dedupeEntry struct {
	reply    *domain.Message // nil для событий: важен сам факт обработки
	storedAt time.Time
}

// dedupeCache - окно идемпотентности приёмной стороны.
// Ключ (отправитель, idempotencyKey): повторная доставка с тем же ключом не
// вызывает обработчик заново, а возвращает ранее вычисленный ответ.
type dedupeCache struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
	ttl     time.Duration

	// Подменяется в тестах
	clock func() time.Time
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{
		entries: make(map[string]dedupeEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func dedupeKey(sender, idemKey string) string {
	return sender + "\x00" + idemKey
}

// Lookup ищет след прежней обработки. Протухшие записи чистятся лениво.
func (c *dedupeCache) Lookup(sender, idemKey string) (*domain.Message, bool) {
	key := dedupeKey(sender, idemKey)
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.reply, true
}

// Store запоминает факт обработки и вычисленный ответ (если был).
func (c *dedupeCache) Store(sender, idemKey string, reply *domain.Message) {
	c.mu.Lock()
	c.entries[dedupeKey(sender, idemKey)] = dedupeEntry{reply: reply, storedAt: c.clock()}
	c.mu.Unlock()
}

// StartJanitor периодически выметает протухшие записи, чтобы карта не росла
// бесконечно на разреженных ключах.
func (c *dedupeCache) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := c.clock()
				c.mu.Lock()
				for key, e := range c.entries {
					if now.Sub(e.storedAt) >= c.ttl {
						delete(c.entries, key)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}
