package router

import (
	"fmt"
	"sync"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// pendingTable - реестр ожидающих ответа запросов по correlationId.
// Ответ будит ровно одного ожидающего; ответ без ожидающего (опоздал
// после таймаута или корреляция неизвестна) отбрасывается с записью в лог.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *domain.Message
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *domain.Message)}
}

// register занимает слот корреляции до начала доставки запроса, чтобы
// мгновенный ответ не проскочил мимо ожидающего.
func (t *pendingTable) register(correlationID string) (<-chan *domain.Message, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.waiters[correlationID]; exists {
		return nil, nil, fmt.Errorf("correlation %q already has a pending request", correlationID)
	}

	// Буфер на один ответ: complete не блокируется, даже если ожидающий уже ушел
	ch := make(chan *domain.Message, 1)
	t.waiters[correlationID] = ch

	cancel := func() {
		t.mu.Lock()
		delete(t.waiters, correlationID)
		t.mu.Unlock()
	}
	return ch, cancel, nil
}

// complete вручает ответ ожидающему. false - ожидающего уже нет.
func (t *pendingTable) complete(correlationID string, resp *domain.Message) bool {
	t.mu.Lock()
	ch, ok := t.waiters[correlationID]
	if ok {
		delete(t.waiters, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
