package router

/*
Файл sequencer.go реализует упорядочивание входящих сообщений.

Гарантия: сообщения пары отправитель→получатель вручаются обработчику
получателя в порядке отправки. Отправляющая сторона нумерует конверты
сквозным счетчиком пары; приёмная сторона держит ожидаемый номер и буфер
опережающих конвертов.

Дыра в нумерации (конверт потерян или застрял в ретраях) не блокирует пару
навсегда: по истечении gap_timeout пропуск фиксируется как аномалия в логе
и метрике, и доставка продолжается с наименьшего накопленного номера.

Вручение сериализовано в пределах пары (иначе порядок бессмыслен), разные
пары обрабатываются независимо друг от друга.
*/

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

type dispatchFunc func(recipient string, env *domain.Envelope)

type pairState struct {
	nextSeq  uint64
	buffered map[uint64]*domain.Envelope
	gapTimer *time.Timer

	// FIFO вручения: один дренирующий воркер на пару
	queue       []*domain.Envelope
	dispatching bool
}

type sequencer struct {
	mu    sync.Mutex
	pairs map[string]*pairState

	gapTimeout time.Duration
	dispatch   dispatchFunc
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func newSequencer(gapTimeout time.Duration, dispatch dispatchFunc, m *metrics.Metrics, logger *zap.Logger) *sequencer {
	return &sequencer{
		pairs:      make(map[string]*pairState),
		gapTimeout: gapTimeout,
		dispatch:   dispatch,
		metrics:    m,
		logger:     logger.With(zap.String("mod", "sequencer")),
	}
}

func pairKey(from, recipient string) string {
	return from + "\x00" + recipient
}

// Accept принимает конверт пары и решает его судьбу: вручить сейчас,
// отложить до заполнения дыры или вручить немедленно как повтор.
func (s *sequencer) Accept(recipient string, env *domain.Envelope) {
	key := pairKey(env.Message.From, recipient)
	seq := env.Sequence

	s.mu.Lock()

	p, ok := s.pairs[key]
	if !ok {
		p = &pairState{nextSeq: 1, buffered: make(map[uint64]*domain.Envelope)}
		s.pairs[key] = p
	}

	switch {
	case seq == 0:
		// Ненумерованный конверт (внешний отправитель без счетчика) - вне порядка
		p.queue = append(p.queue, env)

	case seq < p.nextSeq:
		// Повторная доставка уже врученного номера (потерянный ack).
		// Вручаем сразу: окно идемпотентности погасит эффект и повторит ответ.
		s.logger.Debug("redelivery of an already dispatched sequence",
			zap.String("from", env.Message.From),
			zap.String("to", recipient),
			zap.Uint64("seq", seq),
		)
		p.queue = append(p.queue, env)

	case seq == p.nextSeq:
		p.nextSeq++
		p.queue = append(p.queue, env)
		s.drainBuffered(p)

	default: // seq > p.nextSeq: дыра в нумерации
		p.buffered[seq] = env
		s.armGapTimer(key, p)
	}

	s.kickDispatcher(recipient, p)
	s.mu.Unlock()
}

// drainBuffered переливает из буфера все последовательные номера. Вызывается под mu.
func (s *sequencer) drainBuffered(p *pairState) {
	for {
		env, ok := p.buffered[p.nextSeq]
		if !ok {
			break
		}
		delete(p.buffered, p.nextSeq)
		p.nextSeq++
		p.queue = append(p.queue, env)
	}

	// Дыра закрыта - таймер пропуска больше не нужен
	if len(p.buffered) == 0 && p.gapTimer != nil {
		p.gapTimer.Stop()
		p.gapTimer = nil
	}
}

// armGapTimer взводит таймер принудительного пропуска, если он ещё не взведен. Вызывается под mu.
func (s *sequencer) armGapTimer(key string, p *pairState) {
	if p.gapTimer != nil {
		return
	}
	p.gapTimer = time.AfterFunc(s.gapTimeout, func() { s.skipGap(key) })
}

// skipGap принудительно продвигает пару через дыру в нумерации.
func (s *sequencer) skipGap(key string) {
	s.mu.Lock()

	p, ok := s.pairs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.gapTimer = nil

	if len(p.buffered) == 0 {
		s.mu.Unlock()
		return
	}

	// Наименьший накопленный номер - новая точка продолжения
	var minSeq uint64
	for seq := range p.buffered {
		if minSeq == 0 || seq < minSeq {
			minSeq = seq
		}
	}

	recipient := keyRecipient(key)
	s.logger.Warn("sequence gap skipped: resuming past missing envelopes",
		zap.String("from", p.buffered[minSeq].Message.From),
		zap.String("to", recipient),
		zap.Uint64("expected", p.nextSeq),
		zap.Uint64("resumed_at", minSeq),
	)
	s.metrics.SequenceGapSkips.Inc()

	p.nextSeq = minSeq
	s.drainBuffered(p)

	// Буфер мог остаться разреженным - взводим таймер на следующую дыру
	if len(p.buffered) > 0 {
		s.armGapTimer(key, p)
	}

	s.kickDispatcher(recipient, p)
	s.mu.Unlock()
}

// kickDispatcher запускает дренирующий воркер пары, если его ещё нет. Вызывается под mu.
func (s *sequencer) kickDispatcher(recipient string, p *pairState) {
	if p.dispatching || len(p.queue) == 0 {
		return
	}
	p.dispatching = true
	go s.drainQueue(recipient, p)
}

func (s *sequencer) drainQueue(recipient string, p *pairState) {
	for {
		s.mu.Lock()
		if len(p.queue) == 0 {
			p.dispatching = false
			s.mu.Unlock()
			return
		}
		env := p.queue[0]
		p.queue = p.queue[1:]
		s.mu.Unlock()

		// Вручение вне блокировки: обработчик может быть медленным,
		// другие пары не должны его ждать
		s.dispatch(recipient, env)
	}
}

// ForgetPeer сбрасывает состояние упорядочивания всех пар с участием
// агента: после его перерегистрации нумерация начинается заново с 1,
// и свежие конверты не должны выглядеть как повторы старой эпохи.
func (s *sequencer) ForgetPeer(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pairs {
		if keySender(key) == agentID || keyRecipient(key) == agentID {
			if p.gapTimer != nil {
				p.gapTimer.Stop()
				p.gapTimer = nil
			}
			delete(s.pairs, key)
		}
	}
}

func keySender(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

func keyRecipient(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[i+1:]
		}
	}
	return key
}
