package router

/*
Router — протокольное ядро координационного слоя.

Конвейер Send:

	Validate -> Kill-Switch -> Authorization -> Sequencing ->
	Delivery (Retry + Circuit Breaker) -> Correlation Wait -> Ledger

Гарантии:
 1. At-least-once: доставка повторяется по политике повторов сообщения,
    получатель гасит дубли окном идемпотентности.
 2. Упорядочивание: конверты пары отправитель->получатель вручаются
    обработчику в порядке номеров (sequencer).
 3. Корреляция: запросные типы блокируются до ответа или дедлайна,
    ответы сопоставляются по correlationId, а не подпиской.
 4. Аудит: терминальные DECISION/EVENT/APPROVAL_RESPONSE и все отказы
    маршрутизации фиксируются в hash-цепочке журнала.

Send возвращает ошибку ТОЛЬКО на нарушение контракта (невалидное
сообщение, занятая корреляция). Все ожидаемые отказы — типизированный
domain.Outcome.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/circuit"
	"github.com/xela07ax/a2a-coord/internal/connectors"
	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/ledger"
	"github.com/xela07ax/a2a-coord/internal/metrics"
	"github.com/xela07ax/a2a-coord/internal/policy"
)

// Directory — читающий срез реестра, который нужен маршрутизатору.
type Directory interface {
	Resolve(id string) (domain.AgentRecord, error)
}

// Handler обрабатывает входящее сообщение агента. Для запросных типов
// возвращенный ответ уходит отправителю автоматически; nil без ошибки
// означает, что агент ответит позже сам (асинхронный паттерн).
type Handler func(ctx context.Context, msg *domain.Message) (*domain.Message, error)

// inflightSend — одна ожидающая ответа отправка. При потере получателя
// отменяется немедленно, не дожидаясь дедлайна (fail-fast).
type inflightSend struct {
	cancel context.CancelFunc
	lost   atomic.Bool
}

type queuedEvent struct {
	recipient string
	msg       *domain.Message
}

type Router struct {
	cfg infra.RoutingConfig

	directory Directory
	enforcer  policy.Enforcer
	tracker   *circuit.Tracker
	cache     *circuit.ResponseCache
	transport connectors.Transport
	ledger    ledger.Recorder
	kill      *KillSwitch
	bridge    *ApprovalBridge // nil = HITL-контур выключен

	pending *pendingTable
	seq     *sequencer
	dedupe  *dedupeCache

	// Исходящая нумерация пар. Ответы в нумерации не участвуют.
	outMu  sync.Mutex
	outSeq map[string]uint64

	subsMu sync.RWMutex
	subs   map[string]map[domain.MessageType]Handler

	inflightMu sync.Mutex
	inflightID uint64
	inflight   map[string]map[uint64]*inflightSend

	eventQ    chan queuedEvent
	closed    atomic.Bool
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRouter(
	cfg infra.RoutingConfig,
	directory Directory,
	enforcer policy.Enforcer,
	tracker *circuit.Tracker,
	cache *circuit.ResponseCache,
	remote connectors.Transport,
	rec ledger.Recorder,
	kill *KillSwitch,
	bridge *ApprovalBridge,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Router {
	// Суровые дефолты для нулевой конфигурации (тесты, embedded-режим)
	if cfg.DefaultTimeoutSec <= 0 {
		cfg.DefaultTimeoutSec = 30
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = 3 * time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}

	r := &Router{
		cfg:       cfg,
		directory: directory,
		enforcer:  enforcer,
		tracker:   tracker,
		cache:     cache,
		ledger:    rec,
		kill:      kill,
		bridge:    bridge,
		pending:   newPendingTable(),
		dedupe:    newDedupeCache(cfg.DedupeTTL),
		outSeq:    make(map[string]uint64),
		subs:      make(map[string]map[domain.MessageType]Handler),
		inflight:  make(map[string]map[uint64]*inflightSend),
		eventQ:    make(chan queuedEvent, cfg.QueueSize),
		runCtx:    context.Background(),
		runCancel: func() {},
		metrics:   m,
		logger:    logger.Named("router"),
	}
	r.seq = newSequencer(cfg.GapTimeout, r.dispatchLocal, m, logger)

	// Маршрутизатор сам является приемной стороной loopback-транспорта:
	// агенты в одном процессе обходят сеть целиком
	r.transport = connectors.NewSelector(connectors.NewLoopback(r), remote)

	return r
}

// Start запускает воркеры EVENT-доставки и уборщик окна идемпотентности.
func (r *Router) Start(ctx context.Context) {
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	r.dedupe.StartJanitor(r.runCtx)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.eventWorker()
	}
	r.logger.Info("router started",
		zap.Int("event_workers", r.cfg.Workers),
		zap.Int("event_queue", r.cfg.QueueSize),
	)
}

// Stop останавливает прием и дожидается доставки уже принятых событий.
// Порядок важен: сперва закрываем очередь, потом гасим контекст — иначе
// хвост очереди уйдет в отмененные доставки.
func (r *Router) Stop() {
	if r.closed.Swap(true) {
		return
	}
	time.Sleep(10 * time.Millisecond)
	close(r.eventQ)
	r.wg.Wait()
	r.runCancel()
	r.logger.Info("router stopped")
}

// Send — единственная точка исходящей отправки. Для запросных типов
// блокируется до коррелированного ответа или дедлайна, для EVENT
// возвращается после надежной постановки в очередь доставки.
func (r *Router) Send(ctx context.Context, msg *domain.Message) (domain.Outcome, error) {
	// Нарушение контракта — ошибка вызывающему, а не исход
	if err := msg.Validate(); err != nil {
		return domain.Outcome{}, fmt.Errorf("router: %w", err)
	}

	start := time.Now()
	r.metrics.SendTotal.WithLabelValues(string(msg.Type)).Inc()

	out, err := r.route(ctx, msg)

	kind := string(out.Kind)
	if err != nil {
		kind = "CONTRACT_ERROR"
	}
	r.metrics.SendDuration.WithLabelValues(string(msg.Type), kind).Observe(time.Since(start).Seconds())
	if err == nil {
		r.metrics.OutcomeTotal.WithLabelValues(kind).Inc()
	}
	return out, err
}

func (r *Router) route(ctx context.Context, msg *domain.Message) (domain.Outcome, error) {
	// 1. Kill-Switch: самый дешевый отказ, атомарный флаг в памяти
	if r.kill.Active() {
		r.auditRejection(msg, "kill switch engaged")
		return domain.Failed(domain.OutcomeDestinationUnavailable, 0, "kill switch engaged"), nil
	}

	switch {
	case msg.Type.IsRequest():
		return r.sendRequest(ctx, msg)
	case msg.Type.IsResponse():
		return r.sendResponse(ctx, msg)
	case msg.Type == domain.TypeEvent:
		return r.enqueueEvent(ctx, msg)
	default: // DECISION — синхронный fire-and-forget
		return r.sendDecision(ctx, msg)
	}
}

// sendRequest проводит DATA_REQUEST/APPROVAL_REQUEST через полный
// конвейер и ждет коррелированный ответ.
func (r *Router) sendRequest(ctx context.Context, msg *domain.Message) (domain.Outcome, error) {
	dest := msg.PrimaryRecipient()

	// 2. Авторизация маршрута (allow-list получателя, карантин)
	if v := r.enforcer.Authorize(msg.From, dest); !v.Allowed() {
		return r.rejectedOutcome(msg, v), nil
	}

	// 3. Бюджет ожидания ответа
	reqCtx, cancel := context.WithTimeout(ctx, r.requestTimeout(msg))
	defer cancel()

	// HITL-перехват: запросы ревьюеру паркуются в очередь решений
	// Console вместо доставки агенту
	if r.bridge.Handles(msg) {
		return r.awaitApproval(reqCtx, ctx, msg)
	}

	// 4. Слот корреляции ДО доставки: ответ может прилететь раньше,
	// чем транспорт вернет подтверждение
	waiter, unregister, err := r.pending.register(msg.Correlation())
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("router: %w", err)
	}
	defer unregister()

	// 5. Регистрация in-flight: потеря агента отменяет ожидание сразу
	entry, release := r.trackInflight(dest, cancel)
	defer release()

	rec, resolveErr := r.directory.Resolve(dest)
	if resolveErr != nil {
		return domain.Failed(domain.OutcomeUnknownAgent, 0,
			fmt.Sprintf("recipient %q is not registered", dest)), nil
	}

	// 6. Доставка с повторами под предохранителем
	env := r.nextEnvelope(msg, dest)
	attempts, deliverErr := r.deliverWithRetry(reqCtx, rec, env)
	if deliverErr != nil {
		return r.requestFailure(reqCtx, ctx, msg, dest, entry, attempts, deliverErr), nil
	}

	// 7. Ожидание коррелированного ответа
	select {
	case resp := <-waiter:
		if msg.Type == domain.TypeDataRequest && resp.Status == domain.StatusSuccess {
			// Запоминаем last-good для деградации при открытом CB
			r.cache.Put(r.runCtx, dest, resp)
		}
		return domain.Responded(resp, attempts), nil
	case <-reqCtx.Done():
		return r.waitInterrupted(ctx, dest, entry, attempts), nil
	}
}

// awaitApproval паркует запрос в очереди ручного ревью и ждет вердикта.
func (r *Router) awaitApproval(reqCtx, parentCtx context.Context, msg *domain.Message) (domain.Outcome, error) {
	resp, err := r.bridge.Await(reqCtx, msg)
	switch {
	case err == nil:
		// Терминальный вердикт фиксируется в журнале
		r.ledger.Append(string(domain.TypeApprovalResponse), resp.From, resp.MessageID, resp.Data)
		return domain.Responded(resp, 1), nil
	case errors.Is(err, context.Canceled) && parentCtx.Err() != nil:
		return domain.Failed(domain.OutcomeCancelled, 0, "cancelled while awaiting approval"), nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Failed(domain.OutcomeTimeout, 0, "approval decision did not arrive before deadline"), nil
	default:
		return domain.Failed(domain.OutcomeDeliveryFailed, 0,
			fmt.Sprintf("approval queue unavailable: %v", err)), nil
	}
}

// sendResponse доставляет DATA_RESPONSE/APPROVAL_RESPONSE. Ответы не
// авторизуются (корреляция подразумевает встречный запрос) и не
// участвуют в нумерации пары: их судьбу решает correlationId.
func (r *Router) sendResponse(ctx context.Context, msg *domain.Message) (domain.Outcome, error) {
	dest := msg.PrimaryRecipient()

	rec, resolveErr := r.directory.Resolve(dest)
	if resolveErr != nil {
		r.auditDeliveryFailure(msg)
		return domain.Failed(domain.OutcomeUnknownAgent, 0,
			fmt.Sprintf("requester %q is not registered", dest)), nil
	}

	dCtx, cancel := context.WithTimeout(ctx, r.requestTimeout(msg))
	defer cancel()

	env := r.nextEnvelope(msg, dest)
	attempts, deliverErr := r.deliverWithRetry(dCtx, rec, env)
	if deliverErr != nil {
		r.auditDeliveryFailure(msg)
		return domain.Failed(r.failureKind(dCtx, ctx, deliverErr), attempts, deliverErr.Error()), nil
	}

	// Терминальный вердикт согласования — часть доказуемой истории
	if msg.Type == domain.TypeApprovalResponse {
		r.ledger.Append(string(domain.TypeApprovalResponse), msg.From, msg.MessageID, msg.Data)
	}
	return domain.Delivered(attempts), nil
}

// sendDecision синхронно доставляет DECISION каждому получателю.
// Для единственного получателя исход прозрачен, для нескольких —
// агрегированный отказ с перечислением проблемных адресатов.
func (r *Router) sendDecision(ctx context.Context, msg *domain.Message) (domain.Outcome, error) {
	dCtx, cancel := context.WithTimeout(ctx, r.requestTimeout(msg))
	defer cancel()

	if len(msg.To) == 1 {
		return r.deliverFireAndForget(dCtx, ctx, msg.To[0], msg, true), nil
	}

	totalAttempts := 0
	var failures []string
	for _, dest := range msg.To {
		out := r.deliverFireAndForget(dCtx, ctx, dest, msg, true)
		totalAttempts += out.Attempts
		if !out.OK {
			failures = append(failures, fmt.Sprintf("%s: %s", dest, out.Kind))
		}
	}
	if len(failures) > 0 {
		return domain.Failed(domain.OutcomeDeliveryFailed, totalAttempts, strings.Join(failures, "; ")), nil
	}
	return domain.Delivered(totalAttempts), nil
}

// enqueueEvent ставит EVENT в очередь доставки. Успешный исход означает
// "надежно принято к доставке", сама доставка асинхронна (at-least-once
// обеспечивают воркеры). Постановка блокирующая: при полной очереди
// отправитель ждет, но событие не теряется.
func (r *Router) enqueueEvent(ctx context.Context, msg *domain.Message) (domain.Outcome, error) {
	if r.closed.Load() {
		return domain.Failed(domain.OutcomeDeliveryFailed, 0, "router is stopping"), nil
	}

	// Авторизация на момент подачи: отказ виден отправителю сразу,
	// воркеры повторную проверку не делают
	authorized := make([]string, 0, len(msg.To))
	var firstReject domain.Outcome
	for _, dest := range msg.To {
		if v := r.enforcer.Authorize(msg.From, dest); !v.Allowed() {
			out := r.rejectedOutcome(msg, v)
			if len(authorized) == 0 && firstReject.Kind == "" {
				firstReject = out
			}
			continue
		}
		authorized = append(authorized, dest)
	}
	if len(authorized) == 0 {
		if firstReject.Kind == "" {
			return domain.Outcome{}, fmt.Errorf("router: event has no recipients")
		}
		return firstReject, nil
	}

	for _, dest := range authorized {
		select {
		case r.eventQ <- queuedEvent{recipient: dest, msg: msg}:
		case <-ctx.Done():
			return domain.Failed(domain.OutcomeCancelled, 0, "cancelled before enqueue"), nil
		}
	}
	return domain.Delivered(0), nil
}

func (r *Router) eventWorker() {
	defer r.wg.Done()
	for ev := range r.eventQ {
		dCtx, cancel := context.WithTimeout(r.runCtx, r.requestTimeout(ev.msg))
		out := r.deliverFireAndForget(dCtx, r.runCtx, ev.recipient, ev.msg, false)
		cancel()

		if !out.OK {
			r.logger.Warn("event delivery failed",
				zap.String("message_id", ev.msg.MessageID),
				zap.String("recipient", ev.recipient),
				zap.String("kind", string(out.Kind)),
				zap.String("reason", out.Reason),
			)
		}
	}
}

// deliverFireAndForget — общий путь DECISION (синхронно) и EVENT
// (воркер очереди): доставить без ожидания ответа и зафиксировать
// терминальный исход в журнале.
func (r *Router) deliverFireAndForget(ctx, parentCtx context.Context, dest string, msg *domain.Message, authorize bool) domain.Outcome {
	if authorize {
		if v := r.enforcer.Authorize(msg.From, dest); !v.Allowed() {
			return r.rejectedOutcome(msg, v)
		}
	}

	rec, err := r.directory.Resolve(dest)
	if err != nil {
		r.auditDeliveryFailure(msg)
		return domain.Failed(domain.OutcomeUnknownAgent, 0,
			fmt.Sprintf("recipient %q is not registered", dest))
	}

	env := r.nextEnvelope(msg, dest)
	attempts, deliverErr := r.deliverWithRetry(ctx, rec, env)
	if deliverErr != nil {
		r.auditDeliveryFailure(msg)
		return domain.Failed(r.failureKind(ctx, parentCtx, deliverErr), attempts, deliverErr.Error())
	}

	// Терминальный успех — в журнал (тип события = тип сообщения)
	if auditableType(msg.Type) {
		r.ledger.Append(string(msg.Type), msg.From, msg.MessageID, msg.Data)
	}
	return domain.Delivered(attempts)
}

// deliverWithRetry выполняет попытки доставки одного конверта под
// предохранителем получателя. Возвращает фактическое число попыток.
// Слои намеренно вложены именно так: CB снаружи, retry внутри — серия
// повторов засчитывается предохранителю как один результат.
func (r *Router) deliverWithRetry(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) (int, error) {
	pol := r.retryPolicy(env.Message)
	attempts := 0
	var permErr error

	_, err := r.tracker.Execute(rec.ID, func() (*domain.Message, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(pol.MaxRetries)+1),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return r.backoffDelay(pol, n, err)
			}),
		)

		retryErr := rt.Do(func() error {
			attempts++

			// Бюджет одной попытки: зависший получатель не съедает
			// весь дедлайн запроса
			aCtx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
			defer cancel()

			callErr := r.transport.Deliver(aCtx, rec, env)
			if callErr == nil {
				r.metrics.DeliveryAttempts.WithLabelValues("success").Inc()
				return nil
			}
			r.metrics.DeliveryAttempts.WithLabelValues("failure").Inc()

			// Контрактный отказ получателя повторять бессмысленно
			if connectors.IsPermanent(callErr) {
				permErr = callErr
				return nil
			}
			return callErr
		})

		if permErr != nil {
			return nil, permErr
		}
		return nil, retryErr
	})

	return attempts, err
}

// backoffDelay: Retry-After получателя > политика сообщения > дефолт.
func (r *Router) backoffDelay(pol domain.RetryPolicy, n uint, err error) time.Duration {
	// Если получатель сам попросил паузу (Retry-After) — уважаем ее
	var tErr *connectors.ThrottleError
	if errors.As(err, &tErr) {
		return tErr.RetryAfter
	}

	delay := time.Duration(pol.BackoffMs) * time.Millisecond
	if pol.Exponential {
		for i := uint(0); i < n && delay < r.cfg.Retry.MaxBackoff; i++ {
			delay *= 2
		}
	}
	if delay > r.cfg.Retry.MaxBackoff {
		delay = r.cfg.Retry.MaxBackoff
	}
	return delay
}

// requestFailure превращает ошибку доставки запроса в типизированный
// исход. Открытый предохранитель — шанс отдать last-good из кэша.
func (r *Router) requestFailure(reqCtx, parentCtx context.Context, msg *domain.Message, dest string, entry *inflightSend, attempts int, err error) domain.Outcome {
	if errors.Is(err, domain.ErrDestinationUnavailable) {
		if msg.Type == domain.TypeDataRequest {
			if cached, ok := r.cache.Get(r.runCtx, dest); ok {
				r.metrics.FallbackServes.Inc()
				r.logger.Info("serving last-good response: circuit open",
					zap.String("destination", dest),
					zap.String("message_id", msg.MessageID),
				)
				return domain.ServedFromCache(cached)
			}
		}
		r.auditDeliveryFailure(msg)
		return domain.Failed(domain.OutcomeDestinationUnavailable, attempts, err.Error())
	}

	if entry.lost.Load() {
		r.auditDeliveryFailure(msg)
		return domain.Failed(domain.OutcomeDestinationUnavailable, attempts, "agent lost during delivery")
	}

	r.auditDeliveryFailure(msg)
	return domain.Failed(r.failureKind(reqCtx, parentCtx, err), attempts, err.Error())
}

// failureKind классифицирует ошибку доставки. Таймаут отдельной попытки
// (AckTimeout) — не таймаут операции: TIMEOUT только при исчерпании
// бюджета запроса целиком.
func (r *Router) failureKind(reqCtx, parentCtx context.Context, err error) domain.OutcomeKind {
	switch {
	case errors.Is(parentCtx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return domain.OutcomeCancelled
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return domain.OutcomeTimeout
	default:
		return domain.OutcomeDeliveryFailed
	}
}

// waitInterrupted различает три причины прерванного ожидания ответа:
// потеря агента, отмена вызывающего, исчерпанный дедлайн.
func (r *Router) waitInterrupted(parentCtx context.Context, dest string, entry *inflightSend, attempts int) domain.Outcome {
	switch {
	case entry.lost.Load():
		return domain.Failed(domain.OutcomeDestinationUnavailable, attempts,
			fmt.Sprintf("agent %q lost while awaiting response", dest))
	case parentCtx.Err() != nil && errors.Is(parentCtx.Err(), context.Canceled):
		return domain.Failed(domain.OutcomeCancelled, attempts, "cancelled by caller")
	default:
		return domain.Failed(domain.OutcomeTimeout, attempts,
			fmt.Sprintf("no response from %q before deadline", dest))
	}
}

// rejectedOutcome: отказ авторизации. Ноль попыток доставки, запись
// об отклонении в журнале.
func (r *Router) rejectedOutcome(msg *domain.Message, v domain.Verdict) domain.Outcome {
	r.logger.Warn("send rejected by routing policy",
		zap.String("from", msg.From),
		zap.Strings("to", msg.To),
		zap.String("message_type", string(msg.Type)),
		zap.String("effect", string(v.Effect)),
		zap.String("reason", v.Reason),
	)
	r.auditRejection(msg, v.Reason)

	if v.Effect == domain.EffectQuarantine {
		return domain.Failed(domain.OutcomeDestinationUnavailable, 0, v.Reason)
	}
	return domain.Failed(domain.OutcomeRoutingUnauthorized, 0, v.Reason)
}

func (r *Router) auditRejection(msg *domain.Message, reason string) {
	payload, _ := json.Marshal(map[string]any{
		"messageType": msg.Type,
		"to":          msg.To,
		"reason":      reason,
	})
	r.ledger.Append(domain.AuditRoutingRejected, msg.From, msg.MessageID, payload)
}

// auditDeliveryFailure пишет DELIVERY_FAILED для аудируемых типов.
// Отказ DATA_REQUEST остается только в исходе отправителя.
func (r *Router) auditDeliveryFailure(msg *domain.Message) {
	if !auditableType(msg.Type) && msg.Type != domain.TypeApprovalRequest {
		return
	}
	r.ledger.Append(domain.AuditDeliveryFailed, msg.From, msg.MessageID, msg.Data)
}

// auditableType: типы, чья успешная доставка — событие журнала.
func auditableType(t domain.MessageType) bool {
	switch t {
	case domain.TypeDecision, domain.TypeEvent, domain.TypeApprovalResponse:
		return true
	}
	return false
}

// nextEnvelope упаковывает сообщение в конверт пары. Номер выдается
// один раз: повторные попытки доставки несут тот же конверт, и
// получатель гасит их как дубли нумерации.
func (r *Router) nextEnvelope(msg *domain.Message, dest string) *domain.Envelope {
	if msg.Type.IsResponse() {
		return &domain.Envelope{Sequence: 0, Message: msg}
	}

	r.outMu.Lock()
	key := pairKey(msg.From, dest)
	r.outSeq[key]++
	seqNo := r.outSeq[key]
	r.outMu.Unlock()

	return &domain.Envelope{Sequence: seqNo, Message: msg}
}

func (r *Router) retryPolicy(msg *domain.Message) domain.RetryPolicy {
	if msg.Retry != nil {
		return *msg.Retry
	}
	return domain.RetryPolicy{
		MaxRetries:  r.cfg.Retry.MaxRetries,
		BackoffMs:   r.cfg.Retry.BackoffMs,
		Exponential: r.cfg.Retry.Exponential,
	}
}

func (r *Router) requestTimeout(msg *domain.Message) time.Duration {
	if msg.TimeoutSeconds > 0 {
		return time.Duration(msg.TimeoutSeconds) * time.Second
	}
	return time.Duration(r.cfg.DefaultTimeoutSec) * time.Second
}

func (r *Router) trackInflight(dest string, cancel context.CancelFunc) (*inflightSend, func()) {
	entry := &inflightSend{cancel: cancel}

	r.inflightMu.Lock()
	r.inflightID++
	id := r.inflightID
	byDest, ok := r.inflight[dest]
	if !ok {
		byDest = make(map[uint64]*inflightSend)
		r.inflight[dest] = byDest
	}
	byDest[id] = entry
	r.inflightMu.Unlock()

	release := func() {
		r.inflightMu.Lock()
		if byDest, ok := r.inflight[dest]; ok {
			delete(byDest, id)
			if len(byDest) == 0 {
				delete(r.inflight, dest)
			}
		}
		r.inflightMu.Unlock()
	}
	return entry, release
}

// Receive — приемная сторона транспорта (InboundSink). Ответы закрывают
// ожидающие корреляции, остальное уходит в упорядочиватель пары.
func (r *Router) Receive(_ context.Context, recipient string, env *domain.Envelope) error {
	if env == nil || env.Message == nil {
		return fmt.Errorf("router: empty envelope")
	}
	msg := env.Message
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("router: malformed inbound message: %w", err)
	}

	if msg.Type.IsResponse() {
		if !r.pending.complete(msg.Correlation(), msg) {
			// Опоздавший после дедлайна или неизвестный ответ:
			// фиксируем аномалию и отбрасываем
			r.logger.Warn("late or unmatched response dropped",
				zap.String("correlation_id", msg.Correlation()),
				zap.String("from", msg.From),
			)
		}
		return nil
	}

	r.seq.Accept(recipient, env)
	return nil
}

// dispatchLocal — точка вручения конверта локальному обработчику.
// Вызывается упорядочивателем строго последовательно внутри пары.
func (r *Router) dispatchLocal(recipient string, env *domain.Envelope) {
	msg := env.Message

	// Окно идемпотентности: дубль не доходит до обработчика, но ранее
	// вычисленный ответ повторяется (восстановление потерянного ack)
	if msg.IdempotencyKey != "" {
		if prevReply, seen := r.dedupe.Lookup(msg.From, msg.IdempotencyKey); seen {
			r.metrics.DuplicatesSuppressed.Inc()
			r.logger.Info("duplicate suppressed by idempotency window",
				zap.String("message_id", msg.MessageID),
				zap.String("from", msg.From),
				zap.String("idempotency_key", msg.IdempotencyKey),
			)
			if prevReply != nil && msg.Type.IsRequest() {
				r.routeReply(prevReply)
			}
			return
		}
	}

	handler := r.handlerFor(recipient, msg.Type)

	var reply *domain.Message
	if handler == nil {
		r.logger.Warn("no local handler for inbound message",
			zap.String("recipient", recipient),
			zap.String("message_type", string(msg.Type)),
		)
		if msg.Type.IsRequest() {
			reply = domain.NewResponse(msg, domain.StatusFailure, nil,
				fmt.Sprintf("agent %q has no handler for %s", recipient, msg.Type))
		}
	} else {
		hCtx, cancel := context.WithTimeout(r.runCtx, r.requestTimeout(msg))
		res, err := handler(hCtx, msg)
		cancel()

		switch {
		case err != nil && msg.Type.IsRequest():
			reply = domain.NewResponse(msg, domain.StatusFailure, nil, err.Error())
		case err != nil:
			r.logger.Error("handler failed",
				zap.String("recipient", recipient),
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
		default:
			reply = res
		}
	}

	if msg.IdempotencyKey != "" {
		r.dedupe.Store(msg.From, msg.IdempotencyKey, reply)
	}
	if reply != nil {
		r.routeReply(reply)
	}
}

func (r *Router) routeReply(reply *domain.Message) {
	out, err := r.Send(r.runCtx, reply)
	if err != nil {
		r.logger.Error("reply rejected by contract", zap.Error(err))
		return
	}
	if !out.OK {
		r.logger.Warn("reply delivery failed",
			zap.String("in_response_to", reply.InResponseTo),
			zap.String("kind", string(out.Kind)),
			zap.String("reason", out.Reason),
		)
	}
}

func (r *Router) handlerFor(recipient string, t domain.MessageType) Handler {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	if byType, ok := r.subs[recipient]; ok {
		return byType[t]
	}
	return nil
}

// Subscribe регистрирует обработчик входящих сообщений агента.
// Пустой список типов подписывает на все вручаемые типы; ответы
// вручаются через корреляцию и подписки не имеют.
func (r *Router) Subscribe(agentID string, types []domain.MessageType, h Handler) error {
	if agentID == "" || h == nil {
		return fmt.Errorf("router: subscribe requires agent id and handler")
	}
	if len(types) == 0 {
		types = []domain.MessageType{
			domain.TypeDataRequest, domain.TypeDecision,
			domain.TypeEvent, domain.TypeApprovalRequest,
		}
	}
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("router: unknown message type %q", t)
		}
		if t.IsResponse() {
			return fmt.Errorf("router: responses are matched by correlation, not subscription")
		}
	}

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	byType, ok := r.subs[agentID]
	if !ok {
		byType = make(map[domain.MessageType]Handler, len(types))
		r.subs[agentID] = byType
	}
	for _, t := range types {
		byType[t] = h
	}
	return nil
}

// Unsubscribe снимает все подписки агента.
func (r *Router) Unsubscribe(agentID string) {
	r.subsMu.Lock()
	delete(r.subs, agentID)
	r.subsMu.Unlock()
}

// OnAgentLost — реакция на выбытие агента из реестра: гасим ожидающие
// отправки, сбрасываем состояние доставки и фиксируем выбытие в журнале.
// Подключается через registry.OnLost.
func (r *Router) OnAgentLost(l domain.AgentLost) {
	// 1. Fail-fast для ожидающих: флаг до cancel, чтобы Send отличил
	// потерю агента от обычного таймаута
	r.inflightMu.Lock()
	cancelled := len(r.inflight[l.AgentID])
	for _, e := range r.inflight[l.AgentID] {
		e.lost.Store(true)
		e.cancel()
	}
	delete(r.inflight, l.AgentID)
	r.inflightMu.Unlock()

	// 2. Нумерация пар и здоровье получателя начинают с чистого листа
	// при перерегистрации
	r.outMu.Lock()
	for key := range r.outSeq {
		if keyRecipient(key) == l.AgentID {
			delete(r.outSeq, key)
		}
	}
	r.outMu.Unlock()

	r.seq.ForgetPeer(l.AgentID)
	r.tracker.Forget(l.AgentID)
	r.cache.Forget(r.runCtx, l.AgentID)

	// 3. Выбытие — событие журнала
	payload, _ := json.Marshal(l)
	r.ledger.Append(domain.AuditAgentLost, "registry", l.AgentID, payload)

	r.logger.Warn("agent lost",
		zap.String("agent_id", l.AgentID),
		zap.String("reason", l.Reason),
		zap.Int("inflight_cancelled", cancelled),
	)
}

// PendingRequests — число ожидающих корреляций (диагностика).
func (r *Router) PendingRequests() int {
	return r.pending.size()
}
