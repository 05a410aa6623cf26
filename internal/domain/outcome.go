package domain

import (
	"errors"
	"fmt"
)

// Таксономия ожидаемых отказов координационного слоя.
// Это НЕ исключения: Registry и Router возвращают их как типизированные
// исходы, чтобы fan-out всегда мог собрать полный набор результатов.
var (
	ErrUnknownAgent           = errors.New("unknown agent")
	ErrInvalidLease           = errors.New("invalid lease token")
	ErrDuplicateCapability    = errors.New("duplicate capability conflict")
	ErrRoutingUnauthorized    = errors.New("routing unauthorized")
	ErrTimeout                = errors.New("timeout")
	ErrCancelled              = errors.New("cancelled")
	ErrDeliveryFailed         = errors.New("delivery failed")
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrChainIntegrity         = errors.New("chain integrity violation")
)

// OutcomeKind — машиночитаемый код терминального исхода доставки.
type OutcomeKind string

const (
	OutcomeOK                     OutcomeKind = "OK"
	OutcomeUnknownAgent           OutcomeKind = "UNKNOWN_AGENT"
	OutcomeRoutingUnauthorized    OutcomeKind = "ROUTING_UNAUTHORIZED"
	OutcomeTimeout                OutcomeKind = "TIMEOUT"
	OutcomeCancelled              OutcomeKind = "CANCELLED"
	OutcomeDeliveryFailed         OutcomeKind = "DELIVERY_FAILED"
	OutcomeDestinationUnavailable OutcomeKind = "DESTINATION_UNAVAILABLE"
)

// Outcome — результат Send. Для запросных типов содержит коррелированный
// ответ, для событий фиксирует факт постановки в очередь доставки.
type Outcome struct {
	OK       bool        `json:"ok"`
	Kind     OutcomeKind `json:"kind"`
	Response *Message    `json:"response,omitempty"`
	// Attempts — сколько попыток доставки реально случилось
	// (0 для отказов до первой попытки: авторизация, kill-switch, открытый CB)
	Attempts  int    `json:"attempts"`
	FromCache bool   `json:"fromCache,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Err восстанавливает sentinel-ошибку по коду исхода (для errors.Is веток).
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeOK:
		return nil
	case OutcomeUnknownAgent:
		return ErrUnknownAgent
	case OutcomeRoutingUnauthorized:
		return ErrRoutingUnauthorized
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeCancelled:
		return ErrCancelled
	case OutcomeDestinationUnavailable:
		return ErrDestinationUnavailable
	case OutcomeDeliveryFailed:
		return ErrDeliveryFailed
	}
	return fmt.Errorf("outcome %s", o.Kind)
}

// Delivered — успешный терминальный исход без ответа (EVENT/DECISION).
func Delivered(attempts int) Outcome {
	return Outcome{OK: true, Kind: OutcomeOK, Attempts: attempts}
}

// Responded — успешный исход запроса с полученным ответом.
func Responded(resp *Message, attempts int) Outcome {
	return Outcome{OK: true, Kind: OutcomeOK, Response: resp, Attempts: attempts}
}

// Failed — типизированный отказ с причиной для логов и аудита.
func Failed(kind OutcomeKind, attempts int, reason string) Outcome {
	return Outcome{OK: false, Kind: kind, Attempts: attempts, Reason: reason}
}

// ServedFromCache — ответ из кэша последнего удачного ответа при
// открытом предохранителе: сеть не трогали, Attempts == 0.
func ServedFromCache(resp *Message) Outcome {
	return Outcome{OK: true, Kind: OutcomeOK, Response: resp, FromCache: true}
}
