package domain

import "time"

// Типы событий журнала. Для доставленных сообщений тип события совпадает
// с типом сообщения (DECISION/EVENT/APPROVAL_RESPONSE), отказы и
// административные действия имеют собственные типы.
const (
	AuditDeliveryFailed   = "DELIVERY_FAILED"
	AuditRoutingRejected  = "ROUTING_REJECTED"
	AuditAgentRegistered  = "AGENT_REGISTERED"
	AuditAgentLost        = "AGENT_LOST"
	AuditApprovalDecision = "APPROVAL_DECISION"
	AuditApprovalOverride = "APPROVAL_OVERRIDE"
)

// AuditEntry — звено hash-цепочки. После записи не мутирует и не
// удаляется. Инвариант: entry(i).PrevHash == entry(i-1).Hash.
type AuditEntry struct {
	Seq           uint64    `json:"seq"`
	EventType     string    `json:"event_type"`
	Source        string    `json:"source"`
	Entity        string    `json:"entity"`
	PayloadDigest string    `json:"payload_digest"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditFilter — параметры выборки Query. Нулевые значения означают
// отсутствие фильтра по измерению.
type AuditFilter struct {
	Source    string
	EventType string
	From      time.Time
	To        time.Time
	FromSeq   uint64
	ToSeq     uint64
	Limit     int
}

// Match проверяет запись против фильтра (границы времени включительны).
func (f AuditFilter) Match(e *AuditEntry) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.FromSeq != 0 && e.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq != 0 && e.Seq > f.ToSeq {
		return false
	}
	return true
}
