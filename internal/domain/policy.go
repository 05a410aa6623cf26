package domain

import "time"

// PolicyEffect — вердикт авторизации маршрута.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "ALLOW" // Доставлять
	EffectDeny  PolicyEffect = "DENY"  // Отклонить без попыток доставки

	// EffectQuarantine — динамический запрет: получатель выведен из
	// оборота оператором, трафик к нему отклоняется до снятия карантина
	EffectQuarantine PolicyEffect = "QUARANTINE"
)

// RoutingPolicy — правило маршрутизации для получателя: кто имеет право
// ему отправлять (allow-list acceptsFrom) и требуется ли HITL-контроль.
type RoutingPolicy struct {
	ID          string   `json:"id"`
	Destination string   `json:"destination"` // "*" — правило по умолчанию
	AcceptsFrom []string `json:"accepts_from"`

	// RequiresApproval подсвечивает трафик к получателю в очереди
	// ревью (метаданные для Console, hot path не трогает)
	RequiresApproval bool `json:"requires_approval"`
	Quarantined      bool `json:"quarantined"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Accepts проверяет отправителя по allow-list. Пустой список означает
// «принимаю всех», звездочка — явный wildcard.
func (p *RoutingPolicy) Accepts(from string) bool {
	if p == nil || len(p.AcceptsFrom) == 0 {
		return true
	}
	for _, a := range p.AcceptsFrom {
		if a == "*" || a == from {
			return true
		}
	}
	return false
}

// Verdict — результат авторизации с причиной для журнала отказов.
type Verdict struct {
	Effect PolicyEffect
	Reason string
}

// Allowed — короткая проверка для hot path.
func (v Verdict) Allowed() bool {
	return v.Effect == EffectAllow
}
