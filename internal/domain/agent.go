package domain

import "time"

// AgentRecord — запись реестра. Владеет ею исключительно Registry,
// наружу всегда отдаются копии (copy-on-read).
type AgentRecord struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	Endpoint     string    `json:"endpoint"`

	LeaseExpiry   time.Time `json:"lease_expiry"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`

	// Card — опциональный публичный паспорт агента для discovery
	Card *AgentCard `json:"card,omitempty"`
}

// LeaseAlive — жива ли аренда на данный момент времени.
func (r *AgentRecord) LeaseAlive(now time.Time) bool {
	return now.Before(r.LeaseExpiry)
}

// HasCapability — линейный поиск: наборы тегов у агентов короткие.
func (r *AgentRecord) HasCapability(tag string) bool {
	for _, c := range r.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone возвращает глубокую копию записи для безопасной выдачи наружу.
func (r *AgentRecord) Clone() AgentRecord {
	out := *r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Card != nil {
		card := r.Card.Clone()
		out.Card = &card
	}
	return out
}

// AgentCard — самоописание агента, публикуемое для обнаружения
// (well-known discovery). Формат стабилен для внешних потребителей.
type AgentCard struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	URL             string            `json:"url"`
	Version         string            `json:"version"`
	ProtocolVersion string            `json:"protocolVersion"`
	Capabilities    CardCapabilities  `json:"capabilities"`
	Skills          []AgentSkill      `json:"skills"`
}

// CardCapabilities — флаги поддерживаемых режимов взаимодействия.
type CardCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// AgentSkill — один навык из паспорта агента.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Clone — глубокая копия паспорта.
func (c *AgentCard) Clone() AgentCard {
	out := *c
	out.Skills = make([]AgentSkill, len(c.Skills))
	for i, s := range c.Skills {
		out.Skills[i] = s
		out.Skills[i].Tags = append([]string(nil), s.Tags...)
		out.Skills[i].Examples = append([]string(nil), s.Examples...)
	}
	return out
}

// Причины исчезновения агента из реестра.
const (
	LostReasonLeaseExpired = "lease_expired"
	LostReasonUnregistered = "unregistered"
)

// AgentLost — событие выбытия агента. Рассылается подписчикам
// (Router, Circuit Tracker), чтобы in-flight отправки падали быстро,
// а не ретраились в мертвый endpoint.
type AgentLost struct {
	AgentID string    `json:"agent_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}
