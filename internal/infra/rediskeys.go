package infra

import "fmt"

const (
	// RedisNamespace — общий префикс ключей: несколько стендов могут делить один Redis
	RedisNamespace = "a2a"
)

// Ключи состояния (Sets / Strings)
const (
	RedisKeyQuarantineSet      = RedisNamespace + ":routing:quarantine_set"
	RedisKeyKillSwitch         = RedisNamespace + ":routing:kill_switch"
	RedisKeyLockQuarantineWarm = RedisNamespace + ":lock:warmup:quarantine"
	RedisKeyFallbackPrefix     = RedisNamespace + ":fallback:"

	// RedisKeyCircuitSnapshot — периодический слепок состояний
	// предохранителей; его читает Console (GET /api/circuits)
	RedisKeyCircuitSnapshot = RedisNamespace + ":circuit:snapshot"
)

// Сигнальные каналы Pub/Sub
const (
	// RedisChanApprovalDecisions — базовый канал трансляции решений
	// оператора (HITL); конкретная заявка слушает свой подканал
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	RedisChanKillSwitch        = RedisNamespace + ":routing:kill-switch-signal"
	RedisChanQuarantine        = RedisNamespace + ":routing:quarantine-signal"
	RedisChanPolicyUpdate      = RedisNamespace + ":routing:policy-update"
	RedisChanAgentState        = RedisNamespace + ":registry:agent-state"
)

// GetApprovalChannel — канал пробуждения для конкретной заявки.
// Шлюз, припарковавший APPROVAL_REQUEST, подписан ровно на него.
func GetApprovalChannel(correlationID string) string {
	return fmt.Sprintf("%s:corr:%s", RedisChanApprovalDecisions, correlationID)
}

// GetFallbackKey — ключ кэша последнего удачного ответа получателя.
func GetFallbackKey(destination string) string {
	return RedisKeyFallbackPrefix + destination
}
