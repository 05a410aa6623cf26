package domain

// UnifiedDashboard — агрегированная сводка для Console API.
type UnifiedDashboard struct {
	Traffic   TrafficStats  `json:"traffic"`   // Поток сообщений
	Registry  RegistryStats `json:"registry"`  // Состояние реестра
	Incidents IncidentStats `json:"incidents"` // Отказы и карантин
	Approvals ApprovalStats `json:"approvals"` // Очередь HITL
}

type TrafficStats struct {
	LedgerEntries   int64   `json:"ledger_entries"`
	DeliveredLast1h int64   `json:"delivered_last_1h"`
	FailedLast1h    int64   `json:"failed_last_1h"`
	EntriesPerSec   float64 `json:"entries_per_sec"`
}

type RegistryStats struct {
	KnownAgents int `json:"known_agents"`
	LiveAgents  int `json:"live_agents"`
	LostLast24h int `json:"lost_last_24h"`
}

type IncidentStats struct {
	RejectedLast1h   int64 `json:"rejected_last_1h"`
	QuarantinedDests int   `json:"quarantined_destinations"`
}

type ApprovalStats struct {
	Pending  int `json:"pending"`
	Decided  int `json:"decided"`
	Override int `json:"override"`
}
