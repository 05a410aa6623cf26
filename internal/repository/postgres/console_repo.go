package postgres

import (
	"context"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

func (r *Repo) GetUnifiedDashboard(ctx context.Context) (*domain.UnifiedDashboard, error) {
	d := &domain.UnifiedDashboard{}

	// 1. Поток сообщений из архива журнала за последние 60 минут.
	// Доставки журналируются с типом исходного сообщения, поэтому
	// «доставлено» = всё, что не отказ и не административное событие.
	var lastHour int64
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE timestamp > NOW() - INTERVAL '60 minutes'),
			COUNT(*) FILTER (WHERE timestamp > NOW() - INTERVAL '60 minutes'
				AND event_type NOT IN ('DELIVERY_FAILED', 'ROUTING_REJECTED', 'AGENT_REGISTERED', 'AGENT_LOST', 'APPROVAL_DECISION', 'APPROVAL_OVERRIDE')),
			COUNT(*) FILTER (WHERE timestamp > NOW() - INTERVAL '60 minutes' AND event_type = 'DELIVERY_FAILED'),
			COUNT(*) FILTER (WHERE timestamp > NOW() - INTERVAL '60 minutes' AND event_type = 'ROUTING_REJECTED')
		FROM ledger_entries`).Scan(
		&d.Traffic.LedgerEntries,
		&lastHour,
		&d.Traffic.DeliveredLast1h,
		&d.Traffic.FailedLast1h,
		&d.Incidents.RejectedLast1h,
	)
	if err != nil {
		return nil, err
	}

	// Скорость потока = записи за час / 3600
	d.Traffic.EntriesPerSec = float64(lastHour) / 3600

	// 2. Состояние зеркала реестра
	err = r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active' AND lease_expiry > NOW()),
			COUNT(*) FILTER (WHERE status = 'lost' AND lost_at > NOW() - INTERVAL '24 hours')
		FROM agents`).Scan(&d.Registry.KnownAgents, &d.Registry.LiveAgents, &d.Registry.LostLast24h)
	if err != nil {
		return nil, err
	}

	// 3. Карантин получателей
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM routing_policies WHERE quarantined`).Scan(&d.Incidents.QuarantinedDests)
	if err != nil {
		return nil, err
	}

	// 4. Очередь HITL
	err = r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status <> 'PENDING'),
			COUNT(*) FILTER (WHERE override)
		FROM approvals`).Scan(&d.Approvals.Pending, &d.Approvals.Decided, &d.Approvals.Override)

	return d, err
}
