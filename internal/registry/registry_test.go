package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

func newTestRegistry(cfg infra.RegistryConfig) (*Registry, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(cfg, nil, nil, metrics.NewMetrics(nil), zap.NewNop())
	r.clock = func() time.Time { return now }
	return r, &now
}

func defaultCfg() infra.RegistryConfig {
	return infra.RegistryConfig{
		LeaseTTL:      30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

func TestRegisterIssuesLease(t *testing.T) {
	r, now := newTestRegistry(defaultCfg())
	ctx := context.Background()

	token, err := r.Register(ctx, domain.AgentRecord{
		ID:           "billing-1",
		Capabilities: []string{"billing"},
		Endpoint:     "http://billing-1:8080",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rec, err := r.Resolve("billing-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), rec.LeaseExpiry)
	assert.Equal(t, *now, rec.LastHeartbeat)
	assert.Equal(t, *now, rec.RegisteredAt)
}

func TestRegisterRequiresID(t *testing.T) {
	r, _ := newTestRegistry(defaultCfg())

	_, err := r.Register(context.Background(), domain.AgentRecord{})
	require.Error(t, err)
}

func TestReRegisterInvalidatesOldToken(t *testing.T) {
	r, now := newTestRegistry(defaultCfg())
	ctx := context.Background()

	oldToken, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a"})
	require.NoError(t, err)

	*now = now.Add(5 * time.Second)
	newToken, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a"})
	require.NoError(t, err)
	require.NotEqual(t, oldToken, newToken)

	// Устаревший процесс не может продлить аренду новой копии
	_, err = r.Heartbeat(ctx, "agent-a", oldToken)
	assert.ErrorIs(t, err, domain.ErrInvalidLease)

	_, err = r.Heartbeat(ctx, "agent-a", newToken)
	assert.NoError(t, err)

	// Дата первой регистрации переживает перерегистрацию
	rec, err := r.Resolve("agent-a")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-5*time.Second), rec.RegisteredAt)
}

func TestSingleOwnerCapabilityConflict(t *testing.T) {
	cfg := defaultCfg()
	cfg.SingleOwnerCapabilities = []string{"treasury"}
	r, _ := newTestRegistry(cfg)
	ctx := context.Background()

	_, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a", Capabilities: []string{"treasury", "billing"}})
	require.NoError(t, err)

	// Чужая заявка на единоличную способность отклоняется
	_, err = r.Register(ctx, domain.AgentRecord{ID: "agent-b", Capabilities: []string{"treasury"}})
	assert.ErrorIs(t, err, domain.ErrDuplicateCapability)

	// Разделяемая способность конфликтов не создаёт
	_, err = r.Register(ctx, domain.AgentRecord{ID: "agent-b", Capabilities: []string{"billing"}})
	assert.NoError(t, err)

	// Владелец перерегистрируется без конфликта с самим собой
	_, err = r.Register(ctx, domain.AgentRecord{ID: "agent-a", Capabilities: []string{"treasury"}})
	assert.NoError(t, err)
}

func TestHeartbeatRenewsLease(t *testing.T) {
	r, now := newTestRegistry(defaultCfg())
	ctx := context.Background()

	token, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a"})
	require.NoError(t, err)

	*now = now.Add(20 * time.Second)
	expiry, err := r.Heartbeat(ctx, "agent-a", token)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), expiry)
}

func TestHeartbeatUnknownAndExpired(t *testing.T) {
	r, now := newTestRegistry(defaultCfg())
	ctx := context.Background()

	_, err := r.Heartbeat(ctx, "ghost", "tok")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	token, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a"})
	require.NoError(t, err)

	// Просроченная аренда равносильна отсутствию, даже до зачистки
	*now = now.Add(31 * time.Second)
	_, err = r.Heartbeat(ctx, "agent-a", token)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(defaultCfg())
	ctx := context.Background()

	token, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a"})
	require.NoError(t, err)

	var lostEvents []domain.AgentLost
	r.OnLost(func(l domain.AgentLost) { lostEvents = append(lostEvents, l) })

	require.NoError(t, r.Unregister(ctx, "agent-a", token))
	_, err = r.Resolve("agent-a")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	// Повторное снятие с учёта - не ошибка
	require.NoError(t, r.Unregister(ctx, "agent-a", token))

	require.Len(t, lostEvents, 1)
	assert.Equal(t, domain.LostReasonUnregistered, lostEvents[0].Reason)
}

func TestUnregisterRejectsForeignToken(t *testing.T) {
	r, _ := newTestRegistry(defaultCfg())
	ctx := context.Background()

	_, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a"})
	require.NoError(t, err)

	err = r.Unregister(ctx, "agent-a", "stale-token")
	assert.ErrorIs(t, err, domain.ErrInvalidLease)

	_, err = r.Resolve("agent-a")
	assert.NoError(t, err, "agent must survive a stale unregister")
}

func TestFindByCapabilityReturnsOnlyLiveAgents(t *testing.T) {
	r, now := newTestRegistry(defaultCfg())
	ctx := context.Background()

	_, err := r.Register(ctx, domain.AgentRecord{ID: "billing-1", Capabilities: []string{"billing"}})
	require.NoError(t, err)

	*now = now.Add(20 * time.Second)
	_, err = r.Register(ctx, domain.AgentRecord{ID: "billing-2", Capabilities: []string{"billing"}})
	require.NoError(t, err)

	got := r.FindByCapability("billing")
	assert.Len(t, got, 2)

	// Аренда billing-1 истекает (20+11 > 30), billing-2 ещё жив
	*now = now.Add(11 * time.Second)
	got = r.FindByCapability("billing")
	require.Len(t, got, 1)
	assert.Equal(t, "billing-2", got[0].ID)

	got = r.FindByCapability("unknown-cap")
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSweepEvictsExpiredAndNotifies(t *testing.T) {
	r, now := newTestRegistry(defaultCfg())
	ctx := context.Background()

	_, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a", Capabilities: []string{"billing"}})
	require.NoError(t, err)
	_, err = r.Register(ctx, domain.AgentRecord{ID: "agent-b"})
	require.NoError(t, err)

	var lostEvents []domain.AgentLost
	r.OnLost(func(l domain.AgentLost) { lostEvents = append(lostEvents, l) })

	// Аренды ещё живы - зачистка никого не трогает
	assert.Zero(t, r.SweepOnce(ctx))

	*now = now.Add(31 * time.Second)
	assert.Equal(t, 2, r.SweepOnce(ctx))

	assert.Empty(t, r.FindByCapability("billing"))
	_, err = r.Resolve("agent-a")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	require.Len(t, lostEvents, 2)
	for _, l := range lostEvents {
		assert.Equal(t, domain.LostReasonLeaseExpired, l.Reason)
	}

	// Повторная зачистка идемпотентна
	assert.Zero(t, r.SweepOnce(ctx))
}

func TestSnapshotCopiesRecords(t *testing.T) {
	r, _ := newTestRegistry(defaultCfg())
	ctx := context.Background()

	_, err := r.Register(ctx, domain.AgentRecord{ID: "agent-a", Capabilities: []string{"billing"}})
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	// Мутация снимка не протекает в реестр
	snap[0].Capabilities[0] = "forged"
	rec, err := r.Resolve("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "billing", rec.Capabilities[0])
}
