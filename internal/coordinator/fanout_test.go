package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

func newTestCoordinator(maxConcurrent int) *Coordinator {
	return NewCoordinator(
		infra.FanoutConfig{MaxConcurrent: maxConcurrent},
		metrics.NewMetrics(nil),
		zap.NewNop(),
	)
}

// ctxAwareTask завершается через d или возвращает типизированное
// прерывание, как это делает настоящий Send.
func ctxAwareTask(id string, d time.Duration, out domain.Outcome) Task {
	return Task{
		ID: id,
		Run: func(ctx context.Context) domain.Outcome {
			select {
			case <-time.After(d):
				return out
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return domain.Failed(domain.OutcomeTimeout, 0, "deadline")
				}
				return domain.Failed(domain.OutcomeCancelled, 0, "cancelled")
			}
		},
	}
}

func TestFanOutAllReturnsEveryOutcome(t *testing.T) {
	c := newTestCoordinator(8)

	tasks := []Task{
		ctxAwareTask("t1", 10*time.Millisecond, domain.Delivered(1)),
		ctxAwareTask("t2", 20*time.Millisecond, domain.Failed(domain.OutcomeDeliveryFailed, 3, "boom")),
		ctxAwareTask("t3", 5*time.Millisecond, domain.Delivered(1)),
	}

	results := c.FanOutAll(context.Background(), time.Second, tasks)

	require.Len(t, results, 3)
	// Порядок результатов совпадает с порядком задач
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, "t2", results[1].TaskID)
	assert.Equal(t, "t3", results[2].TaskID)
	assert.True(t, results[0].Outcome.OK)
	assert.Equal(t, domain.OutcomeDeliveryFailed, results[1].Outcome.Kind)
	assert.True(t, results[2].Outcome.OK)
}

func TestFanOutAllDeadlineKeepsFullSet(t *testing.T) {
	c := newTestCoordinator(8)

	tasks := []Task{
		ctxAwareTask("fast", 10*time.Millisecond, domain.Delivered(1)),
		ctxAwareTask("slow-1", 500*time.Millisecond, domain.Delivered(1)),
		ctxAwareTask("slow-2", 500*time.Millisecond, domain.Delivered(1)),
	}

	results := c.FanOutAll(context.Background(), 100*time.Millisecond, tasks)

	require.Len(t, results, 3, "дедлайн не создает дыр в наборе исходов")
	assert.True(t, results[0].Outcome.OK)
	assert.Equal(t, domain.OutcomeTimeout, results[1].Outcome.Kind)
	assert.Equal(t, domain.OutcomeTimeout, results[2].Outcome.Kind)
}

func TestFanOutAllCancelDistinctFromTimeout(t *testing.T) {
	c := newTestCoordinator(8)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	tasks := []Task{
		ctxAwareTask("slow", 500*time.Millisecond, domain.Delivered(1)),
	}
	results := c.FanOutAll(ctx, time.Second, tasks)

	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeCancelled, results[0].Outcome.Kind,
		"отмена вызывающего не должна выглядеть как таймаут")
}

func TestFanOutAllHonorsAdmissionLimit(t *testing.T) {
	c := newTestCoordinator(2)

	var inflight, peak int32
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{
			ID: fmt.Sprintf("t%d", i),
			Run: func(context.Context) domain.Outcome {
				cur := atomic.AddInt32(&inflight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&inflight, -1)
				return domain.Delivered(1)
			},
		}
	}

	results := c.FanOutAll(context.Background(), time.Second, tasks)

	require.Len(t, results, 6)
	for _, res := range results {
		assert.True(t, res.Outcome.OK)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFanOutFirstWinnerCancelsRest(t *testing.T) {
	c := newTestCoordinator(8)

	var mu sync.Mutex
	cancelledLosers := 0

	loser := func(id string) Task {
		return Task{
			ID: id,
			Run: func(ctx context.Context) domain.Outcome {
				<-ctx.Done()
				mu.Lock()
				cancelledLosers++
				mu.Unlock()
				return domain.Failed(domain.OutcomeCancelled, 0, "cancelled")
			},
		}
	}

	tasks := []Task{
		loser("loser-1"),
		ctxAwareTask("winner", 30*time.Millisecond, domain.Delivered(1)),
		loser("loser-2"),
	}

	res, err := c.FanOutFirst(context.Background(), time.Second, tasks)

	require.NoError(t, err)
	assert.Equal(t, "winner", res.TaskID)
	assert.True(t, res.Outcome.OK)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelledLosers == 2
	}, 2*time.Second, 10*time.Millisecond, "проигравшие должны быть отменены")
}

func TestFanOutFirstAllFailed(t *testing.T) {
	c := newTestCoordinator(8)

	tasks := []Task{
		ctxAwareTask("t1", 5*time.Millisecond, domain.Failed(domain.OutcomeDeliveryFailed, 1, "a")),
		ctxAwareTask("t2", 5*time.Millisecond, domain.Failed(domain.OutcomeTimeout, 1, "b")),
	}

	_, err := c.FanOutFirst(context.Background(), time.Second, tasks)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 tasks failed")
}

func TestFanOutFirstNoTasks(t *testing.T) {
	c := newTestCoordinator(8)
	_, err := c.FanOutFirst(context.Background(), time.Second, nil)
	require.Error(t, err)
}

type senderStub struct {
	out domain.Outcome
	err error
}

func (s *senderStub) Send(context.Context, *domain.Message) (domain.Outcome, error) {
	return s.out, s.err
}

func TestMessageTaskWrapsSend(t *testing.T) {
	msg := domain.NewRequest(domain.TypeDataRequest, "agent-a", "agent-b",
		json.RawMessage(`{}`), 1)

	ok := MessageTask(&senderStub{out: domain.Delivered(1)}, msg)
	assert.Equal(t, msg.MessageID, ok.ID)
	out := ok.Run(context.Background())
	assert.True(t, out.OK)

	// Контрактная ошибка не рвет набор результатов, а становится исходом
	bad := MessageTask(&senderStub{err: errors.New("invalid message")}, msg)
	out = bad.Run(context.Background())
	assert.False(t, out.OK)
	assert.Equal(t, domain.OutcomeDeliveryFailed, out.Kind)
	assert.Contains(t, out.Reason, "invalid message")
}
