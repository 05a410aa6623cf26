package coordinator

/*
Coordinator — ограниченный fan-out поверх маршрутизатора.

Два режима:
  - FanOutAll: дождаться терминального исхода КАЖДОЙ задачи. Инвариант
    "ровно N исходов" держится даже при дедлайне и отмене — задача,
    не успевшая завершиться, получает типизированный TIMEOUT/CANCELLED,
    дыр в наборе результатов не бывает.
  - FanOutFirst: скачки — первый успех побеждает и отменяет остальных.

Допуск: общий потолок параллелизма (семафор), чтобы широкий fan-out
не выжирал соединения и воркеры у всего процесса разом.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/infra"
	"github.com/xela07ax/a2a-coord/internal/metrics"
)

// Sender — то, что умеет маршрутизатор. Координатору большего не нужно.
type Sender interface {
	Send(ctx context.Context, msg *domain.Message) (domain.Outcome, error)
}

// Task — единица fan-out. Run обязан уважать ctx и возвращать
// типизированный исход, а не ошибку.
type Task struct {
	ID  string
	Run func(ctx context.Context) domain.Outcome
}

// Result — исход одной задачи с фактической длительностью.
type Result struct {
	TaskID  string         `json:"task_id"`
	Outcome domain.Outcome `json:"outcome"`
	Elapsed time.Duration  `json:"elapsed"`
}

// MessageTask упаковывает отправку сообщения в задачу fan-out.
// Контрактная ошибка Send превращается в исход, чтобы не ломать
// инвариант полного набора результатов.
func MessageTask(s Sender, msg *domain.Message) Task {
	return Task{
		ID: msg.MessageID,
		Run: func(ctx context.Context) domain.Outcome {
			out, err := s.Send(ctx, msg)
			if err != nil {
				return domain.Failed(domain.OutcomeDeliveryFailed, 0, err.Error())
			}
			return out
		},
	}
}

type Coordinator struct {
	sem     chan struct{}
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewCoordinator(cfg infra.FanoutConfig, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Coordinator{
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		metrics: m,
		logger:  logger.Named("coordinator"),
	}
}

// FanOutAll запускает задачи параллельно и возвращает ровно len(tasks)
// результатов в порядке задач. timeout > 0 ограничивает весь набор.
func (c *Coordinator) FanOutAll(ctx context.Context, timeout time.Duration, tasks []Task) []Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		c.metrics.FanoutDuration.WithLabelValues("all").Observe(time.Since(start).Seconds())
	}()

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.runOne(ctx, tasks[i])
		}(i)
	}
	wg.Wait()

	return results
}

// FanOutFirst — первый успешный исход побеждает, проигравшие
// отменяются. Если не успел никто — сводная ошибка с перечнем отказов.
func (c *Coordinator) FanOutFirst(ctx context.Context, timeout time.Duration, tasks []Task) (Result, error) {
	if len(tasks) == 0 {
		return Result{}, fmt.Errorf("coordinator: no tasks to race")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		c.metrics.FanoutDuration.WithLabelValues("first").Observe(time.Since(start).Seconds())
	}()

	raceCtx, raceCancel := context.WithCancel(ctx)
	defer raceCancel()

	// Буфер на всех: проигравшие дописывают результат и не текут
	results := make(chan Result, len(tasks))
	for i := range tasks {
		go func(t Task) {
			results <- c.runOne(raceCtx, t)
		}(tasks[i])
	}

	var failures []string
	for i := 0; i < len(tasks); i++ {
		res := <-results
		if res.Outcome.OK {
			raceCancel()
			c.logger.Debug("race won",
				zap.String("task_id", res.TaskID),
				zap.Duration("elapsed", res.Elapsed),
				zap.Int("losers", len(tasks)-1),
			)
			return res, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %s", res.TaskID, res.Outcome.Kind))
	}
	return Result{}, fmt.Errorf("coordinator: all %d tasks failed: %s",
		len(tasks), strings.Join(failures, "; "))
}

func (c *Coordinator) runOne(ctx context.Context, t Task) Result {
	start := time.Now()

	// Допуск: глобальный потолок параллелизма процесса
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{
			TaskID:  t.ID,
			Outcome: interruptedOutcome(ctx, "interrupted before admission"),
			Elapsed: time.Since(start),
		}
	}
	defer func() { <-c.sem }()

	c.metrics.FanoutInflight.Inc()
	defer c.metrics.FanoutInflight.Dec()

	return Result{TaskID: t.ID, Outcome: t.Run(ctx), Elapsed: time.Since(start)}
}

// interruptedOutcome различает дедлайн набора и отмену вызывающего.
func interruptedOutcome(ctx context.Context, note string) domain.Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Failed(domain.OutcomeTimeout, 0, note)
	}
	return domain.Failed(domain.OutcomeCancelled, 0, note)
}
