package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// HTTPTransport доставляет конверты во входящие ящики удалённых агентов:
// POST {endpoint}/v1/inbox/{agent_id}. Успешный статус означает ack -
// получатель принял конверт к обработке (не факт обработки).
type HTTPTransport struct {
	client *http.Client
	logger *zap.Logger
}

func NewHTTPTransport(timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		// Защитный предел на весь вызов, даже если у ctx дедлайн длиннее
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("mod", "http_transport")),
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, rec domain.AgentRecord, env *domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal envelope: %w", err))
	}

	url := strings.TrimRight(rec.Endpoint, "/") + "/v1/inbox/" + rec.ID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build inbox request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// Сетевые сбои и таймауты отдаём ретраеру как есть
		return fmt.Errorf("deliver to %q: %w", rec.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // вычитка тела ради keep-alive

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("agent %q throttled inbox delivery", rec.ID),
		}

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return fmt.Errorf("agent %q failed to accept delivery: status %d", rec.ID, resp.StatusCode)

	default:
		// Остальные 4xx - контрактный отказ, повторять бессмысленно
		return Permanent(fmt.Errorf("agent %q refused delivery: status %d", rec.ID, resp.StatusCode))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}
