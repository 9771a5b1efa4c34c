// Package callback posts outbound webhook notifications to client-registered
// URLs. Delivery is fire-and-forget: a single attempt with a bounded
// timeout, non-2xx responses logged and never retried.
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Sender issues callback POSTs with a shared HTTP client.
type Sender struct {
	client *resty.Client
	logger *zap.Logger
}

// NewSender builds a Sender with the given per-request timeout.
func NewSender(timeout time.Duration, logger *zap.Logger) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		client: resty.New().SetTimeout(timeout),
		logger: logger,
	}
}

// Send posts {event, data, timestamp} to url. It returns an error only for
// transport failures; non-2xx responses are logged and reported as errors
// so callers can count them, but are never retried.
func (s *Sender) Send(ctx context.Context, url, event string, data any, timestamp int64) error {
	body := map[string]any{
		"event":     event,
		"data":      data,
		"timestamp": timestamp,
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		s.logger.Error("callback post failed",
			zap.String("event", event),
			zap.String("url", url),
			zap.Error(err),
		)
		return fmt.Errorf("callback post: %w", err)
	}
	if !resp.IsSuccess() {
		s.logger.Warn("callback rejected",
			zap.String("event", event),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode()),
		)
		return fmt.Errorf("callback status %d", resp.StatusCode())
	}
	return nil
}
