package syncing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultNotifyAttempts = 3
	defaultNotifyDelay    = time.Second
	defaultNotifyTimeout  = 10 * time.Second
)

// Notifier pushes change events to interested replicas.
type Notifier interface {
	Notify(ctx context.Context, event ChangeEvent)
}

// WebhookNotifier delivers change events to configured subscriber URLs.
// Delivery is best effort: transport failures and 5xx responses are retried
// with linearly increasing backoff up to a bounded attempt count, 4xx
// responses (a conflict among them) are never retried, and no failure ever
// rolls back the already-committed mutation.
type WebhookNotifier struct {
	targets     []string
	client      *http.Client
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// WebhookConfig describes the notifier construction parameters.
type WebhookConfig struct {
	Targets     []string
	Client      *http.Client
	Logger      *zap.Logger
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewWebhookNotifier constructs a notifier, falling back to defaults for zero
// values.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultNotifyTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultNotifyAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultNotifyDelay
	}
	return &WebhookNotifier{
		targets:     cfg.Targets,
		client:      client,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Notify posts the event to every configured target.
func (n *WebhookNotifier) Notify(ctx context.Context, event ChangeEvent) {
	if len(n.targets) == 0 {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("webhook payload encoding failed", zap.Error(err))
		return
	}
	for _, target := range n.targets {
		n.deliver(ctx, target, body)
	}
}

func (n *WebhookNotifier) deliver(ctx context.Context, target string, body []byte) {
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("webhook request construction failed",
				zap.String("target", target), zap.Error(err))
			return
		}
		request.Header.Set("Content-Type", "application/json")

		response, err := n.client.Do(request)
		if err == nil {
			statusCode := response.StatusCode
			response.Body.Close()
			if statusCode < 500 {
				if statusCode >= 400 {
					n.logger.Warn("webhook delivery rejected",
						zap.String("target", target), zap.Int("status", statusCode))
				}
				return
			}
			n.logger.Warn("webhook delivery failed",
				zap.String("target", target),
				zap.Int("status", statusCode),
				zap.Int("attempt", attempt))
		} else {
			n.logger.Warn("webhook delivery failed",
				zap.String("target", target),
				zap.Error(err),
				zap.Int("attempt", attempt))
		}

		if attempt == n.maxAttempts {
			n.logger.Error("webhook delivery abandoned",
				zap.String("target", target), zap.Int("attempts", n.maxAttempts))
			return
		}

		// Linear backoff: 1x, 2x, 3x the base delay.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * n.baseDelay):
		}
	}
}
