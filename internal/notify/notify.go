// Package notify delivers best-effort notifications to participants.
// Delivery is fire-and-forget: a failed or slow notification is logged
// and dropped, never allowed to roll back or delay a wallet mutation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Notifier sends one notification. Implementations must return quickly;
// anything slow happens on a background goroutine.
type Notifier interface {
	Notify(ctx context.Context, toID, event string, payload map[string]any)
}

// LogNotifier records notifications in the log. Used when no delivery
// endpoint is configured and as the development default.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, toID, event string, payload map[string]any) {
	n.logger.Info("notification", "to", toID, "event", event, "payload", payload)
}

// HTTPNotifier posts notifications to an external notification service.
// The post happens asynchronously with its own timeout, detached from
// the caller's context so request cancellation cannot interrupt it.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPNotifier(endpoint string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, toID, event string, payload map[string]any) {
	body, err := json.Marshal(map[string]any{
		"to":      toID,
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		n.logger.Warn("notification marshal failed", "event", event, "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			n.logger.Warn("notification request failed", "event", event, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("notification delivery failed", "to", toID, "event", event, "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.Warn("notification rejected", "to", toID, "event", event, "status", resp.StatusCode)
		}
	}()
}
