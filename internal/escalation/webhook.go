package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

// WebhookNotifier posts escalation records as JSON to an on-call
// endpoint (PagerDuty-style receiver, chat bridge, or similar).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// NewWebhookNotifier creates a notifier for the given URL.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

type webhookPayload struct {
	IncidentID string `json:"incident_id"`
	Reason     string `json:"reason"`
	Severity   string `json:"severity"`
	Level      int    `json:"level"`
	CreatedAt  int64  `json:"created_at"`
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, rec domain.EscalationRecord) error {
	body, err := json.Marshal(webhookPayload{
		IncidentID: rec.IncidentID,
		Reason:     rec.Reason,
		Severity:   rec.Severity.String(),
		Level:      rec.Level,
		CreatedAt:  rec.CreatedAtUnix,
	})
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build escalation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post escalation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("escalation webhook returned %d", resp.StatusCode)
	}
	n.Logger.Debug("escalation delivered", "incident_id", rec.IncidentID, "level", rec.Level)
	return nil
}
