package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/pkg/channels"
	"RouteLane/pkg/crypto"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// AlertNotifier delivers finalized notifications to the configured channel
// backend. Delivery success or failure never propagates back into alert
// evaluation; a failed POST is logged and the notification row stands.
type AlertNotifier struct {
	client  *http.Client
	url     string
	webhook bool
	signer  *crypto.Signer
	logger  *log.Helper
}

// NewNotifier creates the notifier selected by configuration: an HTTP
// webhook poster, or a log-only fallback when no webhook is configured.
func NewNotifier(c *conf.Alerts, logger log.Logger) *AlertNotifier {
	n := &AlertNotifier{
		logger: log.NewHelper(logger),
	}

	if c != nil && c.Delivery == "webhook" && c.WebhookURL != "" {
		n.webhook = true
		n.url = c.WebhookURL
		timeout := 10 * time.Second
		if c.WebhookTimeout != nil {
			timeout = c.WebhookTimeout.AsDuration()
		}
		n.client = &http.Client{Timeout: timeout}
		if c.WebhookSecret != "" {
			signer, err := crypto.NewSigner([]byte(c.WebhookSecret))
			if err == nil {
				n.signer = signer
			}
		}
	}

	return n
}

// webhookPayload is the JSON body posted to the webhook endpoint.
type webhookPayload struct {
	DeliveryID   string          `json:"delivery_id"`
	AlertType    string          `json:"alert_type"`
	Severity     string          `json:"severity"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Provider     string          `json:"provider,omitempty"`
	TenantID     *int64          `json:"tenant_id,omitempty"`
	Channels     json.RawMessage `json:"channels,omitempty"`
	GroupKey     string          `json:"group_key,omitempty"`
	IsGrouped    bool            `json:"is_grouped"`
	SimilarCount int32           `json:"similar_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Deliver hands a notification to the delivery channel.
func (s *AlertNotifier) Deliver(ctx context.Context, n *Notification) error {
	if !s.webhook {
		cl, _ := channels.Parse(n.Channels)
		s.logger.Infow("alert notification (webhook delivery disabled)",
			"alert_type", n.AlertType,
			"severity", n.Severity,
			"provider", n.Provider,
			"title", n.Title,
			"channels", cl.Names(),
			"similar_count", n.SimilarCount)
		return nil
	}

	payload := webhookPayload{
		DeliveryID:   uuid.NewString(),
		AlertType:    n.AlertType,
		Severity:     n.Severity,
		Title:        n.Title,
		Body:         n.Body,
		Provider:     n.Provider,
		TenantID:     n.TenantID,
		GroupKey:     n.GroupKey,
		IsGrouped:    n.IsGrouped,
		SimilarCount: n.SimilarCount,
		CreatedAt:    n.CreatedAt,
	}
	if n.Channels != "" {
		payload.Channels = json.RawMessage(n.Channels)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer != nil {
		req.Header.Set("X-Signature", s.signer.Sign(body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warnw("webhook delivery failed",
			"alert_type", n.AlertType,
			"delivery_id", payload.DeliveryID,
			"error", err)
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warnw("webhook delivery rejected",
			"alert_type", n.AlertType,
			"delivery_id", payload.DeliveryID,
			"status", resp.StatusCode)
		return fmt.Errorf("webhook delivery rejected with status %d", resp.StatusCode)
	}

	s.logger.Debugw("webhook delivered",
		"alert_type", n.AlertType,
		"delivery_id", payload.DeliveryID,
		"status", resp.StatusCode)
	return nil
}
