package biz

import (
	"context"
	"time"

	"RouteLane/internal/data"
)

// AlertRepo defines the alert persistence interface: operator-authored
// configs, per-fingerprint throttle state, and emitted notifications.
type AlertRepo interface {
	ListEnabledConfigs(ctx context.Context, tenantID int64) ([]*data.AlertConfig, error)
	GetOrCreateThrottle(ctx context.Context, configID int64, throttleKey string, now time.Time) (*data.AlertThrottleState, error)
	CompareAndSwapThrottle(ctx context.Context, st *data.AlertThrottleState) (bool, error)
	CreateNotification(ctx context.Context, n *data.Notification) error
	FindRecentGrouped(ctx context.Context, groupKey string, since time.Time) (*data.Notification, error)
	IncrementSimilar(ctx context.Context, notificationID int64) error
	ListNotifications(ctx context.Context, tenantID int64, limit int) ([]*data.Notification, error)
}

// Notifier delivers an emitted notification to its configured channel.
// Delivery failures are logged, never propagated back into evaluation.
type Notifier interface {
	Deliver(ctx context.Context, n *data.Notification) error
}
