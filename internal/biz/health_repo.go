package biz

import (
	"context"
	"time"

	"RouteLane/internal/data"
	"RouteLane/internal/model"
)

// HealthRepo defines the provider health repository interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.HealthRepo).
type HealthRepo interface {
	Get(ctx context.Context, key model.ProviderKey) (*data.ProviderHealth, error)
	GetOrCreate(ctx context.Context, key model.ProviderKey, defaults *data.ProviderHealth) (*data.ProviderHealth, error)
	CompareAndSwap(ctx context.Context, rec *data.ProviderHealth) (bool, error)
	List(ctx context.Context, tenantID *int64) ([]*data.ProviderHealth, error)
	GetMany(ctx context.Context, tenantID int64, providers []string) (map[string]*data.ProviderHealth, error)

	AcquireTrialSlot(ctx context.Context, key model.ProviderKey, ttl time.Duration) (bool, error)
	ReleaseTrialSlot(ctx context.Context, key model.ProviderKey)
	IncrActive(ctx context.Context, key model.ProviderKey) int64
	DecrActive(ctx context.Context, key model.ProviderKey)
	GetActive(ctx context.Context, key model.ProviderKey) (int64, error)
	CleanupStaleCounters(ctx context.Context) int
}

// EventLog defines the append-only provider health history interface.
// Append must never block the request path; List serves the admin surface.
type EventLog interface {
	Append(ctx context.Context, ev *model.HealthEvent)
	List(ctx context.Context, filter *data.EventFilter) ([]*data.HealthEventRecord, error)
}
