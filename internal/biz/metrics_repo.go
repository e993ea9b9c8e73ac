package biz

import (
	"context"
	"time"

	"RouteLane/internal/data"
)

// BucketRepo defines the windowed traffic metrics interface. Writes are
// atomic upserts keyed on (tenant, group, provider, bucket type, bucket).
type BucketRepo interface {
	Record(ctx context.Context, tenantID int64, group, provider string, bucketType data.BucketType, bucket time.Time, success bool, latencyMs int64) error
	ListGroup(ctx context.Context, tenantID int64, group string, bucketType data.BucketType, bucket time.Time) ([]*data.LoadBalancerBucket, error)
	ListRange(ctx context.Context, tenantID int64, group string, bucketType data.BucketType, from, to time.Time) ([]*data.LoadBalancerBucket, error)
}
