package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BucketType represents the database ENUM type for metric bucket width.
type BucketType string

// Bucket widths.
const (
	BucketHourly BucketType = "hourly"
	BucketDaily  BucketType = "daily"
)

// Truncate returns the bucket start for a timestamp, in UTC.
func (b BucketType) Truncate(t time.Time) time.Time {
	u := t.UTC()
	switch b {
	case BucketDaily:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return u.Truncate(time.Hour)
	}
}

// LoadBalancerBucket is the GORM model for the load_balancer_buckets table.
// One row per (tenant, group, provider, bucket_type, time_bucket); tenant_id
// 0 denotes global traffic so the unique index stays effective for upserts.
// Rows accumulate additively while the bucket window is open and are
// immutable afterwards. requests_percentage is never stored; it is computed
// at read time from the group total.
type LoadBalancerBucket struct {
	ID         int64      `gorm:"primaryKey;column:id"`
	TenantID   int64      `gorm:"column:tenant_id;default:0;not null;uniqueIndex:uniq_bucket"`
	GroupName  string     `gorm:"column:group_name;size:100;not null;uniqueIndex:uniq_bucket"`
	Provider   string     `gorm:"column:provider;size:100;not null;uniqueIndex:uniq_bucket"`
	BucketType BucketType `gorm:"column:bucket_type;type:enum('hourly','daily');not null;uniqueIndex:uniq_bucket"`
	TimeBucket time.Time  `gorm:"column:time_bucket;not null;uniqueIndex:uniq_bucket"`

	TotalRequests      int64   `gorm:"column:total_requests;default:0;not null"`
	SuccessfulRequests int64   `gorm:"column:successful_requests;default:0;not null"`
	FailedRequests     int64   `gorm:"column:failed_requests;default:0;not null"`
	MinLatencyMs       int64   `gorm:"column:min_latency_ms;default:0;not null"`
	AvgLatencyMs       float64 `gorm:"column:avg_latency_ms;default:0;not null"`
	MaxLatencyMs       int64   `gorm:"column:max_latency_ms;default:0;not null"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (LoadBalancerBucket) TableName() string {
	return "load_balancer_buckets"
}

// BucketRepo upserts and reads load balancer metric buckets.
type BucketRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewBucketRepo creates a new bucket repository.
func NewBucketRepo(db *gorm.DB, logger log.Logger) *BucketRepo {
	return &BucketRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// Record folds one request outcome into a bucket with a single upsert.
// Count increments are commutative and the running average is applied as a
// SQL expression, so concurrent writers never lose updates. The assignment
// order matters: MySQL evaluates assignments left to right, and the average
// must read total_requests before it is incremented.
func (r *BucketRepo) Record(ctx context.Context, tenantID int64, group, provider string, bucketType BucketType, bucket time.Time, success bool, latencyMs int64) error {
	row := &LoadBalancerBucket{
		TenantID:      tenantID,
		GroupName:     group,
		Provider:      provider,
		BucketType:    bucketType,
		TimeBucket:    bucket,
		TotalRequests: 1,
		MinLatencyMs:  latencyMs,
		AvgLatencyMs:  float64(latencyMs),
		MaxLatencyMs:  latencyMs,
	}

	var successInc, failInc int64
	if success {
		row.SuccessfulRequests = 1
		successInc = 1
	} else {
		row.FailedRequests = 1
		failInc = 1
	}

	assignments := clause.Set{
		{Column: clause.Column{Name: "avg_latency_ms"}, Value: gorm.Expr("avg_latency_ms + (? - avg_latency_ms) / (total_requests + 1)", float64(latencyMs))},
		{Column: clause.Column{Name: "min_latency_ms"}, Value: gorm.Expr("LEAST(min_latency_ms, ?)", latencyMs)},
		{Column: clause.Column{Name: "max_latency_ms"}, Value: gorm.Expr("GREATEST(max_latency_ms, ?)", latencyMs)},
		{Column: clause.Column{Name: "successful_requests"}, Value: gorm.Expr("successful_requests + ?", successInc)},
		{Column: clause.Column{Name: "failed_requests"}, Value: gorm.Expr("failed_requests + ?", failInc)},
		{Column: clause.Column{Name: "total_requests"}, Value: gorm.Expr("total_requests + 1")},
		{Column: clause.Column{Name: "updated_at"}, Value: time.Now()},
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "group_name"},
			{Name: "provider"},
			{Name: "bucket_type"},
			{Name: "time_bucket"},
		},
		DoUpdates: assignments,
	}).Create(row).Error

	if err != nil {
		return fmt.Errorf("failed to record bucket %s/%s/%s@%s: %w",
			group, provider, bucketType, bucket.Format(time.RFC3339), err)
	}
	return nil
}

// ListGroup returns all provider buckets of one group for one bucket window.
func (r *BucketRepo) ListGroup(ctx context.Context, tenantID int64, group string, bucketType BucketType, bucket time.Time) ([]*LoadBalancerBucket, error) {
	var rows []*LoadBalancerBucket
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND group_name = ? AND bucket_type = ? AND time_bucket = ?",
			tenantID, group, bucketType, bucket).
		Order("provider asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list group buckets: %w", err)
	}
	return rows, nil
}

// ListRange returns buckets of one group over a time range, newest first.
// Used by the admin dashboard endpoints.
func (r *BucketRepo) ListRange(ctx context.Context, tenantID int64, group string, bucketType BucketType, from, to time.Time) ([]*LoadBalancerBucket, error) {
	var rows []*LoadBalancerBucket
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND group_name = ? AND bucket_type = ? AND time_bucket >= ? AND time_bucket < ?",
			tenantID, group, bucketType, from, to).
		Order("time_bucket desc, provider asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket range: %w", err)
	}
	return rows, nil
}

