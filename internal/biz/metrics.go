package biz

import (
	"context"
	"fmt"
	"time"

	"RouteLane/internal/data"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// ProviderStats is one provider's aggregate view within a group bucket.
// RequestsPercentage is derived at read time from the bucket totals, it is
// never stored.
type ProviderStats struct {
	Provider           string  `json:"provider"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	MinLatencyMs       int64   `json:"min_latency_ms"`
	MaxLatencyMs       int64   `json:"max_latency_ms"`
	RequestsPercentage float64 `json:"requests_percentage"`
}

// MetricsUsecase maintains the windowed traffic statistics that back
// balancing decisions and the admin surface. Each outcome lands in both the
// hourly and the daily bucket of its group via atomic upserts, so concurrent
// reporters never lose increments.
type MetricsUsecase struct {
	buckets BucketRepo
	logger  *log.Helper
}

// NewMetricsUsecase creates a new metrics usecase.
func NewMetricsUsecase(buckets BucketRepo, logger log.Logger) *MetricsUsecase {
	return &MetricsUsecase{
		buckets: buckets,
		logger:  log.NewHelper(logger),
	}
}

// Record folds one outcome into the hourly and daily buckets for its
// (tenant, group, provider). Bucket boundaries are UTC.
func (uc *MetricsUsecase) Record(ctx context.Context, tenantID int64, group, provider string, outcome model.Outcome) error {
	at := outcome.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for _, bt := range []data.BucketType{data.BucketHourly, data.BucketDaily} {
		if err := uc.buckets.Record(ctx, tenantID, group, provider, bt, bt.Truncate(at), outcome.Success, outcome.LatencyMs); err != nil {
			return fmt.Errorf("failed to record %s bucket for %s/%s: %w", bt, group, provider, err)
		}
	}
	return nil
}

// GroupSnapshot returns per-provider statistics for one bucket of a group,
// with each provider's share of the bucket's total traffic.
func (uc *MetricsUsecase) GroupSnapshot(ctx context.Context, tenantID int64, group string, bucketType data.BucketType, at time.Time) ([]*ProviderStats, error) {
	rows, err := uc.buckets.ListGroup(ctx, tenantID, group, bucketType, bucketType.Truncate(at))
	if err != nil {
		return nil, err
	}

	var total int64
	for _, row := range rows {
		total += row.TotalRequests
	}

	stats := make([]*ProviderStats, 0, len(rows))
	for _, row := range rows {
		s := &ProviderStats{
			Provider:           row.Provider,
			TotalRequests:      row.TotalRequests,
			SuccessfulRequests: row.SuccessfulRequests,
			FailedRequests:     row.FailedRequests,
			AvgLatencyMs:       row.AvgLatencyMs,
			MinLatencyMs:       row.MinLatencyMs,
			MaxLatencyMs:       row.MaxLatencyMs,
		}
		if total > 0 {
			s.RequestsPercentage = float64(row.TotalRequests) / float64(total) * 100
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// History returns the raw buckets of a group over a time range, for the
// admin surface.
func (uc *MetricsUsecase) History(ctx context.Context, tenantID int64, group string, bucketType data.BucketType, from, to time.Time) ([]*data.LoadBalancerBucket, error) {
	return uc.buckets.ListRange(ctx, tenantID, group, bucketType, bucketType.Truncate(from), bucketType.Truncate(to))
}
