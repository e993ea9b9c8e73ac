package biz

import (
	"context"
	"os"
	"testing"
	"time"

	"RouteLane/internal/data"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBucketRepo is a mock implementation of BucketRepo for testing.
type MockBucketRepo struct {
	mock.Mock
}

func (m *MockBucketRepo) Record(ctx context.Context, tenantID int64, group, provider string, bucketType data.BucketType, bucket time.Time, success bool, latencyMs int64) error {
	args := m.Called(ctx, tenantID, group, provider, bucketType, bucket, success, latencyMs)
	return args.Error(0)
}

func (m *MockBucketRepo) ListGroup(ctx context.Context, tenantID int64, group string, bucketType data.BucketType, bucket time.Time) ([]*data.LoadBalancerBucket, error) {
	args := m.Called(ctx, tenantID, group, bucketType, bucket)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.LoadBalancerBucket), args.Error(1)
}

func (m *MockBucketRepo) ListRange(ctx context.Context, tenantID int64, group string, bucketType data.BucketType, from, to time.Time) ([]*data.LoadBalancerBucket, error) {
	args := m.Called(ctx, tenantID, group, bucketType, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.LoadBalancerBucket), args.Error(1)
}

func newTestMetrics(buckets BucketRepo) *MetricsUsecase {
	return NewMetricsUsecase(buckets, log.NewStdLogger(os.Stdout))
}

func TestRecord_WritesHourlyAndDailyBuckets(t *testing.T) {
	mockBuckets := new(MockBucketRepo)
	uc := newTestMetrics(mockBuckets)

	ctx := context.Background()
	at := time.Date(2026, 8, 30, 14, 35, 12, 0, time.UTC)

	mockBuckets.On("Record", ctx, int64(42), "chat", "openai",
		data.BucketHourly, time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC), true, int64(180)).
		Return(nil).Once()
	mockBuckets.On("Record", ctx, int64(42), "chat", "openai",
		data.BucketDaily, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), true, int64(180)).
		Return(nil).Once()

	err := uc.Record(ctx, 42, "chat", "openai", model.Outcome{Success: true, LatencyMs: 180, At: at})
	require.NoError(t, err)
	mockBuckets.AssertExpectations(t)
}

func TestGroupSnapshot_ComputesPercentages(t *testing.T) {
	mockBuckets := new(MockBucketRepo)
	uc := newTestMetrics(mockBuckets)

	ctx := context.Background()
	at := time.Date(2026, 8, 30, 14, 35, 0, 0, time.UTC)
	bucket := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	mockBuckets.On("ListGroup", ctx, int64(42), "chat", data.BucketHourly, bucket).
		Return([]*data.LoadBalancerBucket{
			{Provider: "openai", TotalRequests: 75, SuccessfulRequests: 70, FailedRequests: 5, AvgLatencyMs: 210.5},
			{Provider: "anthropic", TotalRequests: 25, SuccessfulRequests: 25, AvgLatencyMs: 180},
		}, nil).Once()

	stats, err := uc.GroupSnapshot(ctx, 42, "chat", data.BucketHourly, at)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "openai", stats[0].Provider)
	assert.InDelta(t, 75.0, stats[0].RequestsPercentage, 0.001)
	assert.InDelta(t, 25.0, stats[1].RequestsPercentage, 0.001)
	assert.InDelta(t, 210.5, stats[0].AvgLatencyMs, 0.001)
}

func TestGroupSnapshot_EmptyBucket(t *testing.T) {
	mockBuckets := new(MockBucketRepo)
	uc := newTestMetrics(mockBuckets)

	ctx := context.Background()
	mockBuckets.On("ListGroup", ctx, int64(42), "chat", data.BucketHourly, mock.Anything).
		Return([]*data.LoadBalancerBucket{}, nil).Once()

	stats, err := uc.GroupSnapshot(ctx, 42, "chat", data.BucketHourly, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestGroupSnapshot_ZeroTotalHasZeroPercentage(t *testing.T) {
	mockBuckets := new(MockBucketRepo)
	uc := newTestMetrics(mockBuckets)

	ctx := context.Background()
	mockBuckets.On("ListGroup", ctx, int64(42), "chat", data.BucketHourly, mock.Anything).
		Return([]*data.LoadBalancerBucket{
			{Provider: "openai", TotalRequests: 0},
		}, nil).Once()

	stats, err := uc.GroupSnapshot(ctx, 42, "chat", data.BucketHourly, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].RequestsPercentage)
}
