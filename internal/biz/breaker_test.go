package biz

import (
	"context"
	"os"
	"testing"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/internal/data"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

// MockHealthRepo is a mock implementation of HealthRepo for testing.
type MockHealthRepo struct {
	mock.Mock
}

func (m *MockHealthRepo) Get(ctx context.Context, key model.ProviderKey) (*data.ProviderHealth, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.ProviderHealth), args.Error(1)
}

func (m *MockHealthRepo) GetOrCreate(ctx context.Context, key model.ProviderKey, defaults *data.ProviderHealth) (*data.ProviderHealth, error) {
	args := m.Called(ctx, key, defaults)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.ProviderHealth), args.Error(1)
}

func (m *MockHealthRepo) CompareAndSwap(ctx context.Context, rec *data.ProviderHealth) (bool, error) {
	args := m.Called(ctx, rec)
	return args.Bool(0), args.Error(1)
}

func (m *MockHealthRepo) List(ctx context.Context, tenantID *int64) ([]*data.ProviderHealth, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.ProviderHealth), args.Error(1)
}

func (m *MockHealthRepo) GetMany(ctx context.Context, tenantID int64, providers []string) (map[string]*data.ProviderHealth, error) {
	args := m.Called(ctx, tenantID, providers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*data.ProviderHealth), args.Error(1)
}

func (m *MockHealthRepo) AcquireTrialSlot(ctx context.Context, key model.ProviderKey, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockHealthRepo) ReleaseTrialSlot(ctx context.Context, key model.ProviderKey) {
	m.Called(ctx, key)
}

func (m *MockHealthRepo) IncrActive(ctx context.Context, key model.ProviderKey) int64 {
	args := m.Called(ctx, key)
	return args.Get(0).(int64)
}

func (m *MockHealthRepo) DecrActive(ctx context.Context, key model.ProviderKey) {
	m.Called(ctx, key)
}

func (m *MockHealthRepo) GetActive(ctx context.Context, key model.ProviderKey) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockHealthRepo) CleanupStaleCounters(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

// MockEventLog is a mock implementation of EventLog for testing.
type MockEventLog struct {
	mock.Mock
}

func (m *MockEventLog) Append(ctx context.Context, ev *model.HealthEvent) {
	m.Called(ctx, ev)
}

func (m *MockEventLog) List(ctx context.Context, filter *data.EventFilter) ([]*data.HealthEventRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.HealthEventRecord), args.Error(1)
}

// testBootstrap builds the configuration shared by the biz tests.
func testBootstrap() *conf.Bootstrap {
	return &conf.Bootstrap{
		Breaker: &conf.Breaker{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          durationpb.New(60 * time.Second),
			Window:           durationpb.New(120 * time.Second),
			MaxUpdateRetries: 3,
		},
		Balancer: &conf.Balancer{
			Strategy:         "weighted_round_robin",
			SnapshotCacheTTL: durationpb.New(2 * time.Second),
			SnapshotCacheLen: 64,
			Groups: []*conf.Group{
				{
					Name: "chat",
					Providers: []*conf.GroupProvider{
						{Name: "openai", Weight: 3},
						{Name: "anthropic", Weight: 1},
					},
				},
			},
		},
		Probe: &conf.Probe{
			Enabled:  true,
			CronSpec: "*/30 * * * * *",
			Timeout:  durationpb.New(time.Second),
			Endpoints: map[string]string{
				"openai": "http://localhost:1/healthz",
			},
		},
	}
}

func newTestBreaker(repo HealthRepo, events EventLog) *BreakerUsecase {
	logger := log.NewStdLogger(os.Stdout)
	return NewBreakerUsecase(repo, events, nil, testBootstrap(), logger)
}

func TestReportOutcome_RetriesOnVersionRace(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	key := model.ProviderKey{TenantID: 42, Provider: "openai"}

	first := newTestRow(model.StateClosed)
	second := newTestRow(model.StateClosed)
	mockRepo.On("GetOrCreate", ctx, key, mock.Anything).Return(first, nil).Once()
	mockRepo.On("GetOrCreate", ctx, key, mock.Anything).Return(second, nil).Once()
	mockRepo.On("CompareAndSwap", ctx, first).Return(false, nil).Once()
	mockRepo.On("CompareAndSwap", ctx, second).Return(true, nil).Once()
	mockEvents.On("Append", ctx, mock.Anything).Once()

	ev, err := uc.ReportOutcome(ctx, key, failureAt(time.Now().UTC()))
	require.NoError(t, err)
	assert.Nil(t, ev, "single failure below threshold is not a transition")

	mockRepo.AssertExpectations(t)
	mockEvents.AssertExpectations(t)
}

func TestReportOutcome_ConflictExhausted(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	key := model.ProviderKey{TenantID: 42, Provider: "openai"}

	rec := newTestRow(model.StateClosed)
	mockRepo.On("GetOrCreate", ctx, key, mock.Anything).Return(rec, nil)
	mockRepo.On("CompareAndSwap", ctx, mock.Anything).Return(false, nil)

	_, err := uc.ReportOutcome(ctx, key, failureAt(time.Now().UTC()))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	// Nothing persisted means nothing enters history.
	mockEvents.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestReportOutcome_TripReturnsTransition(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	key := model.ProviderKey{TenantID: 42, Provider: "openai"}

	rec := newTestRow(model.StateClosed)
	rec.ConsecutiveFailures = 2
	mockRepo.On("GetOrCreate", ctx, key, mock.Anything).Return(rec, nil).Once()
	mockRepo.On("CompareAndSwap", ctx, rec).Return(true, nil).Once()
	mockEvents.On("Append", ctx, mock.Anything).Once()

	ev, err := uc.ReportOutcome(ctx, key, failureAt(time.Now().UTC()))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.EventCircuitOpened, ev.Type)
	assert.Equal(t, model.StateOpen, ev.StateAfter)

	mockRepo.AssertNotCalled(t, "ReleaseTrialSlot", mock.Anything, mock.Anything)
}

func TestReportOutcome_TrialConclusionReleasesSlot(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	key := model.ProviderKey{TenantID: 42, Provider: "openai"}

	rec := newTestRow(model.StateHalfOpen)
	mockRepo.On("GetOrCreate", ctx, key, mock.Anything).Return(rec, nil).Once()
	mockRepo.On("CompareAndSwap", ctx, rec).Return(true, nil).Once()
	mockRepo.On("ReleaseTrialSlot", ctx, key).Once()
	mockEvents.On("Append", ctx, mock.Anything).Once()

	ev, err := uc.ReportOutcome(ctx, key, failureAt(time.Now().UTC()))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ReasonTrialFailed, ev.Reason)

	mockRepo.AssertExpectations(t)
}

func TestTryHalfOpen(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()

	// Cool-down not elapsed: no write attempted.
	rec := newTestRow(model.StateOpen)
	opened := time.Now().UTC().Add(-10 * time.Second)
	rec.CircuitOpenedAt = &opened

	moved, err := uc.TryHalfOpen(ctx, rec, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, moved)
	mockRepo.AssertNotCalled(t, "CompareAndSwap", mock.Anything, mock.Anything)

	// Elapsed: transition persists and lands in history.
	opened = time.Now().UTC().Add(-2 * time.Minute)
	rec.CircuitOpenedAt = &opened
	mockRepo.On("CompareAndSwap", ctx, mock.MatchedBy(func(r *data.ProviderHealth) bool {
		return r.CircuitState == model.StateHalfOpen
	})).Return(true, nil).Once()
	mockEvents.On("Append", ctx, mock.Anything).Once()

	moved, err = uc.TryHalfOpen(ctx, rec, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, model.StateHalfOpen, moved.CircuitState)
	// The caller's row may be shared with other selectors; it stays open.
	assert.Equal(t, model.StateOpen, rec.CircuitState)

	mockEvents.AssertExpectations(t)
}

func TestTryHalfOpen_LostRaceLeavesRowUntouched(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	rec := newTestRow(model.StateOpen)
	opened := time.Now().UTC().Add(-2 * time.Minute)
	rec.CircuitOpenedAt = &opened

	mockRepo.On("CompareAndSwap", ctx, mock.Anything).Return(false, nil).Once()

	moved, err := uc.TryHalfOpen(ctx, rec, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, moved)
	assert.Equal(t, model.StateOpen, rec.CircuitState)
	mockEvents.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestReset(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	key := model.ProviderKey{TenantID: 42, Provider: "openai"}

	rec := newTestRow(model.StateOpen)
	mockRepo.On("Get", ctx, key).Return(rec, nil).Once()
	mockRepo.On("CompareAndSwap", ctx, rec).Return(true, nil).Once()
	mockRepo.On("ReleaseTrialSlot", ctx, key).Once()
	mockEvents.On("Append", ctx, mock.Anything).Once()

	ev, err := uc.Reset(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ReasonManualReset, ev.Reason)
	assert.Equal(t, model.StateClosed, rec.CircuitState)

	mockRepo.AssertExpectations(t)
}

func TestReportProbe_HealthyCleanRowSkipsWrite(t *testing.T) {
	mockRepo := new(MockHealthRepo)
	mockEvents := new(MockEventLog)
	uc := newTestBreaker(mockRepo, mockEvents)

	ctx := context.Background()
	key := model.ProviderKey{TenantID: model.GlobalTenant, Provider: "openai"}

	rec := newTestRow(model.StateClosed)
	mockRepo.On("GetOrCreate", ctx, key, mock.Anything).Return(rec, nil).Once()

	err := uc.ReportProbe(ctx, key, true, time.Now().UTC())
	require.NoError(t, err)
	mockRepo.AssertNotCalled(t, "CompareAndSwap", mock.Anything, mock.Anything)
}
