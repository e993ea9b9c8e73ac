package data

import (
	"context"
	"os"
	"testing"
	"time"

	"RouteLane/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// setupTestDB creates a test database connection with sqlmock.
func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		sqlDB.Close()
	}
	return gormDB, mock, cleanup
}

// setupTestRedis creates a test Redis client with miniredis.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		client.Close()
	}
	return client, mr, cleanup
}

func testLogger() log.Logger {
	return log.NewStdLogger(os.Stdout)
}

func TestHealthRepo_AcquireTrialSlot_SingleFlight(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := newHealthRepo(nil, rdb, nil, testLogger())
	ctx := context.Background()
	key := model.ProviderKey{TenantID: 7, Provider: "openai"}

	ok, err := repo.AcquireTrialSlot(ctx, key, time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Second concurrent trial must be denied while the slot is held.
	ok, err = repo.AcquireTrialSlot(ctx, key, time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)

	repo.ReleaseTrialSlot(ctx, key)

	ok, err = repo.AcquireTrialSlot(ctx, key, time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthRepo_AcquireTrialSlot_ExpiresWithTTL(t *testing.T) {
	rdb, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := newHealthRepo(nil, rdb, nil, testLogger())
	ctx := context.Background()
	key := model.ProviderKey{Provider: "anthropic"}

	ok, err := repo.AcquireTrialSlot(ctx, key, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = repo.AcquireTrialSlot(ctx, key, 30*time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthRepo_TrialSlot_NoRedisDeniesTrial(t *testing.T) {
	repo := newHealthRepo(nil, nil, nil, testLogger())

	ok, err := repo.AcquireTrialSlot(context.Background(), model.ProviderKey{Provider: "openai"}, time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthRepo_ActiveCounters(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := newHealthRepo(nil, rdb, nil, testLogger())
	ctx := context.Background()
	key := model.ProviderKey{TenantID: 3, Provider: "gemini"}

	assert.Equal(t, int64(1), repo.IncrActive(ctx, key))
	assert.Equal(t, int64(2), repo.IncrActive(ctx, key))

	n, err := repo.GetActive(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	repo.DecrActive(ctx, key)
	n, err = repo.GetActive(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHealthRepo_DecrActive_FloorsAtZero(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := newHealthRepo(nil, rdb, nil, testLogger())
	ctx := context.Background()
	key := model.ProviderKey{Provider: "openai"}

	// Decrement without a prior increment: a lost pairing must not push the
	// live counter negative.
	repo.DecrActive(ctx, key)

	n, err := repo.GetActive(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHealthRepo_CleanupStaleCounters(t *testing.T) {
	rdb, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	repo := newHealthRepo(nil, rdb, nil, testLogger())
	ctx := context.Background()
	key := model.ProviderKey{Provider: "openai"}

	// A healthy counter carries a TTL from IncrActive.
	repo.IncrActive(ctx, key)

	// A leaked counter has no expiry, as if the writer died before EXPIRE.
	leaked := BuildCacheKey(CacheKeyActive, "7:anthropic")
	require.NoError(t, rdb.Set(ctx, leaked, 3, 0).Err())

	repaired := repo.CleanupStaleCounters(ctx)

	assert.Equal(t, 1, repaired)
	assert.Greater(t, mr.TTL(leaked), time.Duration(0))

	// Idempotent: a second sweep finds nothing to repair.
	assert.Equal(t, 0, repo.CleanupStaleCounters(ctx))
}

func TestHealthRepo_CleanupStaleCounters_NoRedis(t *testing.T) {
	repo := newHealthRepo(nil, nil, nil, testLogger())
	assert.Equal(t, 0, repo.CleanupStaleCounters(context.Background()))
}

func TestHealthRepo_CompareAndSwap_VersionConflict(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := newHealthRepo(db, nil, nil, testLogger())

	rec := &ProviderHealth{
		ID:           1,
		Provider:     "openai",
		CircuitState: model.StateOpen,
		Version:      4,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `provider_health`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.CompareAndSwap(context.Background(), rec)
	assert.NoError(t, err)
	assert.False(t, ok)
	// Version must not advance on a lost race.
	assert.Equal(t, int32(4), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthRepo_CompareAndSwap_Success(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := newHealthRepo(db, nil, nil, testLogger())

	rec := &ProviderHealth{
		ID:           1,
		Provider:     "openai",
		CircuitState: model.StateClosed,
		Version:      4,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `provider_health`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.CompareAndSwap(context.Background(), rec)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(5), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderHealth_Key(t *testing.T) {
	tid := int64(42)
	rec := &ProviderHealth{TenantID: &tid, Provider: "openai"}
	assert.Equal(t, model.ProviderKey{TenantID: 42, Provider: "openai"}, rec.Key())

	global := &ProviderHealth{Provider: "openai"}
	assert.Equal(t, model.ProviderKey{Provider: "openai"}, global.Key())
}

func TestProviderHealth_Durations(t *testing.T) {
	rec := &ProviderHealth{TimeoutSeconds: 60, WindowSeconds: 120}
	assert.Equal(t, time.Minute, rec.OpenTimeout())
	assert.Equal(t, 2*time.Minute, rec.Window())
}
