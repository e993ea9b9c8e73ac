package data

import (
	"context"
	"fmt"
	"time"

	"RouteLane/internal/model"
	pkgerrors "RouteLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderHealth is the GORM model for the provider_health table.
// One row exists per tenant×provider pair; tenant_id is NULL for the single
// global (cross-tenant) row of a provider. Rows are created lazily on the
// first observed request and are never deleted, only reset.
type ProviderHealth struct {
	ID       int64  `gorm:"primaryKey;column:id"`
	TenantID *int64 `gorm:"column:tenant_id;uniqueIndex:uniq_tenant_provider"`
	Provider string `gorm:"column:provider;size:100;not null;uniqueIndex:uniq_tenant_provider"`

	CircuitState model.CircuitState `gorm:"column:circuit_state;type:enum('closed','open','half_open');default:'closed';not null"`

	FailureCount         int64      `gorm:"column:failure_count;default:0;not null"`
	SuccessCount         int64      `gorm:"column:success_count;default:0;not null"`
	ConsecutiveFailures  int32      `gorm:"column:consecutive_failures;default:0;not null"`
	ConsecutiveSuccesses int32      `gorm:"column:consecutive_successes;default:0;not null"`
	LastFailureAt        *time.Time `gorm:"column:last_failure_at"`
	LastSuccessAt        *time.Time `gorm:"column:last_success_at"`
	CircuitOpenedAt      *time.Time `gorm:"column:circuit_opened_at"`

	FailureThreshold int32 `gorm:"column:failure_threshold;default:5;not null"`
	SuccessThreshold int32 `gorm:"column:success_threshold;default:2;not null"`
	TimeoutSeconds   int32 `gorm:"column:timeout_seconds;default:60;not null"`
	WindowSeconds    int32 `gorm:"column:window_seconds;default:120;not null"`

	IsHealthy           bool  `gorm:"column:is_healthy;default:true;not null"`
	HealthCheckFailures int32 `gorm:"column:health_check_failures;default:0;not null"`

	ActiveRequests int32   `gorm:"column:active_requests;default:0;not null"`
	TotalRequests  int64   `gorm:"column:total_requests;default:0;not null"`
	TotalFailures  int64   `gorm:"column:total_failures;default:0;not null"`
	AvgLatencyMs   float64 `gorm:"column:avg_latency_ms;default:0;not null"`

	Version   int32     `gorm:"column:version;default:1;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (ProviderHealth) TableName() string {
	return "provider_health"
}

// Key returns the routing key of this row.
func (h *ProviderHealth) Key() model.ProviderKey {
	k := model.ProviderKey{Provider: h.Provider}
	if h.TenantID != nil {
		k.TenantID = *h.TenantID
	}
	return k
}

// Window returns the sliding failure window as a duration.
func (h *ProviderHealth) Window() time.Duration {
	return time.Duration(h.WindowSeconds) * time.Second
}

// OpenTimeout returns the open-state cool-down as a duration.
func (h *ProviderHealth) OpenTimeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// HealthRepo persists provider health rows with per-key optimistic locking,
// and tracks the hot state (half-open trial slots, live in-flight counters)
// in Redis with graceful degradation when Redis is unavailable.
type HealthRepo struct {
	db     *gorm.DB
	rdb    *redis.Client
	cache  CacheClient
	logger *log.Helper
}

// NewHealthRepo creates a new provider health repository. Redis handles come
// from the shared Data holder so the repo inherits its degradation behavior.
func NewHealthRepo(db *gorm.DB, d *Data, logger log.Logger) *HealthRepo {
	return &HealthRepo{
		db:     db,
		rdb:    d.GetRedisClient(),
		cache:  d.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// newHealthRepo builds a repo from raw handles, for tests.
func newHealthRepo(db *gorm.DB, rdb *redis.Client, cache CacheClient, logger log.Logger) *HealthRepo {
	return &HealthRepo{
		db:     db,
		rdb:    rdb,
		cache:  cache,
		logger: log.NewHelper(logger),
	}
}

// tenantScope applies the NULL-safe tenant condition for key lookups.
func tenantScope(db *gorm.DB, key model.ProviderKey) *gorm.DB {
	if key.TenantID == model.GlobalTenant {
		return db.Where("tenant_id IS NULL AND provider = ?", key.Provider)
	}
	return db.Where("tenant_id = ? AND provider = ?", key.TenantID, key.Provider)
}

// Get retrieves the health row for a key. Returns gorm.ErrRecordNotFound
// (wrapped) when the row does not exist yet.
func (r *HealthRepo) Get(ctx context.Context, key model.ProviderKey) (*ProviderHealth, error) {
	var rec ProviderHealth
	err := tenantScope(r.db.WithContext(ctx), key).Order("id asc").First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get provider health %s: %w", key, err)
	}
	return &rec, nil
}

// GetOrCreate retrieves the health row for a key, creating it with the given
// defaults on first observation. A concurrent create racing on the unique key
// is resolved by re-reading the winner's row.
func (r *HealthRepo) GetOrCreate(ctx context.Context, key model.ProviderKey, defaults *ProviderHealth) (*ProviderHealth, error) {
	rec, err := r.Get(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !pkgerrors.IsNotFoundError(err) {
		return nil, err
	}

	fresh := *defaults
	fresh.Provider = key.Provider
	if key.TenantID != model.GlobalTenant {
		tid := key.TenantID
		fresh.TenantID = &tid
	}
	fresh.CircuitState = model.StateClosed
	fresh.IsHealthy = true
	fresh.Version = 1

	if err := r.db.WithContext(ctx).Create(&fresh).Error; err != nil {
		if pkgerrors.IsDuplicateKeyError(err) {
			return r.Get(ctx, key)
		}
		return nil, fmt.Errorf("failed to create provider health %s: %w", key, err)
	}

	r.logger.Infow("provider health row created",
		"key", key.String(),
		"failure_threshold", fresh.FailureThreshold,
		"success_threshold", fresh.SuccessThreshold)

	return &fresh, nil
}

// CompareAndSwap writes the mutated row back, guarded by the version read
// earlier. It returns false without error when another writer won the race;
// the caller re-reads and retries with bounded attempts.
func (r *HealthRepo) CompareAndSwap(ctx context.Context, rec *ProviderHealth) (bool, error) {
	currentVersion := rec.Version

	result := r.db.WithContext(ctx).
		Model(&ProviderHealth{}).
		Where("id = ? AND version = ?", rec.ID, currentVersion).
		Updates(map[string]interface{}{
			"circuit_state":         rec.CircuitState,
			"failure_count":         rec.FailureCount,
			"success_count":         rec.SuccessCount,
			"consecutive_failures":  rec.ConsecutiveFailures,
			"consecutive_successes": rec.ConsecutiveSuccesses,
			"last_failure_at":       rec.LastFailureAt,
			"last_success_at":       rec.LastSuccessAt,
			"circuit_opened_at":     rec.CircuitOpenedAt,
			"is_healthy":            rec.IsHealthy,
			"health_check_failures": rec.HealthCheckFailures,
			"active_requests":       rec.ActiveRequests,
			"total_requests":        rec.TotalRequests,
			"total_failures":        rec.TotalFailures,
			"avg_latency_ms":        rec.AvgLatencyMs,
			"version":               currentVersion + 1,
			"updated_at":            time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to update provider health %s: %w", rec.Key(), result.Error)
	}

	if result.RowsAffected == 0 {
		return false, nil
	}

	rec.Version = currentVersion + 1
	r.invalidateSnapshot(ctx, rec.Key())
	return true, nil
}

// List returns all health rows, optionally scoped to one tenant.
// Used by the scheduled prober and the admin surface.
func (r *HealthRepo) List(ctx context.Context, tenantID *int64) ([]*ProviderHealth, error) {
	q := r.db.WithContext(ctx).Model(&ProviderHealth{})
	if tenantID != nil {
		if *tenantID == model.GlobalTenant {
			q = q.Where("tenant_id IS NULL")
		} else {
			q = q.Where("tenant_id = ?", *tenantID)
		}
	}

	var recs []*ProviderHealth
	if err := q.Order("provider asc, id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider health: %w", err)
	}
	return recs, nil
}

// GetMany loads health rows for a set of providers under one tenancy in a
// single query. Missing rows are simply absent from the result map.
func (r *HealthRepo) GetMany(ctx context.Context, tenantID int64, providers []string) (map[string]*ProviderHealth, error) {
	q := r.db.WithContext(ctx).Model(&ProviderHealth{}).Where("provider IN ?", providers)
	if tenantID == model.GlobalTenant {
		q = q.Where("tenant_id IS NULL")
	} else {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var recs []*ProviderHealth
	if err := q.Order("id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load provider health set: %w", err)
	}

	out := make(map[string]*ProviderHealth, len(recs))
	for _, rec := range recs {
		if _, ok := out[rec.Provider]; !ok {
			out[rec.Provider] = rec
		}
	}
	return out, nil
}

// AcquireTrialSlot claims the single half-open trial slot for a provider
// using SETNX. Returns false when a trial is already in flight, and false on
// Redis failure: without the slot marker there is no safe bound on trial
// concurrency, so a degraded Redis keeps half-open providers out of rotation.
func (r *HealthRepo) AcquireTrialSlot(ctx context.Context, key model.ProviderKey, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return false, nil
	}

	slotKey := BuildCacheKey(CacheKeyTrial, key.String())
	ok, err := r.rdb.SetNX(ctx, slotKey, "1", ttl).Result()
	if err != nil {
		r.logger.Warnw("failed to acquire trial slot (degraded mode: trial denied)",
			"key", key.String(),
			"error", err)
		return false, nil
	}

	if ok {
		r.logger.Debugw("trial slot acquired", "key", key.String(), "ttl", ttl)
	}
	return ok, nil
}

// ReleaseTrialSlot frees the trial slot after the trial outcome is reported.
func (r *HealthRepo) ReleaseTrialSlot(ctx context.Context, key model.ProviderKey) {
	if r.rdb == nil {
		return
	}

	slotKey := BuildCacheKey(CacheKeyTrial, key.String())
	if err := r.rdb.Del(ctx, slotKey).Err(); err != nil {
		r.logger.Warnw("failed to release trial slot", "key", key.String(), "error", err)
	}
}

// IncrActive increments the live in-flight counter for a provider and
// returns the new value. Best-effort: on Redis failure the balancer loses
// live concurrency awareness but routing continues.
func (r *HealthRepo) IncrActive(ctx context.Context, key model.ProviderKey) int64 {
	if r.rdb == nil {
		return 0
	}

	counterKey := BuildCacheKey(CacheKeyActive, key.String())
	n, err := r.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		r.logger.Warnw("failed to increment active counter", "key", key.String(), "error", err)
		return 0
	}
	// A TTL caps the damage of leaked counters when an outcome report is lost.
	if n == 1 {
		r.rdb.Expire(ctx, counterKey, activeCounterTTL)
	}
	return n
}

// DecrActive decrements the live in-flight counter, flooring at zero.
func (r *HealthRepo) DecrActive(ctx context.Context, key model.ProviderKey) {
	if r.rdb == nil {
		return
	}

	counterKey := BuildCacheKey(CacheKeyActive, key.String())
	n, err := r.rdb.Decr(ctx, counterKey).Result()
	if err != nil {
		r.logger.Warnw("failed to decrement active counter", "key", key.String(), "error", err)
		return
	}
	if n < 0 {
		r.rdb.Set(ctx, counterKey, 0, activeCounterTTL)
	}
}

// CleanupStaleCounters repairs leaked live counters: a writer that dies
// between INCR and EXPIRE leaves a gauge with no expiry, which would
// otherwise overstate a provider's load forever. Returns the number of
// keys repaired.
func (r *HealthRepo) CleanupStaleCounters(ctx context.Context) int {
	if r.rdb == nil {
		return 0
	}

	var repaired int
	iter := r.rdb.Scan(ctx, 0, BuildCacheKey(CacheKeyActive, "*"), 100).Iterator()
	for iter.Next(ctx) {
		counterKey := iter.Val()
		ttl, err := r.rdb.TTL(ctx, counterKey).Result()
		if err != nil {
			continue
		}
		// go-redis passes the TTL sentinels through raw: -1 means the key
		// exists without an expiry, -2 means it is gone.
		if ttl == -1 {
			if err := r.rdb.Expire(ctx, counterKey, activeCounterTTL).Err(); err == nil {
				repaired++
			}
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Warnw("failed to scan active counters", "error", err)
	}
	return repaired
}

// GetActive returns the live in-flight counter for a provider.
func (r *HealthRepo) GetActive(ctx context.Context, key model.ProviderKey) (int64, error) {
	if r.rdb == nil {
		return 0, nil
	}

	counterKey := BuildCacheKey(CacheKeyActive, key.String())
	n, err := r.rdb.Get(ctx, counterKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get active counter %s: %w", key, err)
	}
	return n, nil
}

// invalidateSnapshot drops the cached routing snapshot after a write.
func (r *HealthRepo) invalidateSnapshot(ctx context.Context, key model.ProviderKey) {
	if r.cache == nil {
		return
	}
	cacheKey := BuildCacheKey(CacheKeyHealth, key.String())
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Debugw("failed to invalidate health snapshot cache", "key", key.String(), "error", err)
	}
}
