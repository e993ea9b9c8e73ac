package data

import (
	"context"
	"fmt"
	"time"

	"RouteLane/internal/model"
	pkgerrors "RouteLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AlertConfig is the GORM model for the alert_configs table.
// Configs are authored by operators and are read-only to the core at
// evaluation time. tenant_id NULL means the config applies to all tenants.
type AlertConfig struct {
	ID       int64  `gorm:"primaryKey;column:id"`
	TenantID *int64 `gorm:"column:tenant_id;index"`

	AlertType  string `gorm:"column:alert_type;size:50;not null"`
	Conditions string `gorm:"column:conditions;type:json"` // JSON list of {field, operator, value}
	Channels   string `gorm:"column:channels;type:json"`   // JSON list of channel names
	Severity   string `gorm:"column:severity;size:20;default:'warning';not null"`

	CooldownMinutes  int32 `gorm:"column:cooldown_minutes;default:5;not null"`
	MaxAlertsPerHour int32 `gorm:"column:max_alerts_per_hour;default:10;not null"`
	GroupSimilar     bool  `gorm:"column:group_similar;default:true;not null"`
	Enabled          bool  `gorm:"column:enabled;default:true;not null"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AlertConfig) TableName() string {
	return "alert_configs"
}

// AlertThrottleState is the GORM model for the alert_throttle_states table.
// One row per (alert_config, throttle_key); mutated under optimistic locking.
type AlertThrottleState struct {
	ID            int64  `gorm:"primaryKey;column:id"`
	AlertConfigID int64  `gorm:"column:alert_config_id;not null;uniqueIndex:uniq_throttle"`
	ThrottleKey   string `gorm:"column:throttle_key;size:191;not null;uniqueIndex:uniq_throttle"`

	LastSentAt        *time.Time `gorm:"column:last_sent_at"`
	SentCountThisHour int32      `gorm:"column:sent_count_this_hour;default:0;not null"`
	HourStartedAt     time.Time  `gorm:"column:hour_started_at;not null"`
	NextAllowedAt     *time.Time `gorm:"column:next_allowed_at"`

	Version   int32     `gorm:"column:version;default:1;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AlertThrottleState) TableName() string {
	return "alert_throttle_states"
}

// Notification is the GORM model for the notifications table.
// Rows are append-only except for similar_count, which increments when a
// suppressed duplicate collapses into an existing grouped notification.
type Notification struct {
	ID            int64  `gorm:"primaryKey;column:id"`
	AlertConfigID int64  `gorm:"column:alert_config_id;not null;index"`
	TenantID      *int64 `gorm:"column:tenant_id;index"`
	Provider      string `gorm:"column:provider;size:100"`

	AlertType string `gorm:"column:alert_type;size:50;not null"`
	Severity  string `gorm:"column:severity;size:20;not null"`
	Title     string `gorm:"column:title;size:255;not null"`
	Body      string `gorm:"column:body;type:text"`
	Channels  string `gorm:"column:channels;type:json"`

	GroupKey     string `gorm:"column:group_key;size:191;index"`
	IsGrouped    bool   `gorm:"column:is_grouped;default:false;not null"`
	SimilarCount int32  `gorm:"column:similar_count;default:1;not null"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// AlertRepo persists alert configs, throttle state, and notifications.
type AlertRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewAlertRepo creates a new alert repository.
func NewAlertRepo(db *gorm.DB, logger log.Logger) *AlertRepo {
	return &AlertRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// ListEnabledConfigs returns the enabled alert configs that apply to one
// tenant: the tenant's own configs plus the global (tenant IS NULL) ones.
func (r *AlertRepo) ListEnabledConfigs(ctx context.Context, tenantID int64) ([]*AlertConfig, error) {
	q := r.db.WithContext(ctx).Where("enabled = ?", true)
	if tenantID == model.GlobalTenant {
		q = q.Where("tenant_id IS NULL")
	} else {
		q = q.Where("tenant_id IS NULL OR tenant_id = ?", tenantID)
	}

	var configs []*AlertConfig
	if err := q.Order("id asc").Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("failed to list alert configs: %w", err)
	}
	return configs, nil
}

// GetOrCreateThrottle retrieves the throttle state for a (config, key) pair,
// creating a zero-state row on first evaluation. Creation races are resolved
// by re-reading the winner.
func (r *AlertRepo) GetOrCreateThrottle(ctx context.Context, configID int64, throttleKey string, now time.Time) (*AlertThrottleState, error) {
	get := func() (*AlertThrottleState, error) {
		var st AlertThrottleState
		err := r.db.WithContext(ctx).
			Where("alert_config_id = ? AND throttle_key = ?", configID, throttleKey).
			First(&st).Error
		if err != nil {
			return nil, fmt.Errorf("failed to get throttle state %d/%s: %w", configID, throttleKey, err)
		}
		return &st, nil
	}

	st, err := get()
	if err == nil {
		return st, nil
	}
	if !pkgerrors.IsNotFoundError(err) {
		return nil, err
	}

	fresh := &AlertThrottleState{
		AlertConfigID: configID,
		ThrottleKey:   throttleKey,
		HourStartedAt: now,
		Version:       1,
	}
	if err := r.db.WithContext(ctx).Create(fresh).Error; err != nil {
		if pkgerrors.IsDuplicateKeyError(err) {
			return get()
		}
		return nil, fmt.Errorf("failed to create throttle state %d/%s: %w", configID, throttleKey, err)
	}
	return fresh, nil
}

// CompareAndSwapThrottle writes the mutated throttle state back under the
// version guard. Returns false when another evaluator won the race.
func (r *AlertRepo) CompareAndSwapThrottle(ctx context.Context, st *AlertThrottleState) (bool, error) {
	currentVersion := st.Version

	result := r.db.WithContext(ctx).
		Model(&AlertThrottleState{}).
		Where("id = ? AND version = ?", st.ID, currentVersion).
		Updates(map[string]interface{}{
			"last_sent_at":         st.LastSentAt,
			"sent_count_this_hour": st.SentCountThisHour,
			"hour_started_at":      st.HourStartedAt,
			"next_allowed_at":      st.NextAllowedAt,
			"version":              currentVersion + 1,
			"updated_at":           time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to update throttle state %d: %w", st.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	st.Version = currentVersion + 1
	return true, nil
}

// CreateNotification appends a notification row.
func (r *AlertRepo) CreateNotification(ctx context.Context, n *Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// FindRecentGrouped returns the newest grouped notification for a group key
// created at or after the cutoff, or nil when none exists.
func (r *AlertRepo) FindRecentGrouped(ctx context.Context, groupKey string, since time.Time) (*Notification, error) {
	var n Notification
	err := r.db.WithContext(ctx).
		Where("group_key = ? AND is_grouped = ? AND created_at >= ?", groupKey, true, since).
		Order("created_at desc, id desc").
		First(&n).Error
	if err != nil {
		if pkgerrors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find grouped notification %s: %w", groupKey, err)
	}
	return &n, nil
}

// IncrementSimilar bumps similar_count on an existing grouped notification.
// Expressed as a single atomic UPDATE so concurrent suppressions never lose
// an increment.
func (r *AlertRepo) IncrementSimilar(ctx context.Context, notificationID int64) error {
	result := r.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ?", notificationID).
		Updates(map[string]interface{}{
			"similar_count": gorm.Expr("similar_count + 1"),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment similar_count on notification %d: %w", notificationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notification not found: %d", notificationID)
	}
	return nil
}

// ListNotifications returns notifications for the admin surface, newest first.
func (r *AlertRepo) ListNotifications(ctx context.Context, tenantID int64, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Model(&Notification{})
	if tenantID != model.GlobalTenant {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var rows []*Notification
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return rows, nil
}
