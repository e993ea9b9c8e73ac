package data

import (
	"context"
	"fmt"
	"time"

	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// HealthEventRecord is the GORM model for the health_events table.
// Rows are append-only: created exactly once per observed transition or
// significant outcome, never mutated or deleted.
type HealthEventRecord struct {
	ID       int64  `gorm:"primaryKey;column:id"`
	TenantID *int64 `gorm:"column:tenant_id;index:idx_events_key"`
	Provider string `gorm:"column:provider;size:100;not null;index:idx_events_key"`

	EventType   model.HealthEventType `gorm:"column:event_type;size:50;not null"`
	StateBefore model.CircuitState    `gorm:"column:state_before;type:enum('closed','open','half_open');not null"`
	StateAfter  model.CircuitState    `gorm:"column:state_after;type:enum('closed','open','half_open');not null"`
	Reason      string                `gorm:"column:reason;size:100"`

	ConsecutiveFailures  int32 `gorm:"column:consecutive_failures;not null"`
	ConsecutiveSuccesses int32 `gorm:"column:consecutive_successes;not null"`
	TotalRequests        int64 `gorm:"column:total_requests;not null"`
	TotalFailures        int64 `gorm:"column:total_failures;not null"`

	LatencyMs     *int64    `gorm:"column:latency_ms"`
	ErrorCategory string    `gorm:"column:error_category;size:50"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName specifies the table name for GORM.
func (HealthEventRecord) TableName() string {
	return "health_events"
}

// HealthEventLog appends provider health history asynchronously so outcome
// reporting never blocks on the event insert. Events are queued to a buffered
// channel and written by a background goroutine; when the buffer is full the
// event is dropped with a warning rather than stalling the request path.
type HealthEventLog struct {
	db      *gorm.DB
	eventCh chan *HealthEventRecord
	logger  *log.Helper
}

// NewHealthEventLog creates the event log and starts its writer goroutine.
func NewHealthEventLog(db *gorm.DB, logger log.Logger) *HealthEventLog {
	l := &HealthEventLog{
		db:      db,
		eventCh: make(chan *HealthEventRecord, 1000),
		logger:  log.NewHelper(logger),
	}

	go l.start()

	return l
}

// start processes queued events.
func (l *HealthEventLog) start() {
	for rec := range l.eventCh {
		ctx := context.Background()
		if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
			l.logger.Errorw("failed to write health event",
				"provider", rec.Provider,
				"event_type", rec.EventType,
				"error", err)
		} else {
			l.logger.Debugw("health event written",
				"provider", rec.Provider,
				"event_type", rec.EventType,
				"state_after", rec.StateAfter)
		}
	}
}

// Append queues a health event for persistence. Non-blocking.
func (l *HealthEventLog) Append(ctx context.Context, ev *model.HealthEvent) {
	rec := &HealthEventRecord{
		Provider:             ev.Key.Provider,
		EventType:            ev.Type,
		StateBefore:          ev.StateBefore,
		StateAfter:           ev.StateAfter,
		Reason:               ev.Reason,
		ConsecutiveFailures:  ev.Counters.ConsecutiveFailures,
		ConsecutiveSuccesses: ev.Counters.ConsecutiveSuccesses,
		TotalRequests:        ev.Counters.TotalRequests,
		TotalFailures:        ev.Counters.TotalFailures,
		LatencyMs:            ev.LatencyMs,
		ErrorCategory:        ev.ErrorCategory,
		CreatedAt:            ev.At,
	}
	if ev.Key.TenantID != model.GlobalTenant {
		tid := ev.Key.TenantID
		rec.TenantID = &tid
	}

	select {
	case l.eventCh <- rec:
	default:
		l.logger.Warnw("health event channel full, dropping event",
			"provider", rec.Provider,
			"event_type", rec.EventType)
	}
}

// EventFilter narrows List queries for the admin surface.
type EventFilter struct {
	Key       *model.ProviderKey
	EventType model.HealthEventType
	Since     *time.Time
	Limit     int
	Offset    int
}

// List returns health events newest first.
func (l *HealthEventLog) List(ctx context.Context, filter *EventFilter) ([]*HealthEventRecord, error) {
	q := l.db.WithContext(ctx).Model(&HealthEventRecord{})

	if filter != nil {
		if filter.Key != nil {
			q = q.Where("provider = ?", filter.Key.Provider)
			if filter.Key.TenantID == model.GlobalTenant {
				q = q.Where("tenant_id IS NULL")
			} else {
				q = q.Where("tenant_id = ?", filter.Key.TenantID)
			}
		}
		if filter.EventType != "" {
			q = q.Where("event_type = ?", filter.EventType)
		}
		if filter.Since != nil {
			q = q.Where("created_at >= ?", *filter.Since)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		} else {
			q = q.Limit(100)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	} else {
		q = q.Limit(100)
	}

	var recs []*HealthEventRecord
	if err := q.Order("created_at desc, id desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list health events: %w", err)
	}
	return recs, nil
}
