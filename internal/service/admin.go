package service

import (
	"strconv"
	"time"

	"RouteLane/internal/biz"
	"RouteLane/internal/data"
	"RouteLane/internal/model"
	"RouteLane/pkg/channels"
	pkgerrors "RouteLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// AdminService is the operator surface: health snapshots, event history,
// traffic statistics, notifications, and the manual circuit reset. All
// endpoints are read-only except the reset.
type AdminService struct {
	breaker  *biz.BreakerUsecase
	balancer *biz.BalancerUsecase
	metrics  *biz.MetricsUsecase
	alerts   *biz.AlertUsecase
	logger   *log.Helper
}

// NewAdminService creates a new admin service.
func NewAdminService(breaker *biz.BreakerUsecase, balancer *biz.BalancerUsecase, metrics *biz.MetricsUsecase, alerts *biz.AlertUsecase, logger log.Logger) *AdminService {
	return &AdminService{
		breaker:  breaker,
		balancer: balancer,
		metrics:  metrics,
		alerts:   alerts,
		logger:   log.NewHelper(logger),
	}
}

// RegisterRoutes mounts the admin endpoints.
func (s *AdminService) RegisterRoutes(r *khttp.Router) {
	r.GET("/admin/v1/health", s.listHealth)
	r.GET("/admin/v1/health/{provider}", s.getHealth)
	r.POST("/admin/v1/health/{provider}/reset", s.resetHealth)
	r.GET("/admin/v1/events", s.listEvents)
	r.GET("/admin/v1/groups", s.listGroups)
	r.GET("/admin/v1/groups/{group}/stats", s.groupStats)
	r.GET("/admin/v1/groups/{group}/history", s.groupHistory)
	r.GET("/admin/v1/notifications", s.listNotifications)
}

// healthSnapshot is the admin view of one provider health row, joined with
// the live in-flight counter from Redis.
type healthSnapshot struct {
	TenantID             int64      `json:"tenant_id"`
	Provider             string     `json:"provider"`
	CircuitState         string     `json:"circuit_state"`
	IsHealthy            bool       `json:"is_healthy"`
	ConsecutiveFailures  int32      `json:"consecutive_failures"`
	ConsecutiveSuccesses int32      `json:"consecutive_successes"`
	HealthCheckFailures  int32      `json:"health_check_failures"`
	CircuitOpenedAt      *time.Time `json:"circuit_opened_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	ActiveRequests       int64      `json:"active_requests"`
	TotalRequests        int64      `json:"total_requests"`
	TotalFailures        int64      `json:"total_failures"`
	AvgLatencyMs         float64    `json:"avg_latency_ms"`
	FailureThreshold     int32      `json:"failure_threshold"`
	SuccessThreshold     int32      `json:"success_threshold"`
	TimeoutSeconds       int32      `json:"timeout_seconds"`
	WindowSeconds        int32      `json:"window_seconds"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (s *AdminService) snapshotOf(ctx khttp.Context, rec *data.ProviderHealth) *healthSnapshot {
	active, err := s.breaker.Active(ctx, rec.Key())
	if err != nil {
		// Redis degraded: fall back to the last persisted value.
		active = int64(rec.ActiveRequests)
	}
	return &healthSnapshot{
		TenantID:             rec.Key().TenantID,
		Provider:             rec.Provider,
		CircuitState:         string(rec.CircuitState),
		IsHealthy:            rec.IsHealthy,
		ConsecutiveFailures:  rec.ConsecutiveFailures,
		ConsecutiveSuccesses: rec.ConsecutiveSuccesses,
		HealthCheckFailures:  rec.HealthCheckFailures,
		CircuitOpenedAt:      rec.CircuitOpenedAt,
		LastFailureAt:        rec.LastFailureAt,
		LastSuccessAt:        rec.LastSuccessAt,
		ActiveRequests:       active,
		TotalRequests:        rec.TotalRequests,
		TotalFailures:        rec.TotalFailures,
		AvgLatencyMs:         rec.AvgLatencyMs,
		FailureThreshold:     rec.FailureThreshold,
		SuccessThreshold:     rec.SuccessThreshold,
		TimeoutSeconds:       rec.TimeoutSeconds,
		WindowSeconds:        rec.WindowSeconds,
		UpdatedAt:            rec.UpdatedAt,
	}
}

func (s *AdminService) listHealth(ctx khttp.Context) error {
	var tenantID *int64
	if v := ctx.Query().Get("tenant_id"); v != "" {
		tid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.New(400, "INVALID_TENANT_ID", "tenant_id must be an integer")
		}
		tenantID = &tid
	}

	recs, err := s.breaker.ListHealth(ctx, tenantID)
	if err != nil {
		return err
	}

	out := make([]*healthSnapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.snapshotOf(ctx, rec))
	}
	return ctx.Result(200, out)
}

func (s *AdminService) getHealth(ctx khttp.Context) error {
	key := model.ProviderKey{
		TenantID: tenantFromRequest(ctx),
		Provider: ctx.Vars().Get("provider"),
	}

	rec, err := s.breaker.Snapshot(ctx, key)
	if err != nil {
		if pkgerrors.IsNotFoundError(err) {
			return errors.New(404, "PROVIDER_NOT_FOUND", "no health record for "+key.String())
		}
		return err
	}
	return ctx.Result(200, s.snapshotOf(ctx, rec))
}

func (s *AdminService) resetHealth(ctx khttp.Context) error {
	key := model.ProviderKey{
		TenantID: tenantFromRequest(ctx),
		Provider: ctx.Vars().Get("provider"),
	}

	ev, err := s.breaker.Reset(ctx, key)
	if err != nil {
		if pkgerrors.IsNotFoundError(err) {
			return errors.New(404, "PROVIDER_NOT_FOUND", "no health record for "+key.String())
		}
		return err
	}

	s.logger.Infow("manual circuit reset requested",
		"key", key.String(),
		"state_before", ev.StateBefore)
	return ctx.Result(200, map[string]interface{}{
		"provider":     key.Provider,
		"tenant_id":    key.TenantID,
		"state_before": ev.StateBefore,
		"state_after":  ev.StateAfter,
	})
}

// eventView is the admin view of one history entry.
type eventView struct {
	ID                   int64     `json:"id"`
	TenantID             int64     `json:"tenant_id"`
	Provider             string    `json:"provider"`
	EventType            string    `json:"event_type"`
	StateBefore          string    `json:"state_before"`
	StateAfter           string    `json:"state_after"`
	Reason               string    `json:"reason,omitempty"`
	ConsecutiveFailures  int32     `json:"consecutive_failures"`
	ConsecutiveSuccesses int32     `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	TotalFailures        int64     `json:"total_failures"`
	LatencyMs            *int64    `json:"latency_ms,omitempty"`
	ErrorCategory        string    `json:"error_category,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

func (s *AdminService) listEvents(ctx khttp.Context) error {
	q := ctx.Query()
	filter := &data.EventFilter{
		EventType: model.HealthEventType(q.Get("event_type")),
		Limit:     intQuery(q.Get("limit"), 100),
		Offset:    intQuery(q.Get("offset"), 0),
	}

	if provider := q.Get("provider"); provider != "" {
		filter.Key = &model.ProviderKey{
			TenantID: tenantFromRequest(ctx),
			Provider: provider,
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errors.New(400, "INVALID_SINCE", "since must be RFC3339")
		}
		filter.Since = &since
	}

	records, err := s.breaker.History(ctx, filter)
	if err != nil {
		return err
	}

	out := make([]*eventView, 0, len(records))
	for _, rec := range records {
		v := &eventView{
			ID:                   rec.ID,
			Provider:             rec.Provider,
			EventType:            string(rec.EventType),
			StateBefore:          string(rec.StateBefore),
			StateAfter:           string(rec.StateAfter),
			Reason:               rec.Reason,
			ConsecutiveFailures:  rec.ConsecutiveFailures,
			ConsecutiveSuccesses: rec.ConsecutiveSuccesses,
			TotalRequests:        rec.TotalRequests,
			TotalFailures:        rec.TotalFailures,
			LatencyMs:            rec.LatencyMs,
			ErrorCategory:        rec.ErrorCategory,
			CreatedAt:            rec.CreatedAt,
		}
		if rec.TenantID != nil {
			v.TenantID = *rec.TenantID
		}
		out = append(out, v)
	}
	return ctx.Result(200, out)
}

func (s *AdminService) listGroups(ctx khttp.Context) error {
	type member struct {
		Provider string `json:"provider"`
		Weight   int32  `json:"weight"`
	}
	out := make(map[string][]member)
	for name, provs := range s.balancer.Groups() {
		members := make([]member, 0, len(provs))
		for _, p := range provs {
			members = append(members, member{Provider: p.Name, Weight: p.Weight})
		}
		out[name] = members
	}
	return ctx.Result(200, out)
}

func (s *AdminService) groupStats(ctx khttp.Context) error {
	q := ctx.Query()
	group := ctx.Vars().Get("group")
	tenantID := tenantFromRequest(ctx)

	bucketType := data.BucketHourly
	if q.Get("bucket_type") == string(data.BucketDaily) {
		bucketType = data.BucketDaily
	}

	at := time.Now().UTC()
	if v := q.Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errors.New(400, "INVALID_AT", "at must be RFC3339")
		}
		at = parsed
	}

	stats, err := s.metrics.GroupSnapshot(ctx, tenantID, group, bucketType, at)
	if err != nil {
		return err
	}
	return ctx.Result(200, stats)
}

func (s *AdminService) groupHistory(ctx khttp.Context) error {
	q := ctx.Query()
	group := ctx.Vars().Get("group")
	tenantID := tenantFromRequest(ctx)

	bucketType := data.BucketHourly
	if q.Get("bucket_type") == string(data.BucketDaily) {
		bucketType = data.BucketDaily
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errors.New(400, "INVALID_FROM", "from must be RFC3339")
		}
		from = parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errors.New(400, "INVALID_TO", "to must be RFC3339")
		}
		to = parsed
	}

	buckets, err := s.metrics.History(ctx, tenantID, group, bucketType, from, to)
	if err != nil {
		return err
	}

	type bucketView struct {
		Provider           string    `json:"provider"`
		BucketType         string    `json:"bucket_type"`
		TimeBucket         time.Time `json:"time_bucket"`
		TotalRequests      int64     `json:"total_requests"`
		SuccessfulRequests int64     `json:"successful_requests"`
		FailedRequests     int64     `json:"failed_requests"`
		AvgLatencyMs       float64   `json:"avg_latency_ms"`
		MinLatencyMs       int64     `json:"min_latency_ms"`
		MaxLatencyMs       int64     `json:"max_latency_ms"`
	}
	out := make([]*bucketView, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, &bucketView{
			Provider:           b.Provider,
			BucketType:         string(b.BucketType),
			TimeBucket:         b.TimeBucket,
			TotalRequests:      b.TotalRequests,
			SuccessfulRequests: b.SuccessfulRequests,
			FailedRequests:     b.FailedRequests,
			AvgLatencyMs:       b.AvgLatencyMs,
			MinLatencyMs:       b.MinLatencyMs,
			MaxLatencyMs:       b.MaxLatencyMs,
		})
	}
	return ctx.Result(200, out)
}

// notificationView is the admin view of one emitted notification.
type notificationView struct {
	ID           int64         `json:"id"`
	TenantID     int64         `json:"tenant_id"`
	Provider     string        `json:"provider,omitempty"`
	AlertType    string        `json:"alert_type"`
	Severity     string        `json:"severity"`
	Title        string        `json:"title"`
	Body         string        `json:"body,omitempty"`
	Channels     channels.List `json:"channels,omitempty"`
	IsGrouped    bool          `json:"is_grouped"`
	SimilarCount int32         `json:"similar_count"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (s *AdminService) listNotifications(ctx khttp.Context) error {
	notifications, err := s.alerts.ListNotifications(ctx,
		tenantFromRequest(ctx),
		intQuery(ctx.Query().Get("limit"), 50))
	if err != nil {
		return err
	}

	out := make([]*notificationView, 0, len(notifications))
	for _, n := range notifications {
		v := &notificationView{
			ID:           n.ID,
			Provider:     n.Provider,
			AlertType:    n.AlertType,
			Severity:     n.Severity,
			Title:        n.Title,
			Body:         n.Body,
			IsGrouped:    n.IsGrouped,
			SimilarCount: n.SimilarCount,
			CreatedAt:    n.CreatedAt,
		}
		if n.TenantID != nil {
			v.TenantID = *n.TenantID
		}
		if cl, err := channels.Parse(n.Channels); err == nil {
			v.Channels = cl.MaskTargets()
		}
		out = append(out, v)
	}
	return ctx.Result(200, out)
}

// tenantFromRequest resolves the tenant of a request: the tenant_id query
// parameter first, then the X-Tenant-ID header, else the global tenancy.
func tenantFromRequest(ctx khttp.Context) int64 {
	if v := ctx.Query().Get("tenant_id"); v != "" {
		if tid, err := strconv.ParseInt(v, 10, 64); err == nil {
			return tid
		}
	}
	if v := ctx.Request().Header.Get("X-Tenant-ID"); v != "" {
		if tid, err := strconv.ParseInt(v, 10, 64); err == nil {
			return tid
		}
	}
	return model.GlobalTenant
}

func intQuery(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
