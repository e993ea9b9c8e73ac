package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/internal/data"
	"RouteLane/internal/model"
	"RouteLane/pkg/channels"

	"github.com/go-kratos/kratos/v2/log"
)

// Condition is one predicate of an alert config, stored as JSON in the
// conditions column. All conditions of a config must match (AND).
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// AlertUsecase evaluates provider health events against operator-authored
// alert configs and throttles what gets emitted. Evaluation sits behind the
// breaker on the outcome path, so it never returns an error: anything that
// goes wrong is logged and the event is dropped from alerting only, history
// already has it.
type AlertUsecase struct {
	repo       AlertRepo
	notifier   Notifier
	maxRetries int
	logger     *log.Helper
}

// NewAlertUsecase creates a new alert usecase.
func NewAlertUsecase(repo AlertRepo, notifier Notifier, c *conf.Bootstrap, logger log.Logger) *AlertUsecase {
	return &AlertUsecase{
		repo:       repo,
		notifier:   notifier,
		maxRetries: int(c.Breaker.MaxUpdateRetries),
		logger:     log.NewHelper(logger),
	}
}

// Evaluate runs one health event through every applicable alert config:
// the event's tenant's configs plus the global ones.
func (uc *AlertUsecase) Evaluate(ctx context.Context, ev *model.HealthEvent) {
	configs, err := uc.repo.ListEnabledConfigs(ctx, ev.Key.TenantID)
	if err != nil {
		uc.logger.Warnw("failed to load alert configs, event not evaluated",
			"key", ev.Key.String(),
			"event_type", ev.Type,
			"error", err)
		return
	}

	fields := eventFields(ev)
	for _, cfg := range configs {
		match, err := matchesConditions(cfg.Conditions, fields)
		if err != nil {
			// Malformed config: skip it, keep evaluating the rest.
			uc.logger.Warnw("skipping malformed alert config",
				"config_id", cfg.ID,
				"error", err)
			continue
		}
		if !match {
			continue
		}
		uc.throttleAndEmit(ctx, cfg, ev)
	}
}

// ListNotifications returns emitted notifications for the admin surface.
func (uc *AlertUsecase) ListNotifications(ctx context.Context, tenantID int64, limit int) ([]*data.Notification, error) {
	return uc.repo.ListNotifications(ctx, tenantID, limit)
}

// eventFields flattens an event into the fields conditions may reference.
func eventFields(ev *model.HealthEvent) map[string]interface{} {
	return map[string]interface{}{
		"event_type":            string(ev.Type),
		"provider":              ev.Key.Provider,
		"tenant_id":             ev.Key.TenantID,
		"state_before":          string(ev.StateBefore),
		"state_after":           string(ev.StateAfter),
		"circuit_state":         string(ev.StateAfter),
		"reason":                ev.Reason,
		"error_category":        ev.ErrorCategory,
		"consecutive_failures":  ev.Counters.ConsecutiveFailures,
		"consecutive_successes": ev.Counters.ConsecutiveSuccesses,
		"total_requests":        ev.Counters.TotalRequests,
		"total_failures":        ev.Counters.TotalFailures,
	}
}

// matchesConditions parses the conditions JSON and applies each predicate.
// An unparsable document, unknown field, or unknown operator makes the whole
// config malformed.
func matchesConditions(conditionsJSON string, fields map[string]interface{}) (bool, error) {
	if strings.TrimSpace(conditionsJSON) == "" {
		// No conditions means the config matches every event.
		return true, nil
	}

	var conditions []Condition
	if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
		return false, fmt.Errorf("invalid conditions JSON: %w", err)
	}

	for _, c := range conditions {
		actual, ok := fields[c.Field]
		if !ok {
			return false, fmt.Errorf("unknown condition field %q", c.Field)
		}
		match, err := applyOperator(c.Operator, actual, c.Value)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// applyOperator compares an event field against a condition value. Numeric
// comparisons coerce both sides to float64; eq/ne/contains fall back to
// string comparison when either side is not numeric.
func applyOperator(op string, actual, expected interface{}) (bool, error) {
	af, aNum := toFloat(actual)
	ef, eNum := toFloat(expected)

	switch op {
	case "eq":
		if aNum && eNum {
			return af == ef, nil
		}
		return toString(actual) == toString(expected), nil
	case "ne":
		if aNum && eNum {
			return af != ef, nil
		}
		return toString(actual) != toString(expected), nil
	case "gt", "gte", "lt", "lte":
		if !aNum || !eNum {
			return false, fmt.Errorf("operator %q requires numeric operands", op)
		}
		switch op {
		case "gt":
			return af > ef, nil
		case "gte":
			return af >= ef, nil
		case "lt":
			return af < ef, nil
		default:
			return af <= ef, nil
		}
	case "contains":
		return strings.Contains(toString(actual), toString(expected)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// throttleAndEmit applies the config's cooldown and hourly cap to a matched
// event, then emits or collapses it. Throttle state is mutated under
// optimistic locking; a lost race re-reads and re-decides, so two concurrent
// matches within the cooldown emit exactly once.
func (uc *AlertUsecase) throttleAndEmit(ctx context.Context, cfg *data.AlertConfig, ev *model.HealthEvent) {
	throttleKey := fmt.Sprintf("%d:%s:%s", ev.Key.TenantID, ev.Key.Provider, cfg.AlertType)
	groupKey := fmt.Sprintf("%d:%s", cfg.ID, throttleKey)
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	now := time.Now().UTC()

	for attempt := 0; attempt <= uc.maxRetries; attempt++ {
		st, err := uc.repo.GetOrCreateThrottle(ctx, cfg.ID, throttleKey, now)
		if err != nil {
			uc.logger.Warnw("failed to load alert throttle state",
				"config_id", cfg.ID,
				"throttle_key", throttleKey,
				"error", err)
			return
		}

		// The hourly budget is anchored to wall-clock hours: entering a new
		// hour reopens it even if the last send was minutes ago.
		hourRolled := false
		if now.Truncate(time.Hour).After(st.HourStartedAt.Truncate(time.Hour)) {
			st.HourStartedAt = now.Truncate(time.Hour)
			st.SentCountThisHour = 0
			hourRolled = true
		}

		inCooldown := st.NextAllowedAt != nil && now.Before(*st.NextAllowedAt)
		capped := st.SentCountThisHour >= cfg.MaxAlertsPerHour

		if inCooldown || capped {
			if hourRolled {
				// Persist the rolled window; losing this race is harmless.
				if _, err := uc.repo.CompareAndSwapThrottle(ctx, st); err != nil {
					uc.logger.Warnw("failed to persist throttle hour roll",
						"config_id", cfg.ID,
						"error", err)
				}
			}
			if cfg.GroupSimilar {
				uc.collapseGrouped(ctx, groupKey, cooldown, now)
			}
			uc.logger.Debugw("alert suppressed",
				"config_id", cfg.ID,
				"throttle_key", throttleKey,
				"in_cooldown", inCooldown,
				"hourly_capped", capped)
			return
		}

		st.SentCountThisHour++
		sent := now
		st.LastSentAt = &sent
		next := now.Add(cooldown)
		st.NextAllowedAt = &next

		ok, err := uc.repo.CompareAndSwapThrottle(ctx, st)
		if err != nil {
			uc.logger.Warnw("failed to update alert throttle state",
				"config_id", cfg.ID,
				"error", err)
			return
		}
		if !ok {
			continue
		}

		uc.emit(ctx, cfg, ev, groupKey)
		return
	}

	uc.logger.Warnw("alert throttle contention, treating as suppressed",
		"config_id", cfg.ID,
		"throttle_key", throttleKey)
}

// collapseGrouped folds a suppressed duplicate into the grouped notification
// emitted earlier in this cooldown window, if one exists.
func (uc *AlertUsecase) collapseGrouped(ctx context.Context, groupKey string, cooldown time.Duration, now time.Time) {
	n, err := uc.repo.FindRecentGrouped(ctx, groupKey, now.Add(-cooldown))
	if err != nil {
		uc.logger.Warnw("failed to find grouped notification",
			"group_key", groupKey,
			"error", err)
		return
	}
	if n == nil {
		return
	}
	if err := uc.repo.IncrementSimilar(ctx, n.ID); err != nil {
		uc.logger.Warnw("failed to increment grouped notification",
			"notification_id", n.ID,
			"error", err)
	}
}

// emit records a notification and delivers it. Delivery failure is logged
// only; the notification row already stands as the source of truth.
func (uc *AlertUsecase) emit(ctx context.Context, cfg *data.AlertConfig, ev *model.HealthEvent, groupKey string) {
	n := &data.Notification{
		AlertConfigID: cfg.ID,
		Provider:      ev.Key.Provider,
		AlertType:     cfg.AlertType,
		Severity:      cfg.Severity,
		Title: fmt.Sprintf("[%s] %s on %s",
			strings.ToUpper(cfg.Severity), cfg.AlertType, ev.Key.String()),
		Body: fmt.Sprintf("event=%s state=%s->%s reason=%s consecutive_failures=%d total_failures=%d",
			ev.Type, ev.StateBefore, ev.StateAfter, ev.Reason,
			ev.Counters.ConsecutiveFailures, ev.Counters.TotalFailures),
		Channels:     cfg.Channels,
		GroupKey:     groupKey,
		IsGrouped:    cfg.GroupSimilar,
		SimilarCount: 1,
	}
	if cl, err := channels.Parse(cfg.Channels); err != nil {
		uc.logger.Warnw("alert config has malformed channels, emitting without them",
			"config_id", cfg.ID,
			"error", err)
		n.Channels = ""
	} else if err := cl.Validate(); err != nil {
		uc.logger.Warnw("alert config has invalid channels, emitting without them",
			"config_id", cfg.ID,
			"error", err)
		n.Channels = ""
	}
	if ev.Key.TenantID != model.GlobalTenant {
		tid := ev.Key.TenantID
		n.TenantID = &tid
	}

	if err := uc.repo.CreateNotification(ctx, n); err != nil {
		uc.logger.Errorw("failed to record notification",
			"config_id", cfg.ID,
			"error", err)
		return
	}

	if err := uc.notifier.Deliver(ctx, n); err != nil {
		uc.logger.Warnw("notification delivery failed",
			"notification_id", n.ID,
			"alert_type", n.AlertType,
			"error", err)
	}

	uc.logger.Infow("alert emitted",
		"config_id", cfg.ID,
		"alert_type", cfg.AlertType,
		"severity", cfg.Severity,
		"key", ev.Key.String())
}
