package biz

import (
	"context"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/internal/data"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// ErrConcurrencyConflict is returned when an optimistic-lock write loses the
// version race more times than the configured retry budget. The caller may
// retry the report; the row itself is left consistent.
var ErrConcurrencyConflict = errors.New(
	409,
	"CONCURRENT_UPDATE",
	"provider health update lost too many concurrent version races",
)

// BreakerUsecase implements per-(tenant, provider) circuit breaker logic.
// Every mutation follows the same shape: read the row, fold the transition
// rules into it in memory, write it back guarded by the version column, and
// retry on a lost race. Events are appended after the winning write only, so
// history never records a transition that was not persisted.
type BreakerUsecase struct {
	repo   HealthRepo
	events EventLog
	alerts *AlertUsecase
	cfg    *conf.Breaker
	logger *log.Helper
}

// NewBreakerUsecase creates a new circuit breaker usecase.
func NewBreakerUsecase(repo HealthRepo, events EventLog, alerts *AlertUsecase, c *conf.Bootstrap, logger log.Logger) *BreakerUsecase {
	return &BreakerUsecase{
		repo:   repo,
		events: events,
		alerts: alerts,
		cfg:    c.Breaker,
		logger: log.NewHelper(logger),
	}
}

// defaults builds the row used when a (tenant, provider) pair is observed
// for the first time. Thresholds come from configuration; per-row values
// take over once the row exists.
func (uc *BreakerUsecase) defaults() *data.ProviderHealth {
	return &data.ProviderHealth{
		CircuitState:     model.StateClosed,
		FailureThreshold: uc.cfg.FailureThreshold,
		SuccessThreshold: uc.cfg.SuccessThreshold,
		TimeoutSeconds:   int32(uc.cfg.Timeout.AsDuration() / time.Second),
		WindowSeconds:    int32(uc.cfg.Window.AsDuration() / time.Second),
		IsHealthy:        true,
	}
}

// ReportOutcome folds one call outcome into the breaker state for a key.
// It returns the transition event when the circuit changed state, nil when
// only counters moved. Abandoned requests are reported through the same path
// with the abandoned error category.
func (uc *BreakerUsecase) ReportOutcome(ctx context.Context, key model.ProviderKey, outcome model.Outcome) (*model.HealthEvent, error) {
	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}

	maxRetries := int(uc.cfg.MaxUpdateRetries)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		rec, err := uc.repo.GetOrCreate(ctx, key, uc.defaults())
		if err != nil {
			return nil, err
		}

		wasHalfOpen := rec.CircuitState == model.StateHalfOpen
		evs := applyOutcome(rec, outcome)

		ok, err := uc.repo.CompareAndSwap(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			uc.logger.Warnw("provider health version race, retrying",
				"key", key.String(),
				"attempt", attempt+1)
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}

		if wasHalfOpen {
			// The trial concluded either way; free the slot so the next
			// trial (if any) can run.
			uc.repo.ReleaseTrialSlot(ctx, key)
		}

		return uc.publish(ctx, evs), nil
	}

	uc.logger.Errorw("provider health update abandoned after retries",
		"key", key.String(),
		"max_retries", maxRetries)
	return nil, ErrConcurrencyConflict
}

// ReportProbe folds one scheduled health check result into the breaker state
// for a key.
func (uc *BreakerUsecase) ReportProbe(ctx context.Context, key model.ProviderKey, healthy bool, now time.Time) error {
	maxRetries := int(uc.cfg.MaxUpdateRetries)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		rec, err := uc.repo.GetOrCreate(ctx, key, uc.defaults())
		if err != nil {
			return err
		}

		alreadyClean := healthy && rec.IsHealthy && rec.HealthCheckFailures == 0
		evs := applyProbe(rec, healthy, now)
		if alreadyClean {
			// Healthy probe on an already-clean row: nothing to write.
			return nil
		}

		ok, err := uc.repo.CompareAndSwap(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}

		uc.publish(ctx, evs)
		return nil
	}
	return ErrConcurrencyConflict
}

// TryHalfOpen transitions an open circuit to half_open when its cool-down
// has elapsed. The passed row may be shared with concurrent readers (the
// balancer's snapshot cache), so it is never mutated; the updated row comes
// back on success. On a lost version race the transition is simply skipped
// for this call, another selector already moved the circuit, and nil is
// returned.
func (uc *BreakerUsecase) TryHalfOpen(ctx context.Context, rec *data.ProviderHealth, now time.Time) (*data.ProviderHealth, error) {
	next := *rec
	ev := maybeHalfOpen(&next, now)
	if ev == nil {
		return nil, nil
	}

	ok, err := uc.repo.CompareAndSwap(ctx, &next)
	if err != nil || !ok {
		return nil, err
	}

	uc.publish(ctx, []*model.HealthEvent{ev})
	return &next, nil
}

// Reset forces a circuit back to closed, clearing streaks but keeping
// lifetime totals. Operator action, exposed through the admin surface.
func (uc *BreakerUsecase) Reset(ctx context.Context, key model.ProviderKey) (*model.HealthEvent, error) {
	maxRetries := int(uc.cfg.MaxUpdateRetries)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		rec, err := uc.repo.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		ev := resetRecord(rec, time.Now().UTC())

		ok, err := uc.repo.CompareAndSwap(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}

		uc.repo.ReleaseTrialSlot(ctx, key)
		uc.publish(ctx, []*model.HealthEvent{ev})

		uc.logger.Infow("circuit manually reset",
			"key", key.String(),
			"state_before", ev.StateBefore)
		return ev, nil
	}
	return nil, ErrConcurrencyConflict
}

// Snapshot returns the current health row for a key.
func (uc *BreakerUsecase) Snapshot(ctx context.Context, key model.ProviderKey) (*data.ProviderHealth, error) {
	return uc.repo.Get(ctx, key)
}

// Active returns the live in-flight request count for a key.
func (uc *BreakerUsecase) Active(ctx context.Context, key model.ProviderKey) (int64, error) {
	return uc.repo.GetActive(ctx, key)
}

// ListHealth returns health rows, optionally scoped to one tenant.
func (uc *BreakerUsecase) ListHealth(ctx context.Context, tenantID *int64) ([]*data.ProviderHealth, error) {
	return uc.repo.List(ctx, tenantID)
}

// History returns provider health events, newest first.
func (uc *BreakerUsecase) History(ctx context.Context, filter *data.EventFilter) ([]*data.HealthEventRecord, error) {
	return uc.events.List(ctx, filter)
}

// publish appends events to history and hands them to the alert layer.
// Returns the transition event, if any.
func (uc *BreakerUsecase) publish(ctx context.Context, evs []*model.HealthEvent) *model.HealthEvent {
	var transition *model.HealthEvent
	for _, ev := range evs {
		uc.events.Append(ctx, ev)
		if uc.alerts != nil {
			uc.alerts.Evaluate(ctx, ev)
		}
		if ev.Transitioned() {
			transition = ev
			uc.logger.Infow("circuit transition",
				"key", ev.Key.String(),
				"from", ev.StateBefore,
				"to", ev.StateAfter,
				"reason", ev.Reason)
		}
	}
	return transition
}
