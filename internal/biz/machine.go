package biz

import (
	"time"

	"RouteLane/internal/data"
	"RouteLane/internal/model"
)

// This file holds the circuit state transition rules as pure functions over a
// health row. All mutation happens in memory; callers persist the row with
// CompareAndSwap and retry on lost races, so every function here must be safe
// to re-run against a freshly read row.
//
// State invariant maintained throughout: circuit_opened_at is non-NULL exactly
// while the circuit is tripped (open or half_open).

// applyOutcome folds one call outcome into a health row and returns the
// events to append. Failures and half-open trial results always produce an
// event; routine successes on a closed circuit do not.
func applyOutcome(rec *data.ProviderHealth, outcome model.Outcome) []*model.HealthEvent {
	now := outcome.At
	before := rec.CircuitState
	lat := outcome.LatencyMs

	// Failures that aged out of the sliding window no longer count toward
	// the trip streak.
	if !outcome.Success && rec.LastFailureAt != nil && now.Sub(*rec.LastFailureAt) > rec.Window() {
		rec.ConsecutiveFailures = 0
	}

	rec.TotalRequests++
	rec.AvgLatencyMs += (float64(lat) - rec.AvgLatencyMs) / float64(rec.TotalRequests)

	var evs []*model.HealthEvent

	if outcome.Success {
		rec.SuccessCount++
		t := now
		rec.LastSuccessAt = &t
		rec.ConsecutiveSuccesses++

		switch rec.CircuitState {
		case model.StateClosed:
			rec.ConsecutiveFailures = 0
		case model.StateHalfOpen:
			if rec.ConsecutiveSuccesses >= rec.SuccessThreshold {
				rec.CircuitState = model.StateClosed
				rec.CircuitOpenedAt = nil
				rec.ConsecutiveFailures = 0
				rec.ConsecutiveSuccesses = 0
				rec.HealthCheckFailures = 0
				rec.IsHealthy = true
				evs = append(evs, newEvent(rec, before, model.EventCircuitClosed, model.ReasonTrialSucceeded, &lat, "", now))
			} else {
				// Trial succeeded but the streak is not long enough yet;
				// record it so recovery progress is visible in history.
				evs = append(evs, newEvent(rec, before, model.EventSuccess, "", &lat, "", now))
			}
		}
		return evs
	}

	rec.TotalFailures++
	rec.FailureCount++
	t := now
	rec.LastFailureAt = &t
	rec.ConsecutiveFailures++
	rec.ConsecutiveSuccesses = 0

	switch rec.CircuitState {
	case model.StateHalfOpen:
		// A single failed trial re-trips the circuit and restarts the
		// cool-down clock.
		rec.CircuitState = model.StateOpen
		opened := now
		rec.CircuitOpenedAt = &opened
		evs = append(evs, newEvent(rec, before, model.EventCircuitOpened, model.ReasonTrialFailed, &lat, outcome.ErrorCategory, now))
	case model.StateClosed:
		if rec.ConsecutiveFailures >= rec.FailureThreshold {
			rec.CircuitState = model.StateOpen
			opened := now
			rec.CircuitOpenedAt = &opened
			evs = append(evs, newEvent(rec, before, model.EventCircuitOpened, model.ReasonThresholdBreached, &lat, outcome.ErrorCategory, now))
		} else {
			evs = append(evs, newEvent(rec, before, model.EventFailure, "", &lat, outcome.ErrorCategory, now))
		}
	default:
		// Late outcome from a call that was in flight when the circuit
		// opened. Counters only, no further transition.
		evs = append(evs, newEvent(rec, before, model.EventFailure, "", &lat, outcome.ErrorCategory, now))
	}
	return evs
}

// maybeHalfOpen transitions an open circuit to half_open once the cool-down
// has elapsed. Returns nil when no transition applies. circuit_opened_at
// stays set: half_open is still a tripped state.
func maybeHalfOpen(rec *data.ProviderHealth, now time.Time) *model.HealthEvent {
	if rec.CircuitState != model.StateOpen || rec.CircuitOpenedAt == nil {
		return nil
	}
	if now.Sub(*rec.CircuitOpenedAt) < rec.OpenTimeout() {
		return nil
	}

	before := rec.CircuitState
	rec.CircuitState = model.StateHalfOpen
	rec.ConsecutiveSuccesses = 0
	return newEvent(rec, before, model.EventCircuitHalfOpened, model.ReasonTimeoutElapsed, nil, "", now)
}

// applyProbe folds one scheduled health check result into a health row.
// Probes refresh is_healthy regardless of traffic; consecutive probe failures
// reaching the failure threshold trip a closed circuit like real failures do.
func applyProbe(rec *data.ProviderHealth, healthy bool, now time.Time) []*model.HealthEvent {
	if healthy {
		rec.IsHealthy = true
		rec.HealthCheckFailures = 0
		return nil
	}

	rec.IsHealthy = false
	rec.HealthCheckFailures++

	evs := []*model.HealthEvent{
		newEvent(rec, rec.CircuitState, model.EventHealthCheckFailed, "", nil, "", now),
	}

	if rec.CircuitState == model.StateClosed && rec.HealthCheckFailures >= rec.FailureThreshold {
		before := rec.CircuitState
		rec.CircuitState = model.StateOpen
		opened := now
		rec.CircuitOpenedAt = &opened
		evs = append(evs, newEvent(rec, before, model.EventCircuitOpened, model.ReasonProbeFailures, nil, "", now))
	}
	return evs
}

// resetRecord forces a row back to closed with clean streaks. Lifetime
// totals are kept. Always produces an event: resets are operator actions and
// belong in history even when the circuit was already closed.
func resetRecord(rec *data.ProviderHealth, now time.Time) *model.HealthEvent {
	before := rec.CircuitState
	rec.CircuitState = model.StateClosed
	rec.CircuitOpenedAt = nil
	rec.ConsecutiveFailures = 0
	rec.ConsecutiveSuccesses = 0
	rec.HealthCheckFailures = 0
	rec.IsHealthy = true
	return newEvent(rec, before, model.EventCircuitClosed, model.ReasonManualReset, nil, "", now)
}

func newEvent(rec *data.ProviderHealth, before model.CircuitState, typ model.HealthEventType, reason string, latencyMs *int64, errorCategory string, at time.Time) *model.HealthEvent {
	return &model.HealthEvent{
		Key:         rec.Key(),
		Type:        typ,
		StateBefore: before,
		StateAfter:  rec.CircuitState,
		Reason:      reason,
		Counters: model.CounterSnapshot{
			ConsecutiveFailures:  rec.ConsecutiveFailures,
			ConsecutiveSuccesses: rec.ConsecutiveSuccesses,
			TotalRequests:        rec.TotalRequests,
			TotalFailures:        rec.TotalFailures,
		},
		LatencyMs:     latencyMs,
		ErrorCategory: errorCategory,
		At:            at,
	}
}
