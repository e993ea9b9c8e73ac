package model

import "time"

// HealthEventType classifies entries in the health event log.
type HealthEventType string

// Health event types. Transition events are produced exactly once per
// circuit state change; outcome events record significant non-transition
// observations.
const (
	EventFailure           HealthEventType = "failure"
	EventSuccess           HealthEventType = "success"
	EventCircuitOpened     HealthEventType = "circuit_opened"
	EventCircuitClosed     HealthEventType = "circuit_closed"
	EventCircuitHalfOpened HealthEventType = "circuit_half_opened"
	EventHealthCheckFailed HealthEventType = "health_check_failed"
)

// Transition reasons recorded on circuit state changes.
const (
	ReasonThresholdBreached = "failure_threshold_breached"
	ReasonTimeoutElapsed    = "open_timeout_elapsed"
	ReasonTrialSucceeded    = "trial_success_threshold_met"
	ReasonTrialFailed       = "trial_failure"
	ReasonProbeFailures     = "health_check_failures"
	ReasonManualReset       = "manual_reset"
)

// CounterSnapshot captures the circuit counters at the moment an event was
// recorded, so the event log is interpretable without joining live state.
type CounterSnapshot struct {
	ConsecutiveFailures  int32
	ConsecutiveSuccesses int32
	TotalRequests        int64
	TotalFailures        int64
}

// HealthEvent is one immutable entry of the provider health history.
type HealthEvent struct {
	Key           ProviderKey
	Type          HealthEventType
	StateBefore   CircuitState
	StateAfter    CircuitState
	Reason        string
	Counters      CounterSnapshot
	LatencyMs     *int64
	ErrorCategory string
	At            time.Time
}

// Transitioned reports whether the event records a circuit state change.
func (e *HealthEvent) Transitioned() bool {
	return e.StateBefore != e.StateAfter
}
