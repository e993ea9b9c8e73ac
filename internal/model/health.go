package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// CircuitState represents the database ENUM type for circuit breaker state.
type CircuitState string

// Circuit states. A provider in StateOpen receives no traffic; StateHalfOpen
// admits a bounded trial flow only.
const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// Tripped reports whether the state blocks normal traffic.
func (s CircuitState) Tripped() bool {
	return s == StateOpen || s == StateHalfOpen
}

// Scan implements sql.Scanner interface for CircuitState.
func (s *CircuitState) Scan(value interface{}) error {
	if value == nil {
		*s = StateClosed
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = CircuitState(v)
	case []byte:
		*s = CircuitState(v)
	default:
		return fmt.Errorf("cannot scan %T into CircuitState", value)
	}
	return nil
}

// Value implements driver.Valuer interface for CircuitState.
func (s CircuitState) Value() (driver.Value, error) {
	return string(s), nil
}

// GlobalTenant is the tenant ID used for provider health rows that are not
// scoped to a tenant. It maps to a NULL tenant_id column.
const GlobalTenant int64 = 0

// ProviderKey identifies one circuit: a provider as seen by one tenant,
// or globally when TenantID is GlobalTenant.
type ProviderKey struct {
	TenantID int64
	Provider string
}

// String renders the key for log fields and redis keys.
func (k ProviderKey) String() string {
	if k.TenantID == GlobalTenant {
		return k.Provider
	}
	return fmt.Sprintf("%d:%s", k.TenantID, k.Provider)
}

// Error categories attached to failure outcomes.
const (
	ErrorCategoryTimeout   = "timeout"
	ErrorCategoryAbandoned = "abandoned"
	ErrorCategoryUpstream  = "upstream_error"
)

// Outcome is the result of one delegated provider call, reported back into
// the reliability core. Exactly one Outcome is expected per selection,
// including abandoned requests.
type Outcome struct {
	Success       bool
	LatencyMs     int64
	ErrorCategory string
	At            time.Time
}
