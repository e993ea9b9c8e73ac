// Package biz contains business logic layer implementations.
// This layer holds the circuit breaker, load balancer, traffic metrics, and
// alert throttling rules.
package biz

import (
	"RouteLane/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBreakerUsecase,
	NewBalancerUsecase,
	NewMetricsUsecase,
	NewAlertUsecase,
	NewHealthCheckTask,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(HealthRepo), new(*data.HealthRepo)),
	wire.Bind(new(EventLog), new(*data.HealthEventLog)),
	wire.Bind(new(BucketRepo), new(*data.BucketRepo)),
	wire.Bind(new(AlertRepo), new(*data.AlertRepo)),
	wire.Bind(new(Notifier), new(*data.AlertNotifier)),
	wire.Bind(new(ProviderPinger), new(*data.HTTPPinger)),
)
