package biz

import (
	"context"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/internal/data"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// ProviderPinger probes a provider endpoint. Implementations live in the
// data layer; a nil error means the provider answered within the probe
// timeout.
type ProviderPinger interface {
	Ping(ctx context.Context, provider string) error
}

// HealthCheckTask actively probes configured providers on a schedule, so a
// provider that receives no traffic still has its health refreshed. Each
// provider is pinged once per run; the result is applied to every health row
// of that provider, the global one included.
type HealthCheckTask struct {
	repo    HealthRepo
	breaker *BreakerUsecase
	pinger  ProviderPinger
	cfg     *conf.Probe
	groups  []*conf.Group
	logger  *log.Helper
}

// NewHealthCheckTask creates a new scheduled health check task.
func NewHealthCheckTask(repo HealthRepo, breaker *BreakerUsecase, pinger ProviderPinger, c *conf.Bootstrap, logger log.Logger) *HealthCheckTask {
	return &HealthCheckTask{
		repo:    repo,
		breaker: breaker,
		pinger:  pinger,
		cfg:     c.Probe,
		groups:  c.Balancer.Groups,
		logger:  log.NewHelper(logger),
	}
}

// RunOnce probes every configured provider that has a probe endpoint and
// folds the results into breaker state. Individual provider errors do not
// stop the run.
func (t *HealthCheckTask) RunOnce(ctx context.Context) error {
	providers := t.configuredProviders()
	if len(providers) == 0 {
		return nil
	}

	rows, err := t.repo.List(ctx, nil)
	if err != nil {
		return err
	}
	byProvider := make(map[string][]*data.ProviderHealth)
	for _, row := range rows {
		byProvider[row.Provider] = append(byProvider[row.Provider], row)
	}

	now := time.Now().UTC()
	for _, provider := range providers {
		if _, ok := t.cfg.Endpoints[provider]; !ok {
			t.logger.Debugw("provider has no probe endpoint, skipping", "provider", provider)
			continue
		}

		healthy := t.probe(ctx, provider)

		keys := make([]model.ProviderKey, 0, len(byProvider[provider])+1)
		seen := false
		for _, row := range byProvider[provider] {
			keys = append(keys, row.Key())
			if row.TenantID == nil {
				seen = true
			}
		}
		if !seen {
			// No traffic observed yet: probe results still materialize the
			// global row.
			keys = append(keys, model.ProviderKey{TenantID: model.GlobalTenant, Provider: provider})
		}

		for _, key := range keys {
			if err := t.breaker.ReportProbe(ctx, key, healthy, now); err != nil {
				t.logger.Warnw("failed to apply probe result",
					"key", key.String(),
					"healthy", healthy,
					"error", err)
			}
		}
	}
	return nil
}

// probe pings one provider under the configured timeout.
func (t *HealthCheckTask) probe(ctx context.Context, provider string) bool {
	pctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout.AsDuration())
	defer cancel()

	if err := t.pinger.Ping(pctx, provider); err != nil {
		t.logger.Warnw("provider probe failed",
			"provider", provider,
			"error", err)
		return false
	}
	return true
}

// Cleanup repairs leaked in-flight counters, gauges whose writer died
// before arming an expiry. Scheduled far less often than probes.
func (t *HealthCheckTask) Cleanup(ctx context.Context) {
	if repaired := t.repo.CleanupStaleCounters(ctx); repaired > 0 {
		t.logger.Infow("repaired leaked active counters", "count", repaired)
	}
}

// configuredProviders returns the distinct providers across all groups, in
// first-seen order.
func (t *HealthCheckTask) configuredProviders() []string {
	seen := make(map[string]bool)
	var providers []string
	for _, g := range t.groups {
		for _, p := range g.Providers {
			if !seen[p.Name] {
				seen[p.Name] = true
				providers = append(providers, p.Name)
			}
		}
	}
	return providers
}
