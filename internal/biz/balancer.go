package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/internal/data"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNoProviderAvailable is returned when every provider of a group is
// tripped, drained, or gated behind an occupied trial slot.
var ErrNoProviderAvailable = errors.New(
	503,
	"NO_PROVIDER_AVAILABLE",
	"no provider in the group can accept traffic",
)

// ErrUnknownGroup is returned when a selection names a group that is not
// configured.
var ErrUnknownGroup = errors.New(
	404,
	"UNKNOWN_GROUP",
	"provider group is not configured",
)

// Choice is one routing decision. The caller delegates the provider call,
// then reports exactly one outcome back through Complete or Abandon.
type Choice struct {
	Key        model.ProviderKey
	Group      string
	Trial      bool
	SelectedAt time.Time
}

// BalancerUsecase distributes traffic across a provider group with smooth
// weighted round-robin, consuming circuit state so that open providers are
// skipped and half-open ones admit a single trial at a time.
//
// Health rows are read through a small in-process TTL cache: routing
// tolerates bounded staleness in exchange for not hitting MySQL on every
// selection. Transitions observed by this instance invalidate the entry
// immediately.
type BalancerUsecase struct {
	repo    HealthRepo
	breaker *BreakerUsecase
	metrics *MetricsUsecase
	groups  map[string][]*conf.GroupProvider

	snapshots *expirable.LRU[string, *data.ProviderHealth]

	mu      sync.Mutex
	cursors map[string]map[string]int64 // "tenant:group" -> provider -> current weight

	logger *log.Helper
}

// NewBalancerUsecase creates a new load balancer usecase.
func NewBalancerUsecase(repo HealthRepo, breaker *BreakerUsecase, metrics *MetricsUsecase, c *conf.Bootstrap, logger log.Logger) *BalancerUsecase {
	groups := make(map[string][]*conf.GroupProvider, len(c.Balancer.Groups))
	for _, g := range c.Balancer.Groups {
		groups[g.Name] = g.Providers
	}

	return &BalancerUsecase{
		repo:    repo,
		breaker: breaker,
		metrics: metrics,
		groups:  groups,
		snapshots: expirable.NewLRU[string, *data.ProviderHealth](
			int(c.Balancer.SnapshotCacheLen),
			nil,
			c.Balancer.SnapshotCacheTTL.AsDuration(),
		),
		cursors: make(map[string]map[string]int64),
		logger:  log.NewHelper(logger),
	}
}

type candidate struct {
	name   string
	weight int64
	rec    *data.ProviderHealth
	trial  bool
}

// Select picks the provider one request should go to. Per provider:
//   - closed circuits participate with their configured weight
//   - open circuits are skipped, transitioning to half_open first when the
//     cool-down has elapsed
//   - half_open circuits participate, but are only routable while this
//     request holds the single trial slot
//
// A provider whose health row cannot be read is skipped rather than failing
// the whole selection. The in-flight counter of the chosen provider is
// incremented; Complete or Abandon decrements it.
func (uc *BalancerUsecase) Select(ctx context.Context, tenantID int64, group string) (*Choice, error) {
	provs, ok := uc.groups[group]
	if !ok {
		return nil, ErrUnknownGroup
	}

	now := time.Now().UTC()
	candidates := make([]*candidate, 0, len(provs))

	for _, p := range provs {
		if p.Weight <= 0 {
			// Weight zero drains a provider without removing it from config.
			continue
		}

		key := model.ProviderKey{TenantID: tenantID, Provider: p.Name}
		rec, err := uc.snapshot(ctx, key)
		if err != nil {
			uc.logger.Warnw("skipping provider, health unavailable",
				"key", key.String(),
				"error", err)
			continue
		}

		state := rec.CircuitState
		if state == model.StateOpen {
			moved, err := uc.breaker.TryHalfOpen(ctx, rec, now)
			if err != nil {
				uc.logger.Warnw("skipping provider, half-open transition failed",
					"key", key.String(),
					"error", err)
				continue
			}
			if moved == nil {
				continue
			}
			uc.snapshots.Remove(key.String())
			rec = moved
			state = rec.CircuitState
		}

		candidates = append(candidates, &candidate{
			name:   p.Name,
			weight: int64(p.Weight),
			rec:    rec,
			trial:  state == model.StateHalfOpen,
		})
	}

	for len(candidates) > 0 {
		idx := uc.pick(tenantID, group, candidates)
		c := candidates[idx]
		key := model.ProviderKey{TenantID: tenantID, Provider: c.name}

		if c.trial {
			got, err := uc.repo.AcquireTrialSlot(ctx, key, c.rec.OpenTimeout())
			if err != nil || !got {
				// Trial already in flight (or Redis cannot guarantee the
				// bound): this provider is out for this selection.
				candidates = append(candidates[:idx], candidates[idx+1:]...)
				continue
			}
		}

		uc.repo.IncrActive(ctx, key)
		return &Choice{Key: key, Group: group, Trial: c.trial, SelectedAt: now}, nil
	}

	return nil, ErrNoProviderAvailable
}

// Complete reports the outcome of a delegated call back into the core:
// in-flight bookkeeping, breaker state, and traffic metrics. Returns the
// circuit transition event, if the outcome caused one.
func (uc *BalancerUsecase) Complete(ctx context.Context, choice *Choice, outcome model.Outcome) (*model.HealthEvent, error) {
	if choice == nil {
		return nil, fmt.Errorf("nil choice")
	}
	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}

	uc.repo.DecrActive(ctx, choice.Key)

	ev, err := uc.breaker.ReportOutcome(ctx, choice.Key, outcome)
	if ev != nil {
		uc.snapshots.Remove(choice.Key.String())
	}

	if mErr := uc.metrics.Record(ctx, choice.Key.TenantID, choice.Group, choice.Key.Provider, outcome); mErr != nil {
		// Metrics are advisory; the breaker verdict stands either way.
		uc.logger.Warnw("failed to record traffic metrics",
			"key", choice.Key.String(),
			"group", choice.Group,
			"error", mErr)
	}

	return ev, err
}

// Abandon reports a request the caller gave up on (client disconnect,
// deadline). Abandonment counts as a failure with its own error category.
func (uc *BalancerUsecase) Abandon(ctx context.Context, choice *Choice) (*model.HealthEvent, error) {
	return uc.Complete(ctx, choice, model.Outcome{
		Success:       false,
		ErrorCategory: model.ErrorCategoryAbandoned,
		At:            time.Now().UTC(),
	})
}

// Groups returns the configured group topology, for the admin surface.
func (uc *BalancerUsecase) Groups() map[string][]*conf.GroupProvider {
	return uc.groups
}

// snapshot reads a health row through the TTL cache, creating the row on
// first observation of the key.
func (uc *BalancerUsecase) snapshot(ctx context.Context, key model.ProviderKey) (*data.ProviderHealth, error) {
	k := key.String()
	if rec, ok := uc.snapshots.Get(k); ok {
		return rec, nil
	}

	rec, err := uc.repo.GetOrCreate(ctx, key, uc.breaker.defaults())
	if err != nil {
		return nil, err
	}
	uc.snapshots.Add(k, rec)
	return rec, nil
}

// pick runs one round of smooth weighted round-robin over the candidates and
// returns the index of the winner. Each round adds every candidate's weight
// to its running current weight, takes the highest, and charges the winner
// the total weight; over time each provider wins in proportion to its
// weight without bursting. Equal current weights break toward the provider
// with the fewest lifetime requests.
func (uc *BalancerUsecase) pick(tenantID int64, group string, candidates []*candidate) int {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	cursorKey := fmt.Sprintf("%d:%s", tenantID, group)
	current, ok := uc.cursors[cursorKey]
	if !ok {
		current = make(map[string]int64)
		uc.cursors[cursorKey] = current
	}

	var total int64
	best := 0
	for i, c := range candidates {
		current[c.name] += c.weight
		total += c.weight

		if i == 0 {
			continue
		}
		switch {
		case current[c.name] > current[candidates[best].name]:
			best = i
		case current[c.name] == current[candidates[best].name] &&
			c.rec.TotalRequests < candidates[best].rec.TotalRequests:
			best = i
		}
	}

	current[candidates[best].name] -= total
	return best
}
