package main

import (
	"context"
	"time"

	"RouteLane/internal/biz"
	"RouteLane/internal/conf"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// runBudget caps one full probe sweep across every configured provider.
const runBudget = 2 * time.Minute

// probeScheduler runs the provider health checks on the configured cron
// schedule, tied to the application lifecycle.
type probeScheduler struct {
	task   *biz.HealthCheckTask
	cfg    *conf.Probe
	cron   *cron.Cron
	logger *log.Helper
}

func newProbeScheduler(task *biz.HealthCheckTask, bc *conf.Bootstrap, logger log.Logger) *probeScheduler {
	return &probeScheduler{
		task:   task,
		cfg:    bc.Probe,
		logger: log.NewHelper(logger),
	}
}

// appOptions returns kratos lifecycle hooks that start and stop the probe
// schedule with the application.
func (s *probeScheduler) appOptions() []kratos.Option {
	if !s.cfg.Enabled {
		s.logger.Info("provider health probes disabled")
		return nil
	}

	return []kratos.Option{
		kratos.AfterStart(func(ctx context.Context) error {
			return s.start()
		}),
		kratos.BeforeStop(func(ctx context.Context) error {
			s.stop()
			return nil
		}),
	}
}

func (s *probeScheduler) start() error {
	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(s.cfg.CronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runBudget)
		defer cancel()

		if err := s.task.RunOnce(ctx); err != nil {
			s.logger.Errorw("provider health check run failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	if _, err := c.AddFunc("@every 1h", func() {
		ctx, cancel := context.WithTimeout(context.Background(), runBudget)
		defer cancel()

		s.task.Cleanup(ctx)
	}); err != nil {
		return err
	}

	c.Start()
	s.cron = c
	s.logger.Infow("provider health probes scheduled", "cron_spec", s.cfg.CronSpec)
	return nil
}

func (s *probeScheduler) stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.logger.Info("provider health probes stopped")
	}
}
