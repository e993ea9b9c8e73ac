// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration of the service.
type Bootstrap struct {
	Server   *Server
	Data     *Data
	Breaker  *Breaker
	Balancer *Balancer
	Probe    *Probe
	Alerts   *Alerts
	Log      *Log
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds HTTP server configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds persistence configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds MySQL configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds Redis configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Breaker holds default circuit breaker thresholds, applied when a provider
// health row is created lazily. Per-row values take over afterwards.
type Breaker struct {
	FailureThreshold int32
	SuccessThreshold int32
	Timeout          *durationpb.Duration
	Window           *durationpb.Duration
	MaxUpdateRetries int32
}

// Balancer holds load balancer configuration, including the provider group
// topology traffic is routed across.
type Balancer struct {
	Strategy         string
	SnapshotCacheTTL *durationpb.Duration
	SnapshotCacheLen int32
	Groups           []*Group
}

// Group is one named set of providers traffic can be balanced across.
type Group struct {
	Name      string
	Providers []*GroupProvider
}

// GroupProvider is one weighted member of a group.
type GroupProvider struct {
	Name   string
	Weight int32
}

// Probe holds scheduled health check configuration. Endpoints maps provider
// names to probe URLs; providers without an endpoint are not probed.
type Probe struct {
	Enabled   bool
	CronSpec  string
	Timeout   *durationpb.Duration
	Endpoints map[string]string
}

// Alerts holds alert evaluation and delivery configuration.
type Alerts struct {
	Delivery       string // "webhook" or "log"
	WebhookURL     string
	WebhookSecret  string // HMAC key for signing webhook payloads, optional
	WebhookTimeout *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with ROUTELANE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or ROUTELANE_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROUTELANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without ROUTELANE_ prefix) for
	// compatibility with shared deployment tooling.
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "ROUTELANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "ROUTELANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("alerts.webhook_url", "ALERT_WEBHOOK_URL", "ROUTELANE_ALERTS_WEBHOOK_URL")
	_ = v.BindEnv("alerts.webhook_secret", "ALERT_WEBHOOK_SECRET", "ROUTELANE_ALERTS_WEBHOOK_SECRET")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Breaker: &Breaker{
			FailureThreshold: v.GetInt32("breaker.failure_threshold"),
			SuccessThreshold: v.GetInt32("breaker.success_threshold"),
			Timeout:          durationpb.New(v.GetDuration("breaker.timeout")),
			Window:           durationpb.New(v.GetDuration("breaker.window")),
			MaxUpdateRetries: v.GetInt32("breaker.max_update_retries"),
		},
		Balancer: &Balancer{
			Strategy:         v.GetString("balancer.strategy"),
			SnapshotCacheTTL: durationpb.New(v.GetDuration("balancer.snapshot_cache_ttl")),
			SnapshotCacheLen: v.GetInt32("balancer.snapshot_cache_len"),
		},
		Probe: &Probe{
			Enabled:   v.GetBool("probe.enabled"),
			CronSpec:  v.GetString("probe.cron_spec"),
			Timeout:   durationpb.New(v.GetDuration("probe.timeout")),
			Endpoints: v.GetStringMapString("probe.endpoints"),
		},
		Alerts: &Alerts{
			Delivery:       v.GetString("alerts.delivery"),
			WebhookURL:     v.GetString("alerts.webhook_url"),
			WebhookSecret:  v.GetString("alerts.webhook_secret"),
			WebhookTimeout: durationpb.New(v.GetDuration("alerts.webhook_timeout")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := v.UnmarshalKey("balancer.groups", &bc.Balancer.Groups); err != nil {
		return nil, fmt.Errorf("failed to parse balancer.groups: %w", err)
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 1*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout", 60*time.Second)
	v.SetDefault("breaker.window", 120*time.Second)
	v.SetDefault("breaker.max_update_retries", 3)

	// Balancer defaults
	v.SetDefault("balancer.strategy", "weighted_round_robin")
	v.SetDefault("balancer.snapshot_cache_ttl", 2*time.Second)
	v.SetDefault("balancer.snapshot_cache_len", 4096)

	// Probe defaults: every 30 seconds, independent of traffic
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.cron_spec", "*/30 * * * * *")
	v.SetDefault("probe.timeout", 5*time.Second)

	// Alert defaults
	v.SetDefault("alerts.delivery", "log")
	v.SetDefault("alerts.webhook_timeout", 10*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Alerts != nil && bc.Alerts.Delivery == "webhook" && bc.Alerts.WebhookURL == "" {
		missingFields = append(missingFields, "alerts.webhook_url (ALERT_WEBHOOK_URL)")
	}

	if bc.Balancer != nil {
		// weighted_round_robin is the only implemented strategy; reject
		// anything else instead of silently balancing differently than asked.
		if bc.Balancer.Strategy != "" && bc.Balancer.Strategy != "weighted_round_robin" {
			return fmt.Errorf("balancer.strategy: unsupported strategy %q (supported: weighted_round_robin)", bc.Balancer.Strategy)
		}
		seen := make(map[string]bool)
		for _, g := range bc.Balancer.Groups {
			if g.Name == "" {
				return fmt.Errorf("balancer.groups: group with empty name")
			}
			if seen[g.Name] {
				return fmt.Errorf("balancer.groups: duplicate group %q", g.Name)
			}
			seen[g.Name] = true
			if len(g.Providers) == 0 {
				return fmt.Errorf("balancer.groups: group %q has no providers", g.Name)
			}
			for _, p := range g.Providers {
				if p.Name == "" {
					return fmt.Errorf("balancer.groups: group %q has a provider with empty name", g.Name)
				}
				if p.Weight < 0 {
					return fmt.Errorf("balancer.groups: provider %q in group %q has negative weight", p.Name, g.Name)
				}
			}
		}
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	return nil
}
