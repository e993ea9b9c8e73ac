package data

import (
	"context"
	"fmt"
	"net/http"

	"RouteLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// HTTPPinger probes provider health endpoints over HTTP. The per-probe
// deadline comes from the caller's context; the client itself carries no
// timeout.
type HTTPPinger struct {
	client    *http.Client
	endpoints map[string]string
	logger    *log.Helper
}

// NewHTTPPinger creates a pinger for the configured probe endpoints.
func NewHTTPPinger(c *conf.Bootstrap, logger log.Logger) *HTTPPinger {
	return &HTTPPinger{
		client:    &http.Client{},
		endpoints: c.Probe.Endpoints,
		logger:    log.NewHelper(logger),
	}
}

// Ping issues a GET against the provider's probe endpoint. Any transport
// error or a 4xx/5xx status counts as an unhealthy probe.
func (p *HTTPPinger) Ping(ctx context.Context, provider string) error {
	url, ok := p.endpoints[provider]
	if !ok {
		return fmt.Errorf("no probe endpoint configured for provider %q", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request for %q: %w", provider, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request to %q failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe to %q returned status %d", provider, resp.StatusCode)
	}
	return nil
}
