package service

import (
	"time"

	"RouteLane/internal/biz"
	"RouteLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// RouteService is the routing surface. A caller asks for a provider, makes
// the provider call itself, and reports exactly one outcome back, abandoned
// requests included.
type RouteService struct {
	balancer *biz.BalancerUsecase
	logger   *log.Helper
}

// NewRouteService creates a new routing service.
func NewRouteService(balancer *biz.BalancerUsecase, logger log.Logger) *RouteService {
	return &RouteService{
		balancer: balancer,
		logger:   log.NewHelper(logger),
	}
}

// RegisterRoutes mounts the routing endpoints.
func (s *RouteService) RegisterRoutes(r *khttp.Router) {
	r.POST("/v1/route/select", s.selectProvider)
	r.POST("/v1/route/report", s.reportOutcome)
	r.POST("/v1/route/abandon", s.abandonRequest)
}

type selectRequest struct {
	TenantID int64  `json:"tenant_id"`
	Group    string `json:"group"`
}

type selectResponse struct {
	TenantID   int64     `json:"tenant_id"`
	Group      string    `json:"group"`
	Provider   string    `json:"provider"`
	Trial      bool      `json:"trial"`
	SelectedAt time.Time `json:"selected_at"`
}

func (s *RouteService) selectProvider(ctx khttp.Context) error {
	var req selectRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if req.TenantID == 0 {
		req.TenantID = tenantFromRequest(ctx)
	}

	choice, err := s.balancer.Select(ctx, req.TenantID, req.Group)
	if err != nil {
		return err
	}

	return ctx.Result(200, &selectResponse{
		TenantID:   choice.Key.TenantID,
		Group:      choice.Group,
		Provider:   choice.Key.Provider,
		Trial:      choice.Trial,
		SelectedAt: choice.SelectedAt,
	})
}

type reportRequest struct {
	TenantID      int64  `json:"tenant_id"`
	Group         string `json:"group"`
	Provider      string `json:"provider"`
	Trial         bool   `json:"trial"`
	Success       bool   `json:"success"`
	LatencyMs     int64  `json:"latency_ms"`
	ErrorCategory string `json:"error_category"`
}

type reportResponse struct {
	Transitioned bool   `json:"transitioned"`
	State        string `json:"state,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (s *RouteService) reportOutcome(ctx khttp.Context) error {
	var req reportRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	choice := &biz.Choice{
		Key:   model.ProviderKey{TenantID: req.TenantID, Provider: req.Provider},
		Group: req.Group,
		Trial: req.Trial,
	}
	outcome := model.Outcome{
		Success:       req.Success,
		LatencyMs:     req.LatencyMs,
		ErrorCategory: req.ErrorCategory,
		At:            time.Now().UTC(),
	}

	ev, err := s.balancer.Complete(ctx, choice, outcome)
	if err != nil {
		return err
	}
	return ctx.Result(200, transitionResult(ev))
}

type abandonRequest struct {
	TenantID int64  `json:"tenant_id"`
	Group    string `json:"group"`
	Provider string `json:"provider"`
	Trial    bool   `json:"trial"`
}

func (s *RouteService) abandonRequest(ctx khttp.Context) error {
	var req abandonRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	choice := &biz.Choice{
		Key:   model.ProviderKey{TenantID: req.TenantID, Provider: req.Provider},
		Group: req.Group,
		Trial: req.Trial,
	}

	ev, err := s.balancer.Abandon(ctx, choice)
	if err != nil {
		return err
	}
	return ctx.Result(200, transitionResult(ev))
}

func transitionResult(ev *model.HealthEvent) *reportResponse {
	resp := &reportResponse{}
	if ev != nil {
		resp.Transitioned = true
		resp.State = string(ev.StateAfter)
		resp.Reason = ev.Reason
	}
	return resp
}
