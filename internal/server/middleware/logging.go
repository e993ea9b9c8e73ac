package middleware

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	kmiddleware "github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
)

// slowRequestThreshold flags requests that likely hit a provider timeout or
// a contended row rather than a normal slow path.
const slowRequestThreshold = 5 * time.Second

// Logging logs one line per request with method, path, tenant, duration, and
// a request id taken from X-Request-ID or generated.
func Logging(logger log.Logger) kmiddleware.Middleware {
	helper := log.NewHelper(logger)

	return func(handler kmiddleware.Handler) kmiddleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			start := time.Now()

			var method, path, requestID string
			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					requestID = httpReq.Header.Get("X-Request-ID")
				}
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}

			reply, err := handler(ctx, req)

			duration := time.Since(start)
			tenantID, _ := TenantFromContext(ctx)

			if err != nil {
				helper.Warnw("request failed",
					"request_id", requestID,
					"method", method,
					"path", path,
					"tenant_id", tenantID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return reply, err
			}

			if duration > slowRequestThreshold {
				helper.Warnw("slow request",
					"request_id", requestID,
					"method", method,
					"path", path,
					"tenant_id", tenantID,
					"duration_ms", duration.Milliseconds())
			} else {
				helper.Infow("request completed",
					"request_id", requestID,
					"method", method,
					"path", path,
					"tenant_id", tenantID,
					"duration_ms", duration.Milliseconds())
			}
			return reply, nil
		}
	}
}
