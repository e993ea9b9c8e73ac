// Package middleware provides HTTP middleware for the server layer.
package middleware

import (
	"context"
	"strconv"

	kmiddleware "github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

type tenantCtxKey struct{}

// Tenant extracts the X-Tenant-ID header into the request context so
// downstream logging and handlers can resolve the caller's tenancy without
// re-parsing headers.
func Tenant() kmiddleware.Middleware {
	return func(handler kmiddleware.Handler) kmiddleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if tr, ok := transport.FromServerContext(ctx); ok {
				if ht, ok := tr.(http.Transporter); ok {
					if v := ht.Request().Header.Get("X-Tenant-ID"); v != "" {
						if tid, err := strconv.ParseInt(v, 10, 64); err == nil {
							ctx = context.WithValue(ctx, tenantCtxKey{}, tid)
						}
					}
				}
			}
			return handler(ctx, req)
		}
	}
}

// TenantFromContext returns the tenant stored by the Tenant middleware.
func TenantFromContext(ctx context.Context) (int64, bool) {
	tid, ok := ctx.Value(tenantCtxKey{}).(int64)
	return tid, ok
}
