// Package service exposes the reliability core over HTTP: the routing
// surface used by gateway callers and the read-mostly admin surface used by
// operators.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewRouteService, NewAdminService)
