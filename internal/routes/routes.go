// Package routes registers the gateway's custom API routes.
//
// Route groups:
//   - /api/ext/servers - container listing, exec, lifecycle actions, log streams
//   - /api/ext/admin   - admin-only container removal and template provisioning
package routes

import (
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/yanix/gateway/internal/gateway"
	"github.com/yanix/gateway/internal/inventory"
	"github.com/yanix/gateway/internal/logstream"
	"github.com/yanix/gateway/internal/settings"
)

// Deps are the services the handlers operate on.
type Deps struct {
	Gateway   *gateway.Gateway
	Inventory *inventory.Inventory
	Streamer  *logstream.Streamer
	// StreamDefaults apply when app_settings has no logs/stream override.
	StreamDefaults settings.LogStream
	// Refresh schedules a poll of one host after a container changed state.
	// Optional.
	Refresh func(hostLabel string)
}

type handlers struct {
	Deps
}

// Register mounts all custom route groups on the PocketBase router.
func Register(se *core.ServeEvent, deps Deps) {
	g := se.Router.Group("/api/ext")
	g.Bind(apis.RequireAuth())

	mount(g, deps)
}

func mount(g *router.RouterGroup[*core.RequestEvent], deps Deps) {
	h := &handlers{Deps: deps}
	registerServerRoutes(g, h)
	registerLogRoutes(g, h)
	registerAdminRoutes(g, h)
}

func (h *handlers) refresh(hostLabel string) {
	if h.Refresh != nil {
		h.Refresh(hostLabel)
	}
}
