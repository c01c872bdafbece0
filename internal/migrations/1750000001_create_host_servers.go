package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// host_servers registers the container hosts.
//
//	host_label   - single letter A-Z used in every container route
//	api_base_url - host API root, http or https
//	nats_url     - the host's log broker; empty means the gateway default
//	api_token    - bearer token for the host API, sealed by the record hooks
//
// Superuser only. The inventory reloads on every change.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("host_servers")

		col.Fields.Add(&core.TextField{
			Name:     "host_label",
			Required: true,
			Pattern:  `^[A-Z]$`,
		})
		col.Fields.Add(&core.TextField{Name: "ip", Max: 255})
		col.Fields.Add(&core.TextField{
			Name:     "api_base_url",
			Required: true,
			Pattern:  `^https?://.+`,
		})
		col.Fields.Add(&core.TextField{
			Name:    "nats_url",
			Pattern: `^(nats|tls)://.+`,
		})
		col.Fields.Add(&core.TextField{
			Name:   "api_token",
			Hidden: true,
		})
		addTimestamps(col)

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_host_servers_label ON host_servers (host_label)",
		}
		return app.Save(col)
	}, func(app core.App) error {
		return dropCollection(app, "host_servers")
	})
}
