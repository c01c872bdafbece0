package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/yanix/gateway/internal/settings"
)

// app_settings holds runtime-tunable groups keyed by (module, key); value is
// one JSON object per group. The logs/stream group is seeded with the
// session defaults and only inserted when missing.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("app_settings")
		col.Fields.Add(&core.TextField{Name: "module", Required: true})
		col.Fields.Add(&core.TextField{Name: "key", Required: true})
		col.Fields.Add(&core.JSONField{Name: "value"})

		rule := "@request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_app_settings_module_key ON app_settings (module, `key`)",
		}
		if err := app.Save(col); err != nil {
			return err
		}

		if _, err := settings.GetGroup(app, settings.ModuleLogs, settings.KeyStream, nil); err == nil {
			return nil
		}
		return settings.SetGroup(app, settings.ModuleLogs, settings.KeyStream, settings.DefaultLogStream())
	}, func(app core.App) error {
		return dropCollection(app, "app_settings")
	})
}
