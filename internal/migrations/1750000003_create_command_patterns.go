package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// command_patterns stores named argv templates as JSON arrays, e.g.
// ["ssh","-t","{{INPUT_ARGS}}"]. container_pattern_bindings binds at most one
// pattern to a container.
func init() {
	m.Register(func(app core.App) error {
		patterns := core.NewBaseCollection("command_patterns")
		patterns.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 100})
		patterns.Fields.Add(&core.JSONField{Name: "pattern", Required: true})
		patterns.Fields.Add(&core.TextField{Name: "description"})
		addTimestamps(patterns)
		patterns.Indexes = []string{
			"CREATE UNIQUE INDEX idx_command_patterns_name ON command_patterns (name)",
		}
		if err := app.Save(patterns); err != nil {
			return err
		}

		bindings := core.NewBaseCollection("container_pattern_bindings")
		bindings.Fields.Add(&core.TextField{Name: "container_id", Required: true})
		bindings.Fields.Add(&core.RelationField{
			Name:          "pattern",
			CollectionId:  patterns.Id,
			Required:      true,
			MaxSelect:     1,
			CascadeDelete: true,
		})
		addTimestamps(bindings)
		bindings.Indexes = []string{
			"CREATE UNIQUE INDEX idx_pattern_bindings_cid ON container_pattern_bindings (container_id)",
		}
		return app.Save(bindings)
	}, func(app core.App) error {
		if err := dropCollection(app, "container_pattern_bindings"); err != nil {
			return err
		}
		return dropCollection(app, "command_patterns")
	})
}
