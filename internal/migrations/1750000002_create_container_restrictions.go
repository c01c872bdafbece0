package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// A row in restricted_containers closes a container to everyone except
// admins and the users listed for it in restricted_container_access.
func init() {
	m.Register(func(app core.App) error {
		restricted := core.NewBaseCollection("restricted_containers")
		restricted.Fields.Add(&core.TextField{Name: "container_id", Required: true})
		restricted.Fields.Add(&core.TextField{Name: "note"})
		addTimestamps(restricted)
		restricted.Indexes = []string{
			"CREATE UNIQUE INDEX idx_restricted_containers_cid ON restricted_containers (container_id)",
		}
		if err := app.Save(restricted); err != nil {
			return err
		}

		users, err := app.FindCollectionByNameOrId("users")
		if err != nil {
			return err
		}

		grants := core.NewBaseCollection("restricted_container_access")
		grants.Fields.Add(&core.RelationField{
			Name:          "user",
			CollectionId:  users.Id,
			Required:      true,
			MaxSelect:     1,
			CascadeDelete: true,
		})
		grants.Fields.Add(&core.TextField{Name: "container_id", Required: true})
		addTimestamps(grants)
		grants.Indexes = []string{
			"CREATE UNIQUE INDEX idx_restricted_access_user_cid ON restricted_container_access (user, container_id)",
			"CREATE INDEX idx_restricted_access_cid ON restricted_container_access (container_id)",
		}
		return app.Save(grants)
	}, func(app core.App) error {
		if err := dropCollection(app, "restricted_container_access"); err != nil {
			return err
		}
		return dropCollection(app, "restricted_containers")
	})
}
