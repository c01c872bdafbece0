// Package migrations holds the PocketBase Go migrations for the gateway's
// collections.
//
// Every file registers itself from init(). Blank-import the package in
// main.go:
//
//	_ "github.com/yanix/gateway/internal/migrations"
package migrations

import "github.com/pocketbase/pocketbase/core"

// dropCollection is the shared down step of the create migrations.
func dropCollection(app core.App, name string) error {
	col, err := app.FindCollectionByNameOrId(name)
	if err != nil {
		return nil // already gone
	}
	return app.Delete(col)
}

func addTimestamps(col *core.Collection) {
	// BaseCollection has no created/updated fields by default.
	col.Fields.Add(&core.AutodateField{Name: "created", OnCreate: true})
	col.Fields.Add(&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true})
}
