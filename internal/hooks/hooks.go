// Package hooks registers PocketBase event hooks for the gateway.
package hooks

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/audit"
	"github.com/yanix/gateway/internal/command"
	"github.com/yanix/gateway/internal/crypto"
	"github.com/yanix/gateway/internal/inventory"
	"github.com/yanix/gateway/internal/store"
)

// BrokerCache drops cached broker connections.
type BrokerCache interface {
	Forget(endpoint string)
}

// Deps are the runtime services the hooks keep in step with host records.
type Deps struct {
	Inventory *inventory.Inventory
	Broker    BrokerCache
	// Refresh schedules a poll of one host. Optional.
	Refresh func(hostLabel string)
}

// Register binds all custom event hooks to the app.
func Register(app core.App, deps Deps) {
	registerHostHooks(app, deps)
	registerPatternHooks(app)
	registerHostAuditHooks(app)
	registerLoginAuditHooks(app)
}

// registerHostHooks seals host API tokens on write and mirrors host record
// changes into the inventory. Model-level hooks are used so changes made
// from the dashboard, the API and backend code are all covered.
func registerHostHooks(app core.App, deps Deps) {
	seal := func(e *core.RecordEvent) error {
		token := e.Record.GetString("api_token")
		if token != "" && !crypto.IsSealed(token) {
			sealed, err := crypto.Seal(token)
			if err != nil {
				return err
			}
			e.Record.Set("api_token", sealed)
		}
		return nil
	}

	app.OnRecordCreate(store.CollectionHosts).BindFunc(func(e *core.RecordEvent) error {
		if err := seal(e); err != nil {
			return err
		}
		if err := e.Next(); err != nil {
			return err
		}
		syncHost(deps, "", e.Record)
		return nil
	})

	app.OnRecordUpdate(store.CollectionHosts).BindFunc(func(e *core.RecordEvent) error {
		if err := seal(e); err != nil {
			return err
		}
		oldLabel := e.Record.Original().GetString("host_label")
		if err := e.Next(); err != nil {
			return err
		}
		syncHost(deps, oldLabel, e.Record)
		return nil
	})

	app.OnRecordDelete(store.CollectionHosts).BindFunc(func(e *core.RecordEvent) error {
		label := e.Record.GetString("host_label")
		if err := e.Next(); err != nil {
			return err
		}
		if prev, ok := deps.Inventory.RemoveHost(label); ok {
			forget(deps, prev.BrokerURL)
		}
		log.Info().Str("component", "hooks").Str("host", label).Msg("host removed")
		return nil
	})
}

// registerPatternHooks rejects command patterns that exec could not apply,
// so a bad pattern fails on save with a field error.
func registerPatternHooks(app core.App) {
	check := func(e *core.RecordEvent) error {
		var raw json.RawMessage
		err := e.Record.UnmarshalJSONField("pattern", &raw)
		if err == nil {
			_, err = command.ParsePattern(e.Record.GetString("name"), raw)
		}
		if err != nil {
			return validation.Errors{
				"pattern": validation.NewError("validation_invalid_pattern", command.ErrInvalidPattern.Error()),
			}
		}
		return e.Next()
	}

	app.OnRecordCreate(store.CollectionPatterns).BindFunc(check)
	app.OnRecordUpdate(store.CollectionPatterns).BindFunc(check)
}

// syncHost upserts the saved record into the inventory. A relabelled host
// is removed under its old label first.
func syncHost(deps Deps, oldLabel string, rec *core.Record) {
	host, err := store.HostFromRecord(rec)
	if err != nil {
		log.Error().Str("component", "hooks").Err(err).Msg("host record not loaded")
		return
	}

	if oldLabel != "" && oldLabel != host.Label {
		if prev, ok := deps.Inventory.RemoveHost(oldLabel); ok {
			forget(deps, prev.BrokerURL)
		}
	}
	if prev, existed := deps.Inventory.UpsertHost(host); existed && prev.BrokerURL != host.BrokerURL {
		forget(deps, prev.BrokerURL)
	}
	log.Info().Str("component", "hooks").Str("host", host.Label).Str("url", host.APIBaseURL).Msg("host registered")

	if deps.Refresh != nil {
		deps.Refresh(host.Label)
	}
}

// forget drops the connection of a host-specific broker. The default broker
// is shared by every host without one and stays connected.
func forget(deps Deps, endpoint string) {
	if endpoint != "" && deps.Broker != nil {
		deps.Broker.Forget(endpoint)
	}
}

// registerHostAuditHooks records host registry changes made through the
// REST API. Request-level hooks carry the acting auth record.
func registerHostAuditHooks(app core.App) {
	actorInfo := func(auth *core.Record) (string, string) {
		if auth != nil {
			return auth.Id, auth.GetString("email")
		}
		return "system", ""
	}

	record := func(e *core.RecordRequestEvent, op, label string) error {
		err := e.Next()
		status := audit.StatusSuccess
		detail := map[string]any{"op": op}
		if err != nil {
			status = audit.StatusFailed
			detail["reason"] = err.Error()
		}
		userID, userEmail := actorInfo(e.Auth)
		audit.Write(app, audit.Entry{
			UserID: userID, UserEmail: userEmail,
			Action:    audit.ActionHostsChanged,
			HostLabel: label,
			Status:    status,
			IP:        e.RealIP(),
			UserAgent: e.Request.Header.Get("User-Agent"),
			Detail:    detail,
		})
		return err
	}

	app.OnRecordCreateRequest(store.CollectionHosts).BindFunc(func(e *core.RecordRequestEvent) error {
		return record(e, "create", e.Record.GetString("host_label"))
	})
	app.OnRecordUpdateRequest(store.CollectionHosts).BindFunc(func(e *core.RecordRequestEvent) error {
		return record(e, "update", e.Record.GetString("host_label"))
	})
	app.OnRecordDeleteRequest(store.CollectionHosts).BindFunc(func(e *core.RecordRequestEvent) error {
		return record(e, "delete", e.Record.GetString("host_label"))
	})
}

// registerLoginAuditHooks writes audit records on login success and failure
// for both the "users" and "_superusers" collections.
func registerLoginAuditHooks(app core.App) {
	for _, col := range []string{"users", "_superusers"} {
		app.OnRecordAuthWithPasswordRequest(col).BindFunc(func(e *core.RecordAuthWithPasswordRequestEvent) error {
			ip := e.RealIP()
			ua := e.Request.Header.Get("User-Agent")
			err := e.Next()
			if err != nil {
				audit.Write(app, audit.Entry{
					UserID: "unknown", UserEmail: e.Identity,
					Action:    audit.ActionLoginFailed,
					Status:    audit.StatusFailed,
					IP:        ip,
					UserAgent: ua,
					Detail: map[string]any{
						"reason":     err.Error(),
						"collection": col,
					},
				})
				return err
			}
			audit.Write(app, audit.Entry{
				UserID: e.Record.Id, UserEmail: e.Record.GetString("email"),
				Action:    audit.ActionLoginSuccess,
				Status:    audit.StatusSuccess,
				IP:        ip,
				UserAgent: ua,
			})
			return nil
		})
	}
}
