// Package audit writes operation records to the audit_logs collection.
//
// Write saves through app.Save, bypassing API rules, and never fails the
// calling operation: problems are logged and dropped.
package audit

import (
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Actions recorded by the gateway.
const (
	ActionExec         = "container.exec"
	ActionStart        = "container.start"
	ActionStop         = "container.stop"
	ActionRestart      = "container.restart"
	ActionRemove       = "container.remove"
	ActionServerCreate = "server.create"
	ActionStreamOpen   = "logs.stream.open"
	ActionStreamClose  = "logs.stream.close"
	ActionHostsChanged = "hosts.changed"
	ActionLoginSuccess = "login.success"
	ActionLoginFailed  = "login.failed"
)

// Entry is one audit record.
type Entry struct {
	UserID      string
	UserEmail   string
	Action      string
	HostLabel   string
	ContainerID string
	Status      string
	IP          string
	// UserAgent is folded into Detail.
	UserAgent string
	Detail    map[string]any
}

// Write persists entry.
func Write(app core.App, entry Entry) {
	logger := log.With().Str("component", "audit").Str("action", entry.Action).Logger()

	if entry.Status != StatusSuccess && entry.Status != StatusFailed {
		logger.Warn().Str("status", entry.Status).Msg("invalid audit status, skipping")
		return
	}
	if entry.UserID == "" {
		entry.UserID = "unknown"
	}

	col, err := app.FindCollectionByNameOrId("audit_logs")
	if err != nil {
		logger.Error().Err(err).Msg("audit collection not found")
		return
	}

	rec := core.NewRecord(col)
	rec.Set("user_id", entry.UserID)
	rec.Set("user_email", entry.UserEmail)
	rec.Set("action", entry.Action)
	rec.Set("host_label", entry.HostLabel)
	rec.Set("container_id", entry.ContainerID)
	rec.Set("status", entry.Status)
	rec.Set("ip", entry.IP)

	detail := entry.Detail
	if entry.UserAgent != "" {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["user_agent"] = entry.UserAgent
	}
	if detail != nil {
		rec.Set("detail", detail)
	}

	if err := app.Save(rec); err != nil {
		logger.Error().Err(err).Msg("audit save failed")
	}
}
