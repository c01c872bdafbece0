// Package store reads gateway records from PocketBase collections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/command"
	"github.com/yanix/gateway/internal/crypto"
	"github.com/yanix/gateway/internal/inventory"
)

const (
	CollectionHosts          = "host_servers"
	CollectionRestricted     = "restricted_containers"
	CollectionRestrictAccess = "restricted_container_access"
	CollectionPatterns       = "command_patterns"
	CollectionBindings       = "container_pattern_bindings"
)

// Rules implements access.RuleStore.
type Rules struct {
	App core.App
}

func (r Rules) IsRestricted(_ context.Context, containerID string) (bool, error) {
	n, err := r.App.CountRecords(CollectionRestricted, dbx.HashExp{"container_id": containerID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Rules) HasAllowEntry(_ context.Context, principalID, containerID string) (bool, error) {
	n, err := r.App.CountRecords(CollectionRestrictAccess, dbx.HashExp{
		"user":         principalID,
		"container_id": containerID,
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Patterns resolves the command pattern bound to a container.
type Patterns struct {
	App core.App
}

// PatternForContainer returns nil when the container has no binding.
func (p Patterns) PatternForContainer(_ context.Context, dockerID string) (*command.Pattern, error) {
	binding, err := p.App.FindFirstRecordByFilter(
		CollectionBindings,
		"container_id = {:cid}",
		dbx.Params{"cid": dockerID},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := p.App.FindRecordById(CollectionPatterns, binding.GetString("pattern"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := rec.UnmarshalJSONField("pattern", &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", command.ErrInvalidPattern, rec.GetString("name"), err)
	}
	pattern, err := command.ParsePattern(rec.GetString("name"), raw)
	if err != nil {
		return nil, err
	}
	return &pattern, nil
}

// Hosts lists registered hosts and implements inventory.HostSource.
type Hosts struct {
	App core.App
}

func (h Hosts) ListHosts(_ context.Context) ([]inventory.Host, error) {
	records, err := h.App.FindAllRecords(CollectionHosts)
	if err != nil {
		return nil, err
	}
	out := make([]inventory.Host, 0, len(records))
	for _, rec := range records {
		host, err := HostFromRecord(rec)
		if err != nil {
			log.Error().Str("component", "store").Err(err).Msg("skipping host")
			continue
		}
		out = append(out, host)
	}
	return out, nil
}

// HostFromRecord maps a host_servers record, opening the sealed API token.
func HostFromRecord(rec *core.Record) (inventory.Host, error) {
	token, err := crypto.Open(rec.GetString("api_token"))
	if err != nil {
		return inventory.Host{}, fmt.Errorf("host %s: api token: %w", rec.GetString("host_label"), err)
	}
	return inventory.Host{
		Label:      rec.GetString("host_label"),
		IP:         rec.GetString("ip"),
		APIBaseURL: strings.TrimRight(rec.GetString("api_base_url"), "/"),
		BrokerURL:  strings.TrimSpace(rec.GetString("nats_url")),
		APIToken:   token,
	}, nil
}

// IsAdmin reports whether an auth record may bypass container restrictions.
func IsAdmin(auth *core.Record) bool {
	if auth == nil {
		return false
	}
	return auth.IsSuperuser() || auth.GetBool("is_admin")
}
