// Package gateway runs operator commands and lifecycle actions against
// remote containers after access checks and command validation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/command"
	"github.com/yanix/gateway/internal/hostapi"
	"github.com/yanix/gateway/internal/inventory"
)

// ErrDockerIDRequired is returned by Remove for a blank id.
var ErrDockerIDRequired = errors.New("dockerId is required")

// InvalidCommandError wraps every validation failure of operator input.
type InvalidCommandError struct {
	Err error
}

func (e *InvalidCommandError) Error() string { return e.Err.Error() }
func (e *InvalidCommandError) Unwrap() error { return e.Err }

// PatternSource returns the pattern bound to a container, or nil.
type PatternSource interface {
	PatternForContainer(ctx context.Context, dockerID string) (*command.Pattern, error)
}

// HostAPI is the subset of the host API the gateway calls.
type HostAPI interface {
	Exec(ctx context.Context, dockerID string, argv []string) (json.RawMessage, error)
	Action(ctx context.Context, dockerID string, action hostapi.Action) (hostapi.ActionResult, error)
	Remove(ctx context.Context, dockerID string) (hostapi.RemoveResult, error)
}

// HostLocator finds the API of a host and keeps the snapshot in step with
// removals.
type HostLocator interface {
	HostAPI(hostLabel string) (HostAPI, bool)
	FindHost(dockerID string) (string, bool)
	RemoveContainer(hostLabel, dockerID string)
}

// ExecRequest is the body of an exec call. Login is accepted for older
// clients and ignored.
type ExecRequest struct {
	Cmd   string `json:"cmd"`
	Mode  string `json:"mode"`
	Login bool   `json:"login"`
}

// ActionSummary is the client-facing answer to a lifecycle action.
type ActionSummary struct {
	DockerID       string  `json:"dockerId"`
	ContainerState string  `json:"containerState"`
	Exists         bool    `json:"exists"`
	ServerID       *string `json:"serverId"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	Access   *access.Resolver
	Patterns PatternSource
	Hosts    HostLocator
}

func New(resolver *access.Resolver, patterns PatternSource, hosts HostLocator) *Gateway {
	return &Gateway{Access: resolver, Patterns: patterns, Hosts: hosts}
}

// Execute validates req and runs it in the container. The host's answer is
// returned verbatim. Nothing is sent upstream unless access and validation
// pass.
func (g *Gateway) Execute(ctx context.Context, p access.Principal, hostLabel, dockerID string, req ExecRequest) (json.RawMessage, error) {
	ref, err := g.Access.Resolve(ctx, p, hostLabel, dockerID)
	if err != nil {
		return nil, err
	}

	mode, err := command.ParseMode(req.Mode)
	if err != nil {
		return nil, &InvalidCommandError{Err: err}
	}
	if strings.TrimSpace(req.Cmd) == "" {
		return nil, &InvalidCommandError{Err: command.ErrEmptyCommand}
	}

	var pattern *command.Pattern
	if mode == command.ModeDefault {
		pattern, err = g.Patterns.PatternForContainer(ctx, ref.DockerID)
		if errors.Is(err, command.ErrInvalidPattern) {
			return nil, &InvalidCommandError{Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("pattern lookup for %s: %w", ref.DockerID, err)
		}
	}

	argv, err := command.Build(req.Cmd, mode, pattern)
	if err != nil {
		return nil, &InvalidCommandError{Err: err}
	}

	api, err := g.hostAPI(ref.HostLabel)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "gateway").Str("host", ref.HostLabel).Str("container", ref.DockerID).Str("principal", p.ID).Logger()
	if pattern != nil {
		logger.Info().Str("pattern", pattern.Name).Int("argc", len(argv)).Msg("exec")
	} else {
		logger.Info().Str("mode", mode.String()).Int("argc", len(argv)).Msg("exec")
	}
	return api.Exec(ctx, ref.DockerID, argv)
}

// Action runs a lifecycle action on a container the principal may access.
func (g *Gateway) Action(ctx context.Context, p access.Principal, hostLabel, dockerID string, action hostapi.Action) (ActionSummary, error) {
	ref, err := g.Access.Resolve(ctx, p, hostLabel, dockerID)
	if err != nil {
		return ActionSummary{}, err
	}
	api, err := g.hostAPI(ref.HostLabel)
	if err != nil {
		return ActionSummary{}, err
	}

	res, err := api.Action(ctx, ref.DockerID, action)
	if err != nil {
		return ActionSummary{}, err
	}
	log.Info().Str("component", "gateway").Str("host", ref.HostLabel).Str("container", ref.DockerID).Str("action", string(action)).Str("state", res.ContainerState).Msg("container action")

	out := ActionSummary{DockerID: res.DockerID, ContainerState: res.ContainerState, Exists: res.Exists}
	if res.ServerID != "" {
		out.ServerID = &res.ServerID
	}
	return out, nil
}

// Remove deletes a container by docker id on whichever host runs it. Callers
// must have checked that the principal is an admin.
func (g *Gateway) Remove(ctx context.Context, dockerID string) (hostapi.RemoveResult, error) {
	dockerID = strings.TrimSpace(dockerID)
	if dockerID == "" {
		return hostapi.RemoveResult{}, ErrDockerIDRequired
	}

	hostLabel, ok := g.Hosts.FindHost(dockerID)
	if !ok {
		return hostapi.RemoveResult{}, fmt.Errorf("container %q: %w", dockerID, access.ErrNotFound)
	}
	api, err := g.hostAPI(hostLabel)
	if err != nil {
		return hostapi.RemoveResult{}, err
	}

	res, err := api.Remove(ctx, dockerID)
	if err != nil {
		return hostapi.RemoveResult{}, err
	}
	g.Hosts.RemoveContainer(hostLabel, dockerID)
	log.Info().Str("component", "gateway").Str("host", hostLabel).Str("container", dockerID).Bool("removed", res.Removed).Msg("container removed")
	return res, nil
}

func (g *Gateway) hostAPI(hostLabel string) (HostAPI, error) {
	api, ok := g.Hosts.HostAPI(hostLabel)
	if !ok {
		return nil, fmt.Errorf("host %q not configured: %w", hostLabel, access.ErrNotFound)
	}
	return api, nil
}

// InventoryHosts adapts an inventory to HostLocator.
func InventoryHosts(inv *inventory.Inventory) HostLocator {
	return inventoryHosts{inv}
}

type inventoryHosts struct {
	*inventory.Inventory
}

func (h inventoryHosts) HostAPI(hostLabel string) (HostAPI, bool) {
	_, api, ok := h.Host(hostLabel)
	if !ok {
		return nil, false
	}
	return api, true
}
