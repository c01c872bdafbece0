// Package access decides whether a principal may operate on a container.
//
// A container is open unless a restriction record exists for it. Restricted
// containers are reachable only by admins and by principals holding an
// explicit allow-entry. The resolver is read-only: the container snapshot
// and the rule store are injected and owned by other packages.
package access

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("access to container is restricted")
)

// Principal is the authenticated caller of a request.
type Principal struct {
	ID      string
	IsAdmin bool
}

// ContainerRef identifies a remote container and the host that owns it.
type ContainerRef struct {
	HostLabel string `json:"hostLabel"`
	DockerID  string `json:"containerId"`
	ServerID  string `json:"serverId"`
}

// ContainerSource is the live container-state snapshot.
type ContainerSource interface {
	// HasHost reports whether hostLabel is a registered host.
	HasHost(hostLabel string) bool
	// ContainerRef returns the container on hostLabel, or false when the
	// snapshot does not contain it.
	ContainerRef(hostLabel, dockerID string) (ContainerRef, bool)
}

// RuleStore exposes the persisted restriction records.
type RuleStore interface {
	IsRestricted(ctx context.Context, containerID string) (bool, error)
	HasAllowEntry(ctx context.Context, principalID, containerID string) (bool, error)
}

// Resolver implements the access decision. Safe for concurrent use.
type Resolver struct {
	Containers ContainerSource
	Rules      RuleStore
}

// NewResolver returns a Resolver backed by the given snapshot and rules.
func NewResolver(containers ContainerSource, rules RuleStore) *Resolver {
	return &Resolver{Containers: containers, Rules: rules}
}

// Resolve returns the container when p may operate on it.
func (r *Resolver) Resolve(ctx context.Context, p Principal, hostLabel, dockerID string) (ContainerRef, error) {
	if !r.Containers.HasHost(hostLabel) {
		return ContainerRef{}, fmt.Errorf("host %q: %w", hostLabel, ErrNotFound)
	}
	ref, ok := r.Containers.ContainerRef(hostLabel, dockerID)
	if !ok {
		return ContainerRef{}, fmt.Errorf("container %q on host %q: %w", dockerID, hostLabel, ErrNotFound)
	}

	allowed, err := r.allowed(ctx, p, ref.DockerID)
	if err != nil {
		return ContainerRef{}, err
	}
	if !allowed {
		return ContainerRef{}, ErrForbidden
	}
	return ref, nil
}

// Visible filters refs down to the containers p may see. Order is kept.
func (r *Resolver) Visible(ctx context.Context, p Principal, refs []ContainerRef) ([]ContainerRef, error) {
	out := make([]ContainerRef, 0, len(refs))
	for _, ref := range refs {
		allowed, err := r.allowed(ctx, p, ref.DockerID)
		if err != nil {
			return nil, err
		}
		if allowed {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (r *Resolver) allowed(ctx context.Context, p Principal, containerID string) (bool, error) {
	if p.IsAdmin {
		return true, nil
	}

	restricted, err := r.Rules.IsRestricted(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("access: restriction lookup for %s: %w", containerID, err)
	}
	if !restricted {
		return true, nil
	}

	ok, err := r.Rules.HasAllowEntry(ctx, p.ID, containerID)
	if err != nil {
		return false, fmt.Errorf("access: allow-entry lookup for %s: %w", containerID, err)
	}
	return ok, nil
}
