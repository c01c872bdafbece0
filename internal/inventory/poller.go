package inventory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 10 * time.Second

// HostSource lists the registered hosts.
type HostSource interface {
	ListHosts(ctx context.Context) ([]Host, error)
}

// Poller refreshes the inventory from every host's allinfo endpoint.
type Poller struct {
	Source    HostSource
	Inventory *Inventory
	// OnRemoved is called for hosts that disappeared from the source.
	OnRemoved func(Host)
}

// LoadHosts registers every host from the source without polling them.
func (p *Poller) LoadHosts(ctx context.Context) error {
	hosts, err := p.Source.ListHosts(ctx)
	if err != nil {
		return err
	}
	for _, h := range p.Inventory.SetHosts(hosts) {
		if p.OnRemoved != nil {
			p.OnRemoved(h)
		}
	}
	return nil
}

// PollAll syncs the host list and polls each host once. A host that fails
// keeps its previous snapshot.
func (p *Poller) PollAll(ctx context.Context) error {
	if err := p.LoadHosts(ctx); err != nil {
		return err
	}
	for _, h := range p.Inventory.Hosts() {
		p.PollHost(ctx, h.Label)
	}
	return nil
}

// PollHost refreshes one host. It reports whether the snapshot changed.
func (p *Poller) PollHost(ctx context.Context, label string) bool {
	_, api, ok := p.Inventory.Host(label)
	if !ok {
		return false
	}
	containers, err := api.AllInfo(ctx)
	if err != nil {
		log.Warn().Str("component", "inventory").Str("host", label).Str("url", api.BaseURL()).Err(err).Msg("poll failed")
		return false
	}
	return p.Inventory.Replace(label, containers)
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.PollAll(ctx); err != nil && ctx.Err() == nil {
			log.Error().Str("component", "inventory").Err(err).Msg("failed to list hosts")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
