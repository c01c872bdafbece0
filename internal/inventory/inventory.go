// Package inventory keeps the live container snapshot of every registered
// host. The snapshot is read-mostly: requests read it, the poller replaces
// one host's containers at a time.
package inventory

import (
	"sort"
	"sync"
	"time"

	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/hostapi"
)

// Host is a registered container host.
type Host struct {
	Label      string
	IP         string
	APIBaseURL string
	// BrokerURL is the host's log broker. Empty means the default broker.
	BrokerURL string
	APIToken  string
}

// ContainerInfo is a container as shown to clients.
type ContainerInfo struct {
	ServerID        string  `json:"serverId"`
	DockerID        string  `json:"dockerId"`
	Exists          bool    `json:"exists"`
	ContainerState  string  `json:"containerState"`
	CPUPercent      float64 `json:"cpuPercent"`
	MemUsage        float64 `json:"memUsage"`
	MemLimit        float64 `json:"memLimit"`
	MemUsagePercent float64 `json:"memUsagePercent"`
	Port            string  `json:"port"`
	HostLabel       string  `json:"hostLabel"`
}

// Ref returns the access reference of the container.
func (c ContainerInfo) Ref() access.ContainerRef {
	return access.ContainerRef{HostLabel: c.HostLabel, DockerID: c.DockerID, ServerID: c.ServerID}
}

type hostState struct {
	host       Host
	api        *hostapi.Client
	containers map[string]ContainerInfo
	polledAt   time.Time
}

// Inventory is the snapshot store. It implements access.ContainerSource.
type Inventory struct {
	apiTimeout time.Duration

	mu    sync.RWMutex
	hosts map[string]*hostState
}

// New returns an empty inventory whose host API clients use apiTimeout.
func New(apiTimeout time.Duration) *Inventory {
	return &Inventory{apiTimeout: apiTimeout, hosts: make(map[string]*hostState)}
}

// UpsertHost registers h or updates its connection details. Known
// containers are kept. It returns the previous record when one existed.
func (inv *Inventory) UpsertHost(h Host) (Host, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.upsertLocked(h)
}

func (inv *Inventory) upsertLocked(h Host) (Host, bool) {
	st, ok := inv.hosts[h.Label]
	if !ok {
		inv.hosts[h.Label] = &hostState{
			host:       h,
			api:        hostapi.New(h.APIBaseURL, h.APIToken, inv.apiTimeout),
			containers: make(map[string]ContainerInfo),
		}
		return Host{}, false
	}
	prev := st.host
	if prev != h {
		st.host = h
		st.api = hostapi.New(h.APIBaseURL, h.APIToken, inv.apiTimeout)
	}
	return prev, true
}

// SetHosts makes hosts the complete set of registered hosts and returns the
// ones that were dropped.
func (inv *Inventory) SetHosts(hosts []Host) []Host {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	keep := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		keep[h.Label] = true
		inv.upsertLocked(h)
	}

	var removed []Host
	for label, st := range inv.hosts {
		if !keep[label] {
			removed = append(removed, st.host)
			delete(inv.hosts, label)
		}
	}
	return removed
}

// RemoveHost drops the host and its containers.
func (inv *Inventory) RemoveHost(label string) (Host, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	st, ok := inv.hosts[label]
	if !ok {
		return Host{}, false
	}
	delete(inv.hosts, label)
	return st.host, true
}

// Replace swaps the host's container set for containers. It is a no-op for
// unknown hosts so a late poll cannot resurrect a removed host.
func (inv *Inventory) Replace(label string, containers []hostapi.Container) bool {
	next := make(map[string]ContainerInfo, len(containers))
	for _, c := range containers {
		next[c.DockerID] = ContainerInfo{
			ServerID:        c.ServerID,
			DockerID:        c.DockerID,
			Exists:          c.Exists,
			ContainerState:  c.ContainerState,
			CPUPercent:      c.CPUPercent,
			MemUsage:        c.MemUsage,
			MemLimit:        c.MemLimit,
			MemUsagePercent: c.MemUsagePercent,
			Port:            c.Port,
			HostLabel:       label,
		}
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	st, ok := inv.hosts[label]
	if !ok {
		return false
	}
	st.containers = next
	st.polledAt = time.Now()
	return true
}

// RemoveContainer drops one container from the host's snapshot.
func (inv *Inventory) RemoveContainer(label, dockerID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if st, ok := inv.hosts[label]; ok {
		delete(st.containers, dockerID)
	}
}

// HasHost implements access.ContainerSource.
func (inv *Inventory) HasHost(label string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.hosts[label]
	return ok
}

// ContainerRef implements access.ContainerSource.
func (inv *Inventory) ContainerRef(label, dockerID string) (access.ContainerRef, bool) {
	c, ok := inv.Container(label, dockerID)
	if !ok {
		return access.ContainerRef{}, false
	}
	return c.Ref(), true
}

// Container returns one container from the snapshot.
func (inv *Inventory) Container(label, dockerID string) (ContainerInfo, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	st, ok := inv.hosts[label]
	if !ok {
		return ContainerInfo{}, false
	}
	c, ok := st.containers[dockerID]
	return c, ok
}

// Host returns the host record and its API client.
func (inv *Inventory) Host(label string) (Host, *hostapi.Client, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	st, ok := inv.hosts[label]
	if !ok {
		return Host{}, nil, false
	}
	return st.host, st.api, true
}

// Hosts returns every registered host ordered by label.
func (inv *Inventory) Hosts() []Host {
	inv.mu.RLock()
	out := make([]Host, 0, len(inv.hosts))
	for _, st := range inv.hosts {
		out = append(out, st.host)
	}
	inv.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// FindHost returns the label of the host that runs dockerID.
func (inv *Inventory) FindHost(dockerID string) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for label, st := range inv.hosts {
		if _, ok := st.containers[dockerID]; ok {
			return label, true
		}
	}
	return "", false
}

// All returns every container ordered by host label then docker id.
func (inv *Inventory) All() []ContainerInfo {
	inv.mu.RLock()
	var out []ContainerInfo
	for _, st := range inv.hosts {
		for _, c := range st.containers {
			out = append(out, c)
		}
	}
	inv.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HostLabel != out[j].HostLabel {
			return out[i].HostLabel < out[j].HostLabel
		}
		return out[i].DockerID < out[j].DockerID
	})
	return out
}
