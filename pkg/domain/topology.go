package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// Host is a machine running managed servers under a host controller.
type Host struct {
	Name    string            `json:"name" yaml:"name" validate:"required"`
	Address string            `json:"address" yaml:"address" validate:"required"`
	Port    int               `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	User    string            `json:"user,omitempty" yaml:"user,omitempty"`
	KeyPath string            `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Jump is the bastion, [user@]host[:port], the host is reached through.
	Jump string `json:"jump,omitempty" yaml:"jump,omitempty"`
}

// ServerGroup is a set of servers sharing one profile.
type ServerGroup struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	Profile string `json:"profile" yaml:"profile" validate:"required"`
}

// Server is one managed server process.
type Server struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Host  string `json:"host" yaml:"host" validate:"required"`
	Group string `json:"group" yaml:"group" validate:"required"`

	// Agent is the host:port of the server's agent listener. When empty the
	// agent is started over SSH on the host.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`

	// ModelVersions are the subsystem versions the server runs. Updated from
	// the agent's HELLO once connected.
	ModelVersions map[string]string `json:"model_versions,omitempty" yaml:"model_versions,omitempty"`
}

// ID returns the domain-wide server identifier.
func (s Server) ID() string {
	return s.Host + "/" + s.Name
}

// Ref returns the reference the rollout executor works with.
func (s Server) Ref() engine.ServerRef {
	return engine.ServerRef{
		Name:          s.Name,
		Host:          s.Host,
		Group:         s.Group,
		ModelVersions: copyVersions(s.ModelVersions),
	}
}

// Topology is the domain's hosts, server groups and servers. It is safe for
// concurrent use and can be swapped wholesale on reload.
type Topology struct {
	mu      sync.RWMutex
	hosts   map[string]*Host
	groups  map[string]*ServerGroup
	servers map[string]*Server
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		hosts:   make(map[string]*Host),
		groups:  make(map[string]*ServerGroup),
		servers: make(map[string]*Server),
	}
}

// AddHost adds a host.
func (t *Topology) AddHost(h Host) error {
	if h.Name == "" {
		return engine.NewValidationError("host name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hosts[h.Name]; ok {
		return engine.NewValidationError("host %q is already defined", h.Name)
	}
	t.hosts[h.Name] = &h
	return nil
}

// AddGroup adds a server group.
func (t *Topology) AddGroup(g ServerGroup) error {
	if g.Name == "" {
		return engine.NewValidationError("server group name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.groups[g.Name]; ok {
		return engine.NewValidationError("server group %q is already defined", g.Name)
	}
	t.groups[g.Name] = &g
	return nil
}

// AddServer adds a server. Its host and group must already be defined.
func (t *Topology) AddServer(s Server) error {
	if s.Name == "" {
		return engine.NewValidationError("server name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hosts[s.Host]; !ok {
		return engine.NewValidationError("server %q references unknown host %q", s.Name, s.Host)
	}
	if _, ok := t.groups[s.Group]; !ok {
		return engine.NewValidationError("server %q references unknown server group %q", s.Name, s.Group)
	}
	if _, ok := t.servers[s.ID()]; ok {
		return engine.NewValidationError("server %q is already defined", s.ID())
	}
	s.ModelVersions = copyVersions(s.ModelVersions)
	t.servers[s.ID()] = &s
	return nil
}

// Replace swaps in the contents of other, keeping model versions learned
// from agents for servers that are still defined.
func (t *Topology) Replace(other *Topology) {
	other.mu.RLock()
	hosts := make(map[string]*Host, len(other.hosts))
	for k, v := range other.hosts {
		h := *v
		hosts[k] = &h
	}
	groups := make(map[string]*ServerGroup, len(other.groups))
	for k, v := range other.groups {
		g := *v
		groups[k] = &g
	}
	servers := make(map[string]*Server, len(other.servers))
	for k, v := range other.servers {
		s := *v
		s.ModelVersions = copyVersions(v.ModelVersions)
		servers[k] = &s
	}
	other.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range servers {
		if old, ok := t.servers[id]; ok && len(s.ModelVersions) == 0 {
			s.ModelVersions = copyVersions(old.ModelVersions)
		}
	}
	t.hosts, t.groups, t.servers = hosts, groups, servers
}

// Host returns a host by name.
func (t *Topology) Host(name string) (Host, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hosts[name]
	if !ok {
		return Host{}, false
	}
	return *h, true
}

// Hosts returns every host sorted by name.
func (t *Topology) Hosts() []Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Host, 0, len(t.hosts))
	for _, h := range t.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SelectHosts returns the hosts matching a label selector of the form
// "key1=value1,key2=value2". An empty selector or "all" selects every host.
func (t *Topology) SelectHosts(selector string) []Host {
	labels := parseSelector(selector)
	var out []Host
	for _, h := range t.Hosts() {
		if matchesLabels(h.Labels, labels) {
			out = append(out, h)
		}
	}
	return out
}

// Group returns a server group by name.
func (t *Topology) Group(name string) (ServerGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[name]
	if !ok {
		return ServerGroup{}, false
	}
	return *g, true
}

// GroupsForProfile returns the sorted names of the groups running profile.
func (t *Topology) GroupsForProfile(profile string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for name, g := range t.groups {
		if g.Profile == profile {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ServerGroups implements engine.Topology.
func (t *Topology) ServerGroups() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.groups))
	for name := range t.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ServerGroup implements engine.Topology. Servers are ordered by host, then
// name.
func (t *Topology) ServerGroup(name string) ([]engine.ServerRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.groups[name]; !ok {
		return nil, fmt.Errorf("server group %q is not defined", name)
	}
	var out []engine.ServerRef
	for _, s := range t.servers {
		if s.Group == name {
			out = append(out, s.Ref())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Server returns a server by ID.
func (t *Topology) Server(id string) (Server, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.servers[id]
	if !ok {
		return Server{}, false
	}
	out := *s
	out.ModelVersions = copyVersions(s.ModelVersions)
	return out, true
}

// Servers returns every server sorted by ID.
func (t *Topology) Servers() []Server {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Server, 0, len(t.servers))
	for _, s := range t.servers {
		c := *s
		c.ModelVersions = copyVersions(s.ModelVersions)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetModelVersions records the versions a server reported.
func (t *Topology) SetModelVersions(id string, versions map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.servers[id]
	if !ok {
		return false
	}
	s.ModelVersions = copyVersions(versions)
	return true
}

func copyVersions(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// parseSelector parses a label selector string into a map.
// Format: "key1=value1,key2=value2"
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	for _, pair := range strings.Split(selector, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			labels[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	for key, value := range selectorLabels {
		if hostValue, ok := hostLabels[key]; !ok || hostValue != value {
			return false
		}
	}
	return true
}
