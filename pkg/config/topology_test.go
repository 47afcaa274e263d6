package config

import (
	"path/filepath"
	"testing"
)

const topologyYAML = `
servers:
  - name: server-one
    host: h1
    group: main-group
  - name: server-two
    host: h2
    group: main-group
    model_versions:
      mail: 4.0.0
hosts:
  - name: h1
    address: 10.0.0.1
    labels: {zone: a}
  - name: h2
    address: 10.0.0.2
    port: 2222
    jump: bastion.example.com
server-groups:
  - name: main-group
    profile: full
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatalf("ParseTopology() error = %v", err)
	}

	refs, err := topo.ServerGroup("main-group")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(refs))
	}
	s, ok := topo.Server("h2/server-two")
	if !ok || s.ModelVersions["mail"] != "4.0.0" {
		t.Errorf("server-two = %+v", s)
	}
	h, ok := topo.Host("h2")
	if !ok || h.Port != 2222 || h.Jump != "bastion.example.com" {
		t.Errorf("h2 = %+v", h)
	}
	if hosts := topo.SelectHosts("zone=a"); len(hosts) != 1 || hosts[0].Name != "h1" {
		t.Errorf("SelectHosts(zone=a) = %v", hosts)
	}
}

func TestParseTopology_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "hosts: [\n"},
		{"host without address", "hosts:\n  - name: h1\n"},
		{"port out of range", "hosts:\n  - name: h1\n    address: a\n    port: 70000\n"},
		{"unknown host", "server-groups:\n  - {name: g, profile: p}\nservers:\n  - {name: s, host: nope, group: g}\n"},
		{"duplicate group", "server-groups:\n  - {name: g, profile: p}\n  - {name: g, profile: q}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTopology([]byte(tt.yaml)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "topology.yaml", topologyYAML)
	if _, err := LoadTopology(path); err != nil {
		t.Fatalf("LoadTopology() error = %v", err)
	}
	if _, err := LoadTopology(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
