package domain

import (
	"reflect"
	"testing"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

func newTestTopology(t *testing.T) *Topology {
	t.Helper()
	topo := NewTopology()
	for _, h := range []Host{
		{Name: "h1", Address: "10.0.0.1", Labels: map[string]string{"zone": "a"}},
		{Name: "h2", Address: "10.0.0.2", Labels: map[string]string{"zone": "b"}},
	} {
		if err := topo.AddHost(h); err != nil {
			t.Fatal(err)
		}
	}
	for _, g := range []ServerGroup{
		{Name: "main-group", Profile: "full"},
		{Name: "other-group", Profile: "full"},
		{Name: "ha-group", Profile: "ha"},
	} {
		if err := topo.AddGroup(g); err != nil {
			t.Fatal(err)
		}
	}
	for _, s := range []Server{
		{Name: "b", Host: "h2", Group: "main-group"},
		{Name: "a", Host: "h1", Group: "main-group"},
		{Name: "c", Host: "h1", Group: "other-group"},
		{Name: "d", Host: "h2", Group: "ha-group"},
	} {
		if err := topo.AddServer(s); err != nil {
			t.Fatal(err)
		}
	}
	return topo
}

func TestTopology_AddServerValidation(t *testing.T) {
	topo := newTestTopology(t)

	tests := []struct {
		name   string
		server Server
	}{
		{"missing name", Server{Host: "h1", Group: "main-group"}},
		{"unknown host", Server{Name: "x", Host: "h9", Group: "main-group"}},
		{"unknown group", Server{Name: "x", Host: "h1", Group: "nope"}},
		{"duplicate", Server{Name: "a", Host: "h1", Group: "main-group"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := topo.AddServer(tt.server)
			if !engine.IsValidation(err) {
				t.Errorf("AddServer() error = %v, want a validation error", err)
			}
		})
	}

	if err := topo.AddHost(Host{Name: "h1", Address: "x"}); err == nil {
		t.Error("expected an error for a duplicate host")
	}
	if err := topo.AddGroup(ServerGroup{Name: "ha-group", Profile: "ha"}); err == nil {
		t.Error("expected an error for a duplicate group")
	}
}

func TestTopology_ServerGroup(t *testing.T) {
	topo := newTestTopology(t)

	servers, err := topo.ServerGroup("main-group")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range servers {
		ids = append(ids, s.ID())
	}
	if want := []string{"h1/a", "h2/b"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ServerGroup() = %v, want %v", ids, want)
	}

	if _, err := topo.ServerGroup("nope"); err == nil {
		t.Error("expected an error for an unknown group")
	}

	if got, want := topo.ServerGroups(), []string{"ha-group", "main-group", "other-group"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ServerGroups() = %v, want %v", got, want)
	}
	if got, want := topo.GroupsForProfile("full"), []string{"main-group", "other-group"}; !reflect.DeepEqual(got, want) {
		t.Errorf("GroupsForProfile() = %v, want %v", got, want)
	}
}

func TestTopology_SelectHosts(t *testing.T) {
	topo := newTestTopology(t)

	tests := []struct {
		selector string
		want     []string
	}{
		{"", []string{"h1", "h2"}},
		{"all", []string{"h1", "h2"}},
		{"zone=a", []string{"h1"}},
		{"zone=a,rack=1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			var got []string
			for _, h := range topo.SelectHosts(tt.selector) {
				got = append(got, h.Name)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectHosts(%q) = %v, want %v", tt.selector, got, tt.want)
			}
		})
	}
}

func TestTopology_ModelVersions(t *testing.T) {
	topo := newTestTopology(t)

	if !topo.SetModelVersions("h1/a", map[string]string{"mail": "4.0.0"}) {
		t.Fatal("SetModelVersions() = false for a known server")
	}
	if topo.SetModelVersions("h9/z", nil) {
		t.Error("SetModelVersions() = true for an unknown server")
	}

	servers, _ := topo.ServerGroup("main-group")
	if servers[0].ModelVersions["mail"] != "4.0.0" {
		t.Errorf("ref versions = %v", servers[0].ModelVersions)
	}
	servers[0].ModelVersions["mail"] = "changed"
	if s, _ := topo.Server("h1/a"); s.ModelVersions["mail"] != "4.0.0" {
		t.Error("refs must not share version maps with the topology")
	}

	// A reload keeps versions learned from agents.
	reloaded := newTestTopology(t)
	topo.Replace(reloaded)
	if s, _ := topo.Server("h1/a"); s.ModelVersions["mail"] != "4.0.0" {
		t.Errorf("versions after Replace() = %v", s.ModelVersions)
	}
	if len(topo.Servers()) != 4 {
		t.Errorf("Servers() = %d, want 4", len(topo.Servers()))
	}
}
