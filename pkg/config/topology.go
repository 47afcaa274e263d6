package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/domainkernel/domainkernel/pkg/domain"
)

// TopologyFile is the on-disk form of the domain topology.
//
//	hosts:
//	  - name: h1
//	    address: 10.0.0.1
//	    labels: {zone: a}
//	server-groups:
//	  - name: main-group
//	    profile: full
//	servers:
//	  - name: server-one
//	    host: h1
//	    group: main-group
type TopologyFile struct {
	Hosts        []domain.Host        `yaml:"hosts" validate:"dive"`
	ServerGroups []domain.ServerGroup `yaml:"server-groups" validate:"dive"`
	Servers      []domain.Server      `yaml:"servers" validate:"dive"`
}

// LoadTopology reads and builds the topology file at path.
func LoadTopology(path string) (*domain.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	topo, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, nil
}

// ParseTopology builds a topology from YAML. Hosts and groups are added
// before servers, so entries may appear in any order within the file.
func ParseTopology(data []byte) (*domain.Topology, error) {
	var file TopologyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	topo := domain.NewTopology()
	for _, h := range file.Hosts {
		if err := topo.AddHost(h); err != nil {
			return nil, err
		}
	}
	for _, g := range file.ServerGroups {
		if err := topo.AddGroup(g); err != nil {
			return nil, err
		}
	}
	for _, s := range file.Servers {
		if err := topo.AddServer(s); err != nil {
			return nil, err
		}
	}
	return topo, nil
}
