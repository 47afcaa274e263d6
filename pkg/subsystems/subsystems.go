// Package subsystems holds the extensions a managed server loads: their
// resource registrations, the services those resources install, and the
// transformer chains used to talk to servers running older model versions.
package subsystems

import (
	"fmt"
	"sort"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

// Subsystem is one extension.
type Subsystem interface {
	// Name is the subsystem resource name, as in /subsystem=<name>.
	Name() string

	// Version is the current model version.
	Version() transform.ModelVersion

	// Registrations returns the resource registrations, parents first.
	Registrations() []*pipeline.Registration

	// RegisterTransformers adds the chain for older model versions. It may
	// leave the registry untouched when no older version is supported.
	RegisterTransformers(r *transform.Registry)
}

// All returns every built-in subsystem in registration order.
func All() []Subsystem {
	return []Subsystem{
		&Transactions{},
		&LRACoordinator{},
		&Mail{},
	}
}

// Lookup returns the built-in subsystem with the given name.
func Lookup(name string) (Subsystem, bool) {
	for _, s := range All() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Select returns the named built-in subsystems, all of them when names is empty.
func Select(names []string) ([]Subsystem, error) {
	if len(names) == 0 {
		return All(), nil
	}
	out := make([]Subsystem, 0, len(names))
	for _, name := range names {
		s, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown subsystem %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Register adds every registration of subs to the controller.
func Register(c *pipeline.Controller, subs ...Subsystem) error {
	for _, s := range subs {
		for _, reg := range s.Registrations() {
			if err := c.Register(reg); err != nil {
				return fmt.Errorf("failed to register subsystem %s: %w", s.Name(), err)
			}
		}
	}
	return nil
}

// RegisterTransformers adds the transformer chains of subs to r.
func RegisterTransformers(r *transform.Registry, subs ...Subsystem) {
	for _, s := range subs {
		s.RegisterTransformers(r)
	}
}

// Versions returns the current model version of each subsystem.
func Versions(subs ...Subsystem) map[string]string {
	out := make(map[string]string, len(subs))
	for _, s := range subs {
		out[s.Name()] = s.Version().String()
	}
	return out
}

// Names returns the sorted subsystem names.
func Names(subs ...Subsystem) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Name())
	}
	sort.Strings(out)
	return out
}

func subsystemAddress(name string) engine.Address {
	return engine.NewAddress(engine.SubsystemKey, name)
}
