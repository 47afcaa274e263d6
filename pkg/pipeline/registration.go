package pipeline

import (
	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
)

// StepHandler executes one step of a batch.
type StepHandler func(oc *OperationContext, op engine.Operation) error

// Registration is what a subsystem contributes for one path pattern: the
// schema of its resources, the capabilities they provide and require, the
// services they install, and optional handler overrides.
type Registration struct {
	// Pattern is the registration path, with wildcards for named children.
	Pattern engine.Address

	// Schema describes the resource attributes.
	Schema *model.Schema

	// Capabilities are provided by every resource of this registration.
	// Dynamic capabilities are scoped by the resource name.
	Capabilities []capability.Capability

	// Requirements returns the full names of the capabilities a resource
	// requires, given its resolved attributes.
	Requirements func(address engine.Address, attrs map[string]interface{}) []string

	// Installers returns the services to install for a resource in RUNTIME.
	Installers func(address engine.Address, attrs map[string]interface{}) []*capability.Installer

	// AddTranslation may rewrite an add operation before it is applied, and
	// may enqueue further MODEL steps.
	AddTranslation func(oc *OperationContext, op engine.Operation) (engine.Operation, error)

	// Add, Remove and WriteAttribute run in MODEL after the default handling
	// of the matching operation.
	Add            StepHandler
	Remove         StepHandler
	WriteAttribute StepHandler

	// Verify runs in the VERIFY stage after an add or write on this resource.
	Verify StepHandler

	// Operations are custom operations addressed to resources of this
	// registration, keyed by name.
	Operations map[string]StepHandler
}

// provided returns the full capability names a resource provides.
func (r *Registration) provided(address engine.Address) []string {
	if len(r.Capabilities) == 0 {
		return nil
	}
	scope := ""
	if !address.IsRoot() {
		scope = address.Last().Value
	}
	out := make([]string, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		out = append(out, c.Resolve(scope))
	}
	return out
}

func (r *Registration) required(address engine.Address, attrs map[string]interface{}) []string {
	if r.Requirements == nil {
		return nil
	}
	return r.Requirements(address, attrs)
}

func (r *Registration) installers(address engine.Address, attrs map[string]interface{}) []*capability.Installer {
	if r.Installers == nil {
		return nil
	}
	out := r.Installers(address, attrs)
	for _, inst := range out {
		if inst.Owner == nil {
			inst.Owner = address.Clone()
		}
	}
	return out
}

// serviceNames returns the capability names of the services a resource installs.
func (r *Registration) serviceNames(address engine.Address, attrs map[string]interface{}) []string {
	var out []string
	for _, inst := range r.installers(address, attrs) {
		out = append(out, inst.Capability)
	}
	return out
}
