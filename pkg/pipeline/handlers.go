package pipeline

import (
	"reflect"
	"sort"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
)

// ParamIncludeDefaults controls whether reads report default values for
// undefined attributes. It defaults to true.
const ParamIncludeDefaults = "include-defaults"

var globalOperations = map[string]StepHandler{
	engine.OpNameReadResource:      readResourceHandler,
	engine.OpNameReadAttribute:     readAttributeHandler,
	engine.OpNameUndefineAttribute: undefineAttributeHandler,
}

var readOnlyOperations = map[string]bool{
	engine.OpNameReadResource:  true,
	engine.OpNameReadAttribute: true,
}

// addHandler creates the resource, records the capabilities it provides and
// requires, and schedules its services for RUNTIME.
func addHandler(oc *OperationContext, op engine.Operation) error {
	reg, err := oc.Registration(op.Address)
	if err != nil {
		return err
	}
	if reg.AddTranslation != nil {
		if op, err = reg.AddTranslation(oc, op); err != nil {
			return err
		}
	}
	if err := oc.CreateResource(op.Address, op.Parameters); err != nil {
		return err
	}
	attrs, err := oc.ResolvedAttributes(op.Address)
	if err != nil {
		return err
	}

	for _, name := range reg.provided(op.Address) {
		oc.Provide(name, op.Address)
	}
	for _, name := range reg.required(op.Address, attrs) {
		oc.Require(name, op.Address.String())
	}
	if reg.Installers != nil {
		if err := oc.AddStep(engine.StageRuntime, op, installServices); err != nil {
			return err
		}
	}
	if reg.Verify != nil {
		if err := oc.AddStep(engine.StageVerify, op, reg.Verify); err != nil {
			return err
		}
	}
	if reg.Add != nil {
		return reg.Add(oc, op)
	}
	return nil
}

// removeHandler removes the resource subtree. Capabilities of every removed
// resource are released and withdrawn, deepest first, and their services are
// scheduled for removal in RUNTIME.
func removeHandler(oc *OperationContext, op engine.Operation) error {
	reg, err := oc.Registration(op.Address)
	if err != nil {
		return err
	}
	addrs, err := subtree(oc, op.Address)
	if err != nil {
		return err
	}

	var services []string
	for _, addr := range addrs {
		r, err := oc.Registration(addr)
		if err != nil {
			return err
		}
		attrs, err := oc.ResolvedAttributes(addr)
		if err != nil {
			return err
		}
		for _, name := range r.required(addr, attrs) {
			oc.Release(name, addr.String())
		}
		for _, name := range r.provided(addr) {
			oc.Withdraw(name, addr)
		}
		services = append(services, r.serviceNames(addr, attrs)...)
	}

	if err := oc.RemoveResource(op.Address); err != nil {
		return err
	}
	if len(services) > 0 {
		if err := oc.AddStep(engine.StageRuntime, op, uninstallServices(services)); err != nil {
			return err
		}
	}
	if reg.Remove != nil {
		return reg.Remove(oc, op)
	}
	return nil
}

// writeAttributeHandler writes one attribute and applies its restart flag.
func writeAttributeHandler(oc *OperationContext, op engine.Operation) error {
	reg, err := oc.Registration(op.Address)
	if err != nil {
		return err
	}
	name := op.StringParam(engine.ParamName)
	value, _ := op.Param(engine.ParamValue)

	before, err := oc.ResolvedAttributes(op.Address)
	if err != nil {
		return err
	}
	def, err := oc.WriteAttribute(op.Address, name, value)
	if err != nil {
		return err
	}
	after, err := oc.ResolvedAttributes(op.Address)
	if err != nil {
		return err
	}

	dependent := op.Address.String()
	oldReqs := reg.required(op.Address, before)
	newReqs := reg.required(op.Address, after)
	for _, n := range difference(oldReqs, newReqs) {
		oc.Release(n, dependent)
	}
	for _, n := range difference(newReqs, oldReqs) {
		oc.Require(n, dependent)
	}

	if !reflect.DeepEqual(before[name], after[name]) {
		switch def.RestartFlag() {
		case model.RestartAllServices:
			if oc.ProcessType().RunsServices() {
				oc.ReloadRequired()
			}
		case model.RestartResourceServices:
			if reg.Installers != nil {
				if err := oc.AddStep(engine.StageRuntime, op, reinstallServices(reg.serviceNames(op.Address, before))); err != nil {
					return err
				}
			}
		}
	}

	if reg.Verify != nil {
		if err := oc.AddStep(engine.StageVerify, op, reg.Verify); err != nil {
			return err
		}
	}
	if reg.WriteAttribute != nil {
		return reg.WriteAttribute(oc, op)
	}
	return nil
}

func undefineAttributeHandler(oc *OperationContext, op engine.Operation) error {
	name := op.StringParam(engine.ParamName)
	if name == "" {
		return engine.NewValidationError("undefine-attribute requires a %q parameter", engine.ParamName)
	}
	return writeAttributeHandler(oc, engine.NewWriteAttributeOperation(op.Address, name, nil))
}

func readResourceHandler(oc *OperationContext, op engine.Operation) error {
	includeDefaults := true
	if v, ok := op.Param(ParamIncludeDefaults); ok {
		includeDefaults, _ = v.(bool)
	}
	m, err := readResource(oc, op.Address, op.BoolParam(engine.ParamRecursive), includeDefaults)
	if err != nil {
		return err
	}
	oc.SetResult(m)
	return nil
}

func readAttributeHandler(oc *OperationContext, op engine.Operation) error {
	name := op.StringParam(engine.ParamName)
	schema, err := oc.tx.Schema(op.Address)
	if err != nil {
		return err
	}
	if _, ok := schema.Attribute(name); !ok {
		return engine.NewValidationError("unknown attribute %q", name)
	}
	res, err := oc.ReadResource(op.Address)
	if err != nil {
		return err
	}
	attrs := res.Attributes
	if v, ok := op.Param(ParamIncludeDefaults); !ok || v == true {
		attrs = schema.Resolve(attrs)
	}
	oc.SetResult(attrs[name])
	return nil
}

func readResource(oc *OperationContext, address engine.Address, recursive, includeDefaults bool) (map[string]interface{}, error) {
	res, err := oc.ReadResource(address)
	if err != nil {
		return nil, err
	}
	out := engine.CloneMap(res.Attributes)
	if includeDefaults {
		schema, err := oc.tx.Schema(address)
		if err == nil {
			out = schema.Resolve(res.Attributes)
		}
	}
	if out == nil {
		out = make(map[string]interface{})
	}
	for typ, names := range res.Children {
		children := make(map[string]interface{}, len(names))
		for _, name := range names {
			if !recursive {
				children[name] = nil
				continue
			}
			child, err := readResource(oc, address.Append(engine.Elem(typ, name)), true, includeDefaults)
			if err != nil {
				return nil, err
			}
			children[name] = child
		}
		out[typ] = children
	}
	return out, nil
}

// installServices installs the services of an added resource.
func installServices(oc *OperationContext, op engine.Operation) error {
	if !oc.tx.Exists(op.Address) {
		// Removed again later in the same batch.
		return nil
	}
	reg, err := oc.Registration(op.Address)
	if err != nil {
		return err
	}
	attrs, err := oc.ResolvedAttributes(op.Address)
	if err != nil {
		return err
	}
	for _, inst := range reg.installers(op.Address, attrs) {
		if err := oc.Install(inst); err != nil {
			return err
		}
	}
	return nil
}

func uninstallServices(names []string) StepHandler {
	return func(oc *OperationContext, _ engine.Operation) error {
		for _, name := range names {
			if err := oc.Uninstall(name); err != nil {
				return err
			}
		}
		return nil
	}
}

// reinstallServices replaces a resource's services with ones built from its
// current attributes. Reconcile restarts them when RUNTIME completes.
func reinstallServices(old []string) StepHandler {
	return func(oc *OperationContext, op engine.Operation) error {
		if err := uninstallServices(old)(oc, op); err != nil {
			return err
		}
		return installServices(oc, op)
	}
}

// subtree lists address and its descendants, children before parents.
func subtree(oc *OperationContext, address engine.Address) ([]engine.Address, error) {
	res, err := oc.ReadResource(address)
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(res.Children))
	for typ := range res.Children {
		types = append(types, typ)
	}
	sort.Strings(types)

	var out []engine.Address
	for _, typ := range types {
		for _, name := range res.Children[typ] {
			sub, err := subtree(oc, address.Append(engine.Elem(typ, name)))
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	return append(out, address.Clone()), nil
}

// difference returns the members of a not in b.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}
