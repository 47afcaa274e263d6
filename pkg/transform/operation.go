package transform

import (
	"github.com/domainkernel/domainkernel/pkg/engine"
)

// TransformOperation rewrites op for a peer running the given subsystem
// versions. The result may be empty when the operation is discarded, or hold
// several operations when an attribute is relocated. Operations outside any
// subsystem, and subsystems the peer runs at the current version, pass
// through unchanged. op itself is never modified.
func (r *Registry) TransformOperation(op engine.Operation, versions map[string]string) ([]engine.Operation, error) {
	subsystem, _, ok := op.Address.Subsystem()
	if !ok {
		return []engine.Operation{op}, nil
	}
	steps, err := r.path(subsystem, versions)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return []engine.Operation{op}, nil
	}

	out := []engine.Operation{op.Clone()}
	for _, step := range steps {
		var next []engine.Operation
		for _, o := range out {
			rewritten, err := r.applyStep(step, o)
			if err != nil {
				r.logger.Debug().Err(err).
					Str("subsystem", subsystem).
					Str("address", o.Address.String()).
					Msg("Operation rejected for older model version")
				return nil, err
			}
			next = append(next, rewritten...)
		}
		out = next
	}
	return out, nil
}

// TransformOperations rewrites a batch, keeping operation order.
func (r *Registry) TransformOperations(ops []engine.Operation, versions map[string]string) ([]engine.Operation, error) {
	out := make([]engine.Operation, 0, len(ops))
	for _, op := range ops {
		rewritten, err := r.TransformOperation(op, versions)
		if err != nil {
			return nil, err
		}
		out = append(out, rewritten...)
	}
	return out, nil
}

// TransformFor rewrites ops for the subsystem versions server announced.
func (r *Registry) TransformFor(server engine.ServerRef, ops []engine.Operation) ([]engine.Operation, error) {
	if len(server.ModelVersions) == 0 {
		return ops, nil
	}
	out, err := r.TransformOperations(ops, server.ModelVersions)
	if err != nil {
		return nil, engine.AsEngineError(err).WithDetail("server", server.ID())
	}
	return out, nil
}

func (r *Registry) applyStep(step *Description, op engine.Operation) ([]engine.Operation, error) {
	_, rel, _ := op.Address.Subsystem()
	res := step.resource(rel)
	if res == nil {
		return []engine.Operation{op}, nil
	}
	if res.discard {
		return nil, nil
	}
	if res.reject {
		return nil, resourceRejected(op.Address, step.To)
	}

	switch op.Kind {
	case engine.OpAdd:
		return r.transformAdd(step, res, op)
	case engine.OpWriteAttribute:
		v, _ := op.Param(engine.ParamValue)
		return r.transformAttributeOp(step, res, op, v, v != nil, false)
	case engine.OpCustom:
		switch op.Name {
		case engine.OpNameUndefineAttribute:
			return r.transformAttributeOp(step, res, op, nil, false, false)
		case engine.OpNameReadAttribute:
			return r.transformAttributeOp(step, res, op, nil, false, true)
		}
	}
	return []engine.Operation{op}, nil
}

// transformAdd applies the rules to the add's parameters. Relocated values
// become write-attribute operations following the add.
func (r *Registry) transformAdd(step *Description, res *ResourceDescription, op engine.Operation) ([]engine.Operation, error) {
	var extra []engine.Operation
	for _, rule := range res.Rules {
		v, defined := op.Parameters[rule.Attribute]
		if !defined {
			continue
		}
		switch rule.Kind {
		case RuleDiscard, RuleReject:
			match, err := rule.When.Matches(r.attributeValue(op.Address, rule.Attribute, v, true))
			if err != nil {
				return nil, rejected(op.Address, rule.Attribute, step.To, err)
			}
			if !match {
				continue
			}
			if rule.Kind == RuleReject {
				return nil, rejected(op.Address, rule.Attribute, step.To, nil)
			}
			delete(op.Parameters, rule.Attribute)
		case RuleRename:
			delete(op.Parameters, rule.Attribute)
			op.Parameters[rule.NewName] = v
		case RuleRelocate:
			delete(op.Parameters, rule.Attribute)
			extra = append(extra, engine.NewWriteAttributeOperation(rule.target(op.Address), rule.name(), v))
		}
	}
	return append([]engine.Operation{op}, extra...), nil
}

// transformAttributeOp applies the rules naming the operation's attribute.
// Reads are only renamed or relocated.
func (r *Registry) transformAttributeOp(step *Description, res *ResourceDescription, op engine.Operation, value interface{}, defined, read bool) ([]engine.Operation, error) {
	name := op.StringParam(engine.ParamName)
	for _, rule := range res.Rules {
		if rule.Attribute != name {
			continue
		}
		switch rule.Kind {
		case RuleDiscard, RuleReject:
			if read {
				continue
			}
			match, err := rule.When.Matches(r.attributeValue(op.Address, name, value, defined))
			if err != nil {
				return nil, rejected(op.Address, name, step.To, err)
			}
			if !match {
				continue
			}
			if rule.Kind == RuleReject {
				return nil, rejected(op.Address, name, step.To, nil)
			}
			return nil, nil
		case RuleRename:
			name = rule.NewName
			op.Parameters[engine.ParamName] = name
		case RuleRelocate:
			op.Address = rule.target(op.Address)
			op.Parameters[engine.ParamName] = rule.name()
			return []engine.Operation{op}, nil
		}
	}
	return []engine.Operation{op}, nil
}
