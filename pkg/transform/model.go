package transform

import (
	"github.com/domainkernel/domainkernel/pkg/engine"
)

// relocation is an attribute value moved to another resource of the model.
type relocation struct {
	target engine.Address
	name   string
	value  interface{}
}

// TransformModel rewrites a read model rooted at address for a peer running
// the given subsystem versions. A model above the subsystems has each of its
// subsystem children transformed. Relocated values move to their target
// resource when it is part of the model and are dropped otherwise. m is not
// modified.
func (r *Registry) TransformModel(address engine.Address, m map[string]interface{}, versions map[string]string) (map[string]interface{}, error) {
	out := engine.CloneMap(m)
	if out == nil {
		out = make(map[string]interface{})
	}
	if err := r.transformModel(address, out, versions); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) transformModel(address engine.Address, m map[string]interface{}, versions map[string]string) error {
	subsystem, _, ok := address.Subsystem()
	if !ok {
		subs, _ := m[engine.SubsystemKey].(map[string]interface{})
		for name, sub := range subs {
			sm, ok := sub.(map[string]interface{})
			if !ok {
				continue
			}
			if err := r.transformModel(address.Append(engine.Elem(engine.SubsystemKey, name)), sm, versions); err != nil {
				return err
			}
		}
		return nil
	}

	steps, err := r.path(subsystem, versions)
	if err != nil {
		return err
	}
	for _, step := range steps {
		var moved []relocation
		if _, err := r.walkModel(step, address, m, &moved); err != nil {
			return err
		}
		for _, rel := range moved {
			if node := findModel(m, address, rel.target); node != nil {
				node[rel.name] = rel.value
			}
		}
	}
	return nil
}

// walkModel applies step to the resource at address and its children. It
// reports whether the resource itself is discarded.
func (r *Registry) walkModel(step *Description, address engine.Address, node map[string]interface{}, moved *[]relocation) (bool, error) {
	_, rel, _ := address.Subsystem()
	res := step.resource(rel)
	if res != nil {
		if res.discard {
			return true, nil
		}
		if res.reject {
			return false, resourceRejected(address, step.To)
		}
		if node != nil {
			if err := r.applyModelRules(step, res, address, node, moved); err != nil {
				return false, err
			}
		}
	}
	if node == nil {
		return false, nil
	}

	for key, val := range node {
		children, ok := r.childType(address, key, val)
		if !ok {
			continue
		}
		for name, child := range children {
			childNode, _ := child.(map[string]interface{})
			discard, err := r.walkModel(step, address.Append(engine.Elem(key, name)), childNode, moved)
			if err != nil {
				return false, err
			}
			if discard {
				delete(children, name)
			}
		}
	}
	return false, nil
}

func (r *Registry) applyModelRules(step *Description, res *ResourceDescription, address engine.Address, node map[string]interface{}, moved *[]relocation) error {
	for _, rule := range res.Rules {
		v, defined := node[rule.Attribute]
		if !defined {
			continue
		}
		switch rule.Kind {
		case RuleDiscard, RuleReject:
			match, err := rule.When.Matches(r.attributeValue(address, rule.Attribute, v, v != nil))
			if err != nil {
				return rejected(address, rule.Attribute, step.To, err)
			}
			if !match {
				continue
			}
			if rule.Kind == RuleReject {
				return rejected(address, rule.Attribute, step.To, nil)
			}
			delete(node, rule.Attribute)
		case RuleRename:
			delete(node, rule.Attribute)
			node[rule.NewName] = v
		case RuleRelocate:
			delete(node, rule.Attribute)
			*moved = append(*moved, relocation{target: rule.target(address), name: rule.name(), value: v})
		}
	}
	return nil
}

// childType reports whether key holds child resources rather than an
// attribute. Declared attributes never do; otherwise a map whose values are
// all maps or nil is taken as a child type.
func (r *Registry) childType(address engine.Address, key string, val interface{}) (map[string]interface{}, bool) {
	children, ok := val.(map[string]interface{})
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	schemas := r.schemas
	r.mu.RUnlock()
	if schemas != nil {
		if schema, _, ok := schemas.Lookup(address); ok {
			if _, attr := schema.Attribute(key); attr {
				return nil, false
			}
		}
	}
	for _, c := range children {
		if c == nil {
			continue
		}
		if _, ok := c.(map[string]interface{}); !ok {
			return nil, false
		}
	}
	return children, true
}

// findModel locates the node for target inside the model rooted at base.
func findModel(root map[string]interface{}, base, target engine.Address) map[string]interface{} {
	if !target.HasPrefix(base) {
		return nil
	}
	node := root
	for _, el := range target.TrimPrefix(base) {
		children, _ := node[el.Key].(map[string]interface{})
		next, _ := children[el.Value].(map[string]interface{})
		if next == nil {
			return nil
		}
		node = next
	}
	return node
}
