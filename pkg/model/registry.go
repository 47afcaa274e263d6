package model

import (
	"sort"
	"sync"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// Registry is the schema tree: registrations keyed by path pattern. It is
// filled at startup and consulted for every resource instance.
type Registry struct {
	mu   sync.RWMutex
	root *regNode
}

type regNode struct {
	pattern  engine.Address
	schema   *Schema
	children map[engine.PathElement]*regNode
}

// NewRegistry creates a registry whose root resource has an empty schema.
func NewRegistry() *Registry {
	return &Registry{
		root: &regNode{
			pattern:  engine.RootAddress(),
			schema:   NewSchema("root"),
			children: make(map[engine.PathElement]*regNode),
		},
	}
}

// Register binds a schema to a path pattern. The pattern's parent must already
// be registered. Registering the root address replaces the root schema.
func (r *Registry) Register(pattern engine.Address, schema *Schema) error {
	if schema == nil {
		schema = NewSchema("")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if pattern.IsRoot() {
		r.root.schema = schema
		return nil
	}
	parent := r.root
	for i, el := range pattern[:len(pattern)-1] {
		next, ok := parent.children[el]
		if !ok {
			return engine.NewValidationError("parent registration %s is not registered", pattern[:i+1])
		}
		parent = next
	}
	last := pattern.Last()
	if _, exists := parent.children[last]; exists {
		return engine.NewValidationError("registration %s already exists", pattern)
	}
	parent.children[last] = &regNode{
		pattern:  pattern.Clone(),
		schema:   schema,
		children: make(map[engine.PathElement]*regNode),
	}
	return nil
}

// Unregister removes a registration and everything registered beneath it.
func (r *Registry) Unregister(pattern engine.Address) {
	if pattern.IsRoot() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	parent := r.root
	for _, el := range pattern[:len(pattern)-1] {
		next, ok := parent.children[el]
		if !ok {
			return
		}
		parent = next
	}
	delete(parent.children, pattern.Last())
}

// Lookup finds the registration matching an instance address. An exact
// element registration is preferred over a wildcard one at each level.
func (r *Registry) Lookup(address engine.Address) (*Schema, engine.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.root
	for _, el := range address {
		next, ok := n.children[el]
		if !ok {
			next, ok = n.children[engine.Elem(el.Key, engine.Wildcard)]
			if !ok {
				return nil, nil, false
			}
		}
		n = next
	}
	return n.schema, n.pattern, true
}

// Patterns returns every registered pattern in sorted order.
func (r *Registry) Patterns() []engine.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []engine.Address
	var walk func(n *regNode)
	walk = func(n *regNode) {
		for _, c := range n.children {
			out = append(out, c.pattern)
			walk(c)
		}
	}
	walk(r.root)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
