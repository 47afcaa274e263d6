package transform

import (
	"fmt"
	"sort"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// RuleKind identifies what an attribute rule does.
type RuleKind string

const (
	// RuleDiscard drops the attribute when the predicate matches.
	RuleDiscard RuleKind = "discard"

	// RuleReject fails the transformation when the predicate matches.
	RuleReject RuleKind = "reject"

	// RuleRename changes the attribute name.
	RuleRename RuleKind = "rename"

	// RuleRelocate moves the attribute to another resource.
	RuleRelocate RuleKind = "relocate"
)

// AttributeRule rewrites one attribute of a resource.
type AttributeRule struct {
	Kind      RuleKind
	Attribute string

	// When guards discard and reject rules.
	When Predicate

	// NewName is the renamed attribute. Optional for relocation.
	NewName string

	// Target is the relocation address relative to the subsystem resource.
	// Wildcard values are filled from the source address.
	Target engine.Address
}

// target resolves the relocation address for an attribute of source.
func (r AttributeRule) target(source engine.Address) engine.Address {
	out := subsystemRoot(source)
	for _, el := range r.Target {
		if el.IsWildcard() {
			if v, ok := source.Value(el.Key); ok {
				el = engine.Elem(el.Key, v)
			}
		}
		out = append(out, el)
	}
	return out
}

func (r AttributeRule) name() string {
	if r.NewName != "" {
		return r.NewName
	}
	return r.Attribute
}

// ResourceDescription holds the rules for resources matching a pattern
// relative to the subsystem resource. An empty pattern is the subsystem
// resource itself.
type ResourceDescription struct {
	Pattern engine.Address
	Rules   []AttributeRule

	discard bool
	reject  bool
}

// DiscardAttributes drops the attributes when when matches.
func (d *ResourceDescription) DiscardAttributes(when Predicate, attrs ...string) *ResourceDescription {
	for _, a := range attrs {
		d.Rules = append(d.Rules, AttributeRule{Kind: RuleDiscard, Attribute: a, When: when})
	}
	return d
}

// RejectAttributes fails the transformation when when matches.
func (d *ResourceDescription) RejectAttributes(when Predicate, attrs ...string) *ResourceDescription {
	for _, a := range attrs {
		d.Rules = append(d.Rules, AttributeRule{Kind: RuleReject, Attribute: a, When: when})
	}
	return d
}

// RenameAttribute renames from to to.
func (d *ResourceDescription) RenameAttribute(from, to string) *ResourceDescription {
	d.Rules = append(d.Rules, AttributeRule{Kind: RuleRename, Attribute: from, NewName: to})
	return d
}

// RelocateAttribute moves attr to target, optionally under a new name.
func (d *ResourceDescription) RelocateAttribute(attr string, target engine.Address, newName string) *ResourceDescription {
	d.Rules = append(d.Rules, AttributeRule{Kind: RuleRelocate, Attribute: attr, Target: target, NewName: newName})
	return d
}

// Discard drops matching resources and every operation addressed to them.
func (d *ResourceDescription) Discard() *ResourceDescription {
	d.discard = true
	return d
}

// Reject fails any operation addressed to matching resources.
func (d *ResourceDescription) Reject() *ResourceDescription {
	d.reject = true
	return d
}

// Description rewrites one subsystem from one model version to the previous.
type Description struct {
	From ModelVersion
	To   ModelVersion

	resources []*ResourceDescription
}

// Resource returns the description for a relative pattern, creating it.
func (d *Description) Resource(pattern ...engine.PathElement) *ResourceDescription {
	p := engine.Address(pattern)
	for _, r := range d.resources {
		if r.Pattern.Equal(p) {
			return r
		}
	}
	r := &ResourceDescription{Pattern: p.Clone()}
	d.resources = append(d.resources, r)
	return r
}

// Resources returns the resource descriptions in registration order.
func (d *Description) Resources() []*ResourceDescription {
	return d.resources
}

func (d *Description) resource(rel engine.Address) *ResourceDescription {
	for _, r := range d.resources {
		if rel.Matches(r.Pattern) {
			return r
		}
	}
	return nil
}

// Chain is the ordered set of descriptions of one subsystem, from its
// current version down to the oldest supported one.
type Chain struct {
	Subsystem string
	Current   ModelVersion

	// steps are kept newest first.
	steps []*Description
}

// NewChain creates an empty chain.
func NewChain(subsystem string, current ModelVersion) *Chain {
	return &Chain{Subsystem: subsystem, Current: current}
}

// AddStep returns the description rewriting from into to, creating it. Steps
// must go backwards, not start above the current version and not overlap.
func (c *Chain) AddStep(from, to ModelVersion) (*Description, error) {
	if !to.Less(from) {
		return nil, fmt.Errorf("transformation step %s -> %s of %s does not go to an older version", from, to, c.Subsystem)
	}
	if c.Current.Less(from) {
		return nil, fmt.Errorf("transformation step %s -> %s of %s starts above the current version %s", from, to, c.Subsystem, c.Current)
	}
	for _, s := range c.steps {
		if s.From.Equal(from) && s.To.Equal(to) {
			return s, nil
		}
		if to.Less(s.From) && s.To.Less(from) {
			return nil, fmt.Errorf("transformation step %s -> %s of %s overlaps %s -> %s", from, to, c.Subsystem, s.From, s.To)
		}
	}
	d := &Description{From: from, To: to}
	c.steps = append(c.steps, d)
	sort.Slice(c.steps, func(i, j int) bool { return c.steps[j].From.Less(c.steps[i].From) })
	return d, nil
}

// Step is like AddStep but panics on error. For static registrations.
func (c *Chain) Step(from, to ModelVersion) *Description {
	d, err := c.AddStep(from, to)
	if err != nil {
		panic(err)
	}
	return d
}

// Steps returns the steps newest first.
func (c *Chain) Steps() []*Description {
	return c.steps
}

// Path returns the steps that take the current version down to target, in
// the order they apply. A target at or above the current version needs none.
func (c *Chain) Path(target ModelVersion) []*Description {
	if !target.Less(c.Current) {
		return nil
	}
	var out []*Description
	for _, s := range c.steps {
		if !s.To.Less(target) {
			out = append(out, s)
		}
	}
	return out
}

// subsystemRoot returns the address of the subsystem resource a belongs to,
// or a itself when it is outside any subsystem.
func subsystemRoot(a engine.Address) engine.Address {
	for i, el := range a {
		if el.Key == engine.SubsystemKey {
			return a[:i+1].Clone()
		}
	}
	return a.Clone()
}
