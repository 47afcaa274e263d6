package model

import (
	"sort"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// node is an immutable tree node. Published nodes are never modified; every
// mutation copies the path from the root to the changed node.
type node struct {
	attrs    map[string]interface{}
	children map[string]map[string]*node
}

func newNode(attrs map[string]interface{}) *node {
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	return &node{attrs: attrs, children: make(map[string]map[string]*node)}
}

// clone copies the node shallowly. The attribute map is shared.
func (n *node) clone() *node {
	out := &node{attrs: n.attrs, children: make(map[string]map[string]*node, len(n.children))}
	for k, v := range n.children {
		out.children[k] = v
	}
	return out
}

func (n *node) child(el engine.PathElement) *node {
	if kids, ok := n.children[el.Key]; ok {
		return kids[el.Value]
	}
	return nil
}

func (n *node) find(address engine.Address) *node {
	cur := n
	for _, el := range address {
		if cur = cur.child(el); cur == nil {
			return nil
		}
	}
	return cur
}

func (n *node) childNames() map[string][]string {
	out := make(map[string][]string, len(n.children))
	for typ, kids := range n.children {
		names := make([]string, 0, len(kids))
		for name := range kids {
			names = append(names, name)
		}
		sort.Strings(names)
		out[typ] = names
	}
	return out
}

// model renders the node as a nested map: attributes, then child types
// mapping names to child models. Non-recursive reads map names to nil.
func (n *node) model(recursive bool) map[string]interface{} {
	out := engine.CloneMap(n.attrs)
	if out == nil {
		out = make(map[string]interface{})
	}
	for typ, kids := range n.children {
		children := make(map[string]interface{}, len(kids))
		for name, kid := range kids {
			if recursive {
				children[name] = kid.model(true)
			} else {
				children[name] = nil
			}
		}
		out[typ] = children
	}
	return out
}

// update returns a copy of n in which the node at rel is replaced by fn's
// result. fn receives nil when the node does not exist; returning nil removes it.
func update(n *node, rel engine.Address, fn func(old *node) (*node, error)) (*node, error) {
	if len(rel) == 0 {
		return fn(n)
	}
	head := rel[0]
	kid := n.child(head)
	if kid == nil && len(rel) > 1 {
		return nil, engine.NewNotFoundError(rel[:1])
	}
	replaced, err := update(kid, rel[1:], fn)
	if err != nil {
		return nil, err
	}
	out := n.clone()
	kids := make(map[string]*node, len(out.children[head.Key])+1)
	for name, k := range out.children[head.Key] {
		kids[name] = k
	}
	if replaced == nil {
		delete(kids, head.Value)
	} else {
		kids[head.Value] = replaced
	}
	if len(kids) == 0 {
		delete(out.children, head.Key)
	} else {
		out.children[head.Key] = kids
	}
	return out, nil
}

func queryNodes(n *node, base, pattern engine.Address, out *[]*Resource) {
	if len(pattern) == 0 {
		*out = append(*out, n.resource(base))
		return
	}
	el := pattern[0]
	kids := n.children[el.Key]
	names := make([]string, 0, len(kids))
	for name := range kids {
		if el.IsWildcard() || el.Value == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		queryNodes(kids[name], base.Append(engine.Elem(el.Key, name)), pattern[1:], out)
	}
}

func (n *node) resource(address engine.Address) *Resource {
	return &Resource{
		Address:    address.Clone(),
		Attributes: engine.CloneMap(n.attrs),
		Children:   n.childNames(),
	}
}
