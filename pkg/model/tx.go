package model

import (
	"errors"
	"sort"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// ErrTxClosed is returned when a committed or rolled back transaction is used.
var ErrTxClosed = errors.New("transaction already closed")

// Tx is a tree transaction. Mutations apply to a private copy-on-write root
// and become visible to other readers only on Commit.
type Tx struct {
	tree   *Tree
	base   *node
	root   *node
	muts   []mutation
	closed bool
}

type mutation struct {
	kind    ChangeKind
	address engine.Address

	// create
	attrs map[string]interface{}

	// remove
	before *node

	// write
	name     string
	value    interface{}
	oldValue interface{}
	hadValue bool
}

// Len returns the number of mutations recorded so far.
func (tx *Tx) Len() int {
	return len(tx.muts)
}

// Get returns a copy of a resource as seen by the transaction.
func (tx *Tx) Get(address engine.Address) (*Resource, error) {
	return get(tx.root, address)
}

// Exists reports whether a resource exists as seen by the transaction.
func (tx *Tx) Exists(address engine.Address) bool {
	return tx.root.find(address) != nil
}

// Query returns every resource matching pattern as seen by the transaction.
func (tx *Tx) Query(pattern engine.Address) []*Resource {
	var out []*Resource
	queryNodes(tx.root, engine.RootAddress(), pattern, &out)
	return out
}

// ReadModel renders a resource as seen by the transaction.
func (tx *Tx) ReadModel(address engine.Address, recursive bool) (map[string]interface{}, error) {
	return readModel(tx.root, address, recursive)
}

// Schema returns the schema registered for an instance address.
func (tx *Tx) Schema(address engine.Address) (*Schema, error) {
	return tx.tree.Schema(address)
}

// CreateChild validates attrs against the matching registration and creates
// the resource. It fails with DuplicateResource when the address exists and
// with ResourceNotFound when the parent does not.
func (tx *Tx) CreateChild(address engine.Address, attrs map[string]interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	if address.IsRoot() {
		return engine.NewValidationError("the root resource cannot be created")
	}
	if address.HasWildcard() {
		return engine.NewValidationError("wildcards are not allowed in instance addresses").WithAddress(address)
	}
	schema, err := tx.Schema(address)
	if err != nil {
		return err
	}
	stored, err := schema.ValidateAdd(attrs)
	if err != nil {
		return engine.AsEngineError(err).WithAddress(address)
	}

	m := mutation{kind: ChangeCreate, address: address.Clone(), attrs: stored}
	next, err := m.replay(tx.root)
	if err != nil {
		return err
	}
	tx.root = next
	tx.muts = append(tx.muts, m)
	return nil
}

// Remove removes the resource at address together with its subtree.
func (tx *Tx) Remove(address engine.Address) error {
	if tx.closed {
		return ErrTxClosed
	}
	if address.IsRoot() {
		return engine.NewValidationError("the root resource cannot be removed")
	}
	m := mutation{kind: ChangeRemove, address: address.Clone(), before: tx.root.find(address)}
	next, err := m.replay(tx.root)
	if err != nil {
		return err
	}
	tx.root = next
	tx.muts = append(tx.muts, m)
	return nil
}

// WriteAttribute sets an attribute, or undefines it when value is nil. It
// returns the attribute definition so callers can honour its restart flag.
func (tx *Tx) WriteAttribute(address engine.Address, name string, value interface{}) (AttributeDefinition, error) {
	if tx.closed {
		return AttributeDefinition{}, ErrTxClosed
	}
	n := tx.root.find(address)
	if n == nil {
		return AttributeDefinition{}, engine.NewNotFoundError(address)
	}
	schema, err := tx.Schema(address)
	if err != nil {
		return AttributeDefinition{}, err
	}
	v, def, err := schema.ValidateWrite(name, value)
	if err != nil {
		return def, engine.AsEngineError(err).WithAddress(address)
	}
	old, had := n.attrs[name]
	m := mutation{
		kind:     ChangeWrite,
		address:  address.Clone(),
		name:     name,
		value:    v,
		oldValue: engine.CloneValue(old),
		hadValue: had,
	}
	next, err := m.replay(tx.root)
	if err != nil {
		return def, err
	}
	tx.root = next
	tx.muts = append(tx.muts, m)
	return def, nil
}

// Compensation returns the operations that undo this transaction's
// mutations, last mutation first.
func (tx *Tx) Compensation() []engine.Operation {
	var ops []engine.Operation
	for i := len(tx.muts) - 1; i >= 0; i-- {
		m := tx.muts[i]
		switch m.kind {
		case ChangeCreate:
			ops = append(ops, engine.NewRemoveOperation(m.address))
		case ChangeRemove:
			ops = recreate(ops, m.address, m.before)
		case ChangeWrite:
			if m.hadValue {
				ops = append(ops, engine.NewWriteAttributeOperation(m.address, m.name, engine.CloneValue(m.oldValue)))
			} else {
				ops = append(ops, engine.NewCustomOperation(m.address, engine.OpNameUndefineAttribute,
					map[string]interface{}{engine.ParamName: m.name}))
			}
		}
	}
	return ops
}

// Commit publishes the transaction. Changes receive consecutive versions.
func (tx *Tx) Commit() ([]Change, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	tx.closed = true
	if len(tx.muts) == 0 {
		return nil, nil
	}
	return tx.tree.commit(tx)
}

// Rollback discards the transaction and returns how many mutations were undone.
func (tx *Tx) Rollback() int {
	if tx.closed {
		return 0
	}
	tx.closed = true
	n := len(tx.muts)
	tx.root = tx.base
	tx.muts = nil
	return n
}

// replay applies the mutation to root and returns the new root.
func (m mutation) replay(root *node) (*node, error) {
	switch m.kind {
	case ChangeCreate:
		parent := root.find(m.address.Parent())
		if parent == nil {
			return nil, engine.NewNotFoundError(m.address.Parent())
		}
		if parent.child(m.address.Last()) != nil {
			return nil, engine.NewDuplicateError(m.address)
		}
		return update(root, m.address, func(*node) (*node, error) {
			return newNode(engine.CloneMap(m.attrs)), nil
		})
	case ChangeRemove:
		if root.find(m.address) == nil {
			return nil, engine.NewNotFoundError(m.address)
		}
		return update(root, m.address, func(*node) (*node, error) {
			return nil, nil
		})
	case ChangeWrite:
		return update(root, m.address, func(old *node) (*node, error) {
			if old == nil {
				return nil, engine.NewNotFoundError(m.address)
			}
			out := old.clone()
			out.attrs = engine.CloneMap(old.attrs)
			if m.value == nil {
				delete(out.attrs, m.name)
			} else {
				out.attrs[m.name] = engine.CloneValue(m.value)
			}
			return out, nil
		})
	}
	return root, nil
}

func (m mutation) change(version uint64, at time.Time) Change {
	c := Change{Version: version, Kind: m.kind, Address: m.address, Timestamp: at}
	switch m.kind {
	case ChangeCreate:
		c.After = engine.CloneMap(m.attrs)
	case ChangeRemove:
		if m.before != nil {
			c.Before = m.before.model(true)
		}
	case ChangeWrite:
		c.Attribute = m.name
		c.Before = m.oldValue
		c.After = m.value
	}
	return c
}

// recreate appends add operations that rebuild the subtree n at address,
// parents before children.
func recreate(ops []engine.Operation, address engine.Address, n *node) []engine.Operation {
	if n == nil {
		return ops
	}
	ops = append(ops, engine.NewAddOperation(address, engine.CloneMap(n.attrs)))
	types := make([]string, 0, len(n.children))
	for typ := range n.children {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		names := make([]string, 0, len(n.children[typ]))
		for name := range n.children[typ] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ops = recreate(ops, address.Append(engine.Elem(typ, name)), n.children[typ][name])
		}
	}
	return ops
}
