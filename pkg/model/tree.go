package model

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// DefaultJournalLimit bounds the in-memory change journal.
const DefaultJournalLimit = 4096

// ChangeKind is the kind of a committed tree mutation.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeRemove ChangeKind = "remove"
	ChangeWrite  ChangeKind = "write"
)

// Change is one committed, versioned tree mutation.
type Change struct {
	// Version is the tree version this mutation produced.
	Version uint64 `json:"version"`

	// Kind is the mutation kind.
	Kind ChangeKind `json:"kind"`

	// Address is the mutated resource.
	Address engine.Address `json:"address"`

	// Attribute is the written attribute for ChangeWrite.
	Attribute string `json:"attribute,omitempty"`

	// Before is the removed subtree model or the previous attribute value.
	Before interface{} `json:"before,omitempty"`

	// After is the created attributes or the new attribute value.
	After interface{} `json:"after,omitempty"`

	// Timestamp is when the mutation was committed.
	Timestamp time.Time `json:"timestamp"`
}

// ChangeListener receives committed changes in version order.
type ChangeListener func(changes []Change)

// Resource is a read-only copy of a resource instance.
type Resource struct {
	// Address is the resource address.
	Address engine.Address `json:"address"`

	// Attributes holds the explicitly defined attribute values.
	Attributes map[string]interface{} `json:"attributes"`

	// Children maps child types to sorted child names.
	Children map[string][]string `json:"children,omitempty"`
}

// Attribute returns a defined attribute value.
func (r *Resource) Attribute(name string) (interface{}, bool) {
	v, ok := r.Attributes[name]
	return v, ok
}

// HasChildren reports whether the resource has any children.
func (r *Resource) HasChildren() bool {
	return len(r.Children) > 0
}

// Tree is the versioned resource tree. Reads are lock-free against an
// immutable root; writes go through transactions that publish atomically.
type Tree struct {
	registry *Registry

	commitMu sync.Mutex
	root     atomic.Pointer[node]
	version  atomic.Uint64

	journalMu    sync.RWMutex
	journal      []Change
	journalLimit int
	listeners    []ChangeListener
}

// NewTree creates an empty tree governed by registry. A nil registry gets a fresh one.
func NewTree(registry *Registry) *Tree {
	if registry == nil {
		registry = NewRegistry()
	}
	t := &Tree{
		registry:     registry,
		journalLimit: DefaultJournalLimit,
	}
	t.root.Store(newNode(nil))
	return t
}

// Registry returns the schema registry governing the tree.
func (t *Tree) Registry() *Registry {
	return t.registry
}

// Register binds a schema to a path pattern.
func (t *Tree) Register(pattern engine.Address, schema *Schema) error {
	return t.registry.Register(pattern, schema)
}

// AddListener registers a listener for committed changes.
func (t *Tree) AddListener(l ChangeListener) {
	t.journalMu.Lock()
	defer t.journalMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Begin starts a transaction against the current root.
func (t *Tree) Begin() *Tx {
	root := t.root.Load()
	return &Tx{tree: t, base: root, root: root}
}

// Version returns the version of the last committed mutation.
func (t *Tree) Version() uint64 {
	return t.version.Load()
}

// Changes returns journaled changes with a version greater than since.
func (t *Tree) Changes(since uint64) []Change {
	t.journalMu.RLock()
	defer t.journalMu.RUnlock()

	var out []Change
	for _, c := range t.journal {
		if c.Version > since {
			out = append(out, c)
		}
	}
	return out
}

// CreateChild creates a resource in its own transaction.
func (t *Tree) CreateChild(address engine.Address, attrs map[string]interface{}) error {
	tx := t.Begin()
	if err := tx.CreateChild(address, attrs); err != nil {
		return err
	}
	_, err := tx.Commit()
	return err
}

// Remove removes a resource subtree in its own transaction.
func (t *Tree) Remove(address engine.Address) error {
	tx := t.Begin()
	if err := tx.Remove(address); err != nil {
		return err
	}
	_, err := tx.Commit()
	return err
}

// WriteAttribute writes one attribute in its own transaction.
func (t *Tree) WriteAttribute(address engine.Address, name string, value interface{}) error {
	tx := t.Begin()
	if _, err := tx.WriteAttribute(address, name, value); err != nil {
		return err
	}
	_, err := tx.Commit()
	return err
}

// Get returns a copy of the resource at address.
func (t *Tree) Get(address engine.Address) (*Resource, error) {
	return get(t.root.Load(), address)
}

// Exists reports whether a resource exists at address.
func (t *Tree) Exists(address engine.Address) bool {
	return t.root.Load().find(address) != nil
}

// Query returns every resource matching pattern, sorted by address.
func (t *Tree) Query(pattern engine.Address) []*Resource {
	var out []*Resource
	queryNodes(t.root.Load(), engine.RootAddress(), pattern, &out)
	return out
}

// ReadModel renders the resource at address as a nested map.
func (t *Tree) ReadModel(address engine.Address, recursive bool) (map[string]interface{}, error) {
	return readModel(t.root.Load(), address, recursive)
}

// Snapshot renders the whole tree. Two snapshots are deep-equal iff the trees are.
func (t *Tree) Snapshot() map[string]interface{} {
	return t.root.Load().model(true)
}

// Schema returns the schema registered for an instance address.
func (t *Tree) Schema(address engine.Address) (*Schema, error) {
	schema, _, ok := t.registry.Lookup(address)
	if !ok {
		return nil, engine.NewValidationError("no resource registration matches %s", address).WithAddress(address)
	}
	return schema, nil
}

func (t *Tree) commit(tx *Tx) ([]Change, error) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	next := tx.root
	if cur := t.root.Load(); cur != tx.base {
		// Another batch committed on a disjoint subtree since tx began.
		next = cur
		for _, m := range tx.muts {
			var err error
			if next, err = m.replay(next); err != nil {
				return nil, engine.NewConflictError("concurrent modification of "+m.address.String(), err).
					WithCode(engine.ErrCodeLockConflict).
					WithAddress(m.address)
			}
		}
	}

	now := time.Now()
	v := t.version.Load()
	changes := make([]Change, len(tx.muts))
	for i, m := range tx.muts {
		v++
		changes[i] = m.change(v, now)
	}
	t.root.Store(next)
	t.version.Store(v)

	t.journalMu.Lock()
	t.journal = append(t.journal, changes...)
	if over := len(t.journal) - t.journalLimit; over > 0 {
		t.journal = append([]Change(nil), t.journal[over:]...)
	}
	listeners := append([]ChangeListener(nil), t.listeners...)
	t.journalMu.Unlock()

	for _, l := range listeners {
		l(changes)
	}
	return changes, nil
}

func get(root *node, address engine.Address) (*Resource, error) {
	n := root.find(address)
	if n == nil {
		return nil, engine.NewNotFoundError(address)
	}
	return n.resource(address), nil
}

func readModel(root *node, address engine.Address, recursive bool) (map[string]interface{}, error) {
	n := root.find(address)
	if n == nil {
		return nil, engine.NewNotFoundError(address)
	}
	return n.model(recursive), nil
}
