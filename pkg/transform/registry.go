package transform

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
)

// Registry holds the transformation chains of every subsystem and applies
// them to operations and read models bound for peers on older versions.
//
// Chains are built at startup. Transformation methods are safe for
// concurrent use once building is done.
type Registry struct {
	mu      sync.RWMutex
	chains  map[string]*Chain
	schemas *model.Registry
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		chains: make(map[string]*Chain),
		logger: logger.With().Str("component", "transform").Logger(),
	}
}

// SetSchemas supplies attribute defaults to the DefaultValue predicate.
func (r *Registry) SetSchemas(schemas *model.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = schemas
}

// Chain returns the chain of a subsystem, creating it at current.
func (r *Registry) Chain(subsystem string, current ModelVersion) *Chain {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chains[subsystem]; ok {
		return c
	}
	c := NewChain(subsystem, current)
	r.chains[subsystem] = c
	return c
}

// Lookup returns the chain of a subsystem.
func (r *Registry) Lookup(subsystem string) (*Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[subsystem]
	return c, ok
}

// Subsystems returns the subsystems with a chain, sorted.
func (r *Registry) Subsystems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for name := range r.chains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CurrentVersions maps every subsystem to its current model version, as
// announced by an up to date peer.
func (r *Registry) CurrentVersions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.chains))
	for name, c := range r.chains {
		out[name] = c.Current.String()
	}
	return out
}

// path returns the steps taking subsystem to the version a peer runs.
func (r *Registry) path(subsystem string, versions map[string]string) ([]*Description, error) {
	want, ok := versions[subsystem]
	if !ok || want == "" {
		return nil, nil
	}
	target, err := ParseVersion(want)
	if err != nil {
		return nil, err
	}
	chain, ok := r.Lookup(subsystem)
	if !ok {
		return nil, nil
	}
	return chain.Path(target), nil
}

// attributeValue builds the predicate input, including the schema default.
func (r *Registry) attributeValue(address engine.Address, name string, value interface{}, defined bool) AttributeValue {
	av := AttributeValue{Address: address, Name: name, Value: value, Defined: defined}
	r.mu.RLock()
	schemas := r.schemas
	r.mu.RUnlock()
	if schemas != nil {
		if schema, _, ok := schemas.Lookup(address); ok {
			if def, ok := schema.Attribute(name); ok {
				av.Default = def.Default
			}
		}
	}
	return av
}

func rejected(address engine.Address, attribute string, to ModelVersion, cause error) *engine.EngineError {
	e := engine.NewTransformationRejectedError(address, attribute, to.String())
	if cause != nil {
		e.Err = cause
	}
	return e
}

func resourceRejected(address engine.Address, to ModelVersion) *engine.EngineError {
	return engine.NewPermanentError("resource "+address.String()+" cannot be represented in model version "+to.String(), nil).
		WithCode(engine.ErrCodeTransformationRejected).
		WithAddress(address).
		WithDetail("version", to.String())
}
