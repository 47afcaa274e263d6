package capability

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// Registry is the process-scoped capability registry and service container.
// Mutations happen inside a Txn during the RUNTIME stage; Resolve may be
// called concurrently from any goroutine.
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]engine.Address
	requirements map[Handle]int
	services     map[string]*service
	seq          int
	observer     Observer
	logger       zerolog.Logger
}

type service struct {
	installer *Installer
	seq       int
	state     ServiceState
	value     interface{}
	refs      int
	stopping  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		providers:    make(map[string]engine.Address),
		requirements: make(map[Handle]int),
		services:     make(map[string]*service),
		logger:       logger.With().Str("component", "capability-registry").Logger(),
	}
}

// SetObserver installs a lifecycle observer. It must be called before use.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Begin starts a registry transaction.
func (r *Registry) Begin() *Txn {
	return &Txn{r: r}
}

// Provider returns the resource providing a capability.
func (r *Registry) Provider(name string) (engine.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.providers[name]
	return owner, ok
}

// Dependents returns the sorted dependents holding a requirement on a capability.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for h := range r.requirements {
		if h.Capability == name {
			out = append(out, h.Dependent)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve returns the running service value behind a requirement handle.
func (r *Registry) Resolve(h Handle) (interface{}, error) {
	return r.ResolveName(h.Capability)
}

// ResolveName returns the running service value of a capability. A provided
// capability without an installed service resolves to nil.
func (r *Registry) ResolveName(name string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.providers[name]; !ok {
		return nil, engine.NewCapabilityUnresolvedError(name, "")
	}
	svc, ok := r.services[name]
	if !ok {
		return nil, nil
	}
	if svc.state != StateUp {
		return nil, engine.NewTransientError(fmt.Sprintf("capability %q is not yet available", name), nil).
			WithCode(engine.ErrCodeNotYetAvailable)
	}
	return svc.value, nil
}

// ResolveAs resolves a capability and asserts its declared service type.
func ResolveAs[T any](r *Registry, name string) (T, error) {
	var zero T
	v, err := r.ResolveName(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, engine.NewValidationError("capability %q resolves to %T, not %s", name, v, reflect.TypeOf(zero))
	}
	return t, nil
}

// State returns the lifecycle state of an installed service.
func (r *Registry) State(name string) (ServiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return "", false
	}
	return svc.state, true
}

// Running returns the names of running services in start order.
func (r *Registry) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order() {
		if r.services[name].state == StateUp {
			out = append(out, name)
		}
	}
	return out
}

// StartOrder returns every installed service in topological start order.
func (r *Registry) StartOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order()
}

// ToDOT renders the service graph in DOT format.
func (r *Registry) ToDOT() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]ServiceState, len(r.services))
	for name, svc := range r.services {
		states[name] = svc.state
	}
	return r.graph(nil).toDOT(states)
}

// Snapshot captures providers, requirements and service states for comparison.
type Snapshot struct {
	Providers    map[string]string
	Requirements map[Handle]int
	Services     map[string]ServiceState
}

// Snapshot returns the registry's current shape.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Providers:    make(map[string]string, len(r.providers)),
		Requirements: make(map[Handle]int, len(r.requirements)),
		Services:     make(map[string]ServiceState, len(r.services)),
	}
	for name, owner := range r.providers {
		s.Providers[name] = owner.String()
	}
	for h, n := range r.requirements {
		s.Requirements[h] = n
	}
	for name, svc := range r.services {
		s.Services[name] = svc.state
	}
	return s
}

// graph builds the dependency graph, optionally with an extra installer.
// Callers hold r.mu.
func (r *Registry) graph(extra *Installer) *graphBuilder {
	nodes := make([]*graphNode, 0, len(r.services)+1)
	for name, svc := range r.services {
		nodes = append(nodes, &graphNode{name: name, seq: svc.seq, mode: svc.installer.mode(), requires: svc.installer.Requires})
	}
	if extra != nil {
		nodes = append(nodes, &graphNode{name: extra.Capability, seq: r.seq + 1, mode: extra.mode(), requires: extra.Requires})
	}
	return newGraphBuilder(nodes)
}

func (r *Registry) order() []string {
	return r.graph(nil).topologicalOrder()
}

func (r *Registry) provide(name string, owner engine.Address) error {
	if existing, ok := r.providers[name]; ok {
		if existing.Equal(owner) {
			return nil
		}
		return engine.NewPermanentError(fmt.Sprintf("capability %q is already provided by %s", name, existing), nil).
			WithCode(engine.ErrCodeCapabilityConflict).
			WithAddress(owner)
	}
	r.providers[name] = owner.Clone()
	return nil
}

func (r *Registry) withdraw(name string, owner engine.Address) bool {
	if existing, ok := r.providers[name]; ok && existing.Equal(owner) {
		delete(r.providers, name)
		return true
	}
	return false
}

func (r *Registry) require(h Handle) error {
	if _, ok := r.providers[h.Capability]; !ok {
		return engine.NewValidationError("capability %q required by %q is not provided", h.Capability, h.Dependent)
	}
	r.requirements[h]++
	return nil
}

func (r *Registry) release(h Handle) bool {
	n, ok := r.requirements[h]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.requirements, h)
	} else {
		r.requirements[h] = n - 1
	}
	return true
}

func (r *Registry) install(inst *Installer) error {
	if inst == nil || inst.Capability == "" {
		return engine.NewValidationError("installer must name a capability")
	}
	if _, ok := r.services[inst.Capability]; ok {
		return engine.NewValidationError("a service for capability %q is already installed", inst.Capability)
	}
	if _, ok := r.providers[inst.Capability]; !ok {
		return engine.NewValidationError("capability %q must be provided before its service is installed", inst.Capability)
	}
	if err := r.graph(inst).detectCycles(); err != nil {
		return err
	}
	r.seq++
	r.services[inst.Capability] = &service{installer: inst, seq: r.seq, state: StateDown}
	return nil
}

// resolvable reports whether every capability the service transitively
// requires is provided.
func (r *Registry) resolvable(name string) bool {
	svc := r.services[name]
	for _, req := range svc.installer.Requires {
		if _, ok := r.providers[req]; !ok {
			return false
		}
		if _, ok := r.services[req]; ok && !r.resolvable(req) {
			return false
		}
	}
	return true
}

// start brings a service up, starting lazy dependencies on demand. Every
// service actually started is appended to started.
func (r *Registry) start(ctx context.Context, name string, started *[]string) error {
	svc := r.services[name]
	if svc.state == StateUp {
		return nil
	}

	deps := make(Dependencies, len(svc.installer.Requires))
	for _, req := range svc.installer.Requires {
		if _, ok := r.providers[req]; !ok {
			return engine.NewCapabilityUnresolvedError(req, name)
		}
		dep, ok := r.services[req]
		if !ok {
			deps[req] = nil
			continue
		}
		if err := r.start(ctx, req, started); err != nil {
			return err
		}
		deps[req] = dep.value
	}

	var value interface{}
	if svc.installer.Start != nil {
		v, err := svc.installer.Start(ctx, deps)
		if err != nil {
			r.releaseLazy(ctx, svc, started)
			return engine.NewPermanentError(fmt.Sprintf("service %q failed to start", name), err).
				WithCode(engine.ErrCodeServiceStartFailed).
				WithAddress(svc.installer.Owner)
		}
		value = v
	}

	for _, req := range svc.installer.Requires {
		if dep, ok := r.services[req]; ok {
			dep.refs++
		}
	}
	svc.state = StateUp
	svc.value = value
	*started = append(*started, name)
	r.logger.Debug().Str("service", name).Str("mode", string(svc.installer.mode())).Msg("Service started")
	r.notify(LifecycleEvent{Kind: LifecycleStarted, Service: name, Mode: svc.installer.mode()})
	return nil
}

// releaseLazy stops lazy dependencies a failed start brought up with no
// other dependent holding them.
func (r *Registry) releaseLazy(ctx context.Context, svc *service, started *[]string) {
	for _, req := range svc.installer.Requires {
		if dep, ok := r.services[req]; ok && dep.state == StateUp && dep.refs == 0 && dep.installer.mode().Lazy() {
			var stopped []string
			r.stop(ctx, req, &stopped)
			*started = removeAll(*started, stopped)
		}
	}
}

// stop brings a service down after stopping its running dependents in
// reverse topological order. Lazy dependencies left without dependents stop
// too. Every service actually stopped is appended to stopped.
func (r *Registry) stop(ctx context.Context, name string, stopped *[]string) {
	svc, ok := r.services[name]
	if !ok || svc.state != StateUp || svc.stopping {
		return
	}
	svc.stopping = true
	defer func() { svc.stopping = false }()

	for _, dependent := range r.runningDependents(name) {
		r.stop(ctx, dependent, stopped)
	}

	if svc.installer.Stop != nil {
		if err := svc.installer.Stop(ctx, svc.value); err != nil {
			r.logger.Warn().Err(err).Str("service", name).Msg("Service stop reported an error")
		}
	}
	svc.state = StateDown
	svc.value = nil
	*stopped = append(*stopped, name)
	r.logger.Debug().Str("service", name).Msg("Service stopped")
	r.notify(LifecycleEvent{Kind: LifecycleStopped, Service: name, Mode: svc.installer.mode()})

	for _, req := range svc.installer.Requires {
		dep, ok := r.services[req]
		if !ok {
			continue
		}
		if dep.refs > 0 {
			dep.refs--
		}
		if dep.refs == 0 && dep.state == StateUp && !dep.stopping && dep.installer.mode().Lazy() {
			r.stop(ctx, req, stopped)
		}
	}
}

// runningDependents returns running services that require name, latest in
// start order first.
func (r *Registry) runningDependents(name string) []string {
	var out []string
	for depName, svc := range r.services {
		if svc.state != StateUp {
			continue
		}
		for _, req := range svc.installer.Requires {
			if req == name {
				out = append(out, depName)
				break
			}
		}
	}
	if len(out) < 2 {
		return out
	}
	pos := make(map[string]int)
	for i, n := range r.order() {
		pos[n] = i
	}
	sort.Slice(out, func(i, j int) bool { return pos[out[i]] > pos[out[j]] })
	return out
}

func (r *Registry) notify(e LifecycleEvent) {
	if r.observer != nil {
		r.observer(e)
	}
}

func removeAll(list, drop []string) []string {
	if len(drop) == 0 {
		return list
	}
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := list[:0]
	for _, s := range list {
		if !skip[s] {
			out = append(out, s)
		}
	}
	return out
}
