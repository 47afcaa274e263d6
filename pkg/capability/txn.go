package capability

import (
	"context"
	"errors"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// ErrTxnClosed is returned when a committed or rolled back Txn is used.
var ErrTxnClosed = errors.New("capability transaction already closed")

// Txn groups registry mutations made by one operation batch so they can be
// undone in reverse order.
type Txn struct {
	r         *Registry
	undo      []func(ctx context.Context)
	installed []string
	started   []string
	closed    bool
}

// Provide registers owner as the provider of a capability.
func (t *Txn) Provide(name string, owner engine.Address) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if existing, ok := t.r.providers[name]; ok && existing.Equal(owner) {
		return nil
	}
	if err := t.r.provide(name, owner); err != nil {
		return err
	}
	t.push(func(context.Context) { t.r.withdraw(name, owner) })
	return nil
}

// Withdraw removes owner's provision of a capability. Remaining requirements
// on it are not checked here; see Registry.Dependents.
func (t *Txn) Withdraw(name string, owner engine.Address) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if t.r.withdraw(name, owner) {
		t.push(func(context.Context) { _ = t.r.provide(name, owner) })
	}
	return nil
}

// Require records that dependent requires a capability. The capability must
// already be provided.
func (t *Txn) Require(name, dependent string) (Handle, error) {
	if t.closed {
		return Handle{}, ErrTxnClosed
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	h := Handle{Capability: name, Dependent: dependent}
	if err := t.r.require(h); err != nil {
		return Handle{}, err
	}
	t.push(func(context.Context) { t.r.release(h) })
	return h, nil
}

// Release drops one requirement.
func (t *Txn) Release(h Handle) {
	if t.closed {
		return
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if t.r.release(h) {
		t.push(func(context.Context) { t.r.requirements[h]++ })
	}
}

// Install adds a service to the graph. A dependency cycle is reported as
// CapabilityCycle and leaves the graph unchanged.
func (t *Txn) Install(inst *Installer) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if err := t.r.install(inst); err != nil {
		return err
	}
	name := inst.Capability
	t.installed = append(t.installed, name)
	t.push(func(ctx context.Context) {
		var stopped []string
		t.r.stop(ctx, name, &stopped)
		delete(t.r.services, name)
	})
	return nil
}

// Uninstall stops a service, and its dependents first, then removes it.
func (t *Txn) Uninstall(ctx context.Context, name string) {
	if t.closed {
		return
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	svc, ok := t.r.services[name]
	if !ok {
		return
	}
	stopped := t.stopLocked(ctx, name)
	delete(t.r.services, name)
	t.push(func(ctx context.Context) {
		svc.state = StateDown
		svc.refs = 0
		t.r.services[name] = svc
		t.restartLocked(ctx, stopped)
	})
}

// Start brings a service up, with its lazy dependencies.
func (t *Txn) Start(ctx context.Context, name string) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if _, ok := t.r.services[name]; !ok {
		return engine.NewCapabilityUnresolvedError(name, "")
	}
	return t.startLocked(ctx, name)
}

// Stop brings a service down, stopping its dependents first.
func (t *Txn) Stop(ctx context.Context, name string) {
	if t.closed {
		return
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.stopLocked(ctx, name)
}

// Reconcile starts ACTIVE services in topological order. Services installed
// by this transaction must start; other waiting services start when their
// dependencies have become resolvable.
func (t *Txn) Reconcile(ctx context.Context) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	mine := make(map[string]bool, len(t.installed))
	for _, name := range t.installed {
		mine[name] = true
	}
	for _, name := range t.r.order() {
		svc, ok := t.r.services[name]
		if !ok || svc.state == StateUp || svc.installer.mode().Lazy() {
			continue
		}
		if !mine[name] && !t.r.resolvable(name) {
			continue
		}
		if err := t.startLocked(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Started returns the services this transaction started, in start order.
func (t *Txn) Started() []string {
	return append([]string(nil), t.started...)
}

// Commit keeps every change.
func (t *Txn) Commit() {
	t.closed = true
	t.undo = nil
}

// Rollback undoes every change in reverse order: services started by this
// transaction stop in reverse start order, stopped ones restart, and
// provisions and requirements are restored.
func (t *Txn) Rollback(ctx context.Context) {
	if t.closed {
		return
	}
	t.closed = true
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i](ctx)
	}
	t.undo = nil
}

func (t *Txn) push(fn func(ctx context.Context)) {
	t.undo = append(t.undo, fn)
}

func (t *Txn) startLocked(ctx context.Context, name string) error {
	var started []string
	err := t.r.start(ctx, name, &started)
	for _, s := range started {
		s := s
		t.started = append(t.started, s)
		t.push(func(ctx context.Context) {
			var stopped []string
			t.r.stop(ctx, s, &stopped)
		})
	}
	return err
}

func (t *Txn) stopLocked(ctx context.Context, name string) []string {
	var stopped []string
	t.r.stop(ctx, name, &stopped)
	if len(stopped) > 0 {
		t.push(func(ctx context.Context) { t.restartLocked(ctx, stopped) })
	}
	return stopped
}

// restartLocked starts services again in reverse stop order.
func (t *Txn) restartLocked(ctx context.Context, stopped []string) {
	for i := len(stopped) - 1; i >= 0; i-- {
		if _, ok := t.r.services[stopped[i]]; !ok {
			continue
		}
		var started []string
		if err := t.r.start(ctx, stopped[i], &started); err != nil {
			t.r.logger.Error().Err(err).Str("service", stopped[i]).Msg("Failed to restart service during rollback")
		}
	}
}
