package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
)

type step struct {
	op      engine.Operation
	handler StepHandler
}

type intentKind int

const (
	intentProvide intentKind = iota
	intentWithdraw
	intentRequire
	intentRelease
)

// intent is a capability registration recorded during MODEL and applied
// when the stage completes.
type intent struct {
	kind      intentKind
	name      string
	owner     engine.Address
	dependent string
}

// OperationContext is the handle a step handler works through. It exposes
// the batch's private view of the tree, the stage queues and the capability
// transaction.
type OperationContext struct {
	ctx     context.Context
	c       *Controller
	batchID string
	tx      *model.Tx
	caps    *capability.Txn
	stage   engine.Stage
	queues  map[engine.Stage][]step
	intents []intent
	logger  zerolog.Logger

	reloadRequired bool
	result         interface{}
}

// Context returns the batch's context.
func (oc *OperationContext) Context() context.Context {
	return oc.ctx
}

// Stage returns the stage currently executing.
func (oc *OperationContext) Stage() engine.Stage {
	return oc.stage
}

// ProcessType returns the type of the process the batch runs in.
func (oc *OperationContext) ProcessType() engine.ProcessType {
	return oc.c.processType
}

// Logger returns the batch logger.
func (oc *OperationContext) Logger() zerolog.Logger {
	return oc.logger
}

// AddStep enqueues a step. Steps may only be added to the current stage or a
// later one; RUNTIME steps are dropped in processes that run no services.
func (oc *OperationContext) AddStep(stage engine.Stage, op engine.Operation, handler StepHandler) error {
	if stage < oc.stage {
		return engine.NewPermanentError("a "+oc.stage.String()+" step cannot enqueue a "+stage.String()+" step", nil).
			WithCode(engine.ErrCodeStageOrderViolation).
			WithAddress(op.Address)
	}
	if stage == engine.StageRuntime && !oc.c.processType.RunsServices() {
		return nil
	}
	oc.queues[stage] = append(oc.queues[stage], step{op: op, handler: handler})
	return nil
}

// Registration returns the registration governing an instance address.
func (oc *OperationContext) Registration(address engine.Address) (*Registration, error) {
	return oc.c.registration(address)
}

// ReadResource returns a resource as seen by this batch.
func (oc *OperationContext) ReadResource(address engine.Address) (*model.Resource, error) {
	return oc.tx.Get(address)
}

// ReadModel renders a resource as seen by this batch.
func (oc *OperationContext) ReadModel(address engine.Address, recursive bool) (map[string]interface{}, error) {
	return oc.tx.ReadModel(address, recursive)
}

// Query returns every resource matching pattern as seen by this batch.
func (oc *OperationContext) Query(pattern engine.Address) []*model.Resource {
	return oc.tx.Query(pattern)
}

// ResolvedAttributes returns a resource's attributes with defaults applied.
func (oc *OperationContext) ResolvedAttributes(address engine.Address) (map[string]interface{}, error) {
	res, err := oc.tx.Get(address)
	if err != nil {
		return nil, err
	}
	schema, err := oc.tx.Schema(address)
	if err != nil {
		return nil, err
	}
	return schema.Resolve(res.Attributes), nil
}

// CreateResource creates a resource in this batch.
func (oc *OperationContext) CreateResource(address engine.Address, attrs map[string]interface{}) error {
	if err := oc.lock(address); err != nil {
		return err
	}
	return oc.tx.CreateChild(address, attrs)
}

// RemoveResource removes a resource subtree in this batch.
func (oc *OperationContext) RemoveResource(address engine.Address) error {
	if err := oc.lock(address); err != nil {
		return err
	}
	return oc.tx.Remove(address)
}

// WriteAttribute writes or, with a nil value, undefines an attribute.
func (oc *OperationContext) WriteAttribute(address engine.Address, name string, value interface{}) (model.AttributeDefinition, error) {
	if err := oc.lock(address); err != nil {
		return model.AttributeDefinition{}, err
	}
	return oc.tx.WriteAttribute(address, name, value)
}

// Provide records that owner provides a capability.
func (oc *OperationContext) Provide(name string, owner engine.Address) {
	oc.intents = append(oc.intents, intent{kind: intentProvide, name: name, owner: owner.Clone()})
}

// Withdraw records that owner no longer provides a capability.
func (oc *OperationContext) Withdraw(name string, owner engine.Address) {
	oc.intents = append(oc.intents, intent{kind: intentWithdraw, name: name, owner: owner.Clone()})
}

// Require records that dependent requires a capability. Whether it is
// provided is checked when MODEL completes, so a capability provided later in
// the same batch satisfies it.
func (oc *OperationContext) Require(name, dependent string) {
	oc.intents = append(oc.intents, intent{kind: intentRequire, name: name, dependent: dependent})
}

// Release records that dependent no longer requires a capability.
func (oc *OperationContext) Release(name, dependent string) {
	oc.intents = append(oc.intents, intent{kind: intentRelease, name: name, dependent: dependent})
}

// Install installs a service. Only valid in RUNTIME.
func (oc *OperationContext) Install(inst *capability.Installer) error {
	if oc.stage != engine.StageRuntime {
		return engine.NewPermanentError("services can only be installed in RUNTIME", nil).
			WithCode(engine.ErrCodeStageOrderViolation)
	}
	return oc.caps.Install(inst)
}

// Uninstall stops and removes a service. Only valid in RUNTIME.
func (oc *OperationContext) Uninstall(name string) error {
	if oc.stage != engine.StageRuntime {
		return engine.NewPermanentError("services can only be removed in RUNTIME", nil).
			WithCode(engine.ErrCodeStageOrderViolation)
	}
	oc.caps.Uninstall(oc.ctx, name)
	return nil
}

// Capabilities returns the registry for resolving running services.
func (oc *OperationContext) Capabilities() *capability.Registry {
	return oc.c.caps
}

// ReloadRequired marks the batch result reload-required.
func (oc *OperationContext) ReloadRequired() {
	oc.reloadRequired = true
}

// SetResult sets the value returned to the caller.
func (oc *OperationContext) SetResult(v interface{}) {
	oc.result = v
}

func (oc *OperationContext) lock(address engine.Address) error {
	if oc.stage != engine.StageModel {
		return engine.NewPermanentError("the resource tree is read-only in "+oc.stage.String(), nil).
			WithCode(engine.ErrCodeStageOrderViolation).
			WithAddress(address)
	}
	if oc.c.locks.TryAcquire(oc.batchID, address) {
		return nil
	}
	return engine.NewConflictError("subtree "+address.String()+" is locked by another batch", nil).
		WithCode(engine.ErrCodeLockConflict).
		WithAddress(address)
}

// applyIntents registers the capability changes recorded during MODEL, in
// order, then checks requirements and withdrawals against the result.
func (oc *OperationContext) applyIntents() error {
	var requires []intent
	var withdrawn []intent
	for _, in := range oc.intents {
		switch in.kind {
		case intentProvide:
			if err := oc.caps.Provide(in.name, in.owner); err != nil {
				return err
			}
		case intentWithdraw:
			if err := oc.caps.Withdraw(in.name, in.owner); err != nil {
				return err
			}
			withdrawn = append(withdrawn, in)
		case intentRelease:
			if i := pendingRequire(requires, in); i >= 0 {
				requires = append(requires[:i], requires[i+1:]...)
				continue
			}
			oc.caps.Release(capability.Handle{Capability: in.name, Dependent: in.dependent})
		case intentRequire:
			requires = append(requires, in)
		}
	}
	for _, in := range requires {
		if _, err := oc.caps.Require(in.name, in.dependent); err != nil {
			return err
		}
	}
	for _, in := range withdrawn {
		if _, ok := oc.c.caps.Provider(in.name); ok {
			continue
		}
		if deps := oc.c.caps.Dependents(in.name); len(deps) > 0 {
			return engine.NewValidationError("capability %q is still required by %v", in.name, deps).
				WithAddress(in.owner)
		}
	}
	oc.intents = nil
	return nil
}

func pendingRequire(requires []intent, release intent) int {
	for i := len(requires) - 1; i >= 0; i-- {
		if requires[i].name == release.name && requires[i].dependent == release.dependent {
			return i
		}
	}
	return -1
}
