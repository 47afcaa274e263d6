package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
)

// DefaultLockTimeout bounds how long a batch waits for its subtree locks.
const DefaultLockTimeout = 30 * time.Second

// Authorizer decides whether an operation may run. It is consulted for every
// operation of a batch before the MODEL stage.
type Authorizer interface {
	Authorize(ctx context.Context, op engine.Operation) error
}

// Persister records committed tree changes.
type Persister interface {
	PersistChanges(ctx context.Context, operationID string, changes []model.Change) error
}

// Options configures a Controller.
type Options struct {
	// ProcessType selects whether RUNTIME installs services. Defaults to server.
	ProcessType engine.ProcessType

	// Tree is the resource tree. A fresh tree is created when nil.
	Tree *model.Tree

	// Capabilities is the capability registry. A fresh one is created when nil.
	Capabilities *capability.Registry

	Authorizer Authorizer
	Persister  Persister

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// LockTimeout bounds the wait for subtree locks. Defaults to DefaultLockTimeout.
	LockTimeout time.Duration
}

// Controller executes operation batches against one process's resource tree.
// Batches on disjoint subtrees run concurrently.
type Controller struct {
	processType engine.ProcessType
	tree        *model.Tree
	caps        *capability.Registry
	locks       *LockManager
	authorizer  Authorizer
	persister   Persister
	lockTimeout time.Duration

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	if opts.ProcessType == "" {
		opts.ProcessType = engine.ProcessServer
	}
	if opts.Tree == nil {
		opts.Tree = model.NewTree(nil)
	}
	if opts.Capabilities == nil {
		opts.Capabilities = capability.NewRegistry(opts.Logger)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	c := &Controller{
		processType: opts.ProcessType,
		tree:        opts.Tree,
		caps:        opts.Capabilities,
		locks:       NewLockManager(),
		authorizer:  opts.Authorizer,
		persister:   opts.Persister,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger.With().Str("component", "pipeline").Str("process", string(opts.ProcessType)).Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		regs:        make(map[string]*Registration),
	}
	if opts.Metrics != nil || opts.Events != nil {
		c.caps.SetObserver(func(e capability.LifecycleEvent) {
			c.metrics.RecordServiceEvent(string(e.Kind))
			_ = c.events.PublishServiceEvent(e.Service, e.Kind == capability.LifecycleStarted)
		})
	}
	return c
}

// Tree returns the controller's resource tree.
func (c *Controller) Tree() *model.Tree {
	return c.tree
}

// Capabilities returns the controller's capability registry.
func (c *Controller) Capabilities() *capability.Registry {
	return c.caps
}

// ProcessType returns the controller's process type.
func (c *Controller) ProcessType() engine.ProcessType {
	return c.processType
}

// Register binds a registration's schema into the tree and keeps its
// handlers. Registrations are made once at startup.
func (c *Controller) Register(reg *Registration) error {
	if reg == nil {
		return fmt.Errorf("registration is nil")
	}
	if err := c.tree.Register(reg.Pattern, reg.Schema); err != nil {
		return fmt.Errorf("failed to register %s: %w", reg.Pattern, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg.Pattern.String()] = reg
	return nil
}

// Registrations returns the registered path patterns.
func (c *Controller) Registrations() []engine.Address {
	return c.tree.Registry().Patterns()
}

func (c *Controller) registration(address engine.Address) (*Registration, error) {
	_, pattern, ok := c.tree.Registry().Lookup(address)
	if !ok {
		return nil, engine.NewValidationError("no resource registration matches %s", address).WithAddress(address)
	}
	c.mu.RLock()
	reg, ok := c.regs[pattern.String()]
	c.mu.RUnlock()
	if !ok {
		// Schema-only registration made directly on the tree.
		return &Registration{Pattern: pattern}, nil
	}
	return reg, nil
}

// Execute runs one operation as its own batch.
func (c *Controller) Execute(ctx context.Context, op engine.Operation) (*engine.OperationResult, error) {
	return c.ExecuteBatch(ctx, []engine.Operation{op})
}

// ExecuteBatch runs ops as one atomic batch: every stage runs for all queued
// steps before the next begins, and any failure rolls the tree and the
// capability graph back to their state before the batch. The returned result
// is never nil; the error equals result.Err().
func (c *Controller) ExecuteBatch(ctx context.Context, ops []engine.Operation) (*engine.OperationResult, error) {
	start := time.Now()
	batchID := uuid.New().String()
	opID := batchID
	if len(ops) > 0 && ops[0].ID != "" {
		opID = ops[0].ID
	}
	kind, target := describe(ops)

	ctx, span := c.tracer.StartOperationSpan(ctx, opID, kind, target)
	logger := c.logger.With().Str("operation_id", opID).Str("kind", kind).Str("address", target).Logger()

	result, stage, err := c.run(ctx, batchID, opID, ops, logger)
	result.OperationID = opID
	result.Duration = time.Since(start)

	if err != nil {
		e := engine.AsEngineError(err)
		result.Outcome = engine.OutcomeFailed
		result.Failure = e
		result.Compensation = nil
		result.Result = nil
		result.ReloadRequired = false

		logger.Warn().Err(e).Str("stage", stage.String()).Msg("Operation failed and was rolled back")
		c.metrics.RecordStageFailure(stage.String())
		c.metrics.RecordError(string(e.Class), e.Code)
		if strings.HasPrefix(e.Code, "CAPABILITY_") {
			c.metrics.RecordCapabilityError(e.Code)
		}
	} else {
		result.Outcome = engine.OutcomeSuccess
		logger.Debug().Uint64("version", result.Version).Dur("duration", result.Duration).Msg("Operation committed")
	}

	c.metrics.RecordOperation(kind, string(result.Outcome), result.Duration)
	_ = c.events.PublishOperation(opID, kind, target, result.Err(), result.Duration)
	telemetry.EndSpan(span, result.Err())
	return result, result.Err()
}

// run executes the batch and reports the stage a failure occurred in.
func (c *Controller) run(ctx context.Context, batchID, opID string, ops []engine.Operation, logger zerolog.Logger) (*engine.OperationResult, engine.Stage, error) {
	result := &engine.OperationResult{}
	if len(ops) == 0 {
		return result, engine.StageModel, engine.NewValidationError("batch contains no operations")
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return result, engine.StageModel, err
		}
	}
	if c.authorizer != nil {
		for _, op := range ops {
			if err := c.authorizer.Authorize(ctx, op); err != nil {
				_ = c.events.PublishPolicyDenied(opID, op.Address.String(), err.Error())
				return result, engine.StageModel, err
			}
		}
	}

	if addrs := writeTargets(ops); len(addrs) > 0 {
		lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
		err := c.locks.Acquire(lockCtx, batchID, addrs)
		cancel()
		if err != nil {
			return result, engine.StageModel, err
		}
	}
	defer c.locks.Release(batchID)

	oc := &OperationContext{
		ctx:     ctx,
		c:       c,
		batchID: batchID,
		tx:      c.tree.Begin(),
		caps:    c.caps.Begin(),
		stage:   engine.StageModel,
		queues:  make(map[engine.Stage][]step),
		logger:  logger,
	}

	results := make([]interface{}, len(ops))
	for i, op := range ops {
		i := i
		oc.queues[engine.StageModel] = append(oc.queues[engine.StageModel], step{
			op: op,
			handler: func(oc *OperationContext, op engine.Operation) error {
				oc.result = nil
				if err := c.dispatch(oc, op); err != nil {
					return err
				}
				results[i] = oc.result
				return nil
			},
		})
	}

	for _, stage := range engine.Stages {
		oc.stage = stage
		if err := c.runStage(oc, stage); err != nil {
			c.rollback(oc)
			return result, stage, err
		}
	}

	compensation := oc.tx.Compensation()
	changes, err := oc.tx.Commit()
	if err != nil {
		oc.caps.Rollback(context.WithoutCancel(ctx))
		return result, engine.StageVerify, err
	}
	oc.caps.Commit()

	if c.persister != nil && len(changes) > 0 {
		if err := c.persister.PersistChanges(ctx, opID, changes); err != nil {
			logger.Error().Err(err).Msg("Failed to persist committed changes")
		}
	}

	result.Compensation = compensation
	result.Version = c.tree.Version()
	result.ReloadRequired = oc.reloadRequired
	if len(ops) == 1 {
		result.Result = results[0]
	} else {
		steps := make(map[string]interface{})
		for i, r := range results {
			if r != nil {
				steps[fmt.Sprintf("step-%d", i+1)] = r
			}
		}
		if len(steps) > 0 {
			result.Result = steps
		}
	}
	return result, engine.StageVerify, nil
}

// runStage drains a stage's queue, including steps enqueued while it runs,
// then completes the stage.
func (c *Controller) runStage(oc *OperationContext, stage engine.Stage) error {
	ctx, span := c.tracer.StartStageSpan(oc.ctx, stage.String())
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	for len(oc.queues[stage]) > 0 {
		s := oc.queues[stage][0]
		oc.queues[stage] = oc.queues[stage][1:]

		if ctx.Err() != nil {
			err = engine.NewTransientError("operation cancelled", ctx.Err()).WithCode(engine.ErrCodeCancelled)
			return err
		}
		if err = s.handler(oc, s.op); err != nil {
			err = annotate(err, s.op)
			return err
		}
	}

	switch stage {
	case engine.StageModel:
		err = oc.applyIntents()
	case engine.StageRuntime:
		if c.processType.RunsServices() {
			err = oc.caps.Reconcile(oc.ctx)
		}
	}
	return err
}

func (c *Controller) rollback(oc *OperationContext) {
	undone := oc.tx.Rollback()
	started := oc.caps.Started()
	oc.caps.Rollback(context.WithoutCancel(oc.ctx))
	oc.logger.Debug().
		Int("mutations", undone).
		Strs("services", started).
		Msg("Rolled back batch")
}

// dispatch routes a top-level or enqueued MODEL step to its handler.
func (c *Controller) dispatch(oc *OperationContext, op engine.Operation) error {
	switch op.Kind {
	case engine.OpAdd:
		return addHandler(oc, op)
	case engine.OpRemove:
		return removeHandler(oc, op)
	case engine.OpWriteAttribute:
		return writeAttributeHandler(oc, op)
	}

	reg, err := c.registration(op.Address)
	if err != nil {
		return err
	}
	if !oc.tx.Exists(op.Address) {
		return engine.NewNotFoundError(op.Address)
	}
	if h, ok := reg.Operations[op.Name]; ok {
		return h(oc, op)
	}
	if h, ok := globalOperations[op.Name]; ok {
		return h(oc, op)
	}
	return engine.NewPermanentError(fmt.Sprintf("operation %q is not supported", op.Name), nil).
		WithCode(engine.ErrCodeOperationNotSupported).
		WithAddress(op.Address)
}

func annotate(err error, op engine.Operation) error {
	e := engine.AsEngineError(err)
	if e.Operation == "" {
		e.WithOperation(op.OperationName())
	}
	if e.Address == "" {
		e.WithAddress(op.Address)
	}
	return e
}

// writeTargets returns the addresses a batch may write, for up-front locking.
func writeTargets(ops []engine.Operation) []engine.Address {
	var out []engine.Address
	for _, op := range ops {
		if op.Kind == engine.OpCustom && readOnlyOperations[op.Name] {
			continue
		}
		out = append(out, op.Address)
	}
	return out
}

func describe(ops []engine.Operation) (string, string) {
	switch len(ops) {
	case 0:
		return "composite", "/"
	case 1:
		return ops[0].OperationName(), ops[0].Address.String()
	default:
		return "composite", ops[0].Address.String()
	}
}
