// Package domain composes the domain controller: the domain model held in a
// domain-process pipeline, the server-group topology, the dispatchers that
// reach managed servers, and the rollout of domain-wide operations.
package domain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/rollout"
	"github.com/domainkernel/domainkernel/pkg/subsystems"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

// Domain model keys.
const (
	ProfileKey        = "profile"
	ClientContentKey  = "management-client-content"
	RolloutPlansName  = "rollout-plans"
	RolloutPlanKey    = "rollout-plan"
	PlanContentAttr   = "content"
)

var (
	rolloutPlansAddr = engine.NewAddress(ClientContentKey, RolloutPlansName)
	profilePattern   = engine.NewAddress(ProfileKey, engine.Wildcard)
)

// PlanAddress returns the address of a stored rollout plan.
func PlanAddress(name string) engine.Address {
	return rolloutPlansAddr.Append(engine.Elem(RolloutPlanKey, name))
}

// ProfileAddress returns the address of a profile.
func ProfileAddress(name string) engine.Address {
	return engine.NewAddress(ProfileKey, name)
}

// connector is implemented by dispatchers that can learn server model
// versions ahead of a rollout.
type connector interface {
	Connect(ctx context.Context, servers []engine.ServerRef)
}

// Options configures a Controller.
type Options struct {
	Topology   *Topology
	Dispatcher engine.ServerDispatcher

	// Subsystems contribute their schemas under /profile=* and their
	// transformer chains. Defaults to every built-in subsystem.
	Subsystems []subsystems.Subsystem

	Recorder   rollout.Recorder
	Authorizer pipeline.Authorizer
	Persister  pipeline.Persister

	StepTimeout time.Duration
	MaxParallel int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Controller is the domain controller.
type Controller struct {
	topology    *Topology
	dispatcher  engine.ServerDispatcher
	pipeline    *pipeline.Controller
	transformer *transform.Registry
	executor    *rollout.Executor
	logger      zerolog.Logger
}

// RolloutRequest is a domain-wide operation batch.
type RolloutRequest struct {
	Operations []engine.Operation

	// Plan is used as is. Otherwise PlanName selects a stored plan, and
	// without either every affected group runs concurrently.
	Plan     *rollout.Plan
	PlanName string

	// Groups overrides the affected groups of the default plan.
	Groups []string
}

// NewController builds the domain model and bootstraps its management
// client content.
func NewController(opts Options) (*Controller, error) {
	if opts.Topology == nil {
		opts.Topology = NewTopology()
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Subsystems == nil {
		opts.Subsystems = subsystems.All()
	}

	p := pipeline.NewController(pipeline.Options{
		ProcessType: engine.ProcessDomain,
		Authorizer:  opts.Authorizer,
		Persister:   opts.Persister,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Tracer:      opts.Tracer,
		Events:      opts.Events,
	})

	for _, reg := range domainRegistrations(opts.Subsystems) {
		if err := p.Register(reg); err != nil {
			return nil, err
		}
	}

	transformer := transform.NewRegistry(opts.Logger)
	subsystems.RegisterTransformers(transformer, opts.Subsystems...)

	c := &Controller{
		topology:    opts.Topology,
		dispatcher:  opts.Dispatcher,
		pipeline:    p,
		transformer: transformer,
		executor: rollout.NewExecutor(rollout.ExecutorOptions{
			Topology:    opts.Topology,
			Dispatcher:  opts.Dispatcher,
			Transformer: transformer,
			Recorder:    opts.Recorder,
			StepTimeout: opts.StepTimeout,
			MaxParallel: opts.MaxParallel,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
			Tracer:      opts.Tracer,
			Events:      opts.Events,
		}),
		logger: opts.Logger.With().Str("component", "domain").Logger(),
	}

	if _, err := p.ExecuteBatch(context.Background(), []engine.Operation{
		engine.NewAddOperation(engine.NewAddress(ClientContentKey, RolloutPlansName), nil),
	}); err != nil {
		return nil, fmt.Errorf("failed to bootstrap the domain model: %w", err)
	}
	return c, nil
}

// domainRegistrations places every subsystem registration under
// /profile=*. The domain only holds configuration, so capabilities,
// services and verification are left to the servers.
func domainRegistrations(subs []subsystems.Subsystem) []*pipeline.Registration {
	regs := []*pipeline.Registration{
		{Pattern: profilePattern, Schema: model.NewSchema("profile")},
		{Pattern: engine.NewAddress(ClientContentKey, RolloutPlansName), Schema: model.NewSchema("rollout plans")},
		{
			Pattern: rolloutPlansAddr.Append(engine.Elem(RolloutPlanKey, engine.Wildcard)),
			Schema: model.NewSchema("stored rollout plan",
				model.AttributeDefinition{Name: PlanContentAttr, Type: model.TypeObject, Required: true},
			),
			Add:            validateStoredPlan,
			WriteAttribute: validateStoredPlan,
		},
	}
	for _, s := range subs {
		for _, reg := range s.Registrations() {
			regs = append(regs, &pipeline.Registration{
				Pattern:        profilePattern.Append(reg.Pattern...),
				Schema:         reg.Schema,
				AddTranslation: reg.AddTranslation,
				Operations:     reg.Operations,
			})
		}
	}
	return regs
}

func validateStoredPlan(oc *pipeline.OperationContext, op engine.Operation) error {
	if op.Kind == engine.OpWriteAttribute && op.StringParam(engine.ParamName) != PlanContentAttr {
		return nil
	}
	res, err := oc.ReadResource(op.Address)
	if err != nil {
		return err
	}
	v, _ := res.Attribute(PlanContentAttr)
	doc, _ := v.(map[string]interface{})
	if err := rollout.ValidateStructure(doc); err != nil {
		return engine.AsEngineError(err).WithAddress(op.Address)
	}
	return nil
}

// Pipeline returns the domain-model pipeline.
func (c *Controller) Pipeline() *pipeline.Controller {
	return c.pipeline
}

// Topology returns the domain topology.
func (c *Controller) Topology() *Topology {
	return c.topology
}

// Transformer returns the transformer registry used for servers on older
// model versions.
func (c *Controller) Transformer() *transform.Registry {
	return c.transformer
}

// ReadModel reads part of the domain model.
func (c *Controller) ReadModel(address engine.Address, recursive bool) (map[string]interface{}, error) {
	return c.pipeline.Tree().ReadModel(address, recursive)
}

// StorePlan validates a plan and stores it under name, replacing any plan of
// that name.
func (c *Controller) StorePlan(ctx context.Context, name string, plan *rollout.Plan) error {
	if name == "" {
		return engine.NewValidationError("rollout plan name is required")
	}
	if plan == nil {
		return engine.NewPlanStructureError("rollout plan is missing")
	}
	addr := PlanAddress(name)
	doc := plan.Document()

	var op engine.Operation
	if c.pipeline.Tree().Exists(addr) {
		op = engine.NewWriteAttributeOperation(addr, PlanContentAttr, doc)
	} else {
		op = engine.NewAddOperation(addr, map[string]interface{}{PlanContentAttr: doc})
	}
	_, err := c.pipeline.Execute(ctx, op)
	return err
}

// RemovePlan deletes a stored plan.
func (c *Controller) RemovePlan(ctx context.Context, name string) error {
	_, err := c.pipeline.Execute(ctx, engine.NewRemoveOperation(PlanAddress(name)))
	return err
}

// Plan returns a stored plan.
func (c *Controller) Plan(name string) (*rollout.Plan, error) {
	res, err := c.pipeline.Tree().Get(PlanAddress(name))
	if err != nil {
		return nil, err
	}
	v, _ := res.Attribute(PlanContentAttr)
	doc, _ := v.(map[string]interface{})
	return rollout.Parse(doc)
}

// Plans returns the names of the stored plans, sorted.
func (c *Controller) Plans() []string {
	var out []string
	for _, res := range c.pipeline.Tree().Query(rolloutPlansAddr.Append(engine.Elem(RolloutPlanKey, engine.Wildcard))) {
		out = append(out, res.Address.Last().Value)
	}
	sort.Strings(out)
	return out
}

// Rollout applies a batch to the domain model and rolls the profile-scoped
// part of it out to the affected server groups. Each group receives only
// the operations addressed to the profile it runs.
//
// The domain model change is undone when the rollout fails before dispatch
// or ends FAILED_AND_ROLLED_BACK. After a partial failure the domain model
// keeps the change and the result lists the servers that diverge.
func (c *Controller) Rollout(ctx context.Context, req RolloutRequest) (*engine.RolloutResult, error) {
	if len(req.Operations) == 0 {
		return nil, engine.NewValidationError("rollout has no operations")
	}
	opID := req.Operations[0].ID
	if opID == "" {
		opID = uuid.New().String()
	}
	ops := make([]engine.Operation, len(req.Operations))
	for i, op := range req.Operations {
		ops[i] = op.Clone()
		if ops[i].ID == "" {
			ops[i].ID = opID
		}
	}
	logger := c.logger.With().Str("operation_id", opID).Logger()

	// Resolve the plan first so an unknown stored plan changes nothing.
	plan := req.Plan
	if plan == nil && req.PlanName != "" {
		p, err := c.Plan(req.PlanName)
		if err != nil {
			return nil, fmt.Errorf("failed to load rollout plan %q: %w", req.PlanName, err)
		}
		plan = p
	}

	local, err := c.pipeline.ExecuteBatch(ctx, ops)
	if err != nil {
		return nil, err
	}

	byProfile, profiles := serverOperations(ops)
	if len(profiles) == 0 {
		logger.Debug().Msg("Operation only touches the domain model")
		now := time.Now()
		return &engine.RolloutResult{
			ID:          uuid.New().String(),
			OperationID: opID,
			Outcome:     engine.PlanSuccess,
			Groups:      map[string]*engine.GroupResult{},
			StartedAt:   now,
			CompletedAt: now,
		}, nil
	}

	if plan == nil {
		groups := req.Groups
		if len(groups) == 0 {
			groups = c.affectedGroups(profiles)
		}
		if len(groups) == 0 {
			logger.Debug().Strs("profiles", profiles).Msg("No server group runs the changed profiles")
			now := time.Now()
			return &engine.RolloutResult{
				ID:          uuid.New().String(),
				OperationID: opID,
				Outcome:     engine.PlanSuccess,
				Groups:      map[string]*engine.GroupResult{},
				StartedAt:   now,
				CompletedAt: now,
			}, nil
		}
		plan = rollout.DefaultPlan(groups)
	}

	if conn, ok := c.dispatcher.(connector); ok {
		var refs []engine.ServerRef
		for _, g := range plan.GroupNames() {
			servers, _ := c.topology.ServerGroup(g)
			refs = append(refs, servers...)
		}
		conn.Connect(ctx, refs)
	}

	result, err := c.executor.ExecuteGroups(ctx, plan, func(group string) []engine.Operation {
		g, ok := c.topology.Group(group)
		if !ok {
			return nil
		}
		return byProfile[g.Profile]
	})
	if err != nil {
		c.undo(ctx, local, logger)
		return nil, err
	}
	if result.Outcome == engine.PlanFailedAndRolledBack {
		c.undo(ctx, local, logger)
	}
	return result, nil
}

// affectedGroups returns the groups running any of profiles.
func (c *Controller) affectedGroups(profiles []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range profiles {
		for _, g := range c.topology.GroupsForProfile(p) {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (c *Controller) undo(ctx context.Context, local *engine.OperationResult, logger zerolog.Logger) {
	if local == nil || len(local.Compensation) == 0 {
		return
	}
	if _, err := c.pipeline.ExecuteBatch(context.WithoutCancel(ctx), local.Compensation); err != nil {
		logger.Error().Err(err).Msg("Failed to undo the domain model change")
		return
	}
	logger.Info().Msg("Domain model change undone")
}

// serverOperations strips /profile=<name> from the operations that address
// a profile and groups them by profile, keeping batch order within each.
// The profiles are returned in the order the batch first touches them.
// Operations outside a profile only concern the domain model.
func serverOperations(ops []engine.Operation) (map[string][]engine.Operation, []string) {
	out := make(map[string][]engine.Operation)
	var profiles []string
	for _, op := range ops {
		if len(op.Address) < 2 || op.Address[0].Key != ProfileKey {
			continue
		}
		profile := op.Address[0].Value
		if _, ok := out[profile]; !ok {
			profiles = append(profiles, profile)
		}
		stripped := op.Clone()
		stripped.Address = op.Address[1:].Clone()
		out[profile] = append(out[profile], stripped)
	}
	return out, profiles
}
