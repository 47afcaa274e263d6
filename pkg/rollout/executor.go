package rollout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent dispatches within one group.
const DefaultMaxParallel = 10

// Transformer adapts operations to the model versions a server runs.
type Transformer interface {
	TransformFor(server engine.ServerRef, ops []engine.Operation) ([]engine.Operation, error)
}

// Recorder persists finished rollouts.
type Recorder interface {
	RecordRollout(ctx context.Context, plan *Plan, result *engine.RolloutResult) error
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Topology   engine.Topology
	Dispatcher engine.ServerDispatcher

	// Transformer is optional. Without one operations are sent as is.
	Transformer Transformer

	// Recorder is optional.
	Recorder Recorder

	// StepTimeout cancels a step's in-flight dispatches; they count as
	// failures. Zero means no timeout.
	StepTimeout time.Duration

	// MaxParallel bounds concurrent dispatches within one non-rolling group.
	MaxParallel int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Executor applies operations across server groups according to a plan.
type Executor struct {
	topology    engine.Topology
	dispatcher  engine.ServerDispatcher
	transformer Transformer
	recorder    Recorder
	stepTimeout time.Duration
	maxParallel int

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// NewExecutor creates an executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	return &Executor{
		topology:    opts.Topology,
		dispatcher:  opts.Dispatcher,
		transformer: opts.Transformer,
		recorder:    opts.Recorder,
		stepTimeout: opts.StepTimeout,
		maxParallel: opts.MaxParallel,
		logger:      opts.Logger.With().Str("component", "rollout").Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
	}
}

// groupRun is the in-flight state of one group dispatch.
type groupRun struct {
	policy  GroupPolicy
	servers []engine.ServerRef
	result  *engine.GroupResult
}

// GroupOperations selects the operations a server group receives. A group
// given none is not dispatched and counts as succeeded.
type GroupOperations func(group string) []engine.Operation

// Execute runs ops on every server of every group the plan names.
//
// An error is returned only when the rollout could not start: an unknown or
// repeated group, or a missing dispatcher. Once dispatch begins the outcome,
// including failures, is reported through the result.
func (e *Executor) Execute(ctx context.Context, plan *Plan, ops []engine.Operation) (*engine.RolloutResult, error) {
	if len(ops) == 0 {
		return nil, engine.NewValidationError("rollout has no operations")
	}
	return e.ExecuteGroups(ctx, plan, func(string) []engine.Operation { return ops })
}

// ExecuteGroups is Execute with operations chosen per server group.
func (e *Executor) ExecuteGroups(ctx context.Context, plan *Plan, opsFor GroupOperations) (*engine.RolloutResult, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, engine.NewPlanStructureError("rollout plan has no steps")
	}
	if opsFor == nil {
		return nil, engine.NewValidationError("rollout has no operations")
	}
	if e.dispatcher == nil || e.topology == nil {
		return nil, engine.NewPermanentError("rollout executor has no dispatcher or topology", nil).
			WithCode(engine.ErrCodeInternal)
	}

	members, err := e.resolveGroups(plan)
	if err != nil {
		return nil, err
	}

	groupOps := make(map[string][]engine.Operation, len(members))
	var opID string
	for _, name := range plan.GroupNames() {
		ops := opsFor(name)
		groupOps[name] = ops
		if opID == "" && len(ops) > 0 {
			opID = ops[0].ID
		}
	}
	if opID == "" {
		opID = uuid.New().String()
	}
	result := &engine.RolloutResult{
		ID:          uuid.New().String(),
		OperationID: opID,
		Groups:      make(map[string]*engine.GroupResult),
		StartedAt:   time.Now(),
	}
	logger := e.logger.With().Str("rollout_id", result.ID).Str("operation_id", opID).Logger()

	ctx, span := e.tracer.StartRolloutSpan(ctx, result.ID, opID)
	e.metrics.RecordRolloutStarted()
	_ = e.events.PublishRolloutStarted(result.ID, opID, plan.GroupNames())
	logger.Info().Int("steps", len(plan.Steps)).Bool("rollback_across_groups", plan.RollbackAcrossGroups).Msg("Rollout started")

	var (
		applied    []*groupRun // successful groups in completion order
		completion int
	)
	result.Outcome = engine.PlanSuccess

	for i, step := range plan.Steps {
		runs := e.runStep(ctx, i, step, members, groupOps, &completion, result.ID)

		var failed []*groupRun
		for _, run := range sortByCompletion(runs) {
			result.Groups[run.policy.Name] = run.result
			if run.result.Outcome == engine.GroupFailed {
				failed = append(failed, run)
			} else {
				applied = append(applied, run)
			}
		}
		if len(failed) == 0 {
			continue
		}

		result.Failure = failed[0].result.Failure
		rolledBack := true
		for _, run := range failed {
			if !e.compensate(ctx, run, logger) {
				rolledBack = false
			}
		}
		if plan.RollbackAcrossGroups {
			for j := len(applied) - 1; j >= 0; j-- {
				if e.compensate(ctx, applied[j], logger) {
					applied[j].result.Outcome = engine.GroupRolledBack
				} else {
					rolledBack = false
				}
			}
		}
		if plan.RollbackAcrossGroups && rolledBack {
			result.Outcome = engine.PlanFailedAndRolledBack
		} else {
			result.Outcome = engine.PlanPartialFailure
		}
		for _, later := range plan.Steps[i+1:] {
			for _, g := range later.Groups {
				result.Skipped = append(result.Skipped, g.Name)
			}
		}
		break
	}

	result.CompletedAt = time.Now()
	for _, name := range result.GroupNames() {
		g := result.Groups[name]
		e.metrics.RecordGroupOutcome(string(g.Outcome))
		_ = e.events.PublishGroupResult(result.ID, name, string(g.Outcome), g.Failed, g.Total)
	}
	e.metrics.RecordRolloutCompleted(string(result.Outcome), result.Duration())
	_ = e.events.PublishRolloutCompleted(result.ID, opID, string(result.Outcome), result.Duration())

	var failure error
	if result.Failure != nil {
		failure = result.Failure
	}
	telemetry.EndSpan(span, failure)

	if e.recorder != nil {
		if err := e.recorder.RecordRollout(context.WithoutCancel(ctx), plan, result); err != nil {
			logger.Error().Err(err).Msg("Failed to record rollout")
		}
	}
	logger.Info().
		Str("outcome", string(result.Outcome)).
		Strs("skipped", result.Skipped).
		Dur("duration", result.Duration()).
		Msg("Rollout completed")
	return result, nil
}

// resolveGroups checks that every group is known and named once, and
// resolves its members before any dispatch.
func (e *Executor) resolveGroups(plan *Plan) (map[string][]engine.ServerRef, error) {
	members := make(map[string][]engine.ServerRef)
	for _, name := range plan.GroupNames() {
		if _, dup := members[name]; dup {
			return nil, engine.NewValidationError("server group %q appears more than once in the rollout plan", name).
				WithDetail("server-group", name)
		}
		servers, err := e.topology.ServerGroup(name)
		if err != nil {
			return nil, engine.NewValidationError("unknown server group %q: %v", name, err).
				WithDetail("server-group", name)
		}
		members[name] = servers
	}
	return members, nil
}

// runStep dispatches every group of a step concurrently and waits for all of
// them, or for the step timeout.
func (e *Executor) runStep(ctx context.Context, index int, step Step, members map[string][]engine.ServerRef, groupOps map[string][]engine.Operation, completion *int, rolloutID string) []*groupRun {
	names := make([]string, len(step.Groups))
	for i, g := range step.Groups {
		names[i] = g.Name
	}
	ctx, span := e.tracer.StartStepSpan(ctx, index, names)
	defer span.End()

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	runs := make([]*groupRun, len(step.Groups))
	var g errgroup.Group
	for i, policy := range step.Groups {
		i, policy := i, policy
		g.Go(func() error {
			run := &groupRun{policy: policy, servers: members[policy.Name]}
			e.runGroup(ctx, index, run, groupOps[policy.Name], rolloutID)

			mu.Lock()
			*completion++
			run.result.Completion = *completion
			mu.Unlock()
			runs[i] = run
			return nil
		})
	}
	_ = g.Wait()
	return runs
}

// runGroup applies ops to the group's servers, rolling or in parallel, and
// evaluates the failure threshold.
func (e *Executor) runGroup(ctx context.Context, step int, run *groupRun, ops []engine.Operation, rolloutID string) {
	policy := run.policy
	ctx, span := e.tracer.StartGroupSpan(ctx, policy.Name, policy.RollingToServers)
	logger := e.logger.With().Str("rollout_id", rolloutID).Str("server_group", policy.Name).Logger()

	res := &engine.GroupResult{
		Name:      policy.Name,
		Step:      step,
		Total:     len(run.servers),
		Servers:   make([]engine.ServerResult, len(run.servers)),
		StartedAt: time.Now(),
	}
	run.result = res
	for i, s := range run.servers {
		res.Servers[i] = engine.ServerResult{Server: s, Outcome: engine.ServerSkipped}
	}

	if err := policy.CheckBounds(); err != nil {
		res.Outcome = engine.GroupFailed
		res.Failure = engine.AsEngineError(err)
		res.CompletedAt = time.Now()
		logger.Warn().Err(err).Msg("Server group not dispatched")
		telemetry.EndSpan(span, err)
		return
	}

	if len(ops) == 0 {
		res.Outcome = engine.GroupSuccess
		res.CompletedAt = time.Now()
		logger.Debug().Msg("Server group has no operations to apply")
		telemetry.EndSpan(span, nil)
		return
	}

	if policy.RollingToServers {
		failed := 0
		for i, s := range run.servers {
			if policy.Exceeded(failed, res.Total) {
				break
			}
			res.Servers[i] = e.dispatch(ctx, s, ops)
			if res.Servers[i].Outcome == engine.ServerFailed {
				failed++
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.maxParallel)
		for i, s := range run.servers {
			i, s := i, s
			g.Go(func() error {
				res.Servers[i] = e.dispatch(ctx, s, ops)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, s := range res.Servers {
		if s.Outcome == engine.ServerFailed {
			res.Failed++
		}
	}
	res.CompletedAt = time.Now()
	if policy.Exceeded(res.Failed, res.Total) {
		res.Outcome = engine.GroupFailed
		res.Failure = engine.NewThresholdExceededError(policy.Name, res.Failed, res.Total)
		if cause := firstFailure(res.Servers); cause != nil {
			res.Failure.Err = cause
		}
		logger.Warn().Int("failed", res.Failed).Int("total", res.Total).Msg("Server group exceeded its failure tolerance")
	} else {
		res.Outcome = engine.GroupSuccess
		logger.Debug().Int("failed", res.Failed).Int("total", res.Total).Msg("Server group succeeded")
	}

	var spanErr error
	if res.Failure != nil {
		spanErr = res.Failure
	}
	telemetry.EndSpan(span, spanErr)
}

// dispatch sends ops to one server. Transformation rejections, transport
// errors, timeouts and answered failures all count as a failed server.
func (e *Executor) dispatch(ctx context.Context, server engine.ServerRef, ops []engine.Operation) engine.ServerResult {
	ctx, span := e.tracer.StartDispatchSpan(ctx, server.ID())
	timer := telemetry.NewTimer()
	out := engine.ServerResult{Server: server}

	finish := func(outcome engine.ServerOutcome, failure *engine.EngineError) engine.ServerResult {
		out.Outcome = outcome
		out.Failure = failure
		out.Duration = timer.Duration()
		e.metrics.RecordDispatch(string(outcome), out.Duration)
		if failure != nil {
			telemetry.EndSpan(span, failure)
		} else {
			// A nil *EngineError is not a nil error.
			telemetry.EndSpan(span, nil)
		}
		return out
	}

	if e.transformer != nil {
		transformed, err := e.transformer.TransformFor(server, ops)
		if err != nil {
			return finish(engine.ServerFailed, engine.AsEngineError(err))
		}
		ops = transformed
	}

	res, err := e.dispatcher.Dispatch(ctx, server, ops)
	switch {
	case err != nil:
		return finish(engine.ServerFailed, dispatchError(ctx, server, err))
	case res == nil:
		return finish(engine.ServerFailed, engine.NewTransientError("server returned no result", nil).
			WithCode(engine.ErrCodeDispatchFailed).WithDetail("server", server.ID()))
	case !res.Succeeded():
		failure := res.Failure
		if failure == nil {
			failure = engine.NewPermanentError("server reported failure", nil).WithCode(engine.ErrCodeDispatchFailed)
		}
		return finish(engine.ServerFailed, failure)
	}
	out.Compensation = res.Compensation
	return finish(engine.ServerSuccess, nil)
}

// compensate rolls back the servers of a group that applied the operation,
// last dispatched first. It reports whether every one of them was reverted.
func (e *Executor) compensate(ctx context.Context, run *groupRun, logger zerolog.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	ok := true
	for i := len(run.result.Servers) - 1; i >= 0; i-- {
		s := &run.result.Servers[i]
		if s.Outcome != engine.ServerSuccess {
			continue
		}
		if len(s.Compensation) > 0 {
			res, err := e.dispatcher.Dispatch(ctx, s.Server, s.Compensation)
			if err == nil && res != nil && !res.Succeeded() {
				err = res.Err()
			}
			if err != nil {
				ok = false
				logger.Error().Err(err).
					Str("server_group", run.policy.Name).
					Str("server", s.Server.ID()).
					Msg("Failed to roll back server")
				continue
			}
		}
		s.Outcome = engine.ServerRolledBack
	}
	return ok
}

func dispatchError(ctx context.Context, server engine.ServerRef, err error) *engine.EngineError {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("dispatch to "+server.ID()+" timed out", err).
			WithCode(engine.ErrCodeTimeout).
			WithDetail("server", server.ID())
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return engine.NewTransientError("dispatch to "+server.ID()+" failed", err).
		WithCode(engine.ErrCodeDispatchFailed).
		WithDetail("server", server.ID())
}

func firstFailure(servers []engine.ServerResult) error {
	for _, s := range servers {
		if s.Failure != nil {
			return s.Failure
		}
	}
	return nil
}

func sortByCompletion(runs []*groupRun) []*groupRun {
	out := append([]*groupRun(nil), runs...)
	sort.Slice(out, func(i, j int) bool { return out[i].result.Completion < out[j].result.Completion })
	return out
}
