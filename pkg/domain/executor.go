package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/protocol"
	"github.com/domainkernel/domainkernel/pkg/rollout"
)

var _ engine.OperationExecutor = (*Controller)(nil)

// Execute runs a single operation as a rollout. See ExecuteBatch.
func (c *Controller) Execute(ctx context.Context, op engine.Operation) (*engine.OperationResult, error) {
	return c.ExecuteBatch(ctx, []engine.Operation{op})
}

// ExecuteBatch runs ops as a rollout so the controller can be served over
// the wire protocol like any managed server. The request metadata in ctx
// selects the plan: MetaRolloutDocument carries a JSON plan,
// MetaRolloutPlan names a stored one and MetaServerGroups lists the groups
// of the default plan.
//
// The batch succeeds only when the plan outcome is SUCCESS. The rollout
// result is returned as the operation result either way.
func (c *Controller) ExecuteBatch(ctx context.Context, ops []engine.Operation) (*engine.OperationResult, error) {
	start := time.Now()
	req, err := requestFromMetadata(ops, protocol.MetadataFromContext(ctx))
	if err != nil {
		return nil, err
	}

	rr, err := c.Rollout(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &engine.OperationResult{
		OperationID: rr.OperationID,
		Outcome:     engine.OutcomeSuccess,
		Result:      rr,
		Version:     c.pipeline.Tree().Version(),
		Duration:    time.Since(start),
	}
	if rr.Outcome != engine.PlanSuccess {
		result.Outcome = engine.OutcomeFailed
		result.Failure = rr.Failure
		if result.Failure == nil {
			result.Failure = engine.NewPermanentError("rollout ended "+string(rr.Outcome), nil)
		}
	}
	return result, nil
}

func requestFromMetadata(ops []engine.Operation, md map[string]string) (RolloutRequest, error) {
	req := RolloutRequest{Operations: ops, PlanName: md[protocol.MetaRolloutPlan]}
	if doc := md[protocol.MetaRolloutDocument]; doc != "" {
		plan, err := rollout.ParseJSON([]byte(doc))
		if err != nil {
			return req, err
		}
		req.Plan = plan
	}
	if groups := md[protocol.MetaServerGroups]; groups != "" {
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				req.Groups = append(req.Groups, g)
			}
		}
	}
	return req, nil
}

// RolloutResultOf recovers the rollout result from an ExecuteBatch result
// that crossed the wire.
func RolloutResultOf(result *engine.OperationResult) (*engine.RolloutResult, error) {
	if result == nil || result.Result == nil {
		return nil, nil
	}
	if rr, ok := result.Result.(*engine.RolloutResult); ok {
		return rr, nil
	}
	data, err := json.Marshal(result.Result)
	if err != nil {
		return nil, err
	}
	var rr engine.RolloutResult
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, err
	}
	return &rr, nil
}

// EnsureProfiles adds a /profile=<name> resource for every profile the
// topology's server groups run and the domain model lacks.
func (c *Controller) EnsureProfiles(ctx context.Context) error {
	var ops []engine.Operation
	seen := make(map[string]bool)
	for _, name := range c.topology.ServerGroups() {
		g, ok := c.topology.Group(name)
		if !ok || seen[g.Profile] {
			continue
		}
		seen[g.Profile] = true
		if addr := ProfileAddress(g.Profile); !c.pipeline.Tree().Exists(addr) {
			ops = append(ops, engine.NewAddOperation(addr, nil))
		}
	}
	if len(ops) == 0 {
		return nil
	}
	_, err := c.pipeline.ExecuteBatch(ctx, ops)
	return err
}
