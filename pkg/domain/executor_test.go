package domain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/protocol"
)

func TestController_EnsureProfiles(t *testing.T) {
	d := newTestDomain(t)
	ctx := context.Background()

	if err := d.EnsureProfiles(ctx); err != nil {
		t.Fatalf("EnsureProfiles() error = %v", err)
	}
	for _, p := range []string{"full", "ha"} {
		if !d.Pipeline().Tree().Exists(ProfileAddress(p)) {
			t.Errorf("profile %s was not added", p)
		}
	}
	// A second call has nothing to add.
	if err := d.EnsureProfiles(ctx); err != nil {
		t.Errorf("EnsureProfiles() again error = %v", err)
	}
}

func TestController_ExecuteBatchWithMetadata(t *testing.T) {
	d := newTestDomain(t)
	ctx := context.Background()
	if err := d.EnsureProfiles(ctx); err != nil {
		t.Fatal(err)
	}

	ops := []engine.Operation{
		engine.NewAddOperation(profileMail, nil),
		engine.NewAddOperation(profileSession, map[string]interface{}{"jndi-name": "java:/mail"}),
	}
	ctx = protocol.WithMetadata(ctx, map[string]string{protocol.MetaServerGroups: "main-group"})

	result, err := d.ExecuteBatch(ctx, ops)
	if err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("batch failed: %v", result.Err())
	}
	if !d.serverHas("h1/a", serverSession) || d.serverHas("h1/c", serverSession) {
		t.Error("only main-group should receive the batch")
	}

	// The result survives the wire.
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	var decoded engine.OperationResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	rr, err := RolloutResultOf(&decoded)
	if err != nil {
		t.Fatalf("RolloutResultOf() error = %v", err)
	}
	if rr.Outcome != engine.PlanSuccess || rr.Groups["main-group"] == nil {
		t.Errorf("unexpected rollout result: %+v", rr)
	}
}

func TestController_ExecuteBatchPlanDocument(t *testing.T) {
	d := newTestDomain(t)
	ctx := protocol.WithMetadata(context.Background(), map[string]string{
		protocol.MetaRolloutDocument: `{"rollout-plan":{"in-series":[{"server-group":{"name":"unknown-group"}}]}}`,
	})

	_, err := d.ExecuteBatch(ctx, addMailOps(map[string]interface{}{"jndi-name": "java:/mail"}))
	if !engine.IsValidation(err) {
		t.Fatalf("ExecuteBatch() error = %v, want a validation error", err)
	}
	if d.Pipeline().Tree().Exists(ProfileAddress("full")) {
		t.Error("domain model kept the change of a rollout that never dispatched")
	}

	bad := protocol.WithMetadata(context.Background(), map[string]string{protocol.MetaRolloutDocument: `{"in-series": []}`})
	if _, err := d.ExecuteBatch(bad, addMailOps(nil)); !engine.IsPlanStructure(err) {
		t.Errorf("ExecuteBatch() error = %v, want a plan structure error", err)
	}
}
