package rollout

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

func TestValidateStructure(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "single group shorthand", doc: `{"rollout-plan":{"in-series":[{"server-group":{"name":"g1"}}]}}`},
		{name: "single group nested", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":{"rolling-to-servers":true}}}]}}`},
		{name: "nested without spec", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":null}}]}}`},
		{name: "concurrent object", doc: `{"rollout-plan":{"in-series":[{"concurrent-groups":{"a":{"max-failed-servers":1},"b":{}}}]}}`},
		{name: "concurrent list", doc: `{"rollout-plan":{"in-series":[{"concurrent-groups":[{"name":"a","max-failure-percentage":20},{"b":{}}]}]}}`},
		{name: "rollback flag", doc: `{"rollout-plan":{"in-series":[{"server-group":{"name":"g1"}}],"rollback-across-groups":true}}`},
		{name: "out of bounds still structurally valid", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":{"max-failure-percentage":150}}}]}}`},

		{name: "missing rollout-plan", doc: `{"in-series":[]}`, wantErr: true},
		{name: "missing in-series", doc: `{"rollout-plan":{"rollback-across-groups":true}}`, wantErr: true},
		{name: "empty in-series", doc: `{"rollout-plan":{"in-series":[]}}`, wantErr: true},
		{name: "extra top-level key", doc: `{"rollout-plan":{"in-series":[{"server-group":{"name":"g1"}}],"bogus":true}}`, wantErr: true},
		{name: "server-group with two children", doc: `{"rollout-plan":{"in-series":[{"server-group":{"a":{},"b":{}}}]}}`, wantErr: true},
		{name: "unknown group key", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":{"max-servers":1}}}]}}`, wantErr: true},
		{name: "unknown key in shorthand", doc: `{"rollout-plan":{"in-series":[{"server-group":{"name":"g1","colour":"red"}}]}}`, wantErr: true},
		{name: "unknown key in concurrent member", doc: `{"rollout-plan":{"in-series":[{"concurrent-groups":{"a":{"bogus":1}}}]}}`, wantErr: true},
		{name: "neither group nor concurrent", doc: `{"rollout-plan":{"in-series":[{"group":{"name":"g1"}}]}}`, wantErr: true},
		{name: "both group and concurrent", doc: `{"rollout-plan":{"in-series":[{"server-group":{"name":"g1"},"concurrent-groups":{"b":{}}}]}}`, wantErr: true},
		{name: "in-series not a list", doc: `{"rollout-plan":{"in-series":{"server-group":{"name":"g1"}}}}`, wantErr: true},
		{name: "non-integer threshold", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":{"max-failed-servers":1.5}}}]}}`, wantErr: true},
		{name: "threshold beyond int", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":{"max-failure-percentage":1e30}}}]}}`, wantErr: true},
		{name: "negative threshold beyond int", doc: `{"rollout-plan":{"in-series":[{"server-group":{"g1":{"max-failed-servers":-1e30}}}]}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc map[string]interface{}
			if err := json.Unmarshal([]byte(tt.doc), &doc); err != nil {
				t.Fatalf("bad test document: %v", err)
			}
			err := ValidateStructure(doc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateStructure() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !engine.IsPlanStructure(err) {
				t.Errorf("Expected RolloutPlanStructureError, got: %v", err)
			}
		})
	}
}

func TestParse_BuildsPlan(t *testing.T) {
	plan, err := ParseJSON([]byte(`{"rollout-plan":{
		"in-series":[
			{"server-group":{"main":{"rolling-to-servers":true,"max-failed-servers":2}}},
			{"concurrent-groups":{"b":{"max-failure-percentage":"25"},"a":null}}
		],
		"rollback-across-groups":true}}`))
	if err != nil {
		t.Fatalf("Expected plan, got: %v", err)
	}

	if !plan.RollbackAcrossGroups || len(plan.Steps) != 2 {
		t.Fatalf("Unexpected plan: %+v", plan)
	}
	main := plan.Steps[0].Groups[0]
	if plan.Steps[0].Concurrent || main.Name != "main" || !main.RollingToServers || *main.MaxFailedServers != 2 || main.MaxFailurePercentage != nil {
		t.Errorf("Unexpected first step: %+v", plan.Steps[0])
	}
	second := plan.Steps[1]
	if !second.Concurrent || len(second.Groups) != 2 || second.Groups[0].Name != "a" || *second.Groups[1].MaxFailurePercentage != 25 {
		t.Errorf("Unexpected second step: %+v", second)
	}
	if got := plan.GroupNames(); len(got) != 3 || got[0] != "main" {
		t.Errorf("Unexpected group names: %v", got)
	}

	again, err := Parse(plan.Document())
	if err != nil {
		t.Fatalf("Expected the document form to parse, got: %v", err)
	}
	if again.String() != plan.String() {
		t.Errorf("Expected document round trip, got %s vs %s", again, plan)
	}
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan([]string{"a", "b"})
	if len(plan.Steps) != 1 || !plan.Steps[0].Concurrent || len(plan.Steps[0].Groups) != 2 {
		t.Fatalf("Expected one concurrent step, got %+v", plan)
	}
	if plan.Steps[0].Groups[0].RollingToServers {
		t.Errorf("Expected default plan not to roll")
	}
	if err := ValidateStructure(plan.Document()); err != nil {
		t.Errorf("Expected default plan document to validate, got: %v", err)
	}
}

func TestToInt_Range(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    int
		wantErr bool
	}{
		{name: "float", in: float64(25), want: 25},
		{name: "json number", in: json.Number("-3"), want: -3},
		{name: "string", in: "7", want: 7},
		{name: "largest exact float", in: float64(1 << 52), want: 1 << 52},
		{name: "float above int", in: 1e30, wantErr: true},
		{name: "float below int", in: -1e30, wantErr: true},
		{name: "float one past max int", in: -float64(math.MinInt), wantErr: true},
		{name: "infinity", in: math.Inf(1), wantErr: true},
		{name: "json number above int64", in: json.Number("1e30"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("toInt(%v) = %d, %v, wantErr %v", tt.in, got, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("toInt(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
