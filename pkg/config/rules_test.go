package config

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

const rulesYAML = `
subsystems:
  - name: cache
    current: 3.0.0
    steps:
      - from: 3.0.0
        to: 2.0.0
        resources:
          - pattern: region=*
            rules:
              - kind: discard
                attributes: [statistics]
                when: value == False
              - kind: reject
                attribute: eviction
                when: value == "lirs"
              - kind: rename
                attribute: max-entries
                to: size
          - pattern: metrics=default
            discard: true
      - from: 2.0.0
        to: 1.0.0
        resources:
          - pattern: region=*
            rules:
              - kind: relocate
                attribute: size
                target: limits=default
`

func loadTestRules(t *testing.T) *transform.Registry {
	t.Helper()
	reg := transform.NewRegistry(zerolog.Nop())
	if err := ParseRules([]byte(rulesYAML), reg); err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	return reg
}

func TestParseRules(t *testing.T) {
	reg := loadTestRules(t)

	chain, ok := reg.Lookup("cache")
	if !ok {
		t.Fatal("expected a cache chain")
	}
	if chain.Current.String() != "3.0.0" || len(chain.Steps()) != 2 {
		t.Errorf("chain = %s with %d steps", chain.Current, len(chain.Steps()))
	}

	region := engine.NewAddress("subsystem", "cache", "region", "r1")
	op := engine.NewAddOperation(region, map[string]interface{}{
		"statistics":  false,
		"eviction":    "lru",
		"max-entries": 100,
	})

	out, err := reg.TransformOperation(op, map[string]string{"cache": "2.0.0"})
	if err != nil {
		t.Fatalf("TransformOperation() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one operation, got %d", len(out))
	}
	if _, ok := out[0].Parameters["statistics"]; ok {
		t.Error("statistics should be discarded when false")
	}
	if out[0].Parameters["size"] != 100 {
		t.Errorf("max-entries should be renamed to size: %v", out[0].Parameters)
	}

	// Both steps apply for 1.0.0; the renamed size moves to limits.
	out, err = reg.TransformOperation(op, map[string]string{"cache": "1.0.0"})
	if err != nil {
		t.Fatalf("TransformOperation() error = %v", err)
	}
	if len(out) != 2 || out[1].Kind != engine.OpWriteAttribute {
		t.Fatalf("expected add plus relocated write, got %+v", out)
	}
	want := engine.NewAddress("subsystem", "cache", "limits", "default")
	if !out[1].Address.Equal(want) {
		t.Errorf("relocated to %s, want %s", out[1].Address, want)
	}

	rejectOp := engine.NewAddOperation(region, map[string]interface{}{"eviction": "lirs"})
	if _, err := reg.TransformOperation(rejectOp, map[string]string{"cache": "2.0.0"}); err == nil {
		t.Error("expected lirs eviction to be rejected")
	}

	metrics := engine.NewAddOperation(engine.NewAddress("subsystem", "cache", "metrics", "default"), nil)
	out, err = reg.TransformOperation(metrics, map[string]string{"cache": "2.0.0"})
	if err != nil || len(out) != 0 {
		t.Errorf("metrics should be discarded, got %v, %v", out, err)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown kind", "subsystems:\n  - name: a\n    current: 1.0.0\n    steps:\n      - from: 1.0.0\n        to: 0.9.0\n        resources:\n          - rules:\n              - kind: explode\n"},
		{"bad version", "subsystems:\n  - name: a\n    current: one\n"},
		{"step going forward", "subsystems:\n  - name: a\n    current: 2.0.0\n    steps:\n      - {from: 1.0.0, to: 2.0.0}\n"},
		{"bad predicate", "subsystems:\n  - name: a\n    current: 1.0.0\n    steps:\n      - from: 1.0.0\n        to: 0.9.0\n        resources:\n          - rules:\n              - {kind: discard, attribute: x, when: 'value ==='}\n"},
		{"discard without attributes", "subsystems:\n  - name: a\n    current: 1.0.0\n    steps:\n      - from: 1.0.0\n        to: 0.9.0\n        resources:\n          - rules:\n              - {kind: discard}\n"},
		{"bad pattern", "subsystems:\n  - name: a\n    current: 1.0.0\n    steps:\n      - from: 1.0.0\n        to: 0.9.0\n        resources:\n          - pattern: nokey\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := transform.NewRegistry(zerolog.Nop())
			if err := ParseRules([]byte(tt.yaml), reg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseRules_CurrentVersionMismatch(t *testing.T) {
	reg := transform.NewRegistry(zerolog.Nop())
	reg.Chain("cache", transform.MustVersion("4.0.0"))
	if err := ParseRules([]byte(rulesYAML), reg); err == nil {
		t.Error("expected an error when the declared current version differs")
	}
}

func TestPredicateKeywords(t *testing.T) {
	for _, kw := range []string{"", "always", "defined", "undefined", "default-value"} {
		p, err := predicate(kw)
		if err != nil || p == nil {
			t.Errorf("predicate(%q) = %v, %v", kw, p, err)
		}
	}
}
