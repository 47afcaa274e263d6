package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

// RuleFile declares transformer steps outside the code, for peers whose
// model differs in ways the built-in subsystem chains do not cover.
//
//	subsystems:
//	  - name: mail
//	    current: 5.0.0
//	    steps:
//	      - from: 5.0.0
//	        to: 4.0.0
//	        resources:
//	          - pattern: mail-session=*
//	            rules:
//	              - kind: discard
//	                attributes: [test]
//	                when: value == False
type RuleFile struct {
	Subsystems []SubsystemRules `yaml:"subsystems" validate:"dive"`
}

// SubsystemRules holds the steps of one subsystem.
type SubsystemRules struct {
	Name    string      `yaml:"name" validate:"required"`
	Current string      `yaml:"current" validate:"required"`
	Steps   []StepRules `yaml:"steps" validate:"dive"`
}

// StepRules rewrites one subsystem from one version to an older one.
type StepRules struct {
	From      string          `yaml:"from" validate:"required"`
	To        string          `yaml:"to" validate:"required"`
	Resources []ResourceRules `yaml:"resources" validate:"dive"`
}

// ResourceRules applies to resources matching Pattern, relative to the
// subsystem resource. An empty pattern is the subsystem resource.
type ResourceRules struct {
	Pattern string      `yaml:"pattern"`
	Discard bool        `yaml:"discard"`
	Reject  bool        `yaml:"reject"`
	Rules   []RuleEntry `yaml:"rules" validate:"dive"`
}

// RuleEntry is one attribute rule. When takes a keyword (always, defined,
// undefined, default-value) or a Starlark expression over value, defined,
// default, name and address.
type RuleEntry struct {
	Kind       string   `yaml:"kind" validate:"required,oneof=discard reject rename relocate"`
	Attributes []string `yaml:"attributes"`
	Attribute  string   `yaml:"attribute"`
	When       string   `yaml:"when"`
	To         string   `yaml:"to"`
	Target     string   `yaml:"target"`
}

var keywordPredicates = map[string]transform.Predicate{
	"always":        transform.Always,
	"defined":       transform.Defined,
	"undefined":     transform.Undefined,
	"default-value": transform.DefaultValue,
}

// LoadRules reads the rule file at path into registry.
func LoadRules(path string, registry *transform.Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read transformer rules: %w", err)
	}
	if err := ParseRules(data, registry); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ParseRules decodes YAML rules into registry. Subsystems already in the
// registry keep their current version; the declared one must match it.
func ParseRules(data []byte, registry *transform.Registry) error {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse transformer rules: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return fmt.Errorf("invalid transformer rules: %w", err)
	}

	for _, sub := range file.Subsystems {
		current, err := transform.ParseVersion(sub.Current)
		if err != nil {
			return fmt.Errorf("subsystem %s: %w", sub.Name, err)
		}
		chain := registry.Chain(sub.Name, current)
		if !chain.Current.Equal(current) {
			return fmt.Errorf("subsystem %s is at %s, rules declare %s", sub.Name, chain.Current, current)
		}
		for _, step := range sub.Steps {
			if err := addStep(chain, step); err != nil {
				return fmt.Errorf("subsystem %s: %w", sub.Name, err)
			}
		}
	}
	return nil
}

func addStep(chain *transform.Chain, step StepRules) error {
	from, err := transform.ParseVersion(step.From)
	if err != nil {
		return err
	}
	to, err := transform.ParseVersion(step.To)
	if err != nil {
		return err
	}
	desc, err := chain.AddStep(from, to)
	if err != nil {
		return err
	}

	for _, res := range step.Resources {
		pattern, err := relativeAddress(res.Pattern)
		if err != nil {
			return fmt.Errorf("step %s -> %s: %w", from, to, err)
		}
		rd := desc.Resource(pattern...)
		if res.Discard {
			rd.Discard()
		}
		if res.Reject {
			rd.Reject()
		}
		for i, rule := range res.Rules {
			if err := addRule(rd, rule); err != nil {
				return fmt.Errorf("step %s -> %s: resource %q: rule %d: %w", from, to, res.Pattern, i, err)
			}
		}
	}
	return nil
}

func addRule(rd *transform.ResourceDescription, rule RuleEntry) error {
	switch rule.Kind {
	case string(transform.RuleDiscard), string(transform.RuleReject):
		attrs := rule.Attributes
		if rule.Attribute != "" {
			attrs = append(attrs, rule.Attribute)
		}
		if len(attrs) == 0 {
			return fmt.Errorf("%s rule names no attributes", rule.Kind)
		}
		when, err := predicate(rule.When)
		if err != nil {
			return err
		}
		if rule.Kind == string(transform.RuleDiscard) {
			rd.DiscardAttributes(when, attrs...)
		} else {
			rd.RejectAttributes(when, attrs...)
		}
	case string(transform.RuleRename):
		if rule.Attribute == "" || rule.To == "" {
			return fmt.Errorf("rename rule needs attribute and to")
		}
		rd.RenameAttribute(rule.Attribute, rule.To)
	case string(transform.RuleRelocate):
		if rule.Attribute == "" {
			return fmt.Errorf("relocate rule needs attribute")
		}
		target, err := relativeAddress(rule.Target)
		if err != nil {
			return err
		}
		rd.RelocateAttribute(rule.Attribute, target, rule.To)
	}
	return nil
}

// predicate resolves a when clause. An empty clause always matches.
func predicate(when string) (transform.Predicate, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return transform.Always, nil
	}
	if p, ok := keywordPredicates[when]; ok {
		return p, nil
	}
	return transform.CompileStarlark(when)
}

func relativeAddress(s string) (engine.Address, error) {
	if strings.TrimSpace(s) == "" {
		return engine.Address{}, nil
	}
	return engine.ParseAddress(s)
}
