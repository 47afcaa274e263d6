package rollout

import (
	"encoding/json"
	"fmt"
)

// Plan document keys.
const (
	KeyRolloutPlan          = "rollout-plan"
	KeyInSeries             = "in-series"
	KeyRollbackAcrossGroups = "rollback-across-groups"
	KeyServerGroup          = "server-group"
	KeyConcurrentGroups     = "concurrent-groups"
	KeyName                 = "name"
	KeyRollingToServers     = "rolling-to-servers"
	KeyMaxFailedServers     = "max-failed-servers"
	KeyMaxFailurePercentage = "max-failure-percentage"
)

// Plan is a parsed rollout plan: steps run in series, the groups of one step
// run concurrently.
type Plan struct {
	Steps                []Step
	RollbackAcrossGroups bool
}

// Step is one element of in-series.
type Step struct {
	// Concurrent is set for a concurrent-groups step.
	Concurrent bool

	Groups []GroupPolicy
}

// GroupPolicy is the per-server-group part of a plan.
type GroupPolicy struct {
	Name string

	// RollingToServers applies the operation to one server at a time.
	RollingToServers bool

	// MaxFailedServers and MaxFailurePercentage relax the failure tolerance.
	// Nil means unset.
	MaxFailedServers     *int
	MaxFailurePercentage *int
}

// Threshold returns a pointer to v, for policy literals.
func Threshold(v int) *int {
	return &v
}

// DefaultPlan runs every group as one concurrent step without rolling.
func DefaultPlan(groups []string) *Plan {
	step := Step{Concurrent: true}
	for _, g := range groups {
		step.Groups = append(step.Groups, GroupPolicy{Name: g})
	}
	return &Plan{Steps: []Step{step}}
}

// GroupNames returns every group the plan names, in plan order.
func (p *Plan) GroupNames() []string {
	var out []string
	for _, s := range p.Steps {
		for _, g := range s.Groups {
			out = append(out, g.Name)
		}
	}
	return out
}

// Document renders the plan in its canonical document form, wrapped in
// rollout-plan.
func (p *Plan) Document() map[string]interface{} {
	steps := make([]interface{}, 0, len(p.Steps))
	for _, s := range p.Steps {
		if !s.Concurrent && len(s.Groups) == 1 {
			steps = append(steps, map[string]interface{}{
				KeyServerGroup: map[string]interface{}{s.Groups[0].Name: s.Groups[0].spec()},
			})
			continue
		}
		groups := make(map[string]interface{}, len(s.Groups))
		for _, g := range s.Groups {
			groups[g.Name] = g.spec()
		}
		steps = append(steps, map[string]interface{}{KeyConcurrentGroups: groups})
	}
	plan := map[string]interface{}{KeyInSeries: steps}
	if p.RollbackAcrossGroups {
		plan[KeyRollbackAcrossGroups] = true
	}
	return map[string]interface{}{KeyRolloutPlan: plan}
}

// MarshalJSON encodes the document form.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Document())
}

// String renders the plan in its document form.
func (p *Plan) String() string {
	b, err := p.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid plan: %v>", err)
	}
	return string(b)
}

func (g GroupPolicy) spec() map[string]interface{} {
	spec := make(map[string]interface{})
	if g.RollingToServers {
		spec[KeyRollingToServers] = true
	}
	if g.MaxFailedServers != nil {
		spec[KeyMaxFailedServers] = *g.MaxFailedServers
	}
	if g.MaxFailurePercentage != nil {
		spec[KeyMaxFailurePercentage] = *g.MaxFailurePercentage
	}
	return spec
}
