package rollout

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

var allowedGroupKeys = map[string]bool{
	KeyRollingToServers:     true,
	KeyMaxFailedServers:     true,
	KeyMaxFailurePercentage: true,
}

// ValidateStructure checks the shape of a plan document without contacting
// any server:
//
//   - rollout-plan and its in-series list must be present, in-series non-empty;
//   - rollout-plan may only hold in-series and rollback-across-groups;
//   - every in-series element is a server-group or a concurrent-groups entry;
//   - a server-group entry names exactly one group;
//   - group specs only hold rolling-to-servers, max-failed-servers and
//     max-failure-percentage.
//
// Threshold bounds are not checked here; see GroupPolicy.CheckBounds.
func ValidateStructure(doc map[string]interface{}) error {
	_, err := parse(doc)
	return err
}

// Parse validates a plan document and builds the plan.
func Parse(doc map[string]interface{}) (*Plan, error) {
	return parse(doc)
}

// ParseJSON decodes and parses a JSON plan document.
func ParseJSON(data []byte) (*Plan, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewPlanStructureError("rollout plan is not a JSON object: %v", err)
	}
	return parse(doc)
}

func parse(doc map[string]interface{}) (*Plan, error) {
	if doc == nil {
		return nil, engine.NewPlanStructureError("rollout plan is missing")
	}
	raw, ok := doc[KeyRolloutPlan]
	if !ok || raw == nil {
		return nil, engine.NewPlanStructureError("required child %q is missing", KeyRolloutPlan)
	}
	body, ok := raw.(map[string]interface{})
	if !ok {
		return nil, engine.NewPlanStructureError("%q must be an object", KeyRolloutPlan)
	}

	for key := range body {
		if key != KeyInSeries && key != KeyRollbackAcrossGroups {
			return nil, engine.NewPlanStructureError("unrecognized child %q of %q; expected %s, %s",
				key, KeyRolloutPlan, KeyInSeries, KeyRollbackAcrossGroups)
		}
	}

	inSeries, ok := body[KeyInSeries]
	if !ok || inSeries == nil {
		return nil, engine.NewPlanStructureError("required child %q of %q is missing", KeyInSeries, KeyRolloutPlan)
	}
	elems, ok := inSeries.([]interface{})
	if !ok {
		return nil, engine.NewPlanStructureError("%q must be a list", KeyInSeries)
	}
	if len(elems) == 0 {
		return nil, engine.NewPlanStructureError("%q contains no server groups", KeyInSeries)
	}

	plan := &Plan{}
	if v, ok := body[KeyRollbackAcrossGroups]; ok && v != nil {
		b, err := toBool(v)
		if err != nil {
			return nil, engine.NewPlanStructureError("%q: %v", KeyRollbackAcrossGroups, err)
		}
		plan.RollbackAcrossGroups = b
	}

	for i, e := range elems {
		step, err := parseStep(e)
		if err != nil {
			return nil, engine.AsEngineError(err).WithDetail("step", i)
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func parseStep(e interface{}) (Step, error) {
	elem, ok := e.(map[string]interface{})
	if !ok {
		return Step{}, engine.NewPlanStructureError("%q elements must be objects", KeyInSeries)
	}
	sg, hasGroup := elem[KeyServerGroup]
	cg, hasConcurrent := elem[KeyConcurrentGroups]
	hasGroup = hasGroup && sg != nil
	hasConcurrent = hasConcurrent && cg != nil

	switch {
	case hasGroup && !hasConcurrent && len(elem) == 1:
		g, err := parseServerGroup(sg)
		if err != nil {
			return Step{}, err
		}
		return Step{Groups: []GroupPolicy{g}}, nil

	case hasConcurrent && !hasGroup && len(elem) == 1:
		groups, err := parseConcurrentGroups(cg)
		if err != nil {
			return Step{}, err
		}
		return Step{Concurrent: true, Groups: groups}, nil

	default:
		return Step{}, engine.NewPlanStructureError("%q elements must be exactly one of %q or %q",
			KeyInSeries, KeyServerGroup, KeyConcurrentGroups)
	}
}

// parseServerGroup accepts the nested form {"g1": {spec}} and the flat form
// {"name": "g1", spec...}.
func parseServerGroup(v interface{}) (GroupPolicy, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return GroupPolicy{}, engine.NewPlanStructureError("%q must be an object", KeyServerGroup)
	}
	if name, ok := obj[KeyName].(string); ok {
		return parseFlat(name, obj)
	}
	if len(obj) != 1 {
		return GroupPolicy{}, engine.NewPlanStructureError("%q expects a single child naming the server group, got %d",
			KeyServerGroup, len(obj))
	}
	var name string
	var spec interface{}
	for name, spec = range obj {
	}
	return parseSpec(name, spec)
}

// parseConcurrentGroups accepts an object of {"name": spec} members or a list
// whose elements are single server-group objects in either form.
func parseConcurrentGroups(v interface{}) ([]GroupPolicy, error) {
	var out []GroupPolicy
	switch t := v.(type) {
	case map[string]interface{}:
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			g, err := parseSpec(name, t[name])
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
	case []interface{}:
		for _, member := range t {
			g, err := parseServerGroup(member)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
	default:
		return nil, engine.NewPlanStructureError("%q must be an object or a list", KeyConcurrentGroups)
	}
	if len(out) == 0 {
		return nil, engine.NewPlanStructureError("%q contains no server groups", KeyConcurrentGroups)
	}
	return out, nil
}

func parseFlat(name string, obj map[string]interface{}) (GroupPolicy, error) {
	spec := make(map[string]interface{}, len(obj)-1)
	for k, v := range obj {
		if k != KeyName {
			spec[k] = v
		}
	}
	return parseSpec(name, spec)
}

func parseSpec(name string, v interface{}) (GroupPolicy, error) {
	g := GroupPolicy{Name: name}
	if strings.TrimSpace(name) == "" {
		return g, engine.NewPlanStructureError("server group name must not be empty")
	}
	if v == nil {
		return g, nil
	}
	spec, ok := v.(map[string]interface{})
	if !ok {
		return g, engine.NewPlanStructureError("spec of server group %q must be an object", name)
	}

	var unknown []string
	for key := range spec {
		if !allowedGroupKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return g, engine.NewPlanStructureError("unrecognized children %v of server group %q; allowed are %s, %s, %s",
			unknown, name, KeyRollingToServers, KeyMaxFailurePercentage, KeyMaxFailedServers)
	}

	var err error
	if r, ok := spec[KeyRollingToServers]; ok && r != nil {
		if g.RollingToServers, err = toBool(r); err != nil {
			return g, engine.NewPlanStructureError("server group %q %s: %v", name, KeyRollingToServers, err)
		}
	}
	if m, ok := spec[KeyMaxFailedServers]; ok && m != nil {
		n, err := toInt(m)
		if err != nil {
			return g, engine.NewPlanStructureError("server group %q %s: %v", name, KeyMaxFailedServers, err)
		}
		g.MaxFailedServers = &n
	}
	if m, ok := spec[KeyMaxFailurePercentage]; ok && m != nil {
		n, err := toInt(m)
		if err != nil {
			return g, engine.NewPlanStructureError("server group %q %s: %v", name, KeyMaxFailurePercentage, err)
		}
		g.MaxFailurePercentage = &n
	}
	return g, nil
}

func toBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%v is not a boolean", v)
	}
}

func toInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int64ToInt(t)
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		// -float64(math.MinInt) is 2^63 (2^31 on 32-bit), one past MaxInt.
		if t < float64(math.MinInt) || t >= -float64(math.MinInt) {
			return 0, fmt.Errorf("%v is out of range", t)
		}
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("%v is not an integer in range", t)
		}
		return int64ToInt(n)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%v is not an integer", v)
	}
}

func int64ToInt(n int64) (int, error) {
	if int64(int(n)) != n {
		return 0, fmt.Errorf("%d is out of range", n)
	}
	return int(n), nil
}
