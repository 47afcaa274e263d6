package transform

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// starlarkPredicate evaluates a Starlark boolean expression against an
// attribute. The expression sees `value`, `defined`, `default`, `name` and
// `address`.
type starlarkPredicate struct {
	src  string
	expr syntax.Expr
}

// CompileStarlark compiles a predicate expression such as `value == False`
// or `defined and value > 10`.
func CompileStarlark(src string) (Predicate, error) {
	expr, err := syntax.ParseExpr("predicate", src, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse predicate %q: %w", src, err)
	}
	return &starlarkPredicate{src: src, expr: expr}, nil
}

func (p *starlarkPredicate) String() string {
	return "starlark(" + p.src + ")"
}

func (p *starlarkPredicate) Matches(v AttributeValue) (bool, error) {
	thread := &starlark.Thread{
		Name:  "predicate",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	value, err := toStarlarkValue(v.Value)
	if err != nil {
		return false, fmt.Errorf("failed to convert attribute %s: %w", v.Name, err)
	}
	def, err := toStarlarkValue(v.Default)
	if err != nil {
		return false, fmt.Errorf("failed to convert default of %s: %w", v.Name, err)
	}
	env := starlark.StringDict{
		"value":   value,
		"defined": starlark.Bool(v.Defined),
		"default": def,
		"name":    starlark.String(v.Name),
		"address": starlark.String(v.Address.String()),
	}

	out, err := starlark.EvalExpr(thread, p.expr, env)
	if err != nil {
		return false, fmt.Errorf("predicate %q failed: %w", p.src, err)
	}
	return bool(out.Truth()), nil
}

// toStarlarkValue converts a decoded attribute value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
