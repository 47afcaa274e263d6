package model

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// AttributeType is the declared value type of an attribute.
type AttributeType string

const (
	TypeString  AttributeType = "STRING"
	TypeInt     AttributeType = "INT"
	TypeLong    AttributeType = "LONG"
	TypeDouble  AttributeType = "DOUBLE"
	TypeBoolean AttributeType = "BOOLEAN"
	TypeList    AttributeType = "LIST"
	TypeObject  AttributeType = "OBJECT"
)

// RestartFlag states what a changed attribute value requires to take effect.
type RestartFlag string

const (
	// RestartNone applies the new value without touching services.
	RestartNone RestartFlag = "none"

	// RestartResourceServices re-installs the owning resource's services.
	RestartResourceServices RestartFlag = "resource-services"

	// RestartAllServices leaves services alone and marks the process reload-required.
	RestartAllServices RestartFlag = "all-services"
)

// AttributeDefinition describes one attribute of a resource registration.
type AttributeDefinition struct {
	// Name is the attribute name.
	Name string `json:"name"`

	// Type is the declared value type.
	Type AttributeType `json:"type"`

	// Required rejects an add without a value and forbids undefining.
	Required bool `json:"required,omitempty"`

	// Default is the value reported when the attribute is undefined.
	Default interface{} `json:"default,omitempty"`

	// Restart is the restart implication of changing the value.
	Restart RestartFlag `json:"restart,omitempty"`

	// AllowedValues restricts the value to an enumeration.
	AllowedValues []interface{} `json:"allowed,omitempty"`

	// Min and Max bound numeric values.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Alias marks an attribute that is accepted on input but stored
	// elsewhere by a translation hook.
	Alias bool `json:"alias,omitempty"`

	Description string `json:"description,omitempty"`
}

// Bound returns a pointer to v, for Min and Max.
func Bound(v float64) *float64 {
	return &v
}

// RestartFlag returns the effective restart flag.
func (d AttributeDefinition) RestartFlag() RestartFlag {
	if d.Restart == "" {
		return RestartNone
	}
	return d.Restart
}

// Coerce converts v to the canonical Go representation of the attribute type.
// JSON numbers become int64 or float64, string lists become []interface{}.
func (d AttributeDefinition) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch d.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if b == "true" || b == "false" {
				return b == "true", nil
			}
		}
	case TypeInt, TypeLong:
		if n, ok := toInt64(v); ok {
			if d.Type == TypeInt && (n > math.MaxInt32 || n < math.MinInt32) {
				return nil, fmt.Errorf("attribute %q value %d overflows INT", d.Name, n)
			}
			return n, nil
		}
	case TypeDouble:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case TypeList:
		switch l := v.(type) {
		case []interface{}:
			return engine.CloneValue(l), nil
		case []string:
			out := make([]interface{}, len(l))
			for i, s := range l {
				out[i] = s
			}
			return out, nil
		}
	case TypeObject:
		if m, ok := v.(map[string]interface{}); ok {
			return engine.CloneMap(m), nil
		}
	default:
		return nil, fmt.Errorf("attribute %q has unknown type %q", d.Name, d.Type)
	}
	return nil, fmt.Errorf("attribute %q expects %s, got %T", d.Name, d.Type, v)
}

// Validate coerces v and checks it against the definition's constraints.
// A nil v means undefined.
func (d AttributeDefinition) Validate(v interface{}) (interface{}, error) {
	if v == nil {
		if d.Required && d.Default == nil {
			return nil, engine.NewValidationError("attribute %q is required", d.Name)
		}
		return nil, nil
	}
	c, err := d.Coerce(v)
	if err != nil {
		return nil, engine.NewValidationError("%s", err.Error())
	}
	if len(d.AllowedValues) > 0 {
		allowed := false
		for _, a := range d.AllowedValues {
			ac, err := d.Coerce(a)
			if err == nil && reflect.DeepEqual(ac, c) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, engine.NewValidationError("attribute %q value %v is not one of %v", d.Name, v, d.AllowedValues)
		}
	}
	if d.Min != nil || d.Max != nil {
		f, ok := toFloat64(c)
		if !ok {
			return nil, engine.NewValidationError("attribute %q has bounds but is not numeric", d.Name)
		}
		if d.Min != nil && f < *d.Min {
			return nil, engine.NewValidationError("attribute %q value %v is below minimum %v", d.Name, v, *d.Min)
		}
		if d.Max != nil && f > *d.Max {
			return nil, engine.NewValidationError("attribute %q value %v exceeds maximum %v", d.Name, v, *d.Max)
		}
	}
	return c, nil
}

// Schema is the attribute schema of a resource registration.
type Schema struct {
	Description string                `json:"description,omitempty"`
	Attributes  []AttributeDefinition `json:"attributes"`
}

// NewSchema creates a schema from attribute definitions.
func NewSchema(description string, attrs ...AttributeDefinition) *Schema {
	return &Schema{Description: description, Attributes: attrs}
}

// Attribute looks up an attribute definition by name.
func (s *Schema) Attribute(name string) (AttributeDefinition, bool) {
	if s == nil {
		return AttributeDefinition{}, false
	}
	for _, a := range s.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeDefinition{}, false
}

// ValidateAdd validates add-operation parameters and returns the coerced
// attribute values to store. Defaults are not materialized.
func (s *Schema) ValidateAdd(params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := s.Attribute(name)
		if !ok {
			return nil, engine.NewValidationError("unknown attribute %q", name)
		}
		v, err := def.Validate(params[name])
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[name] = v
		}
	}
	if s != nil {
		for _, def := range s.Attributes {
			if _, ok := out[def.Name]; !ok && def.Required && def.Default == nil {
				return nil, engine.NewValidationError("attribute %q is required", def.Name)
			}
		}
	}
	return out, nil
}

// ValidateWrite validates a single attribute write. A nil value undefines the attribute.
func (s *Schema) ValidateWrite(name string, value interface{}) (interface{}, AttributeDefinition, error) {
	def, ok := s.Attribute(name)
	if !ok {
		return nil, def, engine.NewValidationError("unknown attribute %q", name)
	}
	v, err := def.Validate(value)
	if err != nil {
		return nil, def, err
	}
	return v, def, nil
}

// Resolve returns attrs with defaults filled in for undefined attributes.
func (s *Schema) Resolve(attrs map[string]interface{}) map[string]interface{} {
	out := engine.CloneMap(attrs)
	if out == nil {
		out = make(map[string]interface{})
	}
	if s == nil {
		return out
	}
	for _, def := range s.Attributes {
		if _, ok := out[def.Name]; !ok && def.Default != nil {
			if v, err := def.Coerce(def.Default); err == nil {
				out[def.Name] = v
			}
		}
	}
	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
