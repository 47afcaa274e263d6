package engine

import (
	"fmt"
	"time"
)

// OperationKind identifies what an operation does to its target resource.
type OperationKind string

const (
	// OpAdd creates the target resource.
	OpAdd OperationKind = "add"

	// OpRemove removes the target resource and its subtree.
	OpRemove OperationKind = "remove"

	// OpWriteAttribute changes one attribute of the target resource.
	OpWriteAttribute OperationKind = "write-attribute"

	// OpCustom invokes a named operation registered for the target resource.
	OpCustom OperationKind = "custom"
)

// Validate checks if the operation kind is valid.
func (k OperationKind) Validate() error {
	switch k {
	case OpAdd, OpRemove, OpWriteAttribute, OpCustom:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", k)
	}
}

// Well-known operation parameter and custom operation names.
const (
	ParamName      = "name"
	ParamValue     = "value"
	ParamRecursive = "recursive"

	OpNameReadResource      = "read-resource"
	OpNameReadAttribute     = "read-attribute"
	OpNameUndefineAttribute = "undefine-attribute"
)

// Operation is a configuration change intent addressed to one resource.
type Operation struct {
	// ID identifies the operation across the domain. Assigned on submission when empty.
	ID string `json:"id,omitempty"`

	// Kind is what the operation does.
	Kind OperationKind `json:"kind"`

	// Name is the custom operation name. Only meaningful for OpCustom.
	Name string `json:"name,omitempty"`

	// Address is the target resource.
	Address Address `json:"address"`

	// Parameters maps parameter names to values.
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// NewAddOperation builds an add operation.
func NewAddOperation(address Address, params map[string]interface{}) Operation {
	return Operation{Kind: OpAdd, Address: address, Parameters: params}
}

// NewRemoveOperation builds a remove operation.
func NewRemoveOperation(address Address) Operation {
	return Operation{Kind: OpRemove, Address: address}
}

// NewWriteAttributeOperation builds a write-attribute operation.
func NewWriteAttributeOperation(address Address, name string, value interface{}) Operation {
	return Operation{
		Kind:       OpWriteAttribute,
		Address:    address,
		Parameters: map[string]interface{}{ParamName: name, ParamValue: value},
	}
}

// NewCustomOperation builds a named custom operation.
func NewCustomOperation(address Address, name string, params map[string]interface{}) Operation {
	return Operation{Kind: OpCustom, Name: name, Address: address, Parameters: params}
}

// OperationName returns the registered handler name for the operation.
func (o Operation) OperationName() string {
	if o.Kind == OpCustom {
		return o.Name
	}
	return string(o.Kind)
}

// Param returns a parameter value.
func (o Operation) Param(name string) (interface{}, bool) {
	v, ok := o.Parameters[name]
	return v, ok
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (o Operation) StringParam(name string) string {
	s, _ := o.Parameters[name].(string)
	return s
}

// BoolParam returns a boolean parameter, or false when absent.
func (o Operation) BoolParam(name string) bool {
	b, _ := o.Parameters[name].(bool)
	return b
}

// Clone returns a deep copy of the operation.
func (o Operation) Clone() Operation {
	out := o
	out.Address = o.Address.Clone()
	out.Parameters = CloneMap(o.Parameters)
	return out
}

// Validate checks the operation's envelope. Parameter validation against the
// resource schema happens in the pipeline.
func (o Operation) Validate() error {
	if err := o.Kind.Validate(); err != nil {
		return NewValidationError("%s", err.Error())
	}
	if o.Kind == OpCustom && o.Name == "" {
		return NewValidationError("custom operation requires a name")
	}
	if o.Address.HasWildcard() {
		return NewValidationError("operation address must not contain wildcards").WithAddress(o.Address)
	}
	if o.Kind == OpAdd || o.Kind == OpRemove {
		if o.Address.IsRoot() {
			return NewValidationError("%s cannot target the root resource", o.Kind)
		}
	}
	if o.Kind == OpWriteAttribute {
		if o.StringParam(ParamName) == "" {
			return NewValidationError("write-attribute requires a %q parameter", ParamName).WithAddress(o.Address)
		}
	}
	return nil
}

// Outcome is the terminal result of a single-node operation.
type Outcome string

const (
	// OutcomeSuccess indicates the batch committed.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed indicates the batch was rolled back.
	OutcomeFailed Outcome = "failed"
)

// OperationResult is returned for every executed operation or batch.
type OperationResult struct {
	// OperationID echoes the submitted operation ID.
	OperationID string `json:"operation-id,omitempty"`

	// Outcome is success or failed.
	Outcome Outcome `json:"outcome"`

	// Result carries read results.
	Result interface{} `json:"result,omitempty"`

	// Failure describes why the batch failed.
	Failure *EngineError `json:"failure,omitempty"`

	// ReloadRequired is set when an applied change takes effect only after a reload.
	ReloadRequired bool `json:"reload-required,omitempty"`

	// Compensation is the list of operations that undo this batch, in order.
	Compensation []Operation `json:"compensation,omitempty"`

	// Version is the tree version after the batch committed.
	Version uint64 `json:"version,omitempty"`

	// Duration is how long the batch took.
	Duration time.Duration `json:"duration,omitempty"`
}

// Succeeded reports whether the batch committed.
func (r *OperationResult) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}

// Err returns the failure as an error, or nil on success.
func (r *OperationResult) Err() error {
	if r == nil || r.Failure == nil {
		return nil
	}
	return r.Failure
}
